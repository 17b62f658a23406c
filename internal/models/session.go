package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is one continuous span of user presence.
// At most one session per user is active at a time; once EndTime is set the session is terminal.
type Session struct {
	ID             uuid.UUID     `json:"id"`
	UserID         uuid.UUID     `json:"user_id"`
	StartTime      time.Time     `json:"start_time"`
	LastActiveTime time.Time     `json:"last_active_time"`
	EndTime        *time.Time    `json:"end_time,omitempty"`
	IsActive       bool          `json:"is_active"`
	ContentEngaged bool          `json:"content_engaged"`
	Client         ClientContext `json:"client"`
}

// ClientContext is the opaque client payload captured at session start.
type ClientContext struct {
	IPAddress string     `json:"ip_address,omitempty"`
	UserAgent string     `json:"user_agent,omitempty"`
	Device    DeviceInfo `json:"device"`
}

// DeviceInfo is the parsed form of a user agent.
type DeviceInfo struct {
	Browser    string `json:"browser"`
	OS         string `json:"os"`
	DeviceType string `json:"device_type"`
	IsMobile   bool   `json:"is_mobile"`
}

// Duration returns EndTime-StartTime for closed sessions and false for open ones.
func (s *Session) Duration() (time.Duration, bool) {
	if s.EndTime == nil {
		return 0, false
	}
	return s.EndTime.Sub(s.StartTime), true
}
