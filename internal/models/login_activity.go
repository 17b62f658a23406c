package models

import (
	"time"

	"github.com/google/uuid"
)

// LoginActivity is one authentication attempt. Only successful rows count as activity.
type LoginActivity struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	Timestamp  time.Time `json:"timestamp"`
	Successful bool      `json:"successful"`
	Method     string    `json:"method"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

// LoginMethodCredentials is the default method recorded by the session start flow.
const LoginMethodCredentials = "credentials"
