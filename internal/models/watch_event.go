package models

import (
	"time"

	"github.com/google/uuid"
)

// WatchEvent is one watch-progress record for a video, optionally tied to a user session.
// SessionID is nil for guest watches.
type WatchEvent struct {
	ID             uuid.UUID     `json:"id"`
	VideoID        uuid.UUID     `json:"video_id"`
	SessionID      *uuid.UUID    `json:"session_id,omitempty"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        *time.Time    `json:"end_time,omitempty"`
	SecondsWatched float64       `json:"seconds_watched"`
	PercentWatched float64       `json:"percent_watched"`
	Interactions   []Interaction `json:"interactions,omitempty"`
}

// Interaction is a timestamped player event tag (play, pause, seek, ...).
type Interaction struct {
	Event     string    `json:"event"`
	At        time.Time `json:"at"`
	VideoTime float64   `json:"video_time"`
}
