// Package events is the ingest and range-query layer over login activity,
// watch progress and session history consumed by the analytics reports.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/engagement/internal/models"
)

// WatchFilter selects watch events whose start time falls in [From, To].
// A nil VideoID matches every video.
type WatchFilter struct {
	VideoID *uuid.UUID
	From    time.Time
	To      time.Time
}

// SessionSpan is the slice of a session the analytics reports need.
type SessionSpan struct {
	ID             uuid.UUID
	StartTime      time.Time
	EndTime        *time.Time
	ContentEngaged bool
}

// Reader is the read side used by analytics. All bounds are inclusive.
type Reader interface {
	// SuccessfulLogins returns successful logins with timestamp in [from, to].
	SuccessfulLogins(ctx context.Context, from, to time.Time) ([]models.LoginActivity, error)
	WatchEvents(ctx context.Context, f WatchFilter) ([]models.WatchEvent, error)
	// CompletedSessions returns closed sessions started in [from, to], wherever they ended.
	CompletedSessions(ctx context.Context, from, to time.Time) ([]SessionSpan, error)
	// SessionsStarted returns every session, open or closed, started in [from, to].
	SessionsStarted(ctx context.Context, from, to time.Time) ([]SessionSpan, error)
}

// Writer is the ingest side.
type Writer interface {
	RecordLogin(ctx context.Context, a models.LoginActivity) error
	// UpsertWatchEvent inserts a watch event or applies a progress update to it by id.
	// A zero StartTime keeps the stored one. It returns a *QualityError when the
	// resulting span is implausible.
	UpsertWatchEvent(ctx context.Context, e models.WatchEvent) error
}

// Repository is both sides.
type Repository interface {
	Reader
	Writer
}
