// Package sessions owns the user-session lifecycle: creation with a
// single-active-session guarantee, heartbeat-driven liveness with timeout
// detection and renewal, and explicit termination.
package sessions

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/engagement/internal/models"
)

// Closed identifies a session a bulk or conditional close just terminated.
type Closed struct {
	ID      uuid.UUID
	UserID  uuid.UUID
	EndTime time.Time
}

// Store persists sessions. Every mutation is conditional on the row still
// being active, so a closed session can never be written to again.
type Store interface {
	// ReplaceActive atomically closes every active session of s.UserID at
	// s.StartTime and inserts s as the user's only active session.
	ReplaceActive(ctx context.Context, s *models.Session) ([]Closed, error)
	// GetActive returns the session if it exists and is active, else apperr.ErrNotFound.
	GetActive(ctx context.Context, id uuid.UUID) (*models.Session, error)
	// Touch moves last_active_time forward to at (never backward) on an active session.
	Touch(ctx context.Context, id uuid.UUID, at time.Time) (*models.Session, error)
	// CloseIfActive ends an active session at end. apperr.ErrNotFound if it was not active.
	CloseIfActive(ctx context.Context, id uuid.UUID, end time.Time) (*Closed, error)
	// SetContentEngaged updates the engagement flag of an active session.
	SetContentEngaged(ctx context.Context, id uuid.UUID, engaged bool) (*models.Session, error)
	// CloseAllForUser ends every active session of userID at end in one statement.
	CloseAllForUser(ctx context.Context, userID uuid.UUID, end time.Time) ([]Closed, error)
	// CloseIdle ends every active session last seen at or before cutoff,
	// stamping end_time = last_active_time + grace.
	CloseIdle(ctx context.Context, cutoff time.Time, grace time.Duration) ([]Closed, error)
	// ListActive returns the user's active sessions, most recently active first.
	ListActive(ctx context.Context, userID uuid.UUID) ([]models.Session, error)
}
