package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/engagement/internal/apperr"
	"github.com/aura-webinar/engagement/internal/models"
	"github.com/aura-webinar/engagement/internal/telemetry"
)

const (
	// DefaultTimeout is how long a session may go without a heartbeat before it is closed.
	DefaultTimeout = 60 * time.Minute
	// DefaultGraceWindow is added to the last heartbeat to estimate when a timed-out session really ended.
	DefaultGraceWindow = 5 * time.Minute
)

// Status is the outcome of a heartbeat.
type Status string

const (
	StatusActive  Status = "active"
	StatusRenewed Status = "renewed"
	StatusExpired Status = "expired"
)

// HeartbeatResult carries the heartbeat status and, for active and renewed
// outcomes, the session the client should keep using.
type HeartbeatResult struct {
	Status  Status
	Session *models.Session
}

// IdentityResolver extracts the caller's user id from request credentials.
// Missing and invalid credentials must be reported as distinct errors.
type IdentityResolver interface {
	Resolve(credentials string) (uuid.UUID, error)
}

// EventType names a lifecycle event.
type EventType string

const (
	EventStarted EventType = "session.started"
	EventEnded   EventType = "session.ended"
	EventExpired EventType = "session.expired"
	EventRenewed EventType = "session.renewed"
)

// Reasons attached to ended and expired events.
const (
	ReasonExplicit   = "explicit"
	ReasonSuperseded = "superseded"
	ReasonLogout     = "logout"
	ReasonTimeout    = "timeout"
	ReasonIdleSweep  = "idle_sweep"
)

// Event is published after a lifecycle change has been persisted.
type Event struct {
	Type      EventType `json:"type"`
	SessionID uuid.UUID `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier fans lifecycle events out to interested clients.
type Notifier interface {
	NotifySession(ctx context.Context, ev Event) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithGraceWindow overrides DefaultGraceWindow.
func WithGraceWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.grace = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithNotifier publishes lifecycle events through n.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// Manager runs the session state machine on top of a Store. It keeps no
// session state of its own; ordering comes from the store's conditional writes.
type Manager struct {
	store    Store
	identity IdentityResolver
	notifier Notifier
	logger   *zap.Logger
	timeout  time.Duration
	grace    time.Duration
	now      func() time.Time
}

// NewManager creates a session manager.
func NewManager(store Store, identity IdentityResolver, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:    store,
		identity: identity,
		logger:   logger,
		timeout:  DefaultTimeout,
		grace:    DefaultGraceWindow,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Timeout returns the configured idle timeout.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// StartSession closes the user's active sessions and opens a new one in a single store operation.
func (m *Manager) StartSession(ctx context.Context, userID uuid.UUID, client models.ClientContext) (*models.Session, error) {
	now := m.now().UTC()
	s := &models.Session{
		ID:             uuid.New(),
		UserID:         userID,
		StartTime:      now,
		LastActiveTime: now,
		IsActive:       true,
		Client:         client,
	}
	superseded, err := m.store.ReplaceActive(ctx, s)
	if err != nil {
		return nil, err
	}
	for _, c := range superseded {
		m.publish(ctx, Event{Type: EventEnded, SessionID: c.ID, UserID: c.UserID, Reason: ReasonSuperseded, At: c.EndTime})
	}
	m.logger.Info("session started",
		zap.String("session_id", s.ID.String()),
		zap.String("user_id", userID.String()),
		zap.Int("superseded", len(superseded)),
	)
	m.publish(ctx, Event{Type: EventStarted, SessionID: s.ID, UserID: userID, At: now})
	return s, nil
}

// Heartbeat keeps an active session alive, closes it if it has been idle past
// the timeout, and renews it for callers whose credentials still identify them.
func (m *Manager) Heartbeat(ctx context.Context, sessionID uuid.UUID, credentials string, client models.ClientContext) (HeartbeatResult, error) {
	now := m.now().UTC()

	s, err := m.store.GetActive(ctx, sessionID)
	if errors.Is(err, apperr.ErrNotFound) {
		m.logger.Debug("heartbeat for inactive session", zap.String("session_id", sessionID.String()))
		return m.renew(ctx, credentials, client)
	}
	if err != nil {
		return HeartbeatResult{}, err
	}

	// Valid credentials must name the owner. Missing or invalid ones fall
	// through so a stale tab can still learn its session expired.
	if credentials != "" && m.identity != nil {
		if caller, err := m.identity.Resolve(credentials); err == nil && caller != s.UserID {
			m.logger.Warn("heartbeat for another user's session",
				zap.String("session_id", s.ID.String()),
				zap.String("caller_id", caller.String()),
			)
			return HeartbeatResult{}, apperr.ErrForbidden
		}
	}

	if idle := now.Sub(s.LastActiveTime); idle >= m.timeout {
		end := s.LastActiveTime.Add(m.grace)
		closed, err := m.store.CloseIfActive(ctx, s.ID, end)
		switch {
		case err == nil:
			m.logger.Info("session timed out",
				zap.String("session_id", s.ID.String()),
				zap.String("user_id", s.UserID.String()),
				zap.Duration("idle", idle),
			)
			m.publish(ctx, Event{Type: EventExpired, SessionID: closed.ID, UserID: closed.UserID, Reason: ReasonTimeout, At: closed.EndTime})
		case errors.Is(err, apperr.ErrNotFound):
			// Another request closed it first.
		default:
			return HeartbeatResult{}, err
		}
		return m.renew(ctx, credentials, client)
	}

	touched, err := m.store.Touch(ctx, s.ID, now)
	if errors.Is(err, apperr.ErrNotFound) {
		return m.renew(ctx, credentials, client)
	}
	if err != nil {
		return HeartbeatResult{}, err
	}
	telemetry.TrackHeartbeat(string(StatusActive))
	return HeartbeatResult{Status: StatusActive, Session: touched}, nil
}

func (m *Manager) renew(ctx context.Context, credentials string, client models.ClientContext) (HeartbeatResult, error) {
	userID, err := m.identity.Resolve(credentials)
	if err != nil {
		m.logger.Debug("session not renewable", zap.Error(err))
		telemetry.TrackHeartbeat(string(StatusExpired))
		return HeartbeatResult{Status: StatusExpired}, nil
	}
	s, err := m.StartSession(ctx, userID, client)
	if err != nil {
		return HeartbeatResult{}, err
	}
	telemetry.TrackHeartbeat(string(StatusRenewed))
	m.publish(ctx, Event{Type: EventRenewed, SessionID: s.ID, UserID: userID, At: s.StartTime})
	return HeartbeatResult{Status: StatusRenewed, Session: s}, nil
}

// EndSession closes an active session. Ending a closed or unknown session is a no-op.
func (m *Manager) EndSession(ctx context.Context, sessionID uuid.UUID) error {
	closed, err := m.store.CloseIfActive(ctx, sessionID, m.now().UTC())
	if errors.Is(err, apperr.ErrNotFound) {
		m.logger.Debug("end for inactive session", zap.String("session_id", sessionID.String()))
		return nil
	}
	if err != nil {
		return err
	}
	m.logger.Info("session ended", zap.String("session_id", sessionID.String()))
	m.publish(ctx, Event{Type: EventEnded, SessionID: closed.ID, UserID: closed.UserID, Reason: ReasonExplicit, At: closed.EndTime})
	return nil
}

// MarkContentEngaged sets the engagement flag. The session must be active.
func (m *Manager) MarkContentEngaged(ctx context.Context, sessionID uuid.UUID, engaged bool) (*models.Session, error) {
	return m.store.SetContentEngaged(ctx, sessionID, engaged)
}

// EndAllActiveSessionsForUser closes every active session of the user and returns how many were closed.
func (m *Manager) EndAllActiveSessionsForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	closed, err := m.store.CloseAllForUser(ctx, userID, m.now().UTC())
	if err != nil {
		return 0, err
	}
	for _, c := range closed {
		m.publish(ctx, Event{Type: EventEnded, SessionID: c.ID, UserID: c.UserID, Reason: ReasonLogout, At: c.EndTime})
	}
	m.logger.Info("ended user sessions", zap.String("user_id", userID.String()), zap.Int("count", len(closed)))
	return int64(len(closed)), nil
}

// ListActiveSessions returns the user's active sessions, most recently active first.
func (m *Manager) ListActiveSessions(ctx context.Context, userID uuid.UUID) ([]models.Session, error) {
	return m.store.ListActive(ctx, userID)
}

// ActiveSession returns an active session by id.
func (m *Manager) ActiveSession(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	return m.store.GetActive(ctx, sessionID)
}

// SweepIdle closes every session idle past the timeout with the same
// end-time estimate a heartbeat would have used.
func (m *Manager) SweepIdle(ctx context.Context) (int64, error) {
	cutoff := m.now().UTC().Add(-m.timeout)
	closed, err := m.store.CloseIdle(ctx, cutoff, m.grace)
	if err != nil {
		return 0, err
	}
	for _, c := range closed {
		m.publish(ctx, Event{Type: EventExpired, SessionID: c.ID, UserID: c.UserID, Reason: ReasonIdleSweep, At: c.EndTime})
	}
	return int64(len(closed)), nil
}

func (m *Manager) publish(ctx context.Context, ev Event) {
	telemetry.TrackTransition(string(ev.Type), ev.Reason)
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifySession(context.WithoutCancel(ctx), ev); err != nil {
		m.logger.Warn("session notify failed",
			zap.String("event", string(ev.Type)),
			zap.String("session_id", ev.SessionID.String()),
			zap.Error(err),
		)
	}
}
