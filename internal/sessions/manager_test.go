package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/engagement/internal/apperr"
	"github.com/aura-webinar/engagement/internal/auth"
	"github.com/aura-webinar/engagement/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// staticIdentity resolves the credential "token:<uuid>" to that uuid.
type staticIdentity struct{}

func (staticIdentity) Resolve(credentials string) (uuid.UUID, error) {
	if credentials == "" {
		return uuid.Nil, auth.ErrNoCredentials
	}
	if len(credentials) < 6 || credentials[:6] != "token:" {
		return uuid.Nil, auth.ErrInvalidToken
	}
	return uuid.Parse(credentials[6:])
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (n *recordingNotifier) NotifySession(_ context.Context, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) types() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventType, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	store    *MemoryStore
	clock    *fakeClock
	notifier *recordingNotifier
	mgr      *Manager
}

func newFixture() *fixture {
	f := &fixture{
		store:    NewMemoryStore(),
		clock:    &fakeClock{now: time.Date(2025, 4, 16, 9, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
	}
	f.mgr = NewManager(f.store, staticIdentity{}, nil, WithClock(f.clock.Now), WithNotifier(f.notifier))
	return f
}

func activeFor(store *MemoryStore, userID uuid.UUID) []models.Session {
	var out []models.Session
	for _, s := range store.All() {
		if s.UserID == userID && s.IsActive {
			out = append(out, s)
		}
	}
	return out
}

func TestStartSession_SingleActiveUnderConcurrency(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.StartSession(ctx, userID, NewClientContext("10.0.0.1", ""))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, activeFor(f.store, userID), 1)
	assert.Len(t, f.store.All(), 50)
	for _, s := range f.store.All() {
		if !s.IsActive {
			require.NotNil(t, s.EndTime)
			assert.False(t, s.EndTime.Before(s.StartTime))
		}
	}
}

func TestStartSession_SupersedesPreviousAndNotifies(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()

	first, err := f.mgr.StartSession(ctx, userID, models.ClientContext{})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.mgr.StartSession(ctx, userID, models.ClientContext{})
	require.NoError(t, err)

	_, err = f.mgr.ActiveSession(ctx, first.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	list, err := f.mgr.ListActiveSessions(ctx, userID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)

	assert.Equal(t, []EventType{EventStarted, EventEnded, EventStarted}, f.notifier.types())
	assert.Equal(t, ReasonSuperseded, f.notifier.events[1].Reason)
	assert.Equal(t, first.ID, f.notifier.events[1].SessionID)
}

func TestHeartbeat_ActiveIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, err := f.mgr.StartSession(ctx, uuid.New(), models.ClientContext{})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	want := f.clock.Now()

	r1, err := f.mgr.Heartbeat(ctx, s.ID, "", models.ClientContext{})
	require.NoError(t, err)
	r2, err := f.mgr.Heartbeat(ctx, s.ID, "", models.ClientContext{})
	require.NoError(t, err)

	assert.Equal(t, StatusActive, r1.Status)
	assert.Equal(t, StatusActive, r2.Status)
	assert.Equal(t, want, r1.Session.LastActiveTime)
	assert.Equal(t, want, r2.Session.LastActiveTime)
	assert.Equal(t, s.ID, r2.Session.ID)
}

func TestHeartbeat_TimeoutClosesWithGraceAndRenews(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	s, err := f.mgr.StartSession(ctx, userID, models.ClientContext{})
	require.NoError(t, err)
	lastActive := s.LastActiveTime

	f.clock.Advance(DefaultTimeout)
	res, err := f.mgr.Heartbeat(ctx, s.ID, "token:"+userID.String(), models.ClientContext{})
	require.NoError(t, err)
	require.Equal(t, StatusRenewed, res.Status)
	require.NotNil(t, res.Session)
	assert.NotEqual(t, s.ID, res.Session.ID)
	assert.Equal(t, f.clock.Now(), res.Session.StartTime)

	var old models.Session
	for _, stored := range f.store.All() {
		if stored.ID == s.ID {
			old = stored
		}
	}
	assert.False(t, old.IsActive)
	require.NotNil(t, old.EndTime)
	assert.Equal(t, lastActive.Add(DefaultGraceWindow), *old.EndTime)
	assert.Len(t, activeFor(f.store, userID), 1)

	assert.Contains(t, f.notifier.types(), EventExpired)
	assert.Contains(t, f.notifier.types(), EventRenewed)
}

func TestHeartbeat_TimeoutWithoutIdentityExpires(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, err := f.mgr.StartSession(ctx, uuid.New(), models.ClientContext{})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	res, err := f.mgr.Heartbeat(ctx, s.ID, "", models.ClientContext{})
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, res.Status)
	assert.Nil(t, res.Session)

	// A late heartbeat never revives the closed session.
	res, err = f.mgr.Heartbeat(ctx, s.ID, "", models.ClientContext{})
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, res.Status)
	_, err = f.mgr.ActiveSession(ctx, s.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestHeartbeat_UnknownSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res, err := f.mgr.Heartbeat(ctx, uuid.New(), "token:garbage", models.ClientContext{})
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, res.Status)

	res, err = f.mgr.Heartbeat(ctx, uuid.New(), "Basic xyz", models.ClientContext{})
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, res.Status)

	userID := uuid.New()
	res, err = f.mgr.Heartbeat(ctx, uuid.New(), "token:"+userID.String(), models.ClientContext{})
	require.NoError(t, err)
	assert.Equal(t, StatusRenewed, res.Status)
	assert.Equal(t, userID, res.Session.UserID)
}

func TestHeartbeat_RejectsAnotherUsersCredentials(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	owner, intruder := uuid.New(), uuid.New()
	s, err := f.mgr.StartSession(ctx, owner, models.ClientContext{})
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)

	_, err = f.mgr.Heartbeat(ctx, s.ID, "token:"+intruder.String(), models.ClientContext{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	got, err := f.mgr.ActiveSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.LastActiveTime, got.LastActiveTime)

	// Timed out sessions are not closed on a stranger's behalf either.
	f.clock.Advance(DefaultTimeout)
	_, err = f.mgr.Heartbeat(ctx, s.ID, "token:"+intruder.String(), models.ClientContext{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Empty(t, activeFor(f.store, intruder))
	assert.Len(t, activeFor(f.store, owner), 1)

	res, err := f.mgr.Heartbeat(ctx, s.ID, "token:"+owner.String(), models.ClientContext{})
	require.NoError(t, err)
	assert.Equal(t, StatusRenewed, res.Status)
	assert.Equal(t, owner, res.Session.UserID)
}

func TestHeartbeat_InvalidCredentialsStillTouch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, err := f.mgr.StartSession(ctx, uuid.New(), models.ClientContext{})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	res, err := f.mgr.Heartbeat(ctx, s.ID, "expired", models.ClientContext{})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, res.Status)
	assert.Equal(t, f.clock.Now(), res.Session.LastActiveTime)
}

func TestHeartbeat_ConcurrentWithTimeoutCloseNeverRevives(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, err := f.mgr.StartSession(ctx, uuid.New(), models.ClientContext{})
	require.NoError(t, err)
	f.clock.Advance(90 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.mgr.Heartbeat(ctx, s.ID, "", models.ClientContext{})
			assert.NoError(t, err)
			assert.Equal(t, StatusExpired, res.Status)
		}()
	}
	wg.Wait()

	expired := 0
	for _, ev := range f.notifier.events {
		if ev.Type == EventExpired {
			expired++
		}
	}
	assert.Equal(t, 1, expired)
	_, err = f.mgr.ActiveSession(ctx, s.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestEndSession_Idempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, err := f.mgr.StartSession(ctx, uuid.New(), models.ClientContext{})
	require.NoError(t, err)

	require.NoError(t, f.mgr.EndSession(ctx, s.ID))
	require.NoError(t, f.mgr.EndSession(ctx, s.ID))
	require.NoError(t, f.mgr.EndSession(ctx, uuid.New()))

	_, err = f.mgr.MarkContentEngaged(ctx, s.ID, true)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMarkContentEngaged(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, err := f.mgr.StartSession(ctx, uuid.New(), models.ClientContext{})
	require.NoError(t, err)

	updated, err := f.mgr.MarkContentEngaged(ctx, s.ID, true)
	require.NoError(t, err)
	assert.True(t, updated.ContentEngaged)
}

func TestEndAllActiveSessionsForUser(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	other, err := f.mgr.StartSession(ctx, uuid.New(), models.ClientContext{})
	require.NoError(t, err)
	_, err = f.mgr.StartSession(ctx, userID, models.ClientContext{})
	require.NoError(t, err)

	n, err := f.mgr.EndAllActiveSessionsForUser(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Empty(t, activeFor(f.store, userID))

	n, err = f.mgr.EndAllActiveSessionsForUser(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	_, err = f.mgr.ActiveSession(ctx, other.ID)
	assert.NoError(t, err)
}

func TestSweepIdle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	idle, err := f.mgr.StartSession(ctx, uuid.New(), models.ClientContext{})
	require.NoError(t, err)
	f.clock.Advance(50 * time.Minute)
	fresh, err := f.mgr.StartSession(ctx, uuid.New(), models.ClientContext{})
	require.NoError(t, err)
	f.clock.Advance(15 * time.Minute)

	n, err := f.mgr.SweepIdle(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = f.mgr.ActiveSession(ctx, idle.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.mgr.ActiveSession(ctx, fresh.ID)
	assert.NoError(t, err)

	for _, s := range f.store.All() {
		if s.ID == idle.ID {
			require.NotNil(t, s.EndTime)
			assert.Equal(t, idle.LastActiveTime.Add(DefaultGraceWindow), *s.EndTime)
		}
	}
}

func TestNotifierFailureIsNotReturned(t *testing.T) {
	f := newFixture()
	f.notifier.err = errors.New("redis down")

	_, err := f.mgr.StartSession(context.Background(), uuid.New(), models.ClientContext{})
	assert.NoError(t, err)
}

func TestParseDevice(t *testing.T) {
	iphone := "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	d := ParseDevice(iphone)
	assert.True(t, d.IsMobile)
	assert.Equal(t, "mobile", d.DeviceType)
	assert.Equal(t, "Safari", d.Browser)

	d = ParseDevice("")
	assert.Equal(t, "Unknown", d.Browser)
	assert.False(t, d.IsMobile)
}
