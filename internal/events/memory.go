package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/engagement/internal/models"
)

// SessionSource exposes a snapshot of stored sessions, e.g. sessions.MemoryStore.
type SessionSource interface {
	All() []models.Session
}

// MemoryRepository keeps events in process. Session reads come from the
// attached SessionSource so the in-memory backends stay consistent.
type MemoryRepository struct {
	mu       sync.RWMutex
	logins   []models.LoginActivity
	watches  map[uuid.UUID]models.WatchEvent
	sessions SessionSource
}

// NewMemoryRepository creates an empty repository; sessions may be nil.
func NewMemoryRepository(sessions SessionSource) *MemoryRepository {
	return &MemoryRepository{watches: make(map[uuid.UUID]models.WatchEvent), sessions: sessions}
}

func within(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

func (m *MemoryRepository) SuccessfulLogins(ctx context.Context, from, to time.Time) ([]models.LoginActivity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var list []models.LoginActivity
	for _, a := range m.logins {
		if a.Successful && within(a.Timestamp, from, to) {
			list = append(list, a)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	return list, nil
}

func (m *MemoryRepository) WatchEvents(ctx context.Context, f WatchFilter) ([]models.WatchEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var list []models.WatchEvent
	for _, e := range m.watches {
		if f.VideoID != nil && e.VideoID != *f.VideoID {
			continue
		}
		if within(e.StartTime, f.From, f.To) {
			list = append(list, e)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartTime.Before(list[j].StartTime) })
	return list, nil
}

func (m *MemoryRepository) spans(ctx context.Context, keep func(models.Session) bool) ([]SessionSpan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.sessions == nil {
		return nil, nil
	}
	var list []SessionSpan
	for _, s := range m.sessions.All() {
		if keep(s) {
			list = append(list, SessionSpan{ID: s.ID, StartTime: s.StartTime, EndTime: s.EndTime, ContentEngaged: s.ContentEngaged})
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartTime.Before(list[j].StartTime) })
	return list, nil
}

func (m *MemoryRepository) CompletedSessions(ctx context.Context, from, to time.Time) ([]SessionSpan, error) {
	return m.spans(ctx, func(s models.Session) bool {
		return !s.IsActive && s.EndTime != nil && within(s.StartTime, from, to)
	})
}

func (m *MemoryRepository) SessionsStarted(ctx context.Context, from, to time.Time) ([]SessionSpan, error) {
	return m.spans(ctx, func(s models.Session) bool { return within(s.StartTime, from, to) })
}

func (m *MemoryRepository) RecordLogin(ctx context.Context, a models.LoginActivity) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	m.mu.Lock()
	m.logins = append(m.logins, a)
	m.mu.Unlock()
	return nil
}

// UpsertWatchEvent applies the same merge rules as the Postgres upsert.
func (m *MemoryRepository) UpsertWatchEvent(ctx context.Context, e models.WatchEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.watches[e.ID]
	if e.EndTime == nil && ok {
		e.EndTime = prev.EndTime
	}
	if err := settleStart(&e, prev.StartTime, ok, time.Now().UTC()); err != nil {
		return err
	}
	if !ok {
		m.watches[e.ID] = e
		return nil
	}
	if prev.SecondsWatched > e.SecondsWatched {
		e.SecondsWatched = prev.SecondsWatched
	}
	if NormalizePercent(prev.PercentWatched) > NormalizePercent(e.PercentWatched) {
		e.PercentWatched = prev.PercentWatched
	}
	if len(prev.Interactions) > len(e.Interactions) {
		e.Interactions = prev.Interactions
	}
	e.VideoID, e.SessionID = prev.VideoID, prev.SessionID
	m.watches[e.ID] = e
	return nil
}
