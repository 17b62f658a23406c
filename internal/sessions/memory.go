package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/engagement/internal/apperr"
	"github.com/aura-webinar/engagement/internal/models"
)

// MemoryStore is a mutex-guarded Store for tests and single-instance development.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*models.Session
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[uuid.UUID]*models.Session)}
}

func clone(s *models.Session) *models.Session {
	cp := *s
	if s.EndTime != nil {
		end := *s.EndTime
		cp.EndTime = &end
	}
	return &cp
}

func (m *MemoryStore) close(s *models.Session, end time.Time) Closed {
	if end.Before(s.StartTime) {
		end = s.StartTime
	}
	s.IsActive = false
	s.EndTime = &end
	return Closed{ID: s.ID, UserID: s.UserID, EndTime: end}
}

func (m *MemoryStore) ReplaceActive(ctx context.Context, s *models.Session) ([]Closed, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Store("replace active session", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var closed []Closed
	for _, existing := range m.sessions {
		if existing.UserID == s.UserID && existing.IsActive {
			closed = append(closed, m.close(existing, s.StartTime))
		}
	}
	stored := clone(s)
	stored.IsActive = true
	stored.EndTime = nil
	m.sessions[s.ID] = stored
	return closed, nil
}

func (m *MemoryStore) GetActive(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || !s.IsActive {
		return nil, apperr.ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.IsActive {
		return nil, apperr.ErrNotFound
	}
	if at.After(s.LastActiveTime) {
		s.LastActiveTime = at
	}
	return clone(s), nil
}

func (m *MemoryStore) CloseIfActive(ctx context.Context, id uuid.UUID, end time.Time) (*Closed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.IsActive {
		return nil, apperr.ErrNotFound
	}
	c := m.close(s, end)
	return &c, nil
}

func (m *MemoryStore) SetContentEngaged(ctx context.Context, id uuid.UUID, engaged bool) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.IsActive {
		return nil, apperr.ErrNotFound
	}
	s.ContentEngaged = engaged
	return clone(s), nil
}

func (m *MemoryStore) CloseAllForUser(ctx context.Context, userID uuid.UUID, end time.Time) ([]Closed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var closed []Closed
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive {
			closed = append(closed, m.close(s, end))
		}
	}
	return closed, nil
}

func (m *MemoryStore) CloseIdle(ctx context.Context, cutoff time.Time, grace time.Duration) ([]Closed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var closed []Closed
	for _, s := range m.sessions {
		if s.IsActive && !s.LastActiveTime.After(cutoff) {
			closed = append(closed, m.close(s, s.LastActiveTime.Add(grace)))
		}
	}
	return closed, nil
}

func (m *MemoryStore) ListActive(ctx context.Context, userID uuid.UUID) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var list []models.Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive {
			list = append(list, *clone(s))
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].LastActiveTime.After(list[j].LastActiveTime)
	})
	return list, nil
}

// All returns a snapshot of every stored session, active or not.
func (m *MemoryStore) All() []models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, *clone(s))
	}
	return list
}
