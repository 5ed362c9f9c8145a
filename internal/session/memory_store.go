package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spike-crypto/voicebot/internal/models"
	"github.com/spike-crypto/voicebot/internal/utils"
)

// MemoryStore keeps sessions in process. The map lock is held only for
// lookup, insert and delete; history mutation happens under the
// session's own lock so sessions never block each other.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*record
	ttl      time.Duration
	now      func() time.Time
}

type record struct {
	mu      sync.Mutex
	s       models.Session
	deleted bool
}

type MemoryOption func(*MemoryStore)

func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{sessions: map[string]*record{}, ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *MemoryStore) Create(_ context.Context) (*models.Session, error) {
	now := m.now().UTC()
	s := models.Session{
		SessionID:    uuid.NewString(),
		CreatedAt:    now,
		LastActiveAt: now,
		Turns:        []models.Turn{},
		TTL:          m.ttl,
		ExpiresAt:    now.Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[s.SessionID] = &record{s: s}
	m.mu.Unlock()

	out := s
	return &out, nil
}

func (m *MemoryStore) lookup(id string) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.sessions[id]
	return r, ok
}

// live must be called with r.mu held.
func (m *MemoryStore) live(r *record, now time.Time) bool {
	return !r.deleted && (m.ttl <= 0 || now.Before(r.s.LastActiveAt.Add(m.ttl)))
}

func (m *MemoryStore) Append(_ context.Context, sessionID string, turns ...models.Turn) ([]models.Turn, error) {
	const op = "MemoryStore.Append"

	r, ok := m.lookup(sessionID)
	if !ok {
		return nil, utils.E(utils.CodeSessionNotFound, op, "session not found", utils.ErrNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := m.now().UTC()
	if !m.live(r, now) {
		return nil, utils.E(utils.CodeSessionNotFound, op, "session not found", utils.ErrNotFound)
	}
	for _, t := range turns {
		if t.RequestID != "" && hasTurn(r.s.Turns, t.RequestID, t.Role) {
			continue
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		r.s.Turns = append(r.s.Turns, t)
	}
	r.s.LastActiveAt = now
	r.s.ExpiresAt = now.Add(m.ttl)

	return cloneTurns(r.s.Turns), nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (*models.Session, error) {
	const op = "MemoryStore.Get"

	r, ok := m.lookup(sessionID)
	if !ok {
		return nil, utils.E(utils.CodeSessionNotFound, op, "session not found", utils.ErrNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !m.live(r, m.now()) {
		return nil, utils.E(utils.CodeSessionNotFound, op, "session not found", utils.ErrNotFound)
	}
	out := r.s
	out.Turns = cloneTurns(r.s.Turns)
	return &out, nil
}

func (m *MemoryStore) Clear(_ context.Context, sessionID string) error {
	const op = "MemoryStore.Clear"

	m.mu.Lock()
	r, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return utils.E(utils.CodeSessionNotFound, op, "session not found", utils.ErrNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	wasLive := m.live(r, m.now())
	r.deleted = true
	if !wasLive {
		return utils.E(utils.CodeSessionNotFound, op, "session not found", utils.ErrNotFound)
	}
	return nil
}

func (m *MemoryStore) Reap(_ context.Context) (int, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, r := range m.sessions {
		r.mu.Lock()
		if !m.live(r, now) {
			r.deleted = true
			delete(m.sessions, id)
			n++
		}
		r.mu.Unlock()
	}
	return n, nil
}

// Len reports the number of tracked sessions, live or awaiting reap.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func hasTurn(turns []models.Turn, requestID string, role models.Role) bool {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].RequestID == requestID && turns[i].Role == role {
			return true
		}
	}
	return false
}

func cloneTurns(in []models.Turn) []models.Turn {
	out := make([]models.Turn, len(in))
	copy(out, in)
	return out
}
