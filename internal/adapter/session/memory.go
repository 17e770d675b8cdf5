package session

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"livebus/internal/domain"
)

type entry struct {
	session  *domain.Session
	lastSeen time.Time
	revoked  bool
}

// MemoryStore is an in-process domain.SessionStore. Sessions expire after
// ttl without a Touch; a zero ttl disables expiry.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*entry),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Create starts a session for a tenant user.
func (m *MemoryStore) Create(_ context.Context, tenant string, userID int64, sctx map[string]any) (*domain.Session, error) {
	now := m.now()
	s := &domain.Session{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		UserID:    userID,
		Context:   maps.Clone(sctx),
		CreatedAt: now,
	}
	m.mu.Lock()
	m.sessions[s.ID] = &entry{session: s, lastSeen: now}
	m.mu.Unlock()
	return s, nil
}

// Resolve implements domain.SessionStore. Revoked and expired sessions are
// reported as not found.
func (m *MemoryStore) Resolve(_ context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok || !m.alive(e) {
		return nil, domain.ErrSessionNotFound
	}
	return e.session, nil
}

// IsValid implements domain.SessionStore.
func (m *MemoryStore) IsValid(_ context.Context, s *domain.Session) bool {
	if s == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[s.ID]
	return ok && m.alive(e)
}

// Touch extends the session's idle deadline.
func (m *MemoryStore) Touch(_ context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok && !e.revoked {
		e.lastSeen = m.now()
	}
}

// Revoke logs a session out. Connections bound to it are closed with
// SESSION_EXPIRED on their next delivery pass or message.
func (m *MemoryStore) Revoke(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	e.revoked = true
	return nil
}

// Sweep drops revoked and expired sessions and returns how many went.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.sessions {
		if !m.alive(e) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// Len returns the number of stored sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemoryStore) alive(e *entry) bool {
	if e.revoked {
		return false
	}
	return m.ttl <= 0 || m.now().Sub(e.lastSeen) < m.ttl
}
