package session

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/riskgate/internal/idgen"
)

// MemoryStore is an in-memory session store for demo mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byToken  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		byToken:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = idgen.WithPrefix("ses_")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = s.CreatedAt
	}
	cp := *s
	m.sessions[s.ID] = &cp
	if s.Token != "" {
		m.byToken[s.Token] = s.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByToken(ctx context.Context, token string) (*Session, error) {
	m.mu.RLock()
	id, ok := m.byToken[token]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActivity = at
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.byToken, s.Token)
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.byToken, s.Token)
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// newestFirst returns the identity's sessions ordered by creation, newest first.
// Caller holds the lock.
func (m *MemoryStore) newestFirst(identityID string) []*Session {
	var list []*Session
	for _, s := range m.sessions {
		if s.IdentityID == identityID {
			list = append(list, s)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
	return list
}

func (m *MemoryStore) RecentDevices(_ context.Context, identityID string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.newestFirst(identityID)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	devices := make([]string, 0, len(list))
	for _, s := range list {
		devices = append(devices, s.Fingerprint)
	}
	return devices, nil
}

// RecentIPs lists distinct session IPs, newest first. A session opened
// without an address contributes "".
func (m *MemoryStore) RecentIPs(_ context.Context, identityID string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ips []string
	for _, s := range m.newestFirst(identityID) {
		if slices.Contains(ips, s.IPAddress) {
			continue
		}
		ips = append(ips, s.IPAddress)
		if limit > 0 && len(ips) == limit {
			break
		}
	}
	return ips, nil
}

var _ Store = (*MemoryStore)(nil)
