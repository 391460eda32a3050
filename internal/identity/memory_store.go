package identity

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/mbd888/riskgate/internal/idgen"
)

// MemoryStore is an in-memory identity store for demo mode and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]*Identity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{identities: make(map[string]*Identity)}
}

func (m *MemoryStore) Create(_ context.Context, ident *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ident.ID == "" {
		ident.ID = idgen.WithPrefix("usr_")
	}
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = time.Now()
	}
	m.identities[ident.ID] = clone(ident)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ident, ok := m.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(ident), nil
}

func (m *MemoryStore) SetMFA(_ context.Context, id string, enabled bool) error {
	return m.update(id, func(i *Identity) { i.MFAEnabled = enabled })
}

func (m *MemoryStore) SetActive(_ context.Context, id string, active bool) error {
	return m.update(id, func(i *Identity) { i.Active = active })
}

func (m *MemoryStore) update(id string, fn func(*Identity)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.identities[id]
	if !ok {
		return ErrNotFound
	}
	fn(ident)
	return nil
}

func clone(i *Identity) *Identity {
	cp := *i
	cp.Roles = slices.Clone(i.Roles)
	cp.Permissions = slices.Clone(i.Permissions)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
