package policy

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*RoutePolicy
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*RoutePolicy)}
}

func clone(p *RoutePolicy) *RoutePolicy {
	cp := *p
	cp.Options.AllowedRoles = slices.Clone(p.Options.AllowedRoles)
	return &cp
}

func (m *MemoryStore) Get(_ context.Context, route string) (*RoutePolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[route]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (m *MemoryStore) List(_ context.Context) ([]*RoutePolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*RoutePolicy, 0, len(m.policies))
	for _, p := range m.policies {
		result = append(result, clone(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Route < result[j].Route })
	return result, nil
}

func (m *MemoryStore) Put(_ context.Context, p *RoutePolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.policies[p.Route]; ok {
		p.CreatedAt = existing.CreatedAt
	}
	m.policies[p.Route] = clone(p)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, route string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[route]; !ok {
		return ErrNotFound
	}
	delete(m.policies, route)
	return nil
}

var _ Store = (*MemoryStore)(nil)
