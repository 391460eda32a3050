package audit

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory audit store for demo/development mode and tests.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

func (m *MemoryStore) Append(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	return nil
}

func (m *MemoryStore) List(_ context.Context, q Query) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := m.matching(q)
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	for i, r := range result {
		cp := *r
		result[i] = &cp
	}
	return result, nil
}

func (m *MemoryStore) Count(_ context.Context, q Query) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.matching(q)), nil
}

func (m *MemoryStore) CountBy(_ context.Context, q Query, field GroupField, limit int) ([]GroupCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, r := range m.matching(q) {
		switch field {
		case GroupByAction:
			counts[r.Action]++
		case GroupByIPAddress:
			counts[r.IPAddress]++
		}
	}

	result := make([]GroupCount, 0, len(counts))
	for k, n := range counts {
		result = append(result, GroupCount{Key: k, Count: n})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Key < result[j].Key
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// matching returns the records satisfying q, newest first. Caller holds the lock.
func (m *MemoryStore) matching(q Query) []*Record {
	var result []*Record
	for _, r := range m.records {
		if q.matches(r) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return newer(result[i], result[j])
	})
	return result
}

func newer(a, b *Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (q Query) matches(r *Record) bool {
	if q.IdentityID != "" && r.IdentityID != q.IdentityID {
		return false
	}
	if q.Action != "" && r.Action != q.Action {
		return false
	}
	if q.ActionPrefix != "" && !strings.HasPrefix(r.Action, q.ActionPrefix) {
		return false
	}
	if q.ActionContains != "" && !strings.Contains(strings.ToLower(r.Action), strings.ToLower(q.ActionContains)) {
		return false
	}
	if q.Resource != "" && r.Resource != q.Resource {
		return false
	}
	if q.ResourceID != "" && r.ResourceID != q.ResourceID {
		return false
	}
	if q.Status != "" && r.Status != q.Status {
		return false
	}
	if q.IPAddress != "" && r.IPAddress != q.IPAddress {
		return false
	}
	if q.Either != nil {
		byIdentity := q.Either.IdentityID != "" && r.IdentityID == q.Either.IdentityID
		byIP := q.Either.IP != "" && r.IPAddress == q.Either.IP
		if !byIdentity && !byIP {
			return false
		}
	}
	if !q.Since.IsZero() && r.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && r.CreatedAt.After(q.Until) {
		return false
	}
	if q.After != nil {
		// Strictly older than the cursor in (created_at, id) order.
		if r.CreatedAt.After(q.After.CreatedAt) {
			return false
		}
		if r.CreatedAt.Equal(q.After.CreatedAt) && r.ID >= q.After.ID {
			return false
		}
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
