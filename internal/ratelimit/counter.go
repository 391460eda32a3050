package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Hit is the state of a fixed window after one increment.
type Hit struct {
	Count   int64
	ResetAt time.Time
}

// Counter increments fixed-window counters.
type Counter interface {
	Increment(ctx context.Context, key string, window time.Duration) (Hit, error)
}

// windowKey buckets key into the fixed window containing now.
func windowKey(key string, window time.Duration, now time.Time) (string, time.Time) {
	start := now.UTC().Truncate(window)
	return fmt.Sprintf("%s:%d", strings.ReplaceAll(key, " ", "_"), start.Unix()), start.Add(window)
}

// MemoryCounter keeps windows in a process-local expiring cache.
type MemoryCounter struct {
	mu    sync.Mutex
	cache *gocache.Cache
	now   func() time.Time
}

// NewMemoryCounter creates an in-process counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		cache: gocache.New(gocache.NoExpiration, time.Minute),
		now:   time.Now,
	}
}

// WithClock overrides the time source.
func (m *MemoryCounter) WithClock(now func() time.Time) *MemoryCounter {
	m.now = now
	return m
}

// Increment adds one hit to the current window for key.
func (m *MemoryCounter) Increment(_ context.Context, key string, window time.Duration) (Hit, error) {
	now := m.now()
	k, resetAt := windowKey(key, window, now)

	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64 = 1
	if v, ok := m.cache.Get(k); ok {
		count = v.(int64) + 1
	}
	m.cache.Set(k, count, resetAt.Sub(now))
	return Hit{Count: count, ResetAt: resetAt}, nil
}

var _ Counter = (*MemoryCounter)(nil)
