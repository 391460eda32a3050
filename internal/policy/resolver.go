package policy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/riskgate/internal/gate"
)

// DefaultPolicyCacheTTL is how long a route's policy is cached before re-fetching.
const DefaultPolicyCacheTTL = 30 * time.Second

// Sources reported on Effective.
const (
	SourceDefault = "default"
	SourcePolicy  = "policy"
)

// Effective is the gate configuration that applies to one request.
type Effective struct {
	Options gate.Options
	// Shadow means a denial is logged and audited but not enforced.
	Shadow bool
	Source string
}

type cacheEntry struct {
	policy    *RoutePolicy // nil caches a miss
	fetchedAt time.Time
}

// Resolver merges stored route policies over compiled-in defaults.
type Resolver struct {
	store    Store
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

// NewResolver creates a resolver with the default cache TTL.
func NewResolver(store Store) *Resolver {
	return &Resolver{
		store:    store,
		cacheTTL: DefaultPolicyCacheTTL,
		now:      time.Now,
		cache:    make(map[string]*cacheEntry),
	}
}

// WithCacheTTL overrides the default policy cache TTL.
func (r *Resolver) WithCacheTTL(ttl time.Duration) *Resolver {
	r.cacheTTL = ttl
	return r
}

// WithClock replaces the time source.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// InvalidateCache drops the cached policy for route. Call after policy writes.
func (r *Resolver) InvalidateCache(route string) {
	r.mu.Lock()
	delete(r.cache, route)
	r.mu.Unlock()
}

// SweepCache removes expired entries. Returns the number removed.
func (r *Resolver) SweepCache() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for k, entry := range r.cache {
		if now.Sub(entry.fetchedAt) > r.cacheTTL {
			delete(r.cache, k)
			removed++
		}
	}
	return removed
}

// Resolve returns the options for route, falling back to defaults when no
// enabled policy exists. Store failures are returned rather than treated as
// "no policy" so a broken store cannot loosen a route.
func (r *Resolver) Resolve(ctx context.Context, route string, defaults gate.Options) (Effective, error) {
	p, err := r.cached(ctx, route)
	if err != nil {
		return Effective{}, err
	}
	if p == nil || !p.Enabled {
		return Effective{Options: defaults, Source: SourceDefault}, nil
	}
	return Effective{Options: p.Options, Shadow: p.Shadow(r.now()), Source: SourcePolicy}, nil
}

func (r *Resolver) cached(ctx context.Context, route string) (*RoutePolicy, error) {
	now := r.now()

	r.mu.RLock()
	entry, ok := r.cache[route]
	r.mu.RUnlock()
	if ok && now.Sub(entry.fetchedAt) < r.cacheTTL {
		return entry.policy, nil
	}

	p, err := r.store.Get(ctx, route)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if errors.Is(err, ErrNotFound) {
		p = nil
	}

	r.mu.Lock()
	r.cache[route] = &cacheEntry{policy: p, fetchedAt: now}
	r.mu.Unlock()
	return p, nil
}
