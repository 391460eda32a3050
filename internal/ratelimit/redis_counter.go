package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/riskgate/internal/circuitbreaker"
	"github.com/mbd888/riskgate/internal/logging"
)

// DefaultRedisPrefix namespaces rate-limit keys in a shared Redis.
const DefaultRedisPrefix = "rl:"

// RedisCounter keeps windows in Redis so limits hold across replicas.
type RedisCounter struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisCounter creates a counter backed by client.
func NewRedisCounter(client redis.Cmdable, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisCounter{client: client, prefix: prefix, now: time.Now}
}

// WithClock overrides the time source.
func (r *RedisCounter) WithClock(now func() time.Time) *RedisCounter {
	r.now = now
	return r
}

// Increment adds one hit with INCR and pins the key's expiry to the window end
// in the same MULTI block.
func (r *RedisCounter) Increment(ctx context.Context, key string, window time.Duration) (Hit, error) {
	k, resetAt := windowKey(r.prefix+key, window, r.now())

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireAt(ctx, k, resetAt.Add(time.Second))
	if _, err := pipe.Exec(ctx); err != nil {
		return Hit{}, err
	}
	return Hit{Count: incr.Val(), ResetAt: resetAt}, nil
}

// FallbackCounter prefers a shared counter and degrades to a local one while
// the shared counter is failing.
type FallbackCounter struct {
	primary  Counter
	fallback Counter
	breaker  *circuitbreaker.Breaker
	name     string
}

// NewFallbackCounter wraps primary. Calls skip primary while breaker holds the
// circuit named name open.
func NewFallbackCounter(name string, primary, fallback Counter, breaker *circuitbreaker.Breaker) *FallbackCounter {
	return &FallbackCounter{primary: primary, fallback: fallback, breaker: breaker, name: name}
}

// Increment counts on the primary, or on the fallback if that fails.
func (f *FallbackCounter) Increment(ctx context.Context, key string, window time.Duration) (Hit, error) {
	var hit Hit
	err := f.breaker.Do(f.name, func() error {
		var err error
		hit, err = f.primary.Increment(ctx, key, window)
		return err
	})
	if err == nil {
		return hit, nil
	}
	logging.L(ctx).Warn("rate limit counter degraded to local", "counter", f.name, "error", err)
	return f.fallback.Increment(ctx, key, window)
}

var (
	_ Counter = (*RedisCounter)(nil)
	_ Counter = (*FallbackCounter)(nil)
)
