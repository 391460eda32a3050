// Package circuitbreaker trips a dependency out of the request path after
// consecutive failures and probes it again once a cool-down has passed.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/mbd888/riskgate/internal/metrics"
)

// ErrOpen is returned by Do while the circuit for a dependency is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State is the breaker state of one dependency.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks circuits per dependency name.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	coolDown  time.Duration
	now       func() time.Time
}

// New creates a breaker that opens after threshold consecutive failures and
// lets one probe through after coolDown.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

// WithClock overrides the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Do runs fn unless the circuit for dependency is open, and records the
// outcome.
func (b *Breaker) Do(dependency string, fn func() error) error {
	if !b.Allow(dependency) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(dependency)
		return err
	}
	b.RecordSuccess(dependency)
	return nil
}

// Allow reports whether a call to dependency may proceed. An open circuit
// past its cool-down moves to half-open and admits a single probe.
func (b *Breaker) Allow(dependency string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[dependency]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.coolDown {
			return false
		}
		b.transition(dependency, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure streak and closes a half-open circuit.
func (b *Breaker) RecordSuccess(dependency string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[dependency]
	if !ok {
		return
	}
	c.failures = 0
	b.transition(dependency, c, StateClosed)
}

// RecordFailure extends the failure streak. A failed probe reopens the
// circuit; a closed circuit opens once the streak reaches the threshold.
func (b *Breaker) RecordFailure(dependency string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[dependency]
	if !ok {
		c = &circuit{}
		b.circuits[dependency] = c
	}
	c.failures++

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.transition(dependency, c, StateOpen)
	}
}

// State returns the circuit state for dependency.
func (b *Breaker) State(dependency string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[dependency]; ok {
		return c.state
	}
	return StateClosed
}

// Caller must hold b.mu.
func (b *Breaker) transition(dependency string, c *circuit, to State) {
	if c.state == to {
		return
	}
	metrics.BreakerTransitionsTotal.WithLabelValues(dependency, c.state.String(), to.String()).Inc()
	c.state = to
}
