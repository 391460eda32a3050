package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(c.now), c
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("redis")
	b.RecordFailure("redis")
	assert.True(t, b.Allow("redis"))
	assert.Equal(t, StateClosed, b.State("redis"))

	b.RecordFailure("redis")
	assert.False(t, b.Allow("redis"))
	assert.Equal(t, StateOpen, b.State("redis"))
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b, _ := newTestBreaker(2)

	b.RecordFailure("redis")
	b.RecordSuccess("redis")
	b.RecordFailure("redis")
	assert.Equal(t, StateClosed, b.State("redis"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure("redis")
	assert.False(t, b.Allow("redis"))

	clk.advance(time.Minute)
	assert.True(t, b.Allow("redis"), "one probe after cool-down")
	assert.Equal(t, StateHalfOpen, b.State("redis"))
	assert.False(t, b.Allow("redis"), "no second probe while half-open")

	b.RecordSuccess("redis")
	assert.Equal(t, StateClosed, b.State("redis"))
	assert.True(t, b.Allow("redis"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure("redis")
	clk.advance(time.Minute)
	assert.True(t, b.Allow("redis"))

	b.RecordFailure("redis")
	assert.Equal(t, StateOpen, b.State("redis"))
	clk.advance(30 * time.Second)
	assert.False(t, b.Allow("redis"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(1)
	boom := errors.New("boom")

	assert.NoError(t, b.Do("redis", func() error { return nil }))
	assert.ErrorIs(t, b.Do("redis", func() error { return boom }), boom)

	called := false
	err := b.Do("redis", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_DependenciesAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("redis")
	assert.False(t, b.Allow("redis"))
	assert.True(t, b.Allow("postgres"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
