package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestLimiter_Burst(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, BurstSize: 3, IdleTTL: time.Minute, CleanupInterval: time.Minute})
	defer l.Stop()
	now := time.Now()

	for i := 0; i < 3; i++ {
		assert.True(t, l.allowAt("a", now), "request %d within burst", i)
	}
	assert.False(t, l.allowAt("a", now))
	assert.True(t, l.allowAt("b", now), "clients have separate buckets")
	assert.True(t, l.allowAt("a", now.Add(time.Second)), "bucket refills")
}

func TestLimiter_Prune(t *testing.T) {
	l := New(DefaultConfig())
	defer l.Stop()
	old := time.Now().Add(-time.Hour)
	l.allowAt("idle", old)
	l.allowAt("busy", time.Now())

	l.prune(time.Now().Add(-time.Minute))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "idle")
	assert.Contains(t, l.buckets, "busy")
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestLimiter_Middleware(t *testing.T) {
	l := New(Config{RequestsPerSecond: 0.001, BurstSize: 1, IdleTTL: time.Minute, CleanupInterval: time.Minute})
	defer l.Stop()
	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
