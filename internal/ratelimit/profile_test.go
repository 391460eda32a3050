package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trustList map[string]bool

func (t trustList) IsTrusted(ip string) bool { return t[ip] }

func serve(mw gin.HandlerFunc, ip string, identity string) *httptest.ResponseRecorder {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if identity != "" {
			c.Set("identity", identity)
		}
		c.Next()
	}, mw)
	r.POST("/v1/transfers", func(c *gin.Context) { c.Status(http.StatusCreated) })

	req := httptest.NewRequest(http.MethodPost, "/v1/transfers", nil)
	req.RemoteAddr = ip + ":40000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func identityOf(c *gin.Context) string { return c.GetString("identity") }

func TestMiddleware_AuthProfile(t *testing.T) {
	mw := Middleware(NewMemoryCounter(), Auth(), nil)

	for i := 0; i < 5; i++ {
		w := serve(mw, "203.0.113.9", "")
		require.Equal(t, http.StatusCreated, w.Code, "attempt %d", i+1)
		assert.Equal(t, "5", w.Header().Get("RateLimit-Limit"))
	}

	w := serve(mw, "203.0.113.9", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("RateLimit-Remaining"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Too many authentication attempts", body["error"])
	assert.Equal(t, float64(900), body["retryAfter"])

	assert.Equal(t, http.StatusCreated, serve(mw, "203.0.113.10", "").Code, "other IPs unaffected")
}

func TestMiddleware_TrustedIPsBypass(t *testing.T) {
	mw := Middleware(NewMemoryCounter(), Auth(), trustList{"10.0.0.1": true})
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusCreated, serve(mw, "10.0.0.1", "").Code)
	}
}

func TestMiddleware_TransferProfileKeysByIdentity(t *testing.T) {
	mw := Middleware(NewMemoryCounter(), Transfer(identityOf), nil)

	for i := 0; i < 10; i++ {
		ip := "198.51.100." + strconv.Itoa(1+i%5)
		require.Equal(t, http.StatusCreated, serve(mw, ip, "usr-1").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(mw, "198.51.100.99", "usr-1").Code, "limit follows the identity across IPs")
	assert.Equal(t, http.StatusCreated, serve(mw, "198.51.100.1", "usr-2").Code)
}

func TestMiddleware_TransferProfileSkipsAnonymous(t *testing.T) {
	mw := Middleware(NewMemoryCounter(), Transfer(identityOf), nil)
	for i := 0; i < 20; i++ {
		assert.Equal(t, http.StatusCreated, serve(mw, "198.51.100.1", "").Code)
	}
}

func TestMiddleware_CounterFailureLetsRequestThrough(t *testing.T) {
	mw := Middleware(&failingCounter{}, General(), nil)
	assert.Equal(t, http.StatusCreated, serve(mw, "198.51.100.1", "").Code)
}

func TestProfiles(t *testing.T) {
	for _, tc := range []struct {
		p      Profile
		max    int64
		window time.Duration
	}{
		{General(), 100, 15 * time.Minute},
		{Auth(), 5, 15 * time.Minute},
		{Transfer(identityOf), 10, time.Hour},
		{AccountCreation(identityOf), 3, 24 * time.Hour},
	} {
		assert.Equal(t, tc.max, tc.p.Max, tc.p.Name)
		assert.Equal(t, tc.window, tc.p.Window, tc.p.Name)
	}
}
