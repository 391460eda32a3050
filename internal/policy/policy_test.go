package policy

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskgate/internal/auth"
	"github.com/mbd888/riskgate/internal/gate"
	"github.com/mbd888/riskgate/internal/identity"
)

const transferRoute = "POST /v1/transfers"

var (
	t0       = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	defaults = gate.Options{MinRiskScore: 70}
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		policy  RoutePolicy
		wantErr bool
	}{
		{"lowercase method", RoutePolicy{Route: "post /v1/transfers"}, false},
		{"missing path", RoutePolicy{Route: "POST"}, true},
		{"relative path", RoutePolicy{Route: "POST v1/transfers"}, true},
		{"bad mode", RoutePolicy{Route: transferRoute, EnforcementMode: "audit"}, true},
		{"score too high", RoutePolicy{Route: transferRoute, Options: gate.Options{MinRiskScore: 101}}, true},
		{"blank role", RoutePolicy{Route: transferRoute, Options: gate.Options{AllowedRoles: []string{" "}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.policy
			err := p.Normalize(t0)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, transferRoute, p.Route)
			assert.Equal(t, ModeEnforce, p.EnforcementMode)
		})
	}
}

func TestNormalize_ShadowExpiryCapped(t *testing.T) {
	p := RoutePolicy{Route: transferRoute, EnforcementMode: ModeShadow, ShadowExpiresAt: t0.Add(90 * 24 * time.Hour)}
	require.NoError(t, p.Normalize(t0))
	assert.Equal(t, t0.Add(MaxShadowDuration), p.ShadowExpiresAt)

	p.EnforcementMode = ModeEnforce
	require.NoError(t, p.Normalize(t0))
	assert.True(t, p.ShadowExpiresAt.IsZero())
}

func TestShadow_ExpiresIntoEnforcement(t *testing.T) {
	p := RoutePolicy{EnforcementMode: ModeShadow, ShadowExpiresAt: t0.Add(time.Hour)}
	assert.True(t, p.Shadow(t0))
	assert.False(t, p.Shadow(t0.Add(2*time.Hour)))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, transferRoute)
	assert.ErrorIs(t, err, ErrNotFound)

	p := &RoutePolicy{Route: transferRoute, Options: gate.Options{AllowedRoles: []string{"CUSTOMER"}}, CreatedAt: t0}
	require.NoError(t, s.Put(ctx, p))

	got, err := s.Get(ctx, transferRoute)
	require.NoError(t, err)
	got.Options.AllowedRoles[0] = "ADMIN"
	again, _ := s.Get(ctx, transferRoute)
	assert.Equal(t, "CUSTOMER", again.Options.AllowedRoles[0])

	require.NoError(t, s.Put(ctx, &RoutePolicy{Route: transferRoute, CreatedAt: t0.Add(time.Hour)}))
	again, _ = s.Get(ctx, transferRoute)
	assert.Equal(t, t0, again.CreatedAt)

	require.NoError(t, s.Put(ctx, &RoutePolicy{Route: "GET /v1/audit"}))
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "GET /v1/audit", list[0].Route)

	require.NoError(t, s.Delete(ctx, transferRoute))
	assert.ErrorIs(t, s.Delete(ctx, transferRoute), ErrNotFound)
}

type countingStore struct {
	Store
	gets int
	err  error
}

func (c *countingStore) Get(ctx context.Context, route string) (*RoutePolicy, error) {
	c.gets++
	if c.err != nil {
		return nil, c.err
	}
	return c.Store.Get(ctx, route)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	now := t0
	store := &countingStore{Store: NewMemoryStore()}
	r := NewResolver(store).WithClock(func() time.Time { return now })

	eff, err := r.Resolve(ctx, transferRoute, defaults)
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, eff.Source)
	assert.Equal(t, 70, eff.Options.MinRiskScore)

	require.NoError(t, store.Put(ctx, &RoutePolicy{
		Route: transferRoute, Enabled: true, EnforcementMode: ModeShadow,
		ShadowExpiresAt: t0.Add(time.Hour), Options: gate.Options{MinRiskScore: 40, RequireMFA: true},
	}))

	// The cached miss holds until invalidated.
	eff, _ = r.Resolve(ctx, transferRoute, defaults)
	assert.Equal(t, SourceDefault, eff.Source)
	assert.Equal(t, 1, store.gets)

	r.InvalidateCache(transferRoute)
	eff, err = r.Resolve(ctx, transferRoute, defaults)
	require.NoError(t, err)
	assert.Equal(t, SourcePolicy, eff.Source)
	assert.True(t, eff.Shadow)
	assert.True(t, eff.Options.RequireMFA)

	now = t0.Add(2 * time.Hour)
	eff, _ = r.Resolve(ctx, transferRoute, defaults)
	assert.False(t, eff.Shadow)
	assert.Equal(t, 3, store.gets)
}

func TestResolve_DisabledUsesDefaults(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, &RoutePolicy{Route: transferRoute, Options: gate.Options{MinRiskScore: 10}}))

	eff, err := NewResolver(store).Resolve(ctx, transferRoute, defaults)
	require.NoError(t, err)
	assert.Equal(t, defaults, eff.Options)
}

func TestResolve_StoreErrorFailsClosed(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore(), err: errors.New("connection refused")}
	_, err := NewResolver(store).Resolve(context.Background(), transferRoute, defaults)
	assert.Error(t, err)
}

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/v1/admin", func(c *gin.Context) {
		c.Set(auth.ContextKeyPrincipal, &auth.Principal{Identity: &identity.Identity{ID: "adm-1", Roles: []string{"ADMIN"}}})
		c.Next()
	})
	h.RegisterRoutes(g)
	return r
}

func TestHandler_PutListDelete(t *testing.T) {
	store := NewMemoryStore()
	resolver := NewResolver(store).WithClock(func() time.Time { return t0 })
	r := newRouter(NewHandler(store, resolver))

	// Prime the cache with the default so the PUT has something to invalidate.
	_, err := resolver.Resolve(context.Background(), transferRoute, defaults)
	require.NoError(t, err)

	body := `{"route":"post /v1/transfers","options":{"requireMfa":true,"minRiskScore":50},"enforcementMode":"shadow"}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/v1/admin/policies", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	stored, err := store.Get(context.Background(), transferRoute)
	require.NoError(t, err)
	assert.Equal(t, "adm-1", stored.UpdatedBy)
	assert.True(t, stored.Enabled)
	assert.Equal(t, t0.Add(MaxShadowDuration), stored.ShadowExpiresAt)

	eff, err := resolver.Resolve(context.Background(), transferRoute, defaults)
	require.NoError(t, err)
	assert.True(t, eff.Shadow)
	assert.Equal(t, 50, eff.Options.MinRiskScore)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/policies", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	target := "/v1/admin/policies?route=" + url.QueryEscape(transferRoute)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, target, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, target, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_RejectsInvalid(t *testing.T) {
	store := NewMemoryStore()
	r := newRouter(NewHandler(store, NewResolver(store)))

	for _, body := range []string{`{}`, `{"route":"nope"}`, `{"route":"POST /x","options":{"minRiskScore":-1}}`} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/v1/admin/policies", bytes.NewBufferString(body)))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}
