package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskgate/internal/audit"
	"github.com/mbd888/riskgate/internal/retry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func noopValidator(string) error { return nil }

func newTestDispatcher(store Store) *Dispatcher {
	return NewDispatcher(store, slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithURLValidator(noopValidator).
		WithRetryPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond})
}

func subscribe(t *testing.T, store Store, url string, events ...EventType) *Subscription {
	t.Helper()
	sub := &Subscription{
		ID:        "wh_" + strings.ReplaceAll(string(events[0]), ".", "_"),
		URL:       url,
		Secret:    "s3cret",
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Create(context.Background(), sub))
	return sub
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		rec  *audit.Record
		want EventType
		ok   bool
	}{
		{"blocked transfer", &audit.Record{Action: audit.ActionTransfer, Status: audit.StatusBlocked}, EventTransferBlocked, true},
		{"completed transfer", &audit.Record{Action: audit.ActionTransfer, Status: audit.StatusSuccess}, "", false},
		{"zero trust", &audit.Record{Action: audit.ActionZeroTrustBlock, Status: audit.StatusBlocked}, EventAccessDenied, true},
		{"permission", &audit.Record{Action: audit.ActionPermissionDenied, Status: audit.StatusBlocked}, EventAccessDenied, true},
		{"lockout", &audit.Record{Action: audit.ActionBruteforceBlock, Status: audit.StatusBlocked}, EventLockout, true},
		{"risk block", &audit.Record{Action: audit.ActionRiskAssessment, Metadata: audit.RiskMetadata{Recommendation: "BLOCK"}}, EventRiskBlock, true},
		{"risk allow", &audit.Record{Action: audit.ActionRiskAssessment, Metadata: audit.RiskMetadata{Recommendation: "ALLOW"}}, "", false},
		{"jit grant", &audit.Record{Action: audit.ActionJITRequest, Status: audit.StatusSuccess}, EventJITGranted, true},
		{"jit revoked", &audit.Record{Action: audit.ActionJITRequest, Status: audit.StatusRevoked}, "", false},
		{"customer view", &audit.Record{Action: audit.CustomerActionPrefix + "VIEW"}, EventCustomerAccess, true},
		{"login", &audit.Record{Action: audit.ActionLogin, Status: audit.StatusFailed}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(tt.rec)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateURL(t *testing.T) {
	for _, u := range []string{"https://hooks.example.com/x", "http://203.0.113.10:8080/alerts"} {
		assert.NoError(t, ValidateURL(u), u)
	}
	for _, u := range []string{
		"ftp://example.com", "https://", "http://localhost/x", "http://127.0.0.1/x",
		"http://10.1.2.3/x", "http://169.254.169.254/latest", "http://[::1]/x", "not a url",
	} {
		assert.ErrorIs(t, ValidateURL(u), ErrUnsafeURL, u)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := subscribe(t, store, "https://a.example.com", EventLockout, EventAccessDenied)
	subscribe(t, store, "https://b.example.com", EventTransferBlocked)

	got, err := store.ListByEvent(ctx, EventLockout)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	// Returned values are copies.
	got[0].Events[0] = EventRiskBlock
	again, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, EventLockout, again.Events[0])

	a.Active = false
	require.NoError(t, store.Update(ctx, a))
	got, err = store.ListByEvent(ctx, EventLockout)
	require.NoError(t, err)
	assert.Empty(t, got)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.Delete(ctx, a.ID))
	assert.ErrorIs(t, store.Delete(ctx, a.ID), ErrNotFound)
	_, err = store.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDispatch_SignsAndDelivers(t *testing.T) {
	type delivery struct {
		header http.Header
		body   []byte
	}
	got := make(chan delivery, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- delivery{header: r.Header.Clone(), body: body}
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := subscribe(t, store, srv.URL, EventLockout)
	d := newTestDispatcher(store)

	rec := &audit.Record{ID: "rec_1", Action: audit.ActionBruteforceBlock, Status: audit.StatusBlocked, IPAddress: "198.51.100.7"}
	d.Publish(rec)
	ev := <-d.queue
	require.NoError(t, d.Dispatch(context.Background(), ev))

	dl := <-got
	assert.Equal(t, string(EventLockout), dl.header.Get(HeaderEvent))
	assert.Equal(t, Sign(dl.body, sub.Secret), dl.header.Get(HeaderSignature))

	var payload Event
	require.NoError(t, json.Unmarshal(dl.body, &payload))
	assert.Equal(t, EventLockout, payload.Type)
	assert.Equal(t, "rec_1", payload.Record.ID)

	stored, err := store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastSuccess)
	assert.Zero(t, stored.ConsecutiveFailures)
}

func TestPublish_IgnoresUnclassified(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore())
	d.Publish(&audit.Record{Action: audit.ActionLogin, Status: audit.StatusSuccess})
	assert.Empty(t, d.queue)
}

func TestDeliver_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := subscribe(t, store, srv.URL, EventAccessDenied)
	d := newTestDispatcher(store)

	err := d.Deliver(context.Background(), sub, &Event{ID: "evt_1", Type: EventAccessDenied, Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliver_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := subscribe(t, store, srv.URL, EventAccessDenied)
	d := newTestDispatcher(store)

	err := d.Deliver(context.Background(), sub, &Event{ID: "evt_1", Type: EventAccessDenied, Timestamp: time.Now()})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	stored, err := store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ConsecutiveFailures)
	assert.Contains(t, stored.LastError, "410")
}

func TestDeliver_DeactivatesAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := subscribe(t, store, srv.URL, EventRiskBlock)
	d := newTestDispatcher(store)

	ev := &Event{ID: "evt_1", Type: EventRiskBlock, Timestamp: time.Now()}
	for range maxConsecutiveFailures {
		_ = d.Deliver(context.Background(), sub, ev)
	}
	stored, err := store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
}

func TestDeliver_RejectsUnsafeURL(t *testing.T) {
	store := NewMemoryStore()
	sub := subscribe(t, store, "http://127.0.0.1:9/x", EventLockout)
	d := NewDispatcher(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := d.Deliver(context.Background(), sub, &Event{ID: "evt_1", Type: EventLockout, Timestamp: time.Now()})
	assert.ErrorIs(t, err, ErrUnsafeURL)
}

func TestHandlers(t *testing.T) {
	var delivered atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderEvent) == string(EventTest) {
			delivered.Add(1)
		}
	}))
	defer target.Close()

	store := NewMemoryStore()
	h := NewHandler(store, newTestDispatcher(store))
	h.validateURL = noopValidator
	r := gin.New()
	h.RegisterRoutes(r.Group(""))

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodPost, "/webhooks", `{"url":"`+target.URL+`","events":["bogus"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(http.MethodPost, "/webhooks", `{"url":"`+target.URL+`","events":["auth.lockout"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.NotContains(t, w.Body.String(), `"Secret"`)

	w = do(http.MethodGet, "/webhooks", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), created.Secret)

	w = do(http.MethodPost, "/webhooks/"+created.Webhook.ID+"/test", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int32(1), delivered.Load())

	w = do(http.MethodDelete, "/webhooks/"+created.Webhook.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(http.MethodDelete, "/webhooks/"+created.Webhook.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
