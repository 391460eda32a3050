package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskgate/internal/audit"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func record(action string, status audit.Status) *audit.Record {
	return &audit.Record{
		ID:         "rec-" + action,
		IdentityID: "usr-1",
		Action:     action,
		Status:     status,
		IPAddress:  "203.0.113.5",
		CreatedAt:  time.Now().UTC(),
	}
}

func event(action string, status audit.Status) *Event {
	typ := EventAudit
	if status == audit.StatusBlocked || status == audit.StatusFailed {
		typ = EventDenial
	}
	return &Event{Type: typ, Record: record(action, status)}
}

func TestClientMatches(t *testing.T) {
	cases := []struct {
		name string
		sub  Subscription
		ev   *Event
		want bool
	}{
		{"empty matches all", Subscription{}, event(audit.ActionTransfer, audit.StatusSuccess), true},
		{"denials only drops success", Subscription{DenialsOnly: true}, event(audit.ActionTransfer, audit.StatusSuccess), false},
		{"denials only keeps blocked", Subscription{DenialsOnly: true}, event(audit.ActionZeroTrustBlock, audit.StatusBlocked), true},
		{"action filter", Subscription{Actions: []string{audit.ActionTransfer}}, event(audit.ActionLogin, audit.StatusSuccess), false},
		{"status filter", Subscription{Statuses: []audit.Status{audit.StatusFailed}}, event(audit.ActionLogin, audit.StatusFailed), true},
		{"identity filter", Subscription{IdentityID: "usr-2"}, event(audit.ActionLogin, audit.StatusFailed), false},
		{"ip filter", Subscription{IPAddress: "203.0.113.5"}, event(audit.ActionLogin, audit.StatusFailed), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Client{sub: tc.sub}
			assert.Equal(t, tc.want, c.matches(tc.ev))
		})
	}
}

func TestHub_PublishToRegisteredClient(t *testing.T) {
	h := testHub(t)
	client := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{DenialsOnly: true}}
	h.register <- client

	h.Publish(record(audit.ActionTransfer, audit.StatusSuccess))
	h.Publish(record(audit.ActionZeroTrustBlock, audit.StatusBlocked))

	select {
	case msg := <-client.send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, EventDenial, ev.Type)
		assert.Equal(t, audit.ActionZeroTrustBlock, ev.Record.Action)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	assert.Eventually(t, func() bool {
		return h.Stats()["totalEvents"].(int64) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub(t)
	client := &Client{hub: h, send: make(chan []byte, 1)}

	h.register <- client
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 }, time.Second, 10*time.Millisecond)

	h.unregister <- client
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"].(int64))
}

func TestHub_StopsOnCancel(t *testing.T) {
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/v1/audit/stream", nil), Subscription{})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_WebSocketStream(t *testing.T) {
	h := testHub(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, Subscription{})
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteJSON(Subscription{Actions: []string{audit.ActionTransfer}}))
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 }, time.Second, 10*time.Millisecond)
	// Let the subscription update land before publishing.
	time.Sleep(50 * time.Millisecond)

	h.Publish(record(audit.ActionLogin, audit.StatusSuccess))
	h.Publish(record(audit.ActionTransfer, audit.StatusSuccess))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, audit.ActionTransfer, ev.Record.Action)
}
