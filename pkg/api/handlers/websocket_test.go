package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fademem/fademem/pkg/events"
	"github.com/fademem/fademem/pkg/logger"
	"github.com/fademem/fademem/pkg/storage"
)

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newWSServer(t *testing.T, cfg WebSocketConfig) (*WebSocketHandler, *httptest.Server) {
	t.Helper()
	h := NewWebSocketHandler(logger.Nop(), cfg)
	mux := http.NewServeMux()
	mux.Handle("/ws/events", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, srv
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var e events.Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func TestWebSocket_FiltersByQuery(t *testing.T) {
	h, srv := newWSServer(t, WebSocketConfig{})
	conn := dialWS(t, srv, "?events=memory.deleted&user_id=alice")
	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.manager.Broadcast(events.Event{Type: events.TypeMemoryAdded,
		Payload: map[string]any{"scope": storage.Scope{UserID: "alice"}}}))
	require.NoError(t, h.manager.Broadcast(events.Event{Type: events.TypeMemoryDeleted,
		Payload: map[string]any{"scope": storage.Scope{UserID: "bob"}}}))
	require.NoError(t, h.manager.Broadcast(events.Event{Type: events.TypeMemoryDeleted,
		Payload: map[string]any{"scope": storage.Scope{UserID: "alice"}, "count": 2}}))

	e := readEvent(t, conn)
	assert.Equal(t, events.TypeMemoryDeleted, e.Type)
	assert.EqualValues(t, 2, e.Payload["count"])
}

func TestWebSocket_SubscribeMessage(t *testing.T) {
	h, srv := newWSServer(t, WebSocketConfig{})
	conn := dialWS(t, srv, "?events=memory.added")
	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "events": []string{events.TypeDecayRun}}))
	require.Eventually(t, func() bool {
		for c := range snapshot(h.manager) {
			if c.wants(events.Event{Type: events.TypeDecayRun}) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.manager.Broadcast(events.Event{Type: events.TypeMemoryAdded}))
	require.NoError(t, h.manager.Broadcast(events.Event{Type: events.TypeDecayRun}))
	assert.Equal(t, events.TypeDecayRun, readEvent(t, conn).Type)
}

func TestWebSocket_Pump(t *testing.T) {
	h, srv := newWSServer(t, WebSocketConfig{})
	bus := events.NewBroadcaster(8)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Pump(ctx, bus)
		close(done)
	}()

	conn := dialWS(t, srv, "")
	require.Eventually(t, func() bool { return h.Clients() == 1 && bus.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, events.Event{Type: events.TypeMemoryFused}))
	assert.Equal(t, events.TypeMemoryFused, readEvent(t, conn).Type)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pump did not return after cancel")
	}
}

func TestWebSocket_ConnectionLimit(t *testing.T) {
	h, srv := newWSServer(t, WebSocketConfig{MaxConnections: 1})
	dialWS(t, srv, "")
	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebSocket_RejectsPlainHTTP(t *testing.T) {
	h := NewWebSocketHandler(nil, WebSocketConfig{})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/events", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		allowed []string
		want    bool
	}{
		{"no origin", "", nil, true},
		{"same host", "http://example.com", nil, true},
		{"listed", "https://app.test", []string{"https://app.test"}, true},
		{"wildcard", "https://other.test", []string{"*"}, true},
		{"foreign", "https://evil.test", []string{"https://app.test"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://example.com/ws/events", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originAllowed(r, tt.allowed))
		})
	}
}

func snapshot(m *ConnectionManager) map[*wsClient]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[*wsClient]struct{}, len(m.clients))
	for c := range m.clients {
		out[c] = struct{}{}
	}
	return out
}

type countingRecorder struct {
	mu        sync.Mutex
	clients   int
	delivered map[string]int
	drops     int
}

func (c *countingRecorder) SetStreamClients(n int) {
	c.mu.Lock()
	c.clients = n
	c.mu.Unlock()
}

func (c *countingRecorder) RecordStreamDelivery(t string) {
	c.mu.Lock()
	c.delivered[t]++
	c.mu.Unlock()
}

func (c *countingRecorder) RecordStreamDrop() {
	c.mu.Lock()
	c.drops++
	c.mu.Unlock()
}

func (c *countingRecorder) snapshot() (int, map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.delivered))
	for k, v := range c.delivered {
		out[k] = v
	}
	return c.clients, out
}

func TestWebSocket_RecordsStreamMetrics(t *testing.T) {
	rec := &countingRecorder{delivered: map[string]int{}}
	h, srv := newWSServer(t, WebSocketConfig{Metrics: rec})
	conn := dialWS(t, srv, "?events=memory.added")
	require.Eventually(t, func() bool {
		n, _ := rec.snapshot()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.manager.Broadcast(events.Event{Type: events.TypeMemoryAdded}))
	require.NoError(t, h.manager.Broadcast(events.Event{Type: events.TypeMemoryDeleted}))
	readEvent(t, conn)

	_, delivered := rec.snapshot()
	assert.Equal(t, map[string]int{events.TypeMemoryAdded: 1}, delivered)

	h.Close()
	n, _ := rec.snapshot()
	assert.Zero(t, n)
}
