package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fademem/fademem/pkg/events"
	"github.com/fademem/fademem/pkg/logger"
	"github.com/fademem/fademem/pkg/storage"
)

const (
	defaultWSMaxConnections = 100
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultSendBuffer       = 64
	busBuffer               = 256
)

// StreamRecorder receives event stream metrics.
type StreamRecorder interface {
	SetStreamClients(n int)
	RecordStreamDelivery(eventType string)
	RecordStreamDrop()
}

type nopStreamRecorder struct{}

func (nopStreamRecorder) SetStreamClients(int)        {}
func (nopStreamRecorder) RecordStreamDelivery(string) {}
func (nopStreamRecorder) RecordStreamDrop()           {}

// WebSocketConfig configures the event stream.
type WebSocketConfig struct {
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
	// Metrics is optional.
	Metrics StreamRecorder
}

// subscription narrows the events a client receives. Empty fields match
// everything.
type subscription struct {
	types  map[string]struct{}
	userID string
}

// controlMessage is sent by clients to change their subscription:
//
//	{"type": "subscribe", "events": ["memory.added"], "user_id": "alice"}
//	{"type": "unsubscribe"}
type controlMessage struct {
	Type   string   `json:"type"`
	Events []string `json:"events,omitempty"`
	UserID string   `json:"user_id,omitempty"`
}

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	mu        sync.RWMutex
	sub       subscription
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn, send: make(chan []byte, defaultSendBuffer)}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *wsClient) setSubscription(s subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sub = s
}

func (c *wsClient) wants(e events.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sub.types) > 0 {
		if _, ok := c.sub.types[e.Type]; !ok {
			return false
		}
	}
	if c.sub.userID == "" {
		return true
	}
	return userOf(e.Payload) == c.sub.userID
}

// ConnectionManager tracks the connected clients.
type ConnectionManager struct {
	mu             sync.RWMutex
	clients        map[*wsClient]struct{}
	maxConnections int
	metrics        StreamRecorder
}

// NewConnectionManager creates a manager admitting at most maxConnections
// clients.
func NewConnectionManager(maxConnections int) *ConnectionManager {
	if maxConnections <= 0 {
		maxConnections = defaultWSMaxConnections
	}
	return &ConnectionManager{
		clients:        make(map[*wsClient]struct{}),
		maxConnections: maxConnections,
		metrics:        nopStreamRecorder{},
	}
}

func (m *ConnectionManager) register(c *wsClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) >= m.maxConnections {
		return errors.New("websocket connection limit reached")
	}
	m.clients[c] = struct{}{}
	m.metrics.SetStreamClients(len(m.clients))
	return nil
}

func (m *ConnectionManager) unregister(c *wsClient) {
	m.mu.Lock()
	_, ok := m.clients[c]
	delete(m.clients, c)
	m.metrics.SetStreamClients(len(m.clients))
	m.mu.Unlock()
	if ok {
		c.close()
	}
}

// Count returns the number of connected clients.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *ConnectionManager) canAccept() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients) < m.maxConnections
}

// Broadcast delivers e to every interested client. A client whose send
// buffer is full is disconnected.
func (m *ConnectionManager) Broadcast(e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	m.mu.RLock()
	clients := make([]*wsClient, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		if !c.wants(e) {
			continue
		}
		select {
		case c.send <- payload:
			m.metrics.RecordStreamDelivery(e.Type)
		default:
			m.metrics.RecordStreamDrop()
			m.unregister(c)
		}
	}
	return nil
}

// Close disconnects every client.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[*wsClient]struct{})
	m.metrics.SetStreamClients(0)
	m.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

// WebSocketHandler serves /ws/events.
type WebSocketHandler struct {
	log          logger.Logger
	manager      *ConnectionManager
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
}

// NewWebSocketHandler creates the event stream handler.
func NewWebSocketHandler(log logger.Logger, cfg WebSocketConfig) *WebSocketHandler {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	h := &WebSocketHandler{
		log:          log,
		manager:      NewConnectionManager(cfg.MaxConnections),
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	if cfg.Metrics != nil {
		h.manager.metrics = cfg.Metrics
	}
	origins := append([]string(nil), cfg.AllowedOrigins...)
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return originAllowed(r, origins) },
	}
	return h
}

// Pump forwards events from bus to the connected clients until ctx is done
// or the bus closes the subscription.
func (h *WebSocketHandler) Pump(ctx context.Context, bus events.Bus) {
	ch, cancel := bus.Subscribe(busBuffer)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := h.manager.Broadcast(e); err != nil {
				h.log.WarnContext(ctx, "event broadcast failed", "type", e.Type, "error", err)
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *WebSocketHandler) Clients() int {
	return h.manager.Count()
}

// ServeHTTP upgrades the connection and runs the client loops.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if !h.manager.canAccept() {
		http.Error(w, "websocket connection limit reached", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(conn)
	c.setSubscription(subscriptionFromQuery(r.URL.Query()))
	if err := h.manager.register(c); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many websocket connections"),
			time.Now().Add(h.writeTimeout))
		_ = conn.Close()
		return
	}
	go h.writePump(c)
	h.readPump(c)
}

// Close disconnects every client.
func (h *WebSocketHandler) Close() {
	h.manager.Close()
}

func (h *WebSocketHandler) readPump(c *wsClient) {
	defer h.manager.unregister(c)

	deadline := h.pingInterval + h.pongTimeout
	c.conn.SetReadLimit(64 << 10)
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", "error", err)
			}
			return
		}
		var msg controlMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(msg.Type)) {
		case "subscribe":
			c.setSubscription(newSubscription(msg.Events, msg.UserID))
		case "unsubscribe":
			c.setSubscription(subscription{})
		}
	}
}

func (h *WebSocketHandler) writePump(c *wsClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		h.manager.unregister(c)
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(h.writeTimeout))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func subscriptionFromQuery(q url.Values) subscription {
	var types []string
	for _, v := range q["events"] {
		types = append(types, strings.Split(v, ",")...)
	}
	return newSubscription(types, q.Get("user_id"))
}

func newSubscription(types []string, userID string) subscription {
	s := subscription{userID: strings.TrimSpace(userID)}
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			if s.types == nil {
				s.types = make(map[string]struct{})
			}
			s.types[t] = struct{}{}
		}
	}
	return s
}

// userOf extracts the user id of an event payload's scope, if any.
func userOf(payload map[string]any) string {
	switch s := payload["scope"].(type) {
	case storage.Scope:
		return s.UserID
	case *storage.Scope:
		if s != nil {
			return s.UserID
		}
	case map[string]any:
		id, _ := s["user_id"].(string)
		return id
	}
	if id, ok := payload["user_id"].(string); ok {
		return id
	}
	return ""
}

func originAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(strings.TrimSpace(a), origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
