package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/fademem/fademem/config"
	"github.com/fademem/fademem/pkg/api/handlers"
	"github.com/fademem/fademem/pkg/events"
	"github.com/fademem/fademem/pkg/llm"
	"github.com/fademem/fademem/pkg/logger"
	"github.com/fademem/fademem/pkg/memory"
	memstore "github.com/fademem/fademem/pkg/storage/memory"
)

type testEnv struct {
	cfg    *config.Config
	log    logger.Logger
	engine *memory.Engine
	bus    *events.Broadcaster
	h      *Handlers
}

func newTestEnv(t *testing.T, start bool) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	log := logger.New(&logger.Config{Level: logger.InfoLevel, Format: "json", Writer: io.Discard})
	bus := events.NewBroadcaster(64)

	eng := memory.NewEngine(memstore.NewMemoryStorage(), nil, llm.NewMockGenerator(), llm.NewHashEmbedder(64),
		memory.DefaultConfig(), memory.WithBus(bus), memory.WithLogger(log))
	if start {
		if err := eng.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	}
	t.Cleanup(func() { _ = bus.Close() })

	return &testEnv{
		cfg:    cfg,
		log:    log,
		engine: eng,
		bus:    bus,
		h: &Handlers{
			Memory:      handlers.NewMemoryHandler(eng, log),
			Category:    handlers.NewCategoryHandler(eng, log),
			Maintenance: handlers.NewMaintenanceHandler(eng, log),
			Health:      handlers.NewHealthHandler(eng),
			WebSocket: handlers.NewWebSocketHandler(log, handlers.WebSocketConfig{
				MaxConnections: cfg.Server.WebSocket.MaxConnections,
			}),
		},
	}
}

func TestNewRouter_RegistersRoutes(t *testing.T) {
	env := newTestEnv(t, true)
	router := NewRouter(env.cfg, env.log, env.h)

	var got []string
	err := chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		got = append(got, method+" "+strings.TrimSuffix(route, "/"))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(got)

	want := []string{
		"POST /api/v1/memories",
		"GET /api/v1/memories",
		"DELETE /api/v1/memories",
		"POST /api/v1/memories/search",
		"POST /api/v1/memories/fuse",
		"GET /api/v1/memories/fusion-candidates",
		"GET /api/v1/memories/{id}",
		"PUT /api/v1/memories/{id}",
		"DELETE /api/v1/memories/{id}",
		"GET /api/v1/memories/{id}/history",
		"POST /api/v1/memories/{id}/promote",
		"POST /api/v1/memories/{id}/demote",
		"POST /api/v1/reset",
		"GET /api/v1/stats",
		"POST /api/v1/maintenance/decay",
		"POST /api/v1/maintenance/category-decay",
		"GET /api/v1/maintenance/runs",
		"GET /api/v1/categories",
		"GET /api/v1/categories/tree",
		"GET /api/v1/categories/stats",
		"GET /api/v1/categories/{id}",
		"GET /api/v1/categories/{id}/summary",
		"GET /api/v1/categories/{id}/memories",
		"GET /health",
		"GET /ready",
		"GET /ws/events",
	}
	have := make(map[string]bool, len(got))
	for _, r := range got {
		have[r] = true
	}
	for _, w := range want {
		if !have[w] {
			t.Errorf("route %q not registered; have %v", w, got)
		}
	}
}

func TestRegisterRoutes_Health(t *testing.T) {
	tests := []struct {
		name       string
		start      bool
		path       string
		wantStatus int
	}{
		{"health", true, "/health", http.StatusOK},
		{"ready", true, "/ready", http.StatusOK},
		{"ready before start", false, "/ready", http.StatusServiceUnavailable},
		{"health before start", false, "/health", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.start)
			router := NewRouter(env.cfg, env.log, env.h)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_NilHandlersSkipped(t *testing.T) {
	router := NewRouter(config.DefaultConfig(), logger.Nop(), &Handlers{})

	for _, path := range []string{"/health", "/api/v1/stats", "/metrics"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, w.Code)
		}
	}
}

func TestRegisterRoutes_EngineNotStarted(t *testing.T) {
	env := newTestEnv(t, false)
	router := NewRouter(env.cfg, env.log, env.h)

	w := httptest.NewRecorder()
	body := strings.NewReader(`{"query":"anything","user_id":"alice"}`)
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/memories/search", body))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestRouter_SetsRequestID(t *testing.T) {
	env := newTestEnv(t, true)
	router := NewRouter(env.cfg, env.log, env.h)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set("X-Request-ID", "req-1")
	router.ServeHTTP(w, r)
	if got := w.Header().Get("X-Request-ID"); got != "req-1" {
		t.Errorf("X-Request-ID = %q", got)
	}
}
