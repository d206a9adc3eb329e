// Package api provides HTTP API server components.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fademem/fademem/config"
	"github.com/fademem/fademem/pkg/api/handlers"
	"github.com/fademem/fademem/pkg/api/middleware"
	"github.com/fademem/fademem/pkg/logger"
)

// Handlers holds all HTTP handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	Memory      *handlers.MemoryHandler
	Category    *handlers.CategoryHandler
	Maintenance *handlers.MaintenanceHandler
	Health      *handlers.HealthHandler
	WebSocket   *handlers.WebSocketHandler

	// Metrics records request metrics when set.
	Metrics middleware.MetricsRecorder

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}
	r.Use(middleware.CORS(cfg.Server.CORS))
	r.Use(middleware.RateLimit(cfg.Server.RateLimit))
	r.Use(middleware.Timeout(cfg.Server.HTTP.RequestTimeout))

	RegisterRoutes(r, h)
	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		if h.Memory != nil {
			r.Route("/memories", func(r chi.Router) {
				r.Post("/", h.Memory.Add)
				r.Get("/", h.Memory.List)
				r.Delete("/", h.Memory.DeleteAll)
				r.Post("/search", h.Memory.Search)
				r.Post("/fuse", h.Memory.Fuse)
				r.Get("/fusion-candidates", h.Memory.FusionCandidates)
				r.Get("/{id}", h.Memory.Get)
				r.Put("/{id}", h.Memory.Update)
				r.Delete("/{id}", h.Memory.Delete)
				r.Get("/{id}/history", h.Memory.History)
				r.Post("/{id}/promote", h.Memory.Promote)
				r.Post("/{id}/demote", h.Memory.Demote)
			})
			r.Post("/reset", h.Memory.Reset)
			r.Get("/stats", h.Memory.Stats)
		}

		if h.Maintenance != nil {
			r.Route("/maintenance", func(r chi.Router) {
				r.Post("/decay", h.Maintenance.Decay)
				r.Post("/category-decay", h.Maintenance.CategoryDecay)
				r.Get("/runs", h.Maintenance.Runs)
			})
		}

		if h.Category != nil {
			r.Route("/categories", func(r chi.Router) {
				r.Get("/", h.Category.List)
				r.Get("/tree", h.Category.Tree)
				r.Get("/stats", h.Category.Stats)
				r.Get("/{id}", h.Category.Get)
				r.Get("/{id}/summary", h.Category.Summary)
				r.Get("/{id}/memories", h.Category.Memories)
			})
		}
	})

	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
	}
	if h.MetricsHandler != nil {
		r.Handle("/metrics", h.MetricsHandler)
	}
	if h.WebSocket != nil {
		r.Handle("/ws/events", h.WebSocket)
	}
}
