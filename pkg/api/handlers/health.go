package handlers

import (
	"net/http"

	"github.com/fademem/fademem/pkg/api/response"
	"github.com/fademem/fademem/pkg/version"
)

// Readiness reports whether the service can take traffic.
type Readiness interface {
	Started() bool
}

// HealthHandler serves the liveness and readiness endpoints.
type HealthHandler struct {
	ready Readiness
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(ready Readiness) *HealthHandler {
	return &HealthHandler{ready: ready}
}

// Health handles /health. The process answering is the liveness signal.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"build":   version.Info(),
	})
}

// Ready handles /ready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready == nil || !h.ready.Started() {
		response.JSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	response.JSON(w, http.StatusOK, map[string]bool{"ready": true})
}
