package handlers

import (
	"net/http"

	"github.com/fademem/fademem/pkg/api/middleware"
	"github.com/fademem/fademem/pkg/api/response"
	"github.com/fademem/fademem/pkg/logger"
	"github.com/fademem/fademem/pkg/memory"
)

// MaintenanceHandler serves the /maintenance routes.
type MaintenanceHandler struct {
	engine *memory.Engine
	log    logger.Logger
}

// NewMaintenanceHandler creates a maintenance handler.
func NewMaintenanceHandler(engine *memory.Engine, log logger.Logger) *MaintenanceHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &MaintenanceHandler{engine: engine, log: log}
}

// Decay handles POST /api/v1/maintenance/decay. An empty body sweeps every
// scope.
func (h *MaintenanceHandler) Decay(w http.ResponseWriter, r *http.Request) {
	var body ScopeFields
	if err := response.Decode(r, &body); err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}
	report, err := h.engine.ApplyDecay(r.Context(), body.Scope())
	if err != nil {
		writeError(w, r, h.log, "apply_decay", err)
		return
	}
	response.JSON(w, http.StatusOK, report)
}

// CategoryDecay handles POST /api/v1/maintenance/category-decay.
func (h *MaintenanceHandler) CategoryDecay(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.ApplyCategoryDecay(r.Context())
	if err != nil {
		writeError(w, r, h.log, "category_decay", err)
		return
	}
	response.JSON(w, http.StatusOK, res)
}

// Runs handles GET /api/v1/maintenance/runs?limit=n.
func (h *MaintenanceHandler) Runs(w http.ResponseWriter, r *http.Request) {
	runs, err := h.engine.DecayRuns(r.Context(), intParam(r, "limit", 20))
	if err != nil {
		writeError(w, r, h.log, "decay_runs", err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"runs": runs})
}
