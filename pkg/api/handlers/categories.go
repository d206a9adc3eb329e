package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fademem/fademem/pkg/api/response"
	"github.com/fademem/fademem/pkg/logger"
	"github.com/fademem/fademem/pkg/memory"
)

// CategoryHandler serves the /categories routes.
type CategoryHandler struct {
	engine *memory.Engine
	log    logger.Logger
}

// NewCategoryHandler creates a category handler.
func NewCategoryHandler(engine *memory.Engine, log logger.Logger) *CategoryHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &CategoryHandler{engine: engine, log: log}
}

// List handles GET /api/v1/categories.
func (h *CategoryHandler) List(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]any{"categories": h.engine.ListCategories()})
}

// Tree handles GET /api/v1/categories/tree.
func (h *CategoryHandler) Tree(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]any{"tree": h.engine.CategoryTree()})
}

// Stats handles GET /api/v1/categories/stats.
func (h *CategoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.engine.CategoryStats())
}

// Get handles GET /api/v1/categories/{id}.
func (h *CategoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.Category(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, "category", err)
		return
	}
	response.JSON(w, http.StatusOK, c)
}

// Summary handles GET /api/v1/categories/{id}/summary?regenerate=true.
func (h *CategoryHandler) Summary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := h.engine.CategorySummary(r.Context(), id, boolParam(r, "regenerate"))
	if err != nil {
		writeError(w, r, h.log, "category_summary", err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"category_id": id, "summary": s})
}

// Memories handles GET /api/v1/categories/{id}/memories.
func (h *CategoryHandler) Memories(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.SearchByCategory(r.Context(), memory.CategoryQuery{
		CategoryID:      chi.URLParam(r, "id"),
		Scope:           ScopeFromQuery(r),
		Limit:           intParam(r, "limit", 0),
		MinStrength:     floatParam(r, "min_strength"),
		IncludeChildren: boolParam(r, "include_children"),
	})
	if err != nil {
		writeError(w, r, h.log, "category_memories", err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"results": list})
}
