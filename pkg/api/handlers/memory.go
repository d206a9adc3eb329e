// Package handlers implements the HTTP handlers of the memory API.
package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fademem/fademem/pkg/api/middleware"
	"github.com/fademem/fademem/pkg/api/response"
	"github.com/fademem/fademem/pkg/depth"
	"github.com/fademem/fademem/pkg/filter"
	"github.com/fademem/fademem/pkg/logger"
	"github.com/fademem/fademem/pkg/memory"
	"github.com/fademem/fademem/pkg/storage"
)

// MemoryHandler serves the /memories routes.
type MemoryHandler struct {
	engine *memory.Engine
	log    logger.Logger
}

// NewMemoryHandler creates a memory handler.
func NewMemoryHandler(engine *memory.Engine, log logger.Logger) *MemoryHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &MemoryHandler{engine: engine, log: log}
}

// ScopeFields are the owner ids accepted by every scoped request body.
type ScopeFields struct {
	UserID  string `json:"user_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	AppID   string `json:"app_id,omitempty"`
}

// Scope converts the fields to a storage scope.
func (s ScopeFields) Scope() storage.Scope {
	return storage.Scope{UserID: s.UserID, AgentID: s.AgentID, RunID: s.RunID, AppID: s.AppID}
}

// AddBody is the body of POST /memories. Messages is a string, one message
// object or a list of either.
type AddBody struct {
	ScopeFields
	Messages        any            `json:"messages"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Categories      []string       `json:"categories,omitempty"`
	Infer           bool           `json:"infer,omitempty"`
	Includes        string         `json:"includes,omitempty"`
	Excludes        string         `json:"excludes,omitempty"`
	EchoDepth       string         `json:"echo_depth,omitempty"`
	InitialTier     string         `json:"initial_tier,omitempty"`
	InitialStrength float64        `json:"initial_strength,omitempty" validate:"gte=0,lte=1"`
	Immutable       bool           `json:"immutable,omitempty"`
	ExpirationDate  string         `json:"expiration_date,omitempty"`
}

// SearchBody is the body of POST /memories/search.
type SearchBody struct {
	ScopeFields
	Query         string         `json:"query"`
	Limit         int            `json:"limit,omitempty" validate:"gte=0,lte=1000"`
	Filters       map[string]any `json:"filters,omitempty"`
	MinStrength   *float64       `json:"min_strength,omitempty"`
	Rerank        *bool          `json:"rerank,omitempty"`
	BoostOnAccess *bool          `json:"boost_on_access,omitempty"`
	KeywordSearch *bool          `json:"keyword_search,omitempty"`
	SignalRerank  *bool          `json:"signal_rerank,omitempty"`
	CategoryBoost *bool          `json:"category_boost,omitempty"`
}

// UpdateBody is the body of PUT /memories/{id}.
type UpdateBody struct {
	Memory   string         `json:"memory"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FuseBody is the body of POST /memories/fuse.
type FuseBody struct {
	MemoryIDs []string `json:"memory_ids"`
}

// Add handles POST /api/v1/memories.
func (h *MemoryHandler) Add(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body AddBody
	if err := response.Decode(r, &body); err != nil {
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}
	msgs, err := memory.ParseMessages(body.Messages)
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}
	res, err := h.engine.Add(ctx, memory.AddRequest{
		Messages:        msgs,
		Scope:           body.Scope(),
		Metadata:        body.Metadata,
		Categories:      body.Categories,
		Infer:           body.Infer,
		Includes:        body.Includes,
		Excludes:        body.Excludes,
		EchoDepth:       depth.Level(strings.ToLower(body.EchoDepth)),
		InitialTier:     strings.ToLower(body.InitialTier),
		InitialStrength: body.InitialStrength,
		Immutable:       body.Immutable,
		ExpirationDate:  body.ExpirationDate,
	})
	if err != nil {
		h.fail(w, r, "add", err)
		return
	}
	response.JSON(w, http.StatusOK, res)
}

// Search handles POST /api/v1/memories/search.
func (h *MemoryHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body SearchBody
	if err := response.Decode(r, &body); err != nil {
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}
	res, err := h.engine.Search(ctx, memory.SearchRequest{
		Query:         body.Query,
		Scope:         body.Scope(),
		Limit:         body.Limit,
		Filters:       filter.Filter(body.Filters),
		MinStrength:   body.MinStrength,
		Rerank:        body.Rerank,
		BoostOnAccess: body.BoostOnAccess,
		KeywordSearch: body.KeywordSearch,
		SignalRerank:  body.SignalRerank,
		CategoryBoost: body.CategoryBoost,
	})
	if err != nil {
		h.fail(w, r, "search", err)
		return
	}
	response.JSON(w, http.StatusOK, res)
}

// List handles GET /api/v1/memories.
func (h *MemoryHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.engine.GetAll(r.Context(), memory.ListRequest{
		Scope: ScopeFromQuery(r),
		Tier:  q.Get("tier"),
		Limit: intParam(r, "limit", 0),
	})
	if err != nil {
		h.fail(w, r, "list", err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"results": list})
}

// Get handles GET /api/v1/memories/{id}.
func (h *MemoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get", err)
		return
	}
	response.JSON(w, http.StatusOK, m)
}

// Update handles PUT /api/v1/memories/{id}.
func (h *MemoryHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body UpdateBody
	if err := response.Decode(r, &body); err != nil {
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}
	m, err := h.engine.Update(ctx, chi.URLParam(r, "id"), body.Memory, body.Metadata)
	if err != nil {
		h.fail(w, r, "update", err)
		return
	}
	response.JSON(w, http.StatusOK, m)
}

// Delete handles DELETE /api/v1/memories/{id}.
func (h *MemoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Delete(r.Context(), id); err != nil {
		h.fail(w, r, "delete", err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// DeleteAll handles DELETE /api/v1/memories?user_id=...
func (h *MemoryHandler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.DeleteAll(r.Context(), ScopeFromQuery(r))
	if err != nil {
		h.fail(w, r, "delete_all", err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// History handles GET /api/v1/memories/{id}/history.
func (h *MemoryHandler) History(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "history", err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"history": list})
}

// Promote handles POST /api/v1/memories/{id}/promote.
func (h *MemoryHandler) Promote(w http.ResponseWriter, r *http.Request) {
	change, err := h.engine.Promote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "promote", err)
		return
	}
	response.JSON(w, http.StatusOK, change)
}

// Demote handles POST /api/v1/memories/{id}/demote.
func (h *MemoryHandler) Demote(w http.ResponseWriter, r *http.Request) {
	change, err := h.engine.Demote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "demote", err)
		return
	}
	response.JSON(w, http.StatusOK, change)
}

// Fuse handles POST /api/v1/memories/fuse.
func (h *MemoryHandler) Fuse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body FuseBody
	if err := response.Decode(r, &body); err != nil {
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}
	res, err := h.engine.Fuse(ctx, body.MemoryIDs)
	if err != nil {
		h.fail(w, r, "fuse", err)
		return
	}
	response.JSON(w, http.StatusOK, res)
}

// FusionCandidates handles GET /api/v1/memories/fusion-candidates.
func (h *MemoryHandler) FusionCandidates(w http.ResponseWriter, r *http.Request) {
	clusters, err := h.engine.FusionCandidates(r.Context(), ScopeFromQuery(r))
	if err != nil {
		h.fail(w, r, "fusion_candidates", err)
		return
	}
	if clusters == nil {
		clusters = [][]string{}
	}
	response.JSON(w, http.StatusOK, map[string]any{"clusters": clusters})
}

// Stats handles GET /api/v1/stats.
func (h *MemoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Stats(r.Context(), ScopeFromQuery(r))
	if err != nil {
		h.fail(w, r, "stats", err)
		return
	}
	response.JSON(w, http.StatusOK, st)
}

// Reset handles POST /api/v1/reset.
func (h *MemoryHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Reset(r.Context()); err != nil {
		h.fail(w, r, "reset", err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"reset": true, "at": time.Now().UTC()})
}

// fail logs server-side failures and writes the mapped error response.
func (h *MemoryHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	writeError(w, r, h.log, op, err)
}

func writeError(w http.ResponseWriter, r *http.Request, log logger.Logger, op string, err error) {
	if response.HTTPStatusFromError(err) >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "request failed", "op", op, "error", err)
	}
	response.HandleError(w, err, middleware.GetRequestID(r.Context()))
}

// ScopeFromQuery reads the owner ids from the query string.
func ScopeFromQuery(r *http.Request) storage.Scope {
	q := r.URL.Query()
	return storage.Scope{
		UserID:  q.Get("user_id"),
		AgentID: q.Get("agent_id"),
		RunID:   q.Get("run_id"),
		AppID:   q.Get("app_id"),
	}
}

func intParam(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func floatParam(r *http.Request, key string) *float64 {
	v, err := strconv.ParseFloat(r.URL.Query().Get(key), 64)
	if err != nil {
		return nil
	}
	return &v
}

func boolParam(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}
