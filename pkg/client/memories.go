package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/fademem/fademem/pkg/category"
	"github.com/fademem/fademem/pkg/memory"
	"github.com/fademem/fademem/pkg/storage"
)

// Scope identifies the owner of memories. At least one of UserID, AgentID
// or RunID is required by scoped calls.
type Scope struct {
	UserID  string `json:"user_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	AppID   string `json:"app_id,omitempty"`
}

func (s Scope) values() url.Values {
	v := url.Values{}
	for k, val := range map[string]string{"user_id": s.UserID, "agent_id": s.AgentID, "run_id": s.RunID, "app_id": s.AppID} {
		if val != "" {
			v.Set(k, val)
		}
	}
	return v
}

// AddRequest is the body of an add call. Messages is a string, a message
// object or a list of either.
type AddRequest struct {
	Scope
	Messages        any            `json:"messages"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Categories      []string       `json:"categories,omitempty"`
	Infer           bool           `json:"infer,omitempty"`
	Includes        string         `json:"includes,omitempty"`
	Excludes        string         `json:"excludes,omitempty"`
	EchoDepth       string         `json:"echo_depth,omitempty"`
	InitialTier     string         `json:"initial_tier,omitempty"`
	InitialStrength float64        `json:"initial_strength,omitempty"`
	Immutable       bool           `json:"immutable,omitempty"`
	ExpirationDate  string         `json:"expiration_date,omitempty"`
}

// SearchRequest is the body of a search call. Nil toggles take the server
// defaults.
type SearchRequest struct {
	Scope
	Query         string         `json:"query"`
	Limit         int            `json:"limit,omitempty"`
	Filters       map[string]any `json:"filters,omitempty"`
	MinStrength   *float64       `json:"min_strength,omitempty"`
	Rerank        *bool          `json:"rerank,omitempty"`
	BoostOnAccess *bool          `json:"boost_on_access,omitempty"`
	KeywordSearch *bool          `json:"keyword_search,omitempty"`
	SignalRerank  *bool          `json:"signal_rerank,omitempty"`
	CategoryBoost *bool          `json:"category_boost,omitempty"`
}

// ListOptions narrows a list call.
type ListOptions struct {
	Tier  string
	Limit int
}

// Add stores memories.
func (c *Client) Add(ctx context.Context, req AddRequest) (*memory.AddResult, error) {
	var out memory.AddResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/memories", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search ranks the memories of a scope against a query.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*memory.SearchResponse, error) {
	var out memory.SearchResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/memories/search", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns the memories of a scope.
func (c *Client) List(ctx context.Context, scope Scope, opts ListOptions) ([]*storage.Memory, error) {
	q := scope.values()
	if opts.Tier != "" {
		q.Set("tier", opts.Tier)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out struct {
		Results []*storage.Memory `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/memories", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Get returns one memory.
func (c *Client) Get(ctx context.Context, id string) (*storage.Memory, error) {
	var out storage.Memory
	if err := c.do(ctx, http.MethodGet, "/api/v1/memories/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update replaces the content of a memory and merges metadata.
func (c *Client) Update(ctx context.Context, id, content string, metadata map[string]any) (*storage.Memory, error) {
	body := map[string]any{"memory": content}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var out storage.Memory
	if err := c.do(ctx, http.MethodPut, "/api/v1/memories/"+url.PathEscape(id), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes one memory.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/memories/"+url.PathEscape(id), nil, nil, nil)
}

// DeleteAll removes every memory of a scope and returns the count.
func (c *Client) DeleteAll(ctx context.Context, scope Scope) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/v1/memories", scope.values(), nil, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

// History returns the change log of a memory, oldest first.
func (c *Client) History(ctx context.Context, id string) ([]*storage.HistoryEvent, error) {
	var out struct {
		History []*storage.HistoryEvent `json:"history"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/memories/"+url.PathEscape(id)+"/history", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// Promote moves a memory to the long-term tier.
func (c *Client) Promote(ctx context.Context, id string) (*memory.TierChange, error) {
	return c.tier(ctx, id, "promote")
}

// Demote moves a memory to the short-term tier.
func (c *Client) Demote(ctx context.Context, id string) (*memory.TierChange, error) {
	return c.tier(ctx, id, "demote")
}

func (c *Client) tier(ctx context.Context, id, action string) (*memory.TierChange, error) {
	var out memory.TierChange
	if err := c.do(ctx, http.MethodPost, "/api/v1/memories/"+url.PathEscape(id)+"/"+action, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Fuse merges memories of one scope into a single long-term memory.
func (c *Client) Fuse(ctx context.Context, ids []string) (*memory.FuseResult, error) {
	var out memory.FuseResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/memories/fuse", nil, map[string]any{"memory_ids": ids}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FusionCandidates returns clusters of near-duplicate memory ids.
func (c *Client) FusionCandidates(ctx context.Context, scope Scope) ([][]string, error) {
	var out struct {
		Clusters [][]string `json:"clusters"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/memories/fusion-candidates", scope.values(), nil, &out); err != nil {
		return nil, err
	}
	return out.Clusters, nil
}

// Stats summarizes the memories of a scope, or all memories for an empty
// scope.
func (c *Client) Stats(ctx context.Context, scope Scope) (*memory.Stats, error) {
	var out memory.Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", scope.values(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reset deletes every memory, history event and category.
func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/reset", nil, nil, nil)
}

// ApplyDecay runs one decay sweep over a scope, or every scope when empty.
func (c *Client) ApplyDecay(ctx context.Context, scope Scope) (*memory.DecayReport, error) {
	var out memory.DecayReport
	if err := c.do(ctx, http.MethodPost, "/api/v1/maintenance/decay", nil, scope, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApplyCategoryDecay runs one category maintenance pass.
func (c *Client) ApplyCategoryDecay(ctx context.Context) (*category.DecayResult, error) {
	var out category.DecayResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/maintenance/category-decay", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DecayRuns returns the most recent decay runs.
func (c *Client) DecayRuns(ctx context.Context, limit int) ([]*storage.DecayRun, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Runs []*storage.DecayRun `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/maintenance/runs", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}
