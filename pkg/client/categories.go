package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/fademem/fademem/pkg/category"
	"github.com/fademem/fademem/pkg/storage"
)

// CategoryMemoriesOptions narrows CategoryMemories.
type CategoryMemoriesOptions struct {
	Scope           Scope
	Limit           int
	MinStrength     *float64
	IncludeChildren bool
}

// Categories lists every category.
func (c *Client) Categories(ctx context.Context) ([]*storage.Category, error) {
	var out struct {
		Categories []*storage.Category `json:"categories"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/categories", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Categories, nil
}

// CategoryTree returns the hierarchy from its roots.
func (c *Client) CategoryTree(ctx context.Context) ([]*category.TreeNode, error) {
	var out struct {
		Tree []*category.TreeNode `json:"tree"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/categories/tree", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Tree, nil
}

// CategoryStats summarizes the hierarchy.
func (c *Client) CategoryStats(ctx context.Context) (*category.Stats, error) {
	var out category.Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/categories/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Category returns one category.
func (c *Client) Category(ctx context.Context, id string) (*storage.Category, error) {
	var out storage.Category
	if err := c.do(ctx, http.MethodGet, "/api/v1/categories/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CategorySummary returns the summary of a category, regenerating it on
// request.
func (c *Client) CategorySummary(ctx context.Context, id string, regenerate bool) (string, error) {
	var q url.Values
	if regenerate {
		q = url.Values{"regenerate": {"true"}}
	}
	var out struct {
		Summary string `json:"summary"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/categories/"+url.PathEscape(id)+"/summary", q, nil, &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

// CategoryMemories lists the memories filed under a category, strongest
// first.
func (c *Client) CategoryMemories(ctx context.Context, id string, opts CategoryMemoriesOptions) ([]*storage.Memory, error) {
	q := opts.Scope.values()
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.MinStrength != nil {
		q.Set("min_strength", strconv.FormatFloat(*opts.MinStrength, 'f', -1, 64))
	}
	if opts.IncludeChildren {
		q.Set("include_children", "true")
	}
	var out struct {
		Results []*storage.Memory `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/categories/"+url.PathEscape(id)+"/memories", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}
