package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/fademem/fademem/pkg/category"
	"github.com/fademem/fademem/pkg/storage"
)

const (
	defaultCategorySearchLimit = 50
	defaultCategoryMinStrength = 0.1
)

// CategoryQuery selects the memories of one category.
type CategoryQuery struct {
	CategoryID      string
	Scope           storage.Scope
	Limit           int
	MinStrength     *float64
	IncludeChildren bool
}

// CategoryTree returns the category hierarchy rooted at the fixed roots.
func (e *Engine) CategoryTree() []*category.TreeNode {
	return e.categories.Tree()
}

// ListCategories returns every category without its embedding.
func (e *Engine) ListCategories() []*storage.Category {
	list := e.categories.All()
	for _, c := range list {
		c.Embedding = nil
	}
	return list
}

// Category returns one category.
func (e *Engine) Category(id string) (*storage.Category, error) {
	c, ok := e.categories.Get(id)
	if !ok {
		return nil, notFound("category", id)
	}
	c.Embedding = nil
	return c, nil
}

// CategoryStats summarizes the hierarchy.
func (e *Engine) CategoryStats() category.Stats {
	return e.categories.Stats()
}

// CategorySummary returns the summary of a category, generating it from its
// strongest members when there is none yet or regenerate is set.
func (e *Engine) CategorySummary(ctx context.Context, id string, regenerate bool) (string, error) {
	if _, ok := e.categories.Get(id); !ok {
		return "", notFound("category", id)
	}
	list, err := e.store.ListMemories(ctx, &storage.MemoryQuery{Categories: []string{id}})
	if err != nil {
		return "", fmt.Errorf("memory: list category members: %w", err)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Strength > list[j].Strength })
	contents := make([]string, len(list))
	for i, m := range list {
		contents[i] = m.Content
	}
	summary := e.categories.Summary(ctx, id, contents, regenerate)
	e.persistCategories(ctx)
	return summary, nil
}

// Summaries maps the name of every non-empty category to its summary.
func (e *Engine) Summaries(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for _, c := range e.categories.All() {
		if c.MemoryCount == 0 {
			continue
		}
		s, err := e.CategorySummary(ctx, c.ID, false)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		out[c.Name] = s
	}
	return out, nil
}

// SearchByCategory lists the memories filed under a category, strongest
// first. Descendant categories are included on request.
func (e *Engine) SearchByCategory(ctx context.Context, q CategoryQuery) ([]*storage.Memory, error) {
	if _, ok := e.categories.Get(q.CategoryID); !ok {
		return nil, notFound("category", q.CategoryID)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultCategorySearchLimit
	}
	minStrength := defaultCategoryMinStrength
	if q.MinStrength != nil {
		minStrength = *q.MinStrength
	}
	ids := []string{q.CategoryID}
	if q.IncludeChildren {
		ids = e.descendants(q.CategoryID)
	}

	list, err := e.store.ListMemories(ctx, &storage.MemoryQuery{
		Scope:       q.Scope,
		Categories:  ids,
		MinStrength: minStrength,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: list category members: %w", err)
	}
	now := e.now()
	out := make([]*storage.Memory, 0, len(list))
	for _, m := range list {
		if m.Expired(now) {
			continue
		}
		out = append(out, view(m))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	if len(out) > limit {
		out = out[:limit]
	}
	e.categories.Access(q.CategoryID)
	e.persistCategories(ctx)
	return out, nil
}

// descendants returns id and every category below it.
func (e *Engine) descendants(id string) []string {
	out := []string{id}
	for i := 0; i < len(out); i++ {
		c, ok := e.categories.Get(out[i])
		if !ok {
			continue
		}
		out = append(out, c.ChildrenIDs...)
	}
	return dedupe(out)
}
