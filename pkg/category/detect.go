package category

import (
	"context"
	"fmt"
	"strings"

	"github.com/fademem/fademem/pkg/decay"
	"github.com/fademem/fademem/pkg/llm"
	"github.com/fademem/fademem/pkg/storage"
	"github.com/fademem/fademem/pkg/vectorindex"
)

// Detection thresholds.
const (
	KeywordAcceptScore   = 0.7
	EmbeddingAcceptScore = 0.6
	// llmContentLimit bounds the content quoted in the detection prompt.
	llmContentLimit = 500
)

// Match is the outcome of detection.
type Match struct {
	CategoryID        string  `json:"category_id"`
	CategoryName      string  `json:"category_name"`
	Confidence        float64 `json:"confidence"`
	IsNew             bool    `json:"is_new,omitempty"`
	SuggestedParentID string  `json:"suggested_parent_id,omitempty"`
}

// KeywordScore counts the keywords found in folded content (see llm.Fold)
// and divides by the larger of 3 and half the keyword count, capped at 1.
func KeywordScore(folded string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	matches := 0
	for _, kw := range keywords {
		if kw != "" && strings.Contains(folded, llm.Fold(kw)) {
			matches++
		}
	}
	return min(1.0, float64(matches)/max(3.0, float64(len(keywords))*0.5))
}

// Detect files content under a category in up to three phases: keyword
// match, embedding similarity, then the generator when useLLM is set. The
// first phase that clears its threshold wins.
func (m *Manager) Detect(ctx context.Context, content string, useLLM bool) Match {
	lower := llm.Fold(content)

	m.mu.RLock()
	cats := m.sortedLocked()
	var best *storage.Category
	bestScore := 0.0
	for _, c := range cats {
		if s := KeywordScore(lower, c.Keywords); s > bestScore {
			best, bestScore = c, s
		}
	}
	match := func(c *storage.Category, score float64) Match {
		return Match{CategoryID: c.ID, CategoryName: c.Name, Confidence: score}
	}
	if best != nil && bestScore >= KeywordAcceptScore {
		res := match(best, bestScore)
		m.mu.RUnlock()
		return res
	}
	embedded := make([]*storage.Category, 0, len(cats))
	for _, c := range cats {
		if len(c.Embedding) > 0 {
			embedded = append(embedded, c.Clone())
		}
	}
	if best != nil {
		best = best.Clone()
	}
	m.mu.RUnlock()

	if m.emb != nil && len(embedded) > 0 {
		vec, err := m.emb.Embed(ctx, content, llm.PurposeCategorize)
		if err != nil {
			m.log.WarnContext(ctx, "category detection embedding failed", "error", err)
		} else {
			for _, c := range embedded {
				if s := vectorindex.Cosine(vec, c.Embedding); s > bestScore {
					best, bestScore = c, s
				}
			}
		}
	}
	if best != nil && bestScore >= EmbeddingAcceptScore {
		return match(best, bestScore)
	}

	if useLLM && m.gen != nil {
		return m.detectLLM(ctx, content)
	}
	if best != nil {
		return match(best, bestScore)
	}
	return m.fallback()
}

func (m *Manager) fallback() Match {
	name := "Context & Situations"
	if c, ok := m.Get(FallbackID); ok {
		name = c.Name
	}
	return Match{CategoryID: FallbackID, CategoryName: name, Confidence: FallbackConfidence}
}

func (m *Manager) detectLLM(ctx context.Context, content string) Match {
	m.mu.RLock()
	var existing strings.Builder
	for _, c := range m.sortedLocked() {
		fmt.Fprintf(&existing, "- %s: %s - %s\n", c.ID, c.Name, c.Description)
	}
	autoChild := m.cfg.AutoCreateSubcategories
	m.mu.RUnlock()

	raw, err := m.gen.Generate(ctx, detectionPrompt(content, existing.String()))
	if err != nil {
		m.log.WarnContext(ctx, "category detection failed", "error", err)
		return m.fallback()
	}
	obj, err := llm.ParseObject(raw)
	if err != nil {
		m.log.WarnContext(ctx, "category detection unparseable", "error", err)
		return m.fallback()
	}

	action := obj.Get("action").String()
	if action == "" {
		action = "use_existing"
	}
	confidence := 0.5
	if v := obj.Get("confidence"); v.Exists() {
		confidence = decay.Clamp(v.Float())
	}

	if action == "use_existing" {
		if c, ok := m.Get(obj.Get("category_id").String()); ok {
			return Match{CategoryID: c.ID, CategoryName: c.Name, Confidence: confidence}
		}
	}
	if (action == "create_child" || action == "create_new") && obj.Get("new_category").IsObject() {
		nc := obj.Get("new_category")
		name := strings.TrimSpace(nc.Get("name").String())
		if name == "" {
			name = "Unnamed"
		}
		parent := nc.Get("parent_id").String()
		if !autoChild {
			parent = ""
		}
		id := m.Create(ctx, name, nc.Get("description").String(), llm.Strings(nc.Get("keywords")), parent)
		created, _ := m.Get(id)
		return Match{
			CategoryID:        id,
			CategoryName:      name,
			Confidence:        confidence,
			IsNew:             true,
			SuggestedParentID: created.ParentID,
		}
	}

	m.log.WarnContext(ctx, "category detection gave no usable action", "action", action)
	return m.fallback()
}

func detectionPrompt(content, existing string) string {
	if r := []rune(content); len(r) > llmContentLimit {
		content = string(r[:llmContentLimit])
	}
	return fmt.Sprintf(`Analyze this memory content and determine its category.

Memory Content: %s

Existing Categories:
%s
Instructions:
1. If the content fits an existing category, return that category's ID
2. If it fits a sub-category of an existing one, suggest creating a child category
3. If it's entirely new, suggest a new category name and description

Return JSON:
{
    "action": "use_existing" | "create_child" | "create_new",
    "category_id": "existing_category_id or null",
    "new_category": {
        "name": "Category Name (2-4 words)",
        "description": "Brief description",
        "keywords": ["keyword1", "keyword2", "keyword3"],
        "parent_id": "parent_category_id or null"
    },
    "confidence": 0.0-1.0
}`, content, existing)
}
