package category

import (
	"context"
	"fmt"
	"strings"
)

// summaryLineLimit bounds each memory quoted in a summary prompt.
const summaryLineLimit = 200

// Summary returns the cached summary of id, or generates one from contents
// when there is none or regenerate is set. At most SummaryMemoryLimit
// contents are used. Unknown ids yield "".
func (m *Manager) Summary(ctx context.Context, id string, contents []string, regenerate bool) string {
	m.mu.RLock()
	c, ok := m.cats[id]
	if !ok {
		m.mu.RUnlock()
		return ""
	}
	if c.Summary != "" && !regenerate {
		s := c.Summary
		m.mu.RUnlock()
		return s
	}
	name, desc := c.Name, c.Description
	limit := m.cfg.SummaryMemoryLimit
	m.mu.RUnlock()

	if len(contents) > limit {
		contents = contents[:limit]
	}

	var summary string
	switch {
	case len(contents) == 0:
		summary = "Empty category: " + desc
	case m.gen == nil:
		summary = fmt.Sprintf("Category with %d memories about %s", len(contents), desc)
	default:
		out, err := m.gen.Generate(ctx, summaryPrompt(name, desc, contents))
		out = strings.TrimSpace(out)
		if err != nil || out == "" {
			if err != nil {
				m.log.WarnContext(ctx, "category summary failed", "category_id", id, "error", err)
			}
			summary = fmt.Sprintf("Category with %d memories about %s", len(contents), desc)
		} else {
			summary = out
		}
	}

	m.mu.Lock()
	if cur, ok := m.cats[id]; ok {
		now := m.now().UTC()
		cur.Summary = summary
		cur.SummaryUpdatedAt = &now
	}
	m.mu.Unlock()
	return summary
}

func summaryPrompt(name, desc string, contents []string) string {
	var b strings.Builder
	for _, c := range contents {
		if r := []rune(c); len(r) > summaryLineLimit {
			c = string(r[:summaryLineLimit])
		}
		b.WriteString("- ")
		b.WriteString(c)
		b.WriteByte('\n')
	}
	return fmt.Sprintf(`Summarize the following memories in the category "%s" (%s).

Memories:
%s
Write a concise summary (2-3 sentences) capturing the key information.
Focus on patterns, preferences, and important facts.`, name, desc, b.String())
}
