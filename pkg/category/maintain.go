package category

import (
	"context"
	"sort"
	"time"

	"github.com/fademem/fademem/pkg/storage"
	"github.com/fademem/fademem/pkg/vectorindex"
)

// Maintenance thresholds.
const (
	minCategoryStrength = 0.1
	weakStrength        = 0.3
	weakMemberCount     = 3
	pruneStrength       = 0.15
	mergeSimilarity     = 0.7
	mergeKeywordOverlap = 2
	mergeTargetStrength = 0.5
	relatedMinScore     = 0.4
	relatedKeywordBonus = 0.1
)

// DecayResult reports a category maintenance pass.
type DecayResult struct {
	Decayed int `json:"decayed"`
	Merged  int `json:"merged"`
	Deleted int `json:"deleted"`
	// Merges maps each merged source id to the id that absorbed it.
	Merges map[string]string `json:"merges,omitempty"`
}

// ApplyDecay weakens dynamic categories by whole weeks since their last
// access, then folds weak ones into a similar category. A weak category that
// has no merge target is deleted once it is empty and nearly spent.
func (m *Manager) ApplyDecay(ctx context.Context) DecayResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	res := DecayResult{Merges: make(map[string]string)}
	var weak []string
	for _, c := range m.sortedLocked() {
		if c.Type != storage.CategoryDynamic {
			continue
		}
		last := c.CreatedAt
		if c.LastAccessed != nil {
			last = *c.LastAccessed
		}
		days := int(now.Sub(last) / (24 * time.Hour))
		if days > 0 {
			next := max(minCategoryStrength, c.Strength-m.cfg.DecayRate*float64(days)/7)
			if next != c.Strength {
				c.Strength = next
				res.Decayed++
			}
		}
		if c.Strength < weakStrength && c.MemoryCount < weakMemberCount {
			weak = append(weak, c.ID)
		}
	}

	for _, id := range weak {
		c, ok := m.cats[id]
		if !ok {
			continue
		}
		if target := m.mergeTargetLocked(c); target != "" {
			m.mergeLocked(id, target)
			res.Merged++
			res.Merges[id] = target
			continue
		}
		if c.MemoryCount == 0 && c.Strength < pruneStrength {
			m.deleteLocked(id)
			res.Deleted++
		}
	}

	if res.Decayed+res.Merged+res.Deleted > 0 {
		m.log.InfoContext(ctx, "category decay applied",
			"decayed", res.Decayed, "merged", res.Merged, "deleted", res.Deleted)
	}
	return res
}

// mergeTargetLocked picks the category most similar to c by embedding, or
// failing that by shared keywords. Weak dynamic categories are not targets.
func (m *Manager) mergeTargetLocked(c *storage.Category) string {
	var bestID string
	bestSim := mergeSimilarity
	candidates := make([]*storage.Category, 0, len(m.cats))
	for _, o := range m.sortedLocked() {
		if o.ID == c.ID || (o.Type == storage.CategoryDynamic && o.Strength < mergeTargetStrength) {
			continue
		}
		candidates = append(candidates, o)
	}

	if len(c.Embedding) > 0 {
		for _, o := range candidates {
			if len(o.Embedding) == 0 {
				continue
			}
			if sim := vectorindex.Cosine(c.Embedding, o.Embedding); sim > bestSim {
				bestID, bestSim = o.ID, sim
			}
		}
		if bestID != "" {
			return bestID
		}
	}

	bestOverlap := mergeKeywordOverlap - 1
	for _, o := range candidates {
		if n := sharedKeywords(c.Keywords, o.Keywords); n > bestOverlap {
			bestID, bestOverlap = o.ID, n
		}
	}
	return bestID
}

// Merge folds src into dst and reports whether both existed. Counts,
// strength totals and access counts are summed, keywords unioned and src's
// children re-parented under dst. Roots cannot be merged away.
func (m *Manager) Merge(src, dst string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if src == dst || IsRoot(src) {
		return false
	}
	if m.cats[src] == nil || m.cats[dst] == nil {
		return false
	}
	m.mergeLocked(src, dst)
	return true
}

func (m *Manager) mergeLocked(src, dst string) {
	s, d := m.cats[src], m.cats[dst]

	d.MemoryCount += s.MemoryCount
	d.TotalStrength += s.TotalStrength
	d.AccessCount += s.AccessCount
	d.Keywords = unionKeywords(d.Keywords, s.Keywords)

	// dst may be a descendant of src; lift it out before src disappears.
	if d.ParentID == src {
		m.detachLocked(d)
		d.ParentID = s.ParentID
		if p := m.cats[d.ParentID]; p != nil {
			p.ChildrenIDs = append(p.ChildrenIDs, dst)
		}
	}
	for _, childID := range s.ChildrenIDs {
		child := m.cats[childID]
		if child == nil || childID == dst {
			continue
		}
		child.ParentID = dst
		d.ChildrenIDs = append(d.ChildrenIDs, childID)
	}
	s.ChildrenIDs = nil
	invalidate(d)

	m.log.Info("merged category", "source", src, "target", dst)
	m.deleteLocked(src)
}

// deleteLocked removes id and unlinks it from its parent. Children of a
// deleted category become roots of their own subtree.
func (m *Manager) deleteLocked(id string) {
	c := m.cats[id]
	if c == nil {
		return
	}
	m.detachLocked(c)
	for _, childID := range c.ChildrenIDs {
		if child := m.cats[childID]; child != nil && child.ParentID == id {
			child.ParentID = ""
		}
	}
	delete(m.cats, id)
	m.removed[id] = struct{}{}
}

func (m *Manager) detachLocked(c *storage.Category) {
	p := m.cats[c.ParentID]
	if p == nil {
		return
	}
	kept := p.ChildrenIDs[:0]
	for _, id := range p.ChildrenIDs {
		if id != c.ID {
			kept = append(kept, id)
		}
	}
	p.ChildrenIDs = kept
}

// Related returns up to limit category ids close to id, scored by embedding
// similarity plus a bonus per shared keyword.
func (m *Manager) Related(id string, limit int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cats[id]
	if !ok {
		return nil
	}

	type scored struct {
		id    string
		score float64
	}
	var list []scored
	for _, o := range m.sortedLocked() {
		if o.ID == id {
			continue
		}
		score := 0.0
		if len(c.Embedding) > 0 && len(o.Embedding) > 0 {
			score = vectorindex.Cosine(c.Embedding, o.Embedding)
		}
		score += relatedKeywordBonus * float64(sharedKeywords(c.Keywords, o.Keywords))
		if score > relatedMinScore {
			list = append(list, scored{o.ID, score})
		}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.id
	}
	return out
}

func sharedKeywords(a, b []string) int {
	set := make(map[string]struct{}, len(a))
	for _, k := range a {
		set[k] = struct{}{}
	}
	n := 0
	seen := make(map[string]struct{}, len(b))
	for _, k := range b {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := set[k]; ok {
			n++
		}
	}
	return n
}

func unionKeywords(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, k := range list {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}
