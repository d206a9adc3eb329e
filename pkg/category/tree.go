package category

// TreeNode is one category in the rendered hierarchy.
type TreeNode struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	MemoryCount int         `json:"memory_count"`
	Strength    float64     `json:"strength"`
	Depth       int         `json:"depth"`
	Children    []*TreeNode `json:"children"`
}

// Tree renders the hierarchy from its roots, children in id order. Depth
// starts at 0 for roots.
func (m *Manager) Tree() []*TreeNode {
	m.mu.RLock()
	defer m.mu.RUnlock()

	children := make(map[string][]string)
	var top []string
	for _, c := range m.sortedLocked() {
		if _, ok := m.cats[c.ParentID]; c.ParentID == "" || !ok {
			top = append(top, c.ID)
			continue
		}
		children[c.ParentID] = append(children[c.ParentID], c.ID)
	}

	visited := make(map[string]struct{})
	var build func(id string, depth int) *TreeNode
	build = func(id string, depth int) *TreeNode {
		visited[id] = struct{}{}
		c := m.cats[id]
		n := &TreeNode{
			ID:          c.ID,
			Name:        c.Name,
			Description: c.Description,
			MemoryCount: c.MemoryCount,
			Strength:    c.Strength,
			Depth:       depth,
			Children:    []*TreeNode{},
		}
		for _, child := range children[id] {
			if _, loop := visited[child]; loop {
				continue
			}
			n.Children = append(n.Children, build(child, depth+1))
		}
		return n
	}

	out := make([]*TreeNode, 0, len(top))
	for _, id := range top {
		out = append(out, build(id, 0))
	}
	return out
}
