// Package category maintains the topic tree memories are filed under.
//
// The Manager owns an arena of categories keyed by id; parent and child links
// are ids, never pointers. Mutations stay in memory until Persist writes the
// arena back to the store.
package category

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fademem/fademem/config"
	"github.com/fademem/fademem/pkg/llm"
	"github.com/fademem/fademem/pkg/logger"
	"github.com/fademem/fademem/pkg/storage"
)

// FallbackID is the category used when detection cannot decide.
const FallbackID = "context"

// FallbackConfidence accompanies a FallbackID match.
const FallbackConfidence = 0.3

// accessBoost is added to a category's strength on each access.
const accessBoost = 0.02

type root struct {
	id, name, description string
	kind                  storage.CategoryType
}

var roots = []root{
	{"preferences", "User Preferences", "Personal preferences, likes, dislikes, and choices", storage.CategoryPreference},
	{"facts", "Facts & Knowledge", "Factual information and learned knowledge", storage.CategoryFact},
	{"context", "Context & Situations", "Situational context, projects, environments", storage.CategoryContext},
	{"procedures", "Procedures & How-To", "Instructions, workflows, and procedures", storage.CategoryProcedure},
	{"corrections", "Corrections & Lessons", "Mistakes, corrections, and learned lessons", storage.CategoryCorrection},
}

// IsRoot reports whether id names a built-in root category.
func IsRoot(id string) bool {
	for _, r := range roots {
		if r.id == id {
			return true
		}
	}
	return false
}

// Store is the slice of storage.Store the manager persists through.
type Store interface {
	SaveCategory(ctx context.Context, c *storage.Category) error
	ListCategories(ctx context.Context) ([]*storage.Category, error)
	DeleteCategory(ctx context.Context, id string) error
}

// Config holds the manager tunables.
type Config struct {
	UseLLM                  bool
	AutoCreateSubcategories bool
	MaxDepth                int
	DecayRate               float64
	SummaryMemoryLimit      int
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		UseLLM:                  true,
		AutoCreateSubcategories: true,
		MaxDepth:                3,
		DecayRate:               0.05,
		SummaryMemoryLimit:      20,
	}
}

// FromConfig maps the category config section.
func FromConfig(cfg config.CategoryConfig) Config {
	return Config{
		UseLLM:                  cfg.UseLLM,
		AutoCreateSubcategories: cfg.AutoCreateSubcategories,
		MaxDepth:                cfg.MaxDepth,
		DecayRate:               cfg.DecayRate,
		SummaryMemoryLimit:      cfg.SummaryMemoryLimit,
	}
}

// Manager is the category arena.
type Manager struct {
	mu      sync.RWMutex
	cats    map[string]*storage.Category
	removed map[string]struct{}

	cfg   Config
	store Store
	gen   llm.Generator
	emb   llm.Embedder
	log   logger.Logger
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager returns a manager holding the five root categories. store, gen
// and emb may be nil; the phases that need them are then skipped.
func NewManager(store Store, gen llm.Generator, emb llm.Embedder, cfg Config, opts ...Option) *Manager {
	if cfg.MaxDepth < 1 {
		cfg.MaxDepth = DefaultConfig().MaxDepth
	}
	if cfg.SummaryMemoryLimit < 1 {
		cfg.SummaryMemoryLimit = DefaultConfig().SummaryMemoryLimit
	}
	m := &Manager{
		cats:    make(map[string]*storage.Category),
		removed: make(map[string]struct{}),
		cfg:     cfg,
		store:   store,
		gen:     gen,
		emb:     emb,
		log:     logger.Nop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.initRoots()
	return m
}

// SetConfig swaps the tunables.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.MaxDepth < 1 {
		cfg.MaxDepth = m.cfg.MaxDepth
	}
	if cfg.SummaryMemoryLimit < 1 {
		cfg.SummaryMemoryLimit = m.cfg.SummaryMemoryLimit
	}
	m.cfg = cfg
}

// Config returns the current tunables.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) initRoots() {
	now := m.now().UTC()
	for _, r := range roots {
		if _, ok := m.cats[r.id]; ok {
			continue
		}
		m.cats[r.id] = &storage.Category{
			ID:          r.id,
			Name:        r.name,
			Description: r.description,
			Type:        r.kind,
			Keywords:    rootKeywords(r.name, r.description),
			Strength:    1.0,
			CreatedAt:   now,
		}
	}
}

// rootKeywords takes the words of the name and the first five words of the
// description.
func rootKeywords(name, description string) []string {
	words := strings.Fields(strings.ToLower(name))
	desc := strings.Fields(strings.ToLower(description))
	if len(desc) > 5 {
		desc = desc[:5]
	}
	words = append(words, desc...)

	seen := make(map[string]struct{})
	var out []string
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?&()\"'")
		if len(w) < 3 || w == "and" || w == "the" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// Load replaces the arena with the persisted categories and restores any
// missing root.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	list, err := m.store.ListCategories(ctx)
	if err != nil {
		return fmt.Errorf("category: load: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cats = make(map[string]*storage.Category, len(list))
	m.removed = make(map[string]struct{})
	for _, c := range list {
		m.cats[c.ID] = c
	}
	m.initRoots()
	return nil
}

// EmbedRoots computes "name. description" vectors for categories that have
// none, so embedding-based detection can match them. Failures are logged.
func (m *Manager) EmbedRoots(ctx context.Context) {
	if m.emb == nil {
		return
	}
	m.mu.RLock()
	var pending []*storage.Category
	for _, c := range m.sortedLocked() {
		if len(c.Embedding) == 0 {
			pending = append(pending, c.Clone())
		}
	}
	m.mu.RUnlock()

	for _, c := range pending {
		vec, err := m.emb.Embed(ctx, c.Name+". "+c.Description, llm.PurposeCategorize)
		if err != nil {
			m.log.WarnContext(ctx, "category embedding failed", "category_id", c.ID, "error", err)
			continue
		}
		m.mu.Lock()
		if cur, ok := m.cats[c.ID]; ok {
			cur.Embedding = vec
		}
		m.mu.Unlock()
	}
}

// Persist writes every category and removes deleted ones from the store.
func (m *Manager) Persist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	snapshot := m.sortedLocked()
	for i, c := range snapshot {
		snapshot[i] = c.Clone()
	}
	removed := make([]string, 0, len(m.removed))
	for id := range m.removed {
		removed = append(removed, id)
	}
	m.removed = make(map[string]struct{})
	m.mu.Unlock()

	for _, id := range removed {
		if err := m.store.DeleteCategory(ctx, id); err != nil && !storage.IsNotFound(err) {
			return fmt.Errorf("category: persist delete %s: %w", id, err)
		}
	}
	for _, c := range snapshot {
		if err := m.store.SaveCategory(ctx, c); err != nil {
			return fmt.Errorf("category: persist %s: %w", c.ID, err)
		}
	}
	return nil
}

// Reset drops every category and restores the roots.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cats = make(map[string]*storage.Category)
	m.removed = make(map[string]struct{})
	m.initRoots()
}

// Get returns a copy of a category.
func (m *Manager) Get(id string) (*storage.Category, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cats[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// All returns copies of every category sorted by id.
func (m *Manager) All() []*storage.Category {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.sortedLocked()
	for i, c := range list {
		list[i] = c.Clone()
	}
	return list
}

// Len returns the number of categories.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cats)
}

func (m *Manager) sortedLocked() []*storage.Category {
	out := make([]*storage.Category, 0, len(m.cats))
	for _, c := range m.cats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Create registers a dynamic category and returns its id. A parent that does
// not exist is dropped; one that sits at the depth limit is replaced by its
// deepest allowed ancestor.
func (m *Manager) Create(ctx context.Context, name, description string, keywords []string, parentID string) string {
	var vec []float64
	if m.emb != nil {
		v, err := m.emb.Embed(ctx, name+". "+description, llm.PurposeCategorize)
		if err != nil {
			m.log.WarnContext(ctx, "category embedding failed", "name", name, "error", err)
		} else {
			vec = v
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(name, description, keywords, parentID, vec)
}

func (m *Manager) createLocked(name, description string, keywords []string, parentID string, vec []float64) string {
	id := newID()
	for m.cats[id] != nil {
		id = newID()
	}

	if _, ok := m.cats[parentID]; !ok {
		parentID = ""
	}
	for parentID != "" && m.levelLocked(parentID)+1 > m.cfg.MaxDepth {
		parentID = m.cats[parentID].ParentID
	}

	kw := make([]string, 0, len(keywords))
	seen := make(map[string]struct{})
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if _, dup := seen[k]; k == "" || dup {
			continue
		}
		seen[k] = struct{}{}
		kw = append(kw, k)
	}

	m.cats[id] = &storage.Category{
		ID:          id,
		Name:        name,
		Description: description,
		Type:        storage.CategoryDynamic,
		ParentID:    parentID,
		Keywords:    kw,
		Embedding:   vec,
		Strength:    1.0,
		CreatedAt:   m.now().UTC(),
	}
	if parentID != "" {
		p := m.cats[parentID]
		p.ChildrenIDs = append(p.ChildrenIDs, id)
	}
	delete(m.removed, id)
	m.log.Info("created category", "category_id", id, "name", name, "parent_id", parentID)
	return id
}

// levelLocked returns the 1-based level of id in the tree.
func (m *Manager) levelLocked(id string) int {
	level := 0
	seen := make(map[string]struct{})
	for id != "" {
		if _, loop := seen[id]; loop {
			break
		}
		seen[id] = struct{}{}
		c, ok := m.cats[id]
		if !ok {
			break
		}
		level++
		id = c.ParentID
	}
	return level
}

func newID() string {
	return "cat_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// AddMember records a memory of the given strength joining id.
func (m *Manager) AddMember(id string, strength float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cats[id]
	if !ok {
		return
	}
	c.MemoryCount++
	c.TotalStrength += strength
	invalidate(c)
}

// RemoveMember records a memory of the given strength leaving id.
func (m *Manager) RemoveMember(id string, strength float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cats[id]
	if !ok {
		return
	}
	if c.MemoryCount > 0 {
		c.MemoryCount--
	}
	c.TotalStrength = max(0, c.TotalStrength-strength)
	invalidate(c)
}

// AdjustStrength moves the total strength of each listed category by delta,
// the change in strength of one of its members. Totals therefore track the
// members' current strengths, which is what RemoveMember debits.
func (m *Manager) AdjustStrength(ids []string, delta float64) {
	if delta == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		c, ok := m.cats[id]
		if !ok {
			continue
		}
		c.TotalStrength = max(0, c.TotalStrength+delta)
		invalidate(c)
	}
}

// Access records a read of id and strengthens it.
func (m *Manager) Access(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cats[id]
	if !ok {
		return
	}
	now := m.now().UTC()
	c.AccessCount++
	c.LastAccessed = &now
	c.Strength = min(1.0, c.Strength+accessBoost)
}

func invalidate(c *storage.Category) {
	c.Summary = ""
	c.SummaryUpdatedAt = nil
}

// TopCategory is an entry of Stats.TopCategories.
type TopCategory struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AccessCount int    `json:"access_count"`
}

// Stats summarizes the arena.
type Stats struct {
	TotalCategories          int           `json:"total_categories"`
	RootCategories           int           `json:"root_categories"`
	DynamicCategories        int           `json:"dynamic_categories"`
	TotalMemoriesCategorized int           `json:"total_memories_categorized"`
	AvgCategoryStrength      float64       `json:"avg_category_strength"`
	TopCategories            []TopCategory `json:"top_categories"`
}

// Stats returns aggregate counts and the five most accessed categories.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.sortedLocked()
	var s Stats
	s.TotalCategories = len(list)
	var sum float64
	for _, c := range list {
		if c.ParentID == "" {
			s.RootCategories++
		}
		if c.Type == storage.CategoryDynamic {
			s.DynamicCategories++
		}
		s.TotalMemoriesCategorized += c.MemoryCount
		sum += c.Strength
	}
	if len(list) > 0 {
		s.AvgCategoryStrength = float64(int(sum/float64(len(list))*1000+0.5)) / 1000
	}

	sort.SliceStable(list, func(i, j int) bool { return list[i].AccessCount > list[j].AccessCount })
	for i, c := range list {
		if i == 5 {
			break
		}
		s.TopCategories = append(s.TopCategories, TopCategory{ID: c.ID, Name: c.Name, AccessCount: c.AccessCount})
	}
	return s
}
