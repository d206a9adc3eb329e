// Package memory provides an in-memory implementation of the storage interface.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fademem/fademem/pkg/storage"
)

// MemoryStorage implements the Store interface using in-memory maps.
type MemoryStorage struct {
	mu         sync.RWMutex
	memories   map[string]*storage.Memory
	history    map[string][]*storage.HistoryEvent // memoryID -> events in append order
	decayRuns  []*storage.DecayRun
	categories map[string]*storage.Category
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		memories:   make(map[string]*storage.Memory),
		history:    make(map[string][]*storage.HistoryEvent),
		categories: make(map[string]*storage.Category),
	}
}

// AddMemory stores a new memory. The id must not be in use, tombstoned or not.
func (m *MemoryStorage) AddMemory(ctx context.Context, mem *storage.Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.memories[mem.ID]; exists {
		return &storage.DuplicateKeyError{EntityType: "memory", ID: mem.ID}
	}
	m.memories[mem.ID] = mem.Clone()
	return nil
}

// GetMemory retrieves a live memory by ID.
func (m *MemoryStorage) GetMemory(ctx context.Context, id string) (*storage.Memory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mem, err := m.live(id)
	if err != nil {
		return nil, err
	}
	return mem.Clone(), nil
}

// UpdateMemory replaces a live memory.
func (m *MemoryStorage) UpdateMemory(ctx context.Context, mem *storage.Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.live(mem.ID); err != nil {
		return err
	}
	m.memories[mem.ID] = mem.Clone()
	return nil
}

// CompareAndUpdateMemory replaces a live memory if its UpdatedAt is expected.
func (m *MemoryStorage) CompareAndUpdateMemory(ctx context.Context, mem *storage.Memory, expected time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.live(mem.ID)
	if err != nil {
		return err
	}
	if !cur.UpdatedAt.Equal(expected) {
		return &storage.ConflictError{ID: mem.ID}
	}
	m.memories[mem.ID] = mem.Clone()
	return nil
}

// IncrementAccess bumps the access count of a live memory.
func (m *MemoryStorage) IncrementAccess(ctx context.Context, id string, at time.Time) (*storage.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, err := m.live(id)
	if err != nil {
		return nil, err
	}
	mem.AccessCount++
	mem.LastAccessed = at
	mem.UpdatedAt = storage.NextStamp(mem.UpdatedAt, at)
	return mem.Clone(), nil
}

// DeleteMemory tombstones or removes a live memory.
func (m *MemoryStorage) DeleteMemory(ctx context.Context, id string, soft bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, err := m.live(id)
	if err != nil {
		return err
	}
	if soft {
		mem.Tombstone = true
		return nil
	}
	delete(m.memories, id)
	return nil
}

// ListMemories returns live memories matching q.
func (m *MemoryStorage) ListMemories(ctx context.Context, q *storage.MemoryQuery) ([]*storage.Memory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*storage.Memory
	for _, mem := range m.memories {
		if mem.Tombstone || !q.Match(mem) {
			continue
		}
		out = append(out, mem.Clone())
	}
	storage.SortMemories(out)
	if q != nil && q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// PurgeTombstoned removes tombstoned memories.
func (m *MemoryStorage) PurgeTombstoned(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, mem := range m.memories {
		if mem.Tombstone {
			delete(m.memories, id)
			n++
		}
	}
	return n, nil
}

// AppendHistory appends an event to the memory's log.
func (m *MemoryStorage) AppendHistory(ctx context.Context, e *storage.HistoryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *e
	m.history[e.MemoryID] = append(m.history[e.MemoryID], &copied)
	return nil
}

// History returns the events of a memory, oldest first.
func (m *MemoryStorage) History(ctx context.Context, memoryID string) ([]*storage.HistoryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.history[memoryID]
	out := make([]*storage.HistoryEvent, len(events))
	for i, e := range events {
		copied := *e
		out[i] = &copied
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RecordDecayRun appends a maintenance record.
func (m *MemoryStorage) RecordDecayRun(ctx context.Context, r *storage.DecayRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *r
	m.decayRuns = append(m.decayRuns, &copied)
	return nil
}

// DecayRuns returns up to limit maintenance records, newest first.
func (m *MemoryStorage) DecayRuns(ctx context.Context, limit int) ([]*storage.DecayRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*storage.DecayRun, 0, len(m.decayRuns))
	for i := len(m.decayRuns) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		copied := *m.decayRuns[i]
		out = append(out, &copied)
	}
	return out, nil
}

// SaveCategory inserts or replaces a category.
func (m *MemoryStorage) SaveCategory(ctx context.Context, c *storage.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.categories[c.ID] = c.Clone()
	return nil
}

// GetCategory retrieves a category by ID.
func (m *MemoryStorage) GetCategory(ctx context.Context, id string) (*storage.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.categories[id]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "category", ID: id}
	}
	return c.Clone(), nil
}

// ListCategories returns every category sorted by id.
func (m *MemoryStorage) ListCategories(ctx context.Context) ([]*storage.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*storage.Category, 0, len(m.categories))
	for _, c := range m.categories {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteCategory removes a category.
func (m *MemoryStorage) DeleteCategory(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.categories[id]; !ok {
		return &storage.NotFoundError{EntityType: "category", ID: id}
	}
	delete(m.categories, id)
	return nil
}

// Reset removes every record.
func (m *MemoryStorage) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.memories = make(map[string]*storage.Memory)
	m.history = make(map[string][]*storage.HistoryEvent)
	m.decayRuns = nil
	m.categories = make(map[string]*storage.Category)
	return nil
}

// Close closes the storage (no-op for in-memory storage).
func (m *MemoryStorage) Close() error {
	return nil
}

func (m *MemoryStorage) live(id string) (*storage.Memory, error) {
	mem, ok := m.memories[id]
	if !ok || mem.Tombstone {
		return nil, &storage.NotFoundError{EntityType: "memory", ID: id}
	}
	return mem, nil
}
