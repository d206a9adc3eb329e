package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fademem/fademem/pkg/category"
	"github.com/fademem/fademem/pkg/conflict"
	"github.com/fademem/fademem/pkg/depth"
	"github.com/fademem/fademem/pkg/events"
	"github.com/fademem/fademem/pkg/lexical"
	"github.com/fademem/fademem/pkg/llm"
	"github.com/fademem/fademem/pkg/logger"
	"github.com/fademem/fademem/pkg/metrics"
	"github.com/fademem/fademem/pkg/scopelock"
	"github.com/fademem/fademem/pkg/storage"
	"github.com/fademem/fademem/pkg/vectorindex"
	"github.com/fademem/fademem/pkg/workpool"
)

// dimensionSample is embedded at start to learn the embedder's vector size.
const dimensionSample = "dimension sample"

// Engine is the memory lifecycle orchestrator.
type Engine struct {
	mu      sync.RWMutex
	cfg     Config
	started bool

	idxMu sync.RWMutex
	index vectorindex.Index

	store      storage.Store
	gen        llm.Generator
	emb        llm.Embedder
	categories *category.Manager
	resolver   *conflict.Resolver

	log     logger.Logger
	metrics *metrics.Manager
	locker  scopelock.Locker
	bus     events.Bus
	lexical lexical.Index
	pool    *workpool.Pool
	now     func() time.Time

	snapshotPath string
}

// NewEngine wires an engine over store. index may be nil, in which case Start
// creates one sized to the embedder. gen may be nil; every step that needs it
// then takes its fallback path.
func NewEngine(store storage.Store, index vectorindex.Index, gen llm.Generator, emb llm.Embedder, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg.normalized(),
		index:   index,
		store:   store,
		gen:     gen,
		emb:     emb,
		log:     logger.Nop(),
		metrics: metrics.NoOpManager(),
		locker:  scopelock.NewLocal(scopelock.DefaultStripes),
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.resolver = conflict.NewResolver(gen, e.log)
	e.categories = category.NewManager(store, gen, emb, e.cfg.Category,
		category.WithClock(e.now), category.WithLogger(e.log))
	return e
}

// Start loads the category cache, embeds the root categories and makes sure
// the vector index matches the embedder and the store.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("memory: engine already started")
	}
	if err := e.categories.Load(ctx); err != nil {
		return fmt.Errorf("memory: load categories: %w", err)
	}
	e.categories.EmbedRoots(ctx)
	if err := e.ensureIndex(ctx); err != nil {
		return err
	}
	e.metrics.SetCategoryCount(e.categories.Len())
	e.started = true

	e.log.Info("memory engine started",
		"categories", e.categories.Len(),
		"indexed", e.vindex().Len(),
		"dimension", e.vindex().Dimension(),
	)
	return nil
}

// Stop persists the category cache and the vector index snapshot.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil
	}
	e.started = false
	if err := e.categories.Persist(ctx); err != nil {
		return fmt.Errorf("memory: persist categories: %w", err)
	}
	if flat, ok := e.vindex().(*vectorindex.Flat); ok && e.snapshotPath != "" {
		if err := flat.Save(e.snapshotPath); err != nil {
			return fmt.Errorf("memory: save index snapshot: %w", err)
		}
	}
	e.log.Info("memory engine stopped")
	return nil
}

// Started reports whether Start completed and Stop has not been called.
func (e *Engine) Started() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started
}

// Config returns the current tunables.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SetConfig swaps the tunables, e.g. after a configuration reload.
func (e *Engine) SetConfig(cfg Config) {
	cfg = cfg.normalized()
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.categories.SetConfig(cfg.Category)
}

// Categories exposes the category cache.
func (e *Engine) Categories() *category.Manager {
	return e.categories
}

func (e *Engine) vindex() vectorindex.Index {
	e.idxMu.RLock()
	defer e.idxMu.RUnlock()
	return e.index
}

func (e *Engine) indexOrErr() (vectorindex.Index, error) {
	idx := e.vindex()
	if idx == nil {
		return nil, ErrNotStarted
	}
	return idx, nil
}

// ensureIndex recreates the index when its dimension no longer matches the
// embedder and rebuilds it from the store when it is out of step. The caller
// holds e.mu.
func (e *Engine) ensureIndex(ctx context.Context) error {
	sample, err := e.emb.Embed(ctx, dimensionSample, llm.PurposeAdd)
	if err != nil {
		return fmt.Errorf("memory: sample embedder: %w", err)
	}
	dim := len(sample)

	idx := e.vindex()
	rebuild := false
	switch {
	case idx == nil:
		idx = vectorindex.New(dim)
		rebuild = true
	case idx.Dimension() != dim:
		e.log.Warn("vector index dimension changed, recreating",
			"index_dimension", idx.Dimension(), "embedder_dimension", dim)
		idx = vectorindex.New(dim)
		rebuild = true
	}

	mems, err := e.store.ListMemories(ctx, &storage.MemoryQuery{})
	if err != nil {
		return fmt.Errorf("memory: list memories: %w", err)
	}
	if !rebuild && idx.Len() != len(mems) {
		idx.Reset()
		rebuild = true
	}
	if rebuild {
		cfg := e.cfg
		for _, m := range mems {
			if len(m.Embedding) != dim {
				vec, err := e.emb.Embed(ctx, vectorText(m, cfg), llm.PurposeAdd)
				if err != nil {
					return fmt.Errorf("memory: re-embed %s: %w", m.ID, err)
				}
				m.Embedding = vec
				if err := e.store.UpdateMemory(ctx, m); err != nil {
					return fmt.Errorf("memory: store re-embedded %s: %w", m.ID, err)
				}
			}
			if err := idx.Insert([]string{m.ID}, [][]float64{m.Embedding}, []map[string]any{m.Fields()}); err != nil {
				return fmt.Errorf("memory: index %s: %w", m.ID, err)
			}
		}
		e.log.Info("vector index rebuilt", "memories", len(mems))
	}

	e.idxMu.Lock()
	e.index = idx
	e.idxMu.Unlock()

	if e.lexical != nil && e.lexical.Len() != len(mems) {
		if err := e.lexical.Reset(); err != nil {
			return fmt.Errorf("memory: reset keyword index: %w", err)
		}
		for _, m := range mems {
			if err := e.lexical.Index(m.ID, m.Scope().Key(), m.Content); err != nil {
				return fmt.Errorf("memory: keyword index %s: %w", m.ID, err)
			}
		}
	}
	return nil
}

// vectorText is the text whose embedding places m in the index: the question
// the memory answers when one was generated, its content otherwise.
func vectorText(m *storage.Memory, cfg Config) string {
	if cfg.UseQuestionEmbedding {
		if q, ok := m.Metadata[depth.KeyQuestionForm].(string); ok && q != "" {
			return q
		}
	}
	return m.Content
}

func (e *Engine) publish(ctx context.Context, typ string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, events.Event{Type: typ, Timestamp: e.now().UTC(), Payload: payload}); err != nil {
		e.log.WarnContext(ctx, "event publish failed", "type", typ, "error", err)
	}
}

func (e *Engine) appendHistory(ctx context.Context, h *storage.HistoryEvent) {
	h.ID = storage.NewEventID()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = e.now().UTC()
	}
	if err := e.store.AppendHistory(ctx, h); err != nil {
		e.log.WarnContext(ctx, "history append failed", "memory_id", h.MemoryID, "event", h.Event, "error", err)
	}
}

// indexPayload refreshes the payload of m in the vector index.
func (e *Engine) indexPayload(ctx context.Context, m *storage.Memory) {
	idx := e.vindex()
	if idx == nil {
		return
	}
	var vec []float64
	if len(m.Embedding) == idx.Dimension() {
		vec = m.Embedding
	}
	if err := idx.Update(m.ID, vec, m.Fields()); err != nil {
		e.log.WarnContext(ctx, "index payload update failed", "memory_id", m.ID, "error", err)
	}
}

// remove deletes m from the store and both indexes, releases its category
// memberships and logs ev (DELETE or FUSE) in its history.
func (e *Engine) remove(ctx context.Context, m *storage.Memory, ev storage.EventType, newValue string) error {
	if err := e.store.DeleteMemory(ctx, m.ID, e.Config().UseTombstones); err != nil {
		if storage.IsNotFound(err) {
			return notFound("memory", m.ID)
		}
		return fmt.Errorf("memory: delete %s: %w", m.ID, err)
	}
	if idx := e.vindex(); idx != nil {
		idx.Delete(m.ID)
	}
	if e.lexical != nil {
		if err := e.lexical.Remove(m.ID); err != nil {
			e.log.WarnContext(ctx, "keyword index remove failed", "memory_id", m.ID, "error", err)
		}
	}
	for _, c := range m.Categories {
		e.categories.RemoveMember(c, m.Strength)
	}
	old := m.Strength
	e.appendHistory(ctx, &storage.HistoryEvent{
		MemoryID:    m.ID,
		Event:       ev,
		OldValue:    m.Content,
		NewValue:    newValue,
		OldStrength: &old,
		OldTier:     m.Tier,
	})
	return nil
}

func (e *Engine) persistCategories(ctx context.Context) {
	if err := e.categories.Persist(ctx); err != nil {
		e.log.WarnContext(ctx, "category persist failed", "error", err)
	}
	e.metrics.SetCategoryCount(e.categories.Len())
}

func (e *Engine) lock(ctx context.Context, s storage.Scope) (scopelock.Unlock, error) {
	unlock, err := e.locker.Lock(ctx, s.Partition())
	if err != nil {
		return nil, fmt.Errorf("memory: lock scope: %w", err)
	}
	return unlock, nil
}

func ptr[T any](v T) *T { return &v }
