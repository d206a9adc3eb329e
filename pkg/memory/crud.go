package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/fademem/fademem/pkg/decay"
	"github.com/fademem/fademem/pkg/depth"
	"github.com/fademem/fademem/pkg/events"
	"github.com/fademem/fademem/pkg/llm"
	"github.com/fademem/fademem/pkg/storage"
)

// Get returns a live memory.
func (e *Engine) Get(ctx context.Context, id string) (*storage.Memory, error) {
	m, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return view(m), nil
}

func (e *Engine) load(ctx context.Context, id string) (*storage.Memory, error) {
	m, err := e.store.GetMemory(ctx, id)
	if storage.IsNotFound(err) {
		return nil, notFound("memory", id)
	}
	if err != nil {
		return nil, fmt.Errorf("memory: get %s: %w", id, err)
	}
	return m, nil
}

// GetAll lists the live, unexpired memories of a scope.
func (e *Engine) GetAll(ctx context.Context, req ListRequest) ([]*storage.Memory, error) {
	if err := requireScope(req.Scope); err != nil {
		return nil, err
	}
	if err := req.Filters.Validate(); err != nil {
		return nil, validationError(CodeInvalidFilter, err.Error(), nil)
	}
	if req.Tier != "" {
		t, ok := decay.ParseTier(req.Tier)
		if !ok {
			return nil, validationError(CodeInvalidField, "tier must be short or long", map[string]any{"tier": req.Tier})
		}
		req.Tier = string(t)
	}
	list, err := e.store.ListMemories(ctx, &storage.MemoryQuery{
		Scope:  req.Scope,
		Filter: req.Filters,
		Tier:   req.Tier,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}
	now := e.now()
	out := make([]*storage.Memory, 0, len(list))
	for _, m := range list {
		if m.Expired(now) {
			continue
		}
		out = append(out, view(m))
		if req.Limit > 0 && len(out) == req.Limit {
			break
		}
	}
	return out, nil
}

// Update replaces the content of a memory, and merges metadata into it. The
// record is re-encoded at its current depth and re-embedded.
func (e *Engine) Update(ctx context.Context, id, content string, metadata map[string]any) (*storage.Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, validationError(CodeInvalidField, "content must not be empty", nil)
	}
	m, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := e.lock(ctx, m.Scope())
	if err != nil {
		return nil, err
	}
	defer unlock()
	// re-read under the lock
	if m, err = e.load(ctx, id); err != nil {
		return nil, err
	}

	cfg := e.Config()
	old := m.Content
	m.Content = content
	m.Metadata = mergeMetadata(m.Metadata, metadata)
	if cfg.DepthEnabled {
		if lvl, ok := depth.ParseLevel(depthOf(m.Metadata)); ok {
			enc := e.encoder(cfg).EncodeAt(ctx, content, lvl)
			for k, v := range enc.Metadata() {
				m.Metadata[k] = v
			}
		}
	}
	vec, err := e.emb.Embed(ctx, vectorText(m, cfg), llm.PurposeUpdate)
	if err != nil {
		return nil, fmt.Errorf("memory: embed: %w", err)
	}
	m.Embedding = vec
	m.UpdatedAt = storage.NextStamp(m.UpdatedAt, e.now().UTC())
	if err := e.store.UpdateMemory(ctx, m); err != nil {
		if storage.IsNotFound(err) {
			return nil, notFound("memory", id)
		}
		return nil, fmt.Errorf("memory: update %s: %w", id, err)
	}
	if idx := e.vindex(); idx != nil {
		if err := idx.Update(m.ID, vec, m.Fields()); err != nil {
			e.log.WarnContext(ctx, "index update failed", "memory_id", id, "error", err)
		}
	}
	if e.lexical != nil {
		if err := e.lexical.Index(m.ID, m.Scope().Key(), m.Content); err != nil {
			e.log.WarnContext(ctx, "keyword index failed", "memory_id", id, "error", err)
		}
	}
	e.appendHistory(ctx, &storage.HistoryEvent{
		MemoryID:    id,
		Event:       storage.EventUpdate,
		OldValue:    old,
		NewValue:    content,
		OldStrength: ptr(m.Strength),
		NewStrength: ptr(m.Strength),
		OldTier:     m.Tier,
		NewTier:     m.Tier,
	})
	e.metrics.RecordMemoryOperation("update", string(storage.EventUpdate))
	e.publish(ctx, events.TypeMemoryUpdated, map[string]any{"memory_id": id})
	return view(m), nil
}

// Delete removes a memory. Unknown ids yield ErrNotFound.
func (e *Engine) Delete(ctx context.Context, id string) error {
	m, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := e.lock(ctx, m.Scope())
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.remove(ctx, m, storage.EventDelete, ""); err != nil {
		return err
	}
	e.persistCategories(ctx)
	e.metrics.RecordMemoryOperation("delete", string(storage.EventDelete))
	e.publish(ctx, events.TypeMemoryDeleted, map[string]any{"memory_id": id})
	return nil
}

// DeleteAll removes every memory of a scope. A scope without any owner id is
// refused.
func (e *Engine) DeleteAll(ctx context.Context, scope storage.Scope) (int, error) {
	if scope.Empty() {
		return 0, validationError(CodeScopelessDelete,
			"delete_all requires at least one of user_id, agent_id or run_id", nil)
	}
	unlock, err := e.lock(ctx, scope)
	if err != nil {
		return 0, err
	}
	defer unlock()

	list, err := e.store.ListMemories(ctx, &storage.MemoryQuery{Scope: scope})
	if err != nil {
		return 0, fmt.Errorf("memory: list: %w", err)
	}
	n := 0
	for _, m := range list {
		if err := e.remove(ctx, m, storage.EventDelete, ""); err != nil {
			if isNotFound(err) {
				continue
			}
			e.persistCategories(ctx)
			return n, err
		}
		n++
	}
	e.persistCategories(ctx)
	e.metrics.RecordMemoryOperation("delete_all", string(storage.EventDelete))
	e.publish(ctx, events.TypeMemoryDeleted, map[string]any{"scope": scope, "count": n})
	return n, nil
}

// History returns the audit log of a memory, oldest first. The log of a
// deleted memory stays readable.
func (e *Engine) History(ctx context.Context, id string) ([]*storage.HistoryEvent, error) {
	list, err := e.store.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("memory: history %s: %w", id, err)
	}
	if len(list) == 0 {
		if _, err := e.load(ctx, id); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// Reset drops every memory, history entry and category, and restores the
// root categories.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.store.Reset(ctx); err != nil {
		return fmt.Errorf("memory: reset store: %w", err)
	}
	if idx := e.vindex(); idx != nil {
		idx.Reset()
	}
	if e.lexical != nil {
		if err := e.lexical.Reset(); err != nil {
			return fmt.Errorf("memory: reset keyword index: %w", err)
		}
	}
	e.categories.Reset()
	e.categories.EmbedRoots(ctx)
	if err := e.categories.Persist(ctx); err != nil {
		return fmt.Errorf("memory: persist categories: %w", err)
	}
	e.metrics.SetCategoryCount(e.categories.Len())
	e.log.InfoContext(ctx, "memory store reset")
	e.publish(ctx, events.TypeMemoriesReset, nil)
	return nil
}

// Promote moves a memory to the long tier. Promoting a long-tier memory is a
// no-op.
func (e *Engine) Promote(ctx context.Context, id string) (*TierChange, error) {
	return e.setTier(ctx, id, decay.TierLong, storage.EventPromote, events.TypeMemoryPromoted)
}

// Demote moves a memory back to the short tier.
func (e *Engine) Demote(ctx context.Context, id string) (*TierChange, error) {
	return e.setTier(ctx, id, decay.TierShort, storage.EventDemote, events.TypeMemoryDemoted)
}

func (e *Engine) setTier(ctx context.Context, id string, tier decay.Tier, ev storage.EventType, typ string) (*TierChange, error) {
	m, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	change := &TierChange{ID: id, OldTier: m.Tier, NewTier: tier}
	if m.Tier == tier {
		return change, nil
	}
	expected := m.UpdatedAt
	m.Tier = tier
	m.UpdatedAt = storage.NextStamp(expected, e.now().UTC())
	if err := e.store.CompareAndUpdateMemory(ctx, m, expected); err != nil {
		if storage.IsNotFound(err) {
			return nil, notFound("memory", id)
		}
		return nil, fmt.Errorf("memory: set tier %s: %w", id, err)
	}
	change.Changed = true
	e.indexPayload(ctx, m)
	e.appendHistory(ctx, &storage.HistoryEvent{
		MemoryID:    id,
		Event:       ev,
		OldTier:     change.OldTier,
		NewTier:     tier,
		OldStrength: ptr(m.Strength),
		NewStrength: ptr(m.Strength),
	})
	e.metrics.RecordMemoryOperation(strings.ToLower(string(ev)), string(ev))
	e.publish(ctx, typ, map[string]any{"memory_id": id, "reason": "manual"})
	return change, nil
}

// Stats summarizes the live memories of scope. The zero scope covers every
// memory.
func (e *Engine) Stats(ctx context.Context, scope storage.Scope) (*Stats, error) {
	list, err := e.store.ListMemories(ctx, &storage.MemoryQuery{Scope: scope})
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}
	st := &Stats{DepthCounts: map[string]int{
		string(depth.Shallow): 0,
		string(depth.Medium):  0,
		string(depth.Deep):    0,
		"none":                0,
	}}
	var total float64
	for _, m := range list {
		st.Total++
		total += m.Strength
		if m.Tier == decay.TierLong {
			st.LongTerm++
		} else {
			st.ShortTerm++
		}
		if m.Immutable {
			st.Immutable++
		}
		if lvl, ok := depth.ParseLevel(depthOf(m.Metadata)); ok {
			st.DepthCounts[string(lvl)]++
		} else {
			st.DepthCounts["none"]++
		}
	}
	if st.Total > 0 {
		st.AvgStrength = math.Round(total/float64(st.Total)*1000) / 1000
	}
	return st, nil
}

// DecayRuns returns the most recent maintenance records, newest first.
func (e *Engine) DecayRuns(ctx context.Context, limit int) ([]*storage.DecayRun, error) {
	runs, err := e.store.DecayRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: decay runs: %w", err)
	}
	return runs, nil
}

func isNotFound(err error) bool {
	return err != nil && (storage.IsNotFound(err) || errors.Is(err, ErrNotFound))
}
