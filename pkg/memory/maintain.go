package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fademem/fademem/pkg/category"
	"github.com/fademem/fademem/pkg/conflict"
	"github.com/fademem/fademem/pkg/decay"
	"github.com/fademem/fademem/pkg/events"
	"github.com/fademem/fademem/pkg/fusion"
	"github.com/fademem/fademem/pkg/storage"
	"github.com/fademem/fademem/pkg/telemetry/tracing"
)

type decayOutcome int

const (
	outcomeUnchanged decayOutcome = iota
	outcomeDecayed
	outcomeForgotten
	outcomeSkipped
)

// ApplyDecay sweeps the memories of scope: each mutable memory decays, is
// forgotten below the threshold, or is promoted when it qualifies. The zero
// scope sweeps everything. Writes are conditional on the record being
// unchanged since it was read.
func (e *Engine) ApplyDecay(ctx context.Context, scope storage.Scope) (_ *DecayReport, err error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, tracing.SpanMemoryApplyDecay)
	defer func() {
		tracing.End(span, err)
		e.metrics.ObserveOperationDuration(ctx, "apply_decay", time.Since(start))
	}()

	cfg := e.Config()
	now := e.now().UTC()
	list, err := e.store.ListMemories(ctx, &storage.MemoryQuery{Scope: scope})
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}

	report := &DecayReport{RunAt: now}
	for _, m := range list {
		if m.Immutable {
			continue
		}
		outcome, promoted, err := e.decayOne(ctx, m, cfg, now)
		if err != nil {
			return report, err
		}
		switch outcome {
		case outcomeDecayed:
			report.Decayed++
		case outcomeForgotten:
			report.Forgotten++
		}
		if promoted {
			report.Promoted++
		}
	}

	if cfg.UseTombstones {
		n, err := e.store.PurgeTombstoned(ctx)
		if err != nil {
			return report, fmt.Errorf("memory: purge tombstones: %w", err)
		}
		report.Purged = n
	}
	if err := e.store.RecordDecayRun(ctx, &storage.DecayRun{
		ID:        storage.NewEventID(),
		RunAt:     now,
		Decayed:   report.Decayed,
		Forgotten: report.Forgotten,
		Promoted:  report.Promoted,
	}); err != nil {
		return report, fmt.Errorf("memory: record decay run: %w", err)
	}
	if report.Forgotten > 0 || report.Decayed > 0 {
		e.persistCategories(ctx)
	}

	span.SetAttributes(
		attribute.Int("decayed", report.Decayed),
		attribute.Int("forgotten", report.Forgotten),
		attribute.Int("promoted", report.Promoted),
	)
	e.metrics.RecordDecayRun(ctx, report.Decayed, report.Forgotten, report.Promoted, time.Since(start))
	e.log.InfoContext(ctx, "decay pass complete",
		"memories", len(list),
		"decayed", report.Decayed,
		"forgotten", report.Forgotten,
		"promoted", report.Promoted,
		"purged", report.Purged,
	)
	e.publish(ctx, events.TypeDecayRun, map[string]any{
		"decayed":   report.Decayed,
		"forgotten": report.Forgotten,
		"promoted":  report.Promoted,
		"purged":    report.Purged,
	})
	return report, nil
}

// decayOne applies the decay model to m. When the record changed after it was
// read, it is re-read once and evaluated again; a second conflict skips it.
func (e *Engine) decayOne(ctx context.Context, m *storage.Memory, cfg Config, now time.Time) (decayOutcome, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			cur, err := e.store.GetMemory(ctx, m.ID)
			if storage.IsNotFound(err) {
				return outcomeSkipped, false, nil
			}
			if err != nil {
				return outcomeSkipped, false, fmt.Errorf("memory: reload %s: %w", m.ID, err)
			}
			if cur.Immutable {
				return outcomeSkipped, false, nil
			}
			m = cur
		}

		out := cfg.Decay.Evaluate(m.Strength, m.LastAccessed, now, m.AccessCount, m.Tier)
		if out.Forget && cfg.EnableForgetting {
			cur, err := e.store.GetMemory(ctx, m.ID)
			if storage.IsNotFound(err) {
				return outcomeSkipped, false, nil
			}
			if err != nil {
				return outcomeSkipped, false, fmt.Errorf("memory: reload %s: %w", m.ID, err)
			}
			if !cur.UpdatedAt.Equal(m.UpdatedAt) {
				continue
			}
			if err := e.remove(ctx, m, storage.EventDelete, ""); err != nil {
				if isNotFound(err) {
					return outcomeSkipped, false, nil
				}
				return outcomeSkipped, false, err
			}
			e.publish(ctx, events.TypeMemoryDeleted, map[string]any{"memory_id": m.ID, "reason": "forgotten"})
			return outcomeForgotten, false, nil
		}

		decayed := out.Strength < m.Strength
		if !decayed && !out.Promote {
			return outcomeUnchanged, false, nil
		}
		upd := m.Clone()
		upd.Strength = out.Strength
		if out.Promote {
			upd.Tier = decay.TierLong
		}
		upd.UpdatedAt = storage.NextStamp(m.UpdatedAt, now)
		err := e.store.CompareAndUpdateMemory(ctx, upd, m.UpdatedAt)
		if storage.IsConflict(err) {
			continue
		}
		if storage.IsNotFound(err) {
			return outcomeSkipped, false, nil
		}
		if err != nil {
			return outcomeSkipped, false, fmt.Errorf("memory: decay %s: %w", m.ID, err)
		}

		e.indexPayload(ctx, upd)
		e.categories.AdjustStrength(upd.Categories, upd.Strength-m.Strength)
		if decayed {
			e.appendHistory(ctx, &storage.HistoryEvent{
				MemoryID:    m.ID,
				Event:       storage.EventDecay,
				OldStrength: ptr(m.Strength),
				NewStrength: ptr(upd.Strength),
				OldTier:     m.Tier,
				NewTier:     upd.Tier,
			})
		}
		if out.Promote {
			e.appendHistory(ctx, &storage.HistoryEvent{
				MemoryID:    m.ID,
				Event:       storage.EventPromote,
				OldStrength: ptr(upd.Strength),
				NewStrength: ptr(upd.Strength),
				OldTier:     m.Tier,
				NewTier:     upd.Tier,
			})
			e.publish(ctx, events.TypeMemoryPromoted, map[string]any{"memory_id": m.ID, "reason": "maintenance"})
		}
		if decayed {
			return outcomeDecayed, out.Promote, nil
		}
		return outcomeUnchanged, out.Promote, nil
	}
	e.log.WarnContext(ctx, "memory changed during decay, skipped", "memory_id", m.ID)
	return outcomeSkipped, false, nil
}

// ApplyCategoryDecay runs the category decay, merge and prune cycle and
// re-tags the members of merged categories with the category that absorbed
// them.
func (e *Engine) ApplyCategoryDecay(ctx context.Context) (_ category.DecayResult, err error) {
	ctx, span := tracing.Start(ctx, tracing.SpanCategoryDecay)
	defer func() { tracing.End(span, err) }()

	res := e.categories.ApplyDecay(ctx)
	if len(res.Merges) > 0 {
		if err := e.retag(ctx, res.Merges); err != nil {
			return res, err
		}
	}
	if err := e.categories.Persist(ctx); err != nil {
		return res, fmt.Errorf("memory: persist categories: %w", err)
	}
	live := e.categories.Len()
	e.metrics.RecordCategoryMaintenance(res.Decayed, res.Merged, res.Deleted, live)
	e.metrics.SetCategoryCount(live)
	e.publish(ctx, events.TypeCategoryDecay, map[string]any{
		"decayed": res.Decayed,
		"merged":  res.Merged,
		"deleted": res.Deleted,
	})
	return res, nil
}

// retag rewrites the category lists of memories whose categories were merged
// away. Chains of merges resolve to the final target.
func (e *Engine) retag(ctx context.Context, merges map[string]string) error {
	final := func(id string) string {
		for i := 0; i <= len(merges); i++ {
			next, ok := merges[id]
			if !ok {
				break
			}
			id = next
		}
		return id
	}
	sources := make([]string, 0, len(merges))
	for src := range merges {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	list, err := e.store.ListMemories(ctx, &storage.MemoryQuery{Categories: sources})
	if err != nil {
		return fmt.Errorf("memory: list merged members: %w", err)
	}
	for _, m := range list {
		cats := make([]string, 0, len(m.Categories))
		for _, c := range m.Categories {
			cats = append(cats, final(c))
		}
		m.Categories = dedupe(cats)
		if err := e.store.UpdateMemory(ctx, m); err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("memory: retag %s: %w", m.ID, err)
		}
		e.indexPayload(ctx, m)
	}
	return nil
}

// Maintain is one full maintenance pass: memory decay, then category decay,
// then automatic fusion when enabled.
func (e *Engine) Maintain(ctx context.Context) error {
	if _, err := e.ApplyDecay(ctx, storage.Scope{}); err != nil {
		return err
	}
	cfg := e.Config()
	if cfg.CategoriesEnabled && cfg.CategoryDecay {
		if _, err := e.ApplyCategoryDecay(ctx); err != nil {
			return err
		}
	}
	if cfg.EnableFusion && cfg.AutoFusion {
		clusters, err := e.FusionCandidates(ctx, storage.Scope{})
		if err != nil {
			return err
		}
		for _, ids := range clusters {
			if _, err := e.Fuse(ctx, ids); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				e.log.WarnContext(ctx, "automatic fusion failed", "sources", ids, "error", err)
			}
		}
	}
	return nil
}

// Fuse consolidates the given memories into one long-tier memory. The fused
// memory goes through the normal add path, its conflict check skipping the
// sources, and the sources are removed only once it is stored.
func (e *Engine) Fuse(ctx context.Context, ids []string) (_ *FuseResult, err error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, tracing.SpanMemoryFuse, attribute.Int("sources", len(ids)))
	defer func() {
		tracing.End(span, err)
		e.metrics.ObserveOperationDuration(ctx, "fuse", time.Since(start))
	}()

	ids = dedupe(ids)
	if len(ids) < 2 {
		return nil, fmt.Errorf("memory: %w: got %d", fusion.ErrTooFewMemories, len(ids))
	}
	first, err := e.load(ctx, ids[0])
	if err != nil {
		return nil, err
	}
	scope := first.Scope()
	unlock, err := e.lock(ctx, scope)
	if err != nil {
		return nil, err
	}
	defer unlock()

	srcs := make([]*storage.Memory, 0, len(ids))
	for _, id := range ids {
		m, err := e.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if m.Scope() != scope {
			return nil, validationError(CodeInvalidField, "memories to fuse must share one scope",
				map[string]any{"memory_id": id})
		}
		srcs = append(srcs, m)
	}

	sources := make([]fusion.Source, len(srcs))
	var cats []string
	for i, m := range srcs {
		sources[i] = fusion.Source{
			ID:          m.ID,
			Content:     m.Content,
			Strength:    m.Strength,
			AccessCount: m.AccessCount,
			CreatedAt:   m.CreatedAt,
		}
		cats = append(cats, m.Categories...)
	}
	cfg := e.Config()
	fused, err := fusion.NewFuser(e.gen, cfg.FusionBoost, e.log).Fuse(ctx, sources)
	if err != nil {
		return nil, err
	}

	item, err := e.addOne(ctx, entry{
		content: fused.Content,
		metadata: map[string]any{
			"source_ids": fused.SourceIDs,
			"fused":      true,
		},
		categories:    dedupe(cats),
		tier:          fused.Tier,
		strength:      fused.Strength,
		fixedStrength: true,
		accessCount:   fused.AccessCount,
		scope:         scope,
		exclude:       fused.SourceIDs,
	})
	if err != nil {
		return nil, err
	}
	for _, m := range srcs {
		if err := e.remove(ctx, m, storage.EventFuse, fused.Content); err != nil {
			e.persistCategories(ctx)
			return nil, err
		}
	}
	e.persistCategories(ctx)

	res := &FuseResult{
		Memory:      fused.Content,
		Event:       string(conflict.EventNoop),
		Strength:    fused.Strength,
		AccessCount: fused.AccessCount,
		Tier:        fused.Tier,
		SourceIDs:   fused.SourceIDs,
		Fallback:    fused.Fallback,
	}
	if item != nil {
		res.ID = item.ID
		res.Memory = item.Memory
		res.Event = item.Event
		res.Strength = item.Strength
		res.Tier = item.Tier
	}
	e.metrics.RecordMemoryOperation("fuse", res.Event)
	e.publish(ctx, events.TypeMemoryFused, map[string]any{
		"memory_id":  res.ID,
		"source_ids": res.SourceIDs,
		"strength":   res.Strength,
	})
	return res, nil
}

// FusionCandidates groups the memories of each scope whose embeddings are
// within the fusion similarity threshold of each other. The zero scope
// covers every memory; clusters never span two scopes.
func (e *Engine) FusionCandidates(ctx context.Context, scope storage.Scope) ([][]string, error) {
	list, err := e.store.ListMemories(ctx, &storage.MemoryQuery{Scope: scope})
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}
	byScope := make(map[string][]fusion.Candidate)
	var keys []string
	for _, m := range list {
		if m.Immutable || len(m.Embedding) == 0 {
			continue
		}
		k := m.Scope().Key()
		if _, ok := byScope[k]; !ok {
			keys = append(keys, k)
		}
		byScope[k] = append(byScope[k], fusion.Candidate{ID: m.ID, Vector: m.Embedding})
	}
	sort.Strings(keys)

	threshold := e.Config().FusionThreshold
	var out [][]string
	for _, k := range keys {
		out = append(out, fusion.Clusters(byScope[k], threshold)...)
	}
	return out, nil
}
