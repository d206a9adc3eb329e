package memory

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fademem/fademem/pkg/decay"
	"github.com/fademem/fademem/pkg/depth"
	"github.com/fademem/fademem/pkg/events"
	"github.com/fademem/fademem/pkg/filter"
	"github.com/fademem/fademem/pkg/llm"
	"github.com/fademem/fademem/pkg/retrieval"
	"github.com/fademem/fademem/pkg/storage"
	"github.com/fademem/fademem/pkg/telemetry/tracing"
	"github.com/fademem/fademem/pkg/vectorindex"
)

const (
	// candidateFactor widens the candidate pool ahead of filtering and
	// re-ranking.
	candidateFactor = 2
	// queryTopicConfidence is the detection confidence a query needs before
	// its topic boosts results.
	queryTopicConfidence = 0.4
	relatedTopicLimit    = 5
)

// Search ranks the scope's memories against req.Query. Access bumps for the
// returned memories are applied after ranking and never delay the response
// when an access pool is configured.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (_ *SearchResponse, err error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, tracing.SpanMemorySearch, attribute.Int("limit", req.Limit))
	defer func() {
		tracing.End(span, err)
		e.metrics.ObserveOperationDuration(ctx, "search", time.Since(start))
	}()

	if err := requireScope(req.Scope); err != nil {
		return nil, err
	}
	if err := req.Filters.Validate(); err != nil {
		return nil, validationError(CodeInvalidFilter, err.Error(), nil)
	}
	idx, err := e.indexOrErr()
	if err != nil {
		return nil, err
	}

	cfg := e.Config()
	limit := req.Limit
	if limit <= 0 {
		limit = cfg.DefaultLimit
	}
	minStrength := cfg.MinStrength
	if req.MinStrength != nil {
		minStrength = *req.MinStrength
	}
	rerank := boolOr(req.Rerank, true)
	useCategory := boolOr(req.CategoryBoost, true) && cfg.CategoriesEnabled

	qvec, err := e.emb.Embed(ctx, req.Query, llm.PurposeSearch)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	order, sims, err := e.candidates(ctx, idx, req, qvec, limit*candidateFactor, boolOr(req.KeywordSearch, cfg.KeywordSearch))
	if err != nil {
		return nil, err
	}

	var topic retrieval.Topic
	resp := &SearchResponse{Results: []SearchResult{}}
	if useCategory {
		if match := e.categories.Detect(ctx, req.Query, false); match.Confidence > queryTopicConfidence {
			topic = retrieval.Topic{ID: match.CategoryID, Related: e.categories.Related(match.CategoryID, relatedTopicLimit)}
			resp.QueryCategory = match.CategoryID
			e.categories.Access(match.CategoryID)
		}
	}

	now := e.now()
	records := make(map[string]*storage.Memory, len(order))
	cands := make([]retrieval.Candidate, 0, len(order))
	for _, id := range order {
		m, err := e.store.GetMemory(ctx, id)
		if storage.IsNotFound(err) {
			idx.Delete(id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("memory: load candidate %s: %w", id, err)
		}
		if m.Expired(now) {
			if err := e.remove(ctx, m, storage.EventDelete, ""); err != nil {
				e.log.WarnContext(ctx, "expired memory removal failed", "memory_id", id, "error", err)
			}
			continue
		}
		if !req.Scope.Contains(m.Scope()) || m.Strength < minStrength {
			continue
		}
		if len(req.Filters) > 0 && !req.Filters.Match(m.Fields()) {
			continue
		}
		sim, ok := sims[id]
		if !ok {
			sim = vectorindex.Cosine(qvec, m.Embedding)
		}
		records[id] = m
		cands = append(cands, retrieval.Candidate{
			ID:         id,
			Similarity: sim,
			Strength:   m.Strength,
			Categories: m.Categories,
			Metadata:   m.Metadata,
		})
	}

	ranker := &retrieval.Ranker{
		StrengthFloor: cfg.StrengthFloor,
		CategoryBoost: cfg.CategoryBoost,
		CrossBoost:    cfg.CrossBoost,
		UseSignal:     rerank && boolOr(req.SignalRerank, true),
		UseCategory:   rerank && useCategory,
	}
	var scored []retrieval.Scored
	if rerank {
		scored = ranker.Rank(req.Query, topic, cands)
	} else {
		scored = make([]retrieval.Scored, len(cands))
		for i, c := range cands {
			scored[i] = ranker.Score(req.Query, topic, c)
		}
	}
	if len(scored) > limit {
		scored = scored[:limit]
	}

	ids := make([]string, 0, len(scored))
	for _, s := range scored {
		m := records[s.ID]
		resp.Results = append(resp.Results, SearchResult{
			ID:             m.ID,
			Memory:         m.Content,
			UserID:         m.UserID,
			AgentID:        m.AgentID,
			RunID:          m.RunID,
			AppID:          m.AppID,
			Metadata:       m.Metadata,
			Categories:     m.Categories,
			Similarity:     s.Similarity,
			Strength:       m.Strength,
			Tier:           m.Tier,
			AccessCount:    m.AccessCount,
			CompositeScore: s.Composite,
			SignalBoost:    s.SignalBoost,
			CategoryBoost:  s.CategoryBoost,
			Score:          s.Combined,
			CreatedAt:      m.CreatedAt,
			UpdatedAt:      m.UpdatedAt,
		})
		ids = append(ids, m.ID)
	}
	e.metrics.RecordMemoryOperation("search", "HIT")

	if boolOr(req.BoostOnAccess, cfg.BoostOnAccess) && len(ids) > 0 {
		e.scheduleAccess(ctx, ids, resp.QueryCategory != "")
	} else if resp.QueryCategory != "" {
		e.persistCategories(ctx)
	}
	return resp, nil
}

// candidates returns candidate ids in retrieval order with their vector
// similarities. With keyword search on, vector and keyword hits are merged by
// reciprocal-rank fusion; keyword-only hits have no similarity yet.
func (e *Engine) candidates(ctx context.Context, idx vectorindex.Index, req SearchRequest, qvec []float64, n int, keyword bool) ([]string, map[string]float64, error) {
	hits, err := idx.Search(qvec, n, filter.And(req.Scope.Filter(), req.Filters))
	if err != nil {
		return nil, nil, fmt.Errorf("memory: vector search: %w", err)
	}
	sims := make(map[string]float64, len(hits))
	order := make([]string, len(hits))
	for i, h := range hits {
		sims[h.ID] = h.Score
		order[i] = h.ID
	}
	if !keyword || e.lexical == nil || req.Query == "" {
		return order, sims, nil
	}

	lex, err := e.lexical.Search(req.Query, n, "")
	if err != nil {
		e.log.WarnContext(ctx, "keyword search failed, using vector hits only", "error", err)
		return order, sims, nil
	}
	lexIDs := make([]string, len(lex))
	for i, h := range lex {
		lexIDs[i] = h.ID
	}
	fused := retrieval.FuseRRF(retrieval.DefaultRRFK, nil, order, lexIDs)
	merged := make([]string, 0, min(n, len(fused)))
	for _, f := range fused {
		if len(merged) == n {
			break
		}
		merged = append(merged, f.ID)
	}
	return merged, sims, nil
}

// scheduleAccess bumps the access statistics of ids, on the pool when one is
// configured.
func (e *Engine) scheduleAccess(ctx context.Context, ids []string, persistCategories bool) {
	job := func(ctx context.Context) {
		for _, id := range ids {
			e.bumpAccess(ctx, id)
		}
		if persistCategories {
			e.persistCategories(ctx)
		}
	}
	if e.pool == nil {
		job(context.WithoutCancel(ctx))
		return
	}
	if !e.pool.TrySubmit(job) {
		for range ids {
			e.metrics.RecordAccessBump("dropped")
		}
		e.log.WarnContext(ctx, "access pool saturated, dropping access bumps", "memories", len(ids))
	}
}

// bumpAccess counts one read of id, promotes it when it qualifies and
// re-encodes it one depth deeper once it is read often enough.
func (e *Engine) bumpAccess(ctx context.Context, id string) {
	cfg := e.Config()
	now := e.now().UTC()
	m, err := e.store.IncrementAccess(ctx, id, now)
	if err != nil {
		e.metrics.RecordAccessBump("failed")
		if !storage.IsNotFound(err) {
			e.log.WarnContext(ctx, "access bump failed", "memory_id", id, "error", err)
		}
		return
	}
	expected := m.UpdatedAt
	before := m.Strength
	// recorded only once the conditional write lands
	var history []*storage.HistoryEvent
	var published []events.Event

	if cfg.Decay.ShouldPromote(m.Tier, m.AccessCount, m.Strength) {
		old := m.Tier
		m.Tier = decay.TierLong
		history = append(history, &storage.HistoryEvent{
			MemoryID: m.ID, Event: storage.EventPromote,
			OldTier: old, NewTier: m.Tier,
			OldStrength: ptr(m.Strength), NewStrength: ptr(m.Strength),
		})
		published = append(published, events.Event{Type: events.TypeMemoryPromoted,
			Payload: map[string]any{"memory_id": m.ID, "reason": "access"}})
	}

	if cfg.DepthEnabled && cfg.ReprocessOnAccess && depth.ShouldReencode(m.Metadata, m.AccessCount, cfg.ReprocessThreshold) {
		current, _ := depth.ParseLevel(depthOf(m.Metadata))
		enc := e.encoder(cfg).Reencode(ctx, m.Content, m.Metadata)
		if levelRank(enc.Depth) > levelRank(current) {
			old := m.Strength
			if m.Metadata == nil {
				m.Metadata = make(map[string]any)
			}
			for k, v := range enc.Metadata() {
				m.Metadata[k] = v
			}
			m.Strength = depth.ReinforcedStrength(m.Strength)
			if cfg.UseQuestionEmbedding && enc.QuestionForm != "" {
				if vec, err := e.emb.Embed(ctx, enc.QuestionForm, llm.PurposeUpdate); err == nil {
					m.Embedding = vec
				} else {
					e.log.WarnContext(ctx, "question embedding failed", "memory_id", m.ID, "error", err)
				}
			}
			history = append(history, &storage.HistoryEvent{
				MemoryID: m.ID, Event: storage.EventReecho,
				OldValue: string(current), NewValue: string(enc.Depth),
				OldStrength: ptr(old), NewStrength: ptr(m.Strength),
				OldTier: m.Tier, NewTier: m.Tier,
			})
			published = append(published, events.Event{Type: events.TypeMemoryReechoed,
				Payload: map[string]any{"memory_id": m.ID, "depth": string(enc.Depth)}})
		}
	}

	if len(history) > 0 {
		m.UpdatedAt = storage.NextStamp(expected, e.now().UTC())
		if err := e.store.CompareAndUpdateMemory(ctx, m, expected); err != nil {
			e.metrics.RecordAccessBump("failed")
			e.log.WarnContext(ctx, "access update skipped", "memory_id", id, "error", err)
			return
		}
		e.categories.AdjustStrength(m.Categories, m.Strength-before)
		for _, h := range history {
			e.appendHistory(ctx, h)
		}
		for _, ev := range published {
			e.publish(ctx, ev.Type, ev.Payload)
		}
	}
	e.indexPayload(ctx, m)
	e.metrics.RecordAccessBump("applied")
}

func levelRank(l depth.Level) int {
	switch l {
	case depth.Shallow:
		return 1
	case depth.Medium:
		return 2
	case depth.Deep:
		return 3
	}
	return 0
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
