package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fademem/fademem/pkg/conflict"
	"github.com/fademem/fademem/pkg/decay"
	"github.com/fademem/fademem/pkg/depth"
	"github.com/fademem/fademem/pkg/events"
	"github.com/fademem/fademem/pkg/llm"
	"github.com/fademem/fademem/pkg/storage"
	"github.com/fademem/fademem/pkg/telemetry/tracing"
	"github.com/fademem/fademem/pkg/vectorindex"
)

// entry is one fact on its way into the store.
type entry struct {
	content    string
	metadata   map[string]any
	categories []string
	tier       decay.Tier
	strength   float64
	// fixedStrength skips the depth multiplier, for fused memories.
	fixedStrength bool
	accessCount   int
	immutable     bool
	expiration    *time.Time
	depth         depth.Level
	scope         storage.Scope
	// exclude lists memories the conflict check must not match, the sources
	// of a fusion that are removed once the fused memory is stored.
	exclude []string
}

// Add stores the facts carried by req, reconciling each with its nearest
// neighbour in the scope.
func (e *Engine) Add(ctx context.Context, req AddRequest) (_ *AddResult, err error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, tracing.SpanMemoryAdd, attribute.Bool("infer", req.Infer))
	defer func() {
		tracing.End(span, err)
		e.metrics.ObserveOperationDuration(ctx, "add", time.Since(start))
	}()

	if err := requireScope(req.Scope); err != nil {
		return nil, err
	}
	msgs, err := validateMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	tier := decay.TierShort
	if req.InitialTier != "" && req.InitialTier != "auto" {
		t, ok := decay.ParseTier(req.InitialTier)
		if !ok {
			return nil, validationError(CodeInvalidField, "initial_tier must be auto, short or long",
				map[string]any{"initial_tier": req.InitialTier})
		}
		tier = t
	}
	exp, err := parseExpiration(req.ExpirationDate)
	if err != nil {
		return nil, err
	}
	if req.EchoDepth != "" {
		if _, ok := depth.ParseLevel(string(req.EchoDepth)); !ok {
			return nil, validationError(CodeInvalidField, "echo_depth must be shallow, medium or deep",
				map[string]any{"echo_depth": req.EchoDepth})
		}
	}
	if _, err := e.indexOrErr(); err != nil {
		return nil, err
	}
	strength := req.InitialStrength
	if strength <= 0 {
		strength = 1.0
	}

	unlock, err := e.lock(ctx, req.Scope)
	if err != nil {
		return nil, err
	}
	defer unlock()

	facts := e.extract(ctx, req, msgs)
	res := &AddResult{Results: make([]AddItem, 0, len(facts))}
	for _, f := range facts {
		item, err := e.addOne(ctx, entry{
			content:    f.content,
			metadata:   mergeMetadata(req.Metadata, f.metadata),
			categories: dedupe(req.Categories),
			tier:       tier,
			strength:   strength,
			immutable:  req.Immutable,
			expiration: exp,
			depth:      req.EchoDepth,
			scope:      req.Scope,
		})
		if err != nil {
			e.persistCategories(ctx)
			return res, err
		}
		if item != nil {
			res.Results = append(res.Results, *item)
		}
	}
	e.persistCategories(ctx)

	for _, item := range res.Results {
		typ := events.TypeMemoryAdded
		switch item.Event {
		case string(conflict.EventUpdate):
			typ = events.TypeMemoryUpdated
		case string(conflict.EventNoop):
			typ = events.TypeMemoryReinforce
		}
		e.publish(ctx, typ, map[string]any{
			"memory_id":  item.ID,
			"event":      item.Event,
			"tier":       string(item.Tier),
			"strength":   item.Strength,
			"categories": item.Categories,
			"replaced":   item.Replaced,
			"scope":      req.Scope,
		})
	}
	return res, nil
}

// addOne runs the per-fact pipeline: categorize, encode, embed, reconcile,
// store. The caller holds the scope lock.
func (e *Engine) addOne(ctx context.Context, in entry) (*AddItem, error) {
	content := strings.TrimSpace(in.content)
	if content == "" {
		return nil, nil
	}
	cfg := e.Config()
	now := e.now().UTC()
	meta := in.metadata
	if meta == nil {
		meta = make(map[string]any)
	}

	cats := in.categories
	if len(cats) == 0 && cfg.CategoriesEnabled && cfg.AutoCategorize {
		match := e.categories.Detect(ctx, content, cfg.Category.UseLLM)
		cats = []string{match.CategoryID}
		meta["category_confidence"] = match.Confidence
		meta["category_auto"] = true
	}

	strength := decay.Clamp(in.strength)
	var enc depth.Encoding
	if cfg.DepthEnabled {
		enc = e.encoder(cfg).Encode(ctx, content, in.depth, depth.Context{
			UserMarkedImportant: truthy(meta["important"]),
		})
		if !in.fixedStrength {
			strength = decay.Clamp(strength * enc.Multiplier)
		}
		for k, v := range enc.Metadata() {
			meta[k] = v
		}
		if len(cats) == 0 && cfg.CategoriesEnabled {
			if id := e.categoryHint(enc.Category); id != "" {
				cats = []string{id}
			}
		}
	}

	vecText := content
	if cfg.UseQuestionEmbedding && enc.QuestionForm != "" {
		vecText = enc.QuestionForm
	}
	vecFromContent := vecText == content
	vec, err := e.emb.Embed(ctx, vecText, llm.PurposeAdd)
	if err != nil {
		return nil, fmt.Errorf("memory: embed: %w", err)
	}

	idx, err := e.indexOrErr()
	if err != nil {
		return nil, err
	}
	event := conflict.EventAdd
	var replaced *storage.Memory
	var classification conflict.Classification
	if cfg.EnableConflictResolution {
		existing, err := e.nearest(ctx, idx, vec, in.scope, cfg.ConflictThreshold, in.exclude)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			res := e.resolver.Classify(ctx, conflict.Existing{
				ID:           existing.ID,
				Content:      existing.Content,
				CreatedAt:    existing.CreatedAt,
				LastAccessed: existing.LastAccessed,
				AccessCount:  existing.AccessCount,
				Strength:     existing.Strength,
			}, content)
			classification = res.Classification
			e.metrics.RecordConflict(string(res.Classification))
			plan := res.Plan(content)

			if plan.ReinforceExisting {
				m, err := e.reinforce(ctx, existing, cfg.SubsumedBoost, content)
				if err != nil {
					return nil, err
				}
				e.metrics.RecordMemoryOperation("add", string(conflict.EventNoop))
				return &AddItem{
					ID:             m.ID,
					Memory:         m.Content,
					Event:          string(conflict.EventNoop),
					Tier:           m.Tier,
					Strength:       m.Strength,
					Categories:     m.Categories,
					Depth:          depthOf(m.Metadata),
					Classification: string(classification),
				}, nil
			}
			if plan.DeleteExisting {
				if err := e.remove(ctx, existing, storage.EventDelete, plan.Content); err != nil {
					return nil, err
				}
				replaced = existing
			}
			if plan.Content != content {
				content = plan.Content
				if vecFromContent {
					if vec, err = e.emb.Embed(ctx, content, llm.PurposeAdd); err != nil {
						return nil, fmt.Errorf("memory: embed merged content: %w", err)
					}
				}
			}
			event = plan.Event
		}
	}

	if replaced != nil {
		meta["replaced_id"] = replaced.ID
	}
	m := &storage.Memory{
		ID:             uuid.NewString(),
		Content:        content,
		Metadata:       meta,
		Categories:     cats,
		Immutable:      in.immutable,
		ExpirationDate: in.expiration,
		Tier:           in.tier,
		Strength:       strength,
		AccessCount:    in.accessCount,
		LastAccessed:   now,
		CreatedAt:      now,
		UpdatedAt:      now,
		Embedding:      vec,
	}
	m.SetScope(in.scope)

	if err := e.store.AddMemory(ctx, m); err != nil {
		return nil, fmt.Errorf("memory: store: %w", err)
	}
	if err := idx.Insert([]string{m.ID}, [][]float64{vec}, []map[string]any{m.Fields()}); err != nil {
		return nil, fmt.Errorf("memory: index: %w", err)
	}
	if e.lexical != nil {
		if err := e.lexical.Index(m.ID, m.Scope().Key(), m.Content); err != nil {
			e.log.WarnContext(ctx, "keyword index failed", "memory_id", m.ID, "error", err)
		}
	}
	for _, c := range cats {
		e.categories.AddMember(c, strength)
	}

	h := &storage.HistoryEvent{
		MemoryID:    m.ID,
		Event:       storage.EventType(event),
		NewValue:    m.Content,
		NewStrength: ptr(m.Strength),
		NewTier:     m.Tier,
	}
	if replaced != nil {
		h.OldValue = replaced.Content
		h.OldStrength = ptr(replaced.Strength)
		h.OldTier = replaced.Tier
	}
	e.appendHistory(ctx, h)
	e.metrics.RecordMemoryOperation("add", string(event))

	item := &AddItem{
		ID:             m.ID,
		Memory:         m.Content,
		Event:          string(event),
		Tier:           m.Tier,
		Strength:       m.Strength,
		Categories:     m.Categories,
		Depth:          string(enc.Depth),
		Classification: string(classification),
	}
	if replaced != nil {
		item.Replaced = replaced.ID
	}
	return item, nil
}

// nearest returns the most similar live memory of the scope when its
// similarity reaches threshold. Index entries whose record is gone are
// dropped on the way.
func (e *Engine) nearest(ctx context.Context, idx vectorindex.Index, vec []float64, scope storage.Scope, threshold float64, exclude []string) (*storage.Memory, error) {
	const neighbours = 3
	hits, err := idx.Search(vec, neighbours+len(exclude), scope.Filter())
	if err != nil {
		return nil, fmt.Errorf("memory: conflict search: %w", err)
	}
	for _, h := range hits {
		if h.Score < threshold {
			return nil, nil
		}
		if slices.Contains(exclude, h.ID) {
			continue
		}
		m, err := e.store.GetMemory(ctx, h.ID)
		if storage.IsNotFound(err) {
			idx.Delete(h.ID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("memory: load neighbour %s: %w", h.ID, err)
		}
		if m.Scope().Partition() != scope.Partition() {
			continue
		}
		return m, nil
	}
	return nil, nil
}

// reinforce strengthens an existing memory that already covers newContent.
func (e *Engine) reinforce(ctx context.Context, m *storage.Memory, boost float64, newContent string) (*storage.Memory, error) {
	now := e.now().UTC()
	bumped, err := e.store.IncrementAccess(ctx, m.ID, now)
	if err != nil {
		return nil, fmt.Errorf("memory: reinforce %s: %w", m.ID, err)
	}
	var old float64
	// A maintenance write may land between the bump and the boost; boost the
	// record it left behind.
	for attempt := 0; ; attempt++ {
		old = bumped.Strength
		expected := bumped.UpdatedAt
		bumped.Strength = conflict.Reinforce(old, boost)
		bumped.UpdatedAt = storage.NextStamp(expected, now)
		err = e.store.CompareAndUpdateMemory(ctx, bumped, expected)
		if err == nil {
			break
		}
		if !storage.IsConflict(err) || attempt > 0 {
			return nil, fmt.Errorf("memory: reinforce %s: %w", m.ID, err)
		}
		if bumped, err = e.store.GetMemory(ctx, m.ID); err != nil {
			return nil, fmt.Errorf("memory: reinforce %s: %w", m.ID, err)
		}
	}
	e.indexPayload(ctx, bumped)
	e.categories.AdjustStrength(bumped.Categories, bumped.Strength-old)
	e.appendHistory(ctx, &storage.HistoryEvent{
		MemoryID:    m.ID,
		Event:       storage.EventNoop,
		OldValue:    bumped.Content,
		NewValue:    newContent,
		OldStrength: ptr(old),
		NewStrength: ptr(bumped.Strength),
		OldTier:     bumped.Tier,
		NewTier:     bumped.Tier,
	})
	return bumped, nil
}

func (e *Engine) encoder(cfg Config) *depth.Encoder {
	return depth.NewEncoder(e.gen, cfg.Depth, e.log)
}

// categoryHint maps the encoder's category label onto a known category id.
func (e *Engine) categoryHint(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return ""
	}
	for _, id := range []string{label, label + "s"} {
		if _, ok := e.categories.Get(id); ok {
			return id
		}
	}
	return ""
}

func parseExpiration(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, validationError(CodeInvalidField, "expiration_date must be YYYY-MM-DD",
			map[string]any{"expiration_date": s})
	}
	return &t, nil
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true") || t == "1" || strings.EqualFold(t, "yes")
	}
	return false
}

func depthOf(meta map[string]any) string {
	s, _ := meta[depth.KeyDepth].(string)
	return s
}
