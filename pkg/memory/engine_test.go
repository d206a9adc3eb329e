package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fademem/fademem/pkg/decay"
	"github.com/fademem/fademem/pkg/events"
	"github.com/fademem/fademem/pkg/filter"
	"github.com/fademem/fademem/pkg/fusion"
	"github.com/fademem/fademem/pkg/lexical"
	"github.com/fademem/fademem/pkg/llm"
	"github.com/fademem/fademem/pkg/scopelock"
	"github.com/fademem/fademem/pkg/storage"
	memstore "github.com/fademem/fademem/pkg/storage/memory"
	"github.com/fademem/fademem/pkg/vectorindex"
)

const testDims = 64

var alice = storage.Scope{UserID: "alice"}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	engine *Engine
	store  *memstore.MemoryStorage
	gen    *llm.MockGenerator
	clock  *testClock
}

func newFixture(t *testing.T, tweak func(*Config), opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: memstore.NewMemoryStorage(),
		gen:   llm.NewMockGenerator(),
		clock: newTestClock(),
	}
	cfg := DefaultConfig()
	if tweak != nil {
		tweak(&cfg)
	}
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	f.engine = NewEngine(f.store, nil, f.gen, llm.NewHashEmbedder(testDims), cfg, opts...)
	require.NoError(t, f.engine.Start(context.Background()))
	t.Cleanup(func() { _ = f.engine.Stop(context.Background()) })
	return f
}

func (f *fixture) add(t *testing.T, content string, mutate func(*AddRequest)) *AddResult {
	t.Helper()
	req := AddRequest{Messages: []Message{{Role: RoleUser, Content: content}}, Scope: alice}
	if mutate != nil {
		mutate(&req)
	}
	res, err := f.engine.Add(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestAddThenSearch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res := f.add(t, "User prefers TypeScript over JavaScript", nil)
	require.Len(t, res.Results, 1)
	item := res.Results[0]
	assert.Equal(t, "ADD", item.Event)
	assert.Equal(t, decay.TierShort, item.Tier)
	// the generator gives no usable encoding, so the memory lands at shallow depth
	assert.Equal(t, "shallow", item.Depth)
	assert.InDelta(t, 1.0, item.Strength, 1e-9)
	assert.Len(t, item.Categories, 1)

	resp, err := f.engine.Search(ctx, SearchRequest{Query: "what language does the user like", Scope: alice})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	hit := resp.Results[0]
	assert.Equal(t, item.ID, hit.ID)
	assert.Greater(t, hit.CompositeScore, 0.0)
	assert.Greater(t, hit.SignalBoost, 0.0)

	m, err := f.engine.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.AccessCount, "search counts as an access")
	assert.Nil(t, m.Embedding)
}

func TestAdd_ConflictOutcomes(t *testing.T) {
	const existing = "User lives in Berlin"
	tests := []struct {
		name      string
		reply     string
		newText   string
		wantEvent string
		wantLive  int
		check     func(t *testing.T, f *fixture, first, second AddItem)
	}{
		{
			name:      "compatible keeps both",
			reply:     `{"classification": "COMPATIBLE", "confidence": 0.9}`,
			newText:   existing,
			wantEvent: "ADD",
			wantLive:  2,
		},
		{
			name:      "contradictory replaces",
			reply:     `{"classification": "CONTRADICTORY", "confidence": 0.9}`,
			newText:   existing,
			wantEvent: "UPDATE",
			wantLive:  1,
			check: func(t *testing.T, f *fixture, first, second AddItem) {
				assert.Equal(t, first.ID, second.Replaced)
				_, err := f.engine.Get(context.Background(), first.ID)
				assert.ErrorIs(t, err, ErrNotFound)
			},
		},
		{
			name:      "subsumes merges",
			reply:     `{"classification": "SUBSUMES", "confidence": 0.8, "merged_content": "User lives in Berlin, Mitte"}`,
			newText:   existing,
			wantEvent: "UPDATE",
			wantLive:  1,
			check: func(t *testing.T, f *fixture, first, second AddItem) {
				assert.Equal(t, "User lives in Berlin, Mitte", second.Memory)
				m, err := f.engine.Get(context.Background(), second.ID)
				require.NoError(t, err)
				assert.Equal(t, first.ID, m.Metadata["replaced_id"])
			},
		},
		{
			name:      "subsumed reinforces",
			reply:     `{"classification": "SUBSUMED", "confidence": 0.7}`,
			newText:   existing,
			wantEvent: "NOOP",
			wantLive:  1,
			check: func(t *testing.T, f *fixture, first, second AddItem) {
				assert.Equal(t, first.ID, second.ID)
				assert.InDelta(t, 0.55, second.Strength, 1e-9)
				m, err := f.engine.Get(context.Background(), first.ID)
				require.NoError(t, err)
				assert.Equal(t, 1, m.AccessCount)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.gen.On("classify their relationship", tt.reply)
			half := func(r *AddRequest) { r.InitialStrength = 0.5 }

			first := f.add(t, existing, half)
			require.Len(t, first.Results, 1)
			second := f.add(t, tt.newText, half)
			require.Len(t, second.Results, 1)
			assert.Equal(t, tt.wantEvent, second.Results[0].Event)

			all, err := f.engine.GetAll(context.Background(), ListRequest{Scope: alice})
			require.NoError(t, err)
			assert.Len(t, all, tt.wantLive)
			if tt.check != nil {
				tt.check(t, f, first.Results[0], second.Results[0])
			}
		})
	}
}

func TestAdd_NeighbourInOtherScopeIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.gen.On("classify their relationship", `{"classification": "CONTRADICTORY"}`)

	f.add(t, "User lives in Berlin", nil)
	res := f.add(t, "User lives in Berlin", func(r *AddRequest) { r.Scope = storage.Scope{UserID: "bob"} })
	assert.Equal(t, "ADD", res.Results[0].Event)
	for _, p := range f.gen.Prompts() {
		assert.NotContains(t, p, "classify their relationship", "no classification across scopes")
	}
}

func TestValidationCodes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	msgs := []Message{{Content: "hello there"}}

	codeOf := func(err error) string {
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.ErrorIs(t, err, ErrValidation)
		return verr.Code
	}

	_, err := f.engine.Add(ctx, AddRequest{Messages: msgs})
	assert.Equal(t, CodeMissingScope, codeOf(err))

	_, err = f.engine.Add(ctx, AddRequest{Messages: msgs, Scope: alice, InitialTier: "medium"})
	assert.Equal(t, CodeInvalidField, codeOf(err))

	_, err = f.engine.Add(ctx, AddRequest{Messages: msgs, Scope: alice, ExpirationDate: "next week"})
	assert.Equal(t, CodeInvalidField, codeOf(err))

	_, err = f.engine.Add(ctx, AddRequest{Scope: alice})
	assert.Equal(t, CodeMalformedMessages, codeOf(err))

	_, err = f.engine.Add(ctx, AddRequest{Messages: []Message{{Role: "tool", Content: "x"}}, Scope: alice})
	assert.Equal(t, CodeMalformedMessages, codeOf(err))

	_, err = f.engine.Search(ctx, SearchRequest{Query: "x", Scope: alice,
		Filters: filter.Filter{"topic": map[string]any{"regex": "a"}}})
	assert.Equal(t, CodeInvalidFilter, codeOf(err))

	_, err = f.engine.DeleteAll(ctx, storage.Scope{})
	assert.Equal(t, CodeScopelessDelete, codeOf(err))
}

func TestApplyDecay(t *testing.T) {
	t.Run("decays", func(t *testing.T) {
		f := newFixture(t, nil)
		id := f.add(t, "User owns a bicycle", nil).Results[0].ID
		f.clock.Advance(24 * time.Hour)

		report, err := f.engine.ApplyDecay(context.Background(), storage.Scope{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Decayed)
		assert.Zero(t, report.Forgotten)

		m, err := f.engine.Get(context.Background(), id)
		require.NoError(t, err)
		assert.InDelta(t, 0.8607, m.Strength, 1e-3)

		hist, err := f.engine.History(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, storage.EventDecay, hist[len(hist)-1].Event)
	})

	t.Run("forgets weak memories", func(t *testing.T) {
		f := newFixture(t, nil)
		id := f.add(t, "User owns a bicycle", nil).Results[0].ID
		f.clock.Advance(30 * 24 * time.Hour)

		report, err := f.engine.ApplyDecay(context.Background(), storage.Scope{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Forgotten)
		assert.Equal(t, 1, report.Purged)

		_, err = f.engine.Get(context.Background(), id)
		assert.ErrorIs(t, err, ErrNotFound)
		hist, err := f.engine.History(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, storage.EventDelete, hist[len(hist)-1].Event)

		runs, err := f.engine.DecayRuns(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, 1, runs[0].Forgotten)
	})

	t.Run("keeps weak memories when forgetting is off", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.EnableForgetting = false })
		id := f.add(t, "User owns a bicycle", nil).Results[0].ID
		f.clock.Advance(30 * 24 * time.Hour)

		report, err := f.engine.ApplyDecay(context.Background(), storage.Scope{})
		require.NoError(t, err)
		assert.Zero(t, report.Forgotten)
		m, err := f.engine.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Less(t, m.Strength, 0.1)
	})

	t.Run("promotes frequently read memories", func(t *testing.T) {
		f := newFixture(t, nil)
		ctx := context.Background()
		id := f.add(t, "User owns a bicycle", nil).Results[0].ID
		m, err := f.store.GetMemory(ctx, id)
		require.NoError(t, err)
		m.AccessCount = 3
		require.NoError(t, f.store.UpdateMemory(ctx, m))

		report, err := f.engine.ApplyDecay(ctx, storage.Scope{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Promoted)
		got, err := f.engine.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, decay.TierLong, got.Tier)
	})

	t.Run("skips immutable memories", func(t *testing.T) {
		f := newFixture(t, nil)
		id := f.add(t, "User was born in Lisbon", func(r *AddRequest) { r.Immutable = true }).Results[0].ID
		f.clock.Advance(60 * 24 * time.Hour)

		report, err := f.engine.ApplyDecay(context.Background(), storage.Scope{})
		require.NoError(t, err)
		assert.Zero(t, report.Decayed+report.Forgotten)
		m, err := f.engine.Get(context.Background(), id)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, m.Strength, 1e-9)
	})
}

func TestSearch_AccessPromotes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.add(t, "User drinks green tea every morning", nil).Results[0].ID

	for i := 0; i < 3; i++ {
		_, err := f.engine.Search(ctx, SearchRequest{Query: "green tea", Scope: alice})
		require.NoError(t, err)
	}
	m, err := f.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, m.AccessCount)
	assert.Equal(t, decay.TierLong, m.Tier)
}

func TestSearch_ExcludesOtherScopes(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "User drinks green tea", func(r *AddRequest) { r.Scope = storage.Scope{UserID: "bob"} })

	resp, err := f.engine.Search(context.Background(), SearchRequest{Query: "green tea", Scope: alice})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestSearch_KeywordHitsAreMerged(t *testing.T) {
	f := newFixture(t, nil, WithLexical(lexical.NewBM25(0, 0)))
	f.add(t, "Deployment runbook lives in the ops wiki", nil)
	f.add(t, "User enjoys hiking in the Alps", nil)

	on := true
	resp, err := f.engine.Search(context.Background(), SearchRequest{
		Query: "runbook", Scope: alice, KeywordSearch: &on,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Contains(t, resp.Results[0].Memory, "runbook")
}

func TestFuse(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.EnableConflictResolution = false })
	ctx := context.Background()
	f.gen.On("consolidate the related memories", `{"consolidated_memory": "User writes Go and Rust"}`)

	contents := []string{"User writes Go", "User writes Rust", "User writes code"}
	strengths := []float64{0.9, 0.5, 0.2}
	access := []int{10, 2, 0}
	var ids []string
	for i, c := range contents {
		id := f.add(t, c, func(r *AddRequest) { r.InitialStrength = strengths[i] }).Results[0].ID
		m, err := f.store.GetMemory(ctx, id)
		require.NoError(t, err)
		m.AccessCount = access[i]
		require.NoError(t, f.store.UpdateMemory(ctx, m))
		ids = append(ids, id)
	}

	res, err := f.engine.Fuse(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, "User writes Go and Rust", res.Memory)
	assert.InDelta(t, 0.64, res.Strength, 1e-9)
	assert.GreaterOrEqual(t, res.Strength, (0.9+0.5+0.2)/3)
	assert.Equal(t, 12, res.AccessCount)
	assert.Equal(t, decay.TierLong, res.Tier)
	assert.ElementsMatch(t, ids, res.SourceIDs)

	for _, id := range ids {
		_, err := f.engine.Get(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
		hist, err := f.engine.History(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, storage.EventFuse, hist[len(hist)-1].Event)
	}
	fused, err := f.engine.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, fused.AccessCount)
	assert.Equal(t, true, fused.Metadata["fused"])
}

func TestFuse_Rejects(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.add(t, "User writes Go", nil).Results[0].ID

	_, err := f.engine.Fuse(ctx, []string{id})
	assert.ErrorIs(t, err, fusion.ErrTooFewMemories)
	_, err = f.engine.Fuse(ctx, []string{id, id})
	assert.ErrorIs(t, err, fusion.ErrTooFewMemories)
	_, err = f.engine.Fuse(ctx, []string{id, "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	other := f.add(t, "User writes Go", func(r *AddRequest) { r.Scope = storage.Scope{UserID: "bob"} }).Results[0].ID
	_, err = f.engine.Fuse(ctx, []string{id, other})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFusionCandidates_StayInScope(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.EnableConflictResolution = false })
	a := f.add(t, "User writes Go daily", nil).Results[0].ID
	b := f.add(t, "User writes Go daily", nil).Results[0].ID
	f.add(t, "User writes Go daily", func(r *AddRequest) { r.Scope = storage.Scope{UserID: "bob"} })

	clusters, err := f.engine.FusionCandidates(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []string{a, b}, clusters[0])
}

func TestPromoteDemote(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.add(t, "User is allergic to peanuts", nil).Results[0].ID

	change, err := f.engine.Promote(ctx, id)
	require.NoError(t, err)
	assert.True(t, change.Changed)
	assert.Equal(t, decay.TierLong, change.NewTier)

	change, err = f.engine.Promote(ctx, id)
	require.NoError(t, err)
	assert.False(t, change.Changed)

	change, err = f.engine.Demote(ctx, id)
	require.NoError(t, err)
	assert.True(t, change.Changed)

	hist, err := f.engine.History(ctx, id)
	require.NoError(t, err)
	var kinds []storage.EventType
	for _, h := range hist {
		kinds = append(kinds, h.Event)
	}
	assert.Equal(t, []storage.EventType{storage.EventAdd, storage.EventPromote, storage.EventDemote}, kinds)

	_, err = f.engine.Promote(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateDeleteAndDeleteAll(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.EnableConflictResolution = false })
	ctx := context.Background()
	id := f.add(t, "User works at Acme", nil).Results[0].ID
	f.add(t, "User has two cats", nil)
	f.add(t, "Bob has a dog", func(r *AddRequest) { r.Scope = storage.Scope{UserID: "bob"} })

	m, err := f.engine.Update(ctx, id, "User works at Globex", map[string]any{"source": "profile"})
	require.NoError(t, err)
	assert.Equal(t, "User works at Globex", m.Content)
	assert.Equal(t, "profile", m.Metadata["source"])

	_, err = f.engine.Update(ctx, id, "  ", nil)
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, f.engine.Delete(ctx, id))
	assert.ErrorIs(t, f.engine.Delete(ctx, id), ErrNotFound)

	n, err := f.engine.DeleteAll(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := f.engine.Stats(ctx, storage.Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
}

func TestHistory_UnknownMemory(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.History(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetag_FollowsMergeChains(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.add(t, "User likes jazz", func(r *AddRequest) { r.Categories = []string{"music", "hobbies"} }).Results[0].ID

	require.NoError(t, f.engine.retag(ctx, map[string]string{"music": "arts", "arts": "hobbies"}))
	m, err := f.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"hobbies"}, m.Categories)
}

func TestApplyCategoryDecay_PublishesEvent(t *testing.T) {
	bus := events.NewBroadcaster(16)
	f := newFixture(t, nil, WithBus(bus))
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	_, err := f.engine.ApplyCategoryDecay(context.Background())
	require.NoError(t, err)
	ev := <-ch
	assert.Equal(t, events.TypeCategoryDecay, ev.Type)
}

func TestEventsPublished(t *testing.T) {
	bus := events.NewBroadcaster(16)
	f := newFixture(t, nil, WithBus(bus))
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	id := f.add(t, "User plays chess", nil).Results[0].ID
	ev := <-ch
	assert.Equal(t, events.TypeMemoryAdded, ev.Type)
	assert.Equal(t, id, ev.Payload["memory_id"])

	require.NoError(t, f.engine.Delete(context.Background(), id))
	ev = <-ch
	assert.Equal(t, events.TypeMemoryDeleted, ev.Type)
}

func TestStart_RebuildsIndexOnDimensionChange(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewMemoryStorage()
	small := llm.NewHashEmbedder(16)
	vec, err := small.Embed(ctx, "User speaks Portuguese", llm.PurposeAdd)
	require.NoError(t, err)
	now := time.Now().UTC()
	m := &storage.Memory{
		ID: "m1", Content: "User speaks Portuguese", Tier: decay.TierShort, Strength: 1,
		CreatedAt: now, UpdatedAt: now, LastAccessed: now, Embedding: vec,
	}
	m.SetScope(alice)
	require.NoError(t, store.AddMemory(ctx, m))
	old := vectorindex.New(16)
	require.NoError(t, old.Insert([]string{"m1"}, [][]float64{vec}, []map[string]any{m.Fields()}))

	e := NewEngine(store, old, nil, llm.NewHashEmbedder(testDims), DefaultConfig())
	require.NoError(t, e.Start(ctx))
	defer e.Stop(ctx)

	assert.Equal(t, testDims, e.vindex().Dimension())
	assert.Equal(t, 1, e.vindex().Len())
	got, err := store.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, got.Embedding, testDims)

	resp, err := e.Search(ctx, SearchRequest{Query: "Portuguese", Scope: alice})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
}

func TestNotStarted(t *testing.T) {
	e := NewEngine(memstore.NewMemoryStorage(), nil, nil, llm.NewHashEmbedder(testDims), DefaultConfig())
	_, err := e.Add(context.Background(), AddRequest{Messages: []Message{{Content: "x"}}, Scope: alice})
	assert.True(t, errors.Is(err, ErrNotStarted))
}

func TestSearchByCategory(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.EnableConflictResolution = false })
	ctx := context.Background()
	work := f.add(t, "User works at Acme", func(r *AddRequest) { r.Categories = []string{"facts"} }).Results[0].ID
	f.add(t, "User likes green tea", func(r *AddRequest) { r.Categories = []string{"preferences"} })

	got, err := f.engine.SearchByCategory(ctx, CategoryQuery{CategoryID: "facts", Scope: alice})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, work, got[0].ID)
	assert.Nil(t, got[0].Embedding)

	got, err = f.engine.SearchByCategory(ctx, CategoryQuery{CategoryID: "facts", Scope: storage.Scope{UserID: "bob"}})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = f.engine.SearchByCategory(ctx, CategoryQuery{CategoryID: "missing", Scope: alice})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStats(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.EnableConflictResolution = false })
	ctx := context.Background()
	f.add(t, "User works at Acme", nil)
	f.add(t, "User likes green tea", func(r *AddRequest) {
		r.InitialTier = "long"
		r.Immutable = true
	})

	st, err := f.engine.Stats(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ShortTerm)
	assert.Equal(t, 1, st.LongTerm)
	assert.Equal(t, 1, st.Immutable)
	assert.Greater(t, st.AvgStrength, 0.0)

	counted := 0
	for _, n := range st.DepthCounts {
		counted += n
	}
	assert.Equal(t, 2, counted)

	empty, err := f.engine.Stats(ctx, storage.Scope{UserID: "bob"})
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.AvgStrength)
}

func TestReset(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.add(t, "User works at Acme", nil).Results[0].ID
	roots := len(f.engine.ListCategories())

	require.NoError(t, f.engine.Reset(ctx))

	_, err := f.engine.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	resp, err := f.engine.Search(ctx, SearchRequest{Query: "where does the user work", Scope: alice})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.LessOrEqual(t, len(f.engine.ListCategories()), roots)
	_, ok := f.engine.Categories().Get("facts")
	assert.True(t, ok, "root categories survive a reset")
}

func TestStart_RebuildsIndexFromStore(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewMemoryStorage()
	now := time.Now().UTC()
	m := &storage.Memory{
		ID: "m1", Content: "User speaks Portuguese", Tier: decay.TierShort, Strength: 1,
		CreatedAt: now, UpdatedAt: now, LastAccessed: now,
	}
	m.SetScope(alice)
	require.NoError(t, store.AddMemory(ctx, m))

	e := NewEngine(store, nil, nil, llm.NewHashEmbedder(testDims), DefaultConfig())
	started := make(chan error, 1)
	go func() { started <- e.Start(ctx) }()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
	defer e.Stop(ctx)

	assert.Equal(t, 1, e.vindex().Len())
	got, err := store.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, got.Embedding, testDims)
}

// accessHookStore runs afterIncrement once an access bump has been stored,
// letting a test interleave a maintenance read with the rest of the bump.
type accessHookStore struct {
	*memstore.MemoryStorage
	afterIncrement func(id string)
}

func (s *accessHookStore) IncrementAccess(ctx context.Context, id string, at time.Time) (*storage.Memory, error) {
	m, err := s.MemoryStorage.IncrementAccess(ctx, id, at)
	if err == nil && s.afterIncrement != nil {
		s.afterIncrement(id)
	}
	return m, err
}

func TestApplyDecay_KeepsConcurrentAccessPromotion(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := &accessHookStore{MemoryStorage: memstore.NewMemoryStorage()}
	cfg := DefaultConfig()
	cfg.Decay.PromotionAccessThreshold = 1
	e := NewEngine(store, nil, llm.NewMockGenerator(), llm.NewHashEmbedder(testDims), cfg, WithClock(clock.Now))
	require.NoError(t, e.Start(ctx))
	defer e.Stop(ctx)

	res, err := e.Add(ctx, AddRequest{Messages: []Message{{Role: RoleUser, Content: "User drinks green tea"}}, Scope: alice})
	require.NoError(t, err)
	id := res.Results[0].ID

	// The sweep reads the record after the access count moved but before the
	// promotion is written; the clock does not move in between.
	var listed *storage.Memory
	store.afterIncrement = func(string) {
		listed, err = store.MemoryStorage.GetMemory(ctx, id)
		require.NoError(t, err)
	}
	e.bumpAccess(ctx, id)
	require.NotNil(t, listed)
	require.Equal(t, decay.TierShort, listed.Tier)

	later := clock.Now().Add(72 * time.Hour)
	outcome, _, err := e.decayOne(ctx, listed, e.Config(), later)
	require.NoError(t, err)
	assert.Equal(t, outcomeDecayed, outcome)

	got, err := store.GetMemory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, decay.TierLong, got.Tier)
	assert.Equal(t, 1, got.AccessCount)
	want := cfg.Decay.Strength(1.0, listed.LastAccessed, later, 1, decay.TierLong)
	assert.InDelta(t, want, got.Strength, 1e-9, "decay must start from the promoted record")

	hist, err := e.History(ctx, id)
	require.NoError(t, err)
	var kinds []storage.EventType
	for _, h := range hist {
		kinds = append(kinds, h.Event)
	}
	assert.Equal(t, []storage.EventType{storage.EventAdd, storage.EventPromote, storage.EventDecay}, kinds)
}

func TestAdd_ConcurrentNearDuplicatesLeaveOneSurvivor(t *testing.T) {
	for _, class := range []string{"CONTRADICTORY", "SUBSUMED"} {
		t.Run(class, func(t *testing.T) {
			f := newFixture(t, nil)
			f.gen.On("classify their relationship", `{"classification": "`+class+`", "confidence": 0.9}`)

			const writers = 8
			var wg sync.WaitGroup
			errs := make(chan error, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := f.engine.Add(context.Background(), AddRequest{
						Messages: []Message{{Role: RoleUser, Content: "User lives in Berlin"}},
						Scope:    alice,
					})
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			all, err := f.engine.GetAll(context.Background(), ListRequest{Scope: alice})
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

type switchableEmbedder struct {
	llm.Embedder
	fail atomic.Bool
}

func (s *switchableEmbedder) Embed(ctx context.Context, text string, p llm.Purpose) ([]float64, error) {
	if s.fail.Load() {
		return nil, errors.New("embedder unreachable")
	}
	return s.Embedder.Embed(ctx, text, p)
}

func TestFuse_FailureKeepsSources(t *testing.T) {
	ctx := context.Background()
	emb := &switchableEmbedder{Embedder: llm.NewHashEmbedder(testDims)}
	gen := llm.NewMockGenerator().On("consolidate the related memories", `{"consolidated_memory": "User writes Go and Rust"}`)
	cfg := DefaultConfig()
	cfg.EnableConflictResolution = false
	e := NewEngine(memstore.NewMemoryStorage(), nil, gen, emb, cfg)
	require.NoError(t, e.Start(ctx))
	defer e.Stop(ctx)

	var ids []string
	for _, c := range []string{"User writes Go", "User writes Rust"} {
		res, err := e.Add(ctx, AddRequest{Messages: []Message{{Role: RoleUser, Content: c}}, Scope: alice})
		require.NoError(t, err)
		ids = append(ids, res.Results[0].ID)
	}

	emb.fail.Store(true)
	_, err := e.Fuse(ctx, ids)
	require.Error(t, err)
	emb.fail.Store(false)

	all, err := e.GetAll(ctx, ListRequest{Scope: alice})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	for _, id := range ids {
		_, err := e.Get(ctx, id)
		assert.NoError(t, err)
	}
}

func TestCategoryTotals_FollowMemberStrength(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.add(t, "User works at Acme", func(r *AddRequest) { r.Categories = []string{"facts"} }).Results[0].ID

	f.clock.Advance(48 * time.Hour)
	report, err := f.engine.ApplyDecay(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, 1, report.Decayed)

	m, err := f.engine.Get(ctx, id)
	require.NoError(t, err)
	facts, err := f.engine.Category("facts")
	require.NoError(t, err)
	assert.InDelta(t, m.Strength, facts.TotalStrength, 1e-9)

	require.NoError(t, f.engine.Delete(ctx, id))
	facts, err = f.engine.Category("facts")
	require.NoError(t, err)
	assert.Zero(t, facts.MemoryCount)
	assert.InDelta(t, 0, facts.TotalStrength, 1e-9)
}

type keyRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *keyRecorder) Lock(ctx context.Context, key string) (scopelock.Unlock, error) {
	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.mu.Unlock()
	return func() {}, nil
}

func TestAdd_LocksScopePartition(t *testing.T) {
	rec := &keyRecorder{}
	f := newFixture(t, func(c *Config) { c.EnableConflictResolution = false }, WithLocker(rec))
	f.add(t, "User works at Acme", nil)
	f.add(t, "User works at Acme", func(r *AddRequest) { r.Scope = storage.Scope{UserID: "alice", AgentID: "planner"} })
	f.add(t, "Planner prefers short plans", func(r *AddRequest) { r.Scope = storage.Scope{AgentID: "planner"} })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"user:alice", "user:alice", "agent:planner"}, rec.keys)
}

func TestAdd_IgnoresNeighbourOfOtherPartition(t *testing.T) {
	f := newFixture(t, nil)
	f.gen.On("classify their relationship", `{"classification": "CONTRADICTORY"}`)

	f.add(t, "Planner prefers short plans", func(r *AddRequest) { r.Scope = storage.Scope{UserID: "alice", AgentID: "planner"} })
	res := f.add(t, "Planner prefers short plans", func(r *AddRequest) { r.Scope = storage.Scope{AgentID: "planner"} })
	assert.Equal(t, "ADD", res.Results[0].Event)
}
