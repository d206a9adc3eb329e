package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fademem/fademem/pkg/decay"
	"github.com/fademem/fademem/pkg/filter"
)

// StoreTestSuite defines a conformance suite that can be run against any
// Store implementation.
type StoreTestSuite struct {
	NewStore func(t *testing.T) Store
}

// RunAllTests runs every conformance test against a fresh store.
func (s *StoreTestSuite) RunAllTests(t *testing.T) {
	t.Run("MemoryCRUD", s.TestMemoryCRUD)
	t.Run("DuplicateAdd", s.TestDuplicateAdd)
	t.Run("MemoryNotFound", s.TestMemoryNotFound)
	t.Run("CompareAndUpdate", s.TestCompareAndUpdate)
	t.Run("IncrementAccess", s.TestIncrementAccess)
	t.Run("TombstoneAndPurge", s.TestTombstoneAndPurge)
	t.Run("HardDelete", s.TestHardDelete)
	t.Run("ListMemoriesQuery", s.TestListMemoriesQuery)
	t.Run("History", s.TestHistory)
	t.Run("DecayRuns", s.TestDecayRuns)
	t.Run("CategoryCRUD", s.TestCategoryCRUD)
	t.Run("Reset", s.TestReset)
	t.Run("ConcurrentAccess", s.TestConcurrentAccess)
}

func sampleMemory(id, user string, created time.Time) *Memory {
	return &Memory{
		ID:           id,
		Content:      "content of " + id,
		UserID:       user,
		Metadata:     map[string]any{"source": "test", "tags": []any{"a", "b"}},
		Categories:   []string{"facts"},
		Tier:         decay.TierShort,
		Strength:     1.0,
		LastAccessed: created,
		CreatedAt:    created,
		UpdatedAt:    created,
		Embedding:    []float64{0.1, 0.2, 0.3},
	}
}

// TestMemoryCRUD tests add, get and update of a memory.
func (s *StoreTestSuite) TestMemoryCRUD(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	exp := now.Add(48 * time.Hour).Truncate(24 * time.Hour)
	m := sampleMemory("m-1", "alice", now)
	m.AgentID = "agent-7"
	m.Immutable = true
	m.ExpirationDate = &exp

	if err := store.AddMemory(ctx, m); err != nil {
		t.Fatalf("AddMemory failed: %v", err)
	}

	got, err := store.GetMemory(ctx, "m-1")
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got.Content != m.Content {
		t.Errorf("expected content %q, got %q", m.Content, got.Content)
	}
	if got.UserID != "alice" || got.AgentID != "agent-7" {
		t.Errorf("unexpected scope: %+v", got.Scope())
	}
	if got.Tier != decay.TierShort || got.Strength != 1.0 {
		t.Errorf("unexpected lifecycle state: tier=%s strength=%v", got.Tier, got.Strength)
	}
	if !got.Immutable {
		t.Error("expected immutable flag to round trip")
	}
	if got.ExpirationDate == nil || !got.ExpirationDate.Equal(exp) {
		t.Errorf("expected expiration %v, got %v", exp, got.ExpirationDate)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("expected updated_at %v, got %v", now, got.UpdatedAt)
	}
	if got.Metadata["source"] != "test" {
		t.Errorf("expected metadata to round trip, got %v", got.Metadata)
	}
	if len(got.Embedding) != 3 || got.Embedding[2] != 0.3 {
		t.Errorf("expected embedding to round trip, got %v", got.Embedding)
	}
	if len(got.Categories) != 1 || got.Categories[0] != "facts" {
		t.Errorf("expected categories [facts], got %v", got.Categories)
	}

	// Returned records must not alias stored state.
	got.Content = "mutated"
	again, _ := store.GetMemory(ctx, "m-1")
	if again.Content != m.Content {
		t.Error("mutating a returned record changed the store")
	}

	got.Content = "updated content"
	got.Strength = 0.6
	got.Tier = decay.TierLong
	got.UpdatedAt = now.Add(time.Minute)
	if err := store.UpdateMemory(ctx, got); err != nil {
		t.Fatalf("UpdateMemory failed: %v", err)
	}
	updated, err := store.GetMemory(ctx, "m-1")
	if err != nil {
		t.Fatalf("GetMemory after update failed: %v", err)
	}
	if updated.Content != "updated content" || updated.Strength != 0.6 || updated.Tier != decay.TierLong {
		t.Errorf("update not applied: %+v", updated)
	}
}

// TestDuplicateAdd tests that adding an existing id fails.
func (s *StoreTestSuite) TestDuplicateAdd(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	m := sampleMemory("dup", "alice", time.Now().UTC())
	if err := store.AddMemory(ctx, m); err != nil {
		t.Fatalf("AddMemory failed: %v", err)
	}
	err := store.AddMemory(ctx, m)
	if _, ok := err.(*DuplicateKeyError); !ok {
		t.Errorf("expected DuplicateKeyError, got %T: %v", err, err)
	}
}

// TestMemoryNotFound tests the not-found paths of every memory operation.
func (s *StoreTestSuite) TestMemoryNotFound(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	if _, err := store.GetMemory(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("GetMemory: expected NotFoundError, got %v", err)
	}
	if err := store.UpdateMemory(ctx, sampleMemory("missing", "u", time.Now())); !IsNotFound(err) {
		t.Errorf("UpdateMemory: expected NotFoundError, got %v", err)
	}
	if _, err := store.IncrementAccess(ctx, "missing", time.Now()); !IsNotFound(err) {
		t.Errorf("IncrementAccess: expected NotFoundError, got %v", err)
	}
	if err := store.DeleteMemory(ctx, "missing", true); !IsNotFound(err) {
		t.Errorf("DeleteMemory: expected NotFoundError, got %v", err)
	}
	err := store.CompareAndUpdateMemory(ctx, sampleMemory("missing", "u", time.Now()), time.Now())
	if !IsNotFound(err) {
		t.Errorf("CompareAndUpdateMemory: expected NotFoundError, got %v", err)
	}
}

// TestCompareAndUpdate tests the conditional write used by maintenance.
func (s *StoreTestSuite) TestCompareAndUpdate(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	created := time.Now().UTC().Add(-time.Hour)
	if err := store.AddMemory(ctx, sampleMemory("cas", "alice", created)); err != nil {
		t.Fatalf("AddMemory failed: %v", err)
	}
	snapshot, err := store.GetMemory(ctx, "cas")
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}

	// A concurrent access moves updated_at forward.
	if _, err := store.IncrementAccess(ctx, "cas", time.Now().UTC()); err != nil {
		t.Fatalf("IncrementAccess failed: %v", err)
	}

	stale := snapshot.Clone()
	stale.Strength = 0.4
	err = store.CompareAndUpdateMemory(ctx, stale, snapshot.UpdatedAt)
	if !IsConflict(err) {
		t.Fatalf("expected ConflictError for stale write, got %v", err)
	}

	fresh, _ := store.GetMemory(ctx, "cas")
	if fresh.Strength != 1.0 || fresh.AccessCount != 1 {
		t.Errorf("stale write leaked: %+v", fresh)
	}

	next := fresh.Clone()
	next.Strength = 0.4
	next.UpdatedAt = time.Now().UTC()
	if err := store.CompareAndUpdateMemory(ctx, next, fresh.UpdatedAt); err != nil {
		t.Fatalf("CompareAndUpdateMemory failed: %v", err)
	}
	final, _ := store.GetMemory(ctx, "cas")
	if final.Strength != 0.4 || final.AccessCount != 1 {
		t.Errorf("expected strength 0.4 and access 1, got %v and %d", final.Strength, final.AccessCount)
	}
}

// TestIncrementAccess tests the access bump.
func (s *StoreTestSuite) TestIncrementAccess(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	created := time.Now().UTC().Add(-24 * time.Hour)
	if err := store.AddMemory(ctx, sampleMemory("acc", "alice", created)); err != nil {
		t.Fatalf("AddMemory failed: %v", err)
	}
	at := time.Now().UTC()
	m, err := store.IncrementAccess(ctx, "acc", at)
	if err != nil {
		t.Fatalf("IncrementAccess failed: %v", err)
	}
	if m.AccessCount != 1 {
		t.Errorf("expected access count 1, got %d", m.AccessCount)
	}
	if !m.LastAccessed.Equal(at) || !m.UpdatedAt.Equal(at) {
		t.Errorf("expected last_accessed and updated_at %v, got %v and %v", at, m.LastAccessed, m.UpdatedAt)
	}
	if _, err := store.IncrementAccess(ctx, "acc", at.Add(time.Second)); err != nil {
		t.Fatalf("IncrementAccess failed: %v", err)
	}
	got, _ := store.GetMemory(ctx, "acc")
	if got.AccessCount != 2 {
		t.Errorf("expected access count 2, got %d", got.AccessCount)
	}

	// An access at a time that is not after the current stamp must still
	// invalidate writers holding that stamp.
	stale := got.Clone()
	again, err := store.IncrementAccess(ctx, "acc", got.UpdatedAt)
	if err != nil {
		t.Fatalf("IncrementAccess failed: %v", err)
	}
	if !again.UpdatedAt.After(got.UpdatedAt) {
		t.Errorf("expected updated_at after %v, got %v", got.UpdatedAt, again.UpdatedAt)
	}
	stale.Strength = 0.2
	if err := store.CompareAndUpdateMemory(ctx, stale, got.UpdatedAt); !IsConflict(err) {
		t.Errorf("expected ConflictError after a same-instant access, got %v", err)
	}
}

// TestTombstoneAndPurge tests that tombstoned records vanish from reads and
// are reclaimed by a purge.
func (s *StoreTestSuite) TestTombstoneAndPurge(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{"t-1", "t-2", "t-3"} {
		if err := store.AddMemory(ctx, sampleMemory(id, "alice", now)); err != nil {
			t.Fatalf("AddMemory failed: %v", err)
		}
	}
	if err := store.DeleteMemory(ctx, "t-2", true); err != nil {
		t.Fatalf("DeleteMemory failed: %v", err)
	}

	if _, err := store.GetMemory(ctx, "t-2"); !IsNotFound(err) {
		t.Errorf("expected tombstoned record to be not found, got %v", err)
	}
	if _, err := store.IncrementAccess(ctx, "t-2", now); !IsNotFound(err) {
		t.Errorf("expected IncrementAccess on tombstone to fail, got %v", err)
	}
	if err := store.DeleteMemory(ctx, "t-2", true); !IsNotFound(err) {
		t.Errorf("expected second delete to fail, got %v", err)
	}
	list, err := store.ListMemories(ctx, nil)
	if err != nil {
		t.Fatalf("ListMemories failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 live memories, got %d", len(list))
	}

	// The id stays reserved until purged.
	if err := store.AddMemory(ctx, sampleMemory("t-2", "alice", now)); err == nil {
		t.Error("expected add over a tombstone to fail")
	}

	n, err := store.PurgeTombstoned(ctx)
	if err != nil {
		t.Fatalf("PurgeTombstoned failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged record, got %d", n)
	}
	n, _ = store.PurgeTombstoned(ctx)
	if n != 0 {
		t.Errorf("expected second purge to reclaim nothing, got %d", n)
	}
	if err := store.AddMemory(ctx, sampleMemory("t-2", "alice", now)); err != nil {
		t.Errorf("expected id to be free after purge: %v", err)
	}
}

// TestHardDelete tests physical removal.
func (s *StoreTestSuite) TestHardDelete(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.AddMemory(ctx, sampleMemory("h-1", "alice", time.Now().UTC())); err != nil {
		t.Fatalf("AddMemory failed: %v", err)
	}
	if err := store.DeleteMemory(ctx, "h-1", false); err != nil {
		t.Fatalf("DeleteMemory failed: %v", err)
	}
	if _, err := store.GetMemory(ctx, "h-1"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
	if n, _ := store.PurgeTombstoned(ctx); n != 0 {
		t.Errorf("hard delete should leave nothing to purge, got %d", n)
	}
}

// TestListMemoriesQuery tests every query dimension and the result order.
func (s *StoreTestSuite) TestListMemoriesQuery(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	records := []*Memory{
		sampleMemory("q-1", "alice", base),
		sampleMemory("q-2", "alice", base.Add(time.Second)),
		sampleMemory("q-3", "bob", base.Add(2*time.Second)),
		sampleMemory("q-4", "alice", base.Add(3*time.Second)),
	}
	records[1].Tier = decay.TierLong
	records[1].Strength = 0.2
	records[2].Categories = []string{"preferences"}
	records[3].AgentID = "agent-1"
	records[3].Metadata = map[string]any{"source": "import", "importance": 0.9}
	for _, m := range records {
		if err := store.AddMemory(ctx, m); err != nil {
			t.Fatalf("AddMemory failed: %v", err)
		}
	}

	ids := func(q *MemoryQuery) []string {
		t.Helper()
		list, err := store.ListMemories(ctx, q)
		if err != nil {
			t.Fatalf("ListMemories failed: %v", err)
		}
		out := make([]string, len(list))
		for i, m := range list {
			out[i] = m.ID
		}
		return out
	}
	expect := func(name string, got []string, want ...string) {
		t.Helper()
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("%s: expected %v, got %v", name, want, got)
		}
	}

	expect("all", ids(nil), "q-1", "q-2", "q-3", "q-4")
	expect("scope", ids(&MemoryQuery{Scope: Scope{UserID: "alice"}}), "q-1", "q-2", "q-4")
	expect("nested scope", ids(&MemoryQuery{Scope: Scope{UserID: "alice", AgentID: "agent-1"}}), "q-4")
	expect("tier", ids(&MemoryQuery{Tier: string(decay.TierLong)}), "q-2")
	expect("min strength", ids(&MemoryQuery{MinStrength: 0.5}), "q-1", "q-3", "q-4")
	expect("categories", ids(&MemoryQuery{Categories: []string{"preferences", "nope"}}), "q-3")
	expect("filter", ids(&MemoryQuery{Filter: filter.Filter{"importance": map[string]any{"gte": 0.5}}}), "q-4")
	expect("filter on core field", ids(&MemoryQuery{Filter: filter.Eq("user_id", "bob")}), "q-3")
	expect("limit", ids(&MemoryQuery{Scope: Scope{UserID: "alice"}, Limit: 2}), "q-1", "q-2")
}

// TestHistory tests the append-only event log.
func (s *StoreTestSuite) TestHistory(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	old, next := 1.0, 0.8
	events := []*HistoryEvent{
		{MemoryID: "m-1", Event: EventAdd, NewValue: "hello", NewStrength: &old, NewTier: decay.TierShort},
		{MemoryID: "m-2", Event: EventAdd, NewValue: "other"},
		{MemoryID: "m-1", Event: EventDecay, OldStrength: &old, NewStrength: &next},
		{MemoryID: "m-1", Event: EventPromote, OldTier: decay.TierShort, NewTier: decay.TierLong},
	}
	for _, e := range events {
		e.ID = NewEventID()
		e.CreatedAt = time.Now().UTC()
		if err := store.AppendHistory(ctx, e); err != nil {
			t.Fatalf("AppendHistory failed: %v", err)
		}
	}

	got, err := store.History(ctx, "m-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	want := []EventType{EventAdd, EventDecay, EventPromote}
	for i, e := range got {
		if e.Event != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], e.Event)
		}
	}
	if got[1].OldStrength == nil || *got[1].OldStrength != 1.0 || *got[1].NewStrength != 0.8 {
		t.Errorf("unexpected strengths on decay event: %+v", got[1])
	}
	if got[2].NewTier != decay.TierLong {
		t.Errorf("expected promote to long, got %s", got[2].NewTier)
	}

	empty, err := store.History(ctx, "never")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no events, got %d", len(empty))
	}
}

// TestDecayRuns tests the maintenance log, newest first.
func (s *StoreTestSuite) TestDecayRuns(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		run := &DecayRun{
			ID:        NewEventID(),
			RunAt:     time.Now().UTC(),
			Decayed:   i + 1,
			Forgotten: i,
		}
		if err := store.RecordDecayRun(ctx, run); err != nil {
			t.Fatalf("RecordDecayRun failed: %v", err)
		}
	}

	runs, err := store.DecayRuns(ctx, 2)
	if err != nil {
		t.Fatalf("DecayRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Decayed != 3 || runs[1].Decayed != 2 {
		t.Errorf("expected newest first, got %d then %d", runs[0].Decayed, runs[1].Decayed)
	}

	all, _ := store.DecayRuns(ctx, 0)
	if len(all) != 3 {
		t.Errorf("expected all 3 runs without a limit, got %d", len(all))
	}
}

// TestCategoryCRUD tests the category collection.
func (s *StoreTestSuite) TestCategoryCRUD(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	parent := &Category{
		ID:          "facts",
		Name:        "Facts & Knowledge",
		Description: "Factual information",
		Type:        CategoryFact,
		ChildrenIDs: []string{"cat_0000abcd"},
		Keywords:    []string{"facts", "knowledge"},
		Strength:    1.0,
		CreatedAt:   now,
	}
	child := &Category{
		ID:            "cat_0000abcd",
		Name:          "Go Tooling",
		Type:          CategoryDynamic,
		ParentID:      "facts",
		MemoryCount:   2,
		TotalStrength: 1.5,
		LastAccessed:  &now,
		Embedding:     []float64{1, 0},
		Strength:      0.8,
		CreatedAt:     now,
	}
	for _, c := range []*Category{parent, child} {
		if err := store.SaveCategory(ctx, c); err != nil {
			t.Fatalf("SaveCategory failed: %v", err)
		}
	}

	got, err := store.GetCategory(ctx, "cat_0000abcd")
	if err != nil {
		t.Fatalf("GetCategory failed: %v", err)
	}
	if got.ParentID != "facts" || got.MemoryCount != 2 || got.AvgStrength() != 0.75 {
		t.Errorf("unexpected category: %+v", got)
	}
	if got.LastAccessed == nil || !got.LastAccessed.Equal(now) {
		t.Errorf("expected last_accessed %v, got %v", now, got.LastAccessed)
	}

	got.Summary = "Go build tools"
	if err := store.SaveCategory(ctx, got); err != nil {
		t.Fatalf("SaveCategory (upsert) failed: %v", err)
	}

	list, err := store.ListCategories(ctx)
	if err != nil {
		t.Fatalf("ListCategories failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "cat_0000abcd" || list[1].ID != "facts" {
		t.Fatalf("expected categories sorted by id, got %d", len(list))
	}
	if list[0].Summary != "Go build tools" {
		t.Errorf("expected upserted summary, got %q", list[0].Summary)
	}

	if err := store.DeleteCategory(ctx, "cat_0000abcd"); err != nil {
		t.Fatalf("DeleteCategory failed: %v", err)
	}
	if _, err := store.GetCategory(ctx, "cat_0000abcd"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
	if err := store.DeleteCategory(ctx, "cat_0000abcd"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError on second delete, got %v", err)
	}
}

// TestReset tests that Reset clears every collection.
func (s *StoreTestSuite) TestReset(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	if err := store.AddMemory(ctx, sampleMemory("r-1", "alice", now)); err != nil {
		t.Fatalf("AddMemory failed: %v", err)
	}
	_ = store.AppendHistory(ctx, &HistoryEvent{ID: NewEventID(), MemoryID: "r-1", Event: EventAdd, CreatedAt: now})
	_ = store.RecordDecayRun(ctx, &DecayRun{ID: NewEventID(), RunAt: now})
	_ = store.SaveCategory(ctx, &Category{ID: "facts", Name: "Facts", Type: CategoryFact, CreatedAt: now})

	if err := store.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	if list, _ := store.ListMemories(ctx, nil); len(list) != 0 {
		t.Errorf("expected no memories, got %d", len(list))
	}
	if hist, _ := store.History(ctx, "r-1"); len(hist) != 0 {
		t.Errorf("expected no history, got %d", len(hist))
	}
	if runs, _ := store.DecayRuns(ctx, 0); len(runs) != 0 {
		t.Errorf("expected no decay runs, got %d", len(runs))
	}
	if cats, _ := store.ListCategories(ctx); len(cats) != 0 {
		t.Errorf("expected no categories, got %d", len(cats))
	}
}

// TestConcurrentAccess tests that concurrent access bumps are not lost.
func (s *StoreTestSuite) TestConcurrentAccess(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.AddMemory(ctx, sampleMemory("c-1", "alice", time.Now().UTC())); err != nil {
		t.Fatalf("AddMemory failed: %v", err)
	}

	const workers = 10
	const bumps = 5
	var wg sync.WaitGroup
	errCh := make(chan error, workers*bumps)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < bumps; j++ {
				if _, err := store.IncrementAccess(ctx, "c-1", time.Now().UTC()); err != nil {
					errCh <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent IncrementAccess failed: %v", err)
	}

	got, err := store.GetMemory(ctx, "c-1")
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got.AccessCount != workers*bumps {
		t.Errorf("expected access count %d, got %d", workers*bumps, got.AccessCount)
	}
}
