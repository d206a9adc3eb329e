package memory

import (
	"context"
	"testing"
	"time"

	"github.com/fademem/fademem/pkg/decay"
	"github.com/fademem/fademem/pkg/storage"
)

// TestMemoryStorageSuite runs the full storage test suite against MemoryStorage.
func TestMemoryStorageSuite(t *testing.T) {
	suite := &storage.StoreTestSuite{
		NewStore: func(t *testing.T) storage.Store {
			return NewMemoryStorage()
		},
	}

	suite.RunAllTests(t)
}

func TestMemoryStorage_AddCopiesInput(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	mem := &storage.Memory{
		ID:         "m-1",
		Content:    "original",
		UserID:     "alice",
		Metadata:   map[string]any{"nested": map[string]any{"k": "v"}},
		Categories: []string{"facts"},
		Tier:       decay.TierShort,
		Strength:   1,
		CreatedAt:  time.Now(),
	}
	if err := s.AddMemory(ctx, mem); err != nil {
		t.Fatalf("AddMemory failed: %v", err)
	}

	mem.Content = "changed"
	mem.Categories[0] = "changed"
	mem.Metadata["nested"].(map[string]any)["k"] = "changed"

	got, err := s.GetMemory(ctx, "m-1")
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got.Content != "original" {
		t.Errorf("Expected content 'original', got %q", got.Content)
	}
	if got.Categories[0] != "facts" {
		t.Errorf("Expected category 'facts', got %q", got.Categories[0])
	}
	if got.Metadata["nested"].(map[string]any)["k"] != "v" {
		t.Errorf("Expected nested metadata to be copied, got %v", got.Metadata)
	}
}

func TestMemoryStorage_HistoryIsPerMemory(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "a"} {
		err := s.AppendHistory(ctx, &storage.HistoryEvent{
			ID:        storage.NewEventID(),
			MemoryID:  id,
			Event:     storage.EventAdd,
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("AppendHistory failed: %v", err)
		}
	}

	events, _ := s.History(ctx, "a")
	if len(events) != 2 {
		t.Errorf("Expected 2 events for a, got %d", len(events))
	}
	if events[0].ID >= events[1].ID {
		t.Errorf("Expected ascending ids, got %s then %s", events[0].ID, events[1].ID)
	}
}
