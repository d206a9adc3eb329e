package decay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_RunsAndStops(t *testing.T) {
	var calls atomic.Int32
	s := NewScheduler(10*time.Millisecond, func(ctx context.Context) error {
		if calls.Add(1)%2 == 0 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	s.Start(context.Background())
	s.Start(context.Background()) // second start is ignored
	time.Sleep(80 * time.Millisecond)
	s.Stop()

	n := calls.Load()
	if n < 2 {
		t.Fatalf("expected at least 2 passes, got %d", n)
	}
	runs, failures := s.Stats()
	if runs != int64(n) {
		t.Errorf("runs = %d, want %d", runs, n)
	}
	if failures == 0 {
		t.Error("expected failures to be counted")
	}

	time.Sleep(30 * time.Millisecond)
	if calls.Load() != n {
		t.Error("scheduler kept running after Stop")
	}
}

func TestScheduler_DisabledInterval(t *testing.T) {
	s := NewScheduler(0, func(context.Context) error {
		t.Fatal("should not run")
		return nil
	}, nil)
	s.Start(context.Background())
	s.Stop()
}

func TestScheduler_RunOnce(t *testing.T) {
	ran := false
	s := NewScheduler(time.Hour, func(context.Context) error { ran = true; return nil }, nil)
	s.RunOnce(context.Background())
	if !ran {
		t.Error("expected RunOnce to call the function")
	}
}
