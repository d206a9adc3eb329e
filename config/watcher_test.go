package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestWatcher(t *testing.T, body string, opts ...WatcherOption) (*Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fademem.yaml")
	writeConfigFile(t, path, body)
	w, err := NewWatcher(path, append([]WatcherOption{WithDebounce(20 * time.Millisecond)}, opts...)...)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return w, path
}

// startWatch runs Watch in the background and waits until it is running.
func startWatch(t *testing.T, w *Watcher, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()
	deadline := time.Now().Add(time.Second)
	for !w.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return done
}

func TestNewWatcher(t *testing.T) {
	if _, err := NewWatcher(""); err == nil {
		t.Error("expected an error for an empty path")
	}

	w, path := newTestWatcher(t, "app:\n  name: test\n")
	if w.ConfigPath() != path {
		t.Errorf("ConfigPath() = %q, want %q", w.ConfigPath(), path)
	}
	if w.debounce != 20*time.Millisecond {
		t.Errorf("debounce = %v", w.debounce)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	w, path := newTestWatcher(t, "lifecycle:\n  decay_rate_short: 0.1\n")
	got := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { got <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startWatch(t, w, ctx)

	writeConfigFile(t, path, "lifecycle:\n  decay_rate_short: 0.4\nlog:\n  level: debug\n")

	select {
	case cfg := <-got:
		if cfg.Lifecycle.DecayRateShort != 0.4 || cfg.Log.Level != "debug" {
			t.Errorf("reloaded config = %+v / %q", cfg.Lifecycle, cfg.Log.Level)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after write")
	}
}

func TestWatcher_ReloadsOnRenameSave(t *testing.T) {
	w, path := newTestWatcher(t, "search:\n  min_strength: 0.1\n")
	got := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { got <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startWatch(t, w, ctx)

	tmp := path + ".swp"
	writeConfigFile(t, tmp, "search:\n  min_strength: 0.25\n")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-got:
		if cfg.Search.MinStrength != 0.25 {
			t.Errorf("min_strength = %v, want 0.25", cfg.Search.MinStrength)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after rename")
	}
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	w, path := newTestWatcher(t, "app:\n  name: test\n")
	var calls atomic.Int32
	w.OnChange(func(*Config) { calls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startWatch(t, w, ctx)

	writeConfigFile(t, filepath.Join(filepath.Dir(path), "other.yaml"), "x: 1\n")
	time.Sleep(150 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("callback ran %d times for an unrelated file", calls.Load())
	}
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	w, path := newTestWatcher(t, "app:\n  name: test\n", WithDebounce(100*time.Millisecond))
	var calls atomic.Int32
	w.OnChange(func(*Config) { calls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startWatch(t, w, ctx)

	for i := 0; i < 5; i++ {
		writeConfigFile(t, path, "app:\n  name: burst\n")
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(400 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("callback ran %d times, want 1", n)
	}
}

func TestWatcher_StopsOnCancelAndStop(t *testing.T) {
	w, _ := newTestWatcher(t, "app:\n  name: test\n")
	ctx, cancel := context.WithCancel(context.Background())
	done := startWatch(t, w, ctx)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Watch() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}

	w2, _ := newTestWatcher(t, "app:\n  name: test\n")
	done = startWatch(t, w2, context.Background())
	if err := w2.Watch(context.Background()); err == nil {
		t.Error("expected an error for a second concurrent Watch")
	}
	if err := w2.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() after Stop = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after Stop")
	}
	if w2.IsRunning() {
		t.Error("watcher still running after Stop")
	}
	if err := w2.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w, err := NewWatcher("/nonexistent/fademem/config.yaml")
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()
	if err := w.Watch(context.Background()); err == nil {
		t.Error("expected an error watching a missing directory")
	}
}

func TestWatcher_ReloadKeepsOverrides(t *testing.T) {
	w, _ := newTestWatcher(t, "lifecycle:\n  decay_rate_short: 0.3\n",
		WithOverrides(map[string]interface{}{"server.port": 9999}))
	var got *Config
	w.OnChange(func(cfg *Config) { got = cfg })
	w.reload()

	if got == nil {
		t.Fatal("callback not called")
	}
	if got.Server.Port != 9999 {
		t.Errorf("port = %d, want override 9999", got.Server.Port)
	}
	if got.Lifecycle.DecayRateShort != 0.3 {
		t.Errorf("decay_rate_short = %v, want 0.3", got.Lifecycle.DecayRateShort)
	}
}

func TestWatcher_InvalidReloadSkipsCallbacks(t *testing.T) {
	w, _ := newTestWatcher(t, "storage:\n  type: cassandra\n")
	called := false
	w.OnChange(func(*Config) { called = true })
	w.reload()
	if called {
		t.Error("callback ran for an invalid config")
	}
}

func TestWatcher_CallbackPanicIsContained(t *testing.T) {
	w, _ := newTestWatcher(t, "app:\n  name: test\n")
	second := false
	w.OnChange(func(*Config) { panic("boom") })
	w.OnChange(func(*Config) { second = true })
	w.reload()
	if !second {
		t.Error("a panicking callback stopped the ones after it")
	}
}

func TestWatcher_RegisterDuringReload(t *testing.T) {
	w, _ := newTestWatcher(t, "app:\n  name: test\n")
	var late atomic.Int32
	w.OnChange(func(*Config) {
		w.OnChange(func(*Config) { late.Add(1) })
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.OnChange(func(*Config) {})
		}()
	}
	w.reload()
	wg.Wait()
	if got := late.Load(); got != 0 {
		t.Errorf("callback registered mid-reload ran in the same reload (%d)", got)
	}

	w.reload()
	if got := late.Load(); got != 1 {
		t.Errorf("late callback ran %d times on the next reload, want 1", got)
	}
}

func TestHotReloadableConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "debug"
	cfg.Lifecycle.DecayRateShort = 0.5
	cfg.Category.BoostWeight = 0.2

	hot := ExtractHotReloadable(cfg)
	if hot.LogLevel != "debug" || hot.Lifecycle.DecayRateShort != 0.5 || hot.Category.BoostWeight != 0.2 {
		t.Errorf("ExtractHotReloadable() = %+v", hot)
	}

	base := ExtractHotReloadable(DefaultConfig())
	tests := []struct {
		name   string
		mutate func(*HotReloadableConfig)
		want   bool
	}{
		{"unchanged", func(*HotReloadableConfig) {}, false},
		{"log level", func(h *HotReloadableConfig) { h.LogLevel = "debug" }, true},
		{"forgetting threshold", func(h *HotReloadableConfig) { h.Lifecycle.ForgettingThreshold = 0.2 }, true},
		{"min strength", func(h *HotReloadableConfig) { h.Search.MinStrength = 0.3 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := base
			tt.mutate(&other)
			if got := base.Changed(other); got != tt.want {
				t.Errorf("Changed() = %v, want %v", got, tt.want)
			}
		})
	}
}
