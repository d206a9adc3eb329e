package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fademem/fademem/pkg/logger"
)

// Watcher reloads a config file when it changes and hands each valid
// result to the registered callbacks. The parent directory is watched so
// editors that save by rename are noticed too.
type Watcher struct {
	path      string
	overrides map[string]interface{}
	debounce  time.Duration

	fs *fsnotify.Watcher

	mu        sync.Mutex
	callbacks []func(*Config)
	running   bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce collapses bursts of file events into one reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithOverrides re-applies the given overrides (usually CLI flags) on every reload.
func WithOverrides(overrides map[string]interface{}) WatcherOption {
	return func(w *Watcher) { w.overrides = overrides }
}

// NewWatcher creates a watcher for path. Nothing is watched until Watch.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config path is required for watching")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: 300 * time.Millisecond,
		fs:       fsw,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// ConfigPath returns the watched file.
func (w *Watcher) ConfigPath() string { return w.path }

// IsRunning reports whether Watch is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// OnChange registers fn. Callbacks run one after another on the watch
// goroutine, in registration order.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Watch blocks until ctx is done (returning ctx.Err()) or Stop is called
// (returning nil).
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("watcher is already running")
	}
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err, "path", w.path)
		}
	}
}

// reload reads the file with a fresh loader, so keys removed from the file
// fall back to defaults. An invalid file leaves the running config alone.
func (w *Watcher) reload() {
	cfg, err := NewLoader().Load(w.path, w.overrides)
	if err != nil {
		logger.Warn("config reload rejected", "error", err, "path", w.path)
		return
	}
	logger.Info("config reloaded", "path", w.path)

	w.mu.Lock()
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()
	for _, fn := range callbacks {
		notify(fn, cfg)
	}
}

func notify(fn func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("config callback panic", "panic", fmt.Sprint(r))
		}
	}()
	fn(cfg)
}

// Stop ends Watch and releases the fsnotify handle. Safe to call twice.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fs.Close()
	})
	return err
}

// HotReloadableConfig is the part of Config a running process applies
// without a restart. Storage, transport and provider settings are not in it.
type HotReloadableConfig struct {
	LogLevel  string
	Lifecycle LifecycleConfig
	Depth     DepthConfig
	Category  CategoryConfig
	Search    SearchConfig
}

// ExtractHotReloadable extracts hot-reloadable values from Config.
func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	return HotReloadableConfig{
		LogLevel:  cfg.Log.Level,
		Lifecycle: cfg.Lifecycle,
		Depth:     cfg.Depth,
		Category:  cfg.Category,
		Search:    cfg.Search,
	}
}

// Changed reports whether any hot-reloadable value differs.
func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	return h != other
}
