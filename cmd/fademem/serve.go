package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fademem/fademem/config"
	"github.com/fademem/fademem/pkg/api"
	"github.com/fademem/fademem/pkg/api/handlers"
	"github.com/fademem/fademem/pkg/decay"
	"github.com/fademem/fademem/pkg/logger"
	"github.com/fademem/fademem/pkg/memory"
	"github.com/fademem/fademem/pkg/telemetry/tracing"
	"github.com/fademem/fademem/pkg/version"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the event stream and the maintenance loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, flags)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, flags *rootFlags) error {
	log := newLogger(cfg)
	log.Info("starting fademem",
		"version", version.Version,
		"git_commit", version.GitCommit,
		"environment", cfg.App.Environment,
		"storage", cfg.Storage.Type,
		"config_file", flags.loadedFrom,
	)

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, tracing.Service{
		Name:        cfg.App.Name,
		Version:     version.Version,
		Environment: cfg.App.Environment,
		Storage:     cfg.Storage.Type,
	})
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	m := newMetrics(cfg.Metrics)
	st, err := buildStack(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
		defer cancel()
		if err := st.close(sctx); err != nil {
			log.Error("error closing engine stack", "error", err)
		}
	}()

	h := &api.Handlers{
		Memory:      handlers.NewMemoryHandler(st.engine, log),
		Category:    handlers.NewCategoryHandler(st.engine, log),
		Maintenance: handlers.NewMaintenanceHandler(st.engine, log),
		Health:      handlers.NewHealthHandler(st.engine),
	}
	if m.Enabled() {
		h.Metrics = m
		if cfg.Metrics.Port == 0 || cfg.Metrics.Port == cfg.Server.Port {
			h.MetricsHandler = m.Handler()
		} else {
			go func() {
				log.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
				if err := m.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
					log.Error("metrics server failed", "error", err)
				}
			}()
		}
	}
	if cfg.Server.WebSocket.Enabled {
		h.WebSocket = handlers.NewWebSocketHandler(log, handlers.WebSocketConfig{
			AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
			MaxConnections: cfg.Server.WebSocket.MaxConnections,
			PingInterval:   cfg.Server.WebSocket.PingInterval,
			PongTimeout:    cfg.Server.WebSocket.PongTimeout,
			Metrics:        m,
		})
		go h.WebSocket.Pump(ctx, st.bus)
		defer h.WebSocket.Close()
	}

	sched := decay.NewScheduler(cfg.Lifecycle.MaintenanceInterval, st.engine.Maintain, log)
	sched.Start(ctx)
	defer sched.Stop()

	if flags.loadedFrom != "" {
		stopWatch := watchConfig(ctx, cfg, flags, st.engine, log)
		defer stopWatch()
	}

	srv := api.NewHTTPServer(cfg, log, h)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	log.Info("fademem is running", "addr", srv.Addr(), "maintenance_interval", cfg.Lifecycle.MaintenanceInterval)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error("HTTP shutdown failed", "error", err)
	}
	runs, failures := sched.Stats()
	log.Info("fademem stopped", "maintenance_runs", runs, "maintenance_failures", failures)
	return nil
}

// watchConfig applies the hot-reloadable sections of a changed config file
// to the running engine. The returned func stops watching.
func watchConfig(ctx context.Context, cfg *config.Config, flags *rootFlags, eng *memory.Engine, log logger.Logger) func() {
	w, err := config.NewWatcher(flags.loadedFrom, config.WithOverrides(flags.overrides()))
	if err != nil {
		log.Warn("config hot reload disabled", "error", err)
		return func() {}
	}
	current := config.ExtractHotReloadable(cfg)
	w.OnChange(func(next *config.Config) {
		hot := config.ExtractHotReloadable(next)
		if !current.Changed(hot) {
			return
		}
		current = hot
		log.SetLevel(logger.ParseLevel(next.Log.Level))
		eng.SetConfig(memory.FromConfig(next))
		log.Info("engine tunables reloaded", "path", flags.loadedFrom, "log_level", next.Log.Level)
	})
	go func() {
		if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("config watcher stopped", "error", err)
		}
	}()
	return func() { _ = w.Stop() }
}
