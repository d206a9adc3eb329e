package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fademem/fademem/config"
	"github.com/fademem/fademem/pkg/events"
	"github.com/fademem/fademem/pkg/lexical"
	"github.com/fademem/fademem/pkg/llm"
	"github.com/fademem/fademem/pkg/logger"
	"github.com/fademem/fademem/pkg/memory"
	"github.com/fademem/fademem/pkg/metrics"
	"github.com/fademem/fademem/pkg/scopelock"
	"github.com/fademem/fademem/pkg/storage"
	"github.com/fademem/fademem/pkg/storage/badger"
	memstore "github.com/fademem/fademem/pkg/storage/memory"
	"github.com/fademem/fademem/pkg/storage/sqlite"
	"github.com/fademem/fademem/pkg/vectorindex"
	"github.com/fademem/fademem/pkg/workpool"
)

// stack is everything an engine needs, in the order it must be torn down.
type stack struct {
	log     logger.Logger
	store   storage.Store
	redis   *redis.Client
	bus     events.Bus
	lexical lexical.Index
	pool    *workpool.Pool
	metrics *metrics.Manager
	engine  *memory.Engine
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return memstore.NewMemoryStorage(), nil
	case "badger":
		return badger.NewBadgerStorage(badger.ConfigFrom(cfg.Badger))
	case "sqlite":
		return sqlite.New(cfg.SQLite)
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
}

func newMetrics(cfg config.MetricsConfig) *metrics.Manager {
	mc := metrics.DefaultConfig()
	mc.Enabled = cfg.Enabled
	mc.Port = cfg.Port
	mc.Path = cfg.Path
	return metrics.NewManager(mc)
}

// buildStack opens the store and the shared infrastructure and starts an
// engine over them. On error everything opened so far is closed.
func buildStack(ctx context.Context, cfg *config.Config, log logger.Logger, m *metrics.Manager) (_ *stack, err error) {
	s := &stack{log: log, metrics: m}
	defer func() {
		if err != nil {
			_ = s.close(context.Background())
		}
	}()

	if s.store, err = openStore(cfg.Storage); err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Type, err)
	}
	log.Info("storage opened", "type", cfg.Storage.Type)

	if cfg.Lock.Type == "redis" || cfg.Events.Type == "redis" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err = s.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Address, err)
		}
	}
	var cmdable redis.Cmdable
	var busClient events.RedisClient
	if s.redis != nil {
		cmdable, busClient = s.redis, s.redis
	}

	locker, err := scopelock.New(cfg.Lock, cmdable, cfg.Redis.KeyPrefix, log)
	if err != nil {
		return nil, err
	}
	if s.bus, err = events.New(cfg.Events, busClient, log); err != nil {
		return nil, err
	}
	if rb, ok := s.bus.(*events.RedisBus); ok {
		if err = rb.Start(ctx); err != nil {
			return nil, fmt.Errorf("start event bus: %w", err)
		}
	}

	gen, err := llm.NewGenerator(cfg.LLM)
	if err != nil {
		return nil, err
	}
	emb, err := llm.NewEmbedder(cfg.Embedder)
	if err != nil {
		return nil, err
	}
	gen = llm.InstrumentGenerator(gen, m)
	emb = llm.InstrumentEmbedder(emb, m)

	var index vectorindex.Index
	if cfg.VectorIndex.Dimension > 0 {
		flat, recreated, err := vectorindex.Open(cfg.VectorIndex.SnapshotPath, cfg.VectorIndex.Dimension)
		if err != nil {
			return nil, fmt.Errorf("open vector index: %w", err)
		}
		if recreated {
			log.Warn("vector index snapshot had a different dimension, rebuilding",
				"path", cfg.VectorIndex.SnapshotPath)
		}
		index = flat
	}

	opts := []memory.Option{
		memory.WithLogger(log),
		memory.WithMetrics(m),
		memory.WithLocker(locker),
		memory.WithBus(s.bus),
		memory.WithSnapshotPath(cfg.VectorIndex.SnapshotPath),
	}
	if cfg.Search.KeywordSearch {
		if s.lexical, err = lexical.New(cfg.Lexical); err != nil {
			return nil, fmt.Errorf("open keyword index: %w", err)
		}
		opts = append(opts, memory.WithLexical(s.lexical))
	}
	if cfg.Search.BoostOnAccess {
		s.pool = workpool.New(cfg.Search.AccessWorkers, cfg.Search.AccessQueue, log)
		s.pool.Start()
		opts = append(opts, memory.WithAccessPool(s.pool))
	}

	s.engine = memory.NewEngine(s.store, index, gen, emb, memory.FromConfig(cfg), opts...)
	if err = s.engine.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// close stops the engine and releases everything in reverse order of
// construction.
func (s *stack) close(ctx context.Context) error {
	var errs []error
	if s.engine != nil {
		errs = append(errs, s.engine.Stop(ctx))
	}
	if s.pool != nil {
		s.pool.Stop(true)
	}
	if s.lexical != nil {
		errs = append(errs, s.lexical.Close())
	}
	if s.bus != nil {
		errs = append(errs, s.bus.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
