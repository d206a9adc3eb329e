package memory

import (
	"time"

	"github.com/fademem/fademem/config"
	"github.com/fademem/fademem/pkg/category"
	"github.com/fademem/fademem/pkg/conflict"
	"github.com/fademem/fademem/pkg/decay"
	"github.com/fademem/fademem/pkg/depth"
	"github.com/fademem/fademem/pkg/events"
	"github.com/fademem/fademem/pkg/fusion"
	"github.com/fademem/fademem/pkg/lexical"
	"github.com/fademem/fademem/pkg/logger"
	"github.com/fademem/fademem/pkg/metrics"
	"github.com/fademem/fademem/pkg/retrieval"
	"github.com/fademem/fademem/pkg/scopelock"
	"github.com/fademem/fademem/pkg/workpool"
)

// Config holds the engine tunables.
type Config struct {
	Decay            decay.Params
	EnableForgetting bool
	UseTombstones    bool

	EnableConflictResolution bool
	ConflictThreshold        float64
	SubsumedBoost            float64

	EnableFusion    bool
	AutoFusion      bool
	FusionThreshold float64
	FusionBoost     float64

	DepthEnabled         bool
	Depth                depth.Options
	ReprocessOnAccess    bool
	ReprocessThreshold   int
	UseQuestionEmbedding bool

	CategoriesEnabled bool
	AutoCategorize    bool
	CategoryDecay     bool
	Category          category.Config
	CategoryBoost     float64
	CrossBoost        float64

	DefaultLimit  int
	MinStrength   float64
	StrengthFloor float64
	KeywordSearch bool
	BoostOnAccess bool
}

// FromConfig maps the lifecycle, depth, category and search sections.
func FromConfig(cfg *config.Config) Config {
	lc := cfg.Lifecycle
	return Config{
		Decay:            decay.FromConfig(lc),
		EnableForgetting: lc.EnableForgetting,
		UseTombstones:    lc.UseTombstones,

		EnableConflictResolution: lc.EnableConflictResolution,
		ConflictThreshold:        lc.ConflictSimilarityThreshold,
		SubsumedBoost:            lc.SubsumedBoost,

		EnableFusion:    lc.EnableFusion,
		AutoFusion:      lc.AutoFusion,
		FusionThreshold: lc.FusionSimilarityThreshold,
		FusionBoost:     lc.FusionBoost,

		DepthEnabled:         cfg.Depth.Enabled,
		Depth:                depth.OptionsFromConfig(cfg.Depth),
		ReprocessOnAccess:    cfg.Depth.ReprocessOnAccess,
		ReprocessThreshold:   cfg.Depth.ReprocessThreshold,
		UseQuestionEmbedding: cfg.Depth.UseQuestionEmbedding,

		CategoriesEnabled: cfg.Category.Enabled,
		AutoCategorize:    cfg.Category.AutoCategorize,
		CategoryDecay:     cfg.Category.EnableDecay,
		Category:          category.FromConfig(cfg.Category),
		CategoryBoost:     cfg.Category.BoostWeight,
		CrossBoost:        cfg.Category.CrossBoost,

		DefaultLimit:  cfg.Search.DefaultLimit,
		MinStrength:   cfg.Search.MinStrength,
		StrengthFloor: cfg.Search.StrengthFloor,
		KeywordSearch: cfg.Search.KeywordSearch,
		BoostOnAccess: cfg.Search.BoostOnAccess,
	}
}

// DefaultConfig returns the tunables of config.DefaultConfig.
func DefaultConfig() Config {
	return FromConfig(config.DefaultConfig())
}

func (c Config) normalized() Config {
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 100
	}
	if c.SubsumedBoost <= 0 {
		c.SubsumedBoost = conflict.DefaultSubsumedBoost
	}
	if c.FusionBoost < 1 {
		c.FusionBoost = fusion.DefaultBoost
	}
	if c.StrengthFloor <= 0 {
		c.StrengthFloor = retrieval.DefaultStrengthFloor
	}
	if c.ReprocessThreshold <= 0 {
		c.ReprocessThreshold = 3
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics sets the metrics manager.
func WithMetrics(m *metrics.Manager) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithLocker replaces the in-process scope locks, e.g. with Redis locks
// shared by several engine processes.
func WithLocker(l scopelock.Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithBus publishes lifecycle events on bus.
func WithBus(bus events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLexical enables keyword search through idx.
func WithLexical(idx lexical.Index) Option {
	return func(e *Engine) { e.lexical = idx }
}

// WithAccessPool runs search access bumps on pool. Without a pool they run
// after the ranking on the calling goroutine.
func WithAccessPool(pool *workpool.Pool) Option {
	return func(e *Engine) { e.pool = pool }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSnapshotPath saves the vector index to path on Stop.
func WithSnapshotPath(path string) Option {
	return func(e *Engine) { e.snapshotPath = path }
}
