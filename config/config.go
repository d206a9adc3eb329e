// Package config provides configuration management for fademem.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for fademem.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP API configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Storage selects and configures the durable record store.
	Storage StorageConfig `mapstructure:"storage"`

	// Redis is the shared Redis connection used by the lock and event bus.
	Redis RedisConfig `mapstructure:"redis"`

	// Lock configures per-scope write serialization.
	Lock LockConfig `mapstructure:"lock"`

	// Events configures lifecycle event fan-out.
	Events EventsConfig `mapstructure:"events"`

	// LLM configures the text generator.
	LLM LLMConfig `mapstructure:"llm"`

	// Embedder configures the embedding backend.
	Embedder EmbedderConfig `mapstructure:"embedder"`

	// VectorIndex configures the similarity index.
	VectorIndex VectorIndexConfig `mapstructure:"vector_index"`

	// Lexical configures the optional keyword index.
	Lexical LexicalConfig `mapstructure:"lexical"`

	// Lifecycle holds decay, promotion, conflict and fusion tunables.
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`

	// Depth holds depth assessment tunables.
	Depth DepthConfig `mapstructure:"depth"`

	// Category holds category hierarchy tunables.
	Category CategoryConfig `mapstructure:"category"`

	// Search holds retrieval defaults.
	Search SearchConfig `mapstructure:"search"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP holds timeouts for the HTTP server.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`

	// WebSocket configures the /ws/events stream.
	WebSocket WebSocketConfig `mapstructure:"websocket"`

	// RateLimit configures per-client request throttling.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// HTTPConfig holds HTTP server timeouts.
type HTTPConfig struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RequestTimeout bounds a single request including its LLM round-trips.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes" validate:"gte=0"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age" validate:"gte=0"`
}

// WebSocketConfig holds event stream settings.
type WebSocketConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxConnections int           `mapstructure:"max_connections" validate:"gte=0"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
}

// RateLimitConfig holds per-client token bucket settings.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" validate:"gte=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`

	// AddSource adds caller file:line to each record.
	AddSource bool `mapstructure:"add_source"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Type is the store backend (memory, badger, sqlite).
	Type string `mapstructure:"type" validate:"oneof=memory badger sqlite"`

	// Badger holds Badger-specific settings.
	Badger BadgerConfig `mapstructure:"badger"`

	// SQLite holds SQLite-specific settings.
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// BadgerConfig holds Badger storage settings.
type BadgerConfig struct {
	// Path is the directory for Badger data files.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size" validate:"gte=0"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep" validate:"gte=0"`
}

// SQLiteConfig holds SQLite storage settings.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" keeps everything in process.
	Path string `mapstructure:"path"`

	// BusyTimeout is applied through the busy_timeout pragma.
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LockConfig holds scope lock settings.
type LockConfig struct {
	// Type is the lock backend (local, redis).
	Type string `mapstructure:"type" validate:"oneof=local redis"`

	// TTL bounds how long a Redis lock survives a crashed holder.
	TTL time.Duration `mapstructure:"ttl"`

	// RetryInterval is the delay between Redis acquisition attempts.
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// EventsConfig holds lifecycle event bus settings.
type EventsConfig struct {
	// Type is the bus backend (local, redis).
	Type string `mapstructure:"type" validate:"oneof=local redis"`

	// Channel is the Redis pub/sub channel name.
	Channel string `mapstructure:"channel"`

	// BufferSize is the per-subscriber buffer.
	BufferSize int `mapstructure:"buffer_size" validate:"min=1"`
}

// LLMConfig configures the text generator.
type LLMConfig struct {
	// Provider is the generator backend (mock, ollama, openai).
	Provider string `mapstructure:"provider" validate:"oneof=mock ollama openai"`

	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`

	Temperature float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `mapstructure:"max_tokens" validate:"gte=0"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// RateLimit caps generator calls per second; 0 disables throttling.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`
	Burst     int     `mapstructure:"burst" validate:"gte=0"`
}

// EmbedderConfig configures the embedding backend.
type EmbedderConfig struct {
	// Provider is the embedding backend (hash, ollama, openai).
	Provider string `mapstructure:"provider" validate:"oneof=hash ollama openai"`

	Model   string        `mapstructure:"model"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`

	// Dimensions is used by the hash embedder and asked of providers that accept it.
	Dimensions int `mapstructure:"dimensions" validate:"gte=0"`

	// CacheSize is the number of cached vectors; 0 disables caching.
	CacheSize int `mapstructure:"cache_size" validate:"gte=0"`
}

// VectorIndexConfig configures the similarity index.
type VectorIndexConfig struct {
	// SnapshotPath persists the index between runs; empty keeps it in memory only.
	SnapshotPath string `mapstructure:"snapshot_path"`

	// Dimension pins the vector size; 0 asks the embedder at start.
	Dimension int `mapstructure:"dimension" validate:"gte=0"`
}

// LexicalConfig configures the keyword index used by keyword search.
type LexicalConfig struct {
	// Type is the index implementation (bm25, bleve).
	Type string `mapstructure:"type" validate:"oneof=bm25 bleve"`

	K1 float64 `mapstructure:"k1" validate:"gt=0"`
	B  float64 `mapstructure:"b" validate:"gte=0,lte=1"`

	// Path is the bleve index directory; empty keeps the index in memory.
	Path string `mapstructure:"path"`
}

// LifecycleConfig holds the memory decay model and reconciliation tunables.
type LifecycleConfig struct {
	EnableForgetting bool `mapstructure:"enable_forgetting"`

	DecayRateShort  float64 `mapstructure:"decay_rate_short" validate:"gte=0"`
	DecayRateLong   float64 `mapstructure:"decay_rate_long" validate:"gte=0"`
	AccessDampening float64 `mapstructure:"access_dampening" validate:"gte=0"`

	PromotionAccessThreshold   int     `mapstructure:"promotion_access_threshold" validate:"gte=0"`
	PromotionStrengthThreshold float64 `mapstructure:"promotion_strength_threshold" validate:"gte=0,lte=1"`
	ForgettingThreshold        float64 `mapstructure:"forgetting_threshold" validate:"gte=0,lte=1"`

	ConflictSimilarityThreshold float64 `mapstructure:"conflict_similarity_threshold" validate:"gte=0,lte=1"`
	FusionSimilarityThreshold   float64 `mapstructure:"fusion_similarity_threshold" validate:"gte=0,lte=1"`
	FusionBoost                 float64 `mapstructure:"fusion_boost" validate:"gte=1"`
	SubsumedBoost               float64 `mapstructure:"subsumed_boost" validate:"gte=0,lte=1"`

	EnableConflictResolution bool `mapstructure:"enable_conflict_resolution"`
	EnableFusion             bool `mapstructure:"enable_fusion"`
	AutoFusion               bool `mapstructure:"auto_fusion"`
	UseTombstones            bool `mapstructure:"use_tombstones"`

	// MaintenanceInterval is the period of the background decay loop; 0 disables it.
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
}

// DepthConfig holds depth assessment tunables.
type DepthConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	AutoDepth bool `mapstructure:"auto_depth"`

	// DefaultDepth applies when AutoDepth is off (shallow, medium, deep).
	DefaultDepth string `mapstructure:"default_depth" validate:"oneof=shallow medium deep"`

	ShallowMultiplier float64 `mapstructure:"shallow_multiplier" validate:"gt=0"`
	MediumMultiplier  float64 `mapstructure:"medium_multiplier" validate:"gt=0"`
	DeepMultiplier    float64 `mapstructure:"deep_multiplier" validate:"gt=0"`

	ReprocessOnAccess  bool `mapstructure:"reprocess_on_access"`
	ReprocessThreshold int  `mapstructure:"reprocess_threshold" validate:"min=1"`

	UseQuestionEmbedding bool `mapstructure:"use_question_embedding"`
}

// CategoryConfig holds category hierarchy tunables.
type CategoryConfig struct {
	Enabled                 bool `mapstructure:"enabled"`
	AutoCategorize          bool `mapstructure:"auto_categorize"`
	UseLLM                  bool `mapstructure:"use_llm"`
	AutoCreateSubcategories bool `mapstructure:"auto_create_subcategories"`
	EnableDecay             bool `mapstructure:"enable_decay"`

	MaxDepth  int     `mapstructure:"max_depth" validate:"min=1"`
	DecayRate float64 `mapstructure:"decay_rate" validate:"gte=0"`

	// BoostWeight must exceed CrossBoost so direct topic hits outrank related ones.
	BoostWeight float64 `mapstructure:"boost_weight" validate:"gte=0,gtfield=CrossBoost"`
	CrossBoost  float64 `mapstructure:"cross_boost" validate:"gte=0"`

	SummaryMemoryLimit int `mapstructure:"summary_memory_limit" validate:"min=1"`
}

// SearchConfig holds retrieval defaults.
type SearchConfig struct {
	DefaultLimit int     `mapstructure:"default_limit" validate:"min=1"`
	MinStrength  float64 `mapstructure:"min_strength" validate:"gte=0,lte=1"`

	// StrengthFloor is the share of similarity kept for a zero-strength memory.
	StrengthFloor float64 `mapstructure:"strength_floor" validate:"gt=0,lte=1"`

	KeywordSearch bool `mapstructure:"keyword_search"`
	BoostOnAccess bool `mapstructure:"boost_on_access"`

	// AccessWorkers and AccessQueue size the pool applying access bumps.
	AccessWorkers int `mapstructure:"access_workers" validate:"min=1"`
	AccessQueue   int `mapstructure:"access_queue" validate:"min=1"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port. 0 serves metrics on the API port.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlpgrpc).
	Exporter string `mapstructure:"exporter" validate:"oneof=otlpgrpc"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Timeout bounds a single export call.
	Timeout time.Duration `mapstructure:"timeout"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`

	// Sampler is one of always_on, always_off, traceidratio, parentbased_traceidratio.
	Sampler string `mapstructure:"sampler" validate:"oneof=always_on always_off traceidratio parentbased_traceidratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Storage: %s, LLM: %s, Embedder: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Storage.Type, c.LLM.Provider, c.Embedder.Provider)
}
