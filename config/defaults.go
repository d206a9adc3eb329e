package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "fademem",
			Version:     "dev",
			Environment: "development",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    60 * time.Second,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 15 * time.Second,
				RequestTimeout:  45 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
				MaxAge:         300,
			},
			WebSocket: WebSocketConfig{
				Enabled:        true,
				MaxConnections: 256,
				PingInterval:   30 * time.Second,
				PongTimeout:    60 * time.Second,
			},
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 50,
				Burst:             100,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  64 << 20, // 64MB
				NumVersionsToKeep: 1,
			},
			SQLite: SQLiteConfig{
				Path:        "./data/fademem.db",
				BusyTimeout: 5 * time.Second,
			},
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			KeyPrefix: "fademem:",
		},
		Lock: LockConfig{
			Type:          "local",
			TTL:           30 * time.Second,
			RetryInterval: 50 * time.Millisecond,
		},
		Events: EventsConfig{
			Type:       "local",
			Channel:    "fademem:events",
			BufferSize: 256,
		},
		LLM: LLMConfig{
			Provider:    "mock",
			Model:       "llama3.2",
			BaseURL:     "http://localhost:11434",
			Temperature: 0.1,
			MaxTokens:   1500,
			Timeout:     60 * time.Second,
		},
		Embedder: EmbedderConfig{
			Provider:   "hash",
			Model:      "nomic-embed-text",
			BaseURL:    "http://localhost:11434",
			Timeout:    30 * time.Second,
			Dimensions: 256,
			CacheSize:  4096,
		},
		VectorIndex: VectorIndexConfig{},
		Lexical: LexicalConfig{
			Type: "bm25",
			K1:   1.2,
			B:    0.75,
		},
		Lifecycle: LifecycleConfig{
			EnableForgetting:            true,
			DecayRateShort:              0.15,
			DecayRateLong:               0.02,
			AccessDampening:             0.5,
			PromotionAccessThreshold:    3,
			PromotionStrengthThreshold:  0.7,
			ForgettingThreshold:         0.1,
			ConflictSimilarityThreshold: 0.85,
			FusionSimilarityThreshold:   0.90,
			FusionBoost:                 1.2,
			SubsumedBoost:               0.05,
			EnableConflictResolution:    true,
			EnableFusion:                true,
			UseTombstones:               true,
			MaintenanceInterval:         time.Hour,
		},
		Depth: DepthConfig{
			Enabled:              true,
			AutoDepth:            true,
			DefaultDepth:         "medium",
			ShallowMultiplier:    1.0,
			MediumMultiplier:     1.3,
			DeepMultiplier:       1.6,
			ReprocessThreshold:   3,
			UseQuestionEmbedding: true,
		},
		Category: CategoryConfig{
			Enabled:                 true,
			AutoCategorize:          true,
			UseLLM:                  true,
			AutoCreateSubcategories: true,
			EnableDecay:             true,
			MaxDepth:                3,
			DecayRate:               0.05,
			BoostWeight:             0.15,
			CrossBoost:              0.05,
			SummaryMemoryLimit:      20,
		},
		Search: SearchConfig{
			DefaultLimit:  100,
			MinStrength:   0.1,
			StrengthFloor: 0.3,
			BoostOnAccess: true,
			AccessWorkers: 4,
			AccessQueue:   256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlpgrpc",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "parentbased_traceidratio",
			SampleRate: 0.1,
		},
	}
}
