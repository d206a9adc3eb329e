package llm

import (
	"fmt"

	"github.com/fademem/fademem/config"
)

// NewGenerator builds the configured generator, throttled when a rate limit
// is set.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	var g Generator
	switch cfg.Provider {
	case "", "mock":
		g = NewMockGenerator()
	case "ollama":
		g = NewOllama(cfg.BaseURL, cfg.Model, cfg.Temperature, cfg.MaxTokens, cfg.Timeout)
	case "openai":
		g = NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Temperature, cfg.MaxTokens, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
	if cfg.RateLimit > 0 {
		g = NewRateLimitedGenerator(g, cfg.RateLimit, cfg.Burst)
	}
	return g, nil
}

// NewEmbedder builds the configured embedder, cached when a cache size is set.
func NewEmbedder(cfg config.EmbedderConfig) (Embedder, error) {
	var e Embedder
	switch cfg.Provider {
	case "", "hash":
		e = NewHashEmbedder(cfg.Dimensions)
	case "ollama":
		e = NewOllamaEmbedder(cfg.BaseURL, cfg.Model, cfg.Timeout)
	case "openai":
		e = NewOpenAIEmbedder(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimensions, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown embedder provider: %q", cfg.Provider)
	}
	if cfg.CacheSize > 0 {
		cached, err := NewCachedEmbedder(e, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		e = cached
	}
	return e, nil
}
