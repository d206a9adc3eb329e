package llm

import (
	"testing"

	"github.com/fademem/fademem/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGenerator(t *testing.T) {
	g, err := NewGenerator(config.LLMConfig{Provider: "mock"})
	require.NoError(t, err)
	assert.IsType(t, &MockGenerator{}, g)

	g, err = NewGenerator(config.LLMConfig{Provider: "ollama", RateLimit: 5, Burst: 2})
	require.NoError(t, err)
	assert.IsType(t, &RateLimitedGenerator{}, g)

	_, err = NewGenerator(config.LLMConfig{Provider: "telepathy"})
	assert.Error(t, err)
}

func TestNewEmbedder(t *testing.T) {
	e, err := NewEmbedder(config.EmbedderConfig{Provider: "hash", Dimensions: 32})
	require.NoError(t, err)
	assert.IsType(t, &HashEmbedder{}, e)

	e, err = NewEmbedder(config.EmbedderConfig{Provider: "hash", CacheSize: 8})
	require.NoError(t, err)
	assert.IsType(t, &CachedEmbedder{}, e)

	_, err = NewEmbedder(config.EmbedderConfig{Provider: "nope"})
	assert.Error(t, err)
}
