package llm

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedEmbedder(t *testing.T) {
	var calls atomic.Int32
	inner := EmbedderFunc(func(ctx context.Context, text string, p Purpose) ([]float64, error) {
		calls.Add(1)
		return []float64{float64(len(text)), 1}, nil
	})
	c, err := NewCachedEmbedder(inner, 2)
	require.NoError(t, err)
	ctx := context.Background()

	v1, err := c.Embed(ctx, "abc", PurposeAdd)
	require.NoError(t, err)
	v1[0] = 99 // caller mutation must not leak into the cache

	v2, err := c.Embed(ctx, "abc", PurposeAdd)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 1}, v2)
	assert.Equal(t, int32(1), calls.Load())

	_, _ = c.Embed(ctx, "abc", PurposeSearch)
	assert.Equal(t, int32(2), calls.Load(), "purpose is part of the key")

	_, _ = c.Embed(ctx, "zzz", PurposeAdd)
	assert.Equal(t, 2, c.Len())
}

func TestCachedEmbedder_InvalidSize(t *testing.T) {
	_, err := NewCachedEmbedder(NewHashEmbedder(8), 0)
	assert.Error(t, err)
}
