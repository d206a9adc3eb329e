package llm

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "User prefers TypeScript", PurposeAdd)
	require.NoError(t, err)
	b, err := e.Embed(ctx, "user PREFERS typescript!", PurposeSearch)
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.InDelta(t, 1.0, cosine(a, b), 1e-9)
}

func TestHashEmbedder_SharedVocabularyScoresHigher(t *testing.T) {
	e := NewHashEmbedder(512)
	ctx := context.Background()

	base, _ := e.Embed(ctx, "the project uses postgres for storage", PurposeAdd)
	near, _ := e.Embed(ctx, "project storage is postgres", PurposeSearch)
	far, _ := e.Embed(ctx, "my cat enjoys sunny windows", PurposeSearch)

	assert.Greater(t, cosine(base, near), cosine(base, far))
	for _, v := range base {
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestHashEmbedder_EmptyText(t *testing.T) {
	v, err := (&HashEmbedder{}).Embed(context.Background(), "  ", PurposeAdd)
	require.NoError(t, err)
	assert.Len(t, v, DefaultHashDimensions)
	for _, x := range v {
		assert.Zero(t, x)
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"file", "école", "école", "42"}, Tokenize("ﬁle ÉCOLE école 42"))
	assert.Equal(t, []string{"hello", "world"}, Tokenize("Hello,  World!"))
}

func TestFold(t *testing.T) {
	assert.Equal(t, "école", Fold("ÉCOLE"))
	assert.Equal(t, Fold("TYPESCRIPT"), Fold("typescript"))
	assert.Equal(t, "file", Fold("ﬁle"))
}
