package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DefaultHashDimensions is the vector size of a zero-value HashEmbedder.
const DefaultHashDimensions = 256

// HashEmbedder is a deterministic bag-of-words embedder: each case-folded
// token is hashed into one of Dimensions buckets. Vectors are non-negative and
// L2-normalized, so cosine similarity reflects shared vocabulary. It needs no
// external service and serves tests and offline deployments.
type HashEmbedder struct {
	Dimensions int
}

// NewHashEmbedder returns an embedder producing vectors of size dims.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashEmbedder{Dimensions: dims}
}

// Embed hashes the tokens of text. The purpose does not change the vector.
func (h *HashEmbedder) Embed(_ context.Context, text string, _ Purpose) ([]float64, error) {
	dims := h.Dimensions
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	vec := make([]float64, dims)
	for _, tok := range Tokenize(text) {
		hs := fnv.New32a()
		_, _ = hs.Write([]byte(tok))
		vec[int(hs.Sum32()%uint32(dims))] += 1
	}
	var norm2 float64
	for _, v := range vec {
		norm2 += v * v
	}
	if norm2 == 0 {
		return vec, nil
	}
	n := math.Sqrt(norm2)
	for i := range vec {
		vec[i] /= n
	}
	return vec, nil
}

// Fold case-folds and NFKC-normalizes text so keyword and query matching
// treats "ﬁle", "FILE" and "file" alike.
func Fold(text string) string {
	// a Caser is stateful, so each call gets its own
	return cases.Fold().String(norm.NFKC.String(text))
}

// Tokenize splits text into folded words of letters and digits.
func Tokenize(text string) []string {
	return strings.FieldsFunc(Fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
