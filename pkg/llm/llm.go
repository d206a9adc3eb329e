// Package llm defines the two opaque capability contracts the lifecycle engine
// consumes, a text generator and an embedder, together with the providers and
// wrappers that implement them and the tolerant JSON extraction used to read
// generator output.
package llm

import (
	"context"
	"errors"
)

// ErrUnparseable reports generator output that does not hold the expected
// structured form. Callers recover from it with a fixed default.
var ErrUnparseable = errors.New("llm: unparseable response")

// Purpose tells the embedder whether a vector is for storage or for a query.
type Purpose string

const (
	PurposeAdd    Purpose = "add"
	PurposeSearch Purpose = "search"
	PurposeUpdate Purpose = "update"

	PurposeCategorize Purpose = "categorize"
)

// Generator turns a prompt into text. Output may be empty or not JSON.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string, purpose Purpose) ([]float64, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, text string, purpose Purpose) ([]float64, error)

// Embed calls f.
func (f EmbedderFunc) Embed(ctx context.Context, text string, purpose Purpose) ([]float64, error) {
	return f(ctx, text, purpose)
}
