package llm

import (
	"context"
	"time"
)

// CallRecorder receives one observation per generator or embedder call.
type CallRecorder interface {
	RecordLLMCall(ctx context.Context, kind string, err error, d time.Duration)
}

type instrumentedGenerator struct {
	next Generator
	rec  CallRecorder
}

// InstrumentGenerator reports every call of next to rec as kind "generate".
func InstrumentGenerator(next Generator, rec CallRecorder) Generator {
	return &instrumentedGenerator{next: next, rec: rec}
}

func (g *instrumentedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	out, err := g.next.Generate(ctx, prompt)
	g.rec.RecordLLMCall(ctx, "generate", err, time.Since(start))
	return out, err
}

type instrumentedEmbedder struct {
	next Embedder
	rec  CallRecorder
}

// InstrumentEmbedder reports every call of next to rec as kind "embed".
func InstrumentEmbedder(next Embedder, rec CallRecorder) Embedder {
	return &instrumentedEmbedder{next: next, rec: rec}
}

func (e *instrumentedEmbedder) Embed(ctx context.Context, text string, purpose Purpose) ([]float64, error) {
	start := time.Now()
	v, err := e.next.Embed(ctx, text, purpose)
	e.rec.RecordLLMCall(ctx, "embed", err, time.Since(start))
	return v, err
}
