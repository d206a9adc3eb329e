package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every fademem span.
const TracerName = "fademem.lifecycle"

// Span names started by the engine.
const (
	SpanMemoryAdd        = "memory.add"
	SpanMemorySearch     = "memory.search"
	SpanMemoryApplyDecay = "memory.apply_decay"
	SpanMemoryFuse       = "memory.fuse"
	SpanCategoryDecay    = "category.decay"
)

// Tracer returns the lifecycle tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Start opens a span with the given attributes.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
