package middleware

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "fademem.http"

// TracingOptions configures Tracing.
type TracingOptions struct {
	// SkipPaths are not traced.
	SkipPaths map[string]struct{}
}

// DefaultTracingOptions skips the health endpoints, the metrics endpoint and the event
// stream.
func DefaultTracingOptions() TracingOptions {
	return TracingOptions{SkipPaths: map[string]struct{}{
		"/health":    {},
		"/ready":     {},
		"/metrics":   {},
		"/ws/events": {},
	}}
}

// Tracing starts a server span per request, continuing the caller's trace
// when the request carries W3C trace context.
func Tracing(opts TracingOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := opts.SkipPaths[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := otel.Tracer(httpTracerName).Start(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				))
			defer span.End()

			sw := wrap(w)
			r = r.WithContext(ctx)
			next.ServeHTTP(sw, r)

			span.SetAttributes(
				attribute.String("http.route", routePattern(r)),
				attribute.Int("http.response.status_code", sw.status),
			)
			if sw.status >= http.StatusInternalServerError {
				span.SetStatus(otelcodes.Error, http.StatusText(sw.status))
			}
		})
	}
}
