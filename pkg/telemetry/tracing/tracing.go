// Package tracing installs the process-wide OpenTelemetry tracer provider and
// offers the span helpers used by the lifecycle engine.
//
// Exporter failures never reach the engine: a failed batch is counted,
// reported through the logger and dropped.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fademem/fademem/config"
	"github.com/fademem/fademem/pkg/logger"
)

// Service identifies the process on exported spans.
type Service struct {
	Name        string
	Version     string
	Environment string
	// Storage is the configured storage backend, attached so traces from
	// differently backed deployments can be told apart.
	Storage string
}

// ShutdownFunc flushes pending spans and releases the provider.
type ShutdownFunc func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

// Swapped in tests.
var (
	exporterFactory = dialOTLP
	onDroppedBatch  = func(err error, endpoint string, spans int, total int64) {
		logger.Warn("trace batch dropped",
			"error", err,
			"endpoint", endpoint,
			"spans", spans,
			"dropped_total", total,
		)
	}
)

func dialOTLP(ctx context.Context, endpoint string, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithTimeout(cfg.Timeout),
		otlptracegrpc.WithInsecure(),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// droppingExporter swallows export errors so a dead collector cannot fail
// a decay pass or a request.
type droppingExporter struct {
	next     sdktrace.SpanExporter
	endpoint string
	dropped  atomic.Int64
}

func (e *droppingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := e.next.ExportSpans(ctx, spans); err != nil {
		total := e.dropped.Add(int64(len(spans)))
		onDroppedBatch(err, e.endpoint, len(spans), total)
	}
	return nil
}

func (e *droppingExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

func installPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// Init installs the global tracer provider. With tracing disabled a noop
// provider is installed and the returned shutdown does nothing; the W3C
// propagator is installed either way so request ids keep flowing through
// the client.
func Init(ctx context.Context, cfg config.TracingConfig, svc Service) (ShutdownFunc, error) {
	installPropagator()
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	endpoint, err := collectorEndpoint(cfg)
	if err != nil {
		return nil, err
	}
	exp, err := exporterFactory(ctx, endpoint, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(serviceAttributes(svc)...))
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, fmt.Errorf("create tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&droppingExporter{next: exp, endpoint: endpoint}),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg)),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		flushErr := tp.ForceFlush(ctx)
		if err := tp.Shutdown(ctx); err != nil {
			return errors.Join(flushErr, fmt.Errorf("shutdown tracer provider: %w", err))
		}
		if flushErr != nil {
			return fmt.Errorf("flush spans: %w", flushErr)
		}
		return nil
	}, nil
}

func serviceAttributes(svc Service) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(svc.Name),
		semconv.ServiceVersion(svc.Version),
	}
	if svc.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentName(svc.Environment))
	}
	if svc.Storage != "" {
		attrs = append(attrs, attribute.String("fademem.storage", svc.Storage))
	}
	return attrs
}

func collectorEndpoint(cfg config.TracingConfig) (string, error) {
	if !strings.EqualFold(strings.TrimSpace(cfg.Exporter), "otlpgrpc") {
		return "", fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}
	if cfg.Timeout <= 0 {
		return "", fmt.Errorf("tracing timeout must be > 0")
	}
	endpoint := hostPort(cfg.Endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("tracing endpoint cannot be empty")
	}
	return endpoint, nil
}

func sampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(cfg.Sampler)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
}

// hostPort reduces a collector URL such as http://otel:4317/v1/traces to
// the host:port the gRPC exporter dials.
func hostPort(endpoint string) string {
	raw := strings.TrimSpace(endpoint)
	if !strings.Contains(raw, "://") {
		return raw
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}
