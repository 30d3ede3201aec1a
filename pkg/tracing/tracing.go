// Package tracing wires the agent into an OpenTelemetry collector so a
// dashboard client's session refreshes, realtime reconnects, and sync
// operations show up on the same trace graph as the backend services.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config describes the agent's trace pipeline.
type Config struct {
	Agent       string  // logical agent name, reported as service.name
	Release     string  // agent release, reported as service.version
	Environment string
	Endpoint    string  // OTLP/HTTP collector, host:port
	SampleRatio float64 // fraction of locally rooted spans kept, 0 to 1
	Enabled     bool
}

// DefaultConfig returns a development setup: local collector, every span
// kept, pipeline off until explicitly enabled.
func DefaultConfig(agent string) Config {
	return Config{
		Agent:       agent,
		Release:     "0.1.0",
		Environment: "development",
		Endpoint:    "localhost:4318",
		SampleRatio: 1.0,
	}
}

// Init sets up the global tracer provider with an OTLP/HTTP exporter and
// registers the W3C trace context propagator, so traces started by the
// backend continue through the agent. The returned shutdown flushes pending
// spans and must be called on exit. When tracing is disabled the shutdown
// is a no-op.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.Agent),
			semconv.ServiceNamespace("collabcore"),
			semconv.ServiceVersion(cfg.Release),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	// Sampling is parent-based: a span arriving over the wire keeps its
	// parent's decision, so the agent never truncates a trace the backend
	// already committed to. The ratio only governs locally rooted spans.
	ratio := cfg.SampleRatio
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	var root sdktrace.Sampler
	switch ratio {
	case 1:
		root = sdktrace.AlwaysSample()
	case 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(ratio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(root)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Tracer returns a named tracer from the global provider:
//
//	tracer := tracing.Tracer("session")
//	ctx, span := tracer.Start(ctx, "refresh")
//	defer span.End()
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
