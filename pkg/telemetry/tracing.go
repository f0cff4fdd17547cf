// Package telemetry provides OpenTelemetry tracing for memcore, grounded
// on the teacher's pkg/telemetry: a disable-by-default tracer provider
// wired from config, plus span helpers the turn loop and compaction path
// use to record model-call and compaction spans (spec.md's ambient
// tracing concern, generalized from per-provider request spans to the
// provider-agnostic turn loop and Virtual Memory).
package telemetry

import (
	"context"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config configures the tracer provider. Unlike the teacher, this module
// ships no OTLP exporter dependency: spans are created and sampled but
// held in-process unless a caller later attaches an exporter via
// sdktrace.WithBatcher — the hook point this package's InitTracer
// establishes is the part spec.md's ambient stack actually needs (spans
// around model calls and compaction), not a specific backend.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	SamplerType    string // "always", "never", "ratio"
	SamplerRatio   float64
}

// InitTracer installs a tracer provider for Config and returns a shutdown
// func to call before process exit. When Enabled is false it installs
// nothing, leaving the global tracer provider as it is, and returns a
// no-op shutdown.
func InitTracer(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "telemetry: failed to create resource")
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg)),
	)
	otel.SetTracerProvider(provider)

	return func(ctx context.Context) error {
		return provider.Shutdown(ctx)
	}, nil
}

func sampler(cfg Config) sdktrace.Sampler {
	switch cfg.SamplerType {
	case "always":
		return sdktrace.AlwaysSample()
	case "never":
		return sdktrace.NeverSample()
	case "ratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplerRatio))
	default:
		return sdktrace.AlwaysSample()
	}
}
