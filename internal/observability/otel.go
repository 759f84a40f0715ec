package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"

	"screenloom/internal/config"
)

// InitTelemetry wires a tracer provider when enabled and returns a Tracer
// plus a shutdown func. When disabled, it returns a Tracer from otel's
// global provider (no-op unless another provider was installed) and a
// no-op shutdown, so callers never need a nil check. The daemon's main
// discards the returned Tracer; no code in this module starts spans.
func InitTelemetry(ctx context.Context, cfg config.TelemetryConfig) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.Enabled {
		return otel.Tracer("screenloom"), func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("init resource: %w", err)
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, nil, fmt.Errorf("init trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Tracer("screenloom"), tp.Shutdown, nil
}
