package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
JAEGER TRACING

  HTTP request / websocket message → OpenTelemetry SDK → Jaeger exporter → collector

A websocket connection is one long trace: the upgrade span is the root and
every dispatched message is a child. Cursor traffic alone can add 60 spans
a second per session, so busy deployments lower SampleRatio. Sampling still
follows the parent when one exists so an upstream trace is never cut in half.
*/

// ShutdownFunc flushes pending spans
type ShutdownFunc func(context.Context) error

// Options describes the exporter and the service it reports as
type Options struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	// SampleRatio is the fraction of root traces kept, clamped to [0, 1]
	SampleRatio float64
}

// InitJaeger installs a global tracer provider that exports to opts.Endpoint.
// The returned function must be called on shutdown.
func InitJaeger(opts Options) (ShutdownFunc, error) {
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(opts.Endpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	log.Printf("✓ Jaeger tracing initialized: %s (sampling %.0f%%)", opts.Endpoint, clampRatio(opts.SampleRatio)*100)

	return tp.Shutdown, nil
}

// Sampler keeps ratio of root traces and defers to the parent otherwise
func Sampler(ratio float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch ratio = clampRatio(ratio); ratio {
	case 1:
		root = sdktrace.AlwaysSample()
	case 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(ratio)
	}
	return sdktrace.ParentBased(root)
}

func clampRatio(ratio float64) float64 {
	switch {
	case ratio >= 1:
		return 1
	case ratio <= 0:
		return 0
	}
	return ratio
}

// Noop is the shutdown function used when tracing is disabled
func Noop(context.Context) error { return nil }
