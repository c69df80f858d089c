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
LEARNING: WHERE THE SPANS GO

  Gateway / HTTP spans → otel SDK (batched) → Jaeger collector → Jaeger UI

A document connection shows up as WebSocket.Connect wrapping
Gateway.OnConnect, then one Gateway.OnMessage per inbound message and a
final Gateway.OnDisconnect.
*/

// ShutdownFunc flushes and stops a tracer provider.
type ShutdownFunc func(context.Context) error

// Noop is the ShutdownFunc used when tracing is disabled.
func Noop(context.Context) error { return nil }

// InitJaeger installs a global tracer provider exporting to jaegerEndpoint.
func InitJaeger(serviceName, serviceVersion, jaegerEndpoint string) (ShutdownFunc, error) {
	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(provider)

	log.Printf("✓ Jaeger tracing initialized: %s", jaegerEndpoint)
	return provider.Shutdown, nil
}
