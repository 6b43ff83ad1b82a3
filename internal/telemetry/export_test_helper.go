package telemetry

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewTracerProviderWithExporter exposes newTracerProviderWithExporter so
// tests in other packages can build providers on in-memory exporters with
// the same resource attributes Init uses.
func NewTracerProviderWithExporter(exporter sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	return newTracerProviderWithExporter(exporter, cfg)
}
