package telemetry

import (
	"context"
	"errors"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config controls telemetry initialization behavior.
type Config struct {
	// Enabled false leaves the global no-op tracer provider in place.
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	Insecure       bool
	// LockPath is recorded on the resource so reclaim spans can be told
	// apart across hosts sharing a collector.
	LockPath string
}

const defaultEndpoint = "http://127.0.0.1:4318"

func noopShutdown(context.Context) error { return nil }

// Init initializes OpenTelemetry tracing using an OTLP/HTTP exporter.
// It sets global propagators and the global TracerProvider. Returns a
// shutdown function that flushes and stops the provider.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name required")
	}
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	endpoint, insecure, err := parseEndpoint(cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if cfg.Insecure || insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	tp, shutdown, err := newTracerProviderWithExporter(exporter, cfg)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)

	return shutdown, nil
}

// parseEndpoint accepts "http://host:port", "https://host:port" or a bare
// "host:port" and returns the host:port plus whether TLS is off.
func parseEndpoint(ep string) (string, bool, error) {
	if ep == "" {
		ep = defaultEndpoint
	}
	u, err := url.Parse(ep)
	if err != nil {
		return "", false, err
	}
	if u.Host != "" {
		return u.Host, u.Scheme == "http", nil
	}
	// host:port without scheme parses as scheme "host" with opaque "port"
	if u.Opaque != "" {
		return u.Scheme + ":" + u.Opaque, false, nil
	}
	if u.Path == "" {
		return "", false, errors.New("otlp endpoint has no host")
	}
	return u.Path, false, nil
}

// newTracerProviderWithExporter creates a TracerProvider wired to the
// provided SpanExporter. Unexported so tests can supply in-memory exporters.
func newTracerProviderWithExporter(exporter sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	}
	if cfg.LockPath != "" {
		attrs = append(attrs, attribute.String("simgate.lock_path", cfg.LockPath))
	}
	res, err := sdkresource.New(context.Background(), sdkresource.WithAttributes(attrs...))
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	)
	return tp, tp.Shutdown, nil
}
