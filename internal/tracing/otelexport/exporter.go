// Package otelexport ships the spans recorded around pairing and remote
// signer calls to an OTLP collector.
package otelexport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config describes where spans go and how the process identifies itself.
type Config struct {
	Endpoint    string // host:port of the collector
	Protocol    string // "grpc" (default) or "http"
	Insecure    bool
	ServiceName string // default "nostrlink"
	Version     string
	Headers     map[string]string

	// SampleRatio is the fraction of new traces kept. 0 keeps everything.
	SampleRatio float64
	// StoreBackend is recorded on the resource so traces from different
	// deployments can be told apart.
	StoreBackend string
}

// Exporter owns the tracer provider behind otel.Tracer once installed.
type Exporter struct {
	provider *sdktrace.TracerProvider
}

// New connects nothing yet; the OTLP clients dial lazily on first export.
func New(ctx context.Context, cfg Config) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("otelexport: endpoint is required")
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttrs(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("otelexport resource: %w", err)
	}
	spans, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otelexport %s exporter: %w", protocolName(cfg.Protocol), err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spans,
			sdktrace.WithMaxExportBatchSize(100),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	return &Exporter{provider: tp}, nil
}

func resourceAttrs(cfg Config) []attribute.KeyValue {
	name := cfg.ServiceName
	if name == "" {
		name = "nostrlink"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name), semconv.ServiceVersion(version)}
	if cfg.StoreBackend != "" {
		attrs = append(attrs, attribute.String("nostrlink.store.backend", cfg.StoreBackend))
	}
	return attrs
}

func protocolName(p string) string {
	if p == "http" {
		return "http"
	}
	return "grpc"
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if protocolName(cfg.Protocol) == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Install makes e the global tracer provider. Tracers obtained earlier with
// otel.Tracer pick it up through the global delegate.
func (e *Exporter) Install() {
	if e == nil {
		return
	}
	otel.SetTracerProvider(e.provider)
}

// Shutdown flushes pending spans and stops the provider.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	slog.Debug("otelexport: flushing spans")
	return e.provider.Shutdown(ctx)
}
