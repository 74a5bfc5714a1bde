// Package tracing sets up OpenTelemetry export and wraps pipeline runs and
// stages in spans.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds configuration for the TracerProvider setup.
type Config struct {
	// Endpoint is the OTLP HTTP endpoint (e.g., "localhost:4318").
	Endpoint string
	// ServiceName is the service name reported in traces.
	ServiceName string
	// ServiceVersion is the optional service version.
	ServiceVersion string
	// Insecure disables TLS for the OTLP exporter.
	Insecure bool
	// SampleRate is the trace sampling ratio. Values outside (0, 1) sample
	// every run.
	SampleRate float64
	// Global installs the provider and W3C propagators as the otel globals.
	Global bool
	// Exporter replaces the OTLP exporter, typically with an in-memory one.
	// Spans are exported synchronously when it is set.
	Exporter sdktrace.SpanExporter
}

// DefaultConfig returns the configuration used by upictl.
func DefaultConfig() Config {
	return Config{
		Endpoint:    "localhost:4318",
		ServiceName: "upi",
		Insecure:    true,
		SampleRate:  1.0,
		Global:      true,
	}
}

// Provider owns an SDK TracerProvider and the tracer pipelines run under.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds a TracerProvider from cfg.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultConfig().ServiceName
	}

	var exportOpt sdktrace.TracerProviderOption
	if cfg.Exporter != nil {
		exportOpt = sdktrace.WithSyncer(cfg.Exporter)
	} else {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		exportOpt = sdktrace.WithBatcher(exporter)
	}

	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersionKey.String(cfg.ServiceVersion)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate > 0 && cfg.SampleRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		exportOpt,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	if cfg.Global {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	return &Provider{tp: tp, tracer: tp.Tracer(instrumentationName)}, nil
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// TracerProvider returns the underlying SDK TracerProvider.
func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	return p.tp
}

// Shutdown flushes pending spans and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
