package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Endpoint != "localhost:4318" {
		t.Errorf("expected default endpoint localhost:4318, got %s", cfg.Endpoint)
	}
	if cfg.ServiceName != "upi" {
		t.Errorf("expected default service name upi, got %s", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected default sample rate 1.0, got %f", cfg.SampleRate)
	}
	if !cfg.Insecure || !cfg.Global {
		t.Error("expected insecure global default")
	}
}

func TestProvider_ShutdownNil(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown of nil provider should not error: %v", err)
	}
	if err := (&Provider{}).Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown of empty provider should not error: %v", err)
	}
}

func TestNewProvider_InMemoryExporter(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	p, err := NewProvider(context.Background(), Config{Exporter: exporter})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	if otel.GetTracerProvider() == p.TracerProvider() {
		t.Error("provider must not become global unless Global is set")
	}

	_, span := p.Tracer().Start(context.Background(), "probe")
	span.End()
	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "probe" {
		t.Fatalf("expected one probe span, got %v", spans)
	}
	if v, ok := spans[0].Resource.Set().Value("service.name"); !ok || v.AsString() != "upi" {
		t.Errorf("expected service.name upi, got %v", v)
	}
}

func TestNewProvider_Global(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	p, err := NewProvider(context.Background(), Config{Exporter: tracetest.NewInMemoryExporter(), Global: true})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	if otel.GetTracerProvider() != p.TracerProvider() {
		t.Error("expected global tracer provider to match")
	}
}
