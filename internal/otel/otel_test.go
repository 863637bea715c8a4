package otel

import (
	"context"
	"testing"

	"github.com/basket/handloop/internal/config"
)

func TestInitDisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), config.OtelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.Tracer == nil {
		t.Fatal("nil tracer")
	}

	_, span := StartSpan(context.Background(), p.Tracer, "test.span")
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitStdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), config.OtelConfig{
		Enabled:  true,
		Exporter: "stdout",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	if p.TracerProvider == nil {
		t.Fatal("nil tracer provider")
	}
}

func TestInitNoneExporter(t *testing.T) {
	p, err := Init(context.Background(), config.OtelConfig{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	ctx, span := StartServerSpan(context.Background(), p.Tracer, "http.request",
		AttrRequestID.String("r1"))
	if ctx == nil {
		t.Fatal("nil context")
	}
	span.End()
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), config.OtelConfig{
		Enabled:  true,
		Exporter: "jaeger",
	}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
