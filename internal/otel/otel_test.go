package otel

import (
	"context"
	"testing"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("disabled provider must still expose tracer and meter")
	}
	_, span := StartSpan(context.Background(), p.Tracer, "test")
	span.End()
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.TracerProvider == nil {
		t.Fatal("expected real tracer provider with none exporter")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "bogus"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.RequestDuration == nil || m.LookupDuration == nil || m.SendDuration == nil {
		t.Error("duration histograms missing")
	}
	if m.MessagesSent == nil || m.LookupMisses == nil || m.Reconnects == nil {
		t.Error("counters missing")
	}
	if m.QRDisplays == nil || m.RateLimitRejects == nil || m.SessionUp == nil {
		t.Error("gauge/counter instruments missing")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	if _, err := NewMetrics(p.Meter); err != nil {
		t.Fatalf("NewMetrics with noop meter: %v", err)
	}
}
