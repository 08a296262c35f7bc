package otel

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	idmflow "github.com/idmflow/idmflow"
)

type fakeSource struct {
	snapshot idmflow.MetricsSnapshot
	dropped  uint64
}

func (s *fakeSource) MetricsSnapshot() idmflow.MetricsSnapshot { return s.snapshot }
func (s *fakeSource) AuditDropped() uint64                     { return s.dropped }

func TestNewOTelExporterRejectsNilArguments(t *testing.T) {
	if _, err := NewOTelExporterFromSource(nil, &fakeSource{}); !errors.Is(err, ErrNilMeter) {
		t.Fatalf("err = %v, want ErrNilMeter", err)
	}
	meter := noop.NewMeterProvider().Meter("test")
	if _, err := NewOTelExporterFromSource(meter, nil); !errors.Is(err, ErrNilSource) {
		t.Fatalf("err = %v, want ErrNilSource", err)
	}
}

func TestNewOTelExporterRegistersAllInstruments(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	exp, err := NewOTelExporterFromSource(meter, &fakeSource{})
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	if len(exp.counters) == 0 || len(exp.histograms) == 0 {
		t.Fatal("instruments not built")
	}
	if err := exp.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestCloseOnNilExporterIsSafe(t *testing.T) {
	var exp *OTelExporter
	if err := exp.Close(); err != nil {
		t.Fatalf("nil Close returned %v", err)
	}
}
