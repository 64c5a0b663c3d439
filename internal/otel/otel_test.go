package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected non-nil noop tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider should not build an sdk tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_Exporters(t *testing.T) {
	off := false
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "none", cfg: Config{Enabled: true, Exporter: "none"}},
		{name: "stdout", cfg: Config{Enabled: true, Exporter: "stdout"}},
		{name: "custom service and sample rate", cfg: Config{Enabled: true, Exporter: "none", ServiceName: "rec", SampleRate: 0.5}},
		{name: "metrics disabled", cfg: Config{Enabled: true, Exporter: "none", MetricsEnabled: &off}},
		{name: "unknown", cfg: Config{Enabled: true, Exporter: "carrier-pigeon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Init(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())
			if p.TracerProvider == nil || p.Tracer == nil || p.Meter == nil {
				t.Fatalf("incomplete provider: %+v", p)
			}
			if _, err := NewMetrics(p.Meter); err != nil {
				t.Fatalf("NewMetrics: %v", err)
			}
		})
	}
}

func TestNewMetrics_RecordsCommitFailures(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(ScopeName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.CommitFailures.Add(context.Background(), 2)
	m.RollbackRows.Add(context.Background(), 5)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					got[md.Name] += dp.Value
				}
			}
		}
	}
	if got["flightrec.commit.failures"] != 2 || got["flightrec.rollback.rows"] != 5 {
		t.Fatalf("unexpected sums: %v", got)
	}
}

func TestNoopMetrics(t *testing.T) {
	m := NoopMetrics()
	if m == nil || m.BusDropped == nil {
		t.Fatal("expected usable noop instruments")
	}
	m.BusDropped.Add(context.Background(), 1)
}

func TestEndSpan_RecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	_, ok := StartSpan(context.Background(), tp.Tracer(ScopeName), "task.commit", AttrTaskID.Int64(4))
	EndSpan(ok, nil)
	_, failed := StartClientSpan(context.Background(), tp.Tracer(ScopeName), "git.commit")
	EndSpan(failed, errors.New("exit status 128"))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Unset {
		t.Fatalf("expected unset status, got %v", spans[0].Status())
	}
	if spans[1].Status().Code != codes.Error || len(spans[1].Events()) == 0 {
		t.Fatalf("expected error status with recorded event, got %v", spans[1].Status())
	}

	// A nil tracer falls back to a noop tracer.
	_, span := StartSpan(context.Background(), nil, "noop")
	EndSpan(span, nil)
}
