package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the Flight Recorder instruments.
type Metrics struct {
	CommitDuration metric.Float64Histogram
	CommitFailures metric.Int64Counter
	RewindDuration metric.Float64Histogram
	RollbackRows   metric.Int64Counter
	BusPublished   metric.Int64Counter
	BusDropped     metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommitDuration, err = meter.Float64Histogram("flightrec.commit.duration",
		metric.WithDescription("Dual-write task commit duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CommitFailures, err = meter.Int64Counter("flightrec.commit.failures",
		metric.WithDescription("Task commits rolled back after a git failure"),
	)
	if err != nil {
		return nil, err
	}

	m.RewindDuration, err = meter.Float64Histogram("flightrec.rewind.duration",
		metric.WithDescription("Rewind duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RollbackRows, err = meter.Int64Counter("flightrec.rollback.rows",
		metric.WithDescription("Relational rows removed or reset by rollbacks"),
	)
	if err != nil {
		return nil, err
	}

	m.BusPublished, err = meter.Int64Counter("flightrec.bus.published",
		metric.WithDescription("Event bus messages published"),
	)
	if err != nil {
		return nil, err
	}

	m.BusDropped, err = meter.Int64Counter("flightrec.bus.dropped",
		metric.WithDescription("Event bus messages dropped as invalid or duplicate"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(ScopeName))
	return m
}
