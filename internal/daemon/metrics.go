package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the daemon's operational instruments.
type Metrics struct {
	cycles         metric.Int64Counter
	cycleDuration  metric.Float64Histogram
	tombstonesGone metric.Int64Counter
}

// NewMetrics creates daemon metrics on meter, or on the global meter when nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("overwatch/daemon")
	}

	cycles, err := meter.Int64Counter(
		"overwatch.daemon.cycles",
		metric.WithDescription("Number of daemon job cycles"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	cycleDuration, err := meter.Float64Histogram(
		"overwatch.daemon.cycle.duration",
		metric.WithDescription("Duration of daemon job cycles"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	tombstonesGone, err := meter.Int64Counter(
		"overwatch.storage.tombstones.compacted",
		metric.WithDescription("Number of tombstones removed by compaction"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		cycles:         cycles,
		cycleDuration:  cycleDuration,
		tombstonesGone: tombstonesGone,
	}, nil
}

// RecordCycle records one job cycle with its status
func (m *Metrics) RecordCycle(ctx context.Context, job, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("job", job),
		attribute.String("status", status),
	)
	m.cycles.Add(ctx, 1, attrs)
	m.cycleDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordCompaction records removed tombstones
func (m *Metrics) RecordCompaction(ctx context.Context, removed int) {
	m.tombstonesGone.Add(ctx, int64(removed))
}
