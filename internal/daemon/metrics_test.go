package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

// TestMetrics_SemanticConventions verifies metric names follow OTEL conventions
func TestMetrics_SemanticConventions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewMetrics(provider.Meter("overwatch/daemon"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordCycle(ctx, "scan", "success", 2*time.Second)
	m.RecordCompaction(ctx, 3)

	metrics := collect(t, reader)
	require.Contains(t, metrics, "overwatch.daemon.cycles")
	require.Contains(t, metrics, "overwatch.daemon.cycle.duration")
	require.Contains(t, metrics, "overwatch.storage.tombstones.compacted")

	cycles, ok := metrics["overwatch.daemon.cycles"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, cycles.DataPoints, 1)
	assert.Equal(t, int64(1), cycles.DataPoints[0].Value)

	job, ok := cycles.DataPoints[0].Attributes.Value(attribute.Key("job"))
	require.True(t, ok)
	assert.Equal(t, "scan", job.AsString())

	compacted, ok := metrics["overwatch.storage.tombstones.compacted"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(3), compacted.DataPoints[0].Value)
}

func TestMetrics_RecordCycleStatuses(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewMetrics(provider.Meter("overwatch/daemon"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordCycle(ctx, "reap", "success", time.Second)
	m.RecordCycle(ctx, "reap", "partial", time.Second)
	m.RecordCycle(ctx, "reap", "partial", time.Second)

	cycles, ok := collect(t, reader)["overwatch.daemon.cycles"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, cycles.DataPoints, 2)
}

func TestNewMetrics_GlobalMeter(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.NotNil(t, m)
}
