package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/pkg/resource"
)

const ref = resource.AccountRef("arn:aws:iam::123456789012:role/OverwatchAccess")

// mockEmitter implements Emitter for testing.
type mockEmitter struct {
	scans      []ScanEvent
	reaps      []ReapEvent
	bindings   []BindingEvent
	failures   []ScanFailedEvent
	closeCalls int
	emitErr    error
	closeErr   error
}

func (m *mockEmitter) EmitScan(_ context.Context, e ScanEvent) error {
	m.scans = append(m.scans, e)
	return m.emitErr
}

func (m *mockEmitter) EmitScanFailed(_ context.Context, e ScanFailedEvent) error {
	m.failures = append(m.failures, e)
	return m.emitErr
}

func (m *mockEmitter) EmitReap(_ context.Context, e ReapEvent) error {
	m.reaps = append(m.reaps, e)
	return m.emitErr
}

func (m *mockEmitter) EmitBinding(_ context.Context, e BindingEvent) error {
	m.bindings = append(m.bindings, e)
	return m.emitErr
}

func (m *mockEmitter) Close() error {
	m.closeCalls++
	return m.closeErr
}

func TestMultiEmitter_Emit(t *testing.T) {
	e1 := &mockEmitter{}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)
	ctx := context.Background()

	require.NoError(t, multi.EmitScan(ctx, ScanEvent{Account: ref, Ingested: 3}))
	require.NoError(t, multi.EmitReap(ctx, ReapEvent{Account: ref, Deleted: 1}))
	require.NoError(t, multi.EmitBinding(ctx, BindingEvent{UserID: "u", Outcome: "bound"}))
	require.NoError(t, multi.EmitScanFailed(ctx, ScanFailedEvent{Account: ref}))

	for _, e := range []*mockEmitter{e1, e2} {
		assert.Len(t, e.scans, 1)
		assert.Len(t, e.reaps, 1)
		assert.Len(t, e.bindings, 1)
		assert.Len(t, e.failures, 1)
	}
}

func TestMultiEmitter_Emit_Error(t *testing.T) {
	e1 := &mockEmitter{emitErr: errors.New("emit failed")}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.EmitScan(context.Background(), ScanEvent{})

	assert.Error(t, err)
	assert.Len(t, e1.scans, 1)
	assert.Empty(t, e2.scans) // Should stop on first error
}

func TestMultiEmitter_Close(t *testing.T) {
	e1 := &mockEmitter{closeErr: errors.New("close failed")}
	e2 := &mockEmitter{}

	assert.Error(t, NewMultiEmitter(e1, e2).Close())
	assert.Equal(t, 1, e1.closeCalls)
	assert.Equal(t, 0, e2.closeCalls)

	require.NoError(t, NewMultiEmitter().Close())
}

func TestLogEmitter(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)
	e := NewLogEmitter(log)
	ctx := context.Background()

	prev := resource.Record{ResourceID: "i-1", Type: "ec2", Region: "ap-south-1", DeleteAfter: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)}
	curr := prev
	curr.DeleteAfter = time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)

	require.NoError(t, e.EmitScan(ctx, ScanEvent{
		Account:  ref,
		Ingested: 1,
		Partial:  true,
		Errors:   []string{"ap-south-2/ec2: throttled"},
		Diffs:    resource.Diff([]resource.Record{prev}, []resource.Record{curr}),
	}))
	require.NoError(t, e.EmitReap(ctx, ReapEvent{Account: ref, Deleted: 2, Failed: 1}))
	require.NoError(t, e.EmitBinding(ctx, BindingEvent{UserID: "u-1", Account: ref, Status: resource.StatusBound, Outcome: "bound"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	var scan map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &scan))
	assert.Equal(t, "warn", scan["level"])
	assert.Equal(t, "scan complete", scan["message"])
	assert.Equal(t, float64(1), scan["modified"])

	var change map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &change))
	assert.Equal(t, "resource changed", change["message"])
	assert.Equal(t, "modified", change["change"])
	assert.Contains(t, change, "delete_after.to")

	var reap map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &reap))
	assert.Equal(t, "warn", reap["level"])
	assert.Equal(t, float64(2), reap["deleted"])
}

type fakeRecorder struct {
	meter    metric.Meter
	scans    int
	errKinds []string
	reaped   int
	outcomes []string
}

func (f *fakeRecorder) Meter() metric.Meter { return f.meter }

func (f *fakeRecorder) RecordScan(context.Context, string, time.Duration, int, bool) { f.scans++ }

func (f *fakeRecorder) RecordScanError(_ context.Context, _ string, kind string) {
	f.errKinds = append(f.errKinds, kind)
}

func (f *fakeRecorder) RecordReap(_ context.Context, _ string, deleted, _, _ int) { f.reaped += deleted }

func (f *fakeRecorder) RecordBinding(_ context.Context, outcome string) {
	f.outcomes = append(f.outcomes, outcome)
}

func gaugeValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			g, ok := m.Data.(metricdata.Gauge[int64])
			require.True(t, ok, "%s is not an int64 gauge", name)
			require.Len(t, g.DataPoints, 1)
			return g.DataPoints[0].Value
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestMetricsEmitter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	rec := &fakeRecorder{meter: mp.Meter("test")}
	e, err := NewMetricsEmitter(rec)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, e.EmitScan(ctx, ScanEvent{Account: ref, Ingested: 5, Live: 5, Expired: 2,
		Diffs: []resource.ResourceDiff{{Type: resource.DiffAdded, Record: resource.Record{ResourceID: "i-1", Type: "ec2"}}}}))
	require.NoError(t, e.EmitReap(ctx, ReapEvent{Account: ref, Deleted: 2}))
	require.NoError(t, e.EmitBinding(ctx, BindingEvent{Outcome: "bound"}))
	require.NoError(t, e.EmitScanFailed(ctx, ScanFailedEvent{Account: ref, Err: apperr.New(apperr.KindExternalUnavailable, "scan", "timeout")}))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(3), gaugeValue(t, rm, "overwatch_inventory_records"))
	assert.Equal(t, int64(0), gaugeValue(t, rm, "overwatch_inventory_expired"))
	assert.Equal(t, 1, rec.scans)
	assert.Equal(t, 2, rec.reaped)
	assert.Equal(t, []string{"bound"}, rec.outcomes)
	assert.Equal(t, []string{"external_unavailable"}, rec.errKinds)
}
