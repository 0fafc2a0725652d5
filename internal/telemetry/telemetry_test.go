package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/overwatch/internal/config"
)

func disabledConfig() config.OTELConfig {
	return config.OTELConfig{
		ServiceName: "test-overwatch",
		Traces:      config.TracesConfig{Enabled: false},
		Metrics:     config.MetricsConfig{Enabled: false},
	}
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), disabledConfig())
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())

	err = p.Shutdown(context.Background())
	require.NoError(t, err)
}

func TestNewProvider_WithEndpoint(t *testing.T) {
	cfg := config.OTELConfig{
		Endpoint:    "localhost:4317",
		Insecure:    true,
		ServiceName: "test-overwatch",
		Traces:      config.TracesConfig{Enabled: true, SampleRate: 1.0},
		Metrics:     config.MetricsConfig{Enabled: true},
	}

	// Provider setup should succeed even without a real collector
	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(ctx)
}

func TestNewProvider_WithPrometheus(t *testing.T) {
	p, err := NewProvider(context.Background(), disabledConfig(), WithPrometheus())
	require.NoError(t, err)

	p.RecordScan(context.Background(), "acct", time.Second, 3, false)
	_ = p.Shutdown(context.Background())
}

func TestProvider_StartSpan(t *testing.T) {
	p, err := NewProvider(context.Background(), disabledConfig())
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "test-operation")
	require.NotNil(t, ctx)
	require.NotNil(t, span)

	span.End()
	_ = p.Shutdown(context.Background())
}

func TestProvider_Recorders(t *testing.T) {
	p, err := NewProvider(context.Background(), disabledConfig())
	require.NoError(t, err)

	// Should not panic
	ctx := context.Background()
	p.RecordScan(ctx, "acct", 100*time.Millisecond, 42, true)
	p.RecordScanError(ctx, "acct", "external_unavailable")
	p.RecordReap(ctx, "acct", 2, 1, 0)
	p.RecordBinding(ctx, "bound")

	_ = p.Shutdown(ctx)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "overwatch", config.LogConfig{Level: "warn", Format: "json"})

	logger.Info().Msg("dropped")
	logger.Warn().Str("account", "acct").Msg("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "overwatch", entry["service"])
	assert.Equal(t, "acct", entry["account"])
}

func TestOTELHook_AddsTraceIDs(t *testing.T) {
	p, err := NewProvider(context.Background(), config.OTELConfig{
		ServiceName: "test-overwatch",
	})
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	ctx, span := p.StartSpan(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	logger := newLogger(&buf, "overwatch", config.LogConfig{Level: "info"})
	logger.Info().Ctx(ctx).Msg("traced")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
}
