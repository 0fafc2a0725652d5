// Package telemetry provides OpenTelemetry instrumentation for Overwatch.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/overwatch/internal/config"
)

const instrumentationName = "overwatch"

// Provider wraps OTEL tracer and meter providers.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	// Metrics
	scanDuration    metric.Float64Histogram
	recordsIngested metric.Int64Counter
	scanErrors      metric.Int64Counter
	reapOutcomes    metric.Int64Counter
	bindOutcomes    metric.Int64Counter
}

// Option configures NewProvider.
type Option func(*providerOptions)

type providerOptions struct {
	prometheus bool
}

// WithPrometheus registers the Prometheus exporter as a metric reader, so
// promhttp.Handler serves every instrument.
func WithPrometheus() Option {
	return func(o *providerOptions) { o.prometheus = true }
}

// NewProvider creates a new telemetry provider.
func NewProvider(ctx context.Context, cfg config.OTELConfig, opts ...Option) (*Provider, error) {
	var o providerOptions
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}

	if err := p.setupTracing(ctx, cfg, res); err != nil {
		return nil, err
	}

	if err := p.setupMetrics(ctx, cfg, res, o); err != nil {
		if p.tracerProvider != nil {
			_ = p.tracerProvider.Shutdown(ctx)
		}
		return nil, err
	}

	if err := p.initMetrics(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Provider) setupTracing(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if cfg.Traces.Enabled && cfg.Endpoint != "" {
		exp, err := createTraceExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		sampler := sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate)
		opts = append(opts, sdktrace.WithBatcher(exp), sdktrace.WithSampler(sampler))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	p.tracer = p.tracerProvider.Tracer(instrumentationName)

	return nil
}

func (p *Provider) setupMetrics(ctx context.Context, cfg config.OTELConfig, res *resource.Resource, o providerOptions) error {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
	}

	if o.prometheus {
		promExporter, err := prometheus.New()
		if err != nil {
			return fmt.Errorf("create prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(promExporter))
	}

	if cfg.Metrics.Enabled && cfg.Endpoint != "" {
		exp, err := createMetricExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter(instrumentationName)

	return nil
}

func createTraceExporter(ctx context.Context, cfg config.OTELConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func createMetricExporter(ctx context.Context, cfg config.OTELConfig) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func (p *Provider) initMetrics() error {
	var err error

	p.scanDuration, err = p.meter.Float64Histogram(
		"overwatch_scan_duration_seconds",
		metric.WithDescription("Duration of account scans"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create scan_duration: %w", err)
	}

	p.recordsIngested, err = p.meter.Int64Counter(
		"overwatch_records_ingested_total",
		metric.WithDescription("Total records upserted from scans"),
	)
	if err != nil {
		return fmt.Errorf("create records_ingested: %w", err)
	}

	p.scanErrors, err = p.meter.Int64Counter(
		"overwatch_scan_errors_total",
		metric.WithDescription("Total failed or partial scans"),
	)
	if err != nil {
		return fmt.Errorf("create scan_errors: %w", err)
	}

	p.reapOutcomes, err = p.meter.Int64Counter(
		"overwatch_reap_outcomes_total",
		metric.WithDescription("Reap candidates by outcome"),
	)
	if err != nil {
		return fmt.Errorf("create reap_outcomes: %w", err)
	}

	p.bindOutcomes, err = p.meter.Int64Counter(
		"overwatch_binding_outcomes_total",
		metric.WithDescription("Binding confirmations by outcome"),
	)
	if err != nil {
		return fmt.Errorf("create binding_outcomes: %w", err)
	}

	return nil
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// StartSpan starts a new span.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name)
}

// RecordScan records one scan's duration and ingested record count.
func (p *Provider) RecordScan(ctx context.Context, account string, d time.Duration, records int, partial bool) {
	attrs := metric.WithAttributes(
		attribute.String("account", account),
		attribute.Bool("partial", partial),
	)
	p.scanDuration.Record(ctx, d.Seconds(), attrs)
	p.recordsIngested.Add(ctx, int64(records), attrs)
	if partial {
		p.scanErrors.Add(ctx, 1, attrs)
	}
}

// RecordScanError records a scan that failed outright.
func (p *Provider) RecordScanError(ctx context.Context, account, kind string) {
	p.scanErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("account", account),
		attribute.String("kind", kind),
	))
}

// RecordReap records reap outcomes for an account.
func (p *Provider) RecordReap(ctx context.Context, account string, deleted, failed, skipped int) {
	for outcome, n := range map[string]int{"deleted": deleted, "failed": failed, "skipped": skipped} {
		if n == 0 {
			continue
		}
		p.reapOutcomes.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("account", account),
			attribute.String("outcome", outcome),
		))
	}
}

// RecordBinding records a binding confirmation outcome.
func (p *Provider) RecordBinding(ctx context.Context, outcome string) {
	p.bindOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Shutdown flushes and shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer: %w", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown meter: %w", err)
		}
	}
	return nil
}
