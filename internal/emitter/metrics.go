package emitter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/pkg/resource"
)

// Recorder is the subset of telemetry.Provider the metrics emitter feeds.
type Recorder interface {
	Meter() metric.Meter
	RecordScan(ctx context.Context, account string, d time.Duration, records int, partial bool)
	RecordScanError(ctx context.Context, account, kind string)
	RecordReap(ctx context.Context, account string, deleted, failed, skipped int)
	RecordBinding(ctx context.Context, outcome string)
}

type inventory struct {
	live    int64
	expired int64
}

// MetricsEmitter exports lifecycle events through OTel instruments.
type MetricsEmitter struct {
	rec Recorder

	inventorySize   metric.Int64ObservableGauge
	inventoryExpire metric.Int64ObservableGauge
	changesTotal    metric.Int64Counter

	mu       sync.RWMutex
	accounts map[resource.AccountRef]inventory
}

// NewMetricsEmitter creates a metrics emitter on rec's meter.
func NewMetricsEmitter(rec Recorder) (*MetricsEmitter, error) {
	e := &MetricsEmitter{
		rec:      rec,
		accounts: make(map[resource.AccountRef]inventory),
	}
	if err := e.initMetrics(rec.Meter()); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return e, nil
}

func (e *MetricsEmitter) initMetrics(meter metric.Meter) error {
	var err error

	e.inventorySize, err = meter.Int64ObservableGauge(
		"overwatch_inventory_records",
		metric.WithDescription("Live inventory records per account"),
	)
	if err != nil {
		return fmt.Errorf("create inventory_records gauge: %w", err)
	}

	e.inventoryExpire, err = meter.Int64ObservableGauge(
		"overwatch_inventory_expired",
		metric.WithDescription("Inventory records past their delete-after time"),
	)
	if err != nil {
		return fmt.Errorf("create inventory_expired gauge: %w", err)
	}

	e.changesTotal, err = meter.Int64Counter(
		"overwatch_resource_changes_total",
		metric.WithDescription("Inventory changes detected by scans"),
	)
	if err != nil {
		return fmt.Errorf("create resource_changes counter: %w", err)
	}

	_, err = meter.RegisterCallback(e.observe, e.inventorySize, e.inventoryExpire)
	if err != nil {
		return fmt.Errorf("register inventory callback: %w", err)
	}
	return nil
}

// EmitScan records scan totals and per-type changes.
func (e *MetricsEmitter) EmitScan(ctx context.Context, ev ScanEvent) error {
	account := string(ev.Account)
	e.rec.RecordScan(ctx, account, ev.Duration, ev.Ingested, ev.Partial)

	for _, diff := range ev.Diffs {
		e.changesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("account", account),
			attribute.String("type", diff.Record.Type),
			attribute.String("change_type", string(diff.Type)),
		))
	}

	e.mu.Lock()
	e.accounts[ev.Account] = inventory{live: int64(ev.Live), expired: int64(ev.Expired)}
	e.mu.Unlock()
	return nil
}

// EmitScanFailed counts a failed scan by error kind.
func (e *MetricsEmitter) EmitScanFailed(ctx context.Context, ev ScanFailedEvent) error {
	kind := ev.Kind
	if kind == "" {
		kind = string(apperr.KindOf(ev.Err))
	}
	e.rec.RecordScanError(ctx, string(ev.Account), kind)
	return nil
}

// EmitReap records reap outcome counts.
func (e *MetricsEmitter) EmitReap(ctx context.Context, ev ReapEvent) error {
	e.rec.RecordReap(ctx, string(ev.Account), ev.Deleted, ev.Failed, ev.Skipped)

	e.mu.Lock()
	if inv, ok := e.accounts[ev.Account]; ok {
		inv.live = max(0, inv.live-int64(ev.Deleted))
		inv.expired = max(0, inv.expired-int64(ev.Deleted))
		e.accounts[ev.Account] = inv
	}
	e.mu.Unlock()
	return nil
}

// EmitBinding records a binding outcome.
func (e *MetricsEmitter) EmitBinding(ctx context.Context, ev BindingEvent) error {
	e.rec.RecordBinding(ctx, ev.Outcome)
	return nil
}

func (e *MetricsEmitter) observe(_ context.Context, o metric.Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for account, inv := range e.accounts {
		attrs := metric.WithAttributes(attribute.String("account", string(account)))
		o.ObserveInt64(e.inventorySize, inv.live, attrs)
		o.ObserveInt64(e.inventoryExpire, inv.expired, attrs)
	}
	return nil
}

// Close is a no-op; the provider owns the meter.
func (e *MetricsEmitter) Close() error {
	return nil
}
