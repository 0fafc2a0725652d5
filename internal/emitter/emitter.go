// Package emitter reports scan, reap and binding outcomes to logs and metrics.
package emitter

import (
	"context"
	"time"

	"github.com/yairfalse/overwatch/pkg/resource"
)

// ScanEvent describes one completed scan of an account.
type ScanEvent struct {
	Account   resource.AccountRef
	ScannedAt time.Time
	Duration  time.Duration
	Ingested  int // records the store accepted
	Evicted   int
	Partial   bool
	Errors    []string
	Diffs     []resource.ResourceDiff
	Live      int // inventory size after the scan
	Expired   int // live records already past delete-after
}

// ScanFailedEvent describes a scan that produced no batch.
type ScanFailedEvent struct {
	Account resource.AccountRef
	Kind    string
	Err     error
}

// ReapEvent describes one reap pass over an account.
type ReapEvent struct {
	Account  resource.AccountRef
	Duration time.Duration
	Deleted  int
	Failed   int
	Skipped  int
	Reaped   []resource.Record // records whose deletion was confirmed, by resource id
}

// BindingEvent describes a binding transition.
type BindingEvent struct {
	UserID  string
	Account resource.AccountRef
	Status  resource.BindingStatus
	Outcome string // "pending", "bound", "rejected", "expired", "unavailable"
}

// Emitter receives lifecycle events.
type Emitter interface {
	EmitScan(ctx context.Context, e ScanEvent) error
	EmitScanFailed(ctx context.Context, e ScanFailedEvent) error
	EmitReap(ctx context.Context, e ReapEvent) error
	EmitBinding(ctx context.Context, e BindingEvent) error

	// Close cleans up resources.
	Close() error
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// EmitScan sends to all emitters, returns first error.
func (m *MultiEmitter) EmitScan(ctx context.Context, e ScanEvent) error {
	for _, em := range m.emitters {
		if err := em.EmitScan(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// EmitScanFailed sends to all emitters, returns first error.
func (m *MultiEmitter) EmitScanFailed(ctx context.Context, e ScanFailedEvent) error {
	for _, em := range m.emitters {
		if err := em.EmitScanFailed(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// EmitReap sends to all emitters, returns first error.
func (m *MultiEmitter) EmitReap(ctx context.Context, e ReapEvent) error {
	for _, em := range m.emitters {
		if err := em.EmitReap(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// EmitBinding sends to all emitters, returns first error.
func (m *MultiEmitter) EmitBinding(ctx context.Context, e BindingEvent) error {
	for _, em := range m.emitters {
		if err := em.EmitBinding(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all emitters.
func (m *MultiEmitter) Close() error {
	for _, em := range m.emitters {
		if err := em.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Nop drops every event.
type Nop struct{}

func (Nop) EmitScan(context.Context, ScanEvent) error             { return nil }
func (Nop) EmitScanFailed(context.Context, ScanFailedEvent) error { return nil }
func (Nop) EmitReap(context.Context, ReapEvent) error             { return nil }
func (Nop) EmitBinding(context.Context, BindingEvent) error       { return nil }
func (Nop) Close() error                                          { return nil }
