package emitter

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/yairfalse/overwatch/pkg/resource"
)

// LogEmitter writes events as structured log lines.
type LogEmitter struct {
	log zerolog.Logger
}

// NewLogEmitter creates a log emitter.
func NewLogEmitter(log zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: log.With().Str("component", "emitter").Logger()}
}

// EmitScan logs the scan summary and each inventory change.
func (e *LogEmitter) EmitScan(ctx context.Context, ev ScanEvent) error {
	level := e.log.Info()
	if ev.Partial {
		level = e.log.Warn().Strs("errors", ev.Errors)
	}
	summary := resource.Summarize(ev.Diffs)
	level.Ctx(ctx).
		Str("account", string(ev.Account)).
		Int("ingested", ev.Ingested).
		Int("evicted", ev.Evicted).
		Int("added", summary.Added).
		Int("modified", summary.Modified).
		Int("live", ev.Live).
		Int("expired", ev.Expired).
		Bool("partial", ev.Partial).
		Dur("duration", ev.Duration).
		Msg("scan complete")

	for _, diff := range ev.Diffs {
		event := e.log.Debug().Ctx(ctx).
			Str("account", string(ev.Account)).
			Str("resource_id", diff.Record.ResourceID).
			Str("type", diff.Record.Type).
			Str("region", diff.Record.Region).
			Str("change", string(diff.Type))

		if diff.Type == resource.DiffModified {
			for field, change := range diff.Changes {
				event = event.
					Str(field+".from", change.Previous).
					Str(field+".to", change.Current)
			}
		}
		event.Msg("resource changed")
	}
	return nil
}

// EmitScanFailed logs a scan that returned no batch.
func (e *LogEmitter) EmitScanFailed(ctx context.Context, ev ScanFailedEvent) error {
	e.log.Error().Ctx(ctx).
		Err(ev.Err).
		Str("account", string(ev.Account)).
		Str("kind", ev.Kind).
		Msg("scan failed")
	return nil
}

// EmitReap logs reap totals.
func (e *LogEmitter) EmitReap(ctx context.Context, ev ReapEvent) error {
	level := e.log.Info()
	if ev.Failed > 0 {
		level = e.log.Warn()
	}
	level.Ctx(ctx).
		Str("account", string(ev.Account)).
		Int("deleted", ev.Deleted).
		Int("failed", ev.Failed).
		Int("skipped", ev.Skipped).
		Dur("duration", ev.Duration).
		Msg("reap complete")
	return nil
}

// EmitBinding logs a binding transition.
func (e *LogEmitter) EmitBinding(ctx context.Context, ev BindingEvent) error {
	e.log.Info().Ctx(ctx).
		Str("user_id", ev.UserID).
		Str("account", string(ev.Account)).
		Str("status", string(ev.Status)).
		Str("outcome", ev.Outcome).
		Msg("binding changed")
	return nil
}

// Close is a no-op for the log emitter.
func (e *LogEmitter) Close() error {
	return nil
}
