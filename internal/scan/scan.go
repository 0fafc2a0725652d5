// Package scan runs a scanner against a bound account and reconciles the
// inventory with what it reports.
package scan

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/internal/emitter"
	"github.com/yairfalse/overwatch/internal/keylock"
	"github.com/yairfalse/overwatch/internal/plugin"
	"github.com/yairfalse/overwatch/internal/storage"
	"github.com/yairfalse/overwatch/pkg/resource"
)

// DefaultTimeout bounds one scanner call.
const DefaultTimeout = 30 * time.Second

// Scanner lists an account's resources.
type Scanner interface {
	Scan(ctx context.Context, access plugin.Access) (resource.ScanBatch, error)
}

// AccessResolver returns the credentials context of a bound account.
type AccessResolver interface {
	Access(ctx context.Context, ref resource.AccountRef) (plugin.Access, error)
}

// Summary reports the outcome of one scan.
type Summary struct {
	Account   resource.AccountRef  `json:"account_ref"`
	ScannedAt time.Time            `json:"scanned_at"`
	Count     int                  `json:"count"`    // records reported by the scanner
	Ingested  int                  `json:"ingested"` // records the store accepted
	Evicted   int                  `json:"evicted"`
	Partial   bool                 `json:"partial"`
	Errors    []string             `json:"errors,omitempty"`
	Changes   resource.DiffSummary `json:"changes"`
}

// Coordinator runs scans. At most one scan per account runs at a time;
// a second request for the same account is rejected with ScanInProgress.
type Coordinator struct {
	scanner Scanner
	access  AccessResolver
	store   storage.ResourceStore
	locks   *keylock.Locks

	emitter emitter.Emitter
	log     zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
	timeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the clock used to judge expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithTimeout bounds each scanner call.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithEmitter reports scan outcomes.
func WithEmitter(e emitter.Emitter) Option {
	return func(c *Coordinator) { c.emitter = e }
}

// WithLogger sets the coordinator logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithTracer sets the tracer for scan spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// New creates a Coordinator.
func New(scanner Scanner, access AccessResolver, store storage.ResourceStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		scanner: scanner,
		access:  access,
		store:   store,
		locks:   keylock.New(),
		emitter: emitter.Nop{},
		log:     zerolog.Nop(),
		tracer:  otel.Tracer("overwatch/scan"),
		now:     time.Now,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run scans ref once. Every reported record is upserted; records not seen
// are evicted unless the batch is partial. A partial batch returns the
// summary together with a PartialScan error.
func (c *Coordinator) Run(ctx context.Context, ref resource.AccountRef) (Summary, error) {
	const op = "run scan"

	unlock, ok := c.locks.TryLock(string(ref))
	if !ok {
		return Summary{}, apperr.New(apperr.KindScanInProgress, op, "a scan of %s is already running", ref)
	}
	defer unlock()

	access, err := c.access.Access(ctx, ref)
	if err != nil {
		return Summary{}, err
	}

	ctx, span := c.tracer.Start(ctx, "scan.run", trace.WithAttributes(attribute.String("account", string(ref))))
	defer span.End()

	start := c.now()
	log := c.log.With().Str("account", string(ref)).Logger()

	previous, err := c.store.ListByAccount(ref)
	if err != nil {
		return Summary{}, apperr.Wrap(apperr.KindInternal, op, err)
	}

	// The scanner call outlives a cancelled caller; its batch is still applied.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	batch, err := c.scanner.Scan(sctx, access)
	cancel()
	if err != nil {
		err = apperr.External(op, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		log.Error().Err(err).Msg("scan failed")
		if emitErr := c.emitter.EmitScanFailed(ctx, emitter.ScanFailedEvent{Account: ref, Err: err}); emitErr != nil {
			log.Warn().Err(emitErr).Msg("emit scan failure")
		}
		return Summary{}, err
	}

	summary, diffs, err := c.apply(ref, previous, batch, start)
	if err != nil {
		span.RecordError(err)
		return summary, err
	}
	span.SetAttributes(
		attribute.Int("records", summary.Count),
		attribute.Int("evicted", summary.Evicted),
		attribute.Bool("partial", summary.Partial),
	)

	ev := emitter.ScanEvent{
		Account:   ref,
		ScannedAt: summary.ScannedAt,
		Duration:  c.now().Sub(start),
		Ingested:  summary.Ingested,
		Evicted:   summary.Evicted,
		Partial:   summary.Partial,
		Errors:    summary.Errors,
		Diffs:     diffs,
	}
	if live, err := c.store.ListByAccount(ref); err == nil {
		ev.Live = len(live)
	}
	if expired, err := c.store.ListExpired(ref, c.now()); err == nil {
		ev.Expired = len(expired)
	}
	if err := c.emitter.EmitScan(ctx, ev); err != nil {
		log.Warn().Err(err).Msg("emit scan")
	}

	if summary.Partial {
		return summary, apperr.New(apperr.KindPartialScan, op, "%d scanner errors for %s", len(summary.Errors), ref)
	}
	return summary, nil
}

func (c *Coordinator) apply(ref resource.AccountRef, previous []resource.Record, batch resource.ScanBatch, start time.Time) (Summary, []resource.ResourceDiff, error) {
	const op = "run scan"

	scannedAt := batch.ScannedAt
	if scannedAt.IsZero() {
		scannedAt = start
	}
	scannedAt = scannedAt.UTC()

	summary := Summary{
		Account:   ref,
		ScannedAt: scannedAt,
		Count:     len(batch.Records),
		Partial:   batch.Partial,
		Errors:    batch.Errors,
	}

	records := make([]resource.Record, 0, len(batch.Records))
	for _, rec := range batch.Records {
		rec.AccountRef = ref
		rec.ScannedAt = scannedAt
		records = append(records, rec)

		applied, err := c.store.Upsert(rec)
		if err != nil {
			return summary, nil, apperr.Wrap(apperr.KindInternal, op, err)
		}
		if applied {
			summary.Ingested++
		}
	}

	diffs := resource.Diff(previous, records)
	if summary.Partial {
		// Nothing is evicted from a partial batch, so drop those diffs.
		kept := diffs[:0]
		for _, d := range diffs {
			if d.Type != resource.DiffEvicted {
				kept = append(kept, d)
			}
		}
		diffs = kept
	} else {
		evicted, err := c.store.EvictStale(ref, scannedAt)
		if err != nil {
			return summary, diffs, apperr.Wrap(apperr.KindInternal, op, err)
		}
		summary.Evicted = evicted
	}
	summary.Changes = resource.Summarize(diffs)

	c.log.Info().
		Str("account", string(ref)).
		Int("count", summary.Count).
		Int("ingested", summary.Ingested).
		Int("evicted", summary.Evicted).
		Bool("partial", summary.Partial).
		Msg("scan applied")
	return summary, diffs, nil
}
