// Package reaper deletes expired resources from their accounts and then
// from the inventory. A record only leaves the inventory once its external
// deletion is confirmed.
package reaper

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/internal/emitter"
	"github.com/yairfalse/overwatch/internal/plugin"
	"github.com/yairfalse/overwatch/internal/policy"
	"github.com/yairfalse/overwatch/internal/storage"
	"github.com/yairfalse/overwatch/internal/wal"
	"github.com/yairfalse/overwatch/pkg/resource"
)

const (
	DefaultConcurrency = 4
	DefaultTimeout     = 30 * time.Second
)

// Deleter removes a resource from its account.
type Deleter interface {
	DeleteResource(ctx context.Context, access plugin.Access, rec resource.Record) error
}

// Accounts resolves bound accounts.
type Accounts interface {
	Access(ctx context.Context, ref resource.AccountRef) (plugin.Access, error)
	BoundAccounts(ctx context.Context) ([]resource.AccountRef, error)
}

// Guard decides whether an expired record may be deleted.
type Guard interface {
	Evaluate(ctx context.Context, rec resource.Record, now time.Time) (policy.Decision, error)
}

type allowAll struct{}

func (allowAll) Evaluate(context.Context, resource.Record, time.Time) (policy.Decision, error) {
	return policy.Decision{Allow: true}, nil
}

// Reaper deletes expired records with a bounded pool of workers.
type Reaper struct {
	deleter  Deleter
	accounts Accounts
	store    storage.ResourceStore

	guard       Guard
	journal     wal.Journal
	emitter     emitter.Emitter
	log         zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
	concurrency int
	timeout     time.Duration
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithClock overrides the clock used to select expired records.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// WithConcurrency sets how many deletions run at once.
func WithConcurrency(n int) Option {
	return func(r *Reaper) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithTimeout bounds each external delete.
func WithTimeout(d time.Duration) Option {
	return func(r *Reaper) { r.timeout = d }
}

// WithGuard sets the policy consulted before each delete.
func WithGuard(g Guard) Option {
	return func(r *Reaper) { r.guard = g }
}

// WithJournal records every reap outcome.
func WithJournal(j wal.Journal) Option {
	return func(r *Reaper) { r.journal = j }
}

// WithEmitter reports reap passes.
func WithEmitter(e emitter.Emitter) Option {
	return func(r *Reaper) { r.emitter = e }
}

// WithLogger sets the reaper logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Reaper) { r.log = log }
}

// New creates a Reaper. Without WithGuard every expired record is a candidate.
func New(deleter Deleter, accounts Accounts, store storage.ResourceStore, opts ...Option) *Reaper {
	r := &Reaper{
		deleter:     deleter,
		accounts:    accounts,
		store:       store,
		guard:       allowAll{},
		journal:     wal.Nop{},
		emitter:     emitter.Nop{},
		log:         zerolog.Nop(),
		tracer:      otel.Tracer("overwatch/reaper"),
		now:         time.Now,
		concurrency: DefaultConcurrency,
		timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// targets resolves ref, or every bound account when ref is empty.
func (r *Reaper) targets(ctx context.Context, ref resource.AccountRef) ([]resource.AccountRef, error) {
	if ref != "" {
		return []resource.AccountRef{ref}, nil
	}
	return r.accounts.BoundAccounts(ctx)
}

// skipUnbound reports whether a pass over every bound account should move
// past account because it was unbound after the account list was read.
func (r *Reaper) skipUnbound(ref, account resource.AccountRef, err error) bool {
	if ref != "" || !errors.Is(err, apperr.ErrNotBound) {
		return false
	}
	r.log.Info().Str("account", string(account)).Msg("account unbound during reap, skipping")
	return true
}

// Plan lists the expired records of ref (all bound accounts when empty)
// with the guard's verdict, without deleting anything.
func (r *Reaper) Plan(ctx context.Context, ref resource.AccountRef) ([]Candidate, error) {
	const op = "plan reap"
	refs, err := r.targets(ctx, ref)
	if err != nil {
		return nil, err
	}

	now := r.now()
	var out []Candidate
	for _, account := range refs {
		if _, err := r.accounts.Access(ctx, account); err != nil {
			if r.skipUnbound(ref, account, err) {
				continue
			}
			return nil, err
		}
		expired, err := r.store.ListExpired(account, now)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, op, err)
		}
		for _, rec := range expired {
			d, err := r.guard.Evaluate(ctx, rec, now)
			if err != nil {
				return nil, apperr.Wrap(apperr.KindInternal, op, err)
			}
			out = append(out, Candidate{Record: rec, Allow: d.Allow, Reason: d.Reason})
		}
	}
	return out, nil
}

// Reap deletes the expired records of ref, or of every bound account when
// ref is empty. Per-record failures land in the summary and leave the record
// in the inventory; the returned error is reserved for failures of the pass
// itself. Once ctx is cancelled no new deletions start, in-flight ones finish.
func (r *Reaper) Reap(ctx context.Context, ref resource.AccountRef) (Summary, error) {
	const op = "reap expired"
	summary := Summary{StartTime: r.now()}

	refs, err := r.targets(ctx, ref)
	if err != nil {
		return summary, err
	}

	ctx, span := r.tracer.Start(ctx, "reaper.reap", trace.WithAttributes(attribute.Int("accounts", len(refs))))
	defer span.End()

	for _, account := range refs {
		if err := ctx.Err(); err != nil {
			break
		}
		res, err := r.reapAccount(ctx, account)
		for _, result := range res {
			summary.add(result)
		}
		if r.skipUnbound(ref, account, err) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			summary.Duration = r.now().Sub(summary.StartTime)
			return summary, err
		}
	}

	summary.Duration = r.now().Sub(summary.StartTime)
	span.SetAttributes(
		attribute.Int("deleted", summary.Deleted),
		attribute.Int("failed", summary.Failed),
		attribute.Int("skipped", summary.Skipped),
	)
	if err := ctx.Err(); err != nil {
		return summary, apperr.Wrap(apperr.KindExternalUnavailable, op, err)
	}
	return summary, nil
}

func (r *Reaper) reapAccount(ctx context.Context, ref resource.AccountRef) ([]Result, error) {
	const op = "reap expired"
	start := r.now()
	log := r.log.With().Str("account", string(ref)).Logger()

	access, err := r.accounts.Access(ctx, ref)
	if err != nil {
		return nil, err
	}
	candidates, err := r.store.ListExpired(ref, start)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	jobs := make(chan resource.Record)
	results := make(chan Result, len(candidates))

	var wg sync.WaitGroup
	for range min(r.concurrency, len(candidates)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				results <- r.reapOne(ctx, access, rec, start)
			}
		}()
	}

dispatch:
	for _, rec := range candidates {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- rec:
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	out := make([]Result, 0, len(candidates))
	var ev emitter.ReapEvent
	deleted := make(map[resource.Key]bool)
	for res := range results {
		out = append(out, res)
		switch res.Status {
		case StatusDeleted:
			ev.Deleted++
			deleted[res.Key] = true
		case StatusFailed:
			ev.Failed++
		case StatusSkipped:
			ev.Skipped++
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.ResourceID < out[j].Key.ResourceID })

	for _, rec := range candidates {
		if deleted[rec.Key()] {
			ev.Reaped = append(ev.Reaped, rec)
		}
	}
	ev.Account = ref
	ev.Duration = r.now().Sub(start)
	if err := r.emitter.EmitReap(ctx, ev); err != nil {
		log.Warn().Err(err).Msg("emit reap")
	}
	log.Info().Int("candidates", len(candidates)).Int("deleted", ev.Deleted).Int("failed", ev.Failed).
		Int("skipped", ev.Skipped).Msg("reap pass complete")
	return out, nil
}

// reapOne runs the guard, the external delete and the store delete for one record.
func (r *Reaper) reapOne(ctx context.Context, access plugin.Access, rec resource.Record, now time.Time) Result {
	start := r.now()
	res := Result{
		Key:         rec.Key(),
		Type:        rec.Type,
		Region:      rec.Region,
		DeleteAfter: rec.DeleteAfter,
	}
	log := r.log.With().Str("account", string(rec.AccountRef)).Str("resource_id", rec.ResourceID).Logger()
	data := newJournalData(rec)

	finish := func(status Status, err error) Result {
		res.Status = status
		if err != nil {
			res.Error = err.Error()
			res.Retryable = apperr.IsRetryable(err)
		}
		res.Duration = r.now().Sub(start)
		return res
	}

	decision, err := r.guard.Evaluate(ctx, rec, now)
	if err != nil {
		log.Error().Err(err).Msg("reap policy evaluation failed")
		r.journalError(wal.EntryReapFailed, rec, data, err)
		return finish(StatusFailed, apperr.Wrap(apperr.KindInternal, "evaluate policy", err))
	}
	if !decision.Allow {
		res.SkipReason = decision.Reason
		data.Reason = decision.Reason
		r.journalAppend(wal.EntryReapSkipped, rec, data)
		log.Info().Str("reason", decision.Reason).Msg("reap skipped by policy")
		return finish(StatusSkipped, nil)
	}

	r.journalAppend(wal.EntryReaping, rec, data)

	// The delete is detached from ctx so that a cancelled caller does not
	// abandon a request the cloud may already be acting on.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	err = r.deleter.DeleteResource(dctx, access, rec)
	cancel()
	if err != nil {
		err = apperr.External("delete resource", err)
		r.journalError(wal.EntryReapFailed, rec, data, err)
		log.Warn().Err(err).Msg("external delete failed")
		return finish(StatusFailed, err)
	}

	if err := r.store.Delete(rec.AccountRef, rec.ResourceID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		err = apperr.Wrap(apperr.KindInternal, "delete record", err)
		r.journalError(wal.EntryReapFailed, rec, data, err)
		log.Error().Err(err).Msg("resource deleted but inventory update failed")
		return finish(StatusFailed, err)
	}

	r.journalAppend(wal.EntryReaped, rec, data)
	log.Info().Str("type", rec.Type).Str("region", rec.Region).Msg("resource reaped")
	return finish(StatusDeleted, nil)
}

func (r *Reaper) journalAppend(entry wal.EntryType, rec resource.Record, data journalData) {
	if err := r.journal.Append(entry, rec.Key().String(), data); err != nil {
		r.log.Error().Err(err).Str("entry", string(entry)).Msg("journal write failed")
	}
}

func (r *Reaper) journalError(entry wal.EntryType, rec resource.Record, data journalData, cause error) {
	if err := r.journal.AppendError(entry, rec.Key().String(), data, cause); err != nil {
		r.log.Error().Err(err).Str("entry", string(entry)).Msg("journal write failed")
	}
}
