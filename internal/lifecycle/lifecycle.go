// Package lifecycle is the caller-facing surface of Overwatch: binding
// accounts, scanning them, querying the inventory and reaping it.
package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/internal/binding"
	"github.com/yairfalse/overwatch/internal/emitter"
	"github.com/yairfalse/overwatch/internal/filter"
	"github.com/yairfalse/overwatch/internal/identity"
	"github.com/yairfalse/overwatch/internal/plugin"
	"github.com/yairfalse/overwatch/internal/reaper"
	"github.com/yairfalse/overwatch/internal/scan"
	"github.com/yairfalse/overwatch/internal/storage"
	"github.com/yairfalse/overwatch/internal/wal"
	"github.com/yairfalse/overwatch/pkg/resource"
)

type options struct {
	now          func() time.Time
	log          zerolog.Logger
	journal      wal.Journal
	emitter      emitter.Emitter
	guard        reaper.Guard
	location     *time.Location
	challengeTTL time.Duration
	timeout      time.Duration
	concurrency  int
	principal    string
	passwordCost int
}

// Option configures a Manager.
type Option func(*options)

// WithClock overrides every component clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the base logger; components log under their own name.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithJournal records binding and reap transitions.
func WithJournal(j wal.Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithEmitter reports scan, reap and binding events.
func WithEmitter(e emitter.Emitter) Option {
	return func(o *options) { o.emitter = e }
}

// WithGuard sets the reap policy.
func WithGuard(g reaper.Guard) Option {
	return func(o *options) { o.guard = g }
}

// WithLocation sets the time zone that defines "today" for queries.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.location = loc }
}

// WithChallengeTTL sets how long a binding challenge stays valid.
func WithChallengeTTL(d time.Duration) Option {
	return func(o *options) { o.challengeTTL = d }
}

// WithTimeout bounds every external call.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithReapConcurrency sets how many deletions run at once.
func WithReapConcurrency(n int) Option {
	return func(o *options) { o.concurrency = n }
}

// WithPrincipal sets the AWS principal shown in trust policies.
func WithPrincipal(arn string) Option {
	return func(o *options) { o.principal = arn }
}

// WithPasswordCost sets the bcrypt cost for new users.
func WithPasswordCost(cost int) Option {
	return func(o *options) { o.passwordCost = cost }
}

// Manager ties the components together over one store and one scanner.
type Manager struct {
	users   *identity.Service
	binder  *binding.Binder
	scans   *scan.Coordinator
	reaper  *reaper.Reaper
	records storage.RecordReader

	now      func() time.Time
	location *time.Location
}

// New builds a Manager over store, using p for every external call.
func New(store *storage.Store, p plugin.Plugin, opts ...Option) *Manager {
	o := options{
		now:          time.Now,
		log:          zerolog.Nop(),
		journal:      wal.Nop{},
		emitter:      emitter.Nop{},
		location:     time.UTC,
		challengeTTL: binding.DefaultChallengeTTL,
		timeout:      scan.DefaultTimeout,
		concurrency:  reaper.DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(&o)
	}

	userOpts := []identity.Option{
		identity.WithClock(o.now),
		identity.WithLogger(o.log.With().Str("component", "identity").Logger()),
	}
	if o.passwordCost > 0 {
		userOpts = append(userOpts, identity.WithCost(o.passwordCost))
	}

	binder := binding.New(store.Bindings, p,
		binding.WithClock(o.now),
		binding.WithChallengeTTL(o.challengeTTL),
		binding.WithTimeout(o.timeout),
		binding.WithJournal(o.journal),
		binding.WithEmitter(o.emitter),
		binding.WithPrincipal(o.principal),
		binding.WithLogger(o.log.With().Str("component", "binding").Logger()),
	)

	reapOpts := []reaper.Option{
		reaper.WithClock(o.now),
		reaper.WithConcurrency(o.concurrency),
		reaper.WithTimeout(o.timeout),
		reaper.WithJournal(o.journal),
		reaper.WithEmitter(o.emitter),
		reaper.WithLogger(o.log.With().Str("component", "reaper").Logger()),
	}
	if o.guard != nil {
		reapOpts = append(reapOpts, reaper.WithGuard(o.guard))
	}

	return &Manager{
		users:  identity.New(store.Users, userOpts...),
		binder: binder,
		scans: scan.New(p, binder, store.Records,
			scan.WithClock(o.now),
			scan.WithTimeout(o.timeout),
			scan.WithEmitter(o.emitter),
			scan.WithLogger(o.log.With().Str("component", "scan").Logger()),
		),
		reaper:   reaper.New(p, binder, store.Records, reapOpts...),
		records:  store.Records,
		now:      o.now,
		location: o.location,
	}
}

// BindResult is what a user needs to finish binding.
type BindResult struct {
	Challenge   string `json:"challenge"`
	TrustPolicy string `json:"trust_policy,omitempty"`
}

// Signup registers a user.
func (m *Manager) Signup(ctx context.Context, name, email, password string) (identity.User, error) {
	return m.users.Signup(ctx, name, email, password)
}

// Login checks a user's credentials.
func (m *Manager) Login(ctx context.Context, email, password string) (identity.User, error) {
	return m.users.Login(ctx, email, password)
}

// User returns a registered user.
func (m *Manager) User(ctx context.Context, userID string) (identity.User, error) {
	return m.users.Get(ctx, userID)
}

// BindAccount starts binding ref to a registered user and returns the
// challenge with the trust policy to attach to the role.
func (m *Manager) BindAccount(ctx context.Context, userID string, ref resource.AccountRef, rebind bool) (BindResult, error) {
	if _, err := m.users.Get(ctx, userID); err != nil {
		return BindResult{}, err
	}
	challenge, err := m.binder.Begin(ctx, userID, ref, rebind)
	if err != nil {
		return BindResult{}, err
	}
	res := BindResult{Challenge: challenge}
	// Without a configured principal the user gets the bare challenge.
	if doc, err := m.binder.TrustPolicy(challenge); err == nil {
		res.TrustPolicy = doc
	}
	return res, nil
}

// ConfirmBind verifies the pending binding of ref.
func (m *Manager) ConfirmBind(ctx context.Context, userID string, ref resource.AccountRef) (binding.Binding, error) {
	return m.binder.Confirm(ctx, userID, ref)
}

// Binding returns the user's current binding.
func (m *Manager) Binding(ctx context.Context, userID string) (binding.Binding, error) {
	return m.binder.Get(ctx, userID)
}

// BoundAccounts lists every bound account.
func (m *Manager) BoundAccounts(ctx context.Context) ([]resource.AccountRef, error) {
	return m.binder.BoundAccounts(ctx)
}

// Scan refreshes the inventory of ref. A PartialScan error comes with a
// usable summary.
func (m *Manager) Scan(ctx context.Context, ref resource.AccountRef) (scan.Summary, error) {
	return m.scans.Run(ctx, ref)
}

// ListResources returns the inventory of a bound account filtered by q.
// q.Now and q.Location default to the manager's clock and zone.
func (m *Manager) ListResources(ctx context.Context, ref resource.AccountRef, q filter.Query) ([]resource.Record, error) {
	if _, err := m.binder.Access(ctx, ref); err != nil {
		return nil, err
	}
	records, err := m.records.ListByAccount(ref)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list resources", err)
	}
	if q.Now.IsZero() {
		q.Now = m.now()
	}
	if q.Location == nil {
		q.Location = m.location
	}
	return filter.Apply(records, q)
}

// ReapExpired deletes expired resources of ref, or of every bound account
// when ref is empty.
func (m *Manager) ReapExpired(ctx context.Context, ref resource.AccountRef) (reaper.Summary, error) {
	return m.reaper.Reap(ctx, ref)
}

// PlanReap lists what ReapExpired would consider, without deleting.
func (m *Manager) PlanReap(ctx context.Context, ref resource.AccountRef) ([]reaper.Candidate, error) {
	return m.reaper.Plan(ctx, ref)
}
