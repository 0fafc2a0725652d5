// Package binding manages the one-account-per-user binding and its
// challenge verification protocol.
package binding

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/internal/emitter"
	"github.com/yairfalse/overwatch/internal/keylock"
	"github.com/yairfalse/overwatch/internal/plugin"
	"github.com/yairfalse/overwatch/internal/storage"
	"github.com/yairfalse/overwatch/internal/wal"
	"github.com/yairfalse/overwatch/pkg/resource"
)

// Binding is a user's account binding.
type Binding = resource.Binding

// ChallengePrefix starts every issued challenge.
const ChallengePrefix = "overwatch-"

const (
	DefaultChallengeTTL = 24 * time.Hour
	DefaultTimeout      = 30 * time.Second
)

// Verifier proves access to an account with a challenge.
type Verifier interface {
	VerifyAccess(ctx context.Context, ref resource.AccountRef, challenge string) (plugin.Verification, error)
}

// Binder issues challenges and confirms bindings.
type Binder struct {
	store    storage.BindingStore
	verifier Verifier
	locks    *keylock.Locks
	journal  wal.Journal
	emitter  emitter.Emitter
	log      zerolog.Logger

	now       func() time.Time
	ttl       time.Duration
	timeout   time.Duration
	principal string
}

// Option configures a Binder.
type Option func(*Binder)

// WithClock overrides the binder clock.
func WithClock(now func() time.Time) Option {
	return func(b *Binder) { b.now = now }
}

// WithChallengeTTL sets how long an issued challenge can be confirmed.
func WithChallengeTTL(d time.Duration) Option {
	return func(b *Binder) { b.ttl = d }
}

// WithTimeout bounds each verification call.
func WithTimeout(d time.Duration) Option {
	return func(b *Binder) { b.timeout = d }
}

// WithJournal records binding transitions.
func WithJournal(j wal.Journal) Option {
	return func(b *Binder) { b.journal = j }
}

// WithEmitter reports binding transitions.
func WithEmitter(e emitter.Emitter) Option {
	return func(b *Binder) { b.emitter = e }
}

// WithLogger sets the binder logger.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Binder) { b.log = log }
}

// WithPrincipal sets the AWS principal that users must trust.
func WithPrincipal(arn string) Option {
	return func(b *Binder) { b.principal = arn }
}

// New creates a Binder.
func New(store storage.BindingStore, verifier Verifier, opts ...Option) *Binder {
	b := &Binder{
		store:    store,
		verifier: verifier,
		locks:    keylock.New(),
		journal:  wal.Nop{},
		emitter:  emitter.Nop{},
		log:      zerolog.Nop(),
		now:      time.Now,
		ttl:      DefaultChallengeTTL,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type journalData struct {
	AccountRef resource.AccountRef `json:"account_ref"`
	AccountID  string              `json:"account_id,omitempty"`
}

func newChallenge() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return ChallengePrefix + id.String(), nil
}

// Begin issues a fresh challenge for ref and stores a pending binding,
// replacing whatever the user had. A bound user must pass rebind.
func (b *Binder) Begin(ctx context.Context, userID string, ref resource.AccountRef, rebind bool) (string, error) {
	const op = "begin binding"
	if userID == "" {
		return "", apperr.New(apperr.KindInvalid, op, "user id is required")
	}
	if err := ref.Validate(); err != nil {
		return "", apperr.Wrap(apperr.KindInvalid, op, err)
	}

	unlock := b.locks.Lock(userID)
	defer unlock()

	current, found, err := b.store.Get(userID)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, op, err)
	}
	if found && current.IsBound() && !rebind {
		return "", apperr.New(apperr.KindAlreadyBound, op, "user %s is already bound to %s", userID, current.AccountRef)
	}

	challenge, err := newChallenge()
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, op, err)
	}
	pending := Binding{
		UserID:     userID,
		AccountRef: ref,
		Challenge:  challenge,
		Status:     resource.StatusPending,
		IssuedAt:   b.now().UTC(),
	}
	if err := b.store.Put(pending); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, op, err)
	}

	b.record(ctx, wal.EntryBindPending, pending, "pending", nil)
	b.log.Info().Str("user_id", userID).Str("account", string(ref)).Bool("rebind", found && current.IsBound()).Msg("binding pending")
	return challenge, nil
}

// Confirm verifies the pending challenge with the scanner and marks the
// binding bound. Confirming an already bound binding for ref is a no-op.
func (b *Binder) Confirm(ctx context.Context, userID string, ref resource.AccountRef) (Binding, error) {
	const op = "confirm binding"

	unlock := b.locks.Lock(userID)
	defer unlock()

	current, found, err := b.store.Get(userID)
	if err != nil {
		return Binding{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if !found || current.AccountRef != ref || current.Status == resource.StatusUnbound {
		return Binding{}, apperr.New(apperr.KindNotBound, op, "no pending binding of %s for user %s", ref, userID)
	}
	if current.IsBound() {
		return current, nil
	}

	if b.ttl > 0 && b.now().Sub(current.IssuedAt) > b.ttl {
		return Binding{}, b.fail(ctx, current, "expired", errors.New("challenge expired"))
	}

	// The verification outlives a cancelled caller so its answer is not lost.
	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	v, err := b.verifier.VerifyAccess(vctx, ref, current.Challenge)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindExternalRejected {
			return Binding{}, b.fail(ctx, current, "rejected", err)
		}
		b.record(ctx, wal.EntryBindFailed, current, "unavailable", err)
		return Binding{}, apperr.Wrap(apperr.KindExternalUnavailable, op, err)
	}
	if v.Challenge != current.Challenge {
		return Binding{}, b.fail(ctx, current, "rejected", errors.New("echoed challenge does not match"))
	}
	if want := ref.AccountID(); v.AccountID != "" && want != "" && v.AccountID != want {
		return Binding{}, b.fail(ctx, current, "rejected", errors.New("role belongs to account "+v.AccountID))
	}

	bound := current
	bound.Status = resource.StatusBound
	bound.AccountID = v.AccountID
	bound.BoundAt = b.now().UTC()
	if err := b.store.Put(bound); err != nil {
		return Binding{}, apperr.Wrap(apperr.KindInternal, op, err)
	}

	b.record(ctx, wal.EntryBound, bound, "bound", nil)
	b.log.Info().Str("user_id", userID).Str("account", string(ref)).Str("account_id", v.AccountID).Msg("binding confirmed")
	return bound, nil
}

// fail marks the binding unbound and returns VerificationFailed.
func (b *Binder) fail(ctx context.Context, current Binding, outcome string, cause error) error {
	const op = "confirm binding"
	unbound := current
	unbound.Status = resource.StatusUnbound
	unbound.BoundAt = time.Time{}
	if err := b.store.Put(unbound); err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}

	b.record(ctx, wal.EntryBindFailed, unbound, outcome, cause)
	b.log.Warn().Err(cause).Str("user_id", current.UserID).Str("account", string(current.AccountRef)).Msg("binding verification failed")
	return &apperr.Error{Kind: apperr.KindVerificationFailed, Op: op, Cause: cause}
}

func (b *Binder) record(ctx context.Context, entry wal.EntryType, bd Binding, outcome string, cause error) {
	data := journalData{AccountRef: bd.AccountRef, AccountID: bd.AccountID}
	var err error
	if cause != nil {
		err = b.journal.AppendError(entry, bd.UserID, data, cause)
	} else {
		err = b.journal.Append(entry, bd.UserID, data)
	}
	if err != nil {
		b.log.Error().Err(err).Str("user_id", bd.UserID).Msg("journal write failed")
	}

	ev := emitter.BindingEvent{UserID: bd.UserID, Account: bd.AccountRef, Status: bd.Status, Outcome: outcome}
	if err := b.emitter.EmitBinding(ctx, ev); err != nil {
		b.log.Warn().Err(err).Msg("emit binding event")
	}
}

// Get returns the user's binding; a user who never bound gets an unbound one.
func (b *Binder) Get(_ context.Context, userID string) (Binding, error) {
	current, found, err := b.store.Get(userID)
	if err != nil {
		return Binding{}, apperr.Wrap(apperr.KindInternal, "get binding", err)
	}
	if !found {
		return Binding{UserID: userID, Status: resource.StatusUnbound}, nil
	}
	return current, nil
}

// Resolve returns the account the user is bound to.
func (b *Binder) Resolve(ctx context.Context, userID string) (resource.AccountRef, error) {
	current, err := b.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if !current.IsBound() {
		return "", apperr.New(apperr.KindNotBound, "resolve binding", "user %s has no bound account", userID)
	}
	return current.AccountRef, nil
}

// Access returns the credentials context for a bound account. When several
// users bound the same account the most recent binding wins.
func (b *Binder) Access(_ context.Context, ref resource.AccountRef) (plugin.Access, error) {
	all, err := b.store.List()
	if err != nil {
		return plugin.Access{}, apperr.Wrap(apperr.KindInternal, "account access", err)
	}
	var latest *Binding
	for i := range all {
		bd := &all[i]
		if bd.AccountRef != ref || !bd.IsBound() {
			continue
		}
		if latest == nil || bd.BoundAt.After(latest.BoundAt) {
			latest = bd
		}
	}
	if latest == nil {
		return plugin.Access{}, apperr.New(apperr.KindNotBound, "account access", "account %s is not bound", ref)
	}
	return plugin.Access{Account: ref, Challenge: latest.Challenge}, nil
}

// BoundAccounts returns every distinct bound account, sorted.
func (b *Binder) BoundAccounts(_ context.Context) ([]resource.AccountRef, error) {
	all, err := b.store.List()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "bound accounts", err)
	}
	seen := make(map[resource.AccountRef]bool)
	var refs []resource.AccountRef
	for _, bd := range all {
		if bd.IsBound() && !seen[bd.AccountRef] {
			seen[bd.AccountRef] = true
			refs = append(refs, bd.AccountRef)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs, nil
}

type trustPolicy struct {
	Version   string           `json:"Version"`
	Statement []trustStatement `json:"Statement"`
}

type trustStatement struct {
	Effect    string                       `json:"Effect"`
	Principal map[string]string            `json:"Principal"`
	Action    string                       `json:"Action"`
	Condition map[string]map[string]string `json:"Condition"`
}

// TrustPolicy renders the IAM trust policy a user attaches to their role
// so Overwatch can assume it with challenge as external id.
func (b *Binder) TrustPolicy(challenge string) (string, error) {
	if b.principal == "" {
		return "", apperr.New(apperr.KindInvalid, "trust policy", "aws.principal_arn is not configured")
	}
	doc := trustPolicy{
		Version: "2012-10-17",
		Statement: []trustStatement{{
			Effect:    "Allow",
			Principal: map[string]string{"AWS": b.principal},
			Action:    "sts:AssumeRole",
			Condition: map[string]map[string]string{
				"StringEquals": {"sts:ExternalId": challenge},
			},
		}},
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "trust policy", err)
	}
	return string(out), nil
}
