// Package memory is an in-process Plugin backed by a map of fake accounts.
// It serves tests and the "memory" scanner provider for local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/internal/plugin"
	"github.com/yairfalse/overwatch/pkg/resource"
)

// Name is the plugin identifier.
const Name = "memory"

type account struct {
	id        string
	challenge string // the external id the role trusts; "" accepts none
	resources map[string]resource.Record
}

// Plugin simulates cloud accounts. All methods are safe for concurrent use.
type Plugin struct {
	mu       sync.Mutex
	accounts map[resource.AccountRef]*account

	verifyErr   error
	scanErr     error
	partial     []string
	deleteErrs  map[string]error
	scanGate    chan struct{}
	scanStarted chan struct{}

	scanCalls   int
	deleteCalls int
	now         func() time.Time
}

var _ plugin.Plugin = (*Plugin)(nil)

// New creates an empty plugin.
func New() *Plugin {
	return &Plugin{
		accounts:   make(map[resource.AccountRef]*account),
		deleteErrs: make(map[string]error),
		now:        time.Now,
	}
}

// Name returns "memory".
func (p *Plugin) Name() string {
	return Name
}

// AddAccount creates an account that trusts challenge.
func (p *Plugin) AddAccount(ref resource.AccountRef, challenge string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[ref] = &account{
		id:        ref.AccountID(),
		challenge: challenge,
		resources: make(map[string]resource.Record),
	}
}

// Trust sets the external id the account's role accepts.
func (p *Plugin) Trust(ref resource.AccountRef, challenge string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.accounts[ref]; ok {
		a.challenge = challenge
	}
}

// Put adds or replaces a resource in an existing account.
func (p *Plugin) Put(rec resource.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[rec.AccountRef]
	if !ok {
		a = &account{id: rec.AccountRef.AccountID(), resources: make(map[string]resource.Record)}
		p.accounts[rec.AccountRef] = a
	}
	a.resources[rec.ResourceID] = rec.Clone()
}

// Remove drops a resource as if it was deleted out of band.
func (p *Plugin) Remove(ref resource.AccountRef, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.accounts[ref]; ok {
		delete(a.resources, id)
	}
}

// Resources lists an account's resources ordered by id.
func (p *Plugin) Resources(ref resource.AccountRef) []resource.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[ref]
	if !ok {
		return nil
	}
	out := make([]resource.Record, 0, len(a.resources))
	for _, r := range a.resources {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

// FailVerify makes VerifyAccess return err until cleared with nil.
func (p *Plugin) FailVerify(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verifyErr = err
}

// FailScan makes Scan return err until cleared with nil.
func (p *Plugin) FailScan(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scanErr = err
}

// PartialScan makes Scan report the batch as partial with errs.
func (p *Plugin) PartialScan(errs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.partial = errs
}

// FailDelete makes DeleteResource of id return err; nil clears it.
func (p *Plugin) FailDelete(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.deleteErrs, id)
		return
	}
	p.deleteErrs[id] = err
}

// BlockScans makes Scan wait until the returned release func is called.
// started receives once per scan that reached the gate.
func (p *Plugin) BlockScans() (started <-chan struct{}, release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gate := make(chan struct{})
	ch := make(chan struct{}, 16)
	p.scanGate = gate
	p.scanStarted = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			p.scanGate = nil
			p.mu.Unlock()
			close(gate)
		})
	}
}

// SetClock overrides the clock stamped on scan batches.
func (p *Plugin) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// ScanCalls returns how many times Scan was invoked.
func (p *Plugin) ScanCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scanCalls
}

// DeleteCalls returns how many times DeleteResource was invoked.
func (p *Plugin) DeleteCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deleteCalls
}

// VerifyAccess accepts only the challenge the account trusts.
func (p *Plugin) VerifyAccess(ctx context.Context, ref resource.AccountRef, challenge string) (plugin.Verification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return plugin.Verification{}, apperr.Wrap(apperr.KindExternalUnavailable, "verify access", err)
	}
	if p.verifyErr != nil {
		return plugin.Verification{}, apperr.External("verify access", p.verifyErr)
	}
	a, ok := p.accounts[ref]
	if !ok || a.challenge == "" || a.challenge != challenge {
		return plugin.Verification{}, apperr.New(apperr.KindExternalRejected, "verify access",
			"role %s cannot be assumed with the given external id", ref)
	}
	return plugin.Verification{AccountID: a.id, Challenge: challenge}, nil
}

// Scan returns every resource in the account.
func (p *Plugin) Scan(ctx context.Context, access plugin.Access) (resource.ScanBatch, error) {
	p.mu.Lock()
	p.scanCalls++
	gate, started := p.scanGate, p.scanStarted
	p.mu.Unlock()

	if gate != nil {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return resource.ScanBatch{}, apperr.Wrap(apperr.KindExternalUnavailable, "scan", ctx.Err())
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.scanErr != nil {
		return resource.ScanBatch{}, apperr.External("scan", p.scanErr)
	}
	a, ok := p.accounts[access.Account]
	if !ok || a.challenge != access.Challenge {
		return resource.ScanBatch{}, apperr.New(apperr.KindExternalRejected, "scan", "access to %s denied", access.Account)
	}

	batch := resource.ScanBatch{
		AccountRef: access.Account,
		ScannedAt:  p.now().UTC(),
		Partial:    len(p.partial) > 0,
		Errors:     append([]string(nil), p.partial...),
	}
	ids := make([]string, 0, len(a.resources))
	for id := range a.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		batch.Records = append(batch.Records, a.resources[id].Clone())
	}
	return batch, nil
}

// DeleteResource removes the resource. Missing resources count as deleted.
func (p *Plugin) DeleteResource(ctx context.Context, access plugin.Access, rec resource.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleteCalls++

	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.KindExternalUnavailable, "delete resource", err)
	}
	if err, ok := p.deleteErrs[rec.ResourceID]; ok {
		return apperr.External("delete resource", err)
	}
	a, ok := p.accounts[access.Account]
	if !ok || a.challenge != access.Challenge {
		return apperr.New(apperr.KindExternalRejected, "delete resource", "access to %s denied", access.Account)
	}
	delete(a.resources, rec.ResourceID)
	return nil
}
