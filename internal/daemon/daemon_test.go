package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/internal/reaper"
	"github.com/yairfalse/overwatch/internal/scan"
	"github.com/yairfalse/overwatch/pkg/resource"
)

const (
	refA = resource.AccountRef("arn:aws:iam::111111111111:role/OverwatchAccess")
	refB = resource.AccountRef("arn:aws:iam::222222222222:role/OverwatchAccess")
)

type fakeLifecycle struct {
	mu       sync.Mutex
	refs     []resource.AccountRef
	scanned  []resource.AccountRef
	reaps    int
	scanErrs map[resource.AccountRef]error
	reapErr  error
	reaped   reaper.Summary
}

func (f *fakeLifecycle) BoundAccounts(context.Context) ([]resource.AccountRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]resource.AccountRef(nil), f.refs...), nil
}

func (f *fakeLifecycle) Scan(_ context.Context, ref resource.AccountRef) (scan.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanned = append(f.scanned, ref)
	return scan.Summary{Account: ref}, f.scanErrs[ref]
}

func (f *fakeLifecycle) ReapExpired(context.Context, resource.AccountRef) (reaper.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reaps++
	return f.reaped, f.reapErr
}

func (f *fakeLifecycle) scans() []resource.AccountRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]resource.AccountRef(nil), f.scanned...)
}

type fakeCompactor struct {
	mu        sync.Mutex
	olderThan []time.Time
	err       error
}

func (c *fakeCompactor) Compact(olderThan time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.olderThan = append(c.olderThan, olderThan)
	return 2, c.err
}

func TestNew_RejectsNegativeIntervals(t *testing.T) {
	_, err := New(Config{ScanInterval: -time.Second}, &fakeLifecycle{}, nil)
	assert.Error(t, err)
}

func TestNew_DefaultCompactInterval(t *testing.T) {
	d, err := New(Config{TombstoneTTL: time.Hour}, &fakeLifecycle{}, &fakeCompactor{})
	require.NoError(t, err)
	assert.Equal(t, DefaultCompactInterval, d.cfg.CompactInterval)
}

func TestDaemon_ScanCycle(t *testing.T) {
	lc := &fakeLifecycle{
		refs: []resource.AccountRef{refA, refB},
		scanErrs: map[resource.AccountRef]error{
			refA: apperr.New(apperr.KindPartialScan, "run scan", "1 scanner errors"),
			refB: apperr.New(apperr.KindExternalUnavailable, "run scan", "timeout"),
		},
	}
	d, err := New(Config{}, lc, nil)
	require.NoError(t, err)

	d.ScanCycle(context.Background())

	// One failing account does not stop the others.
	assert.Equal(t, []resource.AccountRef{refA, refB}, lc.scans())
	h := d.Health()
	assert.Equal(t, int64(1), h.ScanCycles)
	assert.False(t, h.LastScan.IsZero())
	assert.Contains(t, h.LastError, "scan")
}

func TestDaemon_ReapCycle(t *testing.T) {
	lc := &fakeLifecycle{reaped: reaper.Summary{Deleted: 2}}
	d, err := New(Config{}, lc, nil)
	require.NoError(t, err)

	d.ReapCycle(context.Background())
	assert.Equal(t, 1, lc.reaps)
	assert.Empty(t, d.Health().LastError)

	lc.reapErr = errors.New("store closed")
	d.ReapCycle(context.Background())
	assert.Equal(t, int64(2), d.Health().ReapCycles)
	assert.Contains(t, d.Health().LastError, "store closed")
}

func TestDaemon_Compact(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	c := &fakeCompactor{}
	d, err := New(Config{TombstoneTTL: 24 * time.Hour}, &fakeLifecycle{}, c, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	d.Compact(context.Background())
	require.Len(t, c.olderThan, 1)
	assert.Equal(t, now.Add(-24*time.Hour), c.olderThan[0])

	// No TTL means tombstones are kept.
	c2 := &fakeCompactor{}
	d, err = New(Config{}, &fakeLifecycle{}, c2)
	require.NoError(t, err)
	d.Compact(context.Background())
	assert.Empty(t, c2.olderThan)
}

func TestDaemon_Start(t *testing.T) {
	lc := &fakeLifecycle{refs: []resource.AccountRef{refA}}
	d, err := New(Config{ScanInterval: 20 * time.Millisecond, ReapInterval: 20 * time.Millisecond}, lc, nil)
	require.NoError(t, err)
	assert.False(t, d.Ready())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return d.Ready() && len(lc.scans()) >= 2 && d.Health().ReapCycles >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Daemon did not shutdown within timeout")
	}
	assert.False(t, d.Ready())
}

func TestDaemon_StartWithJobsDisabled(t *testing.T) {
	lc := &fakeLifecycle{refs: []resource.AccountRef{refA}}
	d, err := New(Config{}, lc, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Start(ctx))

	assert.Empty(t, lc.scans())
	assert.Equal(t, 0, lc.reaps)
}

func TestDaemon_Health(t *testing.T) {
	start := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	now := start
	d, err := New(Config{}, &fakeLifecycle{}, nil, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	now = start.Add(90 * time.Second)
	h := d.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, int64(90), h.Uptime)
}
