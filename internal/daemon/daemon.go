// Package daemon runs scans, reaps and tombstone compaction on timers.
package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/internal/reaper"
	"github.com/yairfalse/overwatch/internal/scan"
	"github.com/yairfalse/overwatch/internal/storage"
	"github.com/yairfalse/overwatch/pkg/resource"
)

// DefaultCompactInterval is how often tombstones older than the TTL are dropped.
const DefaultCompactInterval = time.Hour

// Config holds daemon configuration. A zero interval disables that job.
type Config struct {
	ScanInterval    time.Duration
	ReapInterval    time.Duration
	CompactInterval time.Duration
	TombstoneTTL    time.Duration
}

// Lifecycle is what the daemon drives.
type Lifecycle interface {
	BoundAccounts(ctx context.Context) ([]resource.AccountRef, error)
	Scan(ctx context.Context, ref resource.AccountRef) (scan.Summary, error)
	ReapExpired(ctx context.Context, ref resource.AccountRef) (reaper.Summary, error)
}

// Daemon manages the periodic jobs.
type Daemon struct {
	cfg       Config
	lc        Lifecycle
	compactor storage.Compactor
	metrics   *Metrics
	log       zerolog.Logger
	now       func() time.Time

	startTime time.Time
	running   atomic.Bool
	scanRuns  atomic.Int64
	reapRuns  atomic.Int64

	mu       sync.Mutex
	lastScan time.Time
	lastReap time.Time
	lastErr  string
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the daemon logger.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Daemon) { d.log = log }
}

// WithMetrics sets the operational metrics.
func WithMetrics(m *Metrics) Option {
	return func(d *Daemon) { d.metrics = m }
}

// WithClock overrides the daemon clock.
func WithClock(now func() time.Time) Option {
	return func(d *Daemon) { d.now = now }
}

// New creates a daemon instance.
func New(cfg Config, lc Lifecycle, compactor storage.Compactor, opts ...Option) (*Daemon, error) {
	if cfg.ScanInterval < 0 || cfg.ReapInterval < 0 || cfg.CompactInterval < 0 {
		return nil, errors.New("daemon: intervals must not be negative")
	}
	if cfg.CompactInterval == 0 && cfg.TombstoneTTL > 0 {
		cfg.CompactInterval = DefaultCompactInterval
	}
	d := &Daemon{
		cfg:       cfg,
		lc:        lc,
		compactor: compactor,
		log:       zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		m, err := NewMetrics(nil)
		if err != nil {
			return nil, err
		}
		d.metrics = m
	}
	d.startTime = d.now()
	return d, nil
}

func tick(interval time.Duration) (<-chan time.Time, func()) {
	if interval <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(interval)
	return t.C, t.Stop
}

// Start runs the jobs until ctx is cancelled. A scan cycle runs immediately.
func (d *Daemon) Start(ctx context.Context) error {
	d.running.Store(true)
	defer d.running.Store(false)

	scanC, stopScan := tick(d.cfg.ScanInterval)
	defer stopScan()
	reapC, stopReap := tick(d.cfg.ReapInterval)
	defer stopReap()
	compactC, stopCompact := tick(d.cfg.CompactInterval)
	defer stopCompact()

	d.log.Info().
		Dur("scan_interval", d.cfg.ScanInterval).
		Dur("reap_interval", d.cfg.ReapInterval).
		Dur("compact_interval", d.cfg.CompactInterval).
		Msg("daemon started")

	if d.cfg.ScanInterval > 0 {
		d.ScanCycle(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("daemon stopped")
			return nil
		case <-scanC:
			d.ScanCycle(ctx)
		case <-reapC:
			d.ReapCycle(ctx)
		case <-compactC:
			d.Compact(ctx)
		}
	}
}

// ScanCycle scans every bound account once.
func (d *Daemon) ScanCycle(ctx context.Context) {
	start := d.now()
	d.scanRuns.Add(1)

	refs, err := d.lc.BoundAccounts(ctx)
	if err != nil {
		d.fail("scan", err)
		d.metrics.RecordCycle(ctx, "scan", "error", d.now().Sub(start))
		return
	}

	status := "success"
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		summary, err := d.lc.Scan(ctx, ref)
		switch {
		case err == nil:
		case errors.Is(err, apperr.ErrPartialScan):
			status = "partial"
			d.log.Warn().Str("account", string(ref)).Strs("errors", summary.Errors).Msg("partial scan")
		case errors.Is(err, apperr.ErrScanInProgress):
			d.log.Debug().Str("account", string(ref)).Msg("scan already running, skipped")
		default:
			status = "error"
			d.fail("scan", err)
		}
	}

	d.mu.Lock()
	d.lastScan = start
	d.mu.Unlock()
	d.metrics.RecordCycle(ctx, "scan", status, d.now().Sub(start))
}

// ReapCycle reaps every bound account once.
func (d *Daemon) ReapCycle(ctx context.Context) {
	start := d.now()
	d.reapRuns.Add(1)

	summary, err := d.lc.ReapExpired(ctx, "")
	status := "success"
	switch {
	case err != nil:
		status = "error"
		d.fail("reap", err)
	case summary.Failed > 0:
		status = "partial"
	}

	d.mu.Lock()
	d.lastReap = start
	d.mu.Unlock()
	d.metrics.RecordCycle(ctx, "reap", status, d.now().Sub(start))
}

// Compact drops tombstones older than the configured TTL.
func (d *Daemon) Compact(ctx context.Context) {
	if d.compactor == nil || d.cfg.TombstoneTTL <= 0 {
		return
	}
	start := d.now()
	removed, err := d.compactor.Compact(start.Add(-d.cfg.TombstoneTTL))
	if err != nil {
		d.fail("compact", err)
		d.metrics.RecordCycle(ctx, "compact", "error", d.now().Sub(start))
		return
	}
	d.metrics.RecordCompaction(ctx, removed)
	d.metrics.RecordCycle(ctx, "compact", "success", d.now().Sub(start))
	if removed > 0 {
		d.log.Info().Int("removed", removed).Msg("tombstones compacted")
	}
}

func (d *Daemon) fail(job string, err error) {
	d.log.Error().Err(err).Str("job", job).Str("kind", string(apperr.KindOf(err))).Msg("daemon job failed")
	d.mu.Lock()
	d.lastErr = job + ": " + err.Error()
	d.mu.Unlock()
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status     string    `json:"status"`
	Uptime     int64     `json:"uptime_seconds"`
	ScanCycles int64     `json:"scan_cycles"`
	ReapCycles int64     `json:"reap_cycles"`
	LastScan   time.Time `json:"last_scan,omitzero"`
	LastReap   time.Time `json:"last_reap,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return HealthStatus{
		Status:     "healthy",
		Uptime:     int64(d.now().Sub(d.startTime).Seconds()),
		ScanCycles: d.scanRuns.Load(),
		ReapCycles: d.reapRuns.Load(),
		LastScan:   d.lastScan,
		LastReap:   d.lastReap,
		LastError:  d.lastErr,
	}
}

// Ready reports whether the job loop is running.
func (d *Daemon) Ready() bool {
	return d.running.Load()
}
