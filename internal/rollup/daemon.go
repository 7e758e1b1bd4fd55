package rollup

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pivora/pivora/internal/catalog"
	"github.com/pivora/pivora/internal/notify"
)

// Config holds refresh daemon settings.
type Config struct {
	// ScanInterval is how often the daemon looks for work (default 1m).
	ScanInterval time.Duration
	// BuildTimeout bounds a single build (default 15m).
	BuildTimeout time.Duration
	// BackoffBase is the wait after a first failure (default 30s).
	BackoffBase time.Duration
	// BackoffMax caps the exponential failure backoff (default 30m).
	BackoffMax time.Duration
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() Config {
	return Config{
		ScanInterval: time.Minute,
		BuildTimeout: 15 * time.Minute,
		BackoffBase:  30 * time.Second,
		BackoffMax:   30 * time.Minute,
	}
}

// Daemon is the background worker that builds pending rollups and refreshes
// stale ones. Builds are serialized: one rollup at a time, in catalog order,
// with failed builds retried under exponential backoff.
type Daemon struct {
	cfg      Config
	catalog  *catalog.Store
	builder  *Materializer
	bus      *notify.Bus
	backoff  *failureBackoff
	wake     chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a refresh daemon. The bus may be nil in tools that do
// not fan out change events.
func NewDaemon(cfg Config, cat *catalog.Store, builder *Materializer, bus *notify.Bus) *Daemon {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Minute
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 15 * time.Minute
	}
	return &Daemon{
		cfg:     cfg,
		catalog: cat,
		builder: builder,
		bus:     bus,
		backoff: newFailureBackoff(cfg.BackoffBase, cfg.BackoffMax),
		wake:    make(chan struct{}, 1),
	}
}

// Start begins the refresh loop. It runs until the context is cancelled or
// Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("rollup: daemon is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop gracefully stops the daemon, waiting for an in-flight build.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.cancel()
	<-d.done
	d.running = false
	return nil
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	// Run immediately on start, then on every tick or wake.
	d.runOnce(ctx)

	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(ctx)
		case <-d.wake:
			d.runOnce(ctx)
		}
	}
}

// runOnce scans for pending, stale and failed rollups and builds each
// eligible one. Individual failures never halt the scan.
func (d *Daemon) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	var work []*catalog.Rollup
	for _, status := range []catalog.RollupStatus{
		catalog.StatusPending, catalog.StatusStale, catalog.StatusError,
	} {
		rollups, err := d.catalog.ListRollupsByStatus(ctx, status)
		if err != nil {
			log.Printf("rollup: failed to list %s rollups: %v", status, err)
			return
		}
		work = append(work, rollups...)
	}

	now := time.Now()
	for _, r := range work {
		if ctx.Err() != nil {
			return
		}
		if !d.backoff.Ready(r.ID, now) {
			continue
		}
		if err := d.build(ctx, r); err != nil {
			delay := d.backoff.RecordFailure(r.ID, time.Now())
			log.Printf("rollup: build %s failed (retry in %s): %v", r.ID, delay, err)
		}
	}
}

// build drives one rollup through its lifecycle: mark building, run the
// materializer, mark the outcome, announce readiness.
func (d *Daemon) build(ctx context.Context, r *catalog.Rollup) error {
	jobID := uuid.NewString()[:8]

	building := catalog.StatusCreating
	if r.Status == catalog.StatusStale || (r.Status == catalog.StatusError && r.RowCount > 0) {
		building = catalog.StatusRefreshing
	}
	if err := d.catalog.UpdateRollupStatus(ctx, r.ID, building, ""); err != nil {
		return err
	}
	log.Printf("rollup: job %s building %s (%s, dims=%v)", jobID, r.ID, building, r.Dimensions)

	buildCtx, cancel := context.WithTimeout(ctx, d.cfg.BuildTimeout)
	result, err := d.builder.Build(buildCtx, r)
	cancel()
	if err != nil {
		if stErr := d.catalog.UpdateRollupStatus(ctx, r.ID, catalog.StatusError, err.Error()); stErr != nil {
			log.Printf("rollup: job %s could not record failure of %s: %v", jobID, r.ID, stErr)
		}
		return err
	}

	if err := d.catalog.UpdateRollupStatus(ctx, r.ID, catalog.StatusReady, ""); err != nil {
		return err
	}
	d.backoff.Reset(r.ID)
	log.Printf("rollup: job %s built %s: %d rows in %s", jobID, r.ID, result.Rows, result.Duration)

	if d.bus != nil {
		d.bus.Publish(notify.Event{Kind: notify.RollupReady, RollupID: r.ID, Table: r.Table})
	}
	return nil
}

// RequestRefresh marks a ready rollup stale and wakes the daemon. Rollups
// already awaiting work just have their backoff cleared so the next scan
// picks them up immediately.
func (d *Daemon) RequestRefresh(ctx context.Context, id string) error {
	r, err := d.catalog.GetRollup(ctx, id)
	if err != nil {
		return err
	}

	switch r.Status {
	case catalog.StatusReady:
		if err := d.catalog.UpdateRollupStatus(ctx, id, catalog.StatusStale, ""); err != nil {
			return err
		}
		if d.bus != nil {
			d.bus.Publish(notify.Event{Kind: notify.RollupStale, RollupID: r.ID, Table: r.Table})
		}
	case catalog.StatusPending, catalog.StatusStale, catalog.StatusError:
		d.backoff.Reset(id)
	default:
		// creating/refreshing: a build is already in flight.
		return nil
	}

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// RunOnce performs a single scan cycle (useful for testing and the CLI).
func (d *Daemon) RunOnce(ctx context.Context) {
	d.runOnce(ctx)
}
