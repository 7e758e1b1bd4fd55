package engine

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/pivora/pivora/internal/catalog"
	"github.com/pivora/pivora/internal/notify"
	"github.com/pivora/pivora/internal/observability"
	"github.com/pivora/pivora/internal/query/router"
	"github.com/pivora/pivora/internal/tabular"
	"github.com/pivora/pivora/pkg/types"
)

// Service is the query-serving surface of the engine, implemented by both
// Engine and Reloader.
type Service interface {
	GetPivotData(ctx context.Context, req *PivotRequest) (*types.PivotResult, error)
	Route(req *PivotRequest) (*router.Decision, error)
}

// Reloader serves requests against the latest catalog snapshot. It rebuilds
// the engine whenever the catalog or a rollup changes, so a rollup promoted
// to ready becomes routable without a restart.
type Reloader struct {
	cat     *catalog.Store
	store   tabular.Store
	table   string
	stats   *observability.RoutingStats
	current atomic.Pointer[Engine]
}

// NewReloader loads the initial snapshot and returns a serving reloader.
// stats may be nil to disable routing stats reporting.
func NewReloader(ctx context.Context, cat *catalog.Store, store tabular.Store,
	table string, stats *observability.RoutingStats) (*Reloader, error) {
	r := &Reloader{cat: cat, store: store, table: table, stats: stats}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload swaps in an engine over a freshly loaded snapshot. In-flight
// requests keep the snapshot they started with.
func (r *Reloader) Reload(ctx context.Context) error {
	snap, err := catalog.LoadSnapshot(ctx, r.cat, r.table)
	if err != nil {
		return err
	}
	eng := New(snap, r.store)
	eng.SetRoutingStats(r.stats)
	r.current.Store(eng)
	return nil
}

// Engine returns the engine over the latest loaded snapshot.
func (r *Reloader) Engine() *Engine {
	return r.current.Load()
}

// GetPivotData serves the request on the current snapshot.
func (r *Reloader) GetPivotData(ctx context.Context, req *PivotRequest) (*types.PivotResult, error) {
	return r.Engine().GetPivotData(ctx, req)
}

// Route explains routing on the current snapshot.
func (r *Reloader) Route(req *PivotRequest) (*router.Decision, error) {
	return r.Engine().Route(req)
}

// Watch reloads the snapshot on every bus event until the channel closes.
// Every event kind affects routing: ready and stale rollups change
// eligibility, catalog changes alter definitions.
func (r *Reloader) Watch(events <-chan notify.Event) {
	for ev := range events {
		if err := r.Reload(context.Background()); err != nil {
			log.Printf("engine: snapshot reload after %s failed: %v", ev.Kind, err)
		}
	}
}
