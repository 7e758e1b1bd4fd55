package rollup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pivora/pivora/internal/catalog"
	"github.com/pivora/pivora/internal/notify"
	"github.com/pivora/pivora/internal/tabular"
	"github.com/pivora/pivora/pkg/types"
)

func newTestDaemon(t *testing.T) (*Daemon, *catalog.Store, *notify.Bus, *tabular.SQLiteStore) {
	t.Helper()

	warehouse, cat := newBuildFixture(t)
	bus := notify.NewBus(16)
	d := NewDaemon(Config{
		ScanInterval: 50 * time.Millisecond,
		BuildTimeout: time.Minute,
		BackoffBase:  time.Hour,
		BackoffMax:   time.Hour,
	}, cat, NewMaterializer(warehouse, cat), bus)

	return d, cat, bus, warehouse
}

func waitForEvent(t *testing.T, ch <-chan notify.Event, kind notify.EventKind) notify.Event {
	t.Helper()
	select {
	case ev := <-ch:
		require.Equal(t, kind, ev.Kind)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", kind)
		return notify.Event{}
	}
}

func TestDaemonRunOncePromotesPendingRollup(t *testing.T) {
	ctx := context.Background()
	d, cat, bus, warehouse := newTestDaemon(t)

	registerTestRollup(t, cat, "rollup_date_country",
		[]types.DimensionID{"date", "country"},
		[]types.MetricID{"queries", "clicks", "revenue"})

	sub := bus.Subscribe("daemon-test", notify.RollupReady)
	defer bus.Unsubscribe(sub.ID)

	d.RunOnce(ctx)

	stored, err := cat.GetRollup(ctx, "rollup_date_country")
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusReady, stored.Status)
	assert.Equal(t, int64(4), stored.RowCount)
	assert.Empty(t, stored.LastError)

	ev := waitForEvent(t, sub.Ch, notify.RollupReady)
	assert.Equal(t, "rollup_date_country", ev.RollupID)
	assert.Equal(t, "rollup_date_country", ev.Table)

	rows := fetchRollupRows(t, warehouse, "rollup_date_country", []string{"event_date", "country_code"})
	assert.Len(t, rows, 4)
}

func TestDaemonRunOnceRecordsFailureAndBacksOff(t *testing.T) {
	ctx := context.Background()
	d, cat, _, _ := newTestDaemon(t)

	registerTestRollup(t, cat, "rollup_broken",
		[]types.DimensionID{"country"},
		[]types.MetricID{"sessions"})

	d.RunOnce(ctx)

	stored, err := cat.GetRollup(ctx, "rollup_broken")
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusError, stored.Status)
	assert.Contains(t, stored.LastError, "sessions")

	// The failure arms the backoff, so the next scans leave it alone.
	assert.False(t, d.backoff.Ready("rollup_broken", time.Now()))
	d.RunOnce(ctx)

	// An operator-requested refresh clears the backoff for another try.
	require.NoError(t, d.RequestRefresh(ctx, "rollup_broken"))
	assert.True(t, d.backoff.Ready("rollup_broken", time.Now()))

	d.RunOnce(ctx)
	assert.False(t, d.backoff.Ready("rollup_broken", time.Now()),
		"retry failed again and re-armed the backoff")
}

func TestDaemonRequestRefreshFlow(t *testing.T) {
	ctx := context.Background()
	d, cat, bus, warehouse := newTestDaemon(t)

	registerTestRollup(t, cat, "rollup_date_country",
		[]types.DimensionID{"date", "country"},
		[]types.MetricID{"queries", "clicks", "revenue"})
	d.RunOnce(ctx)

	stored, err := cat.GetRollup(ctx, "rollup_date_country")
	require.NoError(t, err)
	require.Equal(t, catalog.StatusReady, stored.Status)

	sub := bus.Subscribe("refresh-test", notify.RollupStale)
	defer bus.Unsubscribe(sub.ID)

	require.NoError(t, d.RequestRefresh(ctx, "rollup_date_country"))
	stored, err = cat.GetRollup(ctx, "rollup_date_country")
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusStale, stored.Status)

	ev := waitForEvent(t, sub.Ch, notify.RollupStale)
	assert.Equal(t, "rollup_date_country", ev.Table)

	// New source data lands between the refresh request and the rebuild.
	_, err = warehouse.DB().Exec(
		`INSERT INTO search_events (query_id, clicks, revenue, event_date, country_code, device)
		 VALUES ('q4', 5, 100.0, '2024-01-04', 'DK', 'mobile')`)
	require.NoError(t, err)

	// A stale rollup only accepts the refreshing transition, so reaching
	// ready here proves the daemon picked the refresh path over create.
	d.RunOnce(ctx)
	stored, err = cat.GetRollup(ctx, "rollup_date_country")
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusReady, stored.Status)
	assert.Equal(t, int64(5), stored.RowCount)

	rows := fetchRollupRows(t, warehouse, "rollup_date_country", []string{"event_date", "country_code"})
	assert.Len(t, rows, 5)
}

func TestDaemonRequestRefreshWhileBuildingIsNoOp(t *testing.T) {
	ctx := context.Background()
	d, cat, bus, _ := newTestDaemon(t)

	registerTestRollup(t, cat, "rollup_date_country",
		[]types.DimensionID{"date", "country"},
		[]types.MetricID{"clicks"})
	require.NoError(t, cat.UpdateRollupStatus(ctx, "rollup_date_country", catalog.StatusCreating, ""))

	sub := bus.Subscribe("noop-test")
	defer bus.Unsubscribe(sub.ID)

	require.NoError(t, d.RequestRefresh(ctx, "rollup_date_country"))

	stored, err := cat.GetRollup(ctx, "rollup_date_country")
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCreating, stored.Status, "in-flight build is left alone")
	select {
	case ev := <-sub.Ch:
		t.Fatalf("unexpected event %s for in-flight rollup", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDaemonStartStop(t *testing.T) {
	ctx := context.Background()
	d, cat, bus, _ := newTestDaemon(t)

	registerTestRollup(t, cat, "rollup_country",
		[]types.DimensionID{"country"},
		[]types.MetricID{"queries"})

	sub := bus.Subscribe("lifecycle-test", notify.RollupReady)
	defer bus.Unsubscribe(sub.ID)

	require.NoError(t, d.Start(ctx))
	require.Error(t, d.Start(ctx), "second start must be refused")

	waitForEvent(t, sub.Ch, notify.RollupReady)
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop(), "stop is idempotent")

	stored, err := cat.GetRollup(ctx, "rollup_country")
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusReady, stored.Status)
}
