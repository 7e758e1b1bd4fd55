package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pivora/pivora/internal/errors"
	"github.com/pivora/pivora/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "catalog_store_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	store, err := NewStore(filepath.Join(tempDir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func boolPtr(b bool) *bool { return &b }

func TestStoreMetricsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	metrics := []*MetricDef{
		{ID: "queries", Category: CategoryVolume, ColumnName: "queries",
			Expression: "COUNT(DISTINCT query_id)", DisplayOrder: 0},
		{ID: "clicks", Category: CategoryVolume, ColumnName: "clicks",
			Expression: "SUM(clicks)", DistinctLike: boolPtr(false), DisplayOrder: 1},
		{ID: "ctr", Category: CategoryDerived, Formula: "{clicks} / {queries}", DisplayOrder: 2},
	}
	for _, m := range metrics {
		require.NoError(t, store.PutMetric(ctx, "search_events", m))
	}

	got, err := store.ListMetrics(ctx, "search_events")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, types.MetricID("queries"), got[0].ID)
	assert.Equal(t, types.MetricID("clicks"), got[1].ID)
	assert.Equal(t, types.MetricID("ctr"), got[2].ID)

	// distinct_like stored as NULL stays nil; explicit false survives
	assert.Nil(t, got[0].DistinctLike)
	require.NotNil(t, got[1].DistinctLike)
	assert.False(t, *got[1].DistinctLike)

	assert.Equal(t, "COUNT(DISTINCT query_id)", got[0].Expression)
	assert.Equal(t, "{clicks} / {queries}", got[2].Formula)

	// Metrics from another table are not visible
	other, err := store.ListMetrics(ctx, "other_table")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestStoreMetricValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.PutMetric(ctx, "search_events", &MetricDef{
		ID: "bad", Category: CategoryVolume, Formula: "{a}/{b}", ColumnName: "bad",
	})
	assert.Error(t, err, "volume metric with a formula must be rejected")

	err = store.PutMetric(ctx, "search_events", &MetricDef{
		ID: "bad2", Category: CategoryDerived,
	})
	assert.Error(t, err, "derived metric without a formula must be rejected")
}

func TestStoreDimensionsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	dims := []*DimensionDef{
		{ID: "date", ColumnName: "event_date", DataType: TypeDate, Filterable: true, Groupable: true, DisplayOrder: 0},
		{ID: "country", ColumnName: "country", DataType: TypeString, Filterable: true, Groupable: true, DisplayOrder: 1},
		{ID: "session_id", ColumnName: "session_id", DataType: TypeString, Filterable: true, Groupable: false, DisplayOrder: 2},
	}
	for _, d := range dims {
		require.NoError(t, store.PutDimension(ctx, "search_events", d))
	}

	got, err := store.ListDimensions(ctx, "search_events")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, types.DimensionID("date"), got[0].ID)
	assert.True(t, got[0].Groupable)
	assert.False(t, got[2].Groupable)
	assert.Equal(t, "event_date", got[0].ColumnName)
}

func TestStoreRollupRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ids := []string{"r-alpha", "r-beta", "r-gamma"}
	for _, id := range ids {
		require.NoError(t, store.RegisterRollup(ctx, &Rollup{
			ID: id, Table: "rollup_" + id, SourceTable: "search_events",
			Dimensions: []types.DimensionID{"date", "country"},
			Metrics:    []types.MetricID{"queries", "clicks"},
		}))
	}

	got, err := store.ListRollups(ctx, "search_events")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, id := range ids {
		assert.Equal(t, id, got[i].ID, "registration order must be preserved")
		assert.Equal(t, StatusPending, got[i].Status)
	}
}

func TestStoreRollupLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.RegisterRollup(ctx, &Rollup{
		ID: "r1", Table: "rollup_r1", SourceTable: "search_events",
		Dimensions: []types.DimensionID{"date"},
		Metrics:    []types.MetricID{"queries"},
	}))

	// pending -> creating -> ready
	require.NoError(t, store.UpdateRollupStatus(ctx, "r1", StatusCreating, ""))
	require.NoError(t, store.UpdateRollupStatus(ctx, "r1", StatusReady, ""))

	// ready -> pending is not a legal transition
	err := store.UpdateRollupStatus(ctx, "r1", StatusPending, "")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidTransition, apperrors.GetCode(err))

	// Stats recorded after build
	minDate := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	maxDate := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordRollupStats(ctx, "r1", 120000, 4<<20, &minDate, &maxDate))

	got, err := store.GetRollup(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
	assert.Equal(t, int64(120000), got.RowCount)
	require.NotNil(t, got.MinDate)
	assert.Equal(t, minDate, *got.MinDate)

	// ready -> refreshing -> error keeps last-good stats and records the failure
	require.NoError(t, store.UpdateRollupStatus(ctx, "r1", StatusRefreshing, ""))
	require.NoError(t, store.UpdateRollupStatus(ctx, "r1", StatusError, "refresh query failed"))

	got, err = store.GetRollup(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "refresh query failed", got.LastError)
	assert.Equal(t, int64(120000), got.RowCount, "stats must survive error transitions")

	// error -> refreshing -> ready clears the failure message
	require.NoError(t, store.UpdateRollupStatus(ctx, "r1", StatusRefreshing, ""))
	require.NoError(t, store.UpdateRollupStatus(ctx, "r1", StatusReady, ""))
	got, err = store.GetRollup(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, got.LastError)
}

func TestStoreRollupStatusScan(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, id := range []string{"r1", "r2"} {
		require.NoError(t, store.RegisterRollup(ctx, &Rollup{
			ID: id, Table: "rollup_" + id, SourceTable: "search_events",
			Dimensions: []types.DimensionID{"date"},
			Metrics:    []types.MetricID{"queries"},
		}))
	}
	require.NoError(t, store.UpdateRollupStatus(ctx, "r2", StatusCreating, ""))

	pending, err := store.ListRollupsByStatus(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r1", pending[0].ID)
}

func TestStoreUnknownRollup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetRollup(ctx, "nope")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeSchemaMissing, apperrors.GetCode(err))

	err = store.UpdateRollupStatus(ctx, "nope", StatusCreating, "")
	require.Error(t, err)
}

func TestStoreCustomDimensionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	min100 := 100.0
	min50, max149 := 50.0, 149.0
	def := &CustomDimension{
		ID:           "query_volume_band",
		Name:         "Query Volume Band",
		Type:         CustomDimMetricBucket,
		SourceMetric: "queries",
		Rules: []BucketRule{
			{Label: "High", Min: &min100},
			{Label: "Medium", Min: &min50, Max: &max149},
		},
	}
	require.NoError(t, store.PutCustomDimension(ctx, "search_events", def))

	got, err := store.GetCustomDimension(ctx, "search_events", "query_volume_band")
	require.NoError(t, err)
	assert.Equal(t, CustomDimMetricBucket, got.Type)
	assert.Equal(t, types.MetricID("queries"), got.SourceMetric)
	require.Len(t, got.Rules, 2)
	require.NotNil(t, got.Rules[0].Min)
	assert.Equal(t, 100.0, *got.Rules[0].Min)
	assert.Nil(t, got.Rules[0].Max)

	_, err = store.GetCustomDimension(ctx, "search_events", "missing")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeUnknownCustomDimension, apperrors.GetCode(err))
}

func TestStoreCustomMetricRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	def := &CustomMetric{
		ID:                "clicks_per_day",
		Name:              "Clicks Per Day",
		SourceMetric:      "clicks",
		AggregationType:   AggAvgPerDay,
		ExcludeDimensions: []types.DimensionID{"device"},
	}
	require.NoError(t, store.PutCustomMetric(ctx, "search_events", def))

	got, err := store.GetCustomMetric(ctx, "search_events", "clicks_per_day")
	require.NoError(t, err)
	assert.Equal(t, AggAvgPerDay, got.AggregationType)
	assert.Equal(t, []types.DimensionID{"device"}, got.ExcludeDimensions)

	list, err := store.ListCustomMetrics(ctx, "search_events")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.GetCustomMetric(ctx, "search_events", "missing")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeUnknownCustomMetric, apperrors.GetCode(err))
}
