package rollup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pivora/pivora/internal/catalog"
	apperrors "github.com/pivora/pivora/internal/errors"
	"github.com/pivora/pivora/internal/tabular"
	"github.com/pivora/pivora/pkg/types"
)

// newBuildFixture stands up an in-memory warehouse with a raw fact table
// and a catalog store holding the matching metric and dimension defs.
func newBuildFixture(t *testing.T) (*tabular.SQLiteStore, *catalog.Store) {
	t.Helper()

	warehouse, err := tabular.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { warehouse.Close() })

	ddl := []string{
		`CREATE TABLE search_events (
			query_id TEXT,
			clicks INTEGER,
			revenue REAL,
			event_date TEXT,
			country_code TEXT,
			device TEXT
		)`,
		`INSERT INTO search_events (query_id, clicks, revenue, event_date, country_code, device) VALUES
			('q1', 1, 10.0, '2024-01-01', 'NO', 'mobile'),
			('q1', 0, 5.0,  '2024-01-01', 'NO', 'desktop'),
			('q9', 3, 7.0,  '2024-01-01', 'NO', 'mobile'),
			('q2', 2, 20.0, '2024-01-01', 'SE', 'mobile'),
			('q2', 1, 2.5,  '2024-01-02', 'NO', 'mobile'),
			('q3', 4, 40.0, '2024-01-03', 'SE', 'desktop')`,
	}
	for _, stmt := range ddl {
		_, err := warehouse.DB().Exec(stmt)
		require.NoError(t, err)
	}

	tempDir, err := os.MkdirTemp("", "rollup_build_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	cat, err := catalog.NewStore(filepath.Join(tempDir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	ctx := context.Background()
	metrics := []*catalog.MetricDef{
		{ID: "queries", Name: "Queries", Category: catalog.CategoryVolume,
			ColumnName: "query_id", Expression: "COUNT(DISTINCT `query_id`)", DisplayOrder: 1},
		{ID: "clicks", Name: "Clicks", Category: catalog.CategoryVolume,
			ColumnName: "clicks", DisplayOrder: 2},
		{ID: "revenue", Name: "Revenue", Category: catalog.CategoryVolume,
			ColumnName: "revenue", DisplayOrder: 3},
		{ID: "ctr", Name: "CTR", Category: catalog.CategoryDerived,
			Formula: "{clicks} / {queries}", DisplayOrder: 4},
	}
	for _, m := range metrics {
		require.NoError(t, cat.PutMetric(ctx, "search_events", m))
	}
	dims := []*catalog.DimensionDef{
		{ID: "date", Name: "Date", ColumnName: "event_date", DataType: catalog.TypeDate,
			Filterable: true, Groupable: true, DisplayOrder: 1},
		{ID: "country", Name: "Country", ColumnName: "country_code", DataType: catalog.TypeString,
			Filterable: true, Groupable: true, DisplayOrder: 2},
		{ID: "device", Name: "Device", ColumnName: "device", DataType: catalog.TypeString,
			Filterable: true, Groupable: true, DisplayOrder: 3},
	}
	for _, d := range dims {
		require.NoError(t, cat.PutDimension(ctx, "search_events", d))
	}

	return warehouse, cat
}

func registerTestRollup(t *testing.T, cat *catalog.Store, id string, dims []types.DimensionID, metrics []types.MetricID) *catalog.Rollup {
	t.Helper()
	r := &catalog.Rollup{
		ID: id, Table: id, SourceTable: "search_events",
		Dimensions: dims, Metrics: metrics,
	}
	require.NoError(t, cat.RegisterRollup(context.Background(), r))
	return r
}

// fetchRollupRows reads the materialized table back, one row per stored
// group, ordered for stable assertions.
func fetchRollupRows(t *testing.T, warehouse tabular.Store, table string, dimColumns []string) []tabular.Row {
	t.Helper()

	spec := &tabular.GroupedFetchSpec{Table: table}
	for _, col := range dimColumns {
		spec.Select = append(spec.Select, tabular.SelectColumn{
			Kind: tabular.KindGroup, Column: col, Alias: col,
		})
		spec.GroupBy = append(spec.GroupBy, col)
		spec.OrderBy = append(spec.OrderBy, tabular.OrderBy{Alias: col})
	}
	for _, m := range []string{"queries", "clicks", "revenue"} {
		spec.Select = append(spec.Select, tabular.SelectColumn{
			Kind: tabular.KindSum, Column: m, Alias: m,
		})
	}

	rows, err := warehouse.Execute(context.Background(), spec)
	require.NoError(t, err)
	return rows
}

func TestMaterializerBuildCreatesQueryableTable(t *testing.T) {
	ctx := context.Background()
	warehouse, cat := newBuildFixture(t)
	m := NewMaterializer(warehouse, cat)

	r := registerTestRollup(t, cat, "rollup_date_country",
		[]types.DimensionID{"date", "country"},
		[]types.MetricID{"queries", "clicks", "revenue"})

	result, err := m.Build(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.Rows)
	require.NotNil(t, result.MinDate)
	require.NotNil(t, result.MaxDate)
	assert.Equal(t, "2024-01-01", result.MinDate.Format(types.DateLayout))
	assert.Equal(t, "2024-01-03", result.MaxDate.Format(types.DateLayout))
	assert.Positive(t, result.SizeBytes)

	// Dimension columns keep their source names, metric columns are named
	// by metric ID, so the query path can address the table directly.
	rows := fetchRollupRows(t, warehouse, "rollup_date_country", []string{"event_date", "country_code"})
	require.Len(t, rows, 4)

	first := rows[0]
	assert.Equal(t, "2024-01-01", types.RenderDimensionValue(first["event_date"]))
	assert.Equal(t, "NO", types.RenderDimensionValue(first["country_code"]))
	_, ok := first["queries"]
	require.True(t, ok)
	queries := first.Float("queries")
	assert.Equal(t, 2.0, queries, "q1 appears twice on 2024-01-01/NO and must count once")
	_, ok = first["clicks"]
	require.True(t, ok)
	clicks := first.Float("clicks")
	assert.Equal(t, 4.0, clicks)
	_, ok = first["revenue"]
	require.True(t, ok)
	revenue := first.Float("revenue")
	assert.InDelta(t, 22.0, revenue, 1e-9)

	// Stats land in the catalog so routing can reason about coverage.
	stored, err := cat.GetRollup(ctx, "rollup_date_country")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stored.RowCount)
	assert.Equal(t, result.SizeBytes, stored.SizeBytes)
	require.NotNil(t, stored.MinDate)
	require.NotNil(t, stored.MaxDate)
	assert.Equal(t, "2024-01-01", stored.MinDate.Format(types.DateLayout))
	assert.Equal(t, "2024-01-03", stored.MaxDate.Format(types.DateLayout))
}

func TestMaterializerBuildRefreshReplacesTable(t *testing.T) {
	ctx := context.Background()
	warehouse, cat := newBuildFixture(t)
	m := NewMaterializer(warehouse, cat)

	r := registerTestRollup(t, cat, "rollup_date_country",
		[]types.DimensionID{"date", "country"},
		[]types.MetricID{"queries", "clicks", "revenue"})

	_, err := m.Build(ctx, r)
	require.NoError(t, err)

	_, err = warehouse.DB().Exec(
		`INSERT INTO search_events (query_id, clicks, revenue, event_date, country_code, device)
		 VALUES ('q4', 5, 100.0, '2024-01-04', 'DK', 'mobile')`)
	require.NoError(t, err)

	result, err := m.Build(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Rows)
	require.NotNil(t, result.MaxDate)
	assert.Equal(t, "2024-01-04", result.MaxDate.Format(types.DateLayout))

	rows := fetchRollupRows(t, warehouse, "rollup_date_country", []string{"event_date", "country_code"})
	require.Len(t, rows, 5)
	last := rows[len(rows)-1]
	assert.Equal(t, "DK", types.RenderDimensionValue(last["country_code"]))
	_, ok := last["revenue"]
	require.True(t, ok)
	revenue := last.Float("revenue")
	assert.InDelta(t, 100.0, revenue, 1e-9)

	stored, err := cat.GetRollup(ctx, "rollup_date_country")
	require.NoError(t, err)
	assert.Equal(t, int64(5), stored.RowCount)
}

func TestMaterializerBuildWithoutDateDimension(t *testing.T) {
	ctx := context.Background()
	warehouse, cat := newBuildFixture(t)
	m := NewMaterializer(warehouse, cat)

	r := registerTestRollup(t, cat, "rollup_country",
		[]types.DimensionID{"country"},
		[]types.MetricID{"queries", "clicks", "revenue"})

	result, err := m.Build(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Rows)
	assert.Nil(t, result.MinDate, "no date dimension, no span to probe")
	assert.Nil(t, result.MaxDate)

	rows := fetchRollupRows(t, warehouse, "rollup_country", []string{"country_code"})
	require.Len(t, rows, 2)
	_, ok := rows[0]["queries"]
	require.True(t, ok)
	queries := rows[0].Float("queries")
	assert.Equal(t, 3.0, queries, "NO has three distinct queries")
}

func TestMaterializerBuildUnknownDimension(t *testing.T) {
	warehouse, cat := newBuildFixture(t)
	m := NewMaterializer(warehouse, cat)

	r := registerTestRollup(t, cat, "rollup_bad_dim",
		[]types.DimensionID{"browser"},
		[]types.MetricID{"clicks"})

	_, err := m.Build(context.Background(), r)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeUnknownDimension, apperrors.GetCode(err))
}

func TestMaterializerBuildUnknownMetric(t *testing.T) {
	warehouse, cat := newBuildFixture(t)
	m := NewMaterializer(warehouse, cat)

	r := registerTestRollup(t, cat, "rollup_bad_metric",
		[]types.DimensionID{"country"},
		[]types.MetricID{"sessions"})

	_, err := m.Build(context.Background(), r)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeUnknownMetric, apperrors.GetCode(err))
}

func TestMaterializerBuildRejectsDerivedMetric(t *testing.T) {
	warehouse, cat := newBuildFixture(t)
	m := NewMaterializer(warehouse, cat)

	r := registerTestRollup(t, cat, "rollup_derived",
		[]types.DimensionID{"country"},
		[]types.MetricID{"ctr"})

	_, err := m.Build(context.Background(), r)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeUnknownMetric, apperrors.GetCode(err),
		"derived metrics are computed at query time, never stored")
}
