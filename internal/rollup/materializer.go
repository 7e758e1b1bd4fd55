// Package rollup builds and refreshes pre-aggregated rollup tables and
// keeps their catalog lifecycle state current.
package rollup

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/pivora/pivora/internal/errors"

	"github.com/pivora/pivora/internal/catalog"
	"github.com/pivora/pivora/internal/tabular"
	"github.com/pivora/pivora/pkg/types"
)

// Materializer turns a rollup definition into a physical table: one grouped
// select over the source, materialized under the rollup's table name, with
// dimension columns keeping their source names and metric columns named by
// metric ID so the router's fetch path can address them directly.
type Materializer struct {
	warehouse tabular.Store
	catalog   *catalog.Store
}

// BuildResult describes one completed build.
type BuildResult struct {
	Rows      int64
	SizeBytes int64
	MinDate   *time.Time
	MaxDate   *time.Time
	Duration  time.Duration
}

// NewMaterializer creates a materializer over the warehouse and catalog.
func NewMaterializer(warehouse tabular.Store, cat *catalog.Store) *Materializer {
	return &Materializer{warehouse: warehouse, catalog: cat}
}

// Build materializes the rollup table from its source and records row,
// size and date-span stats in the catalog. An existing table is replaced:
// a refresh is a full rebuild.
func (m *Materializer) Build(ctx context.Context, r *catalog.Rollup) (*BuildResult, error) {
	start := time.Now()

	spec, dateColumn, err := m.buildSpec(ctx, r)
	if err != nil {
		return nil, err
	}

	if err := m.warehouse.DropTable(ctx, r.Table); err != nil {
		return nil, apperrors.NewRollupError(apperrors.CodeBuildFailed,
			fmt.Sprintf("drop stale rollup table %q", r.Table), err)
	}
	rows, err := m.warehouse.MaterializeInto(ctx, r.Table, spec)
	if err != nil {
		return nil, apperrors.NewRollupError(apperrors.CodeBuildFailed,
			fmt.Sprintf("materialize rollup table %q", r.Table), err)
	}

	result := &BuildResult{
		Rows: rows,
		// Adapters do not expose physical table size; coarse per-cell estimate.
		SizeBytes: rows * int64(24*len(spec.Select)),
	}
	if dateColumn != "" {
		minDate, maxDate, err := m.probeDateSpan(ctx, r.Table, dateColumn)
		if err != nil {
			return nil, err
		}
		result.MinDate = minDate
		result.MaxDate = maxDate
	}
	result.Duration = time.Since(start)

	if err := m.catalog.RecordRollupStats(ctx, r.ID, result.Rows, result.SizeBytes,
		result.MinDate, result.MaxDate); err != nil {
		return nil, err
	}
	return result, nil
}

// buildSpec renders the rollup definition into a grouped fetch over the
// source table. Returns the date column name when the rollup carries the
// date dimension, for the post-build span probe.
func (m *Materializer) buildSpec(ctx context.Context, r *catalog.Rollup) (*tabular.GroupedFetchSpec, string, error) {
	dims, err := m.catalog.ListDimensions(ctx, r.SourceTable)
	if err != nil {
		return nil, "", err
	}
	metrics, err := m.catalog.ListMetrics(ctx, r.SourceTable)
	if err != nil {
		return nil, "", err
	}
	dimByID := make(map[types.DimensionID]*catalog.DimensionDef, len(dims))
	for _, d := range dims {
		dimByID[d.ID] = d
	}
	metricByID := make(map[types.MetricID]*catalog.MetricDef, len(metrics))
	for _, md := range metrics {
		metricByID[md.ID] = md
	}

	spec := &tabular.GroupedFetchSpec{Table: r.SourceTable}
	dateColumn := ""
	for _, id := range r.Dimensions {
		def, ok := dimByID[id]
		if !ok {
			return nil, "", apperrors.NewCatalogError(apperrors.CodeUnknownDimension,
				fmt.Sprintf("rollup %q references unknown dimension %q", r.ID, id))
		}
		if id == types.DateDimension {
			dateColumn = def.ColumnName
		}
		spec.Select = append(spec.Select, tabular.SelectColumn{
			Kind:   tabular.KindGroup,
			Column: def.ColumnName,
			Alias:  def.ColumnName,
		})
		spec.GroupBy = append(spec.GroupBy, def.ColumnName)
	}

	for _, id := range r.Metrics {
		def, ok := metricByID[id]
		if !ok {
			return nil, "", apperrors.NewCatalogError(apperrors.CodeUnknownMetric,
				fmt.Sprintf("rollup %q references unknown metric %q", r.ID, id))
		}
		if !def.IsVolume() {
			return nil, "", apperrors.NewCatalogError(apperrors.CodeUnknownMetric,
				fmt.Sprintf("rollup %q includes derived metric %q; rollups hold volume metrics only", r.ID, id))
		}
		col := tabular.SelectColumn{Alias: string(def.ID)}
		if def.Expression != "" {
			col.Kind = tabular.KindExpression
			col.Expression = def.Expression
		} else {
			col.Kind = tabular.KindSum
			col.Column = def.ColumnName
		}
		spec.Select = append(spec.Select, col)
	}

	if err := spec.Validate(); err != nil {
		return nil, "", apperrors.NewRollupError(apperrors.CodeBuildFailed,
			fmt.Sprintf("rollup %q renders an invalid fetch", r.ID), err)
	}
	return spec, dateColumn, nil
}

// probeDateSpan reads the min and max date of the freshly built table.
func (m *Materializer) probeDateSpan(ctx context.Context, table, dateColumn string) (*time.Time, *time.Time, error) {
	spec := &tabular.GroupedFetchSpec{
		Table: table,
		Select: []tabular.SelectColumn{
			{Kind: tabular.KindMin, Column: dateColumn, Alias: "min_date"},
			{Kind: tabular.KindMax, Column: dateColumn, Alias: "max_date"},
		},
	}
	rows, err := m.warehouse.Execute(ctx, spec)
	if err != nil {
		return nil, nil, apperrors.NewRollupError(apperrors.CodeBuildFailed,
			fmt.Sprintf("probe date span of %q", table), err)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}
	minDate := parseDate(rows[0]["min_date"])
	maxDate := parseDate(rows[0]["max_date"])
	return minDate, maxDate, nil
}

func parseDate(v interface{}) *time.Time {
	var s string
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		return &x
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		return nil
	}
	if t, err := time.Parse(types.DateLayout, s); err == nil {
		return &t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t
	}
	return nil
}
