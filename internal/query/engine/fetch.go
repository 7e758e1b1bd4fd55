package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pivora/pivora/internal/catalog"
	apperrors "github.com/pivora/pivora/internal/errors"
	"github.com/pivora/pivora/internal/query/postprocess"
	"github.com/pivora/pivora/internal/query/router"
	"github.com/pivora/pivora/internal/tabular"
	"github.com/pivora/pivora/pkg/types"
)

// fetchPlan is one resolved grouped fetch plus the request context the
// post-processing steps need.
type fetchPlan struct {
	spec *tabular.GroupedFetchSpec

	// dims is the physical grouping of the fetch, in select order.
	dims []types.DimensionID

	// volumes are the volume metrics the fetch selects, in catalog order.
	volumes []*catalog.MetricDef

	// dateRange is the resolved absolute range; hasRange reports whether
	// one exists at all (from the filter, or probed from the data when a
	// custom metric needs the day span).
	dateRange types.DateRange
	hasRange  bool
}

// fetchTarget maps catalog ids onto the physical columns of the table being
// queried. Rollup tables store canonical columns named after the ids
// themselves; the raw source table uses the catalog's column names and
// aggregation expressions.
type fetchTarget struct {
	table  string
	rollup *catalog.Rollup // nil for the raw source
	snap   *catalog.Snapshot
}

func (e *Engine) fetchTarget(decision *router.Decision) fetchTarget {
	if decision.UseRollup {
		return fetchTarget{table: decision.Rollup.Table, rollup: decision.Rollup, snap: e.snap}
	}
	return fetchTarget{table: e.snap.Table(), snap: e.snap}
}

func (t fetchTarget) dimColumn(id types.DimensionID) (string, error) {
	if t.rollup != nil {
		return string(id), nil
	}
	def, ok := t.snap.Dimension(id)
	if !ok {
		return "", apperrors.NewCatalogError(apperrors.CodeUnknownDimension,
			fmt.Sprintf("unknown dimension %q", id))
	}
	if def.ColumnName == "" {
		return string(id), nil
	}
	return def.ColumnName, nil
}

// metricColumn renders one volume metric select. Rollups store pre-summed
// volumes under the metric id, so a plain SUM re-aggregates them correctly.
// The raw source must use the metric's own aggregation expression when it
// has one; a COUNT DISTINCT snapshot must never degrade to a naive SUM.
func (t fetchTarget) metricColumn(m *catalog.MetricDef) tabular.SelectColumn {
	alias := string(m.ID)
	if t.rollup != nil {
		return tabular.SelectColumn{Kind: tabular.KindSum, Column: alias, Alias: alias}
	}
	if m.Expression != "" {
		return tabular.SelectColumn{Kind: tabular.KindExpression, Expression: m.Expression, Alias: alias}
	}
	column := m.ColumnName
	if column == "" {
		column = alias
	}
	return tabular.SelectColumn{Kind: tabular.KindSum, Column: column, Alias: alias}
}

// dateColumn returns the physical date column, or false when the target has
// no date dimension at all.
func (t fetchTarget) dateColumn() (string, bool) {
	if t.rollup != nil {
		if !t.rollup.HasDimension(types.DateDimension) {
			return "", false
		}
		return string(types.DateDimension), true
	}
	def, ok := t.snap.Dimension(types.DateDimension)
	if !ok {
		return "", false
	}
	if def.ColumnName == "" {
		return string(types.DateDimension), true
	}
	return def.ColumnName, true
}

// buildPlan assembles the grouped fetch. When the routed rollup carries date
// beyond the requested grouping, the spec simply groups by the requested
// dimensions and the store sums the per-date rows server-side; the engine
// never fetches per-date rows to re-aggregate client-side.
func (e *Engine) buildPlan(ctx context.Context, req *PivotRequest, fetchDims []types.DimensionID,
	decision *router.Decision, volumes []*catalog.MetricDef, needSpan bool) (*fetchPlan, error) {

	target := e.fetchTarget(decision)

	rng, hasRange, fromFilter, err := e.resolveRange(ctx, req.Filter, target, needSpan)
	if err != nil {
		return nil, err
	}

	spec := &tabular.GroupedFetchSpec{
		Table:  target.table,
		Limit:  req.Limit,
		Offset: req.Offset,
	}
	for _, d := range fetchDims {
		col, err := target.dimColumn(d)
		if err != nil {
			return nil, err
		}
		spec.Select = append(spec.Select, tabular.SelectColumn{
			Kind: tabular.KindGroup, Column: col, Alias: string(d),
		})
		spec.GroupBy = append(spec.GroupBy, col)
	}
	for _, m := range volumes {
		spec.Select = append(spec.Select, target.metricColumn(m))
	}

	spec.Where, err = buildPredicates(target, req.Filter, rng, hasRange && fromFilter)
	if err != nil {
		return nil, err
	}

	// Deterministic paging: order groups by the primary volume metric.
	if len(fetchDims) > 0 && len(volumes) > 0 {
		spec.OrderBy = []tabular.OrderBy{{Alias: string(volumes[0].ID), Desc: true}}
	}

	return &fetchPlan{spec: spec, dims: fetchDims, volumes: volumes, dateRange: rng, hasRange: hasRange}, nil
}

// resolveRange turns the filter's date constraint into an absolute range.
// Relative presets resolve against the latest date present in the data. When
// the filter has no date constraint but a custom metric needs the day span,
// the data's own span is probed instead; that probed range is informational
// and must not become a predicate, which fromFilter distinguishes.
func (e *Engine) resolveRange(ctx context.Context, f types.FilterSpec, target fetchTarget,
	needSpan bool) (rng types.DateRange, hasRange, fromFilter bool, err error) {

	if f.DateRange != nil && !f.DateRange.IsZero() {
		rng, _, err = f.Resolve(time.Time{})
		return rng, err == nil, true, err
	}

	if f.RelativeDate != types.RelativeNone {
		ref, refErr := e.referenceDate(ctx, target)
		if refErr != nil {
			return types.DateRange{}, false, false, refErr
		}
		rng, hasRange, err = f.Resolve(ref)
		return rng, hasRange, true, err
	}

	if !needSpan {
		return types.DateRange{}, false, false, nil
	}
	col, ok := target.dateColumn()
	if !ok {
		return types.DateRange{}, false, false, nil
	}
	if target.rollup != nil && target.rollup.MinDate != nil && target.rollup.MaxDate != nil {
		return types.DateRange{Start: *target.rollup.MinDate, End: *target.rollup.MaxDate}, true, false, nil
	}
	minDate, maxDate, ok, err := e.probeDates(ctx, target.table, col)
	if err != nil || !ok {
		return types.DateRange{}, false, false, err
	}
	return types.DateRange{Start: minDate, End: maxDate}, true, false, nil
}

// referenceDate returns the latest date present in the data, preferring
// rollup stats over a probe fetch. An empty table falls back to today.
func (e *Engine) referenceDate(ctx context.Context, target fetchTarget) (time.Time, error) {
	if target.rollup != nil && target.rollup.MaxDate != nil {
		return *target.rollup.MaxDate, nil
	}
	col, ok := target.dateColumn()
	if !ok {
		return time.Now().UTC(), nil
	}
	_, maxDate, found, err := e.probeDates(ctx, target.table, col)
	if err != nil {
		return time.Time{}, err
	}
	if !found {
		return time.Now().UTC(), nil
	}
	return maxDate, nil
}

// probeDates fetches MIN and MAX of the date column in one round trip.
func (e *Engine) probeDates(ctx context.Context, table, dateCol string) (minDate, maxDate time.Time, ok bool, err error) {
	spec := &tabular.GroupedFetchSpec{
		Table: table,
		Select: []tabular.SelectColumn{
			{Kind: tabular.KindMin, Column: dateCol, Alias: "min_date"},
			{Kind: tabular.KindMax, Column: dateCol, Alias: "max_date"},
		},
	}
	rows, err := e.store.Execute(ctx, spec)
	if err != nil {
		return time.Time{}, time.Time{}, false, apperrors.NewStoreError(
			apperrors.CodeFetchFailed, "date range probe failed", err)
	}
	if len(rows) == 0 {
		return time.Time{}, time.Time{}, false, nil
	}
	minDate, minOK := parseDateCell(rows[0]["min_date"])
	maxDate, maxOK := parseDateCell(rows[0]["max_date"])
	return minDate, maxDate, minOK && maxOK, nil
}

// parseDateCell reads a date cell in whatever shape the driver returns it.
func parseDateCell(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return x, true
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return *x, true
	case string:
		return parseDateString(x)
	case []byte:
		return parseDateString(string(x))
	default:
		return time.Time{}, false
	}
}

func parseDateString(s string) (time.Time, bool) {
	if t, err := time.Parse(types.DateLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// buildPredicates renders the filter into WHERE terms. Values within one
// dimension are ORed via IN; separate dimensions AND together.
func buildPredicates(target fetchTarget, f types.FilterSpec, rng types.DateRange,
	applyRange bool) ([]tabular.Predicate, error) {

	var where []tabular.Predicate
	if applyRange {
		col, ok := target.dateColumn()
		if !ok {
			return nil, apperrors.NewValidationError(
				fmt.Sprintf("table %q has no date dimension to filter on", target.table))
		}
		where = append(where,
			tabular.Predicate{Column: col, Op: tabular.PredGte, Value: rng.Start.Format(types.DateLayout)},
			tabular.Predicate{Column: col, Op: tabular.PredLte, Value: rng.End.Format(types.DateLayout)},
		)
	}

	for _, d := range f.FilterDimensions() {
		values := f.DimensionFilters[d]
		if len(values) == 0 {
			continue
		}
		col, err := target.dimColumn(d)
		if err != nil {
			return nil, err
		}
		if len(values) == 1 {
			where = append(where, tabular.Predicate{Column: col, Op: tabular.PredEq, Value: values[0]})
			continue
		}
		in := make([]interface{}, len(values))
		for i, v := range values {
			in[i] = v
		}
		where = append(where, tabular.Predicate{Column: col, Op: tabular.PredIn, Values: in})
	}
	return where, nil
}

// toTable converts fetched rows into the post-processing representation.
// NULL metric cells stay absent from the metric map so null-sensitive custom
// dimension conditions can tell them from zero.
func toTable(plan *fetchPlan, fetched []tabular.Row) *postprocess.Table {
	table := &postprocess.Table{
		Dims: plan.dims,
		Rows: make([]*postprocess.Row, 0, len(fetched)),
	}
	volumes := plan.volumes
	for _, raw := range fetched {
		row := postprocess.NewRow()
		for _, d := range plan.dims {
			row.Dims[d] = types.RenderDimensionValue(raw[string(d)])
		}
		for _, m := range volumes {
			alias := string(m.ID)
			if v, present := raw[alias]; present && v != nil {
				row.Metrics[m.ID] = raw.Float(alias)
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table
}
