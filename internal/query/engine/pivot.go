package engine

import (
	"log"
	"sort"

	"github.com/pivora/pivora/internal/catalog"
	"github.com/pivora/pivora/internal/query/postprocess"
	"github.com/pivora/pivora/pkg/types"
)

// derivedOrderFor returns the requested derived metric ids in dependency
// order, so a formula referencing another derived metric evaluates after it.
// Compilation already rejected cycles. Ties keep catalog order.
func (e *Engine) derivedOrderFor(requested []*catalog.MetricDef) []types.MetricID {
	var order []types.MetricID
	visited := make(map[types.MetricID]bool)

	var visit func(id types.MetricID)
	visit = func(id types.MetricID) {
		if visited[id] {
			return
		}
		visited[id] = true
		compiled, ok := e.snap.Compiled(id)
		if !ok {
			return
		}
		for _, dep := range compiled.DependsOn {
			visit(dep)
		}
		order = append(order, id)
	}

	for _, m := range requested {
		if !m.IsVolume() {
			visit(m.ID)
		}
	}
	return order
}

// evaluateDerived computes the ordered derived metrics for every row. A
// formula failure zeroes that metric for that row and is logged; it never
// aborts the response.
func (e *Engine) evaluateDerived(table *postprocess.Table, order []types.MetricID) {
	for _, row := range table.Rows {
		for _, id := range order {
			compiled, ok := e.snap.Compiled(id)
			if !ok {
				continue
			}
			v, err := compiled.Evaluate(row.Metrics)
			if err != nil {
				log.Printf("engine: formula for metric %s failed, defaulting to 0: %v", id, err)
				v = 0
			}
			row.Metrics[id] = v
		}
	}
}

// primaryMetric picks the percentage base: the first volume metric in
// catalog order that is present in the rows with a column total above zero.
func (e *Engine) primaryMetric(table *postprocess.Table) (types.MetricID, float64) {
	for _, m := range e.volumeMetrics() {
		var total float64
		present := false
		for _, row := range table.Rows {
			if v, ok := row.Metrics[m.ID]; ok {
				present = true
				total += v
			}
		}
		if present && total > 0 {
			return m.ID, total
		}
	}
	return "", 0
}

// buildResult shapes the processed table into the response. Rows from the
// warehouse arrive ordered by the primary metric; bucketed rows are sorted
// here to match.
func (e *Engine) buildResult(table *postprocess.Table, regrouped bool,
	order []types.MetricID) *types.PivotResult {
	primary, primaryTotal := e.primaryMetric(table)

	if regrouped && primary != "" {
		sort.SliceStable(table.Rows, func(i, j int) bool {
			return table.Rows[i].Metrics[primary] > table.Rows[j].Metrics[primary]
		})
	}

	hasChildren := e.hasDrilldown(table.Dims)

	result := &types.PivotResult{
		Rows:                make([]types.ResultRow, 0, len(table.Rows)),
		AvailableDimensions: e.snap.GroupableDimensions(),
	}
	for _, row := range table.Rows {
		out := types.ResultRow{
			DimensionValue: dimensionValue(row, table.Dims),
			Metrics:        copyMetrics(row.Metrics),
			HasChildren:    hasChildren,
		}
		if primary != "" {
			out.PercentageOfTotal = row.Metrics[primary] / primaryTotal * 100
		}
		result.Rows = append(result.Rows, out)
	}
	result.Total = e.totalRow(table, order)
	return result
}

// totalRow sums every non-derived metric column across the rows and
// re-evaluates derived metrics from those sums. It never re-queries, and its
// percentage is exactly 100.
func (e *Engine) totalRow(table *postprocess.Table, order []types.MetricID) *types.ResultRow {
	if len(table.Rows) == 0 {
		return nil
	}

	sums := make(map[types.MetricID]float64)
	for _, row := range table.Rows {
		for id, v := range row.Metrics {
			if _, derived := e.snap.Compiled(id); derived {
				continue
			}
			sums[id] += v
		}
	}
	for _, id := range order {
		compiled, ok := e.snap.Compiled(id)
		if !ok {
			continue
		}
		v, err := compiled.Evaluate(sums)
		if err != nil {
			log.Printf("engine: formula for metric %s failed on total row, defaulting to 0: %v", id, err)
			v = 0
		}
		sums[id] = v
	}

	return &types.ResultRow{
		DimensionValue:    types.TotalRowLabel,
		Metrics:           sums,
		PercentageOfTotal: 100,
	}
}

// hasDrilldown reports whether any groupable dimension remains beyond the
// current grouping.
func (e *Engine) hasDrilldown(dims []types.DimensionID) bool {
	used := make(map[types.DimensionID]bool, len(dims))
	for _, d := range dims {
		used[d] = true
	}
	for _, d := range e.snap.GroupableDimensions() {
		if !used[d] {
			return true
		}
	}
	return false
}

// dimensionValue renders the row's group key, joining composite groupings.
func dimensionValue(row *postprocess.Row, dims []types.DimensionID) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = row.Dims[d]
	}
	return types.JoinComposite(parts)
}

func copyMetrics(in map[types.MetricID]float64) map[types.MetricID]float64 {
	out := make(map[types.MetricID]float64, len(in))
	for id, v := range in {
		out[id] = v
	}
	return out
}
