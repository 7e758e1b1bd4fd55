package postprocess

import (
	"fmt"

	"github.com/pivora/pivora/internal/catalog"
	apperrors "github.com/pivora/pivora/internal/errors"
	"github.com/pivora/pivora/internal/formula"
	"github.com/pivora/pivora/pkg/types"
)

// ApplyCustomMetric adds the metric column def.ID to every row by
// re-aggregating def.SourceMetric over a window. The window is the set of
// rows that agree on every dimension except def.ExcludeDimensions, and each
// row receives its window's aggregate. Row count never changes.
//
// avg_per_day skips the window entirely and divides the source value by
// numDays, the length of the query's resolved date range.
func ApplyCustomMetric(table *Table, def *catalog.CustomMetric, numDays int) error {
	if def.AggregationType == catalog.AggAvgPerDay {
		if numDays < 1 {
			numDays = 1
		}
		days := float64(numDays)
		for _, row := range table.Rows {
			row.Metrics[def.ID] = formula.SafeDivide(row.Metrics[def.SourceMetric], days)
		}
		return nil
	}

	groupDims := excludeDims(table.Dims, def.ExcludeDimensions)
	if len(groupDims) == len(table.Dims) {
		// Nothing excluded: every row is its own window.
		for _, row := range table.Rows {
			row.Metrics[def.ID] = row.Metrics[def.SourceMetric]
		}
		return nil
	}

	windows := make(map[string]*windowAgg)
	for _, row := range table.Rows {
		key := groupKey(row, groupDims)
		w, ok := windows[key]
		if !ok {
			w = &windowAgg{}
			windows[key] = w
		}
		w.add(row.Metrics[def.SourceMetric])
	}

	for _, row := range table.Rows {
		w := windows[groupKey(row, groupDims)]
		v, err := w.value(def.AggregationType)
		if err != nil {
			return apperrors.NewValidationError(
				fmt.Sprintf("postprocess: custom metric %q: %v", def.ID, err))
		}
		row.Metrics[def.ID] = v
	}
	return nil
}

// excludeDims returns dims with every member of exclude removed, preserving
// order.
func excludeDims(dims []types.DimensionID, exclude []types.DimensionID) []types.DimensionID {
	if len(exclude) == 0 {
		return dims
	}
	excluded := make(map[types.DimensionID]bool, len(exclude))
	for _, d := range exclude {
		excluded[d] = true
	}
	out := make([]types.DimensionID, 0, len(dims))
	for _, d := range dims {
		if !excluded[d] {
			out = append(out, d)
		}
	}
	return out
}

// windowAgg accumulates one window's source values.
type windowAgg struct {
	sum      float64
	min, max float64
	count    int
}

func (w *windowAgg) add(v float64) {
	if w.count == 0 || v < w.min {
		w.min = v
	}
	if w.count == 0 || v > w.max {
		w.max = v
	}
	w.sum += v
	w.count++
}

func (w *windowAgg) value(agg catalog.CustomMetricAggregation) (float64, error) {
	switch agg {
	case catalog.AggSum:
		return w.sum, nil
	case catalog.AggAvg:
		return formula.SafeDivide(w.sum, float64(w.count)), nil
	case catalog.AggMax:
		return w.max, nil
	case catalog.AggMin:
		return w.min, nil
	case catalog.AggCount:
		return float64(w.count), nil
	}
	return 0, fmt.Errorf("unsupported aggregation type %q", agg)
}
