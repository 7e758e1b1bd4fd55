// Package postprocess reshapes already-fetched grouped rows: user-defined
// bucketing into custom dimensions, window-style re-aggregation for custom
// metrics, and the supporting row table the engine threads through those
// steps. Everything here works on in-memory rows; nothing re-queries the
// warehouse.
package postprocess

import (
	"strings"

	"github.com/pivora/pivora/pkg/types"
)

// Row is one grouped row mid-pipeline: rendered dimension values plus
// float metric columns.
type Row struct {
	Dims    map[types.DimensionID]string
	Metrics map[types.MetricID]float64
}

// NewRow creates an empty row.
func NewRow() *Row {
	return &Row{
		Dims:    make(map[types.DimensionID]string),
		Metrics: make(map[types.MetricID]float64),
	}
}

// Clone deep-copies the row.
func (r *Row) Clone() *Row {
	out := &Row{
		Dims:    make(map[types.DimensionID]string, len(r.Dims)),
		Metrics: make(map[types.MetricID]float64, len(r.Metrics)),
	}
	for k, v := range r.Dims {
		out.Dims[k] = v
	}
	for k, v := range r.Metrics {
		out.Metrics[k] = v
	}
	return out
}

// Table is an ordered set of rows under one grouping.
type Table struct {
	// Dims is the current grouping, in request order.
	Dims []types.DimensionID
	// Rows preserves fetch order.
	Rows []*Row
}

// groupKeySep separates dimension values inside a group key. The unit
// separator cannot appear in rendered dimension values.
const groupKeySep = "\x1f"

// groupKey builds a map key from the row's values for the given dimensions.
func groupKey(row *Row, dims []types.DimensionID) string {
	if len(dims) == 0 {
		return ""
	}
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = row.Dims[d]
	}
	return strings.Join(parts, groupKeySep)
}

// HasDim reports whether the table is currently grouped by the dimension.
func (t *Table) HasDim(id types.DimensionID) bool {
	for _, d := range t.Dims {
		if d == id {
			return true
		}
	}
	return false
}
