package postprocess

import (
	"testing"

	"github.com/pivora/pivora/pkg/types"
)

func fptr(v float64) *float64 { return &v }

func testRow(dims map[types.DimensionID]string, metrics map[types.MetricID]float64) *Row {
	r := NewRow()
	for k, v := range dims {
		r.Dims[k] = v
	}
	for k, v := range metrics {
		r.Metrics[k] = v
	}
	return r
}

func tableOf(dims []types.DimensionID, rows ...*Row) *Table {
	return &Table{Dims: dims, Rows: rows}
}

func TestRowClone_Independent(t *testing.T) {
	orig := testRow(
		map[types.DimensionID]string{"country": "NO"},
		map[types.MetricID]float64{"queries": 10},
	)
	clone := orig.Clone()
	clone.Dims["country"] = "SE"
	clone.Metrics["queries"] = 99

	if orig.Dims["country"] != "NO" {
		t.Fatalf("clone mutated original dims: %v", orig.Dims)
	}
	if orig.Metrics["queries"] != 10 {
		t.Fatalf("clone mutated original metrics: %v", orig.Metrics)
	}
}

func TestGroupKey_DistinguishesRows(t *testing.T) {
	dims := []types.DimensionID{"country", "device"}
	a := testRow(map[types.DimensionID]string{"country": "NO", "device": "mobile"}, nil)
	b := testRow(map[types.DimensionID]string{"country": "NO", "device": "desktop"}, nil)
	c := testRow(map[types.DimensionID]string{"country": "NO", "device": "mobile"}, nil)

	if groupKey(a, dims) == groupKey(b, dims) {
		t.Fatal("different rows produced the same group key")
	}
	if groupKey(a, dims) != groupKey(c, dims) {
		t.Fatal("identical rows produced different group keys")
	}
}

func TestGroupKey_EmptyDims(t *testing.T) {
	a := testRow(map[types.DimensionID]string{"country": "NO"}, nil)
	b := testRow(map[types.DimensionID]string{"country": "SE"}, nil)
	if groupKey(a, nil) != groupKey(b, nil) {
		t.Fatal("empty dims must map every row to one group")
	}
}

func TestHasDim(t *testing.T) {
	tbl := tableOf([]types.DimensionID{"country", "device"})
	if !tbl.HasDim("country") {
		t.Fatal("expected country to be present")
	}
	if tbl.HasDim("date") {
		t.Fatal("date should not be present")
	}
}
