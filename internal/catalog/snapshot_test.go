package catalog

import (
	"testing"

	apperrors "github.com/pivora/pivora/internal/errors"
	"github.com/pivora/pivora/pkg/types"
)

func testMetrics() []*MetricDef {
	no := false
	return []*MetricDef{
		{ID: "queries", Category: CategoryVolume, ColumnName: "queries",
			Expression: "COUNT(DISTINCT query_id)", DisplayOrder: 0},
		{ID: "clicks", Category: CategoryVolume, ColumnName: "clicks",
			Expression: "SUM(clicks)", DistinctLike: &no, DisplayOrder: 1},
		{ID: "purchases", Category: CategoryVolume, ColumnName: "purchases",
			Expression: "SUM(purchases)", DistinctLike: &no, DisplayOrder: 2},
		{ID: "revenue", Category: CategoryVolume, ColumnName: "revenue",
			Expression: "SUM(revenue)", DistinctLike: &no, DisplayOrder: 3},
		{ID: "ctr", Category: CategoryDerived, Formula: "{clicks} / {queries}", DisplayOrder: 4},
		{ID: "conversion", Category: CategoryDerived, Formula: "{purchases} / {clicks}", DisplayOrder: 5},
		{ID: "aov", Category: CategoryDerived, Formula: "{revenue} / {purchases}", DisplayOrder: 6},
	}
}

func testDimensions() []*DimensionDef {
	return []*DimensionDef{
		{ID: "date", ColumnName: "event_date", DataType: TypeDate, Filterable: true, Groupable: true, DisplayOrder: 0},
		{ID: "country", ColumnName: "country", DataType: TypeString, Filterable: true, Groupable: true, DisplayOrder: 1},
		{ID: "device", ColumnName: "device", DataType: TypeString, Filterable: true, Groupable: true, DisplayOrder: 2},
		{ID: "session_id", ColumnName: "session_id", DataType: TypeString, Filterable: true, Groupable: false, DisplayOrder: 3},
	}
}

func newTestSnapshot(t *testing.T, rollups []*Rollup) *Snapshot {
	t.Helper()
	s, err := NewSnapshot("search_events", testMetrics(), testDimensions(), rollups, nil, nil)
	if err != nil {
		t.Fatalf("failed to build snapshot: %v", err)
	}
	return s
}

func TestSnapshotCompilesFormulas(t *testing.T) {
	s := newTestSnapshot(t, nil)

	c, ok := s.Compiled("ctr")
	if !ok {
		t.Fatal("expected compiled formula for ctr")
	}
	if len(c.DependsOn) != 2 {
		t.Errorf("expected 2 dependencies, got %v", c.DependsOn)
	}

	if _, ok := s.Compiled("queries"); ok {
		t.Error("volume metric must not have a compiled formula")
	}
}

func TestSnapshotRejectsUnknownFormulaReference(t *testing.T) {
	metrics := []*MetricDef{
		{ID: "clicks", Category: CategoryVolume, ColumnName: "clicks"},
		{ID: "bad", Category: CategoryDerived, Formula: "{clicks} / {missing}"},
	}
	_, err := NewSnapshot("t", metrics, nil, nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for unknown formula reference")
	}
}

func TestSnapshotRejectsFormulaCycle(t *testing.T) {
	metrics := []*MetricDef{
		{ID: "a", Category: CategoryDerived, Formula: "{b} + 1"},
		{ID: "b", Category: CategoryDerived, Formula: "{a} + 1"},
	}
	_, err := NewSnapshot("t", metrics, nil, nil, nil, nil)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if apperrors.GetCode(err) != apperrors.CodeFormulaCycle {
		t.Errorf("expected code %s, got %s", apperrors.CodeFormulaCycle, apperrors.GetCode(err))
	}
}

func TestSnapshotVolumeClosure(t *testing.T) {
	s := newTestSnapshot(t, nil)

	tests := []struct {
		ids      []types.MetricID
		expected []types.MetricID
	}{
		{[]types.MetricID{"queries"}, []types.MetricID{"queries"}},
		{[]types.MetricID{"ctr"}, []types.MetricID{"clicks", "queries"}},
		{[]types.MetricID{"queries", "ctr", "aov"}, []types.MetricID{"queries", "clicks", "revenue", "purchases"}},
	}

	for _, tt := range tests {
		got, err := s.VolumeClosure(tt.ids)
		if err != nil {
			t.Fatalf("VolumeClosure(%v): unexpected error: %v", tt.ids, err)
		}
		if len(got) != len(tt.expected) {
			t.Errorf("VolumeClosure(%v): expected %v, got %v", tt.ids, tt.expected, got)
			continue
		}
		for i := range got {
			if got[i] != tt.expected[i] {
				t.Errorf("VolumeClosure(%v): expected %v, got %v", tt.ids, tt.expected, got)
				break
			}
		}
	}
}

func TestSnapshotVolumeClosureUnknownMetric(t *testing.T) {
	s := newTestSnapshot(t, nil)

	_, err := s.VolumeClosure([]types.MetricID{"queries", "nope"})
	if err == nil {
		t.Fatal("expected error for unknown metric")
	}
	if apperrors.GetCode(err) != apperrors.CodeUnknownMetric {
		t.Errorf("expected code %s, got %s", apperrors.CodeUnknownMetric, apperrors.GetCode(err))
	}
}

func TestSnapshotDistinctLike(t *testing.T) {
	s := newTestSnapshot(t, nil)

	tests := []struct {
		id       types.MetricID
		expected bool
	}{
		{"queries", true},     // volume, unset: conservatively distinct-like
		{"clicks", false},     // volume, explicitly not
		{"ctr", true},         // derived over queries
		{"conversion", false}, // derived over clicks and purchases only
		{"missing", false},
	}

	for _, tt := range tests {
		if got := s.IsDistinctLike(tt.id); got != tt.expected {
			t.Errorf("IsDistinctLike(%s): expected %v, got %v", tt.id, tt.expected, got)
		}
	}

	if !s.AnyDistinctLike([]types.MetricID{"clicks", "ctr"}) {
		t.Error("AnyDistinctLike must be true when any id is distinct-like")
	}
	if s.AnyDistinctLike([]types.MetricID{"clicks", "conversion"}) {
		t.Error("AnyDistinctLike must be false when no id is distinct-like")
	}
}

func TestSnapshotGroupableDimensions(t *testing.T) {
	s := newTestSnapshot(t, nil)

	got := s.GroupableDimensions()
	expected := []types.DimensionID{"date", "country", "device"}
	if len(got) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}
	for i := range got {
		if got[i] != expected[i] {
			t.Errorf("expected %v, got %v", expected, got)
			break
		}
	}
}

func TestSnapshotDuplicateMetricID(t *testing.T) {
	metrics := []*MetricDef{
		{ID: "clicks", Category: CategoryVolume, ColumnName: "clicks"},
		{ID: "clicks", Category: CategoryVolume, ColumnName: "clicks2"},
	}
	if _, err := NewSnapshot("t", metrics, nil, nil, nil, nil); err == nil {
		t.Fatal("expected duplicate id error")
	}
}
