package catalog

import (
	"testing"

	"github.com/pivora/pivora/pkg/types"
)

func TestRollupStatusTransitions(t *testing.T) {
	tests := []struct {
		from    RollupStatus
		to      RollupStatus
		allowed bool
	}{
		{StatusPending, StatusCreating, true},
		{StatusPending, StatusReady, false},
		{StatusCreating, StatusReady, true},
		{StatusCreating, StatusError, true},
		{StatusCreating, StatusRefreshing, false},
		{StatusReady, StatusRefreshing, true},
		{StatusReady, StatusStale, true},
		{StatusReady, StatusCreating, false},
		{StatusRefreshing, StatusReady, true},
		{StatusRefreshing, StatusError, true},
		{StatusRefreshing, StatusStale, false},
		{StatusError, StatusCreating, true},
		{StatusError, StatusRefreshing, true},
		{StatusError, StatusReady, false},
		{StatusStale, StatusRefreshing, true},
		{StatusStale, StatusReady, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.allowed, got)
		}
	}
}

func TestRollupStatusValid(t *testing.T) {
	for _, s := range []RollupStatus{StatusPending, StatusCreating, StatusReady, StatusRefreshing, StatusError, StatusStale} {
		if !s.Valid() {
			t.Errorf("%s must be valid", s)
		}
	}
	if RollupStatus("bogus").Valid() {
		t.Error("bogus must not be valid")
	}
}

func TestRollupHasDimensionAndMetric(t *testing.T) {
	r := &Rollup{
		Dimensions: []types.DimensionID{"date", "country"},
		Metrics:    []types.MetricID{"queries", "clicks"},
	}

	if !r.HasDimension("date") || r.HasDimension("device") {
		t.Error("HasDimension mismatch")
	}
	if !r.HasMetric("queries") || r.HasMetric("revenue") {
		t.Error("HasMetric mismatch")
	}
}

func TestMetricDefDistinctLikeDefaults(t *testing.T) {
	yes, no := true, false

	tests := []struct {
		name     string
		def      MetricDef
		expected bool
	}{
		{"volume unset", MetricDef{Category: CategoryVolume}, true},
		{"volume explicit true", MetricDef{Category: CategoryVolume, DistinctLike: &yes}, true},
		{"volume explicit false", MetricDef{Category: CategoryVolume, DistinctLike: &no}, false},
		{"derived", MetricDef{Category: CategoryDerived}, false},
	}

	for _, tt := range tests {
		if got := tt.def.IsDistinctLike(); got != tt.expected {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.expected, got)
		}
	}
}

func TestCustomDimensionValidate(t *testing.T) {
	min := 10.0
	valid := CustomDimension{
		ID: "band", Type: CustomDimMetricBucket, SourceMetric: "queries",
		Rules: []BucketRule{{Label: "High", Min: &min}},
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	noSource := CustomDimension{
		ID: "band", Type: CustomDimMetricBucket,
		Rules: []BucketRule{{Label: "High", Min: &min}},
	}
	if err := noSource.Validate(); err == nil {
		t.Error("bucket dimension without source metric must be rejected")
	}

	dateRange := CustomDimension{
		ID: "periods", Type: CustomDimDateRange,
		Rules: []BucketRule{{Label: "Q1", StartDate: "2026-01-01", EndDate: "2026-03-31"}},
	}
	if err := dateRange.Validate(); err != nil {
		t.Errorf("date_range must not require a source metric: %v", err)
	}

	badOp := CustomDimension{
		ID: "cond", Type: CustomDimMetricCondition, SourceMetric: "queries",
		Rules: []BucketRule{{Label: "X", Conditions: []BucketCondition{{Operator: "~="}}}},
	}
	if err := badOp.Validate(); err == nil {
		t.Error("unknown condition operator must be rejected")
	}
}

func TestCustomMetricValidate(t *testing.T) {
	valid := CustomMetric{ID: "cpd", SourceMetric: "clicks", AggregationType: AggAvgPerDay}
	if err := valid.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	bad := CustomMetric{ID: "cpd", SourceMetric: "clicks", AggregationType: "median"}
	if err := bad.Validate(); err == nil {
		t.Error("unknown aggregation type must be rejected")
	}
}
