// Package catalog holds the schema metadata the router and engine work
// from: metric and dimension definitions, rollup records with their
// lifecycle status, and user-authored custom dimensions and metrics. The
// metadata lives in a SQLite store and is served to request handling as an
// immutable point-in-time snapshot.
package catalog

import (
	"fmt"
	"time"

	"github.com/pivora/pivora/pkg/types"
)

// MetricCategory classifies how a metric is produced.
type MetricCategory string

// Metric categories.
const (
	// CategoryVolume marks additive metrics physically stored in rollups,
	// safe to SUM.
	CategoryVolume MetricCategory = "volume"
	// CategoryDerived marks metrics computed from a formula over other
	// metrics after fetch, never stored.
	CategoryDerived MetricCategory = "derived"
)

// DataType is the logical type of a dimension column.
type DataType string

// Dimension data types.
const (
	TypeString  DataType = "string"
	TypeInteger DataType = "integer"
	TypeFloat   DataType = "float"
	TypeBoolean DataType = "boolean"
	TypeDate    DataType = "date"
)

// MetricDef defines one metric of a fact table.
//
// Volume metrics carry the raw-table aggregation expression (for example
// "COUNT(DISTINCT query_id)") used when fetching from the source table, and
// a column name used when fetching pre-summed values from a rollup. Derived
// metrics carry a formula over other metric ids instead.
type MetricDef struct {
	ID         types.MetricID `json:"id"`
	Name       string         `json:"name"`
	Category   MetricCategory `json:"category"`
	ColumnName string         `json:"columnName"`
	// Expression is the aggregation applied on raw-table fetches. Empty for
	// derived metrics.
	Expression string `json:"expression,omitempty"`
	// Formula is the derived-metric expression, e.g. "{clicks} / {queries}".
	// Empty for volume metrics.
	Formula string `json:"formula,omitempty"`
	// DistinctLike marks volume metrics whose stored values are distinct
	// counts. Re-summing them across an extra dimension double-counts, so
	// the router scores such plans lower. Nil means unknown and is treated
	// as distinct-like for volume metrics.
	DistinctLike *bool `json:"distinctLike,omitempty"`
	DisplayOrder int   `json:"displayOrder"`
}

// IsVolume reports whether the metric is additive and rollup-stored.
func (m *MetricDef) IsVolume() bool {
	return m.Category == CategoryVolume
}

// IsDistinctLike reports whether re-summing this metric across an unplanned
// dimension risks double counting. Volume metrics default to true when the
// catalog does not say otherwise.
func (m *MetricDef) IsDistinctLike() bool {
	if !m.IsVolume() {
		return false
	}
	if m.DistinctLike == nil {
		return true
	}
	return *m.DistinctLike
}

// DimensionDef defines one groupable or filterable column of a fact table.
type DimensionDef struct {
	ID           types.DimensionID `json:"id"`
	Name         string            `json:"name"`
	ColumnName   string            `json:"columnName"`
	DataType     DataType          `json:"dataType"`
	Filterable   bool              `json:"filterable"`
	Groupable    bool              `json:"groupable"`
	DisplayOrder int               `json:"displayOrder"`
}

// RollupStatus is the lifecycle state of a rollup table.
type RollupStatus string

// Rollup lifecycle states.
const (
	StatusPending    RollupStatus = "pending"
	StatusCreating   RollupStatus = "creating"
	StatusReady      RollupStatus = "ready"
	StatusRefreshing RollupStatus = "refreshing"
	StatusError      RollupStatus = "error"
	StatusStale      RollupStatus = "stale"
)

// Valid reports whether s is a known status.
func (s RollupStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCreating, StatusReady, StatusRefreshing, StatusError, StatusStale:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows moving to next.
// pending -> creating; creating -> ready|error; ready -> refreshing|stale;
// refreshing -> ready|error; error -> creating|refreshing; stale -> refreshing.
func (s RollupStatus) CanTransition(next RollupStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusCreating
	case StatusCreating:
		return next == StatusReady || next == StatusError
	case StatusReady:
		return next == StatusRefreshing || next == StatusStale
	case StatusRefreshing:
		return next == StatusReady || next == StatusError
	case StatusError:
		return next == StatusCreating || next == StatusRefreshing
	case StatusStale:
		return next == StatusRefreshing
	}
	return false
}

// Rollup describes one pre-aggregated table derived from a source table.
// Dimensions and Metrics record what the rollup was built for; only ready
// rollups are eligible for routing.
type Rollup struct {
	ID          string              `json:"id"`
	Table       string              `json:"table"`
	SourceTable string              `json:"sourceTable"`
	Dimensions  []types.DimensionID `json:"dimensions"`
	Metrics     []types.MetricID    `json:"metrics"`
	Status      RollupStatus        `json:"status"`
	// Stats recorded on successful build or refresh. Kept through error
	// states so operators see the last good numbers.
	RowCount  int64      `json:"rowCount"`
	SizeBytes int64      `json:"sizeBytes"`
	MinDate   *time.Time `json:"minDate,omitempty"`
	MaxDate   *time.Time `json:"maxDate,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	LastError string     `json:"lastError,omitempty"`
}

// HasDimension reports whether the rollup was built with the dimension.
func (r *Rollup) HasDimension(id types.DimensionID) bool {
	for _, d := range r.Dimensions {
		if d == id {
			return true
		}
	}
	return false
}

// HasMetric reports whether the rollup stores the metric.
func (r *Rollup) HasMetric(id types.MetricID) bool {
	for _, m := range r.Metrics {
		if m == id {
			return true
		}
	}
	return false
}

// CustomDimensionType selects the bucketing strategy of a custom dimension.
type CustomDimensionType string

// Custom dimension types.
const (
	CustomDimDateRange       CustomDimensionType = "date_range"
	CustomDimMetricBucket    CustomDimensionType = "metric_bucket"
	CustomDimMetricCondition CustomDimensionType = "metric_condition"
)

// Valid reports whether t is a known custom dimension type.
func (t CustomDimensionType) Valid() bool {
	switch t {
	case CustomDimDateRange, CustomDimMetricBucket, CustomDimMetricCondition:
		return true
	}
	return false
}

// ConditionOperator compares a metric value against a rule threshold.
type ConditionOperator string

// Condition operators.
const (
	OpGreaterThan    ConditionOperator = ">"
	OpGreaterOrEqual ConditionOperator = ">="
	OpLessThan       ConditionOperator = "<"
	OpLessOrEqual    ConditionOperator = "<="
	OpEqual          ConditionOperator = "="
	OpNotEqual       ConditionOperator = "!="
	OpBetween        ConditionOperator = "between"
	OpIsNull         ConditionOperator = "is_null"
	OpIsNotNull      ConditionOperator = "is_not_null"
)

// Valid reports whether op is a known operator.
func (op ConditionOperator) Valid() bool {
	switch op {
	case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual,
		OpEqual, OpNotEqual, OpBetween, OpIsNull, OpIsNotNull:
		return true
	}
	return false
}

// BucketCondition is one clause of a metric_condition rule. All clauses of
// a rule must match for the rule's label to apply.
type BucketCondition struct {
	Operator ConditionOperator `json:"operator"`
	Value    *float64          `json:"value,omitempty"`
	ValueMax *float64          `json:"valueMax,omitempty"`
}

// BucketRule is one labeled rule of a custom dimension. Which fields are
// set depends on the dimension type: Min/Max/Equals for metric_bucket,
// StartDate/EndDate for date_range, Conditions for metric_condition.
type BucketRule struct {
	Label      string            `json:"label"`
	Min        *float64          `json:"min,omitempty"`
	Max        *float64          `json:"max,omitempty"`
	Equals     *float64          `json:"equals,omitempty"`
	StartDate  string            `json:"startDate,omitempty"`
	EndDate    string            `json:"endDate,omitempty"`
	Conditions []BucketCondition `json:"conditions,omitempty"`
}

// CustomDimension is a user-authored bucketing applied after fetch.
type CustomDimension struct {
	ID   string              `json:"id"`
	Name string              `json:"name"`
	Type CustomDimensionType `json:"type"`
	// SourceMetric feeds metric_bucket and metric_condition rules. Unused
	// for date_range.
	SourceMetric types.MetricID `json:"sourceMetric,omitempty"`
	Rules        []BucketRule   `json:"rules"`
}

// CustomMetricAggregation selects how a custom metric re-aggregates its
// source metric.
type CustomMetricAggregation string

// Custom metric aggregation types.
const (
	AggSum       CustomMetricAggregation = "sum"
	AggAvg       CustomMetricAggregation = "avg"
	AggMax       CustomMetricAggregation = "max"
	AggMin       CustomMetricAggregation = "min"
	AggCount     CustomMetricAggregation = "count"
	AggAvgPerDay CustomMetricAggregation = "avg_per_day"
)

// Valid reports whether a is a known aggregation type.
func (a CustomMetricAggregation) Valid() bool {
	switch a {
	case AggSum, AggAvg, AggMax, AggMin, AggCount, AggAvgPerDay:
		return true
	}
	return false
}

// CustomMetric is a user-authored re-aggregation of a source metric over a
// subset of the requested dimensions.
type CustomMetric struct {
	ID                types.MetricID          `json:"id"`
	Name              string                  `json:"name"`
	SourceMetric      types.MetricID          `json:"sourceMetric"`
	AggregationType   CustomMetricAggregation `json:"aggregationType"`
	ExcludeDimensions []types.DimensionID     `json:"excludeDimensions,omitempty"`
}

// Validate checks the structural invariants of a metric definition.
func (m *MetricDef) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("catalog: metric id is required")
	}
	switch m.Category {
	case CategoryVolume:
		if m.Formula != "" {
			return fmt.Errorf("catalog: volume metric %q must not have a formula", m.ID)
		}
		if m.ColumnName == "" {
			return fmt.Errorf("catalog: volume metric %q requires a column name", m.ID)
		}
	case CategoryDerived:
		if m.Formula == "" {
			return fmt.Errorf("catalog: derived metric %q requires a formula", m.ID)
		}
	default:
		return fmt.Errorf("catalog: metric %q has unknown category %q", m.ID, m.Category)
	}
	return nil
}

// Validate checks the structural invariants of a custom dimension.
func (d *CustomDimension) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("catalog: custom dimension id is required")
	}
	if !d.Type.Valid() {
		return fmt.Errorf("catalog: custom dimension %q has unknown type %q", d.ID, d.Type)
	}
	if (d.Type == CustomDimMetricBucket || d.Type == CustomDimMetricCondition) && d.SourceMetric == "" {
		return fmt.Errorf("catalog: custom dimension %q requires a source metric", d.ID)
	}
	if len(d.Rules) == 0 {
		return fmt.Errorf("catalog: custom dimension %q has no rules", d.ID)
	}
	if d.Type == CustomDimMetricCondition {
		for _, rule := range d.Rules {
			for _, cond := range rule.Conditions {
				if !cond.Operator.Valid() {
					return fmt.Errorf("catalog: custom dimension %q rule %q has unknown operator %q",
						d.ID, rule.Label, cond.Operator)
				}
			}
		}
	}
	return nil
}

// Validate checks the structural invariants of a custom metric.
func (m *CustomMetric) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("catalog: custom metric id is required")
	}
	if m.SourceMetric == "" {
		return fmt.Errorf("catalog: custom metric %q requires a source metric", m.ID)
	}
	if !m.AggregationType.Valid() {
		return fmt.Errorf("catalog: custom metric %q has unknown aggregation type %q", m.ID, m.AggregationType)
	}
	return nil
}
