package postprocess

import (
	"fmt"
	"sort"
	"time"

	"github.com/pivora/pivora/internal/catalog"
	apperrors "github.com/pivora/pivora/internal/errors"
	"github.com/pivora/pivora/pkg/types"
)

// OtherLabel is assigned to rows no rule matches.
const OtherLabel = "Other"

// ApplyCustomDimension assigns a bucket label to every row and adds it as a
// new dimension column named after the definition id. When regroup is set the
// table is collapsed to one row per label, summing every metric column; labels
// keep first-seen order. Derived metrics must not be present yet, they are
// evaluated after bucketing so ratios are computed from the re-summed volumes.
func ApplyCustomDimension(table *Table, def *catalog.CustomDimension, regroup bool) error {
	label, err := labeler(def)
	if err != nil {
		return err
	}

	labelDim := types.DimensionID(def.ID)
	for _, row := range table.Rows {
		row.Dims[labelDim] = label(row)
	}

	if regroup {
		regroupByLabel(table, labelDim)
		return nil
	}
	if !table.HasDim(labelDim) {
		table.Dims = append(table.Dims, labelDim)
	}
	return nil
}

// labeler compiles the definition's rules into a row-labeling function.
func labeler(def *catalog.CustomDimension) (func(*Row) string, error) {
	switch def.Type {
	case catalog.CustomDimMetricBucket:
		rules := sortedBucketRules(def.Rules)
		source := def.SourceMetric
		return func(row *Row) string {
			v, ok := row.Metrics[source]
			if !ok {
				return OtherLabel
			}
			for _, r := range rules {
				if matchBucketRule(r, v) {
					return r.Label
				}
			}
			return OtherLabel
		}, nil

	case catalog.CustomDimDateRange:
		rules := compileDateRules(def.Rules)
		return func(row *Row) string {
			raw, ok := row.Dims[types.DateDimension]
			if !ok || raw == types.NullSentinel {
				return OtherLabel
			}
			date, err := time.Parse(types.DateLayout, raw)
			if err != nil {
				return OtherLabel
			}
			for _, r := range rules {
				if r.matches(date) {
					return r.label
				}
			}
			return OtherLabel
		}, nil

	case catalog.CustomDimMetricCondition:
		rules := def.Rules
		source := def.SourceMetric
		return func(row *Row) string {
			v, present := row.Metrics[source]
			for _, r := range rules {
				if matchConditions(r.Conditions, v, present) {
					return r.Label
				}
			}
			return OtherLabel
		}, nil

	default:
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("postprocess: custom dimension %q has unsupported type %q", def.ID, def.Type))
	}
}

// sortedBucketRules orders metric_bucket rules by min descending so the
// tightest lower bound wins when ranges overlap. Rules without a min sort
// last; the sort is stable so defined order breaks ties.
func sortedBucketRules(rules []catalog.BucketRule) []catalog.BucketRule {
	out := make([]catalog.BucketRule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := out[i].Min, out[j].Min
		if li == nil {
			return false
		}
		if lj == nil {
			return true
		}
		return *li > *lj
	})
	return out
}

func matchBucketRule(r catalog.BucketRule, v float64) bool {
	if r.Equals != nil {
		return v == *r.Equals
	}
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// dateRule is a date_range rule with its bounds parsed once. Rules whose
// dates do not parse are dropped, they can never match.
type dateRule struct {
	label      string
	start, end *time.Time
}

func compileDateRules(rules []catalog.BucketRule) []dateRule {
	out := make([]dateRule, 0, len(rules))
	for _, r := range rules {
		dr := dateRule{label: r.Label}
		if r.StartDate != "" {
			t, err := time.Parse(types.DateLayout, r.StartDate)
			if err != nil {
				continue
			}
			dr.start = &t
		}
		if r.EndDate != "" {
			t, err := time.Parse(types.DateLayout, r.EndDate)
			if err != nil {
				continue
			}
			dr.end = &t
		}
		out = append(out, dr)
	}
	return out
}

func (r dateRule) matches(date time.Time) bool {
	if r.start != nil && date.Before(*r.start) {
		return false
	}
	if r.end != nil && date.After(*r.end) {
		return false
	}
	return true
}

// matchConditions evaluates a metric_condition conjunction. present reports
// whether the source metric exists on the row at all, which is what is_null
// and is_not_null test.
func matchConditions(conds []catalog.BucketCondition, v float64, present bool) bool {
	if len(conds) == 0 {
		return false
	}
	for _, c := range conds {
		if !matchCondition(c, v, present) {
			return false
		}
	}
	return true
}

func matchCondition(c catalog.BucketCondition, v float64, present bool) bool {
	switch c.Operator {
	case catalog.OpIsNull:
		return !present
	case catalog.OpIsNotNull:
		return present
	}
	if !present || c.Value == nil {
		return false
	}
	switch c.Operator {
	case catalog.OpGreaterThan:
		return v > *c.Value
	case catalog.OpGreaterOrEqual:
		return v >= *c.Value
	case catalog.OpLessThan:
		return v < *c.Value
	case catalog.OpLessOrEqual:
		return v <= *c.Value
	case catalog.OpEqual:
		return v == *c.Value
	case catalog.OpNotEqual:
		return v != *c.Value
	case catalog.OpBetween:
		return c.ValueMax != nil && v >= *c.Value && v <= *c.ValueMax
	}
	return false
}

// regroupByLabel collapses the table to one row per bucket label, summing
// every metric column. Label order follows first appearance in the input.
func regroupByLabel(table *Table, labelDim types.DimensionID) {
	groups := make(map[string]*Row)
	order := make([]string, 0, len(table.Rows))

	for _, row := range table.Rows {
		lbl := row.Dims[labelDim]
		g, ok := groups[lbl]
		if !ok {
			g = NewRow()
			g.Dims[labelDim] = lbl
			groups[lbl] = g
			order = append(order, lbl)
		}
		for id, v := range row.Metrics {
			g.Metrics[id] += v
		}
	}

	rows := make([]*Row, len(order))
	for i, lbl := range order {
		rows[i] = groups[lbl]
	}
	table.Dims = []types.DimensionID{labelDim}
	table.Rows = rows
}
