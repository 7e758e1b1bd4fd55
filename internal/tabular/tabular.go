// Package tabular abstracts the warehouse behind a structured fetch spec.
//
// The router and engine describe what they need as a GroupedFetchSpec
// (columns, predicates, group-by, limit/offset); each store adapter renders
// that spec to its native query language. The core never concatenates SQL
// itself, which keeps it testable without a live warehouse and independent
// of any one dialect.
package tabular

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// ColumnKind selects how a select column is rendered.
type ColumnKind int

// Column kinds.
const (
	// KindGroup selects a plain column that also appears in the GROUP BY.
	KindGroup ColumnKind = iota
	// KindSum renders SUM(column). Used for pre-summed rollup columns.
	KindSum
	// KindMin renders MIN(column).
	KindMin
	// KindMax renders MAX(column).
	KindMax
	// KindCountDistinct renders COUNT(DISTINCT column).
	KindCountDistinct
	// KindDivideOrZero renders a null-safe division of summed columns:
	// zero whenever the denominator sums to zero.
	KindDivideOrZero
	// KindExpression renders a raw aggregation expression owned by the
	// catalog, e.g. a volume metric's source-table definition.
	KindExpression
)

// SelectColumn is one output column of a grouped fetch.
type SelectColumn struct {
	Kind       ColumnKind
	Column     string // physical column for Group/Sum/Min/Max/CountDistinct
	Numerator  string // for DivideOrZero
	Denom      string // for DivideOrZero
	Expression string // for Expression
	Alias      string
}

// PredicateOp is a filter comparison operator.
type PredicateOp int

// Predicate operators.
const (
	PredEq PredicateOp = iota
	PredIn
	PredGte
	PredLte
)

// Predicate is one WHERE clause term. All predicates of a spec are ANDed.
type Predicate struct {
	Column string
	Op     PredicateOp
	Value  interface{}   // Eq, Gte, Lte
	Values []interface{} // In
}

// OrderBy orders the result by a select alias.
type OrderBy struct {
	Alias string
	Desc  bool
}

// GroupedFetchSpec is a structured description of one grouped fetch.
// GroupBy entries name physical columns that must also appear as KindGroup
// select columns.
type GroupedFetchSpec struct {
	Table   string
	Select  []SelectColumn
	GroupBy []string
	Where   []Predicate
	OrderBy []OrderBy
	Limit   int
	Offset  int
}

// Validate checks the structural invariants a renderer relies on.
func (s *GroupedFetchSpec) Validate() error {
	if s.Table == "" {
		return fmt.Errorf("tabular: fetch spec requires a table")
	}
	if len(s.Select) == 0 {
		return fmt.Errorf("tabular: fetch spec requires at least one select column")
	}
	for _, col := range s.Select {
		if col.Alias == "" {
			return fmt.Errorf("tabular: select column requires an alias")
		}
		switch col.Kind {
		case KindGroup, KindSum, KindMin, KindMax, KindCountDistinct:
			if col.Column == "" {
				return fmt.Errorf("tabular: column %q requires a source column", col.Alias)
			}
		case KindDivideOrZero:
			if col.Numerator == "" || col.Denom == "" {
				return fmt.Errorf("tabular: column %q requires numerator and denominator", col.Alias)
			}
		case KindExpression:
			if col.Expression == "" {
				return fmt.Errorf("tabular: column %q requires an expression", col.Alias)
			}
		default:
			return fmt.Errorf("tabular: column %q has unknown kind %d", col.Alias, col.Kind)
		}
	}
	return nil
}

// Row is one fetched row keyed by select alias.
type Row map[string]interface{}

// Float reads a numeric cell, coercing the driver's concrete type. Missing
// or non-numeric cells read as 0.
func (r Row) Float(alias string) float64 {
	v, ok := r[alias]
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case *float64:
		if n == nil {
			return 0
		}
		return *n
	case *int64:
		if n == nil {
			return 0
		}
		return float64(*n)
	case *uint64:
		if n == nil {
			return 0
		}
		return float64(*n)
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0
		}
		return f
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// Time reads a date cell as a time.Time when the driver provides one.
func (r Row) Time(alias string) (time.Time, bool) {
	v, ok := r[alias]
	if !ok || v == nil {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	default:
		return time.Time{}, false
	}
}

// Store executes grouped fetches against one warehouse dialect.
type Store interface {
	// Execute runs the fetch and returns rows keyed by select alias.
	Execute(ctx context.Context, spec *GroupedFetchSpec) ([]Row, error)
	// CountGroups returns the number of groups the spec would produce,
	// ignoring limit and offset.
	CountGroups(ctx context.Context, spec *GroupedFetchSpec) (int, error)
	// MaterializeInto creates table from the spec's result and returns the
	// number of rows written. Used by the rollup materializer.
	MaterializeInto(ctx context.Context, table string, spec *GroupedFetchSpec) (int64, error)
	// DropTable removes a materialized table if it exists.
	DropTable(ctx context.Context, table string) error
	// Dialect names the adapter for logs and diagnostics.
	Dialect() string
	// Close releases the underlying connection.
	Close() error
}
