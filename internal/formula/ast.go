// Package formula compiles derived-metric formulas into expression trees.
//
// A formula is a small arithmetic expression over metric references, for
// example "{clicks} / {queries}" or "({revenue} - {cost}) / {purchases}".
// Formulas are compiled once at catalog load time; evaluation walks the
// tree per row with no runtime code execution. Division is always safe:
// a zero divisor yields zero, never NaN or Inf.
package formula

import (
	"fmt"
	"strconv"

	"github.com/pivora/pivora/pkg/types"
)

// Operator is a binary arithmetic operator.
type Operator string

// Supported operators.
const (
	OpAdd Operator = "+"
	OpSub Operator = "-"
	OpMul Operator = "*"
	OpDiv Operator = "/"
)

// Expr is a node in a compiled formula tree.
type Expr interface {
	exprNode()
	String() string
}

// Ref references another metric by id, written "{id}" in formula source.
type Ref struct {
	Metric types.MetricID
}

func (r *Ref) exprNode() {}

func (r *Ref) String() string {
	return "{" + string(r.Metric) + "}"
}

// Literal is a numeric constant.
type Literal struct {
	Value float64
}

func (l *Literal) exprNode() {}

func (l *Literal) String() string {
	return strconv.FormatFloat(l.Value, 'g', -1, 64)
}

// BinaryOp applies an operator to two sub-expressions.
type BinaryOp struct {
	Op    Operator
	Left  Expr
	Right Expr
}

func (b *BinaryOp) exprNode() {}

func (b *BinaryOp) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left.String(), b.Op, b.Right.String())
}

// Refs returns every metric id referenced by the expression, in first-seen
// order without duplicates.
func Refs(e Expr) []types.MetricID {
	seen := make(map[types.MetricID]bool)
	var out []types.MetricID
	collectRefs(e, seen, &out)
	return out
}

func collectRefs(e Expr, seen map[types.MetricID]bool, out *[]types.MetricID) {
	switch n := e.(type) {
	case *Ref:
		if !seen[n.Metric] {
			seen[n.Metric] = true
			*out = append(*out, n.Metric)
		}
	case *BinaryOp:
		collectRefs(n.Left, seen, out)
		collectRefs(n.Right, seen, out)
	}
}
