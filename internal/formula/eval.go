package formula

import (
	"fmt"
	"math"

	apperrors "github.com/pivora/pivora/internal/errors"
	"github.com/pivora/pivora/pkg/types"
)

// SafeDivide divides a by b, returning 0 when b is zero. Every division in
// the system goes through this: derived metrics, percentages, averages.
func SafeDivide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// Evaluate computes the compiled formula against a row's metric values.
// Referenced metrics missing from values are an error; callers decide
// whether to substitute a default. A non-finite result (possible through
// overflow, not division) is also an error.
func (c *Compiled) Evaluate(values map[types.MetricID]float64) (float64, error) {
	result, err := eval(c.Root, values)
	if err != nil {
		return 0, apperrors.NewFormulaError(apperrors.CodeFormulaEvaluation,
			fmt.Sprintf("metric %q", c.Metric), err)
	}
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, apperrors.NewFormulaError(apperrors.CodeFormulaEvaluation,
			fmt.Sprintf("metric %q: non-finite result", c.Metric), nil)
	}
	return result, nil
}

func eval(e Expr, values map[types.MetricID]float64) (float64, error) {
	switch n := e.(type) {
	case *Literal:
		return n.Value, nil
	case *Ref:
		v, ok := values[n.Metric]
		if !ok {
			return 0, fmt.Errorf("formula: missing value for metric %q", n.Metric)
		}
		return v, nil
	case *BinaryOp:
		left, err := eval(n.Left, values)
		if err != nil {
			return 0, err
		}
		right, err := eval(n.Right, values)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case OpAdd:
			return left + right, nil
		case OpSub:
			return left - right, nil
		case OpMul:
			return left * right, nil
		case OpDiv:
			return SafeDivide(left, right), nil
		default:
			return 0, fmt.Errorf("formula: unknown operator %q", n.Op)
		}
	default:
		return 0, fmt.Errorf("formula: unknown expression node %T", e)
	}
}
