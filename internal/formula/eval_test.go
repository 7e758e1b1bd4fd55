package formula

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/pivora/pivora/pkg/types"
)

func mustCompile(t *testing.T, metric types.MetricID, source string) *Compiled {
	t.Helper()
	root, err := Parse(source)
	if err != nil {
		t.Fatalf("parse %q: %v", source, err)
	}
	return &Compiled{Metric: metric, Root: root, DependsOn: Refs(root)}
}

func TestSafeDivide(t *testing.T) {
	tests := []struct {
		a, b     float64
		expected float64
	}{
		{10, 2, 5},
		{10, 0, 0},
		{0, 0, 0},
		{-10, 0, 0},
		{0, 5, 0},
		{1, 3, 1.0 / 3.0},
	}

	for _, tt := range tests {
		got := SafeDivide(tt.a, tt.b)
		if got != tt.expected {
			t.Errorf("SafeDivide(%v, %v): expected %v, got %v", tt.a, tt.b, tt.expected, got)
		}
	}
}

// TestProperty_SafeDivideNeverNonFinite validates that division never
// produces NaN or Inf regardless of inputs, and agrees with plain division
// whenever the divisor is non-zero.
func TestProperty_SafeDivideNeverNonFinite(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("zero divisor yields zero", prop.ForAll(
		func(a float64) bool {
			return SafeDivide(a, 0) == 0
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("non-zero divisor matches plain division", prop.ForAll(
		func(a, b float64) bool {
			if b == 0 {
				b = 1
			}
			got := SafeDivide(a, b)
			return got == a/b && !math.IsNaN(got) && !math.IsInf(got, 0)
		},
		gen.Float64Range(-1e12, 1e12),
		gen.Float64Range(-1e12, 1e12),
	))

	properties.TestingRun(t)
}

func TestEvaluateRatio(t *testing.T) {
	ctr := mustCompile(t, "ctr", "{clicks} / {queries}")

	got, err := ctr.Evaluate(map[types.MetricID]float64{"clicks": 25, "queries": 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0.25 {
		t.Errorf("expected 0.25, got %v", got)
	}
}

func TestEvaluateZeroDenominator(t *testing.T) {
	ctr := mustCompile(t, "ctr", "{clicks} / {queries}")

	got, err := ctr.Evaluate(map[types.MetricID]float64{"clicks": 25, "queries": 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Errorf("expected 0 for zero denominator, got %v", got)
	}
}

func TestEvaluateCompound(t *testing.T) {
	margin := mustCompile(t, "margin", "({revenue} - {cost}) / {revenue}")

	got, err := margin.Evaluate(map[types.MetricID]float64{"revenue": 200, "cost": 50})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0.75 {
		t.Errorf("expected 0.75, got %v", got)
	}
}

func TestEvaluateMissingValue(t *testing.T) {
	ctr := mustCompile(t, "ctr", "{clicks} / {queries}")

	_, err := ctr.Evaluate(map[types.MetricID]float64{"clicks": 25})
	if err == nil {
		t.Fatal("expected error for missing metric value")
	}
}

func TestEvaluateLiteralOnly(t *testing.T) {
	c := mustCompile(t, "const", "100")

	got, err := c.Evaluate(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 100 {
		t.Errorf("expected 100, got %v", got)
	}
}

func TestEvaluateNonFiniteResult(t *testing.T) {
	c := mustCompile(t, "overflow", "{huge} * {huge}")

	_, err := c.Evaluate(map[types.MetricID]float64{"huge": math.MaxFloat64})
	if err == nil {
		t.Fatal("expected error for non-finite result")
	}
}
