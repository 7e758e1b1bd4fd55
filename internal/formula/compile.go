package formula

import (
	"fmt"
	"sort"

	apperrors "github.com/pivora/pivora/internal/errors"
	"github.com/pivora/pivora/pkg/types"
)

// Compiled is a parsed formula ready for per-row evaluation.
type Compiled struct {
	Metric    types.MetricID
	Root      Expr
	DependsOn []types.MetricID
}

// DFS colors for cycle detection.
const (
	colorWhite = iota // not visited
	colorGray         // on the current path
	colorBlack        // fully resolved
)

// CompileAll parses every formula, checks that each reference resolves to a
// known metric id, and rejects reference cycles. The known callback reports
// whether an id exists in the catalog at all; ids present in formulas are
// the derived metrics being compiled, everything else they reference must
// satisfy known.
func CompileAll(formulas map[types.MetricID]string, known func(types.MetricID) bool) (map[types.MetricID]*Compiled, error) {
	compiled := make(map[types.MetricID]*Compiled, len(formulas))

	// Parse deterministically so the first error is stable across runs.
	ids := make([]types.MetricID, 0, len(formulas))
	for id := range formulas {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		root, err := Parse(formulas[id])
		if err != nil {
			return nil, apperrors.NewFormulaError(apperrors.CodeFormulaParse,
				fmt.Sprintf("metric %q: cannot parse formula", id), err)
		}
		deps := Refs(root)
		for _, dep := range deps {
			if _, isFormula := formulas[dep]; !isFormula && !known(dep) {
				return nil, apperrors.NewFormulaError(apperrors.CodeFormulaParse,
					fmt.Sprintf("metric %q: formula references unknown metric %q", id, dep), nil)
			}
		}
		compiled[id] = &Compiled{Metric: id, Root: root, DependsOn: deps}
	}

	if err := detectCycles(compiled); err != nil {
		return nil, err
	}
	return compiled, nil
}

// detectCycles walks the dependency graph between compiled formulas and
// returns an error naming the first cycle found.
func detectCycles(compiled map[types.MetricID]*Compiled) error {
	color := make(map[types.MetricID]int, len(compiled))

	ids := make([]types.MetricID, 0, len(compiled))
	for id := range compiled {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var visit func(id types.MetricID, path []types.MetricID) error
	visit = func(id types.MetricID, path []types.MetricID) error {
		color[id] = colorGray
		path = append(path, id)
		for _, dep := range compiled[id].DependsOn {
			next, isFormula := compiled[dep]
			if !isFormula {
				continue // volume metrics terminate the walk
			}
			switch color[dep] {
			case colorGray:
				return apperrors.NewFormulaError(apperrors.CodeFormulaCycle,
					fmt.Sprintf("formula cycle: %s", renderCycle(path, dep)), nil)
			case colorWhite:
				if err := visit(next.Metric, path); err != nil {
					return err
				}
			}
		}
		color[id] = colorBlack
		return nil
	}

	for _, id := range ids {
		if color[id] == colorWhite {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// renderCycle formats a path plus the repeated node, e.g. "a -> b -> a".
func renderCycle(path []types.MetricID, repeat types.MetricID) string {
	start := 0
	for i, id := range path {
		if id == repeat {
			start = i
			break
		}
	}
	out := ""
	for _, id := range path[start:] {
		out += string(id) + " -> "
	}
	return out + string(repeat)
}

// VolumeDeps expands a set of metric ids to the volume metrics they
// ultimately depend on. Derived ids are resolved through their compiled
// formulas; ids with no formula are assumed to be volume metrics and pass
// through. Order is first-seen, without duplicates.
func VolumeDeps(ids []types.MetricID, compiled map[types.MetricID]*Compiled) []types.MetricID {
	seen := make(map[types.MetricID]bool)
	var out []types.MetricID

	var expand func(id types.MetricID)
	expand = func(id types.MetricID) {
		c, isFormula := compiled[id]
		if !isFormula {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
			return
		}
		for _, dep := range c.DependsOn {
			expand(dep)
		}
	}

	for _, id := range ids {
		expand(id)
	}
	return out
}
