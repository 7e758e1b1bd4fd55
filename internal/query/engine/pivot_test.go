package engine

import (
	"math"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/pivora/pivora/internal/catalog"
	"github.com/pivora/pivora/internal/query/postprocess"
	"github.com/pivora/pivora/pkg/types"
)

// shapeEngine builds an engine with no store: these tests exercise the
// shaping stages on already-fetched tables.
func shapeEngine(t *testing.T, metrics []*catalog.MetricDef) *Engine {
	t.Helper()
	dims := []*catalog.DimensionDef{
		{ID: "country", Name: "Country", ColumnName: "country_code",
			DataType: catalog.TypeString, Filterable: true, Groupable: true, DisplayOrder: 1},
		{ID: "device", Name: "Device", ColumnName: "device",
			DataType: catalog.TypeString, Filterable: true, Groupable: true, DisplayOrder: 2},
	}
	snap, err := catalog.NewSnapshot("search_events", metrics, dims, nil, nil, nil)
	require.NoError(t, err)
	return New(snap, nil)
}

func shapeRow(dims map[types.DimensionID]string, metrics map[types.MetricID]float64) *postprocess.Row {
	r := postprocess.NewRow()
	for k, v := range dims {
		r.Dims[k] = v
	}
	for k, v := range metrics {
		r.Metrics[k] = v
	}
	return r
}

func volumeDefs() []*catalog.MetricDef {
	return []*catalog.MetricDef{
		{ID: "queries", Name: "Queries", Category: catalog.CategoryVolume,
			ColumnName: "query_id", DisplayOrder: 1},
		{ID: "clicks", Name: "Clicks", Category: catalog.CategoryVolume,
			ColumnName: "clicks", DisplayOrder: 2},
	}
}

func TestBuildResult_PrimarySkipsZeroTotalColumn(t *testing.T) {
	e := shapeEngine(t, volumeDefs())

	table := &postprocess.Table{
		Dims: []types.DimensionID{"country"},
		Rows: []*postprocess.Row{
			shapeRow(map[types.DimensionID]string{"country": "NO"},
				map[types.MetricID]float64{"queries": 0, "clicks": 30}),
			shapeRow(map[types.DimensionID]string{"country": "SE"},
				map[types.MetricID]float64{"queries": 0, "clicks": 10}),
		},
	}

	result := e.buildResult(table, false, nil)

	// queries sums to zero, so clicks becomes the percentage base.
	require.InDelta(t, 75.0, result.Rows[0].PercentageOfTotal, 1e-9)
	require.InDelta(t, 25.0, result.Rows[1].PercentageOfTotal, 1e-9)
}

func TestBuildResult_NoPrimaryMeansZeroPercentages(t *testing.T) {
	e := shapeEngine(t, volumeDefs())

	table := &postprocess.Table{
		Dims: []types.DimensionID{"country"},
		Rows: []*postprocess.Row{
			shapeRow(map[types.DimensionID]string{"country": "NO"},
				map[types.MetricID]float64{"queries": 0, "clicks": 0}),
		},
	}

	result := e.buildResult(table, false, nil)
	require.Equal(t, 0.0, result.Rows[0].PercentageOfTotal)
	require.NotNil(t, result.Total)
	require.Equal(t, 100.0, result.Total.PercentageOfTotal)
}

func TestBuildResult_AllDimensionsGroupedMeansNoChildren(t *testing.T) {
	e := shapeEngine(t, volumeDefs())

	table := &postprocess.Table{
		Dims: []types.DimensionID{"country", "device"},
		Rows: []*postprocess.Row{
			shapeRow(map[types.DimensionID]string{"country": "NO", "device": "mobile"},
				map[types.MetricID]float64{"queries": 10}),
		},
	}

	result := e.buildResult(table, false, nil)
	require.False(t, result.Rows[0].HasChildren)
	require.Equal(t, "NO - mobile", result.Rows[0].DimensionValue)
}

func TestBuildResult_EmptyTableHasNoTotal(t *testing.T) {
	e := shapeEngine(t, volumeDefs())

	result := e.buildResult(&postprocess.Table{Dims: []types.DimensionID{"country"}}, false, nil)
	require.Empty(t, result.Rows)
	require.Nil(t, result.Total)
}

func TestTotalRow_RecomputesDerivedFromSums(t *testing.T) {
	metrics := append(volumeDefs(), &catalog.MetricDef{
		ID: "ctr", Name: "CTR", Category: catalog.CategoryDerived,
		Formula: "{clicks} / {queries}", DisplayOrder: 3,
	})
	e := shapeEngine(t, metrics)

	table := &postprocess.Table{
		Dims: []types.DimensionID{"country"},
		Rows: []*postprocess.Row{
			shapeRow(map[types.DimensionID]string{"country": "NO"},
				map[types.MetricID]float64{"queries": 10, "clicks": 5}),
			shapeRow(map[types.DimensionID]string{"country": "SE"},
				map[types.MetricID]float64{"queries": 90, "clicks": 9}),
		},
	}

	order := e.derivedOrderFor(e.snap.Metrics())
	e.evaluateDerived(table, order)
	require.InDelta(t, 0.5, table.Rows[0].Metrics["ctr"], 1e-9)
	require.InDelta(t, 0.1, table.Rows[1].Metrics["ctr"], 1e-9)

	result := e.buildResult(table, false, order)
	require.Equal(t, 100.0, result.Total.Metrics["queries"])
	require.Equal(t, 14.0, result.Total.Metrics["clicks"])
	// 14/100, not the mean of the per-row ratios (0.3).
	require.InDelta(t, 0.14, result.Total.Metrics["ctr"], 1e-9)
}

func TestEvaluateDerived_MissingDependencyDefaultsToZero(t *testing.T) {
	metrics := append(volumeDefs(), &catalog.MetricDef{
		ID: "ctr", Name: "CTR", Category: catalog.CategoryDerived,
		Formula: "{clicks} / {queries}", DisplayOrder: 3,
	})
	e := shapeEngine(t, metrics)

	// clicks is absent, as after a NULL cell: the formula fails and the
	// metric zeroes instead of aborting.
	table := &postprocess.Table{
		Dims: []types.DimensionID{"country"},
		Rows: []*postprocess.Row{
			shapeRow(map[types.DimensionID]string{"country": "NO"},
				map[types.MetricID]float64{"queries": 10}),
		},
	}

	e.evaluateDerived(table, e.derivedOrderFor(e.snap.Metrics()))
	require.Equal(t, 0.0, table.Rows[0].Metrics["ctr"])
	require.Equal(t, 10.0, table.Rows[0].Metrics["queries"])
}

func TestEvaluateDerived_ChainedFormulasFollowDependencies(t *testing.T) {
	// ctr_pct references ctr but sits before it in catalog order; the
	// evaluation order must come from the dependency graph, not the
	// catalog.
	metrics := append(volumeDefs(),
		&catalog.MetricDef{ID: "ctr_pct", Name: "CTR %", Category: catalog.CategoryDerived,
			Formula: "{ctr} * 100", DisplayOrder: 3},
		&catalog.MetricDef{ID: "ctr", Name: "CTR", Category: catalog.CategoryDerived,
			Formula: "{clicks} / {queries}", DisplayOrder: 4},
	)
	e := shapeEngine(t, metrics)

	table := &postprocess.Table{
		Dims: []types.DimensionID{"country"},
		Rows: []*postprocess.Row{
			shapeRow(map[types.DimensionID]string{"country": "NO"},
				map[types.MetricID]float64{"queries": 10, "clicks": 5}),
		},
	}

	order := e.derivedOrderFor(e.snap.Metrics())
	e.evaluateDerived(table, order)
	require.InDelta(t, 0.5, table.Rows[0].Metrics["ctr"], 1e-9)
	require.InDelta(t, 50.0, table.Rows[0].Metrics["ctr_pct"], 1e-9)

	result := e.buildResult(table, false, order)
	require.InDelta(t, 50.0, result.Total.Metrics["ctr_pct"], 1e-9)
}

func TestProperty_PercentagesSumTo100(t *testing.T) {
	e := shapeEngine(t, volumeDefs())

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	positiveSomewhere := func(vs []float64) bool {
		for _, v := range vs {
			if v > 0 {
				return true
			}
		}
		return false
	}

	properties.Property("row percentages sum to 100", prop.ForAll(
		func(vs []float64) bool {
			table := &postprocess.Table{Dims: []types.DimensionID{"country"}}
			for i, v := range vs {
				table.Rows = append(table.Rows, shapeRow(
					map[types.DimensionID]string{"country": strconv.Itoa(i)},
					map[types.MetricID]float64{"queries": v},
				))
			}
			result := e.buildResult(table, false, nil)

			var sum float64
			for _, row := range result.Rows {
				sum += row.PercentageOfTotal
			}
			return math.Abs(sum-100) < 1e-6 && result.Total.PercentageOfTotal == 100
		},
		gen.SliceOf(gen.Float64Range(0, 1e6)).SuchThat(positiveSomewhere),
	))

	properties.TestingRun(t)
}
