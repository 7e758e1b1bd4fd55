// Package engine executes pivot requests end to end: it routes the request
// to a rollup, issues the single grouped fetch against the warehouse,
// reshapes the rows through custom dimensions and custom metrics, evaluates
// derived-metric formulas, and attaches totals and percentages.
//
// The engine holds no process-wide state. It works from one immutable
// catalog snapshot and one tabular store handed to it at construction, so a
// request sees a consistent catalog even while rollups change state
// underneath.
package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/pivora/pivora/internal/catalog"
	apperrors "github.com/pivora/pivora/internal/errors"
	"github.com/pivora/pivora/internal/observability"
	"github.com/pivora/pivora/internal/query/postprocess"
	"github.com/pivora/pivora/internal/query/router"
	"github.com/pivora/pivora/internal/tabular"
	"github.com/pivora/pivora/pkg/types"
)

// PivotRequest describes one pivot fetch.
type PivotRequest struct {
	// Dims is the requested grouping, in display order.
	Dims []types.DimensionID

	// Metrics restricts the metric columns computed for the response.
	// Empty means every catalog metric. Derived metrics pull in their
	// volume dependencies.
	Metrics []types.MetricID

	// Filter restricts rows before grouping.
	Filter types.FilterSpec

	// Limit and Offset page through groups. An offset requires a limit.
	Limit  int
	Offset int

	// CustomDimensionID, when set, makes that custom dimension the grouping
	// key of the response: fetched rows are bucketed row-wise and then
	// re-aggregated by label.
	CustomDimensionID string

	// CustomMetricIDs adds custom metric columns, applied in order, so a
	// later custom metric may source an earlier one.
	CustomMetricIDs []types.MetricID

	// RequireRollup turns a routing miss into a rollup_required failure
	// instead of falling back to the raw source table.
	RequireRollup bool
}

// Engine turns pivot requests into pivot results.
type Engine struct {
	snap  *catalog.Snapshot
	store tabular.Store
	rt    *router.Router
	stats *observability.RoutingStats
}

// New builds an engine over one catalog snapshot and one warehouse.
func New(snap *catalog.Snapshot, store tabular.Store) *Engine {
	return &Engine{snap: snap, store: store, rt: router.New(snap)}
}

// SetRoutingStats makes the engine report routing outcomes of served pivot
// requests. May be nil (the default) to disable reporting.
func (e *Engine) SetRoutingStats(stats *observability.RoutingStats) {
	e.stats = stats
}

// Route explains the routing decision a pivot request would get, resolving
// metrics and filter dimensions exactly as GetPivotData does but without
// fetching anything. Decisions made here are diagnostic and never counted in
// the routing stats.
func (e *Engine) Route(req *PivotRequest) (*router.Decision, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	customDim, _, err := e.resolveCustomDefs(req)
	if err != nil {
		return nil, err
	}
	requested, err := e.requestedMetrics(req)
	if err != nil {
		return nil, err
	}
	fetchDims := fetchDimensions(req.Dims, customDim)
	filterDims := filterOnlyDimensions(fetchDims, req.Filter)
	return e.rt.Route(fetchDims, metricIDsOf(requested), filterDims, req.RequireRollup)
}

// GetPivotData answers one pivot request with grouped rows, a synthetic
// total row and paging metadata. Every catalog metric is computed: volume
// metrics are fetched, derived metrics are evaluated from them after the
// post-processing steps.
func (e *Engine) GetPivotData(ctx context.Context, req *PivotRequest) (*types.PivotResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	customDim, customMetrics, err := e.resolveCustomDefs(req)
	if err != nil {
		return nil, err
	}
	requested, err := e.requestedMetrics(req)
	if err != nil {
		return nil, err
	}

	fetchDims := fetchDimensions(req.Dims, customDim)
	filterDims := filterOnlyDimensions(fetchDims, req.Filter)

	decision, err := e.rt.Route(fetchDims, metricIDsOf(requested), filterDims, req.RequireRollup)
	if err != nil {
		return nil, err
	}
	e.recordDecision(decision)
	if !decision.UseRollup && req.RequireRollup {
		return nil, e.rollupRequiredError(decision)
	}
	if decision.UseRollup {
		log.Printf("engine: routed table=%s to rollup=%s score=%d reaggregation=%v",
			e.snap.Table(), decision.Rollup.ID, decision.Score, decision.NeedsReaggregation)
	} else {
		log.Printf("engine: no eligible rollup for table=%s, querying raw source", e.snap.Table())
	}

	volumes, err := e.fetchVolumes(requested)
	if err != nil {
		return nil, err
	}
	plan, err := e.buildPlan(ctx, req, fetchDims, decision, volumes, wantsAvgPerDay(customMetrics))
	if err != nil {
		return nil, err
	}

	fetched, err := e.store.Execute(ctx, plan.spec)
	if err != nil {
		return nil, apperrors.NewStoreError(apperrors.CodeFetchFailed, "grouped fetch failed", err)
	}

	totalCount := len(fetched)
	if req.Limit > 0 {
		totalCount, err = e.store.CountGroups(ctx, plan.spec)
		if err != nil {
			return nil, apperrors.NewStoreError(apperrors.CodeFetchFailed, "group count failed", err)
		}
	}

	table := toTable(plan, fetched)

	numDays := 1
	if plan.hasRange {
		numDays = plan.dateRange.NumDays()
	}
	for _, cm := range customMetrics {
		if err := postprocess.ApplyCustomMetric(table, cm, numDays); err != nil {
			return nil, err
		}
	}
	if customDim != nil {
		if err := postprocess.ApplyCustomDimension(table, customDim, true); err != nil {
			return nil, err
		}
		// The response is the full bucket set, not a page of it.
		totalCount = len(table.Rows)
	}

	order := e.derivedOrderFor(requested)
	e.evaluateDerived(table, order)

	result := e.buildResult(table, customDim != nil, order)
	result.TotalCount = totalCount
	return result, nil
}

func validateRequest(req *PivotRequest) error {
	if req.Limit < 0 {
		return apperrors.NewValidationError("limit must not be negative")
	}
	if req.Offset < 0 {
		return apperrors.NewValidationError("offset must not be negative")
	}
	if req.Offset > 0 && req.Limit == 0 {
		return apperrors.NewValidationError("offset requires a limit")
	}
	return nil
}

// resolveCustomDefs looks up the requested custom dimension and metrics,
// failing on unknown ids.
func (e *Engine) resolveCustomDefs(req *PivotRequest) (*catalog.CustomDimension, []*catalog.CustomMetric, error) {
	var customDim *catalog.CustomDimension
	if req.CustomDimensionID != "" {
		cd, ok := e.snap.CustomDimension(req.CustomDimensionID)
		if !ok {
			return nil, nil, apperrors.NewCatalogError(apperrors.CodeUnknownCustomDimension,
				fmt.Sprintf("unknown custom dimension %q", req.CustomDimensionID))
		}
		customDim = cd
	}

	customMetrics := make([]*catalog.CustomMetric, 0, len(req.CustomMetricIDs))
	for _, id := range req.CustomMetricIDs {
		cm, ok := e.snap.CustomMetric(id)
		if !ok {
			return nil, nil, apperrors.NewCatalogError(apperrors.CodeUnknownCustomMetric,
				fmt.Sprintf("unknown custom metric %q", id))
		}
		customMetrics = append(customMetrics, cm)
	}
	return customDim, customMetrics, nil
}

// fetchDimensions returns the physical grouping for the warehouse fetch. A
// date_range custom dimension buckets on the date column, so date is added
// to the grouping when the caller did not request it.
func fetchDimensions(dims []types.DimensionID, customDim *catalog.CustomDimension) []types.DimensionID {
	out := append([]types.DimensionID{}, dims...)
	if customDim == nil || customDim.Type != catalog.CustomDimDateRange {
		return out
	}
	for _, d := range out {
		if d == types.DateDimension {
			return out
		}
	}
	return append(out, types.DateDimension)
}

// filterOnlyDimensions returns the dimensions referenced by the filter but
// not grouped on. A date constraint references the date dimension.
func filterOnlyDimensions(dims []types.DimensionID, f types.FilterSpec) []types.DimensionID {
	grouped := make(map[types.DimensionID]bool, len(dims))
	for _, d := range dims {
		grouped[d] = true
	}

	var out []types.DimensionID
	for _, d := range f.FilterDimensions() {
		if !grouped[d] {
			out = append(out, d)
		}
	}
	if hasDateConstraint(f) && !grouped[types.DateDimension] {
		out = append(out, types.DateDimension)
	}
	return out
}

func hasDateConstraint(f types.FilterSpec) bool {
	if f.DateRange != nil && !f.DateRange.IsZero() {
		return true
	}
	return f.RelativeDate != types.RelativeNone
}

func wantsAvgPerDay(customMetrics []*catalog.CustomMetric) bool {
	for _, cm := range customMetrics {
		if cm.AggregationType == catalog.AggAvgPerDay {
			return true
		}
	}
	return false
}

// requestedMetrics resolves the request's metric restriction to catalog
// definitions in catalog order. An empty restriction means every metric.
func (e *Engine) requestedMetrics(req *PivotRequest) ([]*catalog.MetricDef, error) {
	if len(req.Metrics) == 0 {
		return e.snap.Metrics(), nil
	}
	want := make(map[types.MetricID]bool, len(req.Metrics))
	for _, id := range req.Metrics {
		if _, ok := e.snap.Metric(id); !ok {
			return nil, apperrors.NewCatalogError(apperrors.CodeUnknownMetric,
				fmt.Sprintf("unknown metric %q", id))
		}
		want[id] = true
	}
	var out []*catalog.MetricDef
	for _, m := range e.snap.Metrics() {
		if want[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

// fetchVolumes expands the requested metrics to the volume definitions the
// grouped fetch must select: requested volumes plus the volume dependencies
// of requested derived metrics, in catalog order.
func (e *Engine) fetchVolumes(requested []*catalog.MetricDef) ([]*catalog.MetricDef, error) {
	closure, err := e.snap.VolumeClosure(metricIDsOf(requested))
	if err != nil {
		return nil, err
	}
	needed := make(map[types.MetricID]bool, len(closure))
	for _, id := range closure {
		needed[id] = true
	}
	var out []*catalog.MetricDef
	for _, m := range e.snap.Metrics() {
		if m.IsVolume() && needed[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

// volumeMetrics returns the volume metric definitions in display order.
func (e *Engine) volumeMetrics() []*catalog.MetricDef {
	var out []*catalog.MetricDef
	for _, m := range e.snap.Metrics() {
		if m.IsVolume() {
			out = append(out, m)
		}
	}
	return out
}

func metricIDsOf(defs []*catalog.MetricDef) []types.MetricID {
	out := make([]types.MetricID, len(defs))
	for i, m := range defs {
		out[i] = m.ID
	}
	return out
}

// recordDecision reports the routing outcome of a served request: a hit
// for the selected rollup, rejects for every rollup that could not serve,
// and the required dimension set when the request fell through to raw.
func (e *Engine) recordDecision(decision *router.Decision) {
	if e.stats == nil {
		return
	}
	for _, cand := range decision.Candidates {
		if !cand.CanUse {
			e.stats.RecordReject(cand.Rollup.ID, cand.Reason)
		}
	}
	if decision.UseRollup {
		e.stats.RecordHit(decision.Rollup.ID, decision.Reason)
	} else {
		e.stats.RecordMiss(decision.RequiredDimensions)
	}
}

// rollupRequiredError builds the structured routing failure carried to the
// API layer: the minimal dimension set that would unblock routing plus the
// diagnostic score of every rollup.
func (e *Engine) rollupRequiredError(decision *router.Decision) error {
	failure := &types.RoutingFailure{
		Error:              decision.Reason,
		ErrorType:          types.RollupRequiredErrorType,
		RequiredDimensions: decision.RequiredDimensions,
		AvailableRollups:   make([]types.AvailableRollup, 0, len(decision.Candidates)),
	}
	for _, cand := range decision.Candidates {
		failure.AvailableRollups = append(failure.AvailableRollups, types.AvailableRollup{
			Dimensions: cand.Rollup.Dimensions,
			Status:     string(cand.Rollup.Status),
			Score:      cand.Score,
			CanUse:     cand.CanUse,
			Reason:     cand.Reason,
		})
	}
	return apperrors.NewRoutingError(decision.Reason).
		WithDetails(map[string]interface{}{"failure": failure})
}

// RoutingFailureFromError extracts the structured payload of a
// rollup_required error, or nil for any other error.
func RoutingFailureFromError(err error) *types.RoutingFailure {
	details := apperrors.GetDetails(err)
	if details == nil {
		return nil
	}
	failure, ok := details["failure"].(*types.RoutingFailure)
	if !ok {
		return nil
	}
	return failure
}
