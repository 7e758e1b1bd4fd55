// Package router decides which rollup table, if any, can serve a requested
// dimension/metric/filter combination. Routing is a pure function of the
// catalog snapshot: every rollup is scored, the best eligible one wins, and
// rejected candidates keep their diagnostic score and reason so operators
// can see exactly why a query fell through to the raw source.
package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pivora/pivora/internal/catalog"
	apperrors "github.com/pivora/pivora/internal/errors"
	"github.com/pivora/pivora/pkg/types"
)

// Eligibility scores. An exact dimension match beats date re-aggregation,
// which beats date re-aggregation involving distinct-like metrics.
const (
	// ScoreExactMatch: the rollup's dimensions are exactly covered by the
	// request; rows can be used as stored.
	ScoreExactMatch = 150
	// ScoreDateReaggregation: the rollup carries date as its only extra
	// dimension; stored per-date rows are summed across date.
	ScoreDateReaggregation = 100
	// ScoreDateReaggregationDistinct: date re-aggregation with at least one
	// distinct-like metric requested. Summing distinct counts across dates
	// is an approximation and must never be preferred over alternatives.
	ScoreDateReaggregationDistinct = 80
)

// Candidate records how one rollup scored during routing.
type Candidate struct {
	// Rollup is the evaluated rollup.
	Rollup *catalog.Rollup

	// Score is the eligibility score; 0 when rejected.
	Score int

	// CanUse reports whether the rollup could serve the request.
	CanUse bool

	// Reason explains the score or the rejection.
	Reason string

	// MissingMetrics lists required volume metrics the rollup lacks.
	MissingMetrics []types.MetricID
}

// Decision is the immutable outcome of routing one request.
type Decision struct {
	// UseRollup reports whether a rollup was selected.
	UseRollup bool

	// Rollup is the selected rollup; nil when UseRollup is false.
	Rollup *catalog.Rollup

	// NeedsReaggregation reports that the selected rollup stores per-date
	// rows which the fetch must sum across date.
	NeedsReaggregation bool

	// Score is the winning candidate's score; 0 when no rollup was chosen.
	Score int

	// Reason explains the selection or the failure.
	Reason string

	// MetricsAvailable lists requested metrics servable by the decision.
	MetricsAvailable []types.MetricID

	// MetricsUnavailable lists requested volume metrics no ready rollup
	// stores.
	MetricsUnavailable []types.MetricID

	// RequiredDimensions is the minimal dimension set a rollup would need
	// to serve this request: the grouped dimensions plus the filtered ones.
	RequiredDimensions []types.DimensionID

	// Candidates holds the diagnostic scoring of every rollup, in
	// registration order.
	Candidates []Candidate
}

// Router scores rollups against requests using one catalog snapshot.
type Router struct {
	snap *catalog.Snapshot
}

// New creates a Router over a catalog snapshot.
func New(snap *catalog.Snapshot) *Router {
	return &Router{snap: snap}
}

// Route decides which rollup can serve the request. dims are the grouped
// dimensions, filterDims the dimensions referenced only by filters. When
// requireRollup is set and nothing is eligible, the decision still carries
// every scored candidate plus the minimal dimension set that would unblock
// routing; the caller turns that into its failure payload. Route never
// mutates its inputs and never caches across calls.
func (r *Router) Route(dims []types.DimensionID, metrics []types.MetricID,
	filterDims []types.DimensionID, requireRollup bool) (*Decision, error) {

	for _, d := range append(append([]types.DimensionID{}, dims...), filterDims...) {
		if _, ok := r.snap.Dimension(d); !ok {
			return nil, apperrors.NewCatalogError(apperrors.CodeUnknownDimension,
				fmt.Sprintf("unknown dimension %q", d))
		}
	}

	// Volume closure: derived metrics never block a rollup, their volume
	// dependencies do.
	required, err := r.snap.VolumeClosure(metrics)
	if err != nil {
		return nil, err
	}
	distinctRequested := r.snap.AnyDistinctLike(metrics)

	requested := make(map[types.DimensionID]bool, len(dims)+len(filterDims))
	for _, d := range dims {
		requested[d] = true
	}
	for _, d := range filterDims {
		requested[d] = true
	}

	decision := &Decision{
		RequiredDimensions: requiredDimensionSet(dims, filterDims),
	}

	var best *Candidate
	for _, rollup := range r.snap.Rollups() {
		cand := r.evaluate(rollup, dims, filterDims, requested, required, distinctRequested)
		decision.Candidates = append(decision.Candidates, cand)
		if !cand.CanUse {
			continue
		}
		// Strictly greater keeps the first-registered winner on ties.
		if best == nil || cand.Score > best.Score {
			c := cand
			best = &c
		}
	}

	decision.MetricsUnavailable = r.metricsNoRollupServes(required)

	if best != nil {
		decision.UseRollup = true
		decision.Rollup = best.Rollup
		decision.Score = best.Score
		decision.NeedsReaggregation = best.Score != ScoreExactMatch
		decision.Reason = best.Reason
		decision.MetricsAvailable = append([]types.MetricID{}, metrics...)
		decision.MetricsUnavailable = nil
		return decision, nil
	}

	if requireRollup {
		decision.Reason = "no ready rollup can serve the requested dimensions and metrics"
	} else {
		decision.Reason = "no eligible rollup; falling back to raw source"
	}
	return decision, nil
}

// evaluate scores one rollup against the request.
func (r *Router) evaluate(rollup *catalog.Rollup, dims, filterDims []types.DimensionID,
	requested map[types.DimensionID]bool, required []types.MetricID, distinctRequested bool) Candidate {

	cand := Candidate{Rollup: rollup}

	// Only ready rollups are eligible; everything else is mid-lifecycle.
	if rollup.Status != catalog.StatusReady {
		cand.Reason = fmt.Sprintf("status is %s, only ready rollups are eligible", rollup.Status)
		return cand
	}

	if missing := missingDimensions(rollup, dims); len(missing) > 0 {
		cand.Reason = fmt.Sprintf("missing grouped dimensions: %s", joinDims(missing))
		return cand
	}
	if missing := missingDimensions(rollup, filterDims); len(missing) > 0 {
		cand.Reason = fmt.Sprintf("missing filter dimensions: %s", joinDims(missing))
		return cand
	}

	for _, m := range required {
		if !rollup.HasMetric(m) {
			cand.MissingMetrics = append(cand.MissingMetrics, m)
		}
	}
	if len(cand.MissingMetrics) > 0 {
		cand.Reason = fmt.Sprintf("missing volume metrics: %s", joinMetrics(cand.MissingMetrics))
		return cand
	}

	var extra []types.DimensionID
	for _, d := range rollup.Dimensions {
		if !requested[d] {
			extra = append(extra, d)
		}
	}

	switch {
	case len(extra) == 0:
		cand.CanUse = true
		cand.Score = ScoreExactMatch
		cand.Reason = "exact dimension match"
	case len(extra) == 1 && extra[0] == types.DateDimension:
		cand.CanUse = true
		if distinctRequested {
			cand.Score = ScoreDateReaggregationDistinct
			cand.Reason = "re-aggregates across date; distinct-like metrics are approximate when summed across dates"
		} else {
			cand.Score = ScoreDateReaggregation
			cand.Reason = "re-aggregates stored per-date rows across date"
		}
	default:
		// Summing a rollup across anything but date silently inflates
		// distinct counts; such rollups are never eligible.
		cand.Reason = fmt.Sprintf(
			"extra dimensions [%s] cannot be re-aggregated; only date may be summed away",
			joinDims(extra))
	}
	return cand
}

// metricsNoRollupServes returns required volume metrics absent from every
// ready rollup.
func (r *Router) metricsNoRollupServes(required []types.MetricID) []types.MetricID {
	var missing []types.MetricID
	for _, m := range required {
		served := false
		for _, rollup := range r.snap.Rollups() {
			if rollup.Status == catalog.StatusReady && rollup.HasMetric(m) {
				served = true
				break
			}
		}
		if !served {
			missing = append(missing, m)
		}
	}
	return missing
}

// requiredDimensionSet returns dims union filterDims, sorted for stable
// output.
func requiredDimensionSet(dims, filterDims []types.DimensionID) []types.DimensionID {
	seen := make(map[types.DimensionID]bool, len(dims)+len(filterDims))
	var out []types.DimensionID
	for _, d := range dims {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for _, d := range filterDims {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// missingDimensions returns the requested dimensions the rollup lacks.
func missingDimensions(rollup *catalog.Rollup, dims []types.DimensionID) []types.DimensionID {
	var missing []types.DimensionID
	for _, d := range dims {
		if !rollup.HasDimension(d) {
			missing = append(missing, d)
		}
	}
	return missing
}

func joinDims(dims []types.DimensionID) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = string(d)
	}
	return strings.Join(parts, ", ")
}

func joinMetrics(metrics []types.MetricID) string {
	parts := make([]string, len(metrics))
	for i, m := range metrics {
		parts[i] = string(m)
	}
	return strings.Join(parts, ", ")
}
