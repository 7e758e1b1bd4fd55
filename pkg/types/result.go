package types

// TotalRowLabel is the dimension value of the synthetic total row.
const TotalRowLabel = "Total"

// ResultRow is a single pivot row.
type ResultRow struct {
	// DimensionValue is the rendered group key. Composite values are joined
	// with CompositeSeparator; NULL renders as NullSentinel.
	DimensionValue string `json:"dimensionValue"`

	// Metrics maps metric id to its value for this group.
	Metrics map[MetricID]float64 `json:"metrics"`

	// PercentageOfTotal is the row's share of the primary volume metric,
	// in the range 0-100.
	PercentageOfTotal float64 `json:"percentageOfTotal"`

	// HasChildren reports whether the group can be drilled into further.
	HasChildren bool `json:"hasChildren"`
}

// Clone returns a deep copy of the row.
func (r ResultRow) Clone() ResultRow {
	out := r
	out.Metrics = make(map[MetricID]float64, len(r.Metrics))
	for id, v := range r.Metrics {
		out.Metrics[id] = v
	}
	return out
}

// PivotResult is the full response for a pivot request.
type PivotResult struct {
	// Rows holds the grouped pivot rows, sorted by the primary metric
	// descending.
	Rows []ResultRow `json:"rows"`

	// Total is the synthetic row summing every volume metric column, with
	// derived metrics re-evaluated from the sums.
	Total *ResultRow `json:"total,omitempty"`

	// AvailableDimensions lists the groupable dimensions of the table.
	AvailableDimensions []DimensionID `json:"availableDimensions"`

	// TotalCount is the number of groups before limit/offset paging.
	TotalCount int `json:"totalCount"`
}

// RollupRequiredErrorType is the errorType of a RoutingFailure payload.
const RollupRequiredErrorType = "rollup_required"

// AvailableRollup is one scored candidate in a routing failure payload,
// telling operators how close each rollup came to serving the request.
type AvailableRollup struct {
	Dimensions []DimensionID `json:"dimensions"`
	Status     string        `json:"status"`
	Score      int           `json:"score"`
	CanUse     bool          `json:"canUse"`
	Reason     string        `json:"reason"`
}

// RoutingFailure is the response payload when a request requires a rollup
// and none is eligible.
type RoutingFailure struct {
	Error              string            `json:"error"`
	ErrorType          string            `json:"errorType"`
	RequiredDimensions []DimensionID     `json:"requiredDimensions"`
	AvailableRollups   []AvailableRollup `json:"availableRollups"`
}
