// Package types provides the shared request and result vocabulary for Pivora.
package types

// MetricID identifies a metric definition in the catalog.
type MetricID string

// DimensionID identifies a dimension definition in the catalog.
type DimensionID string

// DateDimension is the reserved dimension id for the fact table's date column.
// It is the only dimension a rollup may carry beyond the requested set and
// still serve a query, because summing additive metrics across dates is safe.
const DateDimension DimensionID = "date"

// DateLayout is the wire format for date values.
const DateLayout = "2006-01-02"

// MetricIDs converts a string slice to metric ids.
func MetricIDs(ids []string) []MetricID {
	out := make([]MetricID, len(ids))
	for i, id := range ids {
		out[i] = MetricID(id)
	}
	return out
}

// DimensionIDs converts a string slice to dimension ids.
func DimensionIDs(ids []string) []DimensionID {
	out := make([]DimensionID, len(ids))
	for i, id := range ids {
		out[i] = DimensionID(id)
	}
	return out
}
