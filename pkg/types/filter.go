package types

import (
	"fmt"
	"sort"
	"time"
)

// RelativeDatePreset names a relative date window resolved against a
// reference date at query time.
type RelativeDatePreset string

// Supported relative date presets.
const (
	RelativeNone       RelativeDatePreset = ""
	RelativeToday      RelativeDatePreset = "today"
	RelativeYesterday  RelativeDatePreset = "yesterday"
	RelativeLast7Days  RelativeDatePreset = "last_7_days"
	RelativeLast30Days RelativeDatePreset = "last_30_days"
	RelativeLast90Days RelativeDatePreset = "last_90_days"
	RelativeThisMonth  RelativeDatePreset = "this_month"
	RelativeLastMonth  RelativeDatePreset = "last_month"
)

// Valid reports whether the preset is one of the supported values.
func (p RelativeDatePreset) Valid() bool {
	switch p {
	case RelativeNone, RelativeToday, RelativeYesterday, RelativeLast7Days,
		RelativeLast30Days, RelativeLast90Days, RelativeThisMonth, RelativeLastMonth:
		return true
	}
	return false
}

// DateRange is an inclusive absolute date interval. Times are truncated to
// day precision; only the date part is meaningful.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether neither bound is set.
func (r DateRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Contains reports whether t falls inside the inclusive range.
func (r DateRange) Contains(t time.Time) bool {
	day := truncateDay(t)
	return !day.Before(truncateDay(r.Start)) && !day.After(truncateDay(r.End))
}

// NumDays returns the inclusive number of days covered, never less than 1.
func (r DateRange) NumDays() int {
	if r.IsZero() {
		return 1
	}
	days := int(truncateDay(r.End).Sub(truncateDay(r.Start)).Hours()/24) + 1
	if days < 1 {
		return 1
	}
	return days
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// FilterSpec is the typed filter contract shared by routing and aggregation.
// Exactly one of DateRange / RelativeDate should be set; when both are set
// the absolute range wins.
type FilterSpec struct {
	// DateRange restricts rows to an absolute inclusive date interval.
	DateRange *DateRange `json:"dateRange,omitempty"`

	// RelativeDate selects a preset window resolved against a reference
	// date (the latest date present in the data).
	RelativeDate RelativeDatePreset `json:"relativeDate,omitempty"`

	// DimensionFilters restricts dimensions to the listed values: values
	// within a dimension are OR-ed, dimensions are AND-ed.
	DimensionFilters map[DimensionID][]string `json:"dimensionFilters,omitempty"`
}

// FilterDimensions returns the sorted set of dimensions referenced by the
// dimension filters.
func (f FilterSpec) FilterDimensions() []DimensionID {
	if len(f.DimensionFilters) == 0 {
		return nil
	}
	dims := make([]DimensionID, 0, len(f.DimensionFilters))
	for id := range f.DimensionFilters {
		dims = append(dims, id)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })
	return dims
}

// Resolve returns the absolute date range for the filter. A set DateRange is
// returned as-is; otherwise the relative preset is resolved against the
// reference date. The second return value is false when the filter carries
// no date constraint at all.
func (f FilterSpec) Resolve(reference time.Time) (DateRange, bool, error) {
	if f.DateRange != nil && !f.DateRange.IsZero() {
		return DateRange{Start: truncateDay(f.DateRange.Start), End: truncateDay(f.DateRange.End)}, true, nil
	}

	ref := truncateDay(reference)
	switch f.RelativeDate {
	case RelativeNone:
		return DateRange{}, false, nil
	case RelativeToday:
		return DateRange{Start: ref, End: ref}, true, nil
	case RelativeYesterday:
		d := ref.AddDate(0, 0, -1)
		return DateRange{Start: d, End: d}, true, nil
	case RelativeLast7Days:
		return DateRange{Start: ref.AddDate(0, 0, -6), End: ref}, true, nil
	case RelativeLast30Days:
		return DateRange{Start: ref.AddDate(0, 0, -29), End: ref}, true, nil
	case RelativeLast90Days:
		return DateRange{Start: ref.AddDate(0, 0, -89), End: ref}, true, nil
	case RelativeThisMonth:
		first := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
		return DateRange{Start: first, End: ref}, true, nil
	case RelativeLastMonth:
		firstOfThis := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
		first := firstOfThis.AddDate(0, -1, 0)
		return DateRange{Start: first, End: firstOfThis.AddDate(0, 0, -1)}, true, nil
	default:
		return DateRange{}, false, fmt.Errorf("types: unknown relative date preset %q", f.RelativeDate)
	}
}
