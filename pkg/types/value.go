package types

import (
	"strconv"
	"strings"
	"time"
)

// NullSentinel is the literal stand-in for NULL dimension values in result
// rows. Empty strings are preserved as "" and never collapsed into the
// sentinel.
const NullSentinel = "__NULL__"

// CompositeSeparator joins the parts of a composite dimension value.
const CompositeSeparator = " - "

// RenderDimensionValue converts a raw dimension value scanned from the
// warehouse into its result-row string form.
func RenderDimensionValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return NullSentinel
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return formatFloat(float64(x))
	case float64:
		return formatFloat(x)
	case time.Time:
		return x.Format(DateLayout)
	case *string:
		if x == nil {
			return NullSentinel
		}
		return *x
	case *int64:
		if x == nil {
			return NullSentinel
		}
		return strconv.FormatInt(*x, 10)
	case *float64:
		if x == nil {
			return NullSentinel
		}
		return formatFloat(*x)
	case *time.Time:
		if x == nil {
			return NullSentinel
		}
		return x.Format(DateLayout)
	default:
		return NullSentinel
	}
}

// formatFloat renders integral floats without a trailing ".0" so grouped
// integer columns scanned as float64 round-trip cleanly.
func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// JoinComposite renders a multi-column dimension value as a single string.
func JoinComposite(parts []string) string {
	return strings.Join(parts, CompositeSeparator)
}
