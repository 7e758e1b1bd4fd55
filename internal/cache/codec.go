package cache

import (
	"encoding/json"
	"time"

	"github.com/golang/snappy"

	"github.com/pivora/pivora/internal/tabular"
	"github.com/pivora/pivora/pkg/types"
)

// encodeRows renders fetched rows into a snappy-compressed JSON payload.
// Cells are normalized first so a decoded payload feeds the engine the same
// way a live fetch does: byte slices become strings, timestamps become date
// strings, and integer metrics come back as float64.
func encodeRows(rows []tabular.Row) ([]byte, error) {
	normalized := make([]tabular.Row, len(rows))
	for i, row := range rows {
		out := make(tabular.Row, len(row))
		for k, v := range row {
			out[k] = normalizeCell(v)
		}
		normalized[i] = out
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

// decodeRows reverses encodeRows.
func decodeRows(payload []byte) ([]tabular.Row, error) {
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, err
	}
	var rows []tabular.Row
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func normalizeCell(v interface{}) interface{} {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(types.DateLayout)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.Format(types.DateLayout)
	default:
		return v
	}
}
