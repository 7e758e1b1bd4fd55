package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pivora/pivora/internal/query/engine"
	"github.com/pivora/pivora/pkg/types"
)

// DateRangePayload is the wire form of an absolute date interval. Bounds are
// inclusive dates in 2006-01-02 form.
type DateRangePayload struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// FilterPayload is the wire form of a pivot filter.
type FilterPayload struct {
	DateRange        *DateRangePayload              `json:"dateRange,omitempty"`
	RelativeDate     string                         `json:"relativeDate,omitempty"`
	DimensionFilters map[types.DimensionID][]string `json:"dimensionFilters,omitempty"`
}

// toSpec converts the wire filter into the typed filter contract.
func (p *FilterPayload) toSpec() (types.FilterSpec, error) {
	var spec types.FilterSpec
	if p == nil {
		return spec, nil
	}

	if p.DateRange != nil {
		start, err := time.Parse(types.DateLayout, p.DateRange.Start)
		if err != nil {
			return spec, fmt.Errorf("invalid dateRange.start %q: expected YYYY-MM-DD", p.DateRange.Start)
		}
		end, err := time.Parse(types.DateLayout, p.DateRange.End)
		if err != nil {
			return spec, fmt.Errorf("invalid dateRange.end %q: expected YYYY-MM-DD", p.DateRange.End)
		}
		if end.Before(start) {
			return spec, fmt.Errorf("dateRange.end %q precedes dateRange.start %q", p.DateRange.End, p.DateRange.Start)
		}
		spec.DateRange = &types.DateRange{Start: start, End: end}
	}

	preset := types.RelativeDatePreset(p.RelativeDate)
	if !preset.Valid() {
		return spec, fmt.Errorf("unknown relativeDate preset %q", p.RelativeDate)
	}
	spec.RelativeDate = preset
	spec.DimensionFilters = p.DimensionFilters
	return spec, nil
}

// PivotRequest represents a pivot request.
type PivotRequest struct {
	Dims              []types.DimensionID `json:"dims"`
	Metrics           []types.MetricID    `json:"metrics,omitempty"`
	Filter            *FilterPayload      `json:"filter,omitempty"`
	Limit             int                 `json:"limit,omitempty"`
	Offset            int                 `json:"offset,omitempty"`
	CustomDimensionID string              `json:"customDimensionId,omitempty"`
	CustomMetricIDs   []types.MetricID    `json:"customMetricIds,omitempty"`
	RequireRollup     bool                `json:"requireRollup,omitempty"`
}

// PivotResponse represents the pivot response.
type PivotResponse struct {
	*types.PivotResult
	RequestID string `json:"request_id"`
}

// PivotHandler handles POST /v1/pivot requests.
type PivotHandler struct {
	engine engine.Service
}

// NewPivotHandler creates a new pivot handler.
func NewPivotHandler(eng engine.Service) *PivotHandler {
	return &PivotHandler{
		engine: eng,
	}
}

// ServeHTTP handles the pivot HTTP request.
func (h *PivotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	// Parse request body
	var req PivotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	// Convert the wire filter
	filter, err := req.Filter.toSpec()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	result, err := h.engine.GetPivotData(r.Context(), &engine.PivotRequest{
		Dims:              req.Dims,
		Metrics:           req.Metrics,
		Filter:            filter,
		Limit:             req.Limit,
		Offset:            req.Offset,
		CustomDimensionID: req.CustomDimensionID,
		CustomMetricIDs:   req.CustomMetricIDs,
		RequireRollup:     req.RequireRollup,
	})
	if err != nil {
		writeAppError(w, requestID, err)
		return
	}

	resp := PivotResponse{
		PivotResult: result,
		RequestID:   requestID,
	}

	// Ensure slices are not nil for JSON serialization
	if resp.Rows == nil {
		resp.Rows = []types.ResultRow{}
	}
	if resp.AvailableDimensions == nil {
		resp.AvailableDimensions = []types.DimensionID{}
	}

	writeJSON(w, http.StatusOK, resp)
}
