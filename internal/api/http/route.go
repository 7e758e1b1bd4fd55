package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pivora/pivora/internal/query/engine"
	"github.com/pivora/pivora/internal/query/router"
	"github.com/pivora/pivora/pkg/types"
)

// RouteRequest represents a routing diagnostic request.
type RouteRequest struct {
	Dims          []types.DimensionID `json:"dims"`
	Metrics       []types.MetricID    `json:"metrics,omitempty"`
	Filter        *FilterPayload      `json:"filter,omitempty"`
	RequireRollup bool                `json:"requireRollup,omitempty"`
}

// RouteCandidate is one scored rollup in the routing response.
type RouteCandidate struct {
	RollupID       string              `json:"rollupId"`
	Table          string              `json:"table"`
	Dimensions     []types.DimensionID `json:"dimensions"`
	Status         string              `json:"status"`
	Score          int                 `json:"score"`
	CanUse         bool                `json:"canUse"`
	Reason         string              `json:"reason"`
	MissingMetrics []types.MetricID    `json:"missingMetrics,omitempty"`
}

// RouteResponse represents the routing decision response.
type RouteResponse struct {
	UseRollup          bool                `json:"useRollup"`
	RollupID           string              `json:"rollupId,omitempty"`
	Table              string              `json:"table,omitempty"`
	NeedsReaggregation bool                `json:"needsReaggregation"`
	Score              int                 `json:"score"`
	Reason             string              `json:"reason"`
	MetricsAvailable   []types.MetricID    `json:"metricsAvailable"`
	MetricsUnavailable []types.MetricID    `json:"metricsUnavailable"`
	RequiredDimensions []types.DimensionID `json:"requiredDimensions"`
	Candidates         []RouteCandidate    `json:"candidates"`
	RequestID          string              `json:"request_id"`
}

// RouteHandler handles POST /v1/route requests. It explains the routing
// decision a pivot request would get without executing it.
type RouteHandler struct {
	engine engine.Service
}

// NewRouteHandler creates a new route handler.
func NewRouteHandler(eng engine.Service) *RouteHandler {
	return &RouteHandler{
		engine: eng,
	}
}

// ServeHTTP handles the route HTTP request.
func (h *RouteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	// Parse request body
	var req RouteRequest
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

	decision, err := h.engine.Route(&engine.PivotRequest{
		Dims:          req.Dims,
		Metrics:       req.Metrics,
		Filter:        filter,
		RequireRollup: req.RequireRollup,
	})
	if err != nil {
		writeAppError(w, requestID, err)
		return
	}

	writeJSON(w, http.StatusOK, toRouteResponse(decision, requestID))
}

// toRouteResponse flattens a routing decision into its wire form.
func toRouteResponse(decision *router.Decision, requestID string) RouteResponse {
	resp := RouteResponse{
		UseRollup:          decision.UseRollup,
		NeedsReaggregation: decision.NeedsReaggregation,
		Score:              decision.Score,
		Reason:             decision.Reason,
		MetricsAvailable:   decision.MetricsAvailable,
		MetricsUnavailable: decision.MetricsUnavailable,
		RequiredDimensions: decision.RequiredDimensions,
		RequestID:          requestID,
	}
	if decision.Rollup != nil {
		resp.RollupID = decision.Rollup.ID
		resp.Table = decision.Rollup.Table
	}

	for _, c := range decision.Candidates {
		rc := RouteCandidate{
			Score:          c.Score,
			CanUse:         c.CanUse,
			Reason:         c.Reason,
			MissingMetrics: c.MissingMetrics,
		}
		if c.Rollup != nil {
			rc.RollupID = c.Rollup.ID
			rc.Table = c.Rollup.Table
			rc.Dimensions = c.Rollup.Dimensions
			rc.Status = string(c.Rollup.Status)
		}
		resp.Candidates = append(resp.Candidates, rc)
	}

	// Ensure slices are not nil for JSON serialization
	if resp.MetricsAvailable == nil {
		resp.MetricsAvailable = []types.MetricID{}
	}
	if resp.MetricsUnavailable == nil {
		resp.MetricsUnavailable = []types.MetricID{}
	}
	if resp.RequiredDimensions == nil {
		resp.RequiredDimensions = []types.DimensionID{}
	}
	if resp.Candidates == nil {
		resp.Candidates = []RouteCandidate{}
	}
	return resp
}
