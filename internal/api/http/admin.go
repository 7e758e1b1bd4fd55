package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/pivora/pivora/internal/catalog"
	"github.com/pivora/pivora/internal/observability"
	"github.com/pivora/pivora/pkg/types"
)

// RollupRefresher requests a rebuild of a registered rollup. Implemented by
// the rollup daemon.
type RollupRefresher interface {
	RequestRefresh(ctx context.Context, id string) error
}

// RollupsResponse represents the rollup list response.
type RollupsResponse struct {
	Rollups   []*catalog.Rollup `json:"rollups"`
	RequestID string            `json:"request_id"`
}

// RefreshResponse acknowledges a rollup refresh request.
type RefreshResponse struct {
	RollupID  string `json:"rollupId"`
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
}

// RollupsHandler handles GET /v1/rollups and POST /v1/rollups/{id}/refresh.
type RollupsHandler struct {
	catalog   *catalog.Store
	table     string
	refresher RollupRefresher
}

// NewRollupsHandler creates a new rollups handler listing rollups of the
// given source table. refresher may be nil when no rollup daemon runs in
// this process; refresh requests then return 503.
func NewRollupsHandler(cat *catalog.Store, table string, refresher RollupRefresher) *RollupsHandler {
	return &RollupsHandler{
		catalog:   cat,
		table:     table,
		refresher: refresher,
	}
}

// ServeHTTP dispatches on the rollups sub-path.
func (h *RollupsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/rollups"), "/")
	if rest == "" {
		h.list(w, r, requestID)
		return
	}

	parts := strings.Split(rest, "/")
	if len(parts) == 2 && parts[1] == "refresh" {
		h.refresh(w, r, requestID, parts[0])
		return
	}

	writeError(w, http.StatusNotFound, "not found", requestID)
}

func (h *RollupsHandler) list(w http.ResponseWriter, r *http.Request, requestID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	rollups, err := h.catalog.ListRollups(r.Context(), h.table)
	if err != nil {
		writeAppError(w, requestID, err)
		return
	}

	resp := RollupsResponse{
		Rollups:   rollups,
		RequestID: requestID,
	}
	if resp.Rollups == nil {
		resp.Rollups = []*catalog.Rollup{}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *RollupsHandler) refresh(w http.ResponseWriter, r *http.Request, requestID, rollupID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}
	if h.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "no rollup daemon in this process", requestID)
		return
	}

	if err := h.refresher.RequestRefresh(r.Context(), rollupID); err != nil {
		writeAppError(w, requestID, err)
		return
	}

	// Report the status the request left the rollup in.
	status := "unknown"
	if rollup, err := h.catalog.GetRollup(r.Context(), rollupID); err == nil {
		status = string(rollup.Status)
	}

	writeJSON(w, http.StatusAccepted, RefreshResponse{
		RollupID:  rollupID,
		Status:    status,
		RequestID: requestID,
	})
}

// RecommendationPayload is one advised rollup in the wire response.
type RecommendationPayload struct {
	Table      string              `json:"table"`
	Dimensions []types.DimensionID `json:"dimensions"`
	Frequency  int64               `json:"frequency"`
}

// RecommendationsResponse represents the rollup advisor response.
type RecommendationsResponse struct {
	Recommendations []RecommendationPayload `json:"recommendations"`
	Threshold       int64                   `json:"threshold"`
	RequestID       string                  `json:"request_id"`
}

// RecommendationsHandler handles GET /v1/recommendations requests.
type RecommendationsHandler struct {
	advisor *observability.Advisor
}

// NewRecommendationsHandler creates a new recommendations handler.
func NewRecommendationsHandler(advisor *observability.Advisor) *RecommendationsHandler {
	return &RecommendationsHandler{
		advisor: advisor,
	}
}

// ServeHTTP handles the recommendations HTTP request.
func (h *RecommendationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	recs := h.advisor.Recommendations()

	resp := RecommendationsResponse{
		Recommendations: make([]RecommendationPayload, 0, len(recs)),
		Threshold:       h.advisor.Threshold(),
		RequestID:       requestID,
	}
	for _, rec := range recs {
		resp.Recommendations = append(resp.Recommendations, RecommendationPayload{
			Table:      rec.Table,
			Dimensions: rec.Dimensions,
			Frequency:  rec.Frequency,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
