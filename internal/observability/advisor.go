package observability

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pivora/pivora/pkg/types"
)

// Recommendation suggests a rollup covering a frequently missed dimension
// set, with a table name derived from the set.
type Recommendation struct {
	Table      string
	Dimensions []types.DimensionID
	Frequency  int64
}

// AdvisorMetrics holds advisor statistics.
type AdvisorMetrics struct {
	Calls                 int64
	RecommendationsServed int64
	CacheHits             int64
}

// Advisor determines which rollups should be created based on routing
// statistics: dimension sets that keep falling back to the raw source
// become rollup recommendations once their miss frequency crosses the
// threshold.
type Advisor struct {
	stats      *RoutingStats
	threshold  int64
	maxResults int
	metrics    AdvisorMetrics
	mu         sync.RWMutex
	cache      []Recommendation
	cacheUntil time.Time
	cacheTTL   time.Duration
}

// NewAdvisor creates a rollup advisor.
// threshold: minimum miss frequency within the stats window to trigger a
// recommendation. maxResults: maximum number of recommendations (0 = default).
func NewAdvisor(stats *RoutingStats, threshold int64, maxResults int) *Advisor {
	if threshold <= 0 {
		threshold = 10
	}
	if maxResults <= 0 {
		maxResults = 20
	}

	return &Advisor{
		stats:      stats,
		threshold:  threshold,
		maxResults: maxResults,
		cacheTTL:   5 * time.Minute,
	}
}

// Close cleans up resources.
func (a *Advisor) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = nil
}

// Metrics returns current advisor metrics.
func (a *Advisor) Metrics() AdvisorMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metrics
}

// Recommendations returns the rollups that should be created based on
// missed-routing statistics. Results are cached for cacheTTL to avoid
// re-sorting the stats on every call.
func (a *Advisor) Recommendations() []Recommendation {
	a.mu.Lock()
	a.metrics.Calls++

	if a.cache != nil && time.Now().Before(a.cacheUntil) {
		a.metrics.CacheHits++
		result := a.cache
		a.mu.Unlock()
		return result
	}
	a.mu.Unlock()

	var recs []Recommendation
	if a.stats != nil {
		// Get extra to account for threshold filtering.
		missed := a.stats.TopMissedSets(a.maxResults * 2)

		for _, set := range missed {
			if len(recs) >= a.maxResults {
				break
			}
			if set.Frequency >= a.threshold {
				recs = append(recs, Recommendation{
					Table:      suggestTableName(set.Dimensions),
					Dimensions: set.Dimensions,
					Frequency:  set.Frequency,
				})
			}
		}
	}

	a.mu.Lock()
	a.cache = recs
	a.cacheUntil = time.Now().Add(a.cacheTTL)
	a.metrics.RecommendationsServed += int64(len(recs))
	a.mu.Unlock()

	log.Printf("observability: advising %d rollups (threshold=%d)", len(recs), a.threshold)

	return recs
}

// InvalidateCache clears the cached result.
func (a *Advisor) InvalidateCache() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = nil
}

// SetThreshold updates the recommendation threshold.
func (a *Advisor) SetThreshold(threshold int64) {
	if threshold <= 0 {
		return
	}
	a.mu.Lock()
	a.threshold = threshold
	a.cache = nil // Invalidate cache on threshold change
	a.mu.Unlock()
}

// Threshold returns the current recommendation threshold.
func (a *Advisor) Threshold() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.threshold
}

// suggestTableName derives a rollup table name from a canonical dimension
// set. "country,date" -> "rollup_country_date".
func suggestTableName(dims []types.DimensionID) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = string(d)
	}
	return "rollup_" + strings.Join(parts, "_")
}
