// Package observability tracks routing outcomes for rollup advising and
// performance monitoring.
package observability

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pivora/pivora/pkg/types"
)

// RoutingStats tracks per-rollup routing outcomes and the frequency of
// dimension sets no rollup could serve.
type RoutingStats struct {
	mu         sync.RWMutex
	rollupFreq map[string]*RollupStats
	missFreq   map[string]*MissedSet
	window     time.Duration
}

// RollupStats holds routing counters for one rollup.
type RollupStats struct {
	Rollup   string
	Hits     int64
	Rejects  int64
	LastSeen time.Time
	Reasons  map[string]int64 // selection and rejection reasons by count
}

// MissedSet records how often a dimension set was requested that no ready
// rollup could serve.
type MissedSet struct {
	Key        string // canonical sorted comma-joined dimension IDs
	Dimensions []types.DimensionID
	Frequency  int64
	LastSeen   time.Time
}

// NewRoutingStats creates a routing statistics tracker.
// window: time duration for pruning old entries (e.g., 1 hour).
func NewRoutingStats(window time.Duration) *RoutingStats {
	return &RoutingStats{
		rollupFreq: make(map[string]*RollupStats),
		missFreq:   make(map[string]*MissedSet),
		window:     window,
	}
}

// RecordHit records that a rollup was selected to serve a request.
// This method is O(1) and thread-safe.
func (r *RoutingStats) RecordHit(rollup, reason string) {
	r.record(rollup, reason, true)
}

// RecordReject records that a rollup was evaluated and could not serve a
// request. This method is O(1) and thread-safe.
func (r *RoutingStats) RecordReject(rollup, reason string) {
	r.record(rollup, reason, false)
}

func (r *RoutingStats) record(rollup, reason string, hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats, exists := r.rollupFreq[rollup]
	if !exists {
		stats = &RollupStats{
			Rollup:  rollup,
			Reasons: make(map[string]int64),
		}
		r.rollupFreq[rollup] = stats
	}

	if hit {
		stats.Hits++
	} else {
		stats.Rejects++
	}
	stats.LastSeen = time.Now()
	stats.Reasons[reason]++
}

// RecordMiss records a request whose dimension set no rollup could serve.
// The set is canonicalized (deduplicated, sorted) before counting, so
// request dimension order never splits the tally.
func (r *RoutingStats) RecordMiss(dims []types.DimensionID) {
	if len(dims) == 0 {
		return
	}
	canonical := canonicalDims(dims)
	key := dimsKey(canonical)

	r.mu.Lock()
	defer r.mu.Unlock()

	set, exists := r.missFreq[key]
	if !exists {
		set = &MissedSet{Key: key, Dimensions: canonical}
		r.missFreq[key] = set
	}

	set.Frequency++
	set.LastSeen = time.Now()
}

// TopRollups returns the top N rollups by total routing activity.
// Returns a copy of the stats sorted by hits plus rejects (descending).
func (r *RoutingStats) TopRollups(n int) []RollupStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || len(r.rollupFreq) == 0 {
		return []RollupStats{}
	}

	stats := make([]RollupStats, 0, len(r.rollupFreq))
	for _, s := range r.rollupFreq {
		// Deep copy to prevent external modification.
		statsCopy := RollupStats{
			Rollup:   s.Rollup,
			Hits:     s.Hits,
			Rejects:  s.Rejects,
			LastSeen: s.LastSeen,
			Reasons:  make(map[string]int64, len(s.Reasons)),
		}
		for reason, count := range s.Reasons {
			statsCopy.Reasons[reason] = count
		}
		stats = append(stats, statsCopy)
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Hits+stats[i].Rejects > stats[j].Hits+stats[j].Rejects
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// TopMissedSets returns the top N missed dimension sets by frequency.
// Returns a copy of the stats sorted by frequency (descending).
func (r *RoutingStats) TopMissedSets(n int) []MissedSet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || len(r.missFreq) == 0 {
		return []MissedSet{}
	}

	sets := make([]MissedSet, 0, len(r.missFreq))
	for _, s := range r.missFreq {
		setCopy := MissedSet{
			Key:        s.Key,
			Dimensions: append([]types.DimensionID(nil), s.Dimensions...),
			Frequency:  s.Frequency,
			LastSeen:   s.LastSeen,
		}
		sets = append(sets, setCopy)
	}

	sort.Slice(sets, func(i, j int) bool {
		return sets[i].Frequency > sets[j].Frequency
	})

	if n > len(sets) {
		n = len(sets)
	}
	return sets[:n]
}

// Prune removes entries where time.Since(LastSeen) > window.
// This should be called periodically (e.g., every 5 minutes).
func (r *RoutingStats) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()

	threshold := time.Now().Add(-r.window)

	for id, stats := range r.rollupFreq {
		if stats.LastSeen.Before(threshold) {
			delete(r.rollupFreq, id)
		}
	}
	for key, set := range r.missFreq {
		if set.LastSeen.Before(threshold) {
			delete(r.missFreq, key)
		}
	}
}

func canonicalDims(dims []types.DimensionID) []types.DimensionID {
	seen := make(map[types.DimensionID]struct{}, len(dims))
	out := make([]types.DimensionID, 0, len(dims))
	for _, d := range dims {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func dimsKey(canonical []types.DimensionID) string {
	parts := make([]string, len(canonical))
	for i, d := range canonical {
		parts[i] = string(d)
	}
	return strings.Join(parts, ",")
}
