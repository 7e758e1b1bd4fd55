package rollup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFailureBackoffDoublesUpToCap(t *testing.T) {
	b := newFailureBackoff(30*time.Second, 2*time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Second, b.RecordFailure("r1", now))
	assert.Equal(t, time.Minute, b.RecordFailure("r1", now))
	assert.Equal(t, 2*time.Minute, b.RecordFailure("r1", now))
	assert.Equal(t, 2*time.Minute, b.RecordFailure("r1", now), "delay stays at the cap")
}

func TestFailureBackoffReadiness(t *testing.T) {
	b := newFailureBackoff(time.Minute, time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, b.Ready("r1", now), "unseen rollups are always eligible")

	b.RecordFailure("r1", now)
	assert.False(t, b.Ready("r1", now))
	assert.False(t, b.Ready("r1", now.Add(59*time.Second)))
	assert.True(t, b.Ready("r1", now.Add(time.Minute)))

	assert.True(t, b.Ready("r2", now), "backoff is tracked per rollup")
}

func TestFailureBackoffResetClearsHistory(t *testing.T) {
	b := newFailureBackoff(30*time.Second, time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	b.RecordFailure("r1", now)
	b.RecordFailure("r1", now)
	b.Reset("r1")

	assert.True(t, b.Ready("r1", now))
	assert.Equal(t, 30*time.Second, b.RecordFailure("r1", now),
		"a reset rollup starts over from the base delay")
}

func TestFailureBackoffDefaults(t *testing.T) {
	b := newFailureBackoff(0, 0)
	assert.Equal(t, 30*time.Second, b.base)
	assert.Equal(t, 30*time.Minute, b.max)
}
