package rollup

import (
	"sync"
	"time"
)

// failureBackoff schedules retries of failing builds: each consecutive
// failure of a rollup doubles the wait before the daemon tries it again,
// up to a ceiling. Success clears the slate.
type failureBackoff struct {
	mu    sync.Mutex
	base  time.Duration
	max   time.Duration
	state map[string]*failureState
}

type failureState struct {
	failures int
	until    time.Time
}

func newFailureBackoff(base, max time.Duration) *failureBackoff {
	if base <= 0 {
		base = 30 * time.Second
	}
	if max <= 0 {
		max = 30 * time.Minute
	}
	return &failureBackoff{base: base, max: max, state: make(map[string]*failureState)}
}

// Ready reports whether the rollup may be attempted now.
func (b *failureBackoff) Ready(id string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.state[id]
	return !ok || !now.Before(st.until)
}

// RecordFailure notes a failed attempt and returns the wait before the
// next one.
func (b *failureBackoff) RecordFailure(id string, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state[id]
	if st == nil {
		st = &failureState{}
		b.state[id] = st
	}
	st.failures++

	delay := b.base
	for i := 1; i < st.failures; i++ {
		delay *= 2
		if delay >= b.max {
			delay = b.max
			break
		}
	}
	st.until = now.Add(delay)
	return delay
}

// Reset clears the failure history, making the rollup immediately eligible.
func (b *failureBackoff) Reset(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, id)
}
