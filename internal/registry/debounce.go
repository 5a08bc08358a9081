package registry

import (
	"sync"
	"time"

	"github.com/druide/go-throttle-agent/internal/clock"
)

// Debouncer decides when an opportunistic sweep should run. It is a
// synchronous cousin of the teacher's freq.LimitedFreq
// (common/freq/freq.go): both dedupe frequent triggers to at most once per
// interval, guarded by a single mutex. Unlike LimitedFreq this never
// schedules a deferred call for a missed window - per spec.md's cleanup
// design there is no timer thread, only opportunistic triggers from the
// transport's socket-removal path, so a call that arrives too early is
// simply dropped rather than queued for later.
type Debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	clock    clock.TimeSource
}

// NewDebouncer returns a Debouncer that allows Try to succeed at most once
// per interval.
func NewDebouncer(interval time.Duration, ts clock.TimeSource) *Debouncer {
	return &Debouncer{interval: interval, clock: ts}
}

// Try reports whether enough time has passed since the last successful
// call, and if so, records now as the new last-fired time.
func (d *Debouncer) Try(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if now.Sub(d.last) < d.interval {
		return false
	}
	d.last = now
	return true
}
