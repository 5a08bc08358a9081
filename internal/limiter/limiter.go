// Package limiter implements the token-bucket admission counter for a
// single endpoint (component A). It is deliberately a first-class record
// combining both the interval-window token accounting and the feedback
// tally fields the source language bolts on after construction - see the
// internal/limiter section of this module's DESIGN.md.
//
// The general mutex-guarded, snapshot-and-update shape is adapted from the
// teacher's BalancedLimit (common/quotas/global/loadbalanced/limiter/limit):
// one lock, a handful of counters, no suspension points. Unlike
// BalancedLimit, this package does not wrap golang.org/x/time/rate.
package limiter

import (
	"sync"
	"time"

	"github.com/druide/go-throttle-agent/internal/clock"
)

const (
	// MinRate is the lowest permitted working limit.
	MinRate = 1
	// MaxRate is the highest permitted working limit, and the ceiling
	// applied to any caller-supplied target rate.
	MaxRate = 1_000_000
	// AvgTimeThreshold is the average-latency cutoff the admission
	// controller's buffer-pressure gate widens its tolerance below.
	AvgTimeThreshold = 400 * time.Millisecond
	// DefaultInterval is the default accounting window length.
	DefaultInterval = time.Second

	// emaAlpha weights new samples into averageTime. Any smoothing with
	// this property works; this value is chosen so a handful of slow
	// requests move the average noticeably within a couple of intervals,
	// matching the shape of the teacher's weighted() helper in
	// aggregator/algorithm/trailingweight.go.
	emaAlpha = 0.2
)

// Snapshot is a point-in-time copy of an Endpoint's counters, safe to read
// without holding any lock.
type Snapshot struct {
	Name          string
	Flag          string
	Limit         int
	Interval      time.Duration
	IntervalStart time.Time
	Accepted      int
	Incoming      int
	AverageTime   time.Duration
	Success       int
	Failed        int
	LastRate      int
	LastRateTime  time.Time
}

// Endpoint owns all per-endpoint admission and feedback state described by
// the data model: the current interval's token accounting, the smoothed
// average response time, and the feedback tallies accumulated since the
// last rate recomputation.
type Endpoint struct {
	clock clock.TimeSource

	name string
	flag string

	// mu guards everything below. One lock per endpoint, per the
	// concurrency model: the registry's own lock is released before any
	// of these fields are touched.
	mu sync.Mutex

	limit         int
	interval      time.Duration
	intervalStart time.Time

	accepted int
	incoming int

	averageTime time.Duration

	success int
	failed  int

	lastRate     int
	lastRateTime time.Time
}

// New creates an Endpoint for (name, flag) with the given target rate as
// its initial working limit, clamped to [MinRate, MaxRate].
func New(name, flag string, targetRate int, interval time.Duration, ts clock.TimeSource) *Endpoint {
	if interval <= 0 {
		interval = DefaultInterval
	}
	now := ts.Now()
	return &Endpoint{
		clock:         ts,
		name:          name,
		flag:          flag,
		limit:         clampRate(targetRate),
		interval:      interval,
		intervalStart: now,
		lastRate:      clampRate(targetRate),
		lastRateTime:  now,
	}
}

func clampRate(v int) int {
	if v < MinRate {
		return MinRate
	}
	if v > MaxRate {
		return MaxRate
	}
	return v
}

// Name is the endpoint key without its flag.
func (e *Endpoint) Name() string { return e.name }

// Flag is the caller-supplied grouping label, or "" for the default.
func (e *Endpoint) Flag() string { return e.flag }

// rolloverLocked resets the interval's counters if the current window has
// elapsed. It is lazy (called from every mutating method) and idempotent:
// intervalStart jumps directly to now rather than stepping one interval at
// a time, so a long-idle endpoint does not replay missed windows.
func (e *Endpoint) rolloverLocked(now time.Time) {
	if !now.Before(e.intervalStart.Add(e.interval)) {
		e.accepted = 0
		e.incoming = 0
		e.intervalStart = now
	}
}

// Accept attempts to consume n tokens from the current interval. It always
// increments incoming by n, rolling the interval over first if it has
// elapsed, and increments accepted by n (returning true) iff doing so would
// not exceed limit.
func (e *Endpoint) Accept(n int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	e.rolloverLocked(now)

	e.incoming += n
	if e.accepted+n > e.limit {
		return false
	}
	e.accepted += n
	return true
}

// RejectPreemptive rolls the interval over if needed and increments
// incoming by n without touching accepted, for the admission controller's
// pre-emptive queue-depth and buffer-pressure gates: those rejections never
// reach the token bucket, but still count as traffic the endpoint saw.
func (e *Endpoint) RejectPreemptive(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(e.clock.Now())
	e.incoming += n
}

// SetLimit clamps l to [MinRate, MaxRate] and installs it as the working
// limit, effective immediately for any Accept call in the current interval
// - a reduction can start rejecting mid-window.
func (e *Endpoint) SetLimit(l int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limit = clampRate(l)
}

// AddTime folds an observed request duration into the smoothed average
// response time.
func (e *Endpoint) AddTime(d time.Duration) {
	if d < 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.averageTime == 0 {
		e.averageTime = d
		return
	}
	e.averageTime = time.Duration(emaAlpha*float64(d) + (1-emaAlpha)*float64(e.averageTime))
}

// Snapshot returns a consistent point-in-time copy of every counter,
// rolling the interval over first if it has elapsed.
func (e *Endpoint) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(e.clock.Now())
	return e.snapshotLocked()
}

func (e *Endpoint) snapshotLocked() Snapshot {
	return Snapshot{
		Name:          e.name,
		Flag:          e.flag,
		Limit:         e.limit,
		Interval:      e.interval,
		IntervalStart: e.intervalStart,
		Accepted:      e.accepted,
		Incoming:      e.incoming,
		AverageTime:   e.averageTime,
		Success:       e.success,
		Failed:        e.failed,
		LastRate:      e.lastRate,
		LastRateTime:  e.lastRateTime,
	}
}

// RecordSuccess increments the up-signal feedback tally.
func (e *Endpoint) RecordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.success++
}

// RecordFailed increments the down-signal feedback tally.
func (e *Endpoint) RecordFailed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed++
}

// ResetFeedbackWindow zeroes success/failed and records lastRateTime, as
// happens at every rate-adjustment boundary.
func (e *Endpoint) ResetFeedbackWindow(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.success = 0
	e.failed = 0
	e.lastRateTime = now
}

// LastRate returns the target rate last observed by the registry.
func (e *Endpoint) LastRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRate
}

// SetLastRate records a newly observed target rate, without touching the
// working limit - callers apply SetLimit separately per the registry's
// "lower immediately, raise is only a ceiling" rule.
func (e *Endpoint) SetLastRate(r int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastRate = r
}

// Limit returns the current working limit.
func (e *Endpoint) Limit() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limit
}
