// Package clock provides an injectable time source, modeled on the
// clock.TimeSource / clock.MockedTimeSource split the teacher package uses
// throughout common/quotas (e.g. aggregator/algorithm.impl.clock,
// loadbalanced/limiter.BalancedCollection.now) but which is not itself part
// of the retrieved subtree. Every place in this module that needs "now" or
// a one-shot timer takes a TimeSource so interval rollover, cleanup sweeps,
// and request timeouts are deterministically testable.
package clock

import (
	"sync"
	"time"
)

// Timer is the subset of time.Timer this package needs.
type Timer interface {
	Stop() bool
}

// TimeSource abstracts wall-clock access and one-shot timers.
type TimeSource interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// NewRealTimeSource returns a TimeSource backed by the real wall clock.
func NewRealTimeSource() TimeSource {
	return realTimeSource{}
}

type realTimeSource struct{}

func (realTimeSource) Now() time.Time { return time.Now() }

func (realTimeSource) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// MockedTimeSource is a TimeSource whose Now() only advances when told to,
// for deterministic tests of interval rollover and cleanup timing.
type MockedTimeSource interface {
	TimeSource
	Advance(d time.Duration)
	SetTime(t time.Time)
}

// NewMockedTimeSource returns a MockedTimeSource starting at time.Now(),
// truncated to the second for readable test failures.
func NewMockedTimeSource() MockedTimeSource {
	return &mockedTimeSource{now: time.Now().Truncate(time.Second)}
}

type mockedTimer struct {
	m       *mockedTimeSource
	fireAt  time.Time
	f       func()
	stopped bool
}

func (t *mockedTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	wasPending := !t.stopped
	t.stopped = true
	return wasPending
}

type mockedTimeSource struct {
	mu     sync.Mutex
	now    time.Time
	timers []*mockedTimer
}

func (m *mockedTimeSource) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockedTimeSource) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockedTimer{m: m, fireAt: m.now.Add(d), f: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d, synchronously firing (in order) any
// timers whose deadline has passed.
func (m *mockedTimeSource) Advance(d time.Duration) {
	m.SetTime(m.Now().Add(d))
}

// SetTime jumps the clock to t, synchronously firing any timers whose
// deadline has passed.
func (m *mockedTimeSource) SetTime(t time.Time) {
	m.mu.Lock()
	m.now = t
	var due []*mockedTimer
	remaining := m.timers[:0]
	for _, tm := range m.timers {
		if !tm.stopped && !tm.fireAt.After(t) {
			due = append(due, tm)
		} else if !tm.stopped {
			remaining = append(remaining, tm)
		}
	}
	m.timers = remaining
	m.mu.Unlock()

	for _, tm := range due {
		tm.f()
	}
}
