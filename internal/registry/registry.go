// Package registry implements the limiter registry (component B): a
// composite-key (name, flag) -> *limiter.Endpoint map that creates entries
// on demand, re-clamps a limiter's working limit whenever the caller's
// target rate changes, and garbage-collects endpoints that have been idle
// for a full cleanup window and hold no live transport state.
//
// The map is a sync.Map keyed directly on compositeKey, with its own
// atomic length counter alongside it - the get-or-create-then-reclamp flow
// mirrors BalancedCollection.adjust in the teacher's
// common/quotas/global/loadbalanced/limiter/collection.go, minus the RPC
// warm-up and background push loop that package uses for cross-host
// balancing - out of scope here per spec.md's Non-goals.
package registry

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/druide/go-throttle-agent/internal/clock"
	"github.com/druide/go-throttle-agent/internal/limiter"
	"github.com/druide/go-throttle-agent/internal/log"
	"github.com/druide/go-throttle-agent/internal/log/tag"
)

// CleanupInterval is the minimum idle duration (past an endpoint's current
// interval end) before it becomes eligible for garbage collection.
const CleanupInterval = 60 * time.Second

type compositeKey struct {
	name string
	flag string
}

// Key returns a string form of (name, flag): name alone when flag is empty,
// otherwise name, a NUL byte, and flag. The registry's map is keyed on an
// unexported (name, flag) struct, and no Registry method takes this string.
func Key(name, flag string) string {
	if flag == "" {
		return name
	}
	return name + "\x00" + flag
}

// Registry maps composite endpoint keys to their limiter state.
type Registry struct {
	contents sync.Map // compositeKey -> *limiter.Endpoint
	length   atomic.Int64
	clock    clock.TimeSource
	interval time.Duration
	logger   log.Logger
}

// New creates an empty Registry. interval is the accounting window handed
// to every limiter.Endpoint it creates.
func New(interval time.Duration, ts clock.TimeSource, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.NewNoop()
	}
	return &Registry{clock: ts, interval: interval, logger: logger}
}

// getOrCreate returns the endpoint for k, creating one if absent. The
// created endpoint may be called more than once under a race with another
// caller loading the same key; only the winner of LoadOrStore is kept.
func (r *Registry) getOrCreate(k compositeKey) *limiter.Endpoint {
	if v, ok := r.contents.Load(k); ok {
		return v.(*limiter.Endpoint)
	}
	// Created with a placeholder target of MaxRate; Get immediately
	// reconciles it against the caller's real target rate below, the same
	// way a freshly loaded BalancedLimit defers to its fallback until the
	// first real update arrives.
	created := limiter.New(k.name, k.flag, limiter.MaxRate, r.interval, r.clock)
	actual, loaded := r.contents.LoadOrStore(k, created)
	if !loaded {
		r.length.Inc()
	}
	return actual.(*limiter.Endpoint)
}

// Get returns the limiter for (name, flag), creating one if absent. If the
// caller's target rate has changed since the last observation, lastRate is
// updated and the working limit is re-clamped to min(currentLimit,
// targetRate) - a lowered ceiling applies immediately, a raised ceiling
// only removes headroom for the feedback loop to climb into later.
func (r *Registry) Get(name, flag string, targetRate int) *limiter.Endpoint {
	ep := r.getOrCreate(compositeKey{name: name, flag: flag})
	if ep.LastRate() != targetRate {
		ep.SetLastRate(targetRate)
		if targetRate < ep.Limit() {
			ep.SetLimit(targetRate)
		} else {
			// raising the ceiling doesn't retroactively inflate the
			// current working limit, but if the endpoint hasn't produced
			// a real limit yet (still at the MaxRate placeholder) this is
			// the only signal it'll get, so apply it once.
			if ep.Limit() == limiter.MaxRate && targetRate != limiter.MaxRate {
				ep.SetLimit(targetRate)
			}
		}
	}
	return ep
}

// Len reports the number of endpoints currently tracked. A concurrent
// Range may observe more or fewer entries than this reports.
func (r *Registry) Len() int { return int(r.length.Load()) }

// Range calls f for each tracked endpoint. f must not retain the Endpoint
// pointer past the callback if the registry may concurrently delete it -
// reads of an already-deleted Endpoint remain valid, they just won't be
// garbage collected until dereferenced.
func (r *Registry) Range(f func(name, flag string, ep *limiter.Endpoint) bool) {
	r.contents.Range(func(key, value any) bool {
		k := key.(compositeKey)
		return f(k.name, k.flag, value.(*limiter.Endpoint))
	})
}

// Cleanup removes every endpoint whose current interval ended at least
// CleanupInterval ago and whose name is reported idle by isIdle (no open,
// free, or pending transport state). It never removes an endpoint that
// isIdle reports as busy, regardless of how long it has been idle by the
// clock alone.
func (r *Registry) Cleanup(now time.Time, isIdle func(name string) bool) (removed int) {
	var toDelete []compositeKey
	r.Range(func(name, flag string, ep *limiter.Endpoint) bool {
		snap := ep.Snapshot()
		if now.Sub(snap.IntervalStart.Add(snap.Interval)) < CleanupInterval {
			return true
		}
		if !isIdle(name) {
			return true
		}
		toDelete = append(toDelete, compositeKey{name: name, flag: flag})
		return true
	})
	for _, k := range toDelete {
		if _, loaded := r.contents.LoadAndDelete(k); loaded {
			r.length.Dec()
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("cleanup swept idle endpoints", tag.Count(removed))
	}
	return removed
}
