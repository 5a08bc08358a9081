// Package metrics is a Scope-shaped wrapper around real, fetchable
// Prometheus metrics. Its shape - a scope that counters and timers are
// recorded against, and that can be narrowed with Tagged - is adapted from
// the teacher's metrics.Scope (github.com/uber/cadence/common/metrics), as
// used by common/quotas/tracked_limiter.go to count Allow()/Reject()
// outcomes without the caller knowing anything about the backing metrics
// system. Here the backing system is a concrete *prometheus.Registry
// instead of Cadence's internal m3/statsd/tally abstraction.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names, mirroring the teacher's metrics.LimiterAllowed /
// metrics.LimiterRejected constants.
const (
	RequestsAccepted     = "throttle_requests_accepted_total"
	RequestsRejected     = "throttle_requests_rejected_total"
	RequestsAborted      = "throttle_requests_aborted_total"
	RequestsFailed       = "throttle_requests_failed_total"
	RateAdjustments      = "throttle_rate_adjustments_total"
	CurrentRate          = "throttle_current_rate"
	RequestDuration      = "throttle_request_duration_seconds"
	ConnectionsDialed    = "throttle_connections_dialed_total"
	ConnectionsDestroyed = "throttle_connections_destroyed_total"
	PendingRequests      = "throttle_pending_requests"
)

// Registry owns the underlying Prometheus collectors. One Registry is
// created per Agent (or process); Scopes derived from it are cheap and
// share its collectors.
type Registry struct {
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewRegistry registers this package's collectors against reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics
// handler, or a fresh *prometheus.Registry in tests.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	labels := []string{"endpoint", "flag"}
	for _, name := range []string{RequestsAccepted, RequestsRejected, RequestsAborted, RequestsFailed, RateAdjustments, ConnectionsDialed, ConnectionsDestroyed} {
		r.counters[name] = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labels)
		reg.MustRegister(r.counters[name])
	}
	for _, name := range []string{CurrentRate, PendingRequests} {
		r.gauges[name] = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labels)
		reg.MustRegister(r.gauges[name])
	}
	r.histograms[RequestDuration] = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    RequestDuration,
		Buckets: prometheus.DefBuckets,
	}, labels)
	reg.MustRegister(r.histograms[RequestDuration])

	return r
}

// Scope carries a fixed (endpoint, flag) label pair, so call sites never
// pass labels explicitly - they Tagged() once per endpoint and record
// against the result, matching the teacher's scope.IncCounter(name) call
// shape at every use site.
type Scope struct {
	registry *Registry
	labels   prometheus.Labels
}

// Root returns the registry's unlabeled scope. Most callers want Tagged.
func (r *Registry) Root() Scope {
	return Scope{registry: r, labels: prometheus.Labels{"endpoint": "", "flag": ""}}
}

// Tagged returns a Scope narrowed to a specific endpoint and flag.
func (r *Registry) Tagged(endpoint, flag string) Scope {
	return Scope{registry: r, labels: prometheus.Labels{"endpoint": endpoint, "flag": flag}}
}

// IncCounter increments the named counter by one.
func (s Scope) IncCounter(name string) {
	s.AddCounter(name, 1)
}

// AddCounter increments the named counter by delta.
func (s Scope) AddCounter(name string, delta int64) {
	if s.registry == nil {
		return
	}
	if c, ok := s.registry.counters[name]; ok {
		c.With(s.labels).Add(float64(delta))
	}
}

// UpdateGauge sets the named gauge to value.
func (s Scope) UpdateGauge(name string, value float64) {
	if s.registry == nil {
		return
	}
	if g, ok := s.registry.gauges[name]; ok {
		g.With(s.labels).Set(value)
	}
}

// StartTimer begins timing an operation against the named histogram,
// returned as a Stopwatch that records on Stop.
func (s Scope) StartTimer(name string) Stopwatch {
	return Stopwatch{scope: s, name: name, start: time.Now()}
}

// Stopwatch records an observation against its histogram when stopped.
type Stopwatch struct {
	scope Scope
	name  string
	start time.Time
}

// Stop records the elapsed time since StartTimer.
func (sw Stopwatch) Stop() {
	if sw.scope.registry == nil {
		return
	}
	if h, ok := sw.scope.registry.histograms[sw.name]; ok {
		h.With(sw.scope.labels).Observe(time.Since(sw.start).Seconds())
	}
}

// NoopRegistry returns a Registry whose Scopes discard every observation,
// for callers (tests, or agents built without WithMetrics) that need a
// non-nil Scope without paying for collector registration.
func NoopRegistry() *Registry { return &Registry{} }
