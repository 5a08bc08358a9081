package throttle

import (
	"net/url"
	"time"

	"github.com/druide/go-throttle-agent/internal/clock"
	"github.com/druide/go-throttle-agent/internal/dynprop"
	"github.com/druide/go-throttle-agent/internal/feedback"
	"github.com/druide/go-throttle-agent/internal/log"
	"github.com/druide/go-throttle-agent/internal/metrics"
	"github.com/druide/go-throttle-agent/internal/telemetry"
)

// Option configures an Agent at construction time.
type Option func(*options)

type options struct {
	cfg       Config
	logger    log.Logger
	clock     clock.TimeSource
	transport Transport
	metrics   *metrics.Registry
	tracer    *telemetry.Tracer
}

// WithRate sets a static target admission rate. Use WithRateProperty for a
// live-reloadable source.
func WithRate(rate int) Option {
	return func(o *options) { o.cfg.Rate = dynprop.StaticInt(rate) }
}

// WithRateProperty sets the target admission rate from a caller-supplied
// property function, evaluated on every admission check.
func WithRateProperty(p dynprop.IntProperty) Option {
	return func(o *options) { o.cfg.Rate = p }
}

// WithMaxPending sets the queue-depth gate's cutoff.
func WithMaxPending(n int) Option {
	return func(o *options) { o.cfg.MaxPending = dynprop.StaticInt(n) }
}

// WithMaxBuffer sets the buffer-pressure gate's cutoff in bytes.
func WithMaxBuffer(n int) Option {
	return func(o *options) { o.cfg.MaxBuffer = dynprop.StaticInt(n) }
}

// WithCheckBeforeRequest enables or disables the CanAcceptRequest pre-check
// path.
func WithCheckBeforeRequest(enabled bool) Option {
	return func(o *options) { o.cfg.CheckBeforeRequest = dynprop.StaticBool(enabled) }
}

// WithRateInterval sets the accounting/rate-recomputation window.
func WithRateInterval(d time.Duration) Option {
	return func(o *options) { o.cfg.RateInterval = dynprop.StaticDuration(d.Milliseconds()) }
}

// WithRateCoefficients overrides the feedback loop's weighting and step
// coefficients.
func WithRateCoefficients(lowerWeight int, lowerKoef, raiseKoef float64) Option {
	return func(o *options) {
		o.cfg.RateLowerWeight = dynprop.StaticInt(lowerWeight)
		o.cfg.RateLowerKoef = dynprop.StaticFloat(lowerKoef)
		o.cfg.RateRaiseKoef = dynprop.StaticFloat(raiseKoef)
	}
}

// WithFlagFunc overrides how request URLs map to grouping labels.
func WithFlagFunc(f func(u *url.URL) string) Option {
	return func(o *options) { o.cfg.GetFlag = f }
}

// WithTimeout sets a static per-request timeout applied to every endpoint.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.Timeout = func(string, string) time.Duration { return d } }
}

// WithTimeoutFunc sets a per-(name, flag) request timeout.
func WithTimeoutFunc(f func(name, flag string) time.Duration) Option {
	return func(o *options) { o.cfg.Timeout = f }
}

// WithDirection overrides the feedback engine's outcome classifier.
func WithDirection(d feedback.DirectionFunc) Option {
	return func(o *options) { o.cfg.Direction = d }
}

// WithMaxConns sets the default pool's connection-wide ceiling. Ignored if
// WithTransport supplies a custom Transport.
func WithMaxConns(n int) Option {
	return func(o *options) { o.cfg.MaxConns = n }
}

// WithPerEndpointConcurrency bounds concurrent in-flight requests per
// endpoint in the default pool. Ignored if WithTransport supplies a custom
// Transport.
func WithPerEndpointConcurrency(n int) Option {
	return func(o *options) { o.cfg.PerEndpointConcurrency = n }
}

// WithOnStat registers a callback fired whenever an endpoint's
// rate-adjustment window closes.
func WithOnStat(f func(EndpointStats)) Option {
	return func(o *options) { o.cfg.OnStat = f }
}

// WithLogger sets the agent's logger. Defaults to a no-op logger.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the agent's time source. Intended for tests; real
// callers should not need this.
func WithClock(c clock.TimeSource) Option {
	return func(o *options) { o.clock = c }
}

// WithTransport overrides the connection pool collaborator entirely. When
// unset, NewHTTPTransport/NewHTTPSTransport construct a pool.Pool from the
// Config's MaxConns/PerEndpointConcurrency fields.
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithConfig seeds the agent from a fully assembled Config, e.g. one
// produced by LoadConfig. Later options still override individual fields.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithMetrics registers a Prometheus metrics.Registry against the agent.
// Accepted and rejected requests, aborted and failed requests, request
// durations, and each closed rate-adjustment window (with the resulting
// working rate) are recorded against a Scope tagged with the endpoint's
// (name, flag). Connection dials and destroys in the pool are not recorded.
// Without this option, metrics are discarded.
func WithMetrics(reg *metrics.Registry) Option {
	return func(o *options) { o.metrics = reg }
}

// WithTelemetry wraps Admit, Submit, and OnOutcome in OpenTelemetry spans
// produced by tracer. Without this option, the agent does not create spans.
func WithTelemetry(tracer *telemetry.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}
