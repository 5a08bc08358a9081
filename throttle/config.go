// Package throttle wires the limiter, registry, admission, and feedback
// components onto a concrete connection pool and exposes the result as a
// drop-in net/http.RoundTripper. This is the root package described in the
// module's design as the mixin-over-two-agents split (http/https
// constructors sharing one implementation) realized through composition
// rather than the source's inheritance.
package throttle

import (
	"net/url"
	"time"

	"github.com/druide/go-throttle-agent/internal/dynprop"
	"github.com/druide/go-throttle-agent/internal/feedback"
	"github.com/druide/go-throttle-agent/internal/limiter"
)

// Config holds every tunable the agent consults. Function-valued fields
// follow the teacher's dynamicconfig.PropertyFn idiom (via internal/dynprop)
// so a caller can back any of them with a live source instead of a
// constant.
type Config struct {
	// Rate is the target admission rate ceiling per (name, flag).
	Rate dynprop.IntProperty
	// RateInterval is the accounting/rate-recomputation window.
	RateInterval dynprop.DurationProperty
	// RateLowerWeight weights a failure against a success in the
	// recomputation diff (default 18).
	RateLowerWeight dynprop.IntProperty
	// RateLowerKoef is the multiplicative decrease coefficient (default
	// 0.2 - see this module's DESIGN.md for the open-question resolution).
	RateLowerKoef dynprop.FloatProperty
	// RateRaiseKoef is the multiplicative increase coefficient (default
	// 0.02).
	RateRaiseKoef dynprop.FloatProperty

	// MaxPending is the queue-depth gate's cutoff (default 3000).
	MaxPending dynprop.IntProperty
	// MaxBuffer is the buffer-pressure gate's cutoff in bytes, widened 7x
	// under the average-latency threshold (default 50).
	MaxBuffer dynprop.IntProperty
	// CheckBeforeRequest enables the CanAcceptRequest pre-check path.
	CheckBeforeRequest dynprop.BoolProperty

	// Timeout returns the per-request timeout for (name, flag), or 0 for
	// no timeout.
	Timeout func(name, flag string) time.Duration
	// GetFlag maps a request URL to its grouping label ("" for none).
	GetFlag func(u *url.URL) string
	// Direction overrides the feedback engine's outcome classifier.
	Direction feedback.DirectionFunc

	// MaxConns is the connection-pool-wide ceiling handed to the default
	// pool.Pool when no Transport override is supplied.
	MaxConns int
	// PerEndpointConcurrency bounds concurrent in-flight requests per
	// endpoint in the default pool.
	PerEndpointConcurrency int

	// OnStat is called whenever an endpoint's rate-adjustment window
	// closes, mirroring the source's optional "stat" event.
	OnStat func(EndpointStats)
}

// defaults fills in every unset function field with the source's documented
// constants.
func (c *Config) defaults() {
	if c.Rate == nil {
		c.Rate = dynprop.StaticInt(limiter.MaxRate)
	}
	if c.RateInterval == nil {
		c.RateInterval = dynprop.StaticDuration(1000)
	}
	if c.RateLowerWeight == nil {
		c.RateLowerWeight = dynprop.StaticInt(18)
	}
	if c.RateLowerKoef == nil {
		c.RateLowerKoef = dynprop.StaticFloat(0.2)
	}
	if c.RateRaiseKoef == nil {
		c.RateRaiseKoef = dynprop.StaticFloat(0.02)
	}
	if c.MaxPending == nil {
		c.MaxPending = dynprop.StaticInt(3000)
	}
	if c.MaxBuffer == nil {
		c.MaxBuffer = dynprop.StaticInt(50)
	}
	if c.CheckBeforeRequest == nil {
		c.CheckBeforeRequest = dynprop.StaticBool(false)
	}
	if c.Timeout == nil {
		c.Timeout = func(string, string) time.Duration { return 0 }
	}
	if c.GetFlag == nil {
		c.GetFlag = func(*url.URL) string { return "" }
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 500
	}
	if c.PerEndpointConcurrency <= 0 {
		c.PerEndpointConcurrency = 64
	}
}

func (c *Config) rateInterval() time.Duration {
	return time.Duration(c.RateInterval()) * time.Millisecond
}
