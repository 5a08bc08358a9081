// Package admission implements the admission controller (component C): the
// pre-emptive queue-depth and write-buffer-pressure gates, and the final
// token-bucket check, evaluated in that order for every request.
//
// The shape - a thin decision wrapper around a *limiter.Endpoint that also
// counts what it rejects - is adapted from the teacher's TrackedLimiter
// (common/quotas/tracked_limiter.go), which wraps a quotas.Limiter purely
// to count Allow()/Reject() outcomes for metrics; here the wrapper also
// carries the two pre-emptive gates spec.md adds on top of the bare token
// bucket.
package admission

import (
	"context"
	"net/url"

	"github.com/druide/go-throttle-agent/internal/limiter"
	"github.com/druide/go-throttle-agent/internal/log"
	"github.com/druide/go-throttle-agent/internal/log/tag"
	"github.com/druide/go-throttle-agent/internal/registry"
)

// TransportView is the read-only slice of transport state the admission
// controller consults. It is deliberately narrower than the full
// throttle.Transport interface (component E's contract) so this package
// does not need to know about connections, requests, or dialing.
type TransportView interface {
	// Pending returns the current pending-request queue length for name.
	Pending(name string) int
	// BufferStats returns the average write-buffer occupancy (bytes)
	// across all open connections for name, and how many connections
	// contributed to that average. sockets == 0 means "no visibility",
	// which exempts the buffer-pressure gate.
	BufferStats(name string) (avgBytes float64, sockets int)
}

// Config holds the tunables and pluggable hooks the controller consults on
// every call. All function fields must be safe for concurrent use.
type Config struct {
	// GetRate returns the caller's target rate ceiling for (name, flag).
	GetRate func(name, flag string) int
	// GetFlag maps a request URL to its grouping label ("" for none).
	GetFlag func(u *url.URL) string
	// NameOf computes the host:port: key for a request URL.
	NameOf func(u *url.URL) string

	MaxPending         func() int
	MaxBuffer          func() int
	CheckBeforeRequest func() bool
}

// RejectedError is the Go analogue of the source's synthetic
// "429 Too Many Requests" error, surfaced to the caller unchanged - the
// agent never retries internally.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "429 Too Many Requests" }

// StatusCode reports the numeric code the source attaches to its synthetic
// error.
func (e *RejectedError) StatusCode() int { return 429 }

// Controller combines the limiter registry with the pre-emptive gates.
type Controller struct {
	registry  *registry.Registry
	transport TransportView
	cfg       Config
	logger    log.Logger
}

// New creates a Controller. logger may be nil.
func New(reg *registry.Registry, transport TransportView, cfg Config, logger log.Logger) *Controller {
	if logger == nil {
		logger = log.NewNoop()
	}
	return &Controller{registry: reg, transport: transport, cfg: cfg, logger: logger}
}

// CanAcceptRequest is the pre-check path: only meaningful when
// CheckBeforeRequest is enabled, in which case it evaluates the same
// decision rule as Admit and consumes a token in the accepted case. This
// implementation resolves the source's ambiguity (spec.md open question 2)
// as option (b): the pre-check consumes, and callers that pre-check are
// expected to submit unconditionally afterward rather than pre-checking
// twice.
func (c *Controller) CanAcceptRequest(u *url.URL) bool {
	if !c.cfg.CheckBeforeRequest() {
		return true
	}
	name := c.cfg.NameOf(u)
	flag := c.cfg.GetFlag(u)
	err := c.Admit(context.Background(), name, flag, true)
	return err == nil
}

// Admit is the check-and-consume path invoked by the transport adapter at
// request submission. withFailed controls whether a pre-emptive rejection
// (queue depth or buffer pressure) also increments the endpoint's feedback
// failure tally - true for the pre-check path, false for the on-submit
// path, matching the source. ctx carries no deadline of its own here (the
// gates never block); it exists so callers can attach it to a telemetry
// span.
func (c *Controller) Admit(ctx context.Context, name, flag string, withFailed bool) error {
	target := c.cfg.GetRate(name, flag)
	ep := c.registry.Get(name, flag, target)

	if pending := c.transport.Pending(name); pending >= c.cfg.MaxPending() {
		ep.RejectPreemptive(1)
		if withFailed {
			ep.RecordFailed()
		}
		c.logger.Debug("rejected: queue depth", tag.Endpoint(name), tag.Pending(pending))
		return &RejectedError{Reason: "queue depth"}
	}

	snap := ep.Snapshot()
	if snap.Accepted >= 1 {
		avgBuf, sockets := c.transport.BufferStats(name)
		if sockets > 0 {
			cap := float64(c.cfg.MaxBuffer())
			if snap.AverageTime < limiter.AvgTimeThreshold {
				cap *= 7
			}
			if avgBuf > cap {
				ep.RejectPreemptive(1)
				if withFailed {
					ep.RecordFailed()
				}
				c.logger.Debug("rejected: buffer pressure", tag.Endpoint(name), tag.BufferBytes(avgBuf))
				return &RejectedError{Reason: "buffer pressure"}
			}
		}
	}

	if !ep.Accept(1) {
		return &RejectedError{Reason: "token bucket"}
	}
	return nil
}
