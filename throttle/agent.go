package throttle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/atomic"

	"github.com/druide/go-throttle-agent/internal/admission"
	"github.com/druide/go-throttle-agent/internal/clock"
	"github.com/druide/go-throttle-agent/internal/feedback"
	"github.com/druide/go-throttle-agent/internal/limiter"
	"github.com/druide/go-throttle-agent/internal/log"
	"github.com/druide/go-throttle-agent/internal/log/tag"
	"github.com/druide/go-throttle-agent/internal/metrics"
	"github.com/druide/go-throttle-agent/internal/pool"
	"github.com/druide/go-throttle-agent/internal/registry"
	"github.com/druide/go-throttle-agent/internal/telemetry"
)

// TransportSnapshot is a point-in-time view of one endpoint's connection
// and queue state, as reported by a Transport.
type TransportSnapshot = pool.TransportSnapshot

// Transport is the connection-pooling collaborator the agent delegates
// actual I/O to. pool.Pool is the module's own concrete implementation;
// callers may supply another one via WithTransport (e.g. a test double).
type Transport interface {
	Submit(ctx context.Context, req *http.Request, name, flag string) (*http.Response, error)
	RemoveConn(name string, c net.Conn)
	NameOf(req *http.Request) string
	Snapshot(name string) TransportSnapshot
	MaxConns() int
}

// Agent implements http.RoundTripper, adaptively throttling outbound
// requests per destination. It combines the limiter registry, admission
// controller, and feedback engine (components A-D) with a Transport
// (component E) exactly per the admit -> submit -> feedback sequence.
type Agent struct {
	cfg       Config
	logger    log.Logger
	clk       clock.TimeSource
	transport Transport
	metrics   *metrics.Registry
	tracer    *telemetry.Tracer

	registry  *registry.Registry
	admission *admission.Controller
	feedback  *feedback.Engine
	debouncer *registry.Debouncer
}

// NewHTTPTransport builds an Agent suitable for plain-HTTP endpoints.
func NewHTTPTransport(opts ...Option) *Agent { return newAgent(opts...) }

// NewHTTPSTransport builds an Agent suitable for HTTPS endpoints. It is
// identical to NewHTTPTransport: the default pool.Pool dials TLS or plain
// TCP per request based on the request URL's scheme, so the two
// constructors exist to mirror the source's http.Agent/https.Agent split
// rather than because the implementations diverge.
func NewHTTPSTransport(opts ...Option) *Agent { return newAgent(opts...) }

func newAgent(opts ...Option) *Agent {
	o := &options{cfg: Config{}}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg.defaults()

	if o.logger == nil {
		o.logger = log.NewNoop()
	}
	if o.clock == nil {
		o.clock = clock.NewRealTimeSource()
	}
	if o.transport == nil {
		o.transport = pool.New(
			pool.WithMaxConns(o.cfg.MaxConns),
			pool.WithPerEndpointConcurrency(o.cfg.PerEndpointConcurrency),
			pool.WithLogger(o.logger),
		)
	}
	if o.metrics == nil {
		o.metrics = metrics.NoopRegistry()
	}

	reg := registry.New(o.cfg.rateInterval(), o.clock, o.logger)

	a := &Agent{
		cfg:       o.cfg,
		logger:    o.logger,
		clk:       o.clock,
		transport: o.transport,
		metrics:   o.metrics,
		tracer:    o.tracer,
		registry:  reg,
		debouncer: registry.NewDebouncer(registry.CleanupInterval, o.clock),
	}

	a.admission = admission.New(reg, transportView{o.transport}, admission.Config{
		GetRate: func(string, string) int { return a.cfg.Rate() },
		GetFlag: a.cfg.GetFlag,
		NameOf: func(u *url.URL) string {
			return o.transport.NameOf(&http.Request{URL: u})
		},
		MaxPending:         a.cfg.MaxPending,
		MaxBuffer:          a.cfg.MaxBuffer,
		CheckBeforeRequest: a.cfg.CheckBeforeRequest,
	}, o.logger)

	a.feedback = feedback.New(feedback.Config{
		RateInterval:    a.cfg.rateInterval,
		RateLowerWeight: a.cfg.RateLowerWeight,
		RateLowerKoef:   a.cfg.RateLowerKoef,
		RateRaiseKoef:   a.cfg.RateRaiseKoef,
		GetRate:         func(string, string) int { return a.cfg.Rate() },
		Direction:       a.cfg.Direction,
	}, transportView{o.transport}, o.clock, o.logger, a.dispatchStat)

	if p, ok := o.transport.(*pool.Pool); ok {
		p.SetOnRelease(a.maybeCleanup)
	}

	return a
}

// transportView adapts the Agent's Transport to the narrower TransportView
// interfaces internal/admission and internal/feedback each declare.
type transportView struct{ t Transport }

func (v transportView) Pending(name string) int { return v.t.Snapshot(name).Pending }
func (v transportView) BufferStats(name string) (float64, int) {
	snap := v.t.Snapshot(name)
	sockets := snap.Active + snap.Free
	return snap.AvgBufferBytes, sockets
}
func (v transportView) Sockets(name string) int { return v.t.Snapshot(name).Active }
func (v transportView) MaxSockets() int         { return v.t.MaxConns() }

// CanAcceptRequest is the pre-check path, only meaningful when
// CheckBeforeRequest is enabled.
func (a *Agent) CanAcceptRequest(u *url.URL) bool {
	return a.admission.CanAcceptRequest(u)
}

// GetStats returns a snapshot of every currently tracked endpoint, keyed by
// its flag if non-empty, otherwise its name - matching the source's
// getStats() endpointLabel rule.
func (a *Agent) GetStats() map[string]EndpointStats {
	out := make(map[string]EndpointStats)
	a.registry.Range(func(name, flag string, ep *limiter.Endpoint) bool {
		out[statLabel(name, flag)] = a.statFromSnapshot(ep.Snapshot())
		return true
	})
	return out
}

func statLabel(name, flag string) string {
	if flag != "" {
		return flag
	}
	return name
}

func (a *Agent) statFromSnapshot(snap limiter.Snapshot) EndpointStats {
	transportSnap := a.transport.Snapshot(snap.Name)
	return EndpointStats{
		Name:        snap.Name,
		Flag:        snap.Flag,
		Accepted:    snap.Accepted,
		Incoming:    snap.Incoming,
		Rate:        snap.Limit,
		AverageTime: snap.AverageTime,
		Used:        transportSnap.Active,
		Free:        transportSnap.Free,
		Pending:     transportSnap.Pending,
		BufferBytes: transportSnap.AvgBufferBytes,
	}
}

func (a *Agent) dispatchStat(s feedback.Stat) {
	scope := a.metrics.Tagged(s.Name, s.Flag)
	scope.IncCounter(metrics.RateAdjustments)
	scope.UpdateGauge(metrics.CurrentRate, float64(s.Snapshot.Limit))
	if a.cfg.OnStat == nil {
		return
	}
	a.cfg.OnStat(a.statFromSnapshot(s.Snapshot))
}

// admit runs the admission check, spanned via a.tracer when set.
func (a *Agent) admit(ctx context.Context, name, flag string) error {
	if a.tracer == nil {
		return a.admission.Admit(ctx, name, flag, false)
	}
	return a.tracer.Admit(ctx, name, flag, func(spanCtx context.Context) error {
		return a.admission.Admit(spanCtx, name, flag, false)
	})
}

// RoundTrip implements http.RoundTripper: admit, submit, then feed the
// outcome back into the limiter, in that strict order.
func (a *Agent) RoundTrip(req *http.Request) (*http.Response, error) {
	name := a.transport.NameOf(req)
	flag := a.cfg.GetFlag(req.URL)
	scope := a.metrics.Tagged(name, flag)

	if !a.cfg.CheckBeforeRequest() {
		if err := a.admit(req.Context(), name, flag); err != nil {
			scope.IncCounter(metrics.RequestsRejected)
			return nil, err
		}
	}
	scope.IncCounter(metrics.RequestsAccepted)

	ep := a.registry.Get(name, flag, a.cfg.Rate())
	reqTimer := scope.StartTimer(metrics.RequestDuration)
	defer reqTimer.Stop()
	start := a.clk.Now()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	ref := &pool.ConnRef{}
	ctx = pool.ContextWithConnRef(ctx, ref)

	var once sync.Once
	var timedOut atomic.Bool
	abort := func() {
		once.Do(func() {
			timedOut.Store(true)
			cancel()
		})
	}

	var timer clock.Timer
	if d := a.cfg.Timeout(name, flag); d > 0 {
		timer = a.clk.AfterFunc(d, abort)
	}
	stopTimer := func() {
		once.Do(func() {})
		if timer != nil {
			timer.Stop()
		}
	}

	var resp *http.Response
	var err error
	if a.tracer != nil {
		err = a.tracer.Submit(ctx, name, flag, func(spanCtx context.Context) error {
			var submitErr error
			resp, submitErr = a.transport.Submit(spanCtx, req.WithContext(spanCtx), name, flag)
			return submitErr
		})
	} else {
		resp, err = a.transport.Submit(ctx, req.WithContext(ctx), name, flag)
	}
	stopTimer()

	elapsed := a.clk.Now().Sub(start)
	ep.AddTime(elapsed)

	var outcome feedback.Outcome
	switch {
	case err == nil:
		outcome = feedback.Response{Code: resp.StatusCode}
	case timedOut.Load():
		if conn := ref.Load(); conn != nil {
			a.transport.RemoveConn(name, conn)
		}
		outcome = feedback.Aborted{}
		scope.IncCounter(metrics.RequestsAborted)
	default:
		outcome = feedback.TransportError{Code: transportErrorCode(err)}
		scope.IncCounter(metrics.RequestsFailed)
	}

	if a.tracer != nil {
		_ = a.tracer.OnOutcome(ctx, name, flag, func(context.Context) error {
			a.feedback.OnOutcome(ep, outcome)
			return nil
		})
	} else {
		a.feedback.OnOutcome(ep, outcome)
	}

	if err != nil {
		if timedOut.Load() {
			a.logger.Debug("request timed out", tag.Endpoint(name), tag.Elapsed(elapsed))
			return nil, fmt.Errorf("throttle: request to %s timed out after %s: %w", name, elapsed, context.DeadlineExceeded)
		}
		return nil, err
	}
	return resp, nil
}

// maybeCleanup runs the registry's debounced cleanup sweep, invoked
// opportunistically from the pool's connection-release path exactly as
// spec describes - no dedicated timer goroutine.
func (a *Agent) maybeCleanup(name string) {
	now := a.clk.Now()
	if !a.debouncer.Try(now) {
		return
	}
	a.registry.Cleanup(now, func(n string) bool {
		snap := a.transport.Snapshot(n)
		return snap.Active == 0 && snap.Free == 0 && snap.Pending == 0
	})
}

// transportErrorCode reduces a transport error into a short code string for
// feedback classification and logging, the closest analogue this module has
// to the source's Node.js-style err.code.
func transportErrorCode(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op + ":" + opErr.Err.Error()
	}
	return err.Error()
}
