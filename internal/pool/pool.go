// Package pool implements the concrete Transport collaborator (component
// E's transport half): a per-endpoint connection pool that dials, reuses,
// and tears down raw TCP/TLS sockets directly rather than delegating to
// net/http.Transport, because net/http.Transport deliberately hides the
// per-socket write-buffer occupancy and pending-queue depth this design
// needs (see this module's DESIGN.md).
//
// The free/active/pending bookkeeping shape mirrors the teacher's
// BalancedLimit + Collection split in
// common/quotas/global/loadbalanced/limiter: one lock guarding a small
// per-key struct, released before any slow operation runs.
package pool

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/druide/go-throttle-agent/internal/log"
	"github.com/druide/go-throttle-agent/internal/log/tag"
)

// TransportSnapshot is a point-in-time view of one endpoint's connection
// and queue state, consulted by the admission controller and the feedback
// engine.
type TransportSnapshot struct {
	Active         int
	Free           int
	Pending        int
	AvgBufferBytes float64
}

// trackedConn wraps a dialed net.Conn with a live write-buffer occupancy
// counter. It approximates the source's kernel-level bufferSize: bytes are
// counted as "buffered" for the duration of the underlying Write call,
// which is the only visibility userland Go has into an in-flight socket
// write without OS-specific syscalls (e.g. SIOCOUTQ on Linux).
type trackedConn struct {
	net.Conn
	id      string
	name    string
	pending atomic.Int64
}

func (c *trackedConn) Write(b []byte) (int, error) {
	c.pending.Add(int64(len(b)))
	defer c.pending.Add(-int64(len(b)))
	return c.Conn.Write(b)
}

// connRefKey is the context key used to hand the raw connection a Submit
// call ends up using back to whoever holds the context, so it can later be
// forcibly destroyed on abort via RemoveConn.
type connRefKey struct{}

// ConnRef is a settable slot for the connection a Submit call acquires.
// Callers that need to abort a specific in-flight request's socket create
// one, attach it to the request's context with ContextWithConnRef, and read
// it back with Load once Submit has returned or the request has timed out.
type ConnRef struct {
	mu   sync.Mutex
	conn net.Conn
}

// Set records the connection a Submit call acquired. Exported so a custom
// Transport implementation (not just this package's own Pool) can
// participate in the abort/RemoveConn protocol.
func (r *ConnRef) Set(c net.Conn) {
	r.mu.Lock()
	r.conn = c
	r.mu.Unlock()
}

// Load returns the connection Submit acquired, or nil if none was acquired
// yet (or Submit failed before dialing).
func (r *ConnRef) Load() net.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// ContextWithConnRef attaches ref to ctx so a subsequent Pool.Submit call
// made with the returned context reports its acquired connection into ref.
func ContextWithConnRef(ctx context.Context, ref *ConnRef) context.Context {
	return context.WithValue(ctx, connRefKey{}, ref)
}

// ConnRefFrom returns the ConnRef attached to ctx by ContextWithConnRef, or
// nil if none is attached. Exported so a custom Transport implementation
// (not just this package's own Pool) can participate in the abort/RemoveConn
// protocol.
func ConnRefFrom(ctx context.Context) *ConnRef {
	ref, _ := ctx.Value(connRefKey{}).(*ConnRef)
	return ref
}

type endpointState struct {
	mu      sync.Mutex
	conns   map[string]*trackedConn
	free    []*trackedConn
	active  int
	pending int
	sem     chan struct{}
}

func newEndpointState(concurrency int) *endpointState {
	return &endpointState{
		conns: make(map[string]*trackedConn),
		sem:   make(chan struct{}, concurrency),
	}
}

func (s *endpointState) acquire(ctx context.Context) error {
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
		s.mu.Lock()
		s.pending--
		s.active++
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.pending--
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *endpointState) release() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	<-s.sem
}

// DialFunc dials a single connection to addr. It exists as a field on Pool
// so tests can substitute an in-memory dialer instead of hitting the real
// network.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Pool is the concrete Transport collaborator.
type Pool struct {
	dial        DialFunc
	tlsConfig   *tls.Config
	maxConns    int
	perEndpoint int
	dialLimiter *rate.Limiter
	onRelease   func(name string)
	logger      log.Logger

	mu     sync.Mutex
	states map[string]*endpointState
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxConns sets the overall connection ceiling reported by MaxConns,
// consulted by the feedback engine's default direction function.
func WithMaxConns(n int) Option { return func(p *Pool) { p.maxConns = n } }

// WithPerEndpointConcurrency bounds how many requests may hold a connection
// concurrently for a single endpoint; additional Submit calls queue and
// count toward Pending.
func WithPerEndpointConcurrency(n int) Option { return func(p *Pool) { p.perEndpoint = n } }

// WithDialRate smooths new-connection dialing with a token bucket, so a
// burst of cold endpoints does not open hundreds of sockets in the same
// instant.
func WithDialRate(r rate.Limit, burst int) Option {
	return func(p *Pool) { p.dialLimiter = rate.NewLimiter(r, burst) }
}

// WithTLSConfig sets the TLS config used to dial https:// endpoints.
func WithTLSConfig(cfg *tls.Config) Option { return func(p *Pool) { p.tlsConfig = cfg } }

// WithDialFunc overrides how new connections are dialed - primarily a test
// hook, but also how a caller could plug in a custom resolver or proxy.
func WithDialFunc(d DialFunc) Option { return func(p *Pool) { p.dial = d } }

// WithOnRelease registers a hook invoked every time a connection is
// returned or destroyed. The agent uses this as the opportunistic trigger
// for the registry's debounced cleanup sweep, matching spec's
// "removeSocket runs cleanup" behavior without a dedicated timer.
func WithOnRelease(f func(name string)) Option { return func(p *Pool) { p.onRelease = f } }

// WithLogger sets the pool's logger.
func WithLogger(l log.Logger) Option { return func(p *Pool) { p.logger = l } }

// SetOnRelease installs the connection-release hook after construction,
// for callers (the throttle agent) that need a reference to the pool
// itself before they can build the callback.
func (p *Pool) SetOnRelease(f func(name string)) {
	p.mu.Lock()
	p.onRelease = f
	p.mu.Unlock()
}

// New creates a Pool with sensible defaults: 500 total connections, 64
// concurrent requests per endpoint, and dialing smoothed to 50/s.
func New(opts ...Option) *Pool {
	p := &Pool{
		maxConns:    500,
		perEndpoint: 64,
		dialLimiter: rate.NewLimiter(rate.Limit(50), 50),
		logger:      log.NewNoop(),
		states:      make(map[string]*endpointState),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dial == nil {
		dialer := &net.Dialer{}
		p.dial = dialer.DialContext
	}
	return p
}

func (p *Pool) stateFor(name string) *endpointState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[name]
	if !ok {
		s = newEndpointState(p.perEndpoint)
		p.states[name] = s
	}
	return s
}

func (p *Pool) stateIfExists(name string) *endpointState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[name]
}

// NameOf computes the host:port: endpoint key for req.
func (p *Pool) NameOf(req *http.Request) string {
	return nameFromURL(req.URL)
}

func nameFromURL(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return host + ":" + port + ":"
}

// MaxConns reports the pool-wide connection ceiling.
func (p *Pool) MaxConns() int { return p.maxConns }

// Sockets reports the number of connections currently serving a request for
// name.
func (p *Pool) Sockets(name string) int {
	s := p.stateIfExists(name)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// MaxSockets is an alias for MaxConns, satisfying feedback.TransportView.
func (p *Pool) MaxSockets() int { return p.maxConns }

// Pending reports the number of requests for name waiting to acquire a
// connection slot.
func (p *Pool) Pending(name string) int {
	s := p.stateIfExists(name)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// BufferStats reports the average in-flight write-buffer occupancy across
// name's open connections, and how many connections contributed.
func (p *Pool) BufferStats(name string) (avgBytes float64, sockets int) {
	s := p.stateIfExists(name)
	if s == nil {
		return 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return 0, 0
	}
	var sum float64
	for _, tc := range s.conns {
		sum += float64(tc.pending.Load())
	}
	return sum / float64(len(s.conns)), len(s.conns)
}

// Snapshot reports the full transport-side view of name, consulted by
// throttle.Agent.GetStats.
func (p *Pool) Snapshot(name string) TransportSnapshot {
	s := p.stateIfExists(name)
	if s == nil {
		return TransportSnapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for _, tc := range s.conns {
		sum += float64(tc.pending.Load())
	}
	avg := 0.0
	if len(s.conns) > 0 {
		avg = sum / float64(len(s.conns))
	}
	return TransportSnapshot{
		Active:         s.active,
		Free:           len(s.free),
		Pending:        s.pending,
		AvgBufferBytes: avg,
	}
}

// Submit acquires a connection for name (dialing or reusing one from the
// free list), writes req over it, and reads back the response. The
// response body's Close returns the connection to the free list unless the
// request or the server's response asked for it to be closed.
func (p *Pool) Submit(ctx context.Context, req *http.Request, name, flag string) (*http.Response, error) {
	state := p.stateFor(name)
	if err := state.acquire(ctx); err != nil {
		return nil, fmt.Errorf("pool: acquiring connection for %s: %w", name, err)
	}
	released := false
	release := func() {
		if !released {
			released = true
			state.release()
		}
	}
	defer release()

	tc, err := p.take(ctx, state, name, req.URL)
	if err != nil {
		return nil, err
	}
	if ref := ConnRefFrom(ctx); ref != nil {
		ref.Set(tc)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = tc.SetDeadline(dl)
	}

	if err := req.Write(tc); err != nil {
		p.discard(state, name, tc)
		p.logConnFailure("pool: writing request failed", name, flag, tc.id, err)
		return nil, fmt.Errorf("pool: writing request to %s: %w", name, err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(tc), req)
	if err != nil {
		p.discard(state, name, tc)
		p.logConnFailure("pool: reading response failed", name, flag, tc.id, err)
		return nil, fmt.Errorf("pool: reading response from %s: %w", name, err)
	}

	release()
	closeConn := resp.Close || req.Close
	resp.Body = &releasingBody{
		ReadCloser: resp.Body,
		release: func() {
			if closeConn {
				p.discard(state, name, tc)
			} else {
				p.putBack(state, tc)
			}
		},
	}
	return resp, nil
}

// take pops a free connection for name if one exists, otherwise dials a
// new one, rate-limited by dialLimiter.
func (p *Pool) take(ctx context.Context, state *endpointState, name string, u *url.URL) (*trackedConn, error) {
	state.mu.Lock()
	if n := len(state.free); n > 0 {
		tc := state.free[n-1]
		state.free = state.free[:n-1]
		state.mu.Unlock()
		return tc, nil
	}
	state.mu.Unlock()

	if err := p.dialLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("pool: dial rate limiter: %w", err)
	}

	addr := net.JoinHostPort(u.Hostname(), portOf(u))
	raw, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		p.logDialFailure("pool: dial failed", name, addr, err)
		return nil, fmt.Errorf("pool: dialing %s: %w", addr, err)
	}
	if u.Scheme == "https" {
		tlsConn := tls.Client(raw, p.tlsConfigFor(u))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			p.logDialFailure("pool: tls handshake failed", name, addr, err)
			return nil, fmt.Errorf("pool: tls handshake with %s: %w", addr, err)
		}
		raw = tlsConn
	}

	tc := &trackedConn{Conn: raw, id: uuid.NewString(), name: name}
	state.mu.Lock()
	state.conns[tc.id] = tc
	state.mu.Unlock()
	return tc, nil
}

func (p *Pool) tlsConfigFor(u *url.URL) *tls.Config {
	cfg := p.tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = u.Hostname()
	}
	return cfg
}

func portOf(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}

// logDialFailure logs a dial or TLS handshake failure with the endpoint
// and address that produced it, so a slow or unreachable upstream is
// identifiable straight from the log line.
func (p *Pool) logDialFailure(msg, name, addr string, err error) {
	p.logger.Error(msg, tag.Endpoint(name), zap.String("addr", addr), zap.Error(err))
}

// logConnFailure logs a write or read failure against an already-dialed
// connection, tagged with the socket ID so repeated failures on the same
// connection are traceable across log lines.
func (p *Pool) logConnFailure(msg, name, flag, connID string, err error) {
	p.logger.Error(msg, tag.Endpoint(name), tag.Flag(flag), zap.String("conn_id", connID), zap.Error(err))
}

func (p *Pool) fireOnRelease(name string) {
	p.mu.Lock()
	f := p.onRelease
	p.mu.Unlock()
	if f != nil {
		f(name)
	}
}

func (p *Pool) putBack(state *endpointState, tc *trackedConn) {
	state.mu.Lock()
	state.free = append(state.free, tc)
	state.mu.Unlock()
	p.fireOnRelease(tc.name)
}

func (p *Pool) discard(state *endpointState, name string, tc *trackedConn) {
	state.mu.Lock()
	delete(state.conns, tc.id)
	state.mu.Unlock()
	_ = tc.Close()
	p.fireOnRelease(name)
}

// RemoveConn forcibly destroys c, wherever it sits (free list or a live
// write), and forgets it. Used by the agent's abort handling: per spec, an
// aborted request always destroys its attached socket unconditionally, even
// if the transport already believes it was returned to the free pool.
func (p *Pool) RemoveConn(name string, c net.Conn) {
	if c == nil {
		return
	}
	state := p.stateIfExists(name)
	if state == nil {
		_ = c.Close()
		return
	}
	state.mu.Lock()
	var id string
	for key, tc := range state.conns {
		if connEquals(tc, c) {
			id = key
			break
		}
	}
	if id != "" {
		delete(state.conns, id)
	}
	for i, tc := range state.free {
		if connEquals(tc, c) {
			state.free = append(state.free[:i], state.free[i+1:]...)
			break
		}
	}
	state.mu.Unlock()

	_ = c.Close()
	p.logger.Debug("destroyed connection on abort", tag.Endpoint(name))
	p.fireOnRelease(name)
}

func connEquals(tc *trackedConn, c net.Conn) bool {
	if tc == c {
		return true
	}
	return tc.Conn == c
}

// WarmUp dials n idle connections for name ahead of traffic, fanning the
// dials out concurrently. Connections already in name's free list count
// toward n. It returns the first dial error encountered, if any;
// connections that dialed successfully before the error are kept.
func (p *Pool) WarmUp(ctx context.Context, u *url.URL, n int) error {
	name := nameFromURL(u)
	state := p.stateFor(name)

	var mu sync.Mutex
	var taken []*trackedConn
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			tc, err := p.take(gctx, state, name, u)
			if err != nil {
				return err
			}
			mu.Lock()
			taken = append(taken, tc)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	for _, tc := range taken {
		p.putBack(state, tc)
	}
	return err
}

// releasingBody wraps a response body so closing it also returns (or
// destroys) the connection that produced it.
type releasingBody struct {
	sync.Once
	io.ReadCloser
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.Once.Do(b.release)
	return err
}
