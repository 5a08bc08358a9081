package admission

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/druide/go-throttle-agent/internal/clock"
	"github.com/druide/go-throttle-agent/internal/log"
	"github.com/druide/go-throttle-agent/internal/registry"
)

type fakeTransport struct {
	pending map[string]int
	avgBuf  map[string]float64
	sockets map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		pending: map[string]int{},
		avgBuf:  map[string]float64{},
		sockets: map[string]int{},
	}
}

func (f *fakeTransport) Pending(name string) int { return f.pending[name] }
func (f *fakeTransport) BufferStats(name string) (float64, int) {
	return f.avgBuf[name], f.sockets[name]
}

func newForTest(t *testing.T) (*Controller, *fakeTransport, *registry.Registry, clock.MockedTimeSource) {
	t.Helper()
	tick := clock.NewMockedTimeSource()
	reg := registry.New(time.Second, tick, log.NewNoop())
	transport := newFakeTransport()
	cfg := Config{
		GetRate:            func(name, flag string) int { return 100 },
		GetFlag:            func(u *url.URL) string { return "" },
		NameOf:             func(u *url.URL) string { return u.Host },
		MaxPending:         func() int { return 3 },
		MaxBuffer:          func() int { return 50 },
		CheckBeforeRequest: func() bool { return false },
	}
	c := New(reg, transport, cfg, log.NewNoop())
	return c, transport, reg, tick
}

// S3: with maxPending=3, pre-filling the queue with 3 entries rejects the
// next admit and bumps incoming without touching accepted.
func TestQueueDepthGateRejectsAtCutoff(t *testing.T) {
	c, transport, reg, _ := newForTest(t)
	transport.pending["h1"] = 2
	require.NoError(t, c.Admit(context.Background(), "h1", "", false))

	transport.pending["h1"] = 3
	err := c.Admit(context.Background(), "h1", "", false)
	require.Error(t, err)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 429, rejected.StatusCode())

	ep := reg.Get("h1", "", 100)
	snap := ep.Snapshot()
	assert.Equal(t, 1, snap.Accepted)
	assert.Equal(t, 2, snap.Incoming)
}

func TestQueueDepthGateWithFailedIncrementsFailedTally(t *testing.T) {
	c, transport, reg, _ := newForTest(t)
	transport.pending["h1"] = 3
	err := c.Admit(context.Background(), "h1", "", true)
	require.Error(t, err)

	ep := reg.Get("h1", "", 100)
	assert.Equal(t, 1, ep.Snapshot().Failed)
}

// S4: buffer gate is relaxed 7x when averageTime is below the threshold.
func TestBufferGateRelaxedAtLowLatency(t *testing.T) {
	c, transport, reg, _ := newForTest(t)
	ep := reg.Get("h1", "", 100)
	require.True(t, ep.Accept(1)) // must have admitted >=1 this interval to trigger the gate

	for i := 0; i < 10; i++ {
		ep.AddTime(50 * time.Millisecond) // keeps averageTime well under the 400ms threshold
	}
	transport.avgBuf["h1"] = 300
	transport.sockets["h1"] = 2

	require.NoError(t, c.Admit(context.Background(), "h1", "", false), "300 bytes must pass under the widened 50*7=350 cap")
}

func TestBufferGateRejectsAtHighLatency(t *testing.T) {
	c, transport, reg, _ := newForTest(t)
	ep := reg.Get("h1", "", 100)
	require.True(t, ep.Accept(1))

	for i := 0; i < 10; i++ {
		ep.AddTime(600 * time.Millisecond)
	}
	transport.avgBuf["h1"] = 300
	transport.sockets["h1"] = 2

	err := c.Admit(context.Background(), "h1", "", false)
	require.Error(t, err, "300 bytes must fail the un-widened 50 byte cap at high latency")
}

func TestBufferGateSkippedOnColdInterval(t *testing.T) {
	c, transport, _, _ := newForTest(t)
	transport.avgBuf["h1"] = 10000
	transport.sockets["h1"] = 2

	// nothing accepted yet this interval: the gate is exempt (open question 3).
	require.NoError(t, c.Admit(context.Background(), "h1", "", false))
}

func TestTokenBucketRejectsOnceLimitReached(t *testing.T) {
	c, _, reg, _ := newForTest(t)
	reg.Get("h1", "", 2) // pin the target rate low before admitting

	require.NoError(t, c.Admit(context.Background(), "h1", "", false))
	require.NoError(t, c.Admit(context.Background(), "h1", "", false))
	err := c.Admit(context.Background(), "h1", "", false)
	require.Error(t, err)
}

func TestCanAcceptRequestBypassesWhenDisabled(t *testing.T) {
	c, _, _, _ := newForTest(t)
	u, _ := url.Parse("https://example.com")
	assert.True(t, c.CanAcceptRequest(u))
}

func TestCanAcceptRequestConsumesWhenEnabled(t *testing.T) {
	tick := clock.NewMockedTimeSource()
	reg := registry.New(time.Second, tick, log.NewNoop())
	transport := newFakeTransport()
	cfg := Config{
		GetRate:            func(name, flag string) int { return 1 },
		GetFlag:            func(u *url.URL) string { return "" },
		NameOf:             func(u *url.URL) string { return u.Host },
		MaxPending:         func() int { return 3 },
		MaxBuffer:          func() int { return 50 },
		CheckBeforeRequest: func() bool { return true },
	}
	c := New(reg, transport, cfg, log.NewNoop())
	u, _ := url.Parse("https://example.com")

	assert.True(t, c.CanAcceptRequest(u))
	assert.False(t, c.CanAcceptRequest(u), "pre-check consumes a token, so a rate-1 endpoint rejects the second call")
}
