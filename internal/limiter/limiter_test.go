package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/druide/go-throttle-agent/internal/clock"
)

func newForTest(t *testing.T, targetRate int, interval time.Duration) (*Endpoint, clock.MockedTimeSource) {
	t.Helper()
	tick := clock.NewMockedTimeSource()
	ep := New("example.com:443:", "", targetRate, interval, tick)
	return ep, tick
}

func TestAcceptRespectsLimit(t *testing.T) {
	ep, _ := newForTest(t, 5, time.Second)

	for i := 0; i < 5; i++ {
		require.True(t, ep.Accept(1), "token %d should be admitted", i)
	}
	assert.False(t, ep.Accept(1), "6th token in the same window must be rejected")

	snap := ep.Snapshot()
	assert.Equal(t, 5, snap.Accepted)
	assert.Equal(t, 6, snap.Incoming)
	assert.LessOrEqual(t, snap.Accepted, snap.Limit)
}

func TestAcceptIncomingNeverDecreasesWithinInterval(t *testing.T) {
	ep, _ := newForTest(t, 2, time.Second)

	last := 0
	for i := 0; i < 10; i++ {
		ep.Accept(1)
		snap := ep.Snapshot()
		assert.GreaterOrEqual(t, snap.Incoming, last)
		last = snap.Incoming
	}
}

func TestIntervalRolloverResetsCounters(t *testing.T) {
	ep, tick := newForTest(t, 3, time.Second)

	require.True(t, ep.Accept(3))
	assert.False(t, ep.Accept(1))

	tick.Advance(time.Second)

	// rollover is lazy: it only happens on the next call that observes it.
	assert.True(t, ep.Accept(1))
	snap := ep.Snapshot()
	assert.Equal(t, 1, snap.Accepted)
	assert.Equal(t, 1, snap.Incoming)
}

func TestRolloverIsIdempotentAcrossMissedIntervals(t *testing.T) {
	ep, tick := newForTest(t, 3, time.Second)
	require.True(t, ep.Accept(1))

	// jump forward several missed intervals at once.
	tick.Advance(10 * time.Second)

	snap := ep.Snapshot()
	assert.Equal(t, 0, snap.Accepted)
	assert.Equal(t, 0, snap.Incoming)
	assert.Equal(t, tick.Now(), snap.IntervalStart)
}

func TestSetLimitClampsToBounds(t *testing.T) {
	ep, _ := newForTest(t, 100, time.Second)

	ep.SetLimit(-5)
	assert.Equal(t, MinRate, ep.Limit())

	ep.SetLimit(MaxRate + 1000)
	assert.Equal(t, MaxRate, ep.Limit())

	ep.SetLimit(42)
	assert.Equal(t, 42, ep.Limit())
}

func TestSetLimitTakesEffectMidInterval(t *testing.T) {
	ep, _ := newForTest(t, 10, time.Second)
	require.True(t, ep.Accept(1))
	require.True(t, ep.Accept(1))

	ep.SetLimit(2)
	assert.False(t, ep.Accept(1), "lowering the limit below accepted-so-far must reject immediately")
}

func TestAddTimeMovesAverageTowardSustainedSamples(t *testing.T) {
	ep, _ := newForTest(t, 10, time.Second)

	for i := 0; i < 50; i++ {
		ep.AddTime(600 * time.Millisecond)
	}
	assert.Greater(t, ep.Snapshot().AverageTime, AvgTimeThreshold)

	for i := 0; i < 50; i++ {
		ep.AddTime(10 * time.Millisecond)
	}
	assert.Less(t, ep.Snapshot().AverageTime, AvgTimeThreshold)
}

func TestFeedbackTalliesResetAtWindowBoundary(t *testing.T) {
	ep, tick := newForTest(t, 10, time.Second)
	ep.RecordSuccess()
	ep.RecordSuccess()
	ep.RecordFailed()

	snap := ep.Snapshot()
	assert.Equal(t, 2, snap.Success)
	assert.Equal(t, 1, snap.Failed)

	ep.ResetFeedbackWindow(tick.Now())
	snap = ep.Snapshot()
	assert.Zero(t, snap.Success)
	assert.Zero(t, snap.Failed)
}

func TestLastRateTracksMostRecentTargetObservation(t *testing.T) {
	ep, _ := newForTest(t, 100, time.Second)
	assert.Equal(t, 100, ep.LastRate())

	ep.SetLastRate(50)
	assert.Equal(t, 50, ep.LastRate())
}

// property test: for any sequence of Accept(1) calls in one interval,
// accepted never exceeds limit and incoming == accepted + rejected.
func TestAcceptedNeverExceedsLimitAcrossManyCalls(t *testing.T) {
	ep, _ := newForTest(t, 7, time.Second)

	rejected := 0
	for i := 0; i < 1000; i++ {
		if !ep.Accept(1) {
			rejected++
		}
	}
	snap := ep.Snapshot()
	assert.LessOrEqual(t, snap.Accepted, snap.Limit)
	assert.Equal(t, snap.Incoming, snap.Accepted+rejected)
}
