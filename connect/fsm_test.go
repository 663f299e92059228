package connect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filemesh/core/peerid"
)

func newTestPeer(t *testing.T) *PeerConnectState {
	t.Helper()
	kp, err := peerid.GenerateKeyPair()
	require.NoError(t, err)
	return NewPeerConnectState(1, kp.ID(), "friend")
}

// fakeClock is a TimeProvider that always reports a fixed instant, letting
// tests assert queueing/backoff timestamps exactly instead of within a
// tolerance window against real wall-clock time.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestPeerAt(t *testing.T, now time.Time) (*PeerConnectState, *fakeClock) {
	t.Helper()
	p := newTestPeer(t)
	clock := &fakeClock{now: now}
	p.SetClock(clock)
	return p, clock
}

// S6: used-IP gating.
func TestUsedIPGatingDefersSecondAttempt(t *testing.T) {
	used := NewUsedIPTracker()
	ep := Endpoint{IP: "203.0.113.5", Port: 12345}
	fixedNow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	a, _ := newTestPeerAt(t, fixedNow)
	a.EnqueueAttempt(ConnectionAttempt{Endpoint: ep, Kind: TcpExternal})
	attempt, err := a.Dequeue(used)
	require.NoError(t, err)
	assert.Equal(t, ep, attempt.Endpoint)
	assert.True(t, used.IsClaimed(ep))

	b, _ := newTestPeerAt(t, fixedNow)
	b.EnqueueAttempt(ConnectionAttempt{Endpoint: ep, Kind: TcpExternal})
	_, err = b.Dequeue(used)
	assert.ErrorIs(t, err, ErrNoAttemptQueued)
	assert.Equal(t, fixedNow.Add(UsedIPWaitTime), b.NextRetryAt)

	// Once A's attempt completes, the endpoint frees up and B may proceed.
	used.Release(ep)
	attempt2, err := b.Dequeue(used)
	require.NoError(t, err)
	assert.Equal(t, ep, attempt2.Endpoint)
}

func TestEnqueueAttemptAllowsOnlyOnePerKindPerCycle(t *testing.T) {
	p := newTestPeer(t)
	p.EnqueueAttempt(ConnectionAttempt{Endpoint: Endpoint{IP: "1.1.1.1", Port: 1}, Kind: TcpLocal})
	p.EnqueueAttempt(ConnectionAttempt{Endpoint: Endpoint{IP: "2.2.2.2", Port: 2}, Kind: TcpLocal})
	assert.Len(t, p.QueuedAttempts, 1)
}

func TestResetSchedulesDoubleTryThenMinRetryPeriod(t *testing.T) {
	used := NewUsedIPTracker()
	fixedNow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p, _ := newTestPeerAt(t, fixedNow)
	p.EnqueueAttempt(ConnectionAttempt{Endpoint: Endpoint{IP: "9.9.9.9", Port: 9}, Kind: Udp})
	_, err := p.Dequeue(used)
	require.NoError(t, err)

	p.Fail(assert.AnError)
	p.Reset(used)
	assert.True(t, p.DoubleTried)
	assert.Equal(t, fixedNow.Add(DoubleTryDelay), p.NextRetryAt)

	p.Fail(assert.AnError)
	p.Reset(used)
	assert.False(t, p.DoubleTried)
	assert.Equal(t, fixedNow.Add(MinRetryPeriod), p.NextRetryAt)
}

func TestShouldDelayOutboundUsesLexicographicTieBreak(t *testing.T) {
	var low, high peerid.ID
	low[0], high[0] = 0x01, 0x02

	assert.True(t, ShouldDelayOutbound(high, low))
	assert.False(t, ShouldDelayOutbound(low, high))
}

func TestIsTimedOutOnlyAppliesToConnectedPeers(t *testing.T) {
	p := newTestPeer(t)
	p.FriendState = ConnectedState
	p.LastHeardTime = time.Now().Add(-LastHeardTimeout - time.Second)
	assert.True(t, p.IsTimedOut(time.Now()))

	p.FriendState = Offline
	assert.False(t, p.IsTimedOut(time.Now()))
}
