package connect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filemesh/core/peerid"
	"github.com/filemesh/core/transport"
)

type recordingDialer struct {
	attempts []ConnectionAttempt
}

func (d *recordingDialer) Dial(peer *PeerConnectState, attempt ConnectionAttempt) {
	d.attempts = append(d.attempts, attempt)
}

type recordingTunneler struct {
	endpoints []transport.Endpoint
}

func (r *recordingTunneler) Tunnel(remote transport.Endpoint) error {
	r.endpoints = append(r.endpoints, remote)
	return nil
}

func newRosterPeer(t *testing.T) *PeerConnectState {
	t.Helper()
	kp, err := peerid.GenerateKeyPair()
	require.NoError(t, err)
	p := NewPeerConnectState(1, kp.ID(), "friend")
	p.FriendState = Offline
	p.ExternalEndpoint = Endpoint{IP: "198.51.100.9", Port: 4000}
	return p
}

// lowID/highID are fixed, deterministically-ordered IDs so tests don't
// depend on which way a randomly generated keypair's hash happens to sort.
func lowID(t *testing.T) peerid.ID {
	t.Helper()
	id, err := peerid.FromHex("000000000000000000000000000000000000000a")
	require.NoError(t, err)
	return id
}

func highID(t *testing.T) peerid.ID {
	t.Helper()
	id, err := peerid.FromHex("ffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	return id
}

func TestTickEnqueuesAttemptsForOfflinePeerDueForRetry(t *testing.T) {
	dialer := &recordingDialer{}

	// selfID < peerID so ShouldDelayOutbound(selfID, peerID) is false and
	// the dial fires on this same tick, not a parked later one.
	m := NewFriendsManager(lowID(t), dialer, nil, func() bool { return false })
	p := newRosterPeer(t)
	p.PeerID = highID(t)
	m.AddFriend(p)

	m.Tick(time.Now())

	require.Len(t, dialer.attempts, 1)
	assert.Equal(t, TcpExternal, dialer.attempts[0].Kind)
}

func TestTickParksTieBrokenOutboundDialAndFiresOnLaterTick(t *testing.T) {
	dialer := &recordingDialer{}

	// selfID > peerID so ShouldDelayOutbound(selfID, peerID) is true and the
	// dial must be parked instead of firing (or blocking) on this tick.
	m := NewFriendsManager(highID(t), dialer, nil, func() bool { return false })
	p := newRosterPeer(t)
	p.PeerID = lowID(t)
	m.AddFriend(p)

	start := time.Now()
	m.Tick(start)
	assert.Empty(t, dialer.attempts, "tie-broken dial must not fire on the same tick it was dequeued")
	require.NotNil(t, p.CurrentAttempt, "attempt stays parked on CurrentAttempt, not re-queued")

	// Before TCPDefaultDelay elapses, still parked.
	m.Tick(start.Add(TCPDefaultDelay / 2))
	assert.Empty(t, dialer.attempts)

	// Once TCPDefaultDelay elapses, the parked dial fires.
	m.Tick(start.Add(TCPDefaultDelay + time.Millisecond))
	require.Len(t, dialer.attempts, 1)
	assert.Equal(t, TcpExternal, dialer.attempts[0].Kind)
}

func TestTickForcesResetOnHeartbeatTimeout(t *testing.T) {
	dialer := &recordingDialer{}
	selfKP, err := peerid.GenerateKeyPair()
	require.NoError(t, err)

	m := NewFriendsManager(selfKP.ID(), dialer, nil, func() bool { return false })
	p := newRosterPeer(t)
	p.FriendState = ConnectedState
	p.LastHeardTime = time.Now().Add(-LastHeardTimeout - time.Second)
	m.AddFriend(p)

	m.Tick(time.Now())

	assert.Equal(t, Offline, p.FriendState)
	assert.True(t, p.DoubleTried)
}

func TestTickSweepsTunnelerWhileFirewalled(t *testing.T) {
	dialer := &recordingDialer{}
	tunneler := &recordingTunneler{}
	selfKP, err := peerid.GenerateKeyPair()
	require.NoError(t, err)

	m := NewFriendsManager(selfKP.ID(), dialer, tunneler, func() bool { return true })
	p := newRosterPeer(t)
	m.AddFriend(p)

	m.Tick(time.Now())

	require.Len(t, tunneler.endpoints, 1)
	assert.Equal(t, 4000, tunneler.endpoints[0].Port)
}

func TestReportFailureRequeuesAndReleasesUsedIP(t *testing.T) {
	dialer := &recordingDialer{}
	selfKP, err := peerid.GenerateKeyPair()
	require.NoError(t, err)

	m := NewFriendsManager(selfKP.ID(), dialer, nil, func() bool { return false })
	p := newRosterPeer(t)
	m.AddFriend(p)

	_, err = p.Dequeue(m.used)
	require.Error(t, err) // nothing queued yet
	p.EnqueueAttempt(ConnectionAttempt{Endpoint: p.ExternalEndpoint, Kind: TcpExternal})
	_, err = p.Dequeue(m.used)
	require.NoError(t, err)
	require.True(t, m.used.IsClaimed(p.ExternalEndpoint))

	refreshed := false
	m.ReportFailure(p, assert.AnError, func() { refreshed = true })

	assert.True(t, refreshed)
	assert.False(t, m.used.IsClaimed(p.ExternalEndpoint))
	assert.Len(t, p.QueuedAttempts, 1)
}
