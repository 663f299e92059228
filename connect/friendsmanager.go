package connect

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/filemesh/core/peerid"
	"github.com/filemesh/core/transport"
)

// ErrHeartbeatTimeout marks a Connected peer force-reset after going quiet
// past LastHeardTimeout (§4.8 step 1).
var ErrHeartbeatTimeout = errors.New("connect: peer heartbeat timed out")

// Dialer performs the actual connect work for a dequeued attempt. It is
// called asynchronously by FriendsManager; the caller is responsible for
// eventually calling ReportSuccess or ReportFailure on the manager once the
// outcome (handshake, cert verification) is known. This keeps C8 ignorant
// of C4/C5's concrete types, matching the spec's layering.
type Dialer interface {
	Dial(peer *PeerConnectState, attempt ConnectionAttempt)
}

// Tunneler opens a firewall pinhole toward an endpoint (package
// transport's HolePuncher satisfies this).
type Tunneler interface {
	Tunnel(remote transport.Endpoint) error
}

// FriendsManager maintains the friend roster and drives every
// PeerConnectState's FSM on a per-second tick (C8).
type FriendsManager struct {
	mu      sync.Mutex
	friends map[peerid.ID]*PeerConnectState
	used    *UsedIPTracker

	dialer   Dialer
	tunneler Tunneler
	selfID   peerid.ID

	isFirewalled    func() bool
	lastTunnelSweep time.Time

	// pendingDials holds the tick time at which a tie-broken outbound dial
	// (ShouldDelayOutbound) may proceed. The attempt itself stays parked in
	// CurrentAttempt; nothing blocks waiting for it.
	pendingDials map[peerid.ID]time.Time
}

const tunnelerSweepInterval = 20 * time.Second

// NewFriendsManager constructs the manager. isFirewalled reports whether
// this node currently believes itself unreachable from outside (derived
// from OwnState.NatClass), used to gate step 2's TcpBack hint and step 4's
// periodic tunneler sweep.
func NewFriendsManager(selfID peerid.ID, dialer Dialer, tunneler Tunneler, isFirewalled func() bool) *FriendsManager {
	return &FriendsManager{
		friends:      make(map[peerid.ID]*PeerConnectState),
		used:         NewUsedIPTracker(),
		dialer:       dialer,
		tunneler:     tunneler,
		selfID:       selfID,
		isFirewalled: isFirewalled,
		pendingDials: make(map[peerid.ID]time.Time),
	}
}

// AddFriend registers a roster entry, typically loaded from the directory
// service at startup.
func (m *FriendsManager) AddFriend(p *PeerConnectState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.friends[p.PeerID] = p
}

// Friend returns the roster entry for id, if present.
func (m *FriendsManager) Friend(id peerid.ID) (*PeerConnectState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.friends[id]
	return p, ok
}

// Tick runs one second's worth of §4.8's four steps across the whole
// roster.
func (m *FriendsManager) Tick(now time.Time) {
	m.mu.Lock()
	friends := make([]*PeerConnectState, 0, len(m.friends))
	for _, p := range m.friends {
		friends = append(friends, p)
	}
	sweepDue := now.Sub(m.lastTunnelSweep) >= tunnelerSweepInterval
	if sweepDue {
		m.lastTunnelSweep = now
	}
	m.mu.Unlock()

	firewalled := m.isFirewalled != nil && m.isFirewalled()

	for _, p := range friends {
		m.tickOne(p, now, firewalled, sweepDue)
	}
}

func (m *FriendsManager) tickOne(p *PeerConnectState, now time.Time, firewalled, sweepDue bool) {
	// Step 1: force-reset peers that have gone quiet past LastHeardTimeout.
	if p.IsTimedOut(now) {
		logrus.WithFields(logrus.Fields{
			"function": "FriendsManager.tickOne",
			"peer":     p.PeerID.String(),
		}).Info("connected peer timed out, forcing reset")
		p.Fail(ErrHeartbeatTimeout)
		p.Reset(m.used)
		p.EnqueueAttempt(ConnectionAttempt{Endpoint: p.ExternalEndpoint, Kind: TcpExternal})
		m.clearPendingDial(p.PeerID)
	}

	// Step 2: offline peers due for a retry cycle get fresh attempts queued.
	if p.ShouldRetry(now) {
		if p.LocalEndpoint != (Endpoint{}) {
			p.EnqueueAttempt(ConnectionAttempt{Endpoint: p.LocalEndpoint, Kind: TcpLocal})
		}
		if p.ExternalEndpoint != (Endpoint{}) {
			p.EnqueueAttempt(ConnectionAttempt{Endpoint: p.ExternalEndpoint, Kind: TcpExternal})
		}
		if firewalled {
			p.EnqueueAttempt(ConnectionAttempt{Endpoint: p.ExternalEndpoint, Kind: TcpBack})
		}
		if firewalled {
			// both peers firewalled (best-effort check: we only know our own
			// state here, the remote decides independently whether to punch
			// back) — emit a tunneler alongside TcpBack, per §4.8 step 2.
			p.EnqueueAttempt(ConnectionAttempt{Endpoint: p.ExternalEndpoint, Kind: Udp})
		}
	}

	// Dequeue at most one attempt this tick and hand it to the dialer. A
	// tie-broken outbound attempt is parked rather than dialed immediately:
	// the delay is carried forward to a later tick instead of blocking this
	// one (and every other friend's processing in the same Tick call).
	if p.CurrentAttempt == nil {
		if attempt, err := p.Dequeue(m.used); err == nil {
			if attempt.Kind == TcpExternal && ShouldDelayOutbound(m.selfID, p.PeerID) {
				m.mu.Lock()
				m.pendingDials[p.PeerID] = now.Add(TCPDefaultDelay)
				m.mu.Unlock()
			} else {
				m.dialer.Dial(p, attempt)
			}
		}
	} else if due, pending := m.peekPendingDial(p.PeerID); pending && !now.Before(due) {
		m.clearPendingDial(p.PeerID)
		m.dialer.Dial(p, *p.CurrentAttempt)
	}

	// Step 4: periodic tunneler sweep while firewalled.
	if firewalled && sweepDue && m.tunneler != nil {
		ext := p.ExternalEndpoint
		if ext != (Endpoint{}) {
			if ip := net.ParseIP(ext.IP); ip != nil {
				if err := m.tunneler.Tunnel(transport.Endpoint{IP: ip, Port: ext.Port}); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "FriendsManager.tickOne",
						"peer":     p.PeerID.String(),
						"error":    err,
					}).Debug("tunneler sweep failed")
				}
			}
		}
	}
}

// ReportSuccess advances the FSM to Connected once the handshake and
// certificate check have completed.
func (m *FriendsManager) ReportSuccess(p *PeerConnectState) {
	p.Advance(Connected)
}

// ReportFailure records a failure reason, resets the FSM, calls refresh when
// it is non-nil (whatever the reason), and queues a quick TcpExternal retry
// when an external endpoint is known. Callers pass a refresh func for the
// certificate-mismatch case.
func (m *FriendsManager) ReportFailure(p *PeerConnectState, reason error, refresh func()) {
	p.Fail(reason)
	p.Reset(m.used)
	m.clearPendingDial(p.PeerID)
	if refresh != nil {
		refresh()
	}
	if p.ExternalEndpoint != (Endpoint{}) {
		p.EnqueueAttempt(ConnectionAttempt{Endpoint: p.ExternalEndpoint, Kind: TcpExternal})
	}
}

// peekPendingDial reports the parked dial time for id, if any.
func (m *FriendsManager) peekPendingDial(id peerid.ID) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due, ok := m.pendingDials[id]
	return due, ok
}

// clearPendingDial drops a parked tie-break dial, if any, for id.
func (m *FriendsManager) clearPendingDial(id peerid.ID) {
	m.mu.Lock()
	delete(m.pendingDials, id)
	m.mu.Unlock()
}
