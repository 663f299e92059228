// Package connect implements the connectivity core's stateful pieces: the
// per-peer connection FSM (C6), the own-connectivity manager (C7), and the
// friends connectivity manager (C8).
package connect

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/filemesh/core/peerid"
)

// Timing constants, authoritative per §4.6 and §5.
const (
	UsedIPWaitTime    = 5 * time.Second
	DoubleTryDelay    = 10 * time.Second
	MinRetryPeriod    = 10 * time.Minute
	LastHeardTimeout  = 5 * time.Minute
	TCPDefaultDelay   = 2 * time.Second
	TCPConnectTimeout = 30 * time.Second
)

// State is one of the per-peer connection FSM's states.
type State int

const (
	Idle State = iota
	AwaitingSocket
	AwaitingCryptoHandshake
	AwaitingCertVerify
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingSocket:
		return "AwaitingSocket"
	case AwaitingCryptoHandshake:
		return "AwaitingCryptoHandshake"
	case AwaitingCertVerify:
		return "AwaitingCertVerify"
	case Connected:
		return "Connected"
	case Failed:
		return "Failed"
	default:
		return "Idle"
	}
}

// FriendState is the coarse reachability state in a friend's roster entry.
type FriendState int

const (
	NotEnrolled FriendState = iota
	Offline
	ConnectedState
)

// AttemptKind selects which transport strategy a ConnectionAttempt uses.
type AttemptKind int

const (
	TcpLocal AttemptKind = iota
	TcpExternal
	TcpBack
	Udp
)

func (k AttemptKind) String() string {
	switch k {
	case TcpLocal:
		return "TcpLocal"
	case TcpExternal:
		return "TcpExternal"
	case TcpBack:
		return "TcpBack"
	default:
		return "Udp"
	}
}

// Endpoint is a plain IP:port pair; connect does not depend on package
// transport's socket types to keep the FSM testable without sockets.
type Endpoint struct {
	IP   string
	Port int
}

func (e Endpoint) String() string { return e.IP + ":" + itoa(e.Port) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ConnectionAttempt is one candidate path to reach a peer.
type ConnectionAttempt struct {
	Endpoint      Endpoint
	Delay         time.Duration
	TimeoutBudget time.Duration
	Kind          AttemptKind
	QueuedAt      time.Time
}

// PeerConnectState is the per-friend connection bookkeeping (§3).
type PeerConnectState struct {
	DirectoryID      int64
	PeerID           peerid.ID
	DisplayName      string
	LocalEndpoint    Endpoint
	ExternalEndpoint Endpoint
	FriendState      FriendState
	LastContactTime  time.Time
	LastHeardTime    time.Time
	NextRetryAt      time.Time
	QueuedAttempts   []ConnectionAttempt
	CurrentAttempt   *ConnectionAttempt
	DoubleTried      bool

	lastAttemptTime time.Time
	state           State
	failureReason   error
	clock           TimeProvider
}

// NewPeerConnectState constructs a fresh entry, starting Offline/NotEnrolled
// with no queued attempts, matching the invariant that CurrentAttempt is
// set iff a connection is in progress.
func NewPeerConnectState(directoryID int64, id peerid.ID, displayName string) *PeerConnectState {
	return &PeerConnectState{
		DirectoryID: directoryID,
		PeerID:      id,
		DisplayName: displayName,
		FriendState: NotEnrolled,
		state:       Idle,
		clock:       DefaultClock,
	}
}

// SetClock overrides the TimeProvider used for this peer's internal timing
// decisions; tests use this to make queueing/backoff scheduling exact
// instead of asserting against real wall-clock time.
func (p *PeerConnectState) SetClock(c TimeProvider) {
	p.clock = c
}

// State returns the FSM's current state.
func (p *PeerConnectState) State() State { return p.state }

// FailureReason returns the error that caused a transition into Failed.
// It is kept only until Reset; FriendsManager calls Reset right after Fail
// in the same tick, so the reason does not survive into a later tick.
func (p *PeerConnectState) FailureReason() error { return p.failureReason }

// EnqueueAttempt inserts at most one attempt of each kind per cycle,
// per §4.6's queue policy.
func (p *PeerConnectState) EnqueueAttempt(a ConnectionAttempt) {
	for _, existing := range p.QueuedAttempts {
		if existing.Kind == a.Kind {
			return
		}
	}
	a.QueuedAt = p.clock.Now()
	p.QueuedAttempts = append(p.QueuedAttempts, a)
}

// ErrNoAttemptQueued is returned by Dequeue when the queue is empty.
var ErrNoAttemptQueued = errors.New("connect: no attempt queued")

// Dequeue pops the next attempt, subject to used-IP gating: if another
// open connection already claims the candidate's (IP, port), the attempt
// is deferred by UsedIPWaitTime and reinserted at the tail instead of
// being returned (S6).
func (p *PeerConnectState) Dequeue(used *UsedIPTracker) (ConnectionAttempt, error) {
	for i := 0; i < len(p.QueuedAttempts); i++ {
		a := p.QueuedAttempts[0]
		p.QueuedAttempts = p.QueuedAttempts[1:]

		if used != nil && used.IsClaimed(a.Endpoint) {
			p.NextRetryAt = p.clock.Now().Add(UsedIPWaitTime)
			p.QueuedAttempts = append(p.QueuedAttempts, a)
			logrus.WithFields(logrus.Fields{
				"function": "PeerConnectState.Dequeue",
				"peer":     p.PeerID.String(),
				"endpoint": a.Endpoint.String(),
			}).Debug("deferring attempt: endpoint already in use")
			continue
		}

		p.CurrentAttempt = &a
		p.state = AwaitingSocket
		p.lastAttemptTime = p.clock.Now()
		if used != nil {
			used.Claim(a.Endpoint)
		}
		return a, nil
	}
	return ConnectionAttempt{}, ErrNoAttemptQueued
}

// Advance moves the FSM to the next state in the handshake sequence.
func (p *PeerConnectState) Advance(next State) {
	p.state = next
	if next == Connected {
		p.FriendState = ConnectedState
		p.CurrentAttempt = nil
		p.QueuedAttempts = nil
		p.LastContactTime = p.clock.Now()
		p.LastHeardTime = p.clock.Now()
		p.DoubleTried = false
	}
}

// Fail transitions to Failed and records reason. CurrentAttempt is left in
// place so that Reset can release its endpoint claim; FriendsManager calls
// Reset immediately after Fail, in the same tick.
func (p *PeerConnectState) Fail(reason error) {
	p.state = Failed
	p.failureReason = reason
}

// Reset clears a Failed state back to Idle, releases the current attempt's
// endpoint claim, and applies the retry schedule: a single quick second
// attempt after DoubleTryDelay if this is the first failure of the cycle,
// else a full new cycle after MinRetryPeriod.
func (p *PeerConnectState) Reset(used *UsedIPTracker) {
	if p.CurrentAttempt != nil && used != nil {
		used.Release(p.CurrentAttempt.Endpoint)
	}
	p.CurrentAttempt = nil
	p.state = Idle
	p.failureReason = nil
	p.FriendState = Offline

	if !p.DoubleTried {
		p.DoubleTried = true
		p.NextRetryAt = p.clock.Now().Add(DoubleTryDelay)
	} else {
		p.NextRetryAt = p.clock.Now().Add(MinRetryPeriod)
		p.DoubleTried = false
	}
}

// IsTimedOut reports whether a Connected peer has not been heard from
// within LastHeardTimeout.
func (p *PeerConnectState) IsTimedOut(now time.Time) bool {
	return p.FriendState == ConnectedState && now.Sub(p.LastHeardTime) > LastHeardTimeout
}

// ShouldRetry reports whether an Offline friend is due for a new attempt
// cycle: it has never been attempted, MinRetryPeriod has elapsed since the
// last attempt, or NextRetryAt has been reached.
func (p *PeerConnectState) ShouldRetry(now time.Time) bool {
	if p.FriendState != Offline {
		return false
	}
	if p.lastAttemptTime.IsZero() && p.NextRetryAt.IsZero() {
		return true
	}
	if !p.lastAttemptTime.IsZero() && now.Sub(p.lastAttemptTime) >= MinRetryPeriod {
		return true
	}
	return !p.NextRetryAt.IsZero() && !now.Before(p.NextRetryAt)
}

// UsedIPTracker guards the set of (IP, port) endpoints currently claimed by
// an in-progress connection attempt, shared across all friends' FSMs
// (§5's "used-IP set" mutable collection).
type UsedIPTracker struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func NewUsedIPTracker() *UsedIPTracker {
	return &UsedIPTracker{claimed: make(map[string]bool)}
}

func (u *UsedIPTracker) Claim(ep Endpoint) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.claimed[ep.String()] = true
}

func (u *UsedIPTracker) Release(ep Endpoint) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.claimed, ep.String())
}

func (u *UsedIPTracker) IsClaimed(ep Endpoint) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.claimed[ep.String()]
}

// ShouldDelayOutbound implements the §4.6 simultaneous-collision tie-break:
// the peer whose PeerId sorts lexicographically greater than our own
// delays its outbound TCP attempt by TCPDefaultDelay.
func ShouldDelayOutbound(self, peer peerid.ID) bool {
	return peer.Less(self)
}
