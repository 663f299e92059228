// This file implements the UDP tunneler: a small packet sent to a friend's
// last-known external endpoint solely to open a firewall pinhole (§4.8,
// GLOSSARY "Tunneler"). Unlike the ad-hoc ASCII-string protocol this was
// grounded on, the tunneler shares the single bound UDP socket (C1) rather
// than opening one of its own, since every other UDP traffic class does
// the same.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Tunneler packet layout: 2-byte magic, 1-byte kind (ping/pong), 12-byte
// nonce for matching a pong to its ping.
const (
	tunnelerMagic uint16 = 0x7A17
	tunnelerPing  byte   = 0
	tunnelerPong  byte   = 1
	tunnelerSize         = 2 + 1 + 12
)

// HolePunchAttempt records the outcome of one punch sequence to a remote
// endpoint.
type HolePunchAttempt struct {
	RemoteEndpoint Endpoint
	Attempts       int
	Result         HolePunchResult
	RTT            time.Duration
}

// HolePuncher issues tunneler pings over a shared UDPMux and tracks
// outstanding ones so inbound pongs can be matched and surfaced.
type HolePuncher struct {
	mux         *UDPMux
	maxAttempts int
	timeout     time.Duration

	mu      sync.Mutex
	waiting map[[12]byte]chan struct{}
	results map[string]HolePunchResult
}

// NewHolePuncher wires a HolePuncher on top of an already-bound mux; it
// registers no handler on the mux. Because mux
// already hands non-STUN traffic to package transport's reliable-stream
// listener, callers typically chain a small demultiplex step of their own
// in front of both; HolePuncher exposes HandleCandidate for that purpose
// rather than calling mux.OnPeer itself.
func NewHolePuncher(mux *UDPMux) *HolePuncher {
	return &HolePuncher{
		mux:         mux,
		maxAttempts: 5,
		timeout:     5 * time.Second,
		waiting:     make(map[[12]byte]chan struct{}),
		results:     make(map[string]HolePunchResult),
	}
}

// HandleCandidate inspects an inbound datagram and, if it is a tunneler
// ping or pong, consumes it and returns true. Callers should try this
// before handing the datagram to the reliable-stream listener.
func (hp *HolePuncher) HandleCandidate(data []byte, from Endpoint) bool {
	if len(data) != tunnelerSize || binary.BigEndian.Uint16(data[0:2]) != tunnelerMagic {
		return false
	}

	kind := data[2]
	var nonce [12]byte
	copy(nonce[:], data[3:15])

	switch kind {
	case tunnelerPing:
		pong := make([]byte, tunnelerSize)
		binary.BigEndian.PutUint16(pong[0:2], tunnelerMagic)
		pong[2] = tunnelerPong
		copy(pong[3:15], nonce[:])
		_ = hp.mux.Send(pong, from)
	case tunnelerPong:
		hp.mu.Lock()
		if ch, ok := hp.waiting[nonce]; ok {
			close(ch)
			delete(hp.waiting, nonce)
		}
		hp.mu.Unlock()
	}
	return true
}

// Punch sends up to maxAttempts tunneler pings with growing spacing,
// opening a pinhole whether or not a pong ever returns — the pinhole is
// the point, the pong is only used to report success for diagnostics.
func (hp *HolePuncher) Punch(ctx context.Context, remote Endpoint) (*HolePunchAttempt, error) {
	attempt := &HolePunchAttempt{RemoteEndpoint: remote, Result: HolePunchFailedUnknown}

	ctx, cancel := context.WithTimeout(ctx, hp.timeout)
	defer cancel()

	for i := 0; i < hp.maxAttempts; i++ {
		select {
		case <-ctx.Done():
			attempt.Result = HolePunchFailedTimeout
			return attempt, ctx.Err()
		default:
		}
		attempt.Attempts = i + 1

		nonce := newNonce()
		ch := make(chan struct{})
		hp.mu.Lock()
		hp.waiting[nonce] = ch
		hp.mu.Unlock()

		start := time.Now()
		if err := hp.sendPing(remote, nonce); err != nil {
			logrus.WithFields(logrus.Fields{"function": "HolePuncher.Punch", "error": err}).Warn("failed to send tunneler ping")
			continue
		}

		select {
		case <-ch:
			attempt.RTT = time.Since(start)
			attempt.Result = HolePunchSuccess
			hp.recordResult(remote, HolePunchSuccess)
			return attempt, nil
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		case <-ctx.Done():
			attempt.Result = HolePunchFailedTimeout
			return attempt, ctx.Err()
		}
	}

	hp.recordResult(remote, HolePunchFailedUnknown)
	return attempt, fmt.Errorf("transport: hole punch failed after %d attempts", hp.maxAttempts)
}

// Tunnel sends a single tunneler ping with no wait for a pong — used by
// the friends connectivity manager's every-20s pinhole maintenance (§4.8
// step 4), where opening the hole matters and the reply does not.
func (hp *HolePuncher) Tunnel(remote Endpoint) error {
	return hp.sendPing(remote, newNonce())
}

func (hp *HolePuncher) sendPing(remote Endpoint, nonce [12]byte) error {
	ping := make([]byte, tunnelerSize)
	binary.BigEndian.PutUint16(ping[0:2], tunnelerMagic)
	ping[2] = tunnelerPing
	copy(ping[3:15], nonce[:])
	return hp.mux.Send(ping, remote)
}

func (hp *HolePuncher) recordResult(remote Endpoint, result HolePunchResult) {
	hp.mu.Lock()
	hp.results[remote.String()] = result
	hp.mu.Unlock()
}

// Result returns the last recorded punch outcome for remote, if any.
func (hp *HolePuncher) Result(remote Endpoint) (HolePunchResult, bool) {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	r, ok := hp.results[remote.String()]
	return r, ok
}

var nonceCounter struct {
	mu sync.Mutex
	n  uint64
}

// newNonce produces a locally-unique (not cryptographically random) nonce;
// uniqueness against a single local process across the tunneler's own
// in-flight set is all that is required to match a pong to its ping.
func newNonce() [12]byte {
	nonceCounter.mu.Lock()
	nonceCounter.n++
	n := nonceCounter.n
	nonceCounter.mu.Unlock()

	var b [12]byte
	binary.BigEndian.PutUint64(b[0:8], n)
	binary.BigEndian.PutUint32(b[8:12], uint32(time.Now().UnixNano()))
	return b
}
