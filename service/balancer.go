package service

import (
	"sync"

	"github.com/filemesh/core/peerid"
)

// BandwidthBalancer enforces a fair per-peer share of a total per-tick
// byte budget. Every peer connected when the window resets gets an equal
// slice of the budget regardless of how many services it is running;
// peers that don't use their share leave it unclaimed rather than handing
// it to others, which is simple to reason about and good enough given the
// mux's modest message volumes.
type BandwidthBalancer struct {
	mu          sync.Mutex
	totalBudget int // 0 means unlimited
	perPeer     int
	used        map[peerid.ID]int
}

// NewBandwidthBalancer constructs a balancer with the given total per-tick
// byte budget (0 disables enforcement entirely).
func NewBandwidthBalancer(totalBudget int) *BandwidthBalancer {
	return &BandwidthBalancer{
		totalBudget: totalBudget,
		used:        make(map[peerid.ID]int),
	}
}

// ResetWindow starts a new tick's accounting, recomputing each peer's
// equal share of the total budget.
func (b *BandwidthBalancer) ResetWindow(peerCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used = make(map[peerid.ID]int)
	if b.totalBudget <= 0 || peerCount == 0 {
		b.perPeer = 0
		return
	}
	b.perPeer = b.totalBudget / peerCount
}

// Allow reports whether sending n additional bytes to peer stays within
// its fair share for the current tick, recording the bytes if so.
func (b *BandwidthBalancer) Allow(peer peerid.ID, n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.totalBudget <= 0 {
		return true
	}
	if b.used[peer]+n > b.perPeer {
		return false
	}
	b.used[peer] += n
	return true
}
