package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filemesh/core/peerid"
)

type recordingSender struct {
	requests []struct {
		peer   peerid.ID
		offset int64
		length int64
	}
}

func (r *recordingSender) SendChunkRequest(peer peerid.ID, offset, length int64) error {
	r.requests = append(r.requests, struct {
		peer   peerid.ID
		offset int64
		length int64
	}{peer, offset, length})
	return nil
}

func TestTickEmitsOneRequestPerEligibleSource(t *testing.T) {
	fc := newTestCreator(t, 100000)
	sender := &recordingSender{}
	sched := NewFileChunkScheduler(fc, sender)

	a := newTestPeerID(t)
	b := newTestPeerID(t)
	sched.AddSource(a)
	sched.AddSource(b)

	sched.Tick(time.Now())

	require.Len(t, sender.requests, 2)
	assert.NotEqual(t, sender.requests[0].offset, sender.requests[1].offset)
}

func TestTickSkipsSourceWithOutstandingRequest(t *testing.T) {
	fc := newTestCreator(t, 100000)
	sender := &recordingSender{}
	sched := NewFileChunkScheduler(fc, sender)

	a := newTestPeerID(t)
	sched.AddSource(a)

	now := time.Now()
	sched.Tick(now)
	require.Len(t, sender.requests, 1)

	sched.Tick(now.Add(time.Millisecond))
	assert.Len(t, sender.requests, 1) // still outstanding, no second request
}

func TestReceiveChunkClearsOutstandingAndAdjustsChunkSize(t *testing.T) {
	fc := newTestCreator(t, 100000)
	sender := &recordingSender{}
	sched := NewFileChunkScheduler(fc, sender)

	a := newTestPeerID(t)
	sched.AddSource(a)

	now := time.Now()
	sched.Tick(now)
	require.Len(t, sender.requests, 1)
	req := sender.requests[0]

	sched.ReceiveChunk(a, req.offset, req.length, make([]byte, req.length), now.Add(10*time.Millisecond))

	src := sched.sources[0]
	assert.False(t, src.hasOutstanding)
	assert.Equal(t, 0, src.resetCount)
	// first completed request with a positive rate doubles the request size
	assert.Equal(t, int64(2*FastStartRate), src.currentSize)
}

func TestStalledSourceMarkedIdleThenNotOnlineAfterThreshold(t *testing.T) {
	fc := newTestCreator(t, 100000)
	sender := &recordingSender{}
	sched := NewFileChunkScheduler(fc, sender)

	a := newTestPeerID(t)
	sched.AddSource(a)
	src := sched.sources[0]
	src.rtt = 10 * time.Millisecond

	now := time.Now()
	for i := 0; i <= ResetThreshold+1; i++ {
		sched.Tick(now)
		now = now.Add(src.rtt*4 + time.Millisecond)
	}

	assert.Equal(t, NotOnline, src.state)
}
