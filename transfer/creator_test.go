package transfer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filemesh/core/peerid"
)

func newTestCreator(t *testing.T, size int64) *FileCreator {
	t.Helper()
	dir := t.TempDir()
	fc, err := NewFileCreator(filepath.Join(dir, "partial"), size)
	require.NoError(t, err)
	t.Cleanup(func() { fc.Close() })
	return fc
}

func newTestPeerID(t *testing.T) peerid.ID {
	t.Helper()
	kp, err := peerid.GenerateKeyPair()
	require.NoError(t, err)
	return kp.ID()
}

// S1: chunk allocation with aging.
func TestAllocateRemainingChunkAgesAndReRequests(t *testing.T) {
	fc := newTestCreator(t, 100000)
	peer := newTestPeerID(t)
	start := time.Now()

	var offsets []int64
	for i := 0; i < 10; i++ {
		off, length, err := fc.AllocateRemainingChunk(peer, 8192, start)
		require.NoError(t, err)
		assert.Equal(t, int64(8192), length)
		offsets = append(offsets, off)
	}
	assert.Equal(t, []int64{0, 8192, 16384, 24576, 32768, 40960, 49152, 57344, 65536, 73728}, offsets)
	assert.Len(t, fc.RequestedChunks(), 10)

	later := start.Add(21 * time.Second)
	off, length, err := fc.AllocateRemainingChunk(peer, 8192, later)
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)
	assert.Equal(t, int64(8192), length)
	// still ten entries: it's a re-request, not a new range
	assert.Len(t, fc.RequestedChunks(), 10)
}

// S2: split on partial receive.
func TestAddFileDataSplitsRequestedChunkOnPartialOverlap(t *testing.T) {
	fc := newTestCreator(t, 2000)
	peer := newTestPeerID(t)
	fc.requestedChunks = []RequestedChunk{{StartOffset: 1000, Length: 1000, RequestedAt: time.Now(), FromPeer: peer}}

	fc.AddFileData(peer, 1200, 400, make([]byte, 400))

	reqs := fc.RequestedChunks()
	require.Len(t, reqs, 2)
	assert.Equal(t, RequestedChunk{StartOffset: 1000, Length: 200, RequestedAt: reqs[0].RequestedAt, FromPeer: peer}, reqs[0])
	assert.Equal(t, RequestedChunk{StartOffset: 1600, Length: 400, RequestedAt: reqs[1].RequestedAt, FromPeer: peer}, reqs[1])

	recv := fc.ReceivedChunks()
	require.Len(t, recv, 1)
	assert.Equal(t, int64(1200), recv[0].StartOffset)
	assert.Equal(t, int64(400), recv[0].Length)
}

// S3: write-on-tick orders by offset and stops at first gap.
func TestTickWritesContiguousRunAndStopsAtGap(t *testing.T) {
	fc := newTestCreator(t, 300)
	fc.receivedChunks = []ReceivedChunk{
		{StartOffset: 0, Length: 100, Data: bytesOf(100, 'a')},
		{StartOffset: 200, Length: 100, Data: bytesOf(100, 'b')},
	}

	require.NoError(t, fc.Tick())

	assert.Equal(t, int64(100), fc.SavedBytes())
	recv := fc.ReceivedChunks()
	require.Len(t, recv, 1)
	assert.Equal(t, int64(200), recv[0].StartOffset)

	disk, err := os.ReadFile(fc.path)
	require.NoError(t, err)
	assert.Equal(t, bytesOf(100, 'a'), disk[:100])
}

func TestZeroByteFileIsFullyDownloadedImmediately(t *testing.T) {
	fc := newTestCreator(t, 0)
	assert.True(t, fc.FullyDownloaded())

	peer := newTestPeerID(t)
	_, _, err := fc.AllocateRemainingChunk(peer, 10, time.Now())
	assert.ErrorIs(t, err, ErrFullyDownloaded)
}

func TestInvalidateChunksRequestedFromRemovesOnlyThatPeer(t *testing.T) {
	fc := newTestCreator(t, 1000)
	a := newTestPeerID(t)
	b := newTestPeerID(t)
	fc.requestedChunks = []RequestedChunk{
		{StartOffset: 0, Length: 100, FromPeer: a},
		{StartOffset: 100, Length: 100, FromPeer: b},
	}

	fc.InvalidateChunksRequestedFrom(a)

	reqs := fc.RequestedChunks()
	require.Len(t, reqs, 1)
	assert.Equal(t, b, reqs[0].FromPeer)
}

func bytesOf(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}
