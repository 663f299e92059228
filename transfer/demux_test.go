package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filemesh/core/peerid"
)

type fakeResponseSender struct {
	sent []struct {
		hash   Hash
		offset int64
		data   []byte
	}
}

func (f *fakeResponseSender) SendChunkData(peer peerid.ID, hash Hash, offset int64, data []byte) error {
	f.sent = append(f.sent, struct {
		hash   Hash
		offset int64
		data   []byte
	}{hash, offset, append([]byte(nil), data...)})
	return nil
}

func TestDataDemuxDropsChunkDataWithNoRegisteredCreator(t *testing.T) {
	sender := &fakeResponseSender{}
	d := NewDataDemux(sender, nil)
	peer := newTestPeerID(t)

	d.EnqueueChunkData(ChunkData{FileHash: Hash{1}, Peer: peer, Offset: 0, Length: 10, Data: make([]byte, 10)})
	d.Tick()

	assert.Empty(t, sender.sent)
}

func TestDataDemuxRoutesChunkDataToRegisteredCreator(t *testing.T) {
	sender := &fakeResponseSender{}
	d := NewDataDemux(sender, nil)
	peer := newTestPeerID(t)

	fc := newTestCreator(t, 1000)
	sched := NewFileChunkScheduler(fc, &recordingSender{})
	sched.AddSource(peer)
	hash := Hash{9}
	d.RegisterCreator(hash, sched)

	d.EnqueueChunkData(ChunkData{FileHash: hash, Peer: peer, Offset: 0, Length: 100, Data: make([]byte, 100)})
	d.Tick()

	recv := fc.ReceivedChunks()
	require.Len(t, recv, 1)
	assert.Equal(t, int64(0), recv[0].StartOffset)
}

func TestDataDemuxEnqueuesSearchWhenNoLocalSource(t *testing.T) {
	sender := &fakeResponseSender{}
	d := NewDataDemux(sender, nil)
	peer := newTestPeerID(t)

	d.EnqueueChunkRequest(ChunkRequest{FileHash: Hash{3}, Peer: peer, Offset: 0, Length: 10})
	d.Tick()

	d.mu.Lock()
	n := len(d.searchQueue)
	d.mu.Unlock()
	assert.Equal(t, 0, n) // the single tick already ran the search and found nothing
}
