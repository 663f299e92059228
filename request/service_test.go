package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filemesh/core/events"
	"github.com/filemesh/core/peerid"
)

type recordingRequestSender struct {
	sent []struct {
		peer peerid.ID
		msg  interface{}
	}
}

func (r *recordingRequestSender) Send(peer peerid.ID, msg interface{}) error {
	r.sent = append(r.sent, struct {
		peer peerid.ID
		msg  interface{}
	}{peer, msg})
	return nil
}

func newTestRequestPeer(t *testing.T) peerid.ID {
	t.Helper()
	kp, err := peerid.GenerateKeyPair()
	require.NoError(t, err)
	return kp.ID()
}

func TestRequestItemQueuesWhileOfflineAndReplaysOnConnect(t *testing.T) {
	sender := &recordingRequestSender{}
	svc := NewService(sender, nil)
	peer := newTestRequestPeer(t)

	require.NoError(t, svc.RequestItem(peer, "item-1", "alice"))
	assert.Empty(t, sender.sent)

	svc.PeerConnected(peer)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, ItemRequest{ItemID: "item-1", DisplayName: "alice"}, sender.sent[0].msg)
}

func TestRequestItemSendsImmediatelyWhenOnline(t *testing.T) {
	sender := &recordingRequestSender{}
	svc := NewService(sender, nil)
	peer := newTestRequestPeer(t)

	svc.PeerConnected(peer)
	require.NoError(t, svc.RequestItem(peer, "item-2", "bob"))
	require.Len(t, sender.sent, 1)
}

func TestOfflineMessagesReplayInOriginalOrder(t *testing.T) {
	sender := &recordingRequestSender{}
	svc := NewService(sender, nil)
	peer := newTestRequestPeer(t)

	require.NoError(t, svc.RequestItem(peer, "item-1", "a"))
	require.NoError(t, svc.SendSuggestion(peer, "cool stuff", nil))
	require.NoError(t, svc.RequestItem(peer, "item-2", "a"))

	svc.PeerConnected(peer)
	require.Len(t, sender.sent, 3)
	assert.Equal(t, ItemRequest{ItemID: "item-1", DisplayName: "a"}, sender.sent[0].msg)
	assert.Equal(t, Suggestion{Title: "cool stuff"}, sender.sent[1].msg)
	assert.Equal(t, ItemRequest{ItemID: "item-2", DisplayName: "a"}, sender.sent[2].msg)
}

func TestBorrowLifecycleProgressesThroughStates(t *testing.T) {
	sender := &recordingRequestSender{}
	bus := events.New()
	svc := NewService(sender, bus)
	peer := newTestRequestPeer(t)

	var offerSeen bool
	bus.Subscribe(events.OfferReceived, func(e events.Event) { offerSeen = true })

	svc.HandleItemResponse(peer, ItemResponse{ItemID: "book-1", Status: StatusLendOffer, BorrowKey: "bk-1"})
	assert.True(t, offerSeen)
	assert.Equal(t, Pending, svc.BorrowStateOf("bk-1"))

	svc.AckBorrowOffer("bk-1")
	assert.Equal(t, Downloading, svc.BorrowStateOf("bk-1"))

	svc.CompleteDownload("bk-1")
	assert.Equal(t, Borrowed, svc.BorrowStateOf("bk-1"))

	svc.PeerConnected(peer)
	require.NoError(t, svc.InitiateReturn(peer, "bk-1"))
	assert.Equal(t, Returning, svc.BorrowStateOf("bk-1"))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, ReturnComplete{BorrowKey: "bk-1"}, sender.sent[0].msg)
}

func TestHandleReturnCompleteResetsLenderState(t *testing.T) {
	sender := &recordingRequestSender{}
	svc := NewService(sender, nil)
	svc.borrows["bk-2"] = Returning

	svc.HandleReturnComplete(ReturnComplete{BorrowKey: "bk-2"})
	assert.Equal(t, NotPresent, svc.BorrowStateOf("bk-2"))
}

func TestHandleBorrowCompleteDeletesLocalCopy(t *testing.T) {
	sender := &recordingRequestSender{}
	svc := NewService(sender, nil)
	var deleted string
	svc.DeleteLocalCopy = func(hash string) error {
		deleted = hash
		return nil
	}

	require.NoError(t, svc.HandleBorrowComplete("itemhash-1", BorrowComplete{BorrowKey: "bk-3"}))
	assert.Equal(t, "itemhash-1", deleted)
}
