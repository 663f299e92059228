// Package request implements the request/offer service (C14): item-ID
// granularity requests and offers sitting above the chunk layer, with
// offline queueing/replay and the borrow lifecycle.
package request

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/filemesh/core/events"
	"github.com/filemesh/core/peerid"
)

// ResponseStatus is the status carried by an ItemResponse.
type ResponseStatus int

const (
	StatusPending ResponseStatus = iota
	StatusFileSet
	StatusLendOffer
	StatusDenied
	StatusNotFound
)

// FileRef names one file within an ItemResponse or Suggestion.
type FileRef struct {
	Name string
	Hash [20]byte
	Size int64
}

// ItemRequest asks a friend for an item by ID.
type ItemRequest struct {
	ItemID      string
	DisplayName string
}

// ItemResponse answers an ItemRequest.
type ItemResponse struct {
	ItemID    string
	Status    ResponseStatus
	Files     []FileRef
	BorrowKey string // set when Status == StatusLendOffer
}

// Suggestion proactively offers an item a friend didn't ask for.
type Suggestion struct {
	Title string
	Files []FileRef
}

// BorrowComplete tells the lender the borrow is finalized; the lender
// deletes its local copy on receipt.
type BorrowComplete struct {
	BorrowKey string
}

// ReturnComplete is sent by the borrower to acknowledge a return.
type ReturnComplete struct {
	BorrowKey string
}

// BorrowState is the borrower-side lifecycle for one borrowed item.
type BorrowState int

const (
	NotPresent BorrowState = iota
	Pending
	Downloading
	Borrowed
	Returning
)

func (s BorrowState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Downloading:
		return "Downloading"
	case Borrowed:
		return "Borrowed"
	case Returning:
		return "Returning"
	default:
		return "NotPresent"
	}
}

// Sender hands an outgoing message off to the wire (typically the
// service mux), keeping this package ignorant of transport concerns.
type Sender interface {
	Send(peer peerid.ID, msg interface{}) error
}

type queuedMessage struct {
	peer peerid.ID
	msg  interface{}
}

// Service is the request/offer service instance for one node.
type Service struct {
	mu sync.Mutex

	sender Sender
	bus    *events.Bus

	online       map[peerid.ID]bool
	offlineQueue map[peerid.ID][]queuedMessage

	borrows map[string]BorrowState // borrowKey -> borrower-side state
	lentTo  map[string]peerid.ID   // item hash hex -> borrower, lender-side marker

	// DeleteLocalCopy is called on BorrowComplete to remove the lender's
	// on-disk copy of a lent item; tests substitute a recording stub.
	DeleteLocalCopy func(itemHash string) error
}

// NewService constructs a request/offer service.
func NewService(sender Sender, bus *events.Bus) *Service {
	return &Service{
		sender:       sender,
		bus:          bus,
		online:       make(map[peerid.ID]bool),
		offlineQueue: make(map[peerid.ID][]queuedMessage),
		borrows:      make(map[string]BorrowState),
		lentTo:       make(map[string]peerid.ID),
	}
}

// send delivers now if peer is online, else queues for replay.
func (s *Service) send(peer peerid.ID, msg interface{}) error {
	if s.online[peer] {
		return s.sender.Send(peer, msg)
	}
	s.offlineQueue[peer] = append(s.offlineQueue[peer], queuedMessage{peer: peer, msg: msg})
	logrus.WithFields(logrus.Fields{
		"function": "Service.send",
		"peer":     peer.String(),
	}).Debug("peer offline, queued message for replay")
	return nil
}

// RequestItem sends (or queues) an ItemRequest.
func (s *Service) RequestItem(peer peerid.ID, itemID, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send(peer, ItemRequest{ItemID: itemID, DisplayName: displayName})
}

// SendSuggestion sends (or queues) a Suggestion.
func (s *Service) SendSuggestion(peer peerid.ID, title string, files []FileRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send(peer, Suggestion{Title: title, Files: files})
}

// PeerConnected marks peer online and replays its queued messages in
// original order.
func (s *Service) PeerConnected(peer peerid.ID) {
	s.mu.Lock()
	s.online[peer] = true
	queued := s.offlineQueue[peer]
	delete(s.offlineQueue, peer)
	s.mu.Unlock()

	for _, q := range queued {
		if err := s.sender.Send(q.peer, q.msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Service.PeerConnected",
				"peer":     peer.String(),
				"error":    err,
			}).Warn("failed to replay queued message")
		}
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.PeerConnected, Data: peer})
	}
}

// PeerDisconnected marks peer offline; future sends to it queue instead.
func (s *Service) PeerDisconnected(peer peerid.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[peer] = false
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.PeerDisconnected, Data: peer})
	}
}

// HandleItemResponse processes an inbound ItemResponse, entering the
// borrow lifecycle at Pending if the response is a lend offer.
func (s *Service) HandleItemResponse(peer peerid.ID, resp ItemResponse) {
	s.mu.Lock()
	if resp.Status == StatusLendOffer && resp.BorrowKey != "" {
		s.borrows[resp.BorrowKey] = Pending
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.OfferReceived, Data: resp})
	}
}

// AckBorrowOffer is called when the user accepts a pending lend offer,
// moving it to Downloading.
func (s *Service) AckBorrowOffer(borrowKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.borrows[borrowKey] == Pending {
		s.borrows[borrowKey] = Downloading
	}
}

// CompleteDownload is called once every chunk of a borrowed item has
// landed on disk, moving Downloading -> Borrowed.
func (s *Service) CompleteDownload(borrowKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.borrows[borrowKey] == Downloading {
		s.borrows[borrowKey] = Borrowed
	}
}

// InitiateReturn moves Borrowed -> Returning and sends ReturnComplete to
// the lender.
func (s *Service) InitiateReturn(lender peerid.ID, borrowKey string) error {
	s.mu.Lock()
	if s.borrows[borrowKey] != Borrowed {
		s.mu.Unlock()
		return nil
	}
	s.borrows[borrowKey] = Returning
	s.mu.Unlock()

	return s.send(lender, ReturnComplete{BorrowKey: borrowKey})
}

// HandleReturnComplete is called on the lender side when the borrower
// acknowledges a return, clearing the borrow state back to NotPresent.
func (s *Service) HandleReturnComplete(msg ReturnComplete) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.borrows[msg.BorrowKey] = NotPresent
}

// MarkLent records that itemHash is currently lent to borrower, on the
// lender side.
func (s *Service) MarkLent(itemHash string, borrower peerid.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lentTo[itemHash] = borrower
}

// HandleBorrowComplete is called on the lender side: the borrow is now
// finalized, so the lender deletes its local copy while retaining the
// item's metadata.
func (s *Service) HandleBorrowComplete(itemHash string, msg BorrowComplete) error {
	if s.DeleteLocalCopy == nil {
		return nil
	}
	return s.DeleteLocalCopy(itemHash)
}

// BorrowStateOf returns the current lifecycle state for borrowKey.
func (s *Service) BorrowStateOf(borrowKey string) BorrowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.borrows[borrowKey]
}
