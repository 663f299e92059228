package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversToAllSubscribersOfType(t *testing.T) {
	bus := New()
	var gotA, gotB Event
	bus.Subscribe(PeerConnected, func(e Event) { gotA = e })
	bus.Subscribe(PeerConnected, func(e Event) { gotB = e })

	bus.Publish(Event{Type: PeerConnected, Data: "peer-1"})

	assert.Equal(t, "peer-1", gotA.Data)
	assert.Equal(t, "peer-1", gotB.Data)
}

func TestPublishDoesNotCrossDeliverBetweenTypes(t *testing.T) {
	bus := New()
	called := false
	bus.Subscribe(TransferFailed, func(e Event) { called = true })

	bus.Publish(Event{Type: TransferComplete})

	assert.False(t, called)
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	bus := New()
	count := 0
	unsub := bus.Subscribe(OfferReceived, func(e Event) { count++ })

	bus.Publish(Event{Type: OfferReceived})
	unsub()
	bus.Publish(Event{Type: OfferReceived})

	assert.Equal(t, 1, count)
}
