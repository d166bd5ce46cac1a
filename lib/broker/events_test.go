package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	h := newHub()
	sub := h.subscribe()
	defer sub.Close()

	published := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.publish(Event{Kind: EventPluginEvent, Plugin: "p", Payload: []byte{byte(i)}})
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on an idle subscriber")
	}

	for i := 0; i < 1000; i++ {
		event := receiveEvent(t, sub)
		require.Equal(t, []byte{byte(i)}, event.Payload, "event %d out of order", i)
	}
}

func TestHub_EachSubscriberGetsEveryEvent(t *testing.T) {
	h := newHub()
	first := h.subscribe()
	second := h.subscribe()
	defer first.Close()
	defer second.Close()

	h.publish(Event{Kind: EventStateChanged, Plugin: "a", From: AwaitingInit, To: Ready})
	h.publish(Event{Kind: EventStateChanged, Plugin: "a", From: Ready, To: Crashed})

	for _, sub := range []*Subscription{first, second} {
		assert.Equal(t, Ready, receiveEvent(t, sub).To)
		assert.Equal(t, Crashed, receiveEvent(t, sub).To)
	}
}

func TestHub_CloseStopsDelivery(t *testing.T) {
	h := newHub()
	sub := h.subscribe()
	sub.Close()
	sub.Close()

	h.publish(Event{Kind: EventPluginEvent})

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok, "expected closed channel")
	case <-time.After(5 * time.Second):
		t.Fatal("subscription channel not closed")
	}
}

func TestHub_SubscribeAfterClose(t *testing.T) {
	h := newHub()
	h.close()

	sub := h.subscribe()
	_, ok := <-sub.C
	assert.False(t, ok)
	sub.Close()
}
