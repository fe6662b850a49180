package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New(nil)
	ch := bus.Subscribe(TopicPriceUpdate)

	bus.Publish(TopicPriceUpdate, "snapshot-1")

	select {
	case evt := <-ch:
		assert.Equal(t, TopicPriceUpdate, evt.Topic)
		assert.Equal(t, "snapshot-1", evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected an event within 1s")
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	bus := New(nil)
	bus.bufferSize = 1
	ch := bus.Subscribe(TopicDelta)

	// Fill the buffer, then publish once more; the second publish must not
	// block even though nobody drains ch.
	bus.Publish(TopicDelta, 1)
	done := make(chan struct{})
	go func() {
		bus.Publish(TopicDelta, 2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}

	require.Len(t, ch, 1)
	first := <-ch
	assert.Equal(t, 1, first.Payload)
}

func TestUnsubscribedTopicIsNoop(t *testing.T) {
	bus := New(nil)
	assert.NotPanics(t, func() {
		bus.Publish("nobody-listening", nil)
	})
}
