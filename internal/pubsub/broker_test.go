package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishDeliversToSubscribers(t *testing.T) {
	b := NewBroker[string]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := b.Subscribe(ctx)
	require.NoError(t, b.Publish(context.Background(), CreatedEvent, "hello"))

	select {
	case event := <-sub:
		assert.Equal(t, CreatedEvent, event.Type)
		assert.Equal(t, "hello", event.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestBrokerSubscriberCanceledContextUnsubscribes(t *testing.T) {
	b := NewBroker[string]()
	ctx, cancel := context.WithCancel(context.Background())

	sub := b.Subscribe(ctx)
	require.Equal(t, 1, b.SubscriberCount())

	cancel()
	require.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, time.Millisecond)

	_, open := <-sub
	assert.False(t, open, "the subscriber channel must be closed once unsubscribed")
}

func TestBrokerShutdownClosesAllSubscribers(t *testing.T) {
	b := NewBroker[string]()
	sub := b.Subscribe(context.Background())

	b.Shutdown()

	_, open := <-sub
	assert.False(t, open)

	err := b.Publish(context.Background(), CreatedEvent, "after shutdown")
	assert.ErrorIs(t, err, ErrBrokerClosed)
}

func TestBrokerPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	b := NewBroker[int]()
	sub := b.Subscribe(context.Background())

	for i := 0; i < bufferSize+10; i++ {
		require.NoError(t, b.Publish(context.Background(), CreatedEvent, i))
	}

	assert.LessOrEqual(t, len(sub), bufferSize, "a full subscriber buffer must drop further events instead of blocking the publisher")
}
