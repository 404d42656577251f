package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New[int]()
	sub := b.Subscribe(8)

	for i := 0; i < 5; i++ {
		b.Publish(i)
	}

	for i := 0; i < 5; i++ {
		select {
		case v := <-sub.C():
			assert.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for value")
		}
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New[int]()
	slow := b.Subscribe(1) // never drained
	fast := b.Subscribe(8)

	for i := 0; i < 10; i++ {
		b.Publish(i)
	}

	// fast subscriber still received everything it had room for without
	// waiting on slow.
	select {
	case v := <-fast.C():
		assert.Equal(t, 2, v, "first two values dropped to keep up with an 8-slot buffer and 10 publishes")
	case <-time.After(time.Second):
		t.Fatal("fast subscriber blocked by slow one")
	}

	require.Greater(t, slow.Dropped(), 0)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New[int]()
	sub := b.Subscribe(1)
	sub.Unsubscribe()

	_, ok := <-sub.C()
	assert.False(t, ok)

	assert.NotPanics(t, func() { b.Publish(1) })
	assert.NotPanics(t, sub.Unsubscribe)
}

func TestSubscriberCount(t *testing.T) {
	b := New[int]()
	assert.Equal(t, 0, b.SubscriberCount())
	sub := b.Subscribe(1)
	assert.Equal(t, 1, b.SubscriberCount())
	sub.Unsubscribe()
	assert.Equal(t, 0, b.SubscriberCount())
}
