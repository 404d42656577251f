package logmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitAndSnapshotOrdersRecords(t *testing.T) {
	m := New(8)
	defer m.Close()

	for i := 0; i < 4; i++ {
		m.Submit(Record{Time: time.Now(), Message: "msg"})
	}

	require.Eventually(t, func() bool { return len(m.Snapshot()) == 4 }, time.Second, time.Millisecond)
}

func TestRingEvictsOldestWhenFull(t *testing.T) {
	m := New(2) // rounds up to a power of 2 (2)
	defer m.Close()

	for i := 0; i < 5; i++ {
		m.Submit(Record{Message: "msg"})
	}

	require.Eventually(t, func() bool { return m.EvictedCount() >= 3 }, time.Second, time.Millisecond)
	assert.LessOrEqual(t, len(m.Snapshot()), 2)
}

func TestSubscribeReceivesNewRecords(t *testing.T) {
	m := New(16)
	defer m.Close()

	sub := m.Subscribe(4)
	defer sub.Unsubscribe()

	m.Submit(Record{Message: "hello"})

	select {
	case rec := <-sub.C():
		assert.Equal(t, "hello", rec.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for record")
	}
}

func TestLaggingSubscriberIsDropped(t *testing.T) {
	m := New(16, WithLagThreshold(2))
	defer m.Close()

	sub := m.Subscribe(1) // tiny buffer so it lags quickly
	for i := 0; i < 20; i++ {
		m.Submit(Record{Message: "msg"})
	}

	require.Eventually(t, func() bool {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		_, stillSubscribed := m.subs[sub.sub]
		return !stillSubscribed
	}, time.Second, time.Millisecond)
}
