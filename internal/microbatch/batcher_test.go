package microbatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatcherFlushesOnMaxSize(t *testing.T) {
	var mu sync.Mutex
	var batches [][]int

	b := NewBatcher(&BatcherConfig{MaxSize: 3, FlushInterval: time.Hour}, func(ctx context.Context, items []int) error {
		mu.Lock()
		batches = append(batches, append([]int(nil), items...))
		mu.Unlock()
		return nil
	})
	defer b.Close()

	for i := 0; i < 3; i++ {
		ok, err := b.Submit(context.Background(), i)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{0, 1, 2}, batches[0])
	mu.Unlock()
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	var mu sync.Mutex
	var flushed bool

	b := NewBatcher(&BatcherConfig{MaxSize: 100, FlushInterval: 10 * time.Millisecond}, func(ctx context.Context, items []int) error {
		mu.Lock()
		flushed = true
		mu.Unlock()
		return nil
	})
	defer b.Close()

	_, err := b.Submit(context.Background(), 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return flushed
	}, time.Second, time.Millisecond)
}

func TestBatcherCloseFlushesPending(t *testing.T) {
	var mu sync.Mutex
	var got []int

	b := NewBatcher(&BatcherConfig{MaxSize: 100, FlushInterval: time.Hour}, func(ctx context.Context, items []int) error {
		mu.Lock()
		got = append(got, items...)
		mu.Unlock()
		return nil
	})

	_, err := b.Submit(context.Background(), 42)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{42}, got)
}
