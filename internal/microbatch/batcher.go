// Package microbatch coalesces individual submissions into small batches
// before handing them to a processing function, cutting the number of round
// trips to an external system (e.g. mastersync's CloseTest calls). Adapted
// from the teacher's microbatch package: same ping/pong submit protocol and
// size-or-interval flush trigger, trimmed to the single-processor,
// fire-and-forget shape OLC's callers need (no per-job Wait/result
// plumbing, no concurrent-batch limiting beyond one in flight).
package microbatch

import (
	"context"
	"sync"
	"time"
)

// BatcherConfig configures a Batcher. The zero value uses MaxSize 16 and
// FlushInterval 50ms, mirroring the teacher's defaults.
type BatcherConfig struct {
	// MaxSize caps the number of items per batch when positive.
	MaxSize int
	// FlushInterval bounds how long an incomplete batch waits before it's
	// flushed anyway, when positive.
	FlushInterval time.Duration
}

// Processor handles one flushed batch. Any error is discarded after return
// (callers needing per-item results should log inside Processor itself).
type Processor[T any] func(ctx context.Context, items []T) error

// Batcher accepts items one at a time and flushes them in batches, either
// once MaxSize items have accumulated or FlushInterval has elapsed since the
// first item of the pending batch arrived.
type Batcher[T any] struct {
	processor     Processor[T]
	maxSize       int
	flushInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	itemCh  chan T
	flushCh chan struct{}
}

// NewBatcher constructs a Batcher and starts its background flush loop.
// Panics if processor is nil, or if both MaxSize and FlushInterval are
// disabled (there would be no way to ever flush).
func NewBatcher[T any](cfg *BatcherConfig, processor Processor[T]) *Batcher[T] {
	if processor == nil {
		panic("microbatch: nil processor")
	}
	b := &Batcher[T]{
		processor:     processor,
		maxSize:       16,
		flushInterval: 50 * time.Millisecond,
		done:          make(chan struct{}),
		itemCh:        make(chan T),
		flushCh:       make(chan struct{}, 1),
	}
	if cfg != nil {
		if cfg.MaxSize != 0 {
			b.maxSize = cfg.MaxSize
		}
		if cfg.FlushInterval != 0 {
			b.flushInterval = cfg.FlushInterval
		}
	}
	if b.maxSize <= 0 && b.flushInterval <= 0 {
		panic("microbatch: one of MaxSize or FlushInterval must be enabled")
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	go b.run()
	return b
}

// Submit hands one item to the batcher. It returns once the item has been
// accepted into a pending batch (not once that batch has been processed).
func (b *Batcher[T]) Submit(ctx context.Context, item T) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-b.ctx.Done():
		return false, b.ctx.Err()
	case b.itemCh <- item:
		return true, nil
	}
}

// Close stops accepting new items, flushes any pending batch, and waits for
// it to finish processing.
func (b *Batcher[T]) Close() error {
	b.cancel()
	<-b.done
	return nil
}

func (b *Batcher[T]) run() {
	defer close(b.done)

	var pending []T
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		// Processing is synchronous: OLC's batches are small (master-sync
		// CloseTest calls) and a second concurrent flush isn't needed.
		_ = b.processor(context.Background(), batch)
	}

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-b.ctx.Done():
			flush()
			return

		case item := <-b.itemCh:
			pending = append(pending, item)
			if b.maxSize > 0 && len(pending) >= b.maxSize {
				stopTimer()
				flush()
				continue
			}
			if b.flushInterval > 0 && timer == nil {
				timer = time.NewTimer(b.flushInterval)
				timerC = timer.C
			}

		case <-timerC:
			stopTimer()
			flush()
		}
	}
}
