// Package testbed implements the Testbed Coordinator of spec §4.5: a barrier
// that lets N per-device decorator chains run their setup phases in
// parallel, pauses them at a SynchronizationDriver inserted at the innermost
// position, runs a single main driver once every chain has reached that
// point, then releases all N chains into teardown together.
package testbed

import (
	"context"
	"sync"
	"time"

	"github.com/google/device-infra-sub011/internal/log"
)

// Chain is one subdevice's decorator stack. Implementations must call
// Sync.Reached once their setup phase completes (when the innermost
// SynchronizationDriver position is reached), then Sync.WaitRelease before
// proceeding into teardown.
type Chain interface {
	Run(ctx context.Context, sync *Sync) error
}

// Sync is handed to each Chain.Run call; it is the SynchronizationDriver's
// interface to the shared pre/post latches described in spec §4.5.
type Sync struct {
	pre         *countdownLatch
	post        *countdownLatch
	preDoneOnce sync.Once
}

// Reached decrements the pre-driver latch. Safe to call at most once in
// effect even if called multiple times (idempotent per Sync instance).
func (s *Sync) Reached() {
	s.preDoneOnce.Do(s.pre.Done)
}

// WaitRelease blocks until the post-driver latch opens (the main driver has
// completed) or ctx is cancelled.
func (s *Sync) WaitRelease(ctx context.Context) error {
	select {
	case <-s.post.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Coordinator runs the barrier algorithm of spec §4.5 for one multi-device
// test.
type Coordinator struct {
	log *log.Logger
}

// Option configures a Coordinator constructed by New.
type Option func(*Coordinator)

func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func New(opts ...Option) *Coordinator {
	c := &Coordinator{log: log.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("testbed_coordinator")
	return c
}

// Run executes chains in parallel on a fixed-size pool (sized len(chains) —
// spec §4.5 calls for "a fixed-size executor", and one worker per chain is
// the simplest pool that never makes a chain wait on another chain's
// scheduling slot), waits for every chain to reach its SynchronizationDriver
// position, runs mainDriver exactly once, releases every chain into
// teardown, and joins them within deadline.
//
// Run returns the first error encountered, preferring a chain setup-phase
// fault (recorded before mainDriver ever runs) over a mainDriver or teardown
// error, per spec §4.5 step 5 ("rethrow the first recorded error").
func (c *Coordinator) Run(ctx context.Context, chains []Chain, mainDriver func(ctx context.Context) error, deadline time.Duration) error {
	n := len(chains)
	if n == 0 {
		return mainDriver(ctx)
	}

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	pre := newCountdownLatch(n)
	post := newCountdownLatch(1)

	var (
		errMu    sync.Mutex
		firstErr error
	)
	recordErr := func(err error) {
		if err == nil {
			return
		}
		errMu.Lock()
		defer errMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(n)
	for _, chain := range chains {
		chain := chain
		sync := &Sync{pre: pre, post: post}
		go func() {
			defer wg.Done()
			defer sync.Reached() // defensive: a chain that faults before its own Reached() call must not deadlock the barrier
			if err := chain.Run(runCtx, sync); err != nil {
				c.log.Warn().Err(err).Msg("testbed chain faulted")
				recordErr(err)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-pre.C():
	case <-runCtx.Done():
		recordErr(runCtx.Err())
	}

	errMu.Lock()
	faulted := firstErr != nil
	errMu.Unlock()

	if !faulted {
		if err := mainDriver(runCtx); err != nil {
			c.log.Warn().Err(err).Msg("main driver faulted")
			recordErr(err)
		}
		post.Done()
	} else {
		// A chain faulted during setup: spec §4.5 step 2-3 requires mainDriver
		// never run in that case. Cancel rather than post.Done so every chain
		// still blocked in WaitRelease unblocks via ctx.Done and surfaces the
		// same recorded error instead of proceeding into teardown normally.
		cancel()
	}

	select {
	case <-done:
	case <-runCtx.Done():
		recordErr(runCtx.Err())
	}

	errMu.Lock()
	defer errMu.Unlock()
	return firstErr
}
