package testbed

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedChain struct {
	setupErr    error
	afterSync   func()
	teardownErr error
}

func (c *scriptedChain) Run(ctx context.Context, sync *Sync) error {
	if c.setupErr != nil {
		return c.setupErr
	}
	sync.Reached()
	if err := sync.WaitRelease(ctx); err != nil {
		return err
	}
	if c.afterSync != nil {
		c.afterSync()
	}
	return c.teardownErr
}

func TestCoordinatorRunsMainDriverOnceAllChainsReachSync(t *testing.T) {
	var mainRan int32
	var post1, post2 int32
	chains := []Chain{
		&scriptedChain{afterSync: func() { atomic.AddInt32(&post1, 1) }},
		&scriptedChain{afterSync: func() { atomic.AddInt32(&post2, 1) }},
	}

	co := New()
	err := co.Run(context.Background(), chains, func(ctx context.Context) error {
		atomic.AddInt32(&mainRan, 1)
		return nil
	}, time.Second)

	require.NoError(t, err)
	assert.EqualValues(t, 1, mainRan)
	assert.EqualValues(t, 1, post1)
	assert.EqualValues(t, 1, post2)
}

func TestCoordinatorReturnsFirstChainSetupError(t *testing.T) {
	boom := errors.New("setup boom")
	chains := []Chain{
		&scriptedChain{setupErr: boom},
		&scriptedChain{},
	}

	var mainRan int32
	co := New()
	err := co.Run(context.Background(), chains, func(ctx context.Context) error {
		atomic.AddInt32(&mainRan, 1)
		return nil
	}, time.Second)

	require.ErrorIs(t, err, boom)
	// main driver must not run: spec §4.5 step 2-3 requires a setup fault in
	// any chain to skip mainDriver entirely, even though the defensive
	// Reached() call in Run still opens the pre-driver latch.
	assert.EqualValues(t, 0, mainRan)
}

func TestCoordinatorPropagatesMainDriverError(t *testing.T) {
	boom := errors.New("main boom")
	chains := []Chain{&scriptedChain{}}

	co := New()
	err := co.Run(context.Background(), chains, func(ctx context.Context) error {
		return boom
	}, time.Second)

	require.ErrorIs(t, err, boom)
}

func TestCoordinatorWithNoChainsRunsMainDriverDirectly(t *testing.T) {
	co := New()
	called := false
	err := co.Run(context.Background(), nil, func(ctx context.Context) error {
		called = true
		return nil
	}, time.Second)

	require.NoError(t, err)
	assert.True(t, called)
}

func TestCoordinatorTimesOutIfChainNeverReachesSync(t *testing.T) {
	blocking := &scriptedChain{}
	// override Run to never call Reached, simulating a hung chain.
	hung := chainFunc(func(ctx context.Context, sync *Sync) error {
		<-ctx.Done()
		return ctx.Err()
	})

	co := New()
	err := co.Run(context.Background(), []Chain{blocking, hung}, func(ctx context.Context) error {
		t.Fatal("main driver must not run before the barrier opens")
		return nil
	}, 50*time.Millisecond)

	require.Error(t, err)
}

type chainFunc func(ctx context.Context, sync *Sync) error

func (f chainFunc) Run(ctx context.Context, sync *Sync) error { return f(ctx, sync) }
