package job

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/device-infra-sub011/internal/driver"
	olcerrors "github.com/google/device-infra-sub011/internal/errors"
	"github.com/google/device-infra-sub011/internal/log"
	"github.com/google/device-infra-sub011/internal/model"
	"github.com/google/device-infra-sub011/internal/scheduler"
	"github.com/google/device-infra-sub011/internal/testbed"
)

// DeviceReleaser is the subset of internal/device.Manager the Job Runner
// needs to give a device back at the end of a test attempt.
type DeviceReleaser interface {
	Release(ctx context.Context, controlID string, explicitDirty bool)
}

// Manager hosts the Job Runner: it drives every running Job's Tests through
// allocation, routes scheduler outcomes back to the waiting test, and fans
// job lifecycle events out to registered plugins (spec §4.4).
type Manager struct {
	log *log.Logger

	scheduler *scheduler.Scheduler
	devices   DeviceReleaser
	drivers   *driver.Registry
	coord     *testbed.Coordinator

	plugins []Plugin

	mu      sync.Mutex
	pending map[string]chan scheduler.Event // testID -> waiter
	running map[string]struct{}             // jobID -> running, for RunningJobIDs

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager constructed by New.
type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithPlugin registers a plugin. Plugins registered before RunJob is ever
// called, in call order, form the "internal plugins first, then API
// plugins" ordering of spec §4.4 — callers register internal plugins first.
func WithPlugin(p Plugin) Option {
	return func(m *Manager) { m.plugins = append(m.plugins, p) }
}

// New constructs a Manager. Call Start before RunJob to begin routing
// scheduler outcomes back to waiting tests.
func New(sched *scheduler.Scheduler, devices DeviceReleaser, drivers *driver.Registry, coord *testbed.Coordinator, opts ...Option) *Manager {
	m := &Manager{
		log:       log.Nop(),
		scheduler: sched,
		devices:   devices,
		drivers:   drivers,
		coord:     coord,
		pending:   make(map[string]chan scheduler.Event),
		running:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("job_manager")
	return m
}

// Start begins the scheduler-event routing loop; blocks until ctx is
// cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.scheduler.Events():
			if !ok {
				return
			}
			m.route(ev)
		}
	}
}

// Stop cancels the routing loop started by Start and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

func (m *Manager) route(ev scheduler.Event) {
	if ev.Request == nil {
		return
	}
	m.mu.Lock()
	ch, ok := m.pending[ev.Request.TestID]
	if ok {
		delete(m.pending, ev.Request.TestID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	ch <- ev
}

// allocate places req on the scheduler and blocks until a matching
// allocation/abort event is routed back, or ctx is cancelled.
func (m *Manager) allocate(ctx context.Context, req *scheduler.Request) (scheduler.Event, error) {
	ch := make(chan scheduler.Event, 1)
	m.mu.Lock()
	m.pending[req.TestID] = ch
	m.mu.Unlock()

	m.scheduler.Enqueue(req)

	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, req.TestID)
		m.mu.Unlock()
		return scheduler.Event{}, ctx.Err()
	}
}

func (m *Manager) publish(ev Event) {
	for _, p := range m.plugins {
		m.dispatchToPlugin(p, ev)
	}
}

// dispatchToPlugin isolates one plugin's panic from the rest, per spec
// §4.4's SubscriberExceptionLoggingHandler contract: "Subscribers that
// throw do not affect other subscribers".
func (m *Manager) dispatchToPlugin(p Plugin, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Any("panic", r).Str("event", ev.Kind.String()).Msg("job plugin panicked")
		}
	}()
	p.Handle(ev)
}

// RunJob drives every test of job to completion and returns once JobEnded
// has been published. Tests run concurrently; RunJob itself never returns
// an error for per-test failures (those are recorded on the Test), only for
// job-level setup problems.
func (m *Manager) RunJob(ctx context.Context, j *model.Job) error {
	if err := j.Setting.Validate(); err != nil {
		return olcerrors.Wrap(olcerrors.KindInvalidArgument, err, "invalid job setting")
	}

	m.mu.Lock()
	m.running[j.ID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, j.ID)
		m.mu.Unlock()
	}()

	m.publish(Event{Kind: EventJobStarting, Job: j})

	var wg sync.WaitGroup
	wg.Add(len(j.Tests))
	for _, test := range j.Tests {
		test := test
		go func() {
			defer wg.Done()
			m.runTest(ctx, j, test)
		}()
	}
	wg.Wait()

	m.publish(Event{Kind: EventJobEnded, Job: j})
	return nil
}

// RunningJobIDs reports every job id currently mid-RunJob. Wired as
// mastersync.RunningJobSource, so Master Sync only reconciles jobs this
// process actually still owns.
func (m *Manager) RunningJobIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) runTest(ctx context.Context, j *model.Job, test *model.Test) {
	m.publish(Event{Kind: EventTestStarting, Job: j, Test: test})

	attempts := j.Setting.Retry.TestAttempts
	if attempts <= 0 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = j.Setting.OverallTimeout

	for attempt := 1; attempt <= attempts; attempt++ {
		last := attempt == attempts
		outcome := m.attemptTest(ctx, j, test)

		switch outcome.kind {
		case attemptOutcomeDone:
			test.SetStatus(model.TestStatusDone, time.Now())
			m.publish(Event{Kind: EventTestEnded, Job: j, Test: test})
			return
		case attemptOutcomeAborted:
			test.Result = model.TestResultError
			test.Cause = &model.ResultCause{Code: olcerrors.KindAllocationAborted.String(), Message: "no idle device available"}
			test.SetStatus(model.TestStatusDone, time.Now())
			m.publish(Event{Kind: EventTestEnded, Job: j, Test: test})
			return
		case attemptOutcomeCancelled:
			if test.Status == model.TestStatusRunning || test.Status == model.TestStatusAssigned {
				test.SetStatus(model.TestStatusSuspended, time.Now())
			} else {
				test.Result = model.TestResultSkip
				test.SetStatus(model.TestStatusDone, time.Now())
			}
			m.publish(Event{Kind: EventTestEnded, Job: j, Test: test})
			return
		case attemptOutcomeRetryable:
			if last {
				test.SetStatus(model.TestStatusDone, time.Now())
				m.publish(Event{Kind: EventTestEnded, Job: j, Test: test})
				return
			}
			requeueForRetry(test, time.Now())
			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				test.SetStatus(model.TestStatusDone, time.Now())
				m.publish(Event{Kind: EventTestEnded, Job: j, Test: test})
				return
			}
			select {
			case <-time.After(jitter(delay)):
			case <-ctx.Done():
				test.Result = model.TestResultError
				test.SetStatus(model.TestStatusDone, time.Now())
				m.publish(Event{Kind: EventTestEnded, Job: j, Test: test})
				return
			}
		}
	}
}

type attemptOutcomeKind int

const (
	attemptOutcomeDone attemptOutcomeKind = iota
	attemptOutcomeAborted
	attemptOutcomeCancelled
	attemptOutcomeRetryable
)

type attemptOutcome struct {
	kind  attemptOutcomeKind
	dirty bool
}

// attemptTest runs a single allocate -> drive -> release cycle for test,
// setting test.Status/Result/Cause as it goes, and returns what the retry
// loop in runTest should do next.
func (m *Manager) attemptTest(ctx context.Context, j *model.Job, test *model.Test) attemptOutcome {
	test.SetStatus(model.TestStatusWaitingAllocation, time.Now())

	req := &scheduler.Request{
		TestID:       test.ID,
		JobID:        j.ID,
		RequiredDims: j.RequiredDims,
		DeviceCount:  1,
		Strategy:     j.Setting.AllocationExitStrategy,
		Priority:     j.Setting.Priority,
		SubmitTime:   time.Now(),
	}

	allocCtx := ctx
	var cancelAlloc context.CancelFunc
	if j.Setting.StartTimeout > 0 {
		allocCtx, cancelAlloc = context.WithTimeout(ctx, j.Setting.StartTimeout)
		defer cancelAlloc()
	}

	ev, err := m.allocate(allocCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return attemptOutcome{kind: attemptOutcomeCancelled}
		}
		// start timeout: treat as retryable, like any other allocation miss.
		return attemptOutcome{kind: attemptOutcomeRetryable}
	}

	if ev.Kind == scheduler.EventAborted {
		return attemptOutcome{kind: attemptOutcomeAborted}
	}

	test.SetStatus(model.TestStatusAssigned, time.Now())

	deviceIDs := ev.Allocation.DeviceIDs
	runErr := m.drive(ctx, j, test, deviceIDs)

	outcome := classifyRunResult(test, runErr)
	for _, id := range deviceIDs {
		m.devices.Release(ctx, id, outcome.dirty)
	}

	return outcome
}

func (m *Manager) drive(ctx context.Context, j *model.Job, test *model.Test, deviceIDs []string) error {
	test.SetStatus(model.TestStatusRunning, time.Now())

	runCtx := ctx
	var cancel context.CancelFunc
	if j.Setting.TestTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, j.Setting.TestTimeout)
		defer cancel()
	}

	if len(deviceIDs) <= 1 {
		chain, err := m.drivers.Build(j.Type)
		if err != nil {
			return olcerrors.Wrap(olcerrors.KindInternal, err, "build driver chain")
		}
		dev := &model.Device{ControlID: firstOrEmpty(deviceIDs)}
		return chain.Run(runCtx, dev, test)
	}

	// multi-device testbed: each device gets a decorator chain terminating
	// in a SynchronizationDriver (spec §4.5); the named driver runs once,
	// as the coordinator's main driver.
	chains := make([]testbed.Chain, len(deviceIDs))
	for i, id := range deviceIDs {
		id := id
		chains[i] = testbedChainFunc(func(ctx context.Context, sync *testbed.Sync) error {
			syncDriver := &synchronizationDriver{sync: sync}
			chain, err := m.drivers.Wrap(j.Type.Decorators, syncDriver)
			if err != nil {
				return err
			}
			return chain.Run(ctx, &model.Device{ControlID: id}, test)
		})
	}

	mainDriver, err := m.drivers.BuildDriver(j.Type.Driver)
	if err != nil {
		return olcerrors.Wrap(olcerrors.KindInternal, err, "build main driver")
	}

	deadline := j.Setting.TestTimeout
	if deadline <= 0 {
		deadline = j.Setting.OverallTimeout
	}

	return m.coord.Run(runCtx, chains, func(ctx context.Context) error {
		return mainDriver.Run(ctx, &model.Device{ControlID: deviceIDs[0]}, test)
	}, deadline)
}

type testbedChainFunc func(ctx context.Context, sync *testbed.Sync) error

func (f testbedChainFunc) Run(ctx context.Context, sync *testbed.Sync) error { return f(ctx, sync) }

// synchronizationDriver is the innermost link of a testbed subdevice chain
// (spec §4.5): it reaches the pre-driver latch, then waits for the
// post-driver latch before letting the chain continue into teardown.
type synchronizationDriver struct {
	sync *testbed.Sync
}

func (d *synchronizationDriver) Run(ctx context.Context, dev *model.Device, test *model.Test) error {
	d.sync.Reached()
	return d.sync.WaitRelease(ctx)
}

func classifyRunResult(test *model.Test, err error) attemptOutcome {
	if err == nil {
		test.Result = model.TestResultPass
		return attemptOutcome{kind: attemptOutcomeDone}
	}

	kind := olcerrors.KindOf(err)
	if errors.Is(err, context.DeadlineExceeded) {
		kind = olcerrors.KindTimeout
	} else if errors.Is(err, context.Canceled) {
		kind = olcerrors.KindCancelled
	}

	switch kind {
	case olcerrors.KindTimeout:
		// spec §4.4: "From RUNNING, a timeout transitions to DONE{TIMEOUT}
		// and the device is released as DIRTY".
		test.Result = model.TestResultTimeout
		test.Cause = &model.ResultCause{Code: olcerrors.KindTimeout.String(), Message: err.Error()}
		return attemptOutcome{kind: attemptOutcomeRetryable, dirty: true}
	case olcerrors.KindCancelled:
		test.Result = model.TestResultSkip
		return attemptOutcome{kind: attemptOutcomeCancelled}
	default:
		test.Result = model.TestResultFail
		test.Cause = &model.ResultCause{Code: olcerrors.KindOf(err).String(), Message: err.Error()}
		return attemptOutcome{kind: attemptOutcomeRetryable}
	}
}

// requeueForRetry transitions test back to WAITING_ALLOCATION for another
// attempt, bridging through SUSPENDED when the test was RUNNING or ASSIGNED
// since that's the only legal path back per the monotonic transition table
// (spec §8; model.validTestTransition).
func requeueForRetry(test *model.Test, now time.Time) {
	if test.Status == model.TestStatusRunning || test.Status == model.TestStatusAssigned {
		test.SetStatus(model.TestStatusSuspended, now)
	}
	test.SetStatus(model.TestStatusWaitingAllocation, now)
}

func firstOrEmpty(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// jitter adds up to 20% random skew to d, per SPEC_FULL.md §C.5's "exponential
// backoff with jitter".
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	skew := time.Duration(rand.Int63n(int64(d) / 5))
	return d + skew
}
