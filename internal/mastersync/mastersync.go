// Package mastersync implements the optional Master Sync component of spec
// §4.9: when an external master endpoint is configured, a periodic task
// reports the local device snapshot and closed tests to it, and polls back
// which jobs the master still considers alive, force-evicting any it has
// declared dead for longer than an extra-time window. Every core function
// must keep working with this package entirely unwired — internal/config's
// Flags.MasterSyncEnabled is the composition root's switch for that.
package mastersync

import (
	"context"
	"sync"
	"time"

	"github.com/google/device-infra-sub011/internal/log"
	"github.com/google/device-infra-sub011/internal/microbatch"
	"github.com/google/device-infra-sub011/internal/model"
)

// Client is the lab-to-master RPC surface this package drives. Concrete
// wire-level transport is out of scope (spec §1 Non-goals); the composition
// root supplies a gRPC-backed implementation.
type Client interface {
	SignUpLab(ctx context.Context, devices []*model.Device) error
	HeartbeatLab(ctx context.Context, devices []*model.Device) error
	CloseTest(ctx context.Context, testIDs []string) error
	GetAliveJobs(ctx context.Context) ([]string, error)
}

// DeviceSource supplies the current device snapshot for SignUpLab/HeartbeatLab.
type DeviceSource interface {
	Query(filter func(*model.Device) bool) []*model.Device
}

// JobEvictor force-cancels a job the master has declared dead. Implemented
// by internal/session.Manager.CancelJob.
type JobEvictor interface {
	CancelJob(jobID string) bool
}

// RunningJobSource reports which job ids are currently running locally, so
// GetAliveJobs results can be restricted to jobs that actually need
// reconciling.
type RunningJobSource interface {
	RunningJobIDs() []string
}

// Syncer runs the periodic Master Sync task.
type Syncer struct {
	log       *log.Logger
	client    Client
	devices   DeviceSource
	jobs      RunningJobSource
	evictor   JobEvictor
	interval  time.Duration
	extraTime time.Duration

	closeTests *microbatch.Batcher[string]

	mu       sync.Mutex
	deadSince map[string]time.Time // jobID -> first time master reported it dead

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Syncer constructed by New.
type Option func(*Syncer)

func WithLogger(l *log.Logger) Option { return func(s *Syncer) { s.log = l } }

// New constructs a Syncer. interval is the SignUpLab/HeartbeatLab/poll
// period (spec §4.9 default 10s); extraTime is how long a job may be
// reported dead before force-eviction (default 1min).
func New(client Client, devices DeviceSource, jobs RunningJobSource, evictor JobEvictor, interval, extraTime time.Duration, opts ...Option) *Syncer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if extraTime <= 0 {
		extraTime = time.Minute
	}
	s := &Syncer{
		log:       log.Nop(),
		client:    client,
		devices:   devices,
		jobs:      jobs,
		evictor:   evictor,
		interval:  interval,
		extraTime: extraTime,
		deadSince: make(map[string]time.Time),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("master_sync")

	// CloseTest notifications batch naturally: several tests often finish in
	// the same heartbeat window, and the master doesn't need a separate RPC
	// per test id.
	s.closeTests = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:       64,
		FlushInterval: time.Second,
	}, func(ctx context.Context, testIDs []string) error {
		return s.client.CloseTest(ctx, testIDs)
	})

	return s
}

// NotifyTestClosed schedules testID to be reported via CloseTest on the next
// batch flush. Safe to call even when the Syncer is stopped (buffered on
// the batcher until Close).
func (s *Syncer) NotifyTestClosed(ctx context.Context, testID string) {
	if _, err := s.closeTests.Submit(ctx, testID); err != nil {
		s.log.Warn().Err(err).Str("test", testID).Msg("dropping CloseTest notification")
	}
}

// Start runs the periodic sync loop until ctx is cancelled or Stop is
// called. Intended to be run in its own goroutine.
func (s *Syncer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.client.SignUpLab(ctx, s.devices.Query(nil)); err != nil {
		s.log.Warn().Err(err).Msg("SignUpLab failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop ends the sync loop and the CloseTest batcher.
func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	_ = s.closeTests.Close()
}

func (s *Syncer) tick(ctx context.Context) {
	devices := s.devices.Query(nil)
	if err := s.client.HeartbeatLab(ctx, devices); err != nil {
		s.log.Warn().Err(err).Msg("HeartbeatLab failed")
		return
	}

	alive, err := s.client.GetAliveJobs(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("GetAliveJobs failed")
		return
	}
	s.reconcileAliveJobs(alive)
}

// reconcileAliveJobs force-evicts any locally-running job the master hasn't
// reported alive for more than extraTime (spec §4.9).
func (s *Syncer) reconcileAliveJobs(alive []string) {
	aliveSet := make(map[string]struct{}, len(alive))
	for _, id := range alive {
		aliveSet[id] = struct{}{}
	}

	now := time.Now()
	running := s.jobs.RunningJobIDs()

	s.mu.Lock()
	defer s.mu.Unlock()

	stillRunning := make(map[string]struct{}, len(running))
	for _, id := range running {
		stillRunning[id] = struct{}{}
		if _, ok := aliveSet[id]; ok {
			delete(s.deadSince, id)
			continue
		}
		first, seen := s.deadSince[id]
		if !seen {
			s.deadSince[id] = now
			continue
		}
		if now.Sub(first) > s.extraTime {
			s.evictor.CancelJob(id)
			delete(s.deadSince, id)
			s.log.Warn().Str("job", id).Msg("force-evicting job master reports dead")
		}
	}
	for id := range s.deadSince {
		if _, ok := stillRunning[id]; !ok {
			delete(s.deadSince, id)
		}
	}
}
