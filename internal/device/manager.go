package device

import (
	"context"
	"sync"
	"time"

	"github.com/google/device-infra-sub011/internal/eventbus"
	"github.com/google/device-infra-sub011/internal/log"
	"github.com/google/device-infra-sub011/internal/model"
)

// Manager is the Device Manager of spec §4.2: it polls Detectors, dispatches
// candidates into typed Devices via the Dispatcher chain, owns a Runner per
// known device, and exposes a consistent snapshot to readers while allowing
// add/remove writers to pause detection briefly.
type Manager struct {
	log *log.Logger

	detectors     []Detector
	dispatchers   []Dispatcher
	runnerFactory RunnerFactory
	checker       DeviceStateChecker

	detectInterval time.Duration

	mu      sync.RWMutex
	runners map[string]Runner // controlId -> Runner

	changes *eventbus.Bus[Event]

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager constructed by New.
type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithDetectInterval(d time.Duration) Option {
	return func(m *Manager) { m.detectInterval = d }
}

func WithStateChecker(c DeviceStateChecker) Option {
	return func(m *Manager) { m.checker = c }
}

// New constructs a Manager. detectors and dispatchers are consulted in the
// given order; runnerFactory builds a Runner for each newly-dispatched
// device (spec §9: constructor wiring, no DI container).
func New(detectors []Detector, dispatchers []Dispatcher, runnerFactory RunnerFactory, opts ...Option) *Manager {
	m := &Manager{
		log:            log.Nop(),
		detectors:      detectors,
		dispatchers:    dispatchers,
		runnerFactory:  runnerFactory,
		detectInterval: 2 * time.Second,
		runners:        make(map[string]Runner),
		changes:        eventbus.New[Event](),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("device_manager")
	return m
}

// Run starts the detection poll loop; blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	defer close(m.done)

	ticker := time.NewTicker(m.detectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

// Stop cancels the poll loop started by Run and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

func (m *Manager) pollOnce(ctx context.Context) {
	seen := make(map[string]struct{})

	for _, det := range m.detectors {
		serials, err := det.Detect(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("detector failed")
			continue
		}
		for _, serial := range serials {
			seen[serial] = struct{}{}
			m.dispatch(ctx, serial)
		}
	}

	m.markMissing(seen)
}

func (m *Manager) dispatch(ctx context.Context, serial string) {
	m.mu.RLock()
	_, known := m.runners[serial]
	m.mu.RUnlock()
	if known {
		return
	}

	for _, disp := range m.dispatchers {
		dev, ok, err := disp.Dispatch(ctx, serial)
		if err != nil {
			m.log.Warn().Err(err).Str("serial", serial).Msg("dispatcher failed")
			continue
		}
		if !ok {
			continue
		}
		m.addDevice(ctx, dev)
		return
	}
}

func (m *Manager) addDevice(ctx context.Context, dev *model.Device) {
	dev.Status = model.DeviceStatusPrepping
	dev.StatusUpdatedAt = time.Now()

	runner := m.runnerFactory(dev)

	m.mu.Lock()
	m.runners[dev.ControlID] = runner
	m.mu.Unlock()

	go func() {
		if err := runner.Start(ctx); err != nil {
			m.log.Warn().Err(err).Str("control_id", dev.ControlID).Msg("runner start failed")
			return
		}
		m.setStatus(dev.ControlID, model.DeviceStatusIdle)
		m.changes.Publish(Event{Kind: EventDiscovered, Time: time.Now(), Device: dev.Clone()})
	}()
}

func (m *Manager) markMissing(seen map[string]struct{}) {
	m.mu.Lock()
	var lost []*model.Device
	for id, runner := range m.runners {
		if _, ok := seen[id]; ok {
			continue
		}
		if !runner.Alive() {
			continue
		}
		d := runner.Device()
		if d.Status == model.DeviceStatusMissing {
			continue
		}
		d.Status = model.DeviceStatusMissing
		d.StatusUpdatedAt = time.Now()
		lost = append(lost, d.Clone())
	}
	m.mu.Unlock()

	for _, d := range lost {
		m.changes.Publish(Event{Kind: EventLost, Time: time.Now(), Device: d})
	}
}

// setStatus updates a known device's status and timestamp. Used internally
// and by the scheduler (via SetStatus) to flip a device BUSY/IDLE/DIRTY
// around an allocation (spec §4.2/§4.3).
func (m *Manager) setStatus(controlID string, status model.DeviceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runner, ok := m.runners[controlID]
	if !ok {
		return
	}
	d := runner.Device()
	d.Status = status
	d.StatusUpdatedAt = time.Now()
}

// SetStatus is the exported form of setStatus, used by the scheduler to mark
// a device BUSY on allocation and IDLE/DIRTY on release.
func (m *Manager) SetStatus(controlID string, status model.DeviceStatus) {
	m.setStatus(controlID, status)
	m.mu.RLock()
	runner, ok := m.runners[controlID]
	m.mu.RUnlock()
	if ok {
		m.changes.Publish(Event{Kind: EventStatusChanged, Time: time.Now(), Device: runner.Device().Clone()})
	}
}

// Release is called by the job runner when a test finishes with a device, to
// decide (via the injected DeviceStateChecker) whether the device goes back
// to IDLE or is marked DIRTY (spec §4.2).
func (m *Manager) Release(ctx context.Context, controlID string, explicitDirty bool) {
	m.mu.RLock()
	runner, ok := m.runners[controlID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	d := runner.Device()

	status := model.DeviceStatusIdle
	if m.checker != nil {
		health, dirty := m.checker.CheckState(ctx, d, explicitDirty)
		m.mu.Lock()
		d.Health = health
		m.mu.Unlock()
		if dirty || !runner.Alive() {
			status = model.DeviceStatusDirty
		}
	} else if explicitDirty || !runner.Alive() {
		status = model.DeviceStatusDirty
	}

	m.SetStatus(controlID, status)
}

// Query returns a snapshot of every known device matching filter. A nil
// filter matches everything. The snapshot is safe to retain — it shares no
// mutable state with the manager (spec §4.2: "Readers see a consistent
// snapshot").
func (m *Manager) Query(filter func(*model.Device) bool) []*model.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.Device, 0, len(m.runners))
	for _, runner := range m.runners {
		d := runner.Device()
		if filter == nil || filter(d) {
			out = append(out, d.Clone())
		}
	}
	return out
}

// GetRunner returns the runner for controlID, or nil if unknown.
func (m *Manager) GetRunner(controlID string) Runner {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runners[controlID]
}

// SubscribeChanges registers a new subscriber for discovery/loss/status
// events (spec §4.2).
func (m *Manager) SubscribeChanges(bufferSize int) *eventbus.Subscription[Event] {
	return m.changes.Subscribe(bufferSize)
}

// RemoveDevice drops a device from the manager entirely, stopping its
// runner. Not part of the normal detection loop (which only marks devices
// MISSING) — used for explicit deprovisioning, e.g. an admin command.
func (m *Manager) RemoveDevice(ctx context.Context, controlID string) {
	m.mu.Lock()
	runner, ok := m.runners[controlID]
	if ok {
		delete(m.runners, controlID)
	}
	m.mu.Unlock()
	if ok {
		_ = runner.Stop(ctx)
	}
}
