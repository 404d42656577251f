// Package device implements the Device Manager (spec §4.2): discovery via
// pluggable Detectors and Dispatchers, per-device runners, and a queryable,
// concurrency-safe snapshot of device state.
package device

import (
	"context"
	"time"

	"github.com/google/device-infra-sub011/internal/model"
)

// Detector polls for candidate device serials. Real implementations talk to
// adb, USB enumeration, or a cloud device farm API; spec §1 treats the
// concrete mechanism as an external collaborator — only this interface is
// specified.
type Detector interface {
	// Detect returns the serials currently visible to this detector.
	Detect(ctx context.Context) ([]string, error)
}

// Dispatcher turns a detected serial into a typed Device, or declines it by
// returning ok=false (e.g. a dispatcher for a different device family).
// Dispatchers are tried in a fixed chain order; the first to accept a serial
// wins (spec §4.2: "A chain of Dispatchers turns serials into typed Device
// instances").
type Dispatcher interface {
	Dispatch(ctx context.Context, serial string) (dev *model.Device, ok bool, err error)
}

// DeviceStateChecker is consulted by the manager on release, to decide
// whether a device should be marked DIRTY (spec §4.2).
type DeviceStateChecker interface {
	// CheckState reports the device's health after a test run. needsDirty is
	// true if the device cannot be confirmed healthy, or the test explicitly
	// requested a dirty release.
	CheckState(ctx context.Context, d *model.Device, explicitDirty bool) (health model.HealthState, needsDirty bool)
}

// Runner owns a single device's connection/bootstrap lifecycle (spec §4.2).
// A Runner is created once per known device and lives until the device is
// removed from the manager.
type Runner interface {
	// Start begins the runner's connection/bootstrap work. Returns once the
	// device is either up (and LocalDeviceUp has fired) or the context is
	// cancelled.
	Start(ctx context.Context) error
	// Stop tears the runner down, firing LocalDeviceDown if the device was up.
	Stop(ctx context.Context) error
	// Alive reports whether the runner currently considers its device
	// reachable.
	Alive() bool
	Device() *model.Device
}

// EventKind distinguishes the device-change notifications delivered to
// SubscribeChanges.
type EventKind int

const (
	EventDiscovered EventKind = iota
	EventLost
	EventStatusChanged
)

// Event is delivered to subscribers registered via SubscribeChanges.
type Event struct {
	Kind EventKind
	Time time.Time
	Device *model.Device
}

// RunnerFactory constructs a Runner for a newly-dispatched device. Supplied
// by the composition root, so the manager itself never knows about concrete
// transport details (spec §9: "Dependency injection -> constructor wiring").
type RunnerFactory func(d *model.Device) Runner
