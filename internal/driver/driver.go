// Package driver builds the executable decorator chain named by a
// model.JobType (SPEC_FULL.md §C.1), and implements the device
// feature-registry the Scheduler consults before offering an allocation
// (§C.4).
package driver

import (
	"context"
	"fmt"

	"github.com/google/device-infra-sub011/internal/model"
)

// Driver runs a single test attempt against an already-allocated device (or,
// for a testbed subdevice chain, against one device in the set). Drivers are
// the innermost link in a decorator chain.
type Driver interface {
	Run(ctx context.Context, dev *model.Device, test *model.Test) error
}

// Decorator wraps a Driver (or another Decorator) to add behavior — retry
// hooks, screen recording, log capture, whatever the registered factory
// implements — without the wrapped link knowing it's wrapped.
type Decorator interface {
	Driver
}

// Factory constructs one named chain link (driver or decorator). Decorator
// factories receive the next link inward; a driver factory ignores it.
type Factory func(next Driver) Driver

// Registry maps driver/decorator names to Factories, per SPEC_FULL.md §C.1's
// "reflective plugin loading -> compiled-in table" guidance (spec §9).
type Registry struct {
	factories map[string]Factory
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds name to factory. Registering the same name twice is a
// programmer error (composition-root wiring, not runtime input) and panics.
func (r *Registry) Register(name string, factory Factory) {
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("driver: %q already registered", name))
	}
	r.factories[name] = factory
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// BuildDriver constructs the terminal driver instance named by jt.Driver.
// The driver factory is invoked with a nil next, since a driver (as opposed
// to a decorator) is the chain's true innermost link and ignores it.
func (r *Registry) BuildDriver(name string) (Driver, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("driver: unregistered driver %q", name)
	}
	return factory(nil), nil
}

// Wrap nests innermost inside each named decorator, in reverse list order,
// so that decorators[0] ends up outermost (spec §4.4: "decorators wrap the
// driver in the configured nesting order (outermost decorator first in the
// list, innermost last -- its run executes the actual driver)").
//
// For a single-device test, innermost is the JobType's driver (see
// BuildDriver). For a testbed subdevice chain (spec §4.5), innermost is a
// SynchronizationDriver instead — the per-device chain never runs the named
// driver itself; that happens once, separately, as the coordinator's main
// driver.
func (r *Registry) Wrap(decorators []string, innermost Driver) (Driver, error) {
	chain := innermost
	for i := len(decorators) - 1; i >= 0; i-- {
		name := decorators[i]
		factory, ok := r.factories[name]
		if !ok {
			return nil, fmt.Errorf("driver: unregistered decorator %q", name)
		}
		chain = factory(chain)
	}
	return chain, nil
}

// Build is the single-device convenience path: BuildDriver(jt.Driver) then
// Wrap(jt.Decorators, ...).
func (r *Registry) Build(jt model.JobType) (Driver, error) {
	inner, err := r.BuildDriver(jt.Driver)
	if err != nil {
		return nil, err
	}
	return r.Wrap(jt.Decorators, inner)
}

// FeatureRegistry answers whether a device advertises support for a driver
// and every named decorator, consulted by the Scheduler in addition to
// DeviceSelectionOptions.Matches before an allocation is offered (SPEC_FULL.md
// §C.4).
type FeatureRegistry struct{}

// NewFeatureRegistry constructs a FeatureRegistry. It carries no state of its
// own — device-reported capability lists already live on model.Device — but
// is a distinct type so the Scheduler can depend on an interface a test can
// fake, matching spec §9's dependency-injection guidance.
func NewFeatureRegistry() *FeatureRegistry { return &FeatureRegistry{} }

// Supports reports whether dev advertises every capability a JobType needs.
func (FeatureRegistry) Supports(driverName string, decoratorNames []string, dev *model.Device) bool {
	if !dev.SupportsDriver(driverName) {
		return false
	}
	for _, name := range decoratorNames {
		if !dev.SupportsDecorator(name) {
			return false
		}
	}
	return true
}
