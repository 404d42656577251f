// Package job implements the Job Runner of spec §4.4: it drives a Job's
// Tests through the allocation -> running -> done state machine, invokes
// the configured driver/decorator chain (via internal/driver), coordinates
// multi-device tests through internal/testbed, and publishes job lifecycle
// events to registered plugins.
package job

import "github.com/google/device-infra-sub011/internal/model"

// EventKind distinguishes the job lifecycle notifications of spec §4.4.
type EventKind int

const (
	EventJobStarting EventKind = iota
	EventTestStarting
	EventTestEnded
	EventJobEnded
)

func (k EventKind) String() string {
	switch k {
	case EventJobStarting:
		return "JobStarting"
	case EventTestStarting:
		return "TestStarting"
	case EventTestEnded:
		return "TestEnded"
	case EventJobEnded:
		return "JobEnded"
	default:
		return "Unknown"
	}
}

// Event is published, in order, on a job's lifecycle: JobStarting, then one
// TestStarting/TestEnded pair per test (interleaved across concurrently
// running tests), then JobEnded (spec §4.4).
type Event struct {
	Kind EventKind
	Job  *model.Job
	Test *model.Test // nil for EventJobStarting/EventJobEnded
}

// Plugin observes job lifecycle events. Implementations must not block
// significantly — Handle is called synchronously from the runner's event
// dispatch loop, once per registered plugin, in registration order (spec
// §4.4: "internal plugins first, then API plugins... internal see events
// before API plugins").
type Plugin interface {
	Handle(ev Event)
}

// PluginFunc adapts a plain function to Plugin.
type PluginFunc func(ev Event)

func (f PluginFunc) Handle(ev Event) { f(ev) }
