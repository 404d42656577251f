// Package scheduler implements the Scheduler & Device Selection component of
// spec §4.3: a single-threaded matching loop that binds queued allocation
// requests to idle devices using DeviceSelectionOptions.Matches plus a
// required-dimensions check, with priority/submit-time/FIFO queue ordering
// and least-recently-used device tie-breaking.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/google/device-infra-sub011/internal/log"
	"github.com/google/device-infra-sub011/internal/model"
)

// DeviceSource is the subset of internal/device.Manager the scheduler needs.
// Declared locally (rather than importing internal/device) so the scheduler
// can be tested against a fake and so device<->scheduler stays a one-way
// dependency wired up by the composition root.
type DeviceSource interface {
	Query(filter func(*model.Device) bool) []*model.Device
	SetStatus(controlID string, status model.DeviceStatus)
}

// EventKind distinguishes the outcomes delivered by Scheduler's event bus.
type EventKind int

const (
	// EventAllocated fires when a Request is fully matched.
	EventAllocated EventKind = iota
	// EventAborted fires when a FAIL_FAST_NO_IDLE request reaches the head of
	// the queue with no idle device available.
	EventAborted
)

// Event is published once per resolved Request (matched or aborted).
type Event struct {
	Kind       EventKind
	Request    *Request
	Allocation model.Allocation // valid only when Kind == EventAllocated
}

// Request is one allocation request placed on the scheduler queue by the Job
// Runner, per spec §4.3 ("Each allocation request carries the originating
// test, its job's DeviceSelectionOptions, its required dimensions, and its
// AllocationExitStrategy").
//
// DeviceCount generalizes the single-device case to spec §4.5's multi-device
// testbeds: every device in the allocation is matched against the same
// Options/RequiredDims (the spec is silent on heterogeneous per-device
// selection within one testbed; see DESIGN.md).
type Request struct {
	TestID       string
	JobID        string
	Options      *model.DeviceSelectionOptions
	RequiredDims []model.Dimension
	DeviceCount  int
	Strategy     model.AllocationExitStrategy
	Priority     int
	SubmitTime   time.Time

	seq int64 // insertion order, for stable FIFO tie-break
}

// Scheduler owns the allocation request queue and drives the matching loop
// described in spec §4.3.
type Scheduler struct {
	log *log.Logger

	devices DeviceSource

	mu      sync.Mutex
	queue   []*Request
	nextSeq int64

	events chan Event
}

// Option configures a Scheduler constructed by New.
type Option func(*Scheduler)

func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// New constructs a Scheduler bound to devices. eventBuffer sizes the channel
// returned by Events; a full channel blocks Publish, so callers should size
// it generously or drain promptly.
func New(devices DeviceSource, eventBuffer int, opts ...Option) *Scheduler {
	if eventBuffer <= 0 {
		eventBuffer = 64
	}
	s := &Scheduler{
		log:     log.Nop(),
		devices: devices,
		events:  make(chan Event, eventBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("scheduler")
	return s
}

// Events returns the channel allocation/abort outcomes are delivered on.
func (s *Scheduler) Events() <-chan Event { return s.events }

// Enqueue places req on the queue and immediately attempts to resolve it
// (along with the rest of the queue) against the current idle pool.
func (s *Scheduler) Enqueue(req *Request) {
	s.mu.Lock()
	s.nextSeq++
	req.seq = s.nextSeq
	s.queue = append(s.queue, req)
	s.mu.Unlock()

	s.Reconcile()
}

// Reconcile re-walks the queue against the current device state. Call this
// whenever device state changes (e.g. from a device.Manager status-change
// subscription) as well as after Enqueue.
func (s *Scheduler) Reconcile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcileLocked()
}

func (s *Scheduler) reconcileLocked() {
	if len(s.queue) == 0 {
		return
	}

	sortQueue(s.queue)

	remaining := s.queue[:0:0]
	for _, req := range s.queue {
		idle := s.idleDevicesLocked()
		matched := matchDevices(idle, req)
		if matched != nil {
			s.bindLocked(req, matched)
			continue
		}
		if req.Strategy == model.AllocationExitFailFastNoIdle && len(idle) == 0 {
			s.log.Debug().Str("test_id", req.TestID).Msg("aborting allocation: no idle devices")
			s.publish(Event{Kind: EventAborted, Request: req})
			continue
		}
		remaining = append(remaining, req)
	}
	s.queue = remaining
}

// idleDevicesLocked returns idle devices ordered least-recently-used first
// (oldest StatusUpdatedAt first), per spec §4.3's device tie-break.
func (s *Scheduler) idleDevicesLocked() []*model.Device {
	idle := s.devices.Query(func(d *model.Device) bool { return d.Status == model.DeviceStatusIdle })
	sort.SliceStable(idle, func(i, j int) bool {
		return idle[i].StatusUpdatedAt.Before(idle[j].StatusUpdatedAt)
	})
	return idle
}

func (s *Scheduler) bindLocked(req *Request, devices []*model.Device) {
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = deviceID(d)
		s.devices.SetStatus(ids[i], model.DeviceStatusBusy)
	}
	s.log.Debug().Str("test_id", req.TestID).Int("device_count", len(ids)).Msg("allocation matched")
	s.publish(Event{Kind: EventAllocated, Request: req, Allocation: model.Allocation{TestID: req.TestID, DeviceIDs: ids}})
}

func (s *Scheduler) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
		// Channel full: drop the event rather than block the matching loop.
		// A caller that cares about every event must size the buffer to its
		// own drain rate; spec §4.3 only promises in-order delivery within
		// one resolution pass, not an unbounded queue.
		s.log.Warn().Msg("scheduler event channel full, dropping event")
	}
}

// sortQueue implements spec §4.3's tie-break chain: priority desc, submit
// time asc, then stable FIFO by insertion order.
func sortQueue(q []*Request) {
	sort.SliceStable(q, func(i, j int) bool {
		if q[i].Priority != q[j].Priority {
			return q[i].Priority > q[j].Priority
		}
		if !q[i].SubmitTime.Equal(q[j].SubmitTime) {
			return q[i].SubmitTime.Before(q[j].SubmitTime)
		}
		return q[i].seq < q[j].seq
	})
}

// matchDevices finds req.DeviceCount distinct idle devices (already LRU
// ordered) each satisfying req.Options and req.RequiredDims, or nil if not
// enough are available.
func matchDevices(idle []*model.Device, req *Request) []*model.Device {
	want := req.DeviceCount
	if want <= 0 {
		want = 1
	}
	var out []*model.Device
	for _, d := range idle {
		if !req.Options.Matches(d) {
			continue
		}
		if !satisfiesDims(d, req.RequiredDims) {
			continue
		}
		out = append(out, d)
		if len(out) == want {
			return out
		}
	}
	return nil
}

// satisfiesDims reports whether d's supported dimensions cover every
// required dimension's value set (spec §3: "required and supported
// dimensions"; GLOSSARY "Dimension").
func satisfiesDims(d *model.Device, required []model.Dimension) bool {
	for _, req := range required {
		if !deviceSupportsDimension(d, req) {
			return false
		}
	}
	return true
}

func deviceSupportsDimension(d *model.Device, required model.Dimension) bool {
	for _, sup := range d.SupportedDims {
		if sup.Name != required.Name {
			continue
		}
		for _, want := range required.Values {
			if !containsValue(sup.Values, want) {
				return false
			}
		}
		return true
	}
	return false
}

func containsValue(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func deviceID(d *model.Device) string {
	if d.Serial != "" {
		return d.Serial
	}
	return d.ControlID
}
