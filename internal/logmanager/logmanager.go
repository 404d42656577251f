// Package logmanager implements the Log Manager of spec §4.8: a ring buffer
// of log records plus a fan-out to subscribers. Writers submit through a
// non-blocking queue; a single dispatcher goroutine drains it, appends to
// the bounded ring, and publishes to every live subscriber through
// internal/eventbus, whose drop-oldest-per-subscriber policy gives the
// "producers never block" property spec §4.8 asks for. Subscribers that
// accumulate more drops than lagThreshold are force-unsubscribed, the
// "subscriber lagged" policy spec §4.8 names.
package logmanager

import (
	"sync"
	"time"

	"github.com/google/device-infra-sub011/internal/eventbus"
	"github.com/google/device-infra-sub011/internal/log"
)

// Importance is a log record's importance tier (spec §4.8).
type Importance int

const (
	ImportanceDebug Importance = iota
	ImportanceNormal
	ImportanceImportant
)

func (i Importance) String() string {
	switch i {
	case ImportanceDebug:
		return "DEBUG"
	case ImportanceImportant:
		return "IMPORTANT"
	default:
		return "NORMAL"
	}
}

// Record is one log entry, per spec §4.8's field list.
type Record struct {
	Time    time.Time
	Level   Importance
	Source  string
	Message string
	Cause   error
}

// Manager is the Log Manager of spec §4.8.
type Manager struct {
	log *log.Logger

	queue chan Record

	mu          sync.Mutex
	ring        *ring
	evictedRing uint64

	bus          *eventbus.Bus[Record]
	lagThreshold int

	subMu sync.Mutex
	subs  map[*eventbus.Subscription[Record]]struct{}

	done chan struct{}
}

// Option configures a Manager constructed by New.
type Option func(*Manager)

func WithLogger(l *log.Logger) Option { return func(m *Manager) { m.log = l } }

// WithLagThreshold overrides the default subscriber-lag drop threshold (in
// dropped records).
func WithLagThreshold(n int) Option {
	return func(m *Manager) { m.lagThreshold = n }
}

// New constructs a Manager with the given ring capacity (spec §6 "log buffer
// size") and starts its dispatcher goroutine. Call Close to stop it.
func New(bufferSize int, opts ...Option) *Manager {
	m := &Manager{
		log:          log.Nop(),
		queue:        make(chan Record, 4096),
		ring:         newRing(bufferSize),
		bus:          eventbus.New[Record](),
		lagThreshold: 1000,
		subs:         make(map[*eventbus.Subscription[Record]]struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("log_manager")
	go m.run()
	return m
}

// Submit enqueues rec without blocking. If the intermediate queue is full,
// the oldest queued record is dropped to make room (spec §4.8
// backpressure).
func (m *Manager) Submit(rec Record) {
	select {
	case m.queue <- rec:
		return
	default:
	}
	select {
	case <-m.queue:
	default:
	}
	select {
	case m.queue <- rec:
	default:
	}
}

// EvictedCount returns how many records were dropped from the ring buffer
// because it was full when a new one arrived.
func (m *Manager) EvictedCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictedRing
}

// Snapshot returns every record currently held in the ring, oldest first.
func (m *Manager) Snapshot() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ring.Slice()
}

// Subscription is a live fan-out feed of new Records, starting from the
// moment Subscribe was called (it does not replay ring history — callers
// that want history should call Snapshot first).
type Subscription struct {
	mgr *Manager
	sub *eventbus.Subscription[Record]
}

// C returns the channel new records are delivered on.
func (s *Subscription) C() <-chan Record { return s.sub.C() }

// Unsubscribe stops delivery and releases the subscription.
func (s *Subscription) Unsubscribe() {
	s.mgr.subMu.Lock()
	delete(s.mgr.subs, s.sub)
	s.mgr.subMu.Unlock()
	s.sub.Unsubscribe()
}

// Subscribe registers a new live feed with the given channel buffer size.
func (m *Manager) Subscribe(bufferSize int) *Subscription {
	sub := m.bus.Subscribe(bufferSize)
	m.subMu.Lock()
	m.subs[sub] = struct{}{}
	m.subMu.Unlock()
	return &Subscription{mgr: m, sub: sub}
}

// Close stops the dispatcher goroutine and drops every subscriber.
func (m *Manager) Close() {
	close(m.done)
	m.bus.CloseAll()
}

func (m *Manager) run() {
	for {
		select {
		case rec := <-m.queue:
			m.mu.Lock()
			if m.ring.Append(rec) {
				m.evictedRing++
			}
			m.mu.Unlock()
			m.bus.Publish(rec)
			m.dropLaggingSubscribers()
		case <-m.done:
			return
		}
	}
}

func (m *Manager) dropLaggingSubscribers() {
	m.subMu.Lock()
	var lagging []*eventbus.Subscription[Record]
	for sub := range m.subs {
		if sub.Dropped() > m.lagThreshold {
			lagging = append(lagging, sub)
			delete(m.subs, sub)
		}
	}
	m.subMu.Unlock()
	for _, sub := range lagging {
		m.log.Warn().Msg("subscriber lagged, dropping")
		sub.Unsubscribe()
	}
}
