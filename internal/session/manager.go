package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/google/device-infra-sub011/internal/log"
	"github.com/google/device-infra-sub011/internal/model"
)

// JobRunner is the subset of internal/job.Manager the Session Manager needs
// to drive a job submitted during EventSessionStarting to completion.
type JobRunner interface {
	RunJob(ctx context.Context, j *model.Job) error
}

// Manager owns every live Session and runs its lifecycle (spec §4.6).
type Manager struct {
	log       *log.Logger
	runner    JobRunner
	plugins   *PluginRegistry
	retention time.Duration

	sem chan struct{} // bounds concurrently RUNNING sessions (spec §6)

	mu         sync.Mutex
	sessions   map[string]*sessionState
	jobIndex   map[string]string                 // jobID -> sessionID, for job-event routing
	jobCancels map[string]context.CancelFunc // jobID -> per-job cancel, for CancelJob
}

// Option configures a Manager constructed by New.
type Option func(*Manager)

func WithLogger(l *log.Logger) Option { return func(m *Manager) { m.log = l } }

// WithRetention overrides the default 24h session retention window (spec
// §4.6; §6 "session retention window").
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// New constructs a Manager. maxConcurrentSessions bounds how many sessions
// may be RUNNING at once (spec §6, default 30); sessions beyond that stay
// SUBMITTED until a slot frees up.
func New(runner JobRunner, plugins *PluginRegistry, maxConcurrentSessions int, opts ...Option) *Manager {
	if maxConcurrentSessions <= 0 {
		maxConcurrentSessions = 30
	}
	m := &Manager{
		log:       log.Nop(),
		runner:    runner,
		plugins:   plugins,
		retention: 24 * time.Hour,
		sem:       make(chan struct{}, maxConcurrentSessions),
		sessions:   make(map[string]*sessionState),
		jobIndex:   make(map[string]string),
		jobCancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("session_manager")
	return m
}

// sessionState is the mutable, per-session executor state.
type sessionState struct {
	mu      sync.Mutex
	session *model.Session
	plugins []Plugin

	events chan Event
	done   chan struct{} // closed once EventSessionEnded has been dispatched

	cancelOnce sync.Once
	cancelled  bool
	cancelJobs context.CancelFunc

	jobsWG sync.WaitGroup
}

func (st *sessionState) snapshot() *model.SessionDetail {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.session.Detail.Clone()
}

func (st *sessionState) setStatus(status model.SessionStatus, now time.Time) {
	st.mu.Lock()
	st.session.Detail.Status = status
	if status == model.SessionStatusStarting {
		st.session.Detail.StartedAt = now
	}
	st.mu.Unlock()
}

func (st *sessionState) finish(reason model.FinishReason, cause *model.ResultCause, now time.Time) {
	st.mu.Lock()
	st.session.Detail.Status = model.SessionStatusFinished
	st.session.Detail.FinishReason = reason
	st.session.Detail.EndedAt = now
	if cause != nil && st.session.Detail.Error == nil {
		st.session.Detail.Error = cause
	}
	st.mu.Unlock()
}

// recordPluginError keeps the first plugin panic only ("the session's error
// record", spec §7: "Plugin exceptions are captured... other plugins still
// run; the session ends in FINISHED{ERROR}").
func (st *sessionState) recordPluginError(cause *model.ResultCause) {
	st.mu.Lock()
	if st.session.Detail.Error == nil {
		st.session.Detail.Error = cause
	}
	st.mu.Unlock()
}

// CreateSession creates a new Session from cfg and starts its lifecycle
// asynchronously, returning its id immediately (spec §4.6/§8: two calls with
// identical config yield two distinct ids; not idempotent by design).
func (m *Manager) CreateSession(cfg model.SessionConfig) (string, error) {
	plugins, err := m.plugins.Build(cfg.Plugins)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := time.Now()
	st := &sessionState{
		session: &model.Session{
			ID:     id,
			Config: cfg,
			Detail: model.SessionDetail{
				Status:    model.SessionStatusSubmitted,
				CreatedAt: now,
				Outputs:   make(map[string]any),
			},
		},
		plugins: plugins,
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = st
	m.mu.Unlock()

	go m.consume(st)
	go m.drive(context.Background(), st)

	return id, nil
}

// RunSession creates a session from cfg and blocks until it finishes or ctx
// is cancelled, returning the final detail either way (spec §4.6/§7:
// "RunSession returns the final detail even on error").
func (m *Manager) RunSession(ctx context.Context, cfg model.SessionConfig) (*model.SessionDetail, error) {
	id, err := m.CreateSession(cfg)
	if err != nil {
		return nil, err
	}
	st := m.lookup(id)
	select {
	case <-st.done:
		return st.snapshot(), nil
	case <-ctx.Done():
		return st.snapshot(), ctx.Err()
	}
}

func (m *Manager) lookup(id string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// GetSession returns the current detail for id, trimmed by mask if
// non-empty (spec §4.7/§6 field masks).
func (m *Manager) GetSession(id string, mask FieldMask) (*model.SessionDetail, bool) {
	st := m.lookup(id)
	if st == nil {
		return nil, false
	}
	return mask.Apply(st.snapshot()), true
}

// GetAllSessions returns every live-or-retained session's detail, trimmed by
// mask and filtered by filter (filter == nil matches everything).
func (m *Manager) GetAllSessions(mask FieldMask, filter func(*model.Session) bool) []*model.SessionDetail {
	m.mu.Lock()
	states := make([]*sessionState, 0, len(m.sessions))
	for _, st := range m.sessions {
		states = append(states, st)
	}
	m.mu.Unlock()

	out := make([]*model.SessionDetail, 0, len(states))
	for _, st := range states {
		if filter != nil {
			st.mu.Lock()
			ok := filter(st.session)
			st.mu.Unlock()
			if !ok {
				continue
			}
		}
		out = append(out, mask.Apply(st.snapshot()))
	}
	return out
}

// Notify delivers a SessionNotification (spec §4.6). CANCEL_SESSION sets a
// sticky cancelled flag and interrupts in-flight jobs; redundant cancels are
// no-ops (spec §5: "Cancellation is idempotent").
func (m *Manager) Notify(id, payload string) bool {
	st := m.lookup(id)
	if st == nil {
		return false
	}
	if payload == NotificationCancel {
		st.cancelOnce.Do(func() {
			st.mu.Lock()
			st.cancelled = true
			cancel := st.cancelJobs
			st.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		})
	}
	st.mu.Lock()
	ended := st.session.Detail.Status == model.SessionStatusFinished
	st.mu.Unlock()
	if ended {
		return true
	}
	select {
	case st.events <- Event{Kind: EventSessionNotification, Session: st.session, Notification: payload}:
	default:
	}
	return true
}

// SetSessionPluginOutput applies transform to the current output payload for
// type tag typ, under the per-session lock (spec §4.6 CAS semantics).
func (m *Manager) SetSessionPluginOutput(id, typ string, transform func(current any) any) bool {
	st := m.lookup(id)
	if st == nil {
		return false
	}
	st.mu.Lock()
	st.session.Detail.Outputs[typ] = transform(st.session.Detail.Outputs[typ])
	st.mu.Unlock()
	return true
}

// consume is the per-session single-threaded executor: it dispatches every
// queued Event to every registered plugin, in arrival order, on one
// goroutine, giving the strict FIFO ordering spec §4.6/§8 require.
func (m *Manager) consume(st *sessionState) {
	for ev := range st.events {
		for _, p := range st.plugins {
			m.dispatch(st, p, ev)
		}
		if ev.ack != nil {
			close(ev.ack)
		}
		if ev.Kind == EventSessionEnded {
			close(st.done)
			return
		}
	}
}

// dispatch runs one plugin's Handle, isolating a panic into the session's
// error record rather than letting it take down the executor (spec §7:
// "Plugin exceptions are captured... other plugins still run").
func (m *Manager) dispatch(st *sessionState, p Plugin, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Any("panic", r).Str("session", st.session.ID).Msg("session plugin panicked")
			st.recordPluginError(&model.ResultCause{Code: "PLUGIN_PANIC", Message: fmt.Sprint(r)})
		}
	}()
	p.Handle(ev)
}

// send enqueues ev and, if wantAck, blocks until it has been dispatched to
// every plugin.
func (st *sessionState) send(ev Event, wantAck bool) {
	if wantAck {
		ack := make(chan struct{})
		ev.ack = ack
		st.events <- ev
		<-ack
		return
	}
	st.events <- ev
}

// drive runs one session's full lifecycle: acquire a concurrency slot,
// dispatch SessionStarting (collecting submitted jobs), run those jobs to
// completion while forwarding their events, then dispatch SessionEnded.
func (m *Manager) drive(ctx context.Context, st *sessionState) {
	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	jobCtx, cancel := context.WithCancel(ctx)
	st.mu.Lock()
	st.cancelJobs = cancel
	st.mu.Unlock()
	defer cancel()

	now := time.Now()
	st.setStatus(model.SessionStatusStarting, now)

	var jobsMu sync.Mutex
	var submitted []*model.Job
	st.send(Event{
		Kind:    EventSessionStarting,
		Session: st.session,
		Submit: func(j *model.Job) {
			jobsMu.Lock()
			submitted = append(submitted, j)
			jobsMu.Unlock()
			st.mu.Lock()
			st.session.Detail.JobIDs = append(st.session.Detail.JobIDs, j.ID)
			st.mu.Unlock()
			m.mu.Lock()
			m.jobIndex[j.ID] = st.session.ID
			m.mu.Unlock()
		},
	}, true)

	st.setStatus(model.SessionStatusRunning, time.Now())

	var firstErr error
	var errOnce sync.Once
	for _, j := range submitted {
		j := j
		perJobCtx, perJobCancel := context.WithCancel(jobCtx)
		m.mu.Lock()
		m.jobCancels[j.ID] = perJobCancel
		m.mu.Unlock()

		st.jobsWG.Add(1)
		go func() {
			defer st.jobsWG.Done()
			defer perJobCancel()
			if err := m.runner.RunJob(perJobCtx, j); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
			st.send(Event{Kind: EventJobEnded, Session: st.session, Job: j}, false)
		}()
	}
	st.jobsWG.Wait()

	m.mu.Lock()
	for _, j := range submitted {
		delete(m.jobIndex, j.ID)
		delete(m.jobCancels, j.ID)
	}
	m.mu.Unlock()

	reason := model.FinishReasonCompleted
	var cause *model.ResultCause
	st.mu.Lock()
	cancelled := st.cancelled
	pluginErr := st.session.Detail.Error
	st.mu.Unlock()
	switch {
	case cancelled:
		reason = model.FinishReasonCancelled
	case firstErr != nil:
		reason = model.FinishReasonError
		cause = &model.ResultCause{Code: "JOB_ERROR", Message: firstErr.Error()}
	case pluginErr != nil:
		// A plugin (e.g. during EventSessionStarting) recorded an error via
		// recordPluginError. Spec §7: "A session that fails during
		// SessionStarting ends in FINISHED{ERROR} with no jobs" — finish
		// must not silently report COMPLETED just because no job failed.
		reason = model.FinishReasonError
		cause = pluginErr
	}
	st.finish(reason, cause, time.Now())

	st.send(Event{Kind: EventSessionEnded, Session: st.session}, true)

	id := st.session.ID
	time.AfterFunc(m.retention, func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	})
}

// CancelJob force-cancels one running job without affecting the rest of its
// session. Wired as the mastersync.JobEvictor: spec §4.9 "jobs reported dead
// by the master for more than an extra-time window are force-evicted from
// the local job manager". A no-op if jobID isn't currently running.
func (m *Manager) CancelJob(jobID string) bool {
	m.mu.Lock()
	cancel, ok := m.jobCancels[jobID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// RouteJobEvent forwards a job.Manager TestStarting/TestEnded notification
// into the owning session's event stream, if the job belongs to a live
// session. Wired as a global internal/job.Plugin by the composition root, so
// every running job's events reach the right session regardless of which
// internal/job.Manager instance runs it.
func (m *Manager) RouteJobEvent(jobID string, kind EventKind, test *model.Test) {
	m.mu.Lock()
	sessID, ok := m.jobIndex[jobID]
	m.mu.Unlock()
	if !ok {
		return
	}
	st := m.lookup(sessID)
	if st == nil {
		return
	}
	select {
	case st.events <- Event{Kind: kind, Session: st.session, Test: test}:
	default:
		m.log.Warn().Str("session", sessID).Str("job", jobID).Msg("session event queue full, dropping forwarded job event")
	}
}

