package model

import (
	"errors"
	"time"
)

// AllocationExitStrategy controls what happens to an allocation request that
// reaches the head of the scheduler queue with no idle device available
// (spec §3, §4.3).
type AllocationExitStrategy int

const (
	AllocationExitNormal AllocationExitStrategy = iota
	AllocationExitFailFastNoIdle
)

// RetryPolicy bounds how many times a test is re-attempted after failure
// (spec §3, §4.4).
type RetryPolicy struct {
	TestAttempts int // total attempts, including the first; 1 means no retry
}

// JobSetting carries the timeouts, retry policy, priority and allocation exit
// strategy named in spec §3.
type JobSetting struct {
	StartTimeout   time.Duration
	TestTimeout    time.Duration
	OverallTimeout time.Duration

	Retry    RetryPolicy
	Priority int

	AllocationExitStrategy AllocationExitStrategy
}

// Validate enforces the invariant named in spec §3: "a job's overall timeout
// >= its test timeout + its start timeout".
func (s JobSetting) Validate() error {
	if s.OverallTimeout < s.TestTimeout+s.StartTimeout {
		return errInvalidJobSetting
	}
	return nil
}

// errInvalidJobSetting is a plain sentinel; callers that need the §7 error
// taxonomy (e.g. job.NewJob) wrap it with errors.Wrap(errors.KindInvalidArgument, ...)
// rather than this package importing internal/errors itself and risking a cycle.
var errInvalidJobSetting = errors.New("job overall timeout must be >= test timeout + start timeout")

// JobType names the driver, device type and decorator list that defines how
// a job's tests execute (spec §3, GLOSSARY "Driver/Decorator").
type JobType struct {
	Driver     string
	DeviceType string
	Decorators []string // outermost first, per spec §4.4
}

// Job is the owning unit of one or more Tests, per spec §3.
type Job struct {
	ID   string
	User string

	Type    JobType
	Setting JobSetting

	RequiredDims  []Dimension
	SupportedDims []Dimension
	Params        map[string]string

	Tests []*Test
}

// TestStatus is the per-test state machine of spec §4.4.
type TestStatus int

const (
	TestStatusNew TestStatus = iota
	TestStatusWaitingAllocation
	TestStatusAssigned
	TestStatusRunning
	TestStatusDone
	TestStatusSuspended
)

func (s TestStatus) String() string {
	switch s {
	case TestStatusWaitingAllocation:
		return "WAITING_ALLOCATION"
	case TestStatusAssigned:
		return "ASSIGNED"
	case TestStatusRunning:
		return "RUNNING"
	case TestStatusDone:
		return "DONE"
	case TestStatusSuspended:
		return "SUSPENDED"
	default:
		return "NEW"
	}
}

// TestResult is the outcome of a finished test, per spec §3.
type TestResult int

const (
	TestResultUnspecified TestResult = iota
	TestResultPass
	TestResultFail
	TestResultError
	TestResultSkip
	TestResultTimeout
)

func (r TestResult) String() string {
	switch r {
	case TestResultPass:
		return "PASS"
	case TestResultFail:
		return "FAIL"
	case TestResultError:
		return "ERROR"
	case TestResultSkip:
		return "SKIP"
	case TestResultTimeout:
		return "TIMEOUT"
	default:
		return "UNSPECIFIED"
	}
}

// ResultCause is optional structured detail attached to a TestResult (spec
// §3: "result-with-cause").
type ResultCause struct {
	Code    string
	Message string
}

// LogLine is one append-only entry in a Test's growing log buffer (spec §3).
type LogLine struct {
	Time time.Time
	Text string
}

// Test is a single execution unit against an allocation of one or more
// devices, per spec §3/§4.4. Subtests share the same shape recursively.
type Test struct {
	ID       string
	ParentID string // job ID for a top-level test, else the parent test's ID

	Status TestStatus
	Result TestResult
	Cause  *ResultCause

	CreatedAt  time.Time
	StartedAt  time.Time
	ModifiedAt time.Time
	EndedAt    time.Time

	Log        []LogLine
	Properties map[string]string

	Subtests []*Test
}

// AppendLog appends a line to the test's log buffer, per the append-only
// invariant of spec §3.
func (t *Test) AppendLog(text string, now time.Time) {
	t.Log = append(t.Log, LogLine{Time: now, Text: text})
	t.ModifiedAt = now
}

// SetStatus enforces the monotonic-transition invariant of spec §8: no
// reverse transitions except the idempotent DONE -> DONE.
func (t *Test) SetStatus(next TestStatus, now time.Time) bool {
	if t.Status == TestStatusDone {
		return next == TestStatusDone
	}
	if !validTestTransition(t.Status, next) {
		return false
	}
	t.Status = next
	t.ModifiedAt = now
	return true
}

func validTestTransition(from, to TestStatus) bool {
	switch from {
	case TestStatusNew:
		return to == TestStatusWaitingAllocation || to == TestStatusDone
	case TestStatusWaitingAllocation:
		return to == TestStatusAssigned || to == TestStatusDone || to == TestStatusSuspended
	case TestStatusAssigned:
		return to == TestStatusRunning || to == TestStatusDone || to == TestStatusSuspended
	case TestStatusRunning:
		return to == TestStatusDone || to == TestStatusSuspended
	case TestStatusSuspended:
		return to == TestStatusDone || to == TestStatusWaitingAllocation
	default:
		return false
	}
}

// Allocation binds a Test to an ordered list of devices for its execution,
// per spec §3.
type Allocation struct {
	TestID    string
	DeviceIDs []string
}
