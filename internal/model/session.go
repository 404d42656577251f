package model

import "time"

// SessionStatus is the session lifecycle state of spec §3/§4.6.
type SessionStatus int

const (
	SessionStatusSubmitted SessionStatus = iota
	SessionStatusStarting
	SessionStatusRunning
	SessionStatusFinished
)

func (s SessionStatus) String() string {
	switch s {
	case SessionStatusStarting:
		return "STARTING"
	case SessionStatusRunning:
		return "RUNNING"
	case SessionStatusFinished:
		return "FINISHED"
	default:
		return "SUBMITTED"
	}
}

// FinishReason further qualifies SessionStatusFinished.
type FinishReason int

const (
	FinishReasonUnspecified FinishReason = iota
	FinishReasonCompleted
	FinishReasonError
	FinishReasonCancelled
)

func (r FinishReason) String() string {
	switch r {
	case FinishReasonCompleted:
		return "COMPLETED"
	case FinishReasonError:
		return "ERROR"
	case FinishReasonCancelled:
		return "CANCELLED"
	default:
		return "UNSPECIFIED"
	}
}

// PluginConfig is one entry of SessionConfig's plugin list: a plugin name
// plus its opaque, per-plugin configuration blob.
type PluginConfig struct {
	Name   string
	Config []byte
}

// SessionConfig is the immutable configuration a session is created with
// (spec §3).
type SessionConfig struct {
	Plugins        []PluginConfig
	ClientMetadata map[string]string
}

// SessionDetail is the mutable half of a session (spec §3): state, timing,
// per-plugin outputs, and any recorded error.
type SessionDetail struct {
	Status       SessionStatus
	FinishReason FinishReason

	CreatedAt  time.Time
	StartedAt  time.Time
	EndedAt    time.Time

	// Outputs maps a plugin-output type tag to its opaque payload. Mutated
	// only through the CAS transform described in spec §3/§4.6.
	Outputs map[string]any

	Error *ResultCause

	JobIDs []string
}

// Clone returns a deep-enough copy suitable for handing to an RPC caller
// without risking a data race with the session's own executor.
func (d *SessionDetail) Clone() *SessionDetail {
	if d == nil {
		return nil
	}
	cp := *d
	if d.Outputs != nil {
		cp.Outputs = make(map[string]any, len(d.Outputs))
		for k, v := range d.Outputs {
			cp.Outputs[k] = v
		}
	}
	cp.JobIDs = append([]string(nil), d.JobIDs...)
	return &cp
}

// Session is the top-level unit of user-visible work (spec §3, GLOSSARY).
type Session struct {
	ID     string
	Config SessionConfig
	Detail SessionDetail
}
