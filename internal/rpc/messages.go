package rpc

import (
	"time"

	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"github.com/google/device-infra-sub011/internal/model"
)

// PluginConfigMsg is the wire form of model.PluginConfig.
type PluginConfigMsg struct {
	Name   string
	Config []byte
}

// SessionConfigMsg is the wire form of model.SessionConfig.
type SessionConfigMsg struct {
	Plugins        []PluginConfigMsg
	ClientMetadata map[string]string
}

func (m SessionConfigMsg) toModel() model.SessionConfig {
	cfg := model.SessionConfig{ClientMetadata: m.ClientMetadata}
	for _, p := range m.Plugins {
		cfg.Plugins = append(cfg.Plugins, model.PluginConfig{Name: p.Name, Config: p.Config})
	}
	return cfg
}

// ResultCauseMsg is the wire form of model.ResultCause.
type ResultCauseMsg struct {
	Code    string
	Message string
}

// SessionDetailMsg is the wire form of model.SessionDetail.
type SessionDetailMsg struct {
	Status       string
	FinishReason string

	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time

	Outputs map[string]any
	Error   *ResultCauseMsg
	JobIDs  []string
}

func sessionDetailToMsg(d *model.SessionDetail) *SessionDetailMsg {
	if d == nil {
		return nil
	}
	msg := &SessionDetailMsg{
		Status:       d.Status.String(),
		FinishReason: d.FinishReason.String(),
		CreatedAt:    d.CreatedAt,
		StartedAt:    d.StartedAt,
		EndedAt:      d.EndedAt,
		Outputs:      d.Outputs,
		JobIDs:       d.JobIDs,
	}
	if d.Error != nil {
		msg.Error = &ResultCauseMsg{Code: d.Error.Code, Message: d.Error.Message}
	}
	return msg
}

// CreateSessionRequest is the Session service's CreateSession payload.
type CreateSessionRequest struct {
	Config SessionConfigMsg
}

// CreateSessionResponse carries the new session's id.
type CreateSessionResponse struct {
	SessionID string
}

// RunSessionRequest is the Session service's RunSession payload. The gRPC
// call deadline (not a field here) bounds how long the server waits for the
// session to finish, per spec §4.7.
type RunSessionRequest struct {
	Config SessionConfigMsg
}

// RunSessionResponse carries the finished (or deadline-truncated) detail.
type RunSessionResponse struct {
	Detail *SessionDetailMsg
}

// GetSessionRequest requests one session's detail, optionally trimmed by
// FieldMask (spec §6 "clients may request partial SessionDetail").
type GetSessionRequest struct {
	SessionID string
	FieldMask *fieldmaskpb.FieldMask
}

type GetSessionResponse struct {
	Detail *SessionDetailMsg
}

// GetAllSessionsRequest lists every session, optionally trimmed by FieldMask
// and restricted to ids in IDFilter (empty means no filtering).
type GetAllSessionsRequest struct {
	FieldMask *fieldmaskpb.FieldMask
	IDFilter  []string
}

type GetAllSessionsResponse struct {
	Details []*SessionDetailMsg
}

func toSessionFieldMask(m *fieldmaskpb.FieldMask) []string {
	if m == nil {
		return nil
	}
	return m.GetPaths()
}

// KillServerRequest carries no fields; present for symmetry with the other
// unary requests and future extension.
type KillServerRequest struct{}

type KillServerResponse struct {
	Acknowledged bool
}

type SetLogLevelRequest struct {
	Level string
}

type SetLogLevelResponse struct{}

type HeartbeatRequest struct{}

type HeartbeatResponse struct {
	ServerTime time.Time
}

// GetLogRequest opens the GetLog stream (spec §4.7: "client sends a first
// request opening the stream"). SinceSnapshot requests ring-buffer replay
// before live records; Level filters the stream to records at or above it.
type GetLogRequest struct {
	SinceSnapshot bool
	MinLevel      int
}

// GetLogResponse is one batch of log records pushed to the client.
type GetLogResponse struct {
	LogRecords []LogRecordMsg
}

type LogRecordMsg struct {
	Time    time.Time
	Level   int
	Source  string
	Message string
	Cause   string
}

type GetVersionRequest struct {
	// MinRequiredVersion is the caller's own minimum acceptable peer version;
	// the connection is rejected (spec §4.7) if ours is lower.
	MinRequiredVersion int32
}

type GetVersionResponse struct {
	StubVersion    int32
	ServiceVersion int32
}

// GetLabInfoRequest carries no fields.
type GetLabInfoRequest struct{}

type GetLabInfoResponse struct {
	Hostname       string
	DeploymentMode string
	Devices        []DeviceSnapshotMsg
	UptimeSeconds  float64
}

type DeviceSnapshotMsg struct {
	ControlID   string
	Serial      string
	ProductType string
	Status      string
	Health      string
}

// RecordTestResultRequest is LabRecordService's fire-and-forget sink (spec
// SPEC_FULL §C.3), independent of the Master Sync path.
type RecordTestResultRequest struct {
	SessionID string
	JobID     string
	TestID    string
	Status    string
	Cause     *ResultCauseMsg
}

type RecordTestResultResponse struct{}
