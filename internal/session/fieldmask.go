package session

import (
	"time"

	"github.com/google/device-infra-sub011/internal/model"
)

var zeroTime time.Time

// FieldMask trims a SessionDetail to the named top-level fields before it
// crosses the RPC boundary (spec §6: "clients may request partial
// SessionDetail to avoid streaming large outputs"). A nil or empty mask
// means "no trimming".
type FieldMask []string

const (
	FieldStatus  = "status"
	FieldTiming  = "timing"
	FieldOutputs = "outputs"
	FieldError   = "error"
	FieldJobIDs  = "job_ids"
)

func (m FieldMask) has(name string) bool {
	for _, f := range m {
		if f == name {
			return true
		}
	}
	return false
}

// Apply returns a copy of detail with every field not named in m cleared.
// detail is unmodified.
func (m FieldMask) Apply(detail *model.SessionDetail) *model.SessionDetail {
	if len(m) == 0 || detail == nil {
		return detail
	}
	out := detail.Clone()
	if !m.has(FieldStatus) {
		out.Status = 0
		out.FinishReason = 0
	}
	if !m.has(FieldTiming) {
		out.CreatedAt, out.StartedAt, out.EndedAt = zeroTime, zeroTime, zeroTime
	}
	if !m.has(FieldOutputs) {
		out.Outputs = nil
	}
	if !m.has(FieldError) {
		out.Error = nil
	}
	if !m.has(FieldJobIDs) {
		out.JobIDs = nil
	}
	return out
}
