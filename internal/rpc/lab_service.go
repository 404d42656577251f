package rpc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"

	"github.com/google/device-infra-sub011/internal/config"
	"github.com/google/device-infra-sub011/internal/log"
	"github.com/google/device-infra-sub011/internal/model"
)

// DeviceSource supplies the current device snapshot for LabInfoService.
type DeviceSource interface {
	Query(filter func(*model.Device) bool) []*model.Device
}

// LabInfoServiceServer is the SUPPLEMENTED LabInfoService of SPEC_FULL §C.3.
type LabInfoServiceServer interface {
	GetLabInfo(ctx context.Context, req *GetLabInfoRequest) (*GetLabInfoResponse, error)
}

type labInfoService struct {
	log     *log.Logger
	debug   bool
	devices DeviceSource
	mode    config.Mode
	start   time.Time
}

// NewLabInfoService constructs the LabInfoService handler. start should be
// the process's own startup time, for UptimeSeconds.
func NewLabInfoService(devices DeviceSource, mode config.Mode, start time.Time, l *log.Logger, debug bool) LabInfoServiceServer {
	if l == nil {
		l = log.Nop()
	}
	return &labInfoService{log: l.With("rpc_lab_info"), debug: debug, devices: devices, mode: mode, start: start}
}

func (s *labInfoService) GetLabInfo(ctx context.Context, req *GetLabInfoRequest) (*GetLabInfoResponse, error) {
	return unary(s.log, s.debug, "GetLabInfo", func(ctx context.Context, req *GetLabInfoRequest) (*GetLabInfoResponse, error) {
		hostname, _ := os.Hostname()
		var snapshots []DeviceSnapshotMsg
		if s.devices != nil {
			for _, d := range s.devices.Query(nil) {
				snapshots = append(snapshots, DeviceSnapshotMsg{
					ControlID:   d.ControlID,
					Serial:      d.Serial,
					ProductType: d.Properties.ProductType,
					Status:      d.Status.String(),
					Health:      d.Health.String(),
				})
			}
		}
		return &GetLabInfoResponse{
			Hostname:       hostname,
			DeploymentMode: string(s.mode),
			Devices:        snapshots,
			UptimeSeconds:  time.Since(s.start).Seconds(),
		}, nil
	})(ctx, req)
}

func RegisterLabInfoServiceServer(s *grpc.Server, srv LabInfoServiceServer) {
	desc := grpc.ServiceDesc{
		ServiceName: "olc.LabInfoService",
		HandlerType: (*LabInfoServiceServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "GetLabInfo", Handler: unaryGRPCHandler(srv.GetLabInfo)},
		},
	}
	s.RegisterService(&desc, srv)
}

// LabRecordServiceServer is the SUPPLEMENTED LabRecordService of SPEC_FULL
// §C.3: a fire-and-forget sink a plugin can call to persist a test result to
// the local output directory layout, independent of the Master Sync path.
type LabRecordServiceServer interface {
	RecordTestResult(ctx context.Context, req *RecordTestResultRequest) (*RecordTestResultResponse, error)
}

type labRecordService struct {
	log   *log.Logger
	debug bool
	root  string // output directory root, one subdirectory per session (spec §6)
}

// NewLabRecordService constructs the LabRecordService handler. root is the
// output directory root named in spec §6 ("Session output on disk").
func NewLabRecordService(root string, l *log.Logger, debug bool) LabRecordServiceServer {
	if l == nil {
		l = log.Nop()
	}
	return &labRecordService{log: l.With("rpc_lab_record"), debug: debug, root: root}
}

func (s *labRecordService) RecordTestResult(ctx context.Context, req *RecordTestResultRequest) (*RecordTestResultResponse, error) {
	return unary(s.log, s.debug, "RecordTestResult", func(ctx context.Context, req *RecordTestResultRequest) (*RecordTestResultResponse, error) {
		dir := filepath.Join(s.root, req.SessionID, "results", req.JobID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.log.Warn().Err(err).Str("session", req.SessionID).Msg("failed to create result directory")
			return &RecordTestResultResponse{}, nil
		}
		data, err := json.Marshal(req)
		if err != nil {
			return &RecordTestResultResponse{}, nil
		}
		path := filepath.Join(dir, req.TestID+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("failed to write test result")
		}
		return &RecordTestResultResponse{}, nil
	})(ctx, req)
}

func RegisterLabRecordServiceServer(s *grpc.Server, srv LabRecordServiceServer) {
	desc := grpc.ServiceDesc{
		ServiceName: "olc.LabRecordService",
		HandlerType: (*LabRecordServiceServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "RecordTestResult", Handler: unaryGRPCHandler(srv.RecordTestResult)},
		},
	}
	s.RegisterService(&desc, srv)
}
