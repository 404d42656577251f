package rpc

import (
	"context"

	"google.golang.org/grpc"

	olcerrors "github.com/google/device-infra-sub011/internal/errors"
	"github.com/google/device-infra-sub011/internal/log"
)

// ServerVersion identifies this build, stub/service tuple per spec §4.7.
// Bumped manually; there is no build-time version stamping in this exercise.
const (
	StubVersion    int32 = 1
	ServiceVersion int32 = 1
)

// VersionServiceServer is the Version service of spec §4.7: returns the
// stub/service version tuple, and rejects a connection whose peer declares a
// min-required version exceeding ours.
type VersionServiceServer interface {
	GetVersion(ctx context.Context, req *GetVersionRequest) (*GetVersionResponse, error)
}

type versionService struct {
	log   *log.Logger
	debug bool
}

func NewVersionService(l *log.Logger, debug bool) VersionServiceServer {
	if l == nil {
		l = log.Nop()
	}
	return &versionService{log: l.With("rpc_version"), debug: debug}
}

func (v *versionService) GetVersion(ctx context.Context, req *GetVersionRequest) (*GetVersionResponse, error) {
	return unary(v.log, v.debug, "GetVersion", func(ctx context.Context, req *GetVersionRequest) (*GetVersionResponse, error) {
		if req.MinRequiredVersion > ServiceVersion {
			return nil, olcerrors.Newf(olcerrors.KindVersionIncompatible,
				"server service version %d is below peer's required minimum %d", ServiceVersion, req.MinRequiredVersion)
		}
		return &GetVersionResponse{StubVersion: StubVersion, ServiceVersion: ServiceVersion}, nil
	})(ctx, req)
}

func RegisterVersionServiceServer(s *grpc.Server, srv VersionServiceServer) {
	desc := grpc.ServiceDesc{
		ServiceName: "olc.VersionService",
		HandlerType: (*VersionServiceServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "GetVersion", Handler: unaryGRPCHandler(srv.GetVersion)},
		},
	}
	s.RegisterService(&desc, srv)
}
