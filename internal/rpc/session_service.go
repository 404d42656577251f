package rpc

import (
	"context"

	"google.golang.org/grpc"

	olcerrors "github.com/google/device-infra-sub011/internal/errors"
	"github.com/google/device-infra-sub011/internal/log"
	"github.com/google/device-infra-sub011/internal/model"
	"github.com/google/device-infra-sub011/internal/session"
)

// SessionServiceServer is the Session service of spec §4.7.
type SessionServiceServer interface {
	CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error)
	RunSession(ctx context.Context, req *RunSessionRequest) (*RunSessionResponse, error)
	GetSession(ctx context.Context, req *GetSessionRequest) (*GetSessionResponse, error)
	GetAllSessions(ctx context.Context, req *GetAllSessionsRequest) (*GetAllSessionsResponse, error)
}

// sessionService implements SessionServiceServer over an internal/session.Manager.
type sessionService struct {
	log     *log.Logger
	debug   bool
	manager *session.Manager
}

// NewSessionService constructs the Session service handler.
func NewSessionService(manager *session.Manager, l *log.Logger, debug bool) SessionServiceServer {
	if l == nil {
		l = log.Nop()
	}
	return &sessionService{log: l.With("rpc_session"), debug: debug, manager: manager}
}

func (s *sessionService) CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	return unary(s.log, s.debug, "CreateSession", func(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
		id, err := s.manager.CreateSession(req.Config.toModel())
		if err != nil {
			return nil, err
		}
		return &CreateSessionResponse{SessionID: id}, nil
	})(ctx, req)
}

func (s *sessionService) RunSession(ctx context.Context, req *RunSessionRequest) (*RunSessionResponse, error) {
	return unary(s.log, s.debug, "RunSession", func(ctx context.Context, req *RunSessionRequest) (*RunSessionResponse, error) {
		detail, err := s.manager.RunSession(ctx, req.Config.toModel())
		// spec §7: "RunSession returns the final detail even on error" — a
		// context-deadline error still carries whatever detail was captured.
		resp := &RunSessionResponse{Detail: sessionDetailToMsg(detail)}
		if err != nil && err != context.DeadlineExceeded && err != context.Canceled {
			return resp, err
		}
		return resp, nil
	})(ctx, req)
}

func (s *sessionService) GetSession(ctx context.Context, req *GetSessionRequest) (*GetSessionResponse, error) {
	return unary(s.log, s.debug, "GetSession", func(ctx context.Context, req *GetSessionRequest) (*GetSessionResponse, error) {
		detail, ok := s.manager.GetSession(req.SessionID, session.FieldMask(toSessionFieldMask(req.FieldMask)))
		if !ok {
			return nil, olcerrors.Newf(olcerrors.KindNotFound, "session %q not found", req.SessionID)
		}
		return &GetSessionResponse{Detail: sessionDetailToMsg(detail)}, nil
	})(ctx, req)
}

func (s *sessionService) GetAllSessions(ctx context.Context, req *GetAllSessionsRequest) (*GetAllSessionsResponse, error) {
	return unary(s.log, s.debug, "GetAllSessions", func(ctx context.Context, req *GetAllSessionsRequest) (*GetAllSessionsResponse, error) {
		var filter func(*model.Session) bool
		if len(req.IDFilter) > 0 {
			want := make(map[string]struct{}, len(req.IDFilter))
			for _, id := range req.IDFilter {
				want[id] = struct{}{}
			}
			filter = func(sess *model.Session) bool {
				_, ok := want[sess.ID]
				return ok
			}
		}
		details := s.manager.GetAllSessions(session.FieldMask(toSessionFieldMask(req.FieldMask)), filter)
		resp := &GetAllSessionsResponse{Details: make([]*SessionDetailMsg, 0, len(details))}
		for _, d := range details {
			resp.Details = append(resp.Details, sessionDetailToMsg(d))
		}
		return resp, nil
	})(ctx, req)
}

// RegisterSessionServiceServer registers srv with s using a hand-written
// grpc.ServiceDesc standing in for a protoc-gen-go-grpc file (spec §4.7 names
// the service; no .proto schema exists in this exercise to generate one
// from). The desc is assembled per-call rather than as a package-level var
// because grpc.MethodDesc handlers must close over srv.
func RegisterSessionServiceServer(s *grpc.Server, srv SessionServiceServer) {
	desc := grpc.ServiceDesc{
		ServiceName: "olc.SessionService",
		HandlerType: (*SessionServiceServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "CreateSession", Handler: unaryGRPCHandler(srv.CreateSession)},
			{MethodName: "RunSession", Handler: unaryGRPCHandler(srv.RunSession)},
			{MethodName: "GetSession", Handler: unaryGRPCHandler(srv.GetSession)},
			{MethodName: "GetAllSessions", Handler: unaryGRPCHandler(srv.GetAllSessions)},
		},
	}
	s.RegisterService(&desc, srv)
}
