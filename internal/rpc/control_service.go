package rpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/google/device-infra-sub011/internal/log"
	"github.com/google/device-infra-sub011/internal/logmanager"
)

// Drainer lets Control's KillServer give in-flight sessions a chance to
// finish a natural lifecycle step before forcing them down (SPEC_FULL §C.6).
type Drainer interface {
	// StopAccepting prevents any new session from starting.
	StopAccepting()
	// Drain blocks until every in-flight session finishes or ctx expires,
	// force-cancelling whatever is still running when ctx expires.
	Drain(ctx context.Context)
}

// LevelSetter applies a new minimum log level, e.g. internal/log.Logger's
// owning component (the composition root holds the writable config).
type LevelSetter interface {
	SetLevel(level log.Level)
}

// ControlServiceServer is the Control service of spec §4.7.
type ControlServiceServer interface {
	KillServer(ctx context.Context, req *KillServerRequest) (*KillServerResponse, error)
	SetLogLevel(ctx context.Context, req *SetLogLevelRequest) (*SetLogLevelResponse, error)
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
}

type controlService struct {
	log     *log.Logger
	debug   bool
	drainer Drainer
	levels  LevelSetter
	logs    *logmanager.Manager

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewControlService constructs the Control service handler. drainer and
// levels may be nil (KillServer / SetLogLevel then become no-ops beyond
// acknowledging the call); logs must not be nil if GetLog streaming is used.
func NewControlService(drainer Drainer, levels LevelSetter, logs *logmanager.Manager, l *log.Logger, debug bool) *controlService {
	if l == nil {
		l = log.Nop()
	}
	return &controlService{
		log:        l.With("rpc_control"),
		debug:      debug,
		drainer:    drainer,
		levels:     levels,
		logs:       logs,
		shutdownCh: make(chan struct{}),
	}
}

// Shutdown is closed once a KillServer call has completed draining, so the
// composition root's main goroutine can exit cleanly afterward.
func (c *controlService) Shutdown() <-chan struct{} { return c.shutdownCh }

func (c *controlService) KillServer(ctx context.Context, req *KillServerRequest) (*KillServerResponse, error) {
	return unary(c.log, c.debug, "KillServer", func(ctx context.Context, req *KillServerRequest) (*KillServerResponse, error) {
		// spec §4.7: 20s deadline; SPEC_FULL §C.6: stop accepting new
		// sessions immediately, drain in-flight ones, force-cancel at the
		// deadline.
		deadline := time.Now().Add(20 * time.Second)
		drainCtx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()

		if c.drainer != nil {
			c.drainer.StopAccepting()
			c.drainer.Drain(drainCtx)
		}
		c.shutdownOnce.Do(func() { close(c.shutdownCh) })
		return &KillServerResponse{Acknowledged: true}, nil
	})(ctx, req)
}

func (c *controlService) SetLogLevel(ctx context.Context, req *SetLogLevelRequest) (*SetLogLevelResponse, error) {
	return unary(c.log, c.debug, "SetLogLevel", func(ctx context.Context, req *SetLogLevelRequest) (*SetLogLevelResponse, error) {
		if c.levels != nil {
			c.levels.SetLevel(parseLevel(req.Level))
		}
		return &SetLogLevelResponse{}, nil
	})(ctx, req)
}

func (c *controlService) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	return unary(c.log, c.debug, "Heartbeat", func(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
		return &HeartbeatResponse{ServerTime: time.Now()}, nil
	})(ctx, req)
}

func parseLevel(s string) log.Level {
	switch s {
	case "TRACE":
		return log.LevelTrace
	case "DEBUG":
		return log.LevelDebug
	case "INFO":
		return log.LevelInfo
	case "NOTICE":
		return log.LevelNotice
	case "WARN":
		return log.LevelWarn
	case "ERROR":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}

// GetLogStream is the server side of the bidirectional GetLog stream (spec
// §4.7: "client sends a first request opening the stream; server pushes
// GetLogResponse batches until client closes").
type GetLogStream interface {
	Context() context.Context
	Recv() (*GetLogRequest, error)
	Send(*GetLogResponse) error
}

// GetLog implements the server-push half: it reads the client's opening
// request, optionally replays the ring snapshot, then forwards live records
// as batches until the client closes the stream or ctx is done.
func (c *controlService) GetLog(stream GetLogStream) error {
	req, err := stream.Recv()
	if err != nil {
		return toStatus(err)
	}

	if req.SinceSnapshot && c.logs != nil {
		if batch := toLogBatch(c.logs.Snapshot(), req.MinLevel); len(batch) > 0 {
			if err := stream.Send(&GetLogResponse{LogRecords: batch}); err != nil {
				return err
			}
		}
	}

	if c.logs == nil {
		<-stream.Context().Done()
		return nil
	}

	sub := c.logs.Subscribe(256)
	defer sub.Unsubscribe()

	const flushInterval = 200 * time.Millisecond
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var pending []logmanager.Record
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case rec, ok := <-sub.C():
			if !ok {
				return nil
			}
			pending = append(pending, rec)
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			batch := toLogBatch(pending, req.MinLevel)
			pending = nil
			if len(batch) == 0 {
				continue
			}
			if err := stream.Send(&GetLogResponse{LogRecords: batch}); err != nil {
				return err
			}
		}
	}
}

func toLogBatch(recs []logmanager.Record, minLevel int) []LogRecordMsg {
	out := make([]LogRecordMsg, 0, len(recs))
	for _, r := range recs {
		if int(r.Level) < minLevel {
			continue
		}
		msg := LogRecordMsg{Time: r.Time, Level: int(r.Level), Source: r.Source, Message: r.Message}
		if r.Cause != nil {
			msg.Cause = r.Cause.Error()
		}
		out = append(out, msg)
	}
	return out
}

// ControlServiceServerWithStream is the full interface grpc registration
// needs (unary methods plus GetLog), split from ControlServiceServer so test
// doubles needing only the unary surface can satisfy the smaller interface.
type ControlServiceServerWithStream interface {
	ControlServiceServer
	GetLog(stream GetLogStream) error
}

// RegisterControlServiceServer registers srv with s.
func RegisterControlServiceServer(s *grpc.Server, srv ControlServiceServerWithStream) {
	desc := grpc.ServiceDesc{
		ServiceName: "olc.ControlService",
		HandlerType: (*ControlServiceServerWithStream)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "KillServer", Handler: unaryGRPCHandler(srv.KillServer)},
			{MethodName: "SetLogLevel", Handler: unaryGRPCHandler(srv.SetLogLevel)},
			{MethodName: "Heartbeat", Handler: unaryGRPCHandler(srv.Heartbeat)},
		},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "GetLog",
				ServerStreams: true,
				ClientStreams: true,
				Handler: func(srvIface any, stream grpc.ServerStream) error {
					return srv.GetLog(&grpcLogStream{stream: stream})
				},
			},
		},
	}
	s.RegisterService(&desc, srv)
}

// grpcLogStream adapts a grpc.ServerStream to GetLogStream.
type grpcLogStream struct {
	stream grpc.ServerStream
}

func (g *grpcLogStream) Context() context.Context { return g.stream.Context() }

func (g *grpcLogStream) Recv() (*GetLogRequest, error) {
	req := new(GetLogRequest)
	if err := g.stream.RecvMsg(req); err != nil {
		return nil, err
	}
	return req, nil
}

func (g *grpcLogStream) Send(resp *GetLogResponse) error {
	return g.stream.SendMsg(resp)
}
