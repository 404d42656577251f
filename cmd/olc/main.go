// Command olc is the composition root for the Orchestration/Long-running
// Controller: it parses flags, wires every core component together exactly
// as spec §9 describes ("constructor wiring, no DI container"), and serves
// the RPC surface until killed.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/google/device-infra-sub011/internal/cache"
	"github.com/google/device-infra-sub011/internal/config"
	"github.com/google/device-infra-sub011/internal/device"
	"github.com/google/device-infra-sub011/internal/driver"
	olcjob "github.com/google/device-infra-sub011/internal/job"
	"github.com/google/device-infra-sub011/internal/log"
	"github.com/google/device-infra-sub011/internal/logmanager"
	"github.com/google/device-infra-sub011/internal/mastersync"
	"github.com/google/device-infra-sub011/internal/rpc"
	"github.com/google/device-infra-sub011/internal/scheduler"
	"github.com/google/device-infra-sub011/internal/session"
	"github.com/google/device-infra-sub011/internal/testbed"
)

func main() {
	os.Exit(run())
}

// run wires and serves the server, returning the process exit code per spec
// §6: 0 normal shutdown, 1 fatal startup error, 2 unhandled panic after the
// shutdown hook has already run.
func run() (code int) {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "olc: ", err)
		return 1
	}

	logger := log.New(log.WithLevel(log.LevelInfo))

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Any("panic", r).Msg("unhandled panic")
			code = 2
		}
	}()

	srv, err := newServer(flags, logger)
	if err != nil {
		logger.Error().Err(err).Msg("fatal startup error")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		return 1
	}
	return 0
}

func parseFlags(args []string) (config.Flags, error) {
	fs := flag.NewFlagSet("olc", flag.ContinueOnError)

	mode := fs.String("mode", string(config.ModeConsole), "deployment mode: console, lab_server, omni_lab, omni_drone")
	rpcAddr := fs.String("rpc_address", "", "override the RPC listen address")
	cacheRoot := fs.String("cache_root", "", "override the cache root directory")
	masterEndpoint := fs.String("master_endpoint", "", "external master endpoint; empty disables Master Sync")
	maxSessions := fs.Int("max_concurrent_sessions", 0, "override the max concurrent RUNNING sessions")
	logBufferSize := fs.Int("log_buffer_size", 0, "override the Log Manager ring buffer capacity")

	if err := fs.Parse(args); err != nil {
		return config.Flags{}, err
	}

	base, err := config.Defaults(config.Mode(*mode))
	if err != nil {
		return config.Flags{}, err
	}

	explicit := config.Flags{
		RPCAddress:            *rpcAddr,
		CacheRoot:             *cacheRoot,
		MasterEndpoint:        *masterEndpoint,
		MaxConcurrentSessions: *maxSessions,
		LogBufferSize:         *logBufferSize,
	}
	return config.Override(base, explicit), nil
}

// server owns every long-running component and the grpc.Server that exposes
// them.
type server struct {
	log   *log.Logger
	flags config.Flags
	start time.Time

	devices    *device.Manager
	sched      *scheduler.Scheduler
	jobs       *olcjob.Manager
	sessions   *session.Manager
	logs       *logmanager.Manager
	cache      *cache.Cache
	sync       *mastersync.Syncer
	grpcServer *grpc.Server
	drainer    *controlDrainer
	killSignal *killSwitch
}

// jobToSessionRouter is the glue job.Plugin wired into olcjob.Manager: it
// forwards TestStarting/TestEnded/JobEnded into the owning session's event
// stream (spec §4.6: "JobEnded, TestStarting, TestEnded — forwarded from the
// job runner"). Constructed before internal/session.Manager exists (the job
// manager needs its plugin list at construction time, and the session
// manager needs the job manager as its JobRunner), so the *session.Manager
// field is set once both sides exist.
type jobToSessionRouter struct {
	sessions *session.Manager
}

func (r *jobToSessionRouter) Handle(ev olcjob.Event) {
	if r.sessions == nil {
		return
	}
	var kind session.EventKind
	switch ev.Kind {
	case olcjob.EventTestStarting:
		kind = session.EventTestStarting
	case olcjob.EventTestEnded:
		kind = session.EventTestEnded
	case olcjob.EventJobEnded:
		kind = session.EventJobEnded
	default:
		return
	}
	r.sessions.RouteJobEvent(ev.Job.ID, kind, ev.Test)
}

// newServer wires every component per spec §9's constructor-injection
// guidance. Detectors, dispatchers, runner factories, concrete drivers and
// decorators are all external collaborators per spec §1's Non-goals — none
// are registered here; a deployment binary providing them would pass them
// into device.New/driver.Registry before calling run.
func newServer(flags config.Flags, logger *log.Logger) (*server, error) {
	s := &server{log: logger, flags: flags, start: time.Now()}

	s.cache = cache.New(flags.CacheRoot, cache.WithLogger(logger))

	s.devices = device.New(nil, nil, nil,
		device.WithLogger(logger),
		device.WithDetectInterval(flags.DeviceDetectionInterval),
	)

	s.sched = scheduler.New(s.devices, 256, scheduler.WithLogger(logger))

	drivers := driver.NewRegistry()
	coord := testbed.New()

	router := &jobToSessionRouter{}
	s.jobs = olcjob.New(s.sched, s.devices, drivers, coord, olcjob.WithLogger(logger), olcjob.WithPlugin(router))

	plugins := session.NewPluginRegistry()
	s.sessions = session.New(s.jobs, plugins, flags.MaxConcurrentSessions,
		session.WithLogger(logger),
		session.WithRetention(flags.SessionRetention),
	)
	router.sessions = s.sessions

	s.logs = logmanager.New(flags.LogBufferSize, logmanager.WithLogger(logger))

	if flags.MasterSyncEnabled() {
		client, err := mastersync.NewGRPCClient(flags.MasterEndpoint)
		if err != nil {
			return nil, fmt.Errorf("dial master endpoint: %w", err)
		}
		s.sync = mastersync.New(client, s.devices, s.jobs, s.sessions,
			flags.MasterHeartbeatInterval, flags.MasterExtraTime,
			mastersync.WithLogger(logger),
		)
	}

	s.drainer = &controlDrainer{sessions: s.sessions}
	s.killSignal = newKillSwitch()

	s.grpcServer = grpc.NewServer()
	rpc.RegisterSessionServiceServer(s.grpcServer, rpc.NewSessionService(s.sessions, logger, false))
	control := rpc.NewControlService(compositeDrainer{s.drainer, s.killSignal}, nil, s.logs, logger, false)
	rpc.RegisterControlServiceServer(s.grpcServer, control)
	rpc.RegisterVersionServiceServer(s.grpcServer, rpc.NewVersionService(logger, false))
	rpc.RegisterLabInfoServiceServer(s.grpcServer, rpc.NewLabInfoService(s.devices, flags.Mode, s.start, logger, false))
	rpc.RegisterLabRecordServiceServer(s.grpcServer, rpc.NewLabRecordService(flags.CacheRoot, logger, false))

	return s, nil
}

// Serve runs every background loop and the RPC listener until ctx is
// cancelled, then shuts down gracefully.
func (s *server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.flags.RPCAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.flags.RPCAddress, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.devices.Run(ctx) }()
	go func() { defer wg.Done(); s.jobs.Start(ctx) }()

	if s.sync != nil {
		wg.Add(1)
		go func() { defer wg.Done(); s.sync.Start(ctx) }()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.grpcServer.Serve(lis) }()

	select {
	case <-ctx.Done():
	case <-s.killSignal.triggered():
	case err := <-serveErr:
		cancel()
		wg.Wait()
		return err
	}

	s.grpcServer.GracefulStop()
	s.devices.Stop()
	s.jobs.Stop()
	if s.sync != nil {
		s.sync.Stop()
	}
	s.logs.Close()
	cancel()
	wg.Wait()
	return nil
}

// controlDrainer implements half of rpc.Drainer: it marks in-flight sessions
// as draining and waits for them to finish naturally or for ctx (the
// KillServer 20s deadline) to expire (SPEC_FULL §C.6). It does not itself
// force-cancel sessions still running at the deadline — compositeDrainer's
// killSwitch does that by unblocking server.Serve's select, which then runs
// grpc.Server.GracefulStop and each subsystem's Stop.
type controlDrainer struct {
	mu       sync.Mutex
	stopped  bool
	sessions *session.Manager
}

func (d *controlDrainer) StopAccepting() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

func (d *controlDrainer) Drain(ctx context.Context) {
	<-ctx.Done()
}

// killSwitch lets KillServer unblock server.Serve's select loop exactly
// once, regardless of how many times KillServer is called.
type killSwitch struct {
	once sync.Once
	ch   chan struct{}
}

func newKillSwitch() *killSwitch { return &killSwitch{ch: make(chan struct{})} }

func (k *killSwitch) fire()                      { k.once.Do(func() { close(k.ch) }) }
func (k *killSwitch) triggered() <-chan struct{} { return k.ch }

// compositeDrainer satisfies rpc.Drainer by running both the session drain
// and the kill switch from a single KillServer call.
type compositeDrainer struct {
	drainer *controlDrainer
	kill    *killSwitch
}

func (c compositeDrainer) StopAccepting() { c.drainer.StopAccepting() }

func (c compositeDrainer) Drain(ctx context.Context) {
	c.drainer.Drain(ctx)
	c.kill.fire()
}
