// Package supervisor runs one background worker for a workspace: it starts,
// stops and restarts the worker, watches it with periodic health, memory
// cleanup and external sync tasks, and gives up after a bounded number of
// automatic restarts.
//
// All state changes happen on a single control goroutine. Host calls,
// process exits and task results are messages to that goroutine; Status is
// served from an atomically published snapshot.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/agentvisor/internal/clock"
	"github.com/loykin/agentvisor/internal/config"
	"github.com/loykin/agentvisor/internal/detector"
	"github.com/loykin/agentvisor/internal/env"
	"github.com/loykin/agentvisor/internal/history"
	"github.com/loykin/agentvisor/internal/logger"
	"github.com/loykin/agentvisor/internal/memory"
	"github.com/loykin/agentvisor/internal/process"
	"github.com/loykin/agentvisor/internal/remote"
	"github.com/loykin/agentvisor/internal/schedule"
)

// WorkerProtocol is passed to the built-in worker so both sides can evolve
// their flags independently.
const WorkerProtocol = 1

// SpecFunc builds the worker spec for a run.
type SpecFunc func(cfg config.Config, paths config.Paths) (process.Spec, error)

// Options wires a Supervisor. Only Workspace is required.
type Options struct {
	Workspace string
	// Loader supplies configuration. Default: the workspace config file.
	Loader config.Loader
	// Source is the external sync collaborator. Default: built from the
	// sync section of the configuration, or remote.Noop.
	Source remote.Source
	// Recorder receives lifecycle history. Nil drops events.
	Recorder *history.Recorder
	// Sink is the activity log. Default: <state dir>/activity.log.
	Sink   logger.Sink
	Logger *slog.Logger
	Clock  clock.Clock
	// Spec overrides how the worker is launched. Default: DefaultSpec.
	Spec SpecFunc
	// MemoryProbe reports the supervisor's resident memory in bytes.
	// Default: process.SelfRSS.
	MemoryProbe func() (uint64, error)
	// Probes are extra liveness checks run by the health task.
	Probes []detector.Detector
}

type action int

const (
	actionStart action = iota
	actionStop
	actionRestart
	actionClose
)

func (a action) String() string {
	return [...]string{"start", "stop", "restart", "close"}[a]
}

type request struct {
	action action
	reply  chan Result
}

type Supervisor struct {
	paths    config.Paths
	loader   config.Loader
	logger   *slog.Logger
	clock    clock.Clock
	store    *memory.Store
	sink     logger.Sink
	ownsSink bool
	recorder *history.Recorder
	specFn   SpecFunc
	memProbe func() (uint64, error)
	probes   []detector.Detector
	source   remote.Source // from Options; nil means build from config

	inbox chan any
	done  chan struct{}

	snapshot atomic.Pointer[Status]
	current  atomic.Pointer[process.Process]

	closeOnce sync.Once
	closeRes  Result

	// Owned by the control goroutine.
	cfg               config.Config
	policy            Policy
	state             State
	proc              *process.Process
	startedAt         time.Time
	restarts          int
	gen               uint64
	sched             *schedule.Scheduler
	activeSource      remote.Source
	externalConnected bool
	lastExit          *process.Exit
	lastStartedAt     time.Time
	lastHealth        *HealthResult
}

// New builds a Supervisor, loads configuration and the memory snapshot
// (both best effort) and starts the control goroutine. The worker is not
// started until Start is called.
func New(opts Options) (*Supervisor, error) {
	if opts.Workspace == "" {
		return nil, errors.New("supervisor requires a workspace")
	}
	paths := config.PathsFor(opts.Workspace)
	if err := os.MkdirAll(paths.StateDir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	s := &Supervisor{
		paths:    paths,
		loader:   opts.Loader,
		logger:   lg.With("workspace", paths.Workspace),
		clock:    clk,
		recorder: opts.Recorder,
		specFn:   opts.Spec,
		memProbe: opts.MemoryProbe,
		probes:   opts.Probes,
		source:   opts.Source,
		inbox:    make(chan any, 16),
		done:     make(chan struct{}),
	}
	if s.loader == nil {
		s.loader = config.FileLoader{Path: paths.Config}
	}
	if s.specFn == nil {
		s.specFn = DefaultSpec
	}
	if s.memProbe == nil {
		s.memProbe = process.SelfRSS
	}
	s.loadConfig()

	s.sink = opts.Sink
	if s.sink == nil {
		s.sink = logger.NewLogSink(paths.ActivityLog, s.cfg.Log)
		s.ownsSink = true
	}

	s.store = memory.New(paths.Memory, memory.WithNow(clk.Now))
	if err := s.store.Load(); err != nil {
		s.logger.Warn("memory snapshot unreadable, starting empty", "path", paths.Memory, "error", err)
	}

	s.publish()
	go s.run()
	return s, nil
}

// loadConfig reloads configuration. Unset fields take defaults; a failing
// loader keeps whatever usable config it returned, otherwise defaults.
func (s *Supervisor) loadConfig() {
	cfg, err := s.loader.Load()
	cfg = cfg.WithDefaults()
	if err != nil {
		s.logger.Warn("config load failed, using fallback", "error", err)
	}
	if verr := cfg.Validate(); verr != nil {
		if err == nil {
			s.logger.Warn("invalid config, using defaults", "error", verr)
		}
		cfg = config.Defaults()
	}
	s.cfg = cfg
	s.policy = PolicyFrom(cfg.Health)
}

// DefaultSpec launches the built-in worker entry point, or worker.command
// when configured.
func DefaultSpec(cfg config.Config, paths config.Paths) (process.Spec, error) {
	spec := process.Spec{
		Name:             "worker",
		WorkDir:          paths.Workspace,
		Log:              cfg.Log,
		OutputBufferSize: cfg.Worker.OutputBufferSize,
	}
	if cfg.Worker.WorkDir != "" {
		spec.WorkDir = cfg.Worker.WorkDir
	}
	switch {
	case cfg.Worker.Command != "" && len(cfg.Worker.Args) > 0:
		spec.Path, spec.Args = cfg.Worker.Command, cfg.Worker.Args
	case cfg.Worker.Command != "":
		spec.Command = cfg.Worker.Command
	default:
		exe, err := os.Executable()
		if err != nil {
			return process.Spec{}, fmt.Errorf("locate worker binary: %w", err)
		}
		spec.Path = exe
		spec.Args = []string{
			"worker",
			"--workspace", paths.Workspace,
			"--port", strconv.Itoa(cfg.Port),
			"--log-level", cfg.LogLevel,
			"--protocol", strconv.Itoa(WorkerProtocol),
		}
	}
	extra, err := cfg.WorkerEnv()
	if err != nil {
		return process.Spec{}, err
	}
	spec.Env = env.FromOS().
		Set(config.EnvPrefix+"_WORKSPACE", paths.Workspace).
		Set(config.EnvPrefix+"_PORT", strconv.Itoa(cfg.Port)).
		Set(config.EnvPrefix+"_LOG_LEVEL", cfg.LogLevel).
		Merge(extra)
	return spec, nil
}

func (s *Supervisor) Start(ctx context.Context) Result   { return s.call(ctx, actionStart) }
func (s *Supervisor) Stop(ctx context.Context) Result    { return s.call(ctx, actionStop) }
func (s *Supervisor) Restart(ctx context.Context) Result { return s.call(ctx, actionRestart) }

// Status returns the latest snapshot. It never blocks on the control
// goroutine.
func (s *Supervisor) Status() Status {
	st := *s.snapshot.Load()
	if st.Running && !st.StartedAt.IsZero() {
		st.Uptime = s.clock.Now().Sub(st.StartedAt)
	}
	st.MemoryEntries = s.store.Len()
	return st
}

// Memory exposes the persisted key-value store.
func (s *Supervisor) Memory() *memory.Store { return s.store }

// Output replays the current worker's buffered output.
func (s *Supervisor) Output() process.Output {
	if p := s.current.Load(); p != nil {
		return p.Output()
	}
	return process.Output{}
}

func (s *Supervisor) Paths() config.Paths { return s.paths }

// Close stops the worker and shuts the control goroutine down. It is safe
// to call more than once.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		s.closeRes = s.call(context.Background(), actionClose)
		if s.ownsSink {
			if c, ok := s.sink.(io.Closer); ok {
				_ = c.Close()
			}
		}
	})
	return s.closeRes.Err
}

func (s *Supervisor) call(ctx context.Context, a action) Result {
	reply := make(chan Result, 1)
	select {
	case s.inbox <- request{action: a, reply: reply}:
	case <-s.done:
		return s.failure(ErrClosed)
	case <-ctx.Done():
		return s.failure(ctx.Err())
	}
	select {
	case r := <-reply:
		return r
	case <-s.done:
		select {
		case r := <-reply:
			return r
		default:
		}
		return s.failure(ErrClosed)
	case <-ctx.Done():
		return s.failure(fmt.Errorf("%s: %w", a, ctx.Err()))
	}
}

// post delivers a message from a background goroutine. It gives up when
// ctx ends or the control goroutine is gone.
func (s *Supervisor) post(ctx context.Context, m any) {
	select {
	case s.inbox <- m:
	case <-ctx.Done():
	case <-s.done:
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	for msg := range s.inbox {
		switch m := msg.(type) {
		case request:
			r := s.handle(m.action)
			m.reply <- r
			if m.action == actionClose {
				return
			}
		case exitEvent:
			s.onExit(m)
		case healthReport:
			s.onHealth(m)
		case cleanupTick:
			s.onCleanup(m)
		case syncReport:
			s.onSync(m)
		}
	}
}

func (s *Supervisor) handle(a action) Result {
	switch a {
	case actionStart:
		return s.start(true)
	case actionStop:
		return s.stop()
	case actionRestart:
		return s.restart()
	case actionClose:
		r := s.stop()
		s.logger.Debug("supervisor closed")
		return r
	default:
		return s.failure(fmt.Errorf("unknown action %d", a))
	}
}

// publish stores the snapshot served by Status. Control goroutine only.
func (s *Supervisor) publish() {
	st := &Status{
		Workspace:         s.paths.Workspace,
		State:             s.state,
		Running:           s.state == StateRunning && s.proc != nil,
		RestartCount:      s.restarts,
		ExternalConnected: s.externalConnected,
		LastExit:          s.lastExit,
		LastHealth:        s.lastHealth,
	}
	if s.proc != nil {
		st.PID = s.proc.PID()
		st.StartedAt = s.startedAt
	}
	s.snapshot.Store(st)
	s.current.Store(s.proc)
}

func (s *Supervisor) success(msg string) Result {
	return Result{Success: true, Message: msg, Status: s.Status()}
}

func (s *Supervisor) failure(err error) Result {
	return Result{Success: false, Message: err.Error(), Err: err, Status: s.Status()}
}
