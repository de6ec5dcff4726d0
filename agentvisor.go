package agentvisor

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/loykin/agentvisor/internal/config"
	"github.com/loykin/agentvisor/internal/history"
	"github.com/loykin/agentvisor/internal/history/factory"
	"github.com/loykin/agentvisor/internal/memory"
	"github.com/loykin/agentvisor/internal/metrics"
	"github.com/loykin/agentvisor/internal/process"
	"github.com/loykin/agentvisor/internal/remote"
	iapi "github.com/loykin/agentvisor/internal/server"
	"github.com/loykin/agentvisor/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Status = supervisor.Status

type Result = supervisor.Result

type State = supervisor.State

type HealthResult = supervisor.HealthResult

type Config = config.Config

type Paths = config.Paths

type MemoryStore = memory.Store

type MemoryEntry = memory.Entry

type Output = process.Output

type Source = remote.Source

type HistorySink = history.Sink

const (
	StateStopped    = supervisor.StateStopped
	StateStarting   = supervisor.StateStarting
	StateRunning    = supervisor.StateRunning
	StateRestarting = supervisor.StateRestarting
	StateFailed     = supervisor.StateFailed
)

var (
	ErrAlreadyRunning = supervisor.ErrAlreadyRunning
	ErrMarkerHeld     = supervisor.ErrMarkerHeld
	ErrClosed         = supervisor.ErrClosed
)

// Options configures an embedded supervisor. Only Workspace is required.
type Options struct {
	Workspace string
	// ConfigPath defaults to <workspace>/.agentvisor/config.toml.
	ConfigPath string
	// Config, when set, is used instead of reading ConfigPath. Zero fields
	// take the defaults.
	Config *Config
	// Source replaces the REST sync source built from the config.
	Source Source
	// HistorySinks receive lifecycle events in addition to the sinks
	// built from the config's history.dsns.
	HistorySinks []HistorySink
	Logger       *slog.Logger
}

// Supervisor is a thin facade over internal/supervisor.Supervisor.
// It provides a stable public API for embedding in a host application.
type Supervisor struct {
	inner    *supervisor.Supervisor
	recorder *history.Recorder
}

// New creates a supervisor for opts.Workspace. The worker is not started.
func New(opts Options) (*Supervisor, error) {
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	var loader config.Loader
	if opts.Config != nil {
		loader = config.Static{Config: *opts.Config}
	} else {
		path := opts.ConfigPath
		if path == "" {
			path = config.PathsFor(opts.Workspace).Config
		}
		loader = config.FileLoader{Path: path}
	}

	// history DSNs are read up front; the supervisor reloads the rest itself
	cfg, _ := loader.Load()
	sinks := append([]HistorySink(nil), opts.HistorySinks...)
	for _, dsn := range cfg.History.DSNs {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			lg.Warn("history sink disabled", "error", err)
			continue
		}
		sinks = append(sinks, s)
	}
	rec := history.NewRecorder(lg, sinks...)

	inner, err := supervisor.New(supervisor.Options{
		Workspace: opts.Workspace,
		Loader:    loader,
		Source:    opts.Source,
		Recorder:  rec,
		Logger:    lg,
	})
	if err != nil {
		_ = rec.Close()
		return nil, err
	}
	return &Supervisor{inner: inner, recorder: rec}, nil
}

func (s *Supervisor) Start(ctx context.Context) Result   { return s.inner.Start(ctx) }
func (s *Supervisor) Stop(ctx context.Context) Result    { return s.inner.Stop(ctx) }
func (s *Supervisor) Restart(ctx context.Context) Result { return s.inner.Restart(ctx) }
func (s *Supervisor) Status() Status                     { return s.inner.Status() }
func (s *Supervisor) Memory() *MemoryStore               { return s.inner.Memory() }
func (s *Supervisor) Output() Output                     { return s.inner.Output() }
func (s *Supervisor) Paths() Paths                       { return s.inner.Paths() }

// Close stops the worker and releases the activity log and history sinks.
func (s *Supervisor) Close() error {
	err := s.inner.Close()
	if cerr := s.recorder.Close(); err == nil {
		err = cerr
	}
	return err
}

// Handler returns the control API for s mounted under basePath, for use in
// an existing mux.
func Handler(s *Supervisor, basePath string) http.Handler {
	return iapi.NewRouter(s, basePath, iapi.WithMetrics(metrics.Handler())).Handler()
}

// NewHTTPServer starts an HTTP server exposing the control API of s.
func NewHTTPServer(addr, basePath string, s *Supervisor, logger *slog.Logger) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s, logger)
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config { return config.Defaults() }

// LoadConfig reads a config file with AGENTVISOR_* environment overrides.
// On error the returned Config holds the defaults.
func LoadConfig(path string) (Config, error) { return config.FileLoader{Path: path}.Load() }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
