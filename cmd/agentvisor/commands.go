package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loykin/agentvisor/internal/config"
	"github.com/loykin/agentvisor/internal/history"
	"github.com/loykin/agentvisor/internal/history/factory"
	"github.com/loykin/agentvisor/internal/logger"
	"github.com/loykin/agentvisor/internal/memory"
	"github.com/loykin/agentvisor/internal/metrics"
	"github.com/loykin/agentvisor/internal/server"
	"github.com/loykin/agentvisor/internal/supervisor"
	"github.com/loykin/agentvisor/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
)

// shutdownTimeout bounds the final Stop after a signal. It covers the
// default grace period with room to spare.
const shutdownTimeout = 30 * time.Second

type command struct {
	out    io.Writer
	errOut io.Writer
}

// Run supervises the workspace until ctx is cancelled, then stops the
// worker and shuts the control API down.
func (c *command) Run(ctx context.Context, f RunFlags) error {
	paths := config.PathsFor(f.Workspace)
	cfgPath := f.ConfigPath
	if cfgPath == "" {
		cfgPath = paths.Config
	}
	loader := config.FileLoader{Path: cfgPath}
	cfg, cfgErr := loader.Load()

	log := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Color: f.Color, Output: c.errOut})
	if cfgErr != nil {
		log.Warn("config load failed, using defaults", "path", cfgPath, "error", cfgErr)
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("failed to register metrics", "error", err)
	}

	rec := newRecorder(cfg.History.DSNs, log)
	defer func() { _ = rec.Close() }()

	sup, err := supervisor.New(supervisor.Options{
		Workspace: paths.Workspace,
		Loader:    loader,
		Recorder:  rec,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}
	defer func() { _ = sup.Close() }()

	addr := cfg.Control.Addr
	if f.Addr != "" {
		addr = f.Addr
	}
	srv, err := server.NewServer(addr, cfg.Control.BasePath, sup, log)
	if err != nil {
		return fmt.Errorf("start control API: %w", err)
	}

	if cfg.AutoStart || f.Start {
		if res := sup.Start(ctx); !res.Success {
			log.Error("worker start failed", "message", res.Message)
		}
	}

	<-ctx.Done()
	log.Info("shutting down", "workspace", paths.Workspace)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if res := sup.Stop(sctx); !res.Success {
		log.Warn("worker stop failed", "message", res.Message)
	}
	return srv.Shutdown(sctx)
}

// newRecorder builds a history recorder from the configured DSNs. Sinks that
// cannot be opened are logged and skipped.
func newRecorder(dsns []string, log *slog.Logger) *history.Recorder {
	var sinks []history.Sink
	for _, dsn := range dsns {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			log.Warn("history sink disabled", "dsn", redactDSN(dsn), "error", err)
			continue
		}
		sinks = append(sinks, s)
	}
	return history.NewRecorder(log, sinks...)
}

func (c *command) apiClient(f ControlFlags) *client.Client {
	return client.New(client.Config{
		BaseURL: f.APIUrl,
		Timeout: f.APITimeout,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func (c *command) reachable(ctx context.Context, cl *client.Client) error {
	if !cl.IsReachable(ctx) {
		return errors.New("supervisor not reachable - start it first with 'agentvisor run'")
	}
	return nil
}

func (c *command) Start(ctx context.Context, f ControlFlags) error {
	return c.lifecycle(ctx, f, (*client.Client).Start)
}

func (c *command) Stop(ctx context.Context, f ControlFlags) error {
	return c.lifecycle(ctx, f, (*client.Client).Stop)
}

func (c *command) Restart(ctx context.Context, f ControlFlags) error {
	return c.lifecycle(ctx, f, (*client.Client).Restart)
}

// lifecycle prints the returned Result even when the operation was refused.
func (c *command) lifecycle(ctx context.Context, f ControlFlags, op func(*client.Client, context.Context) (client.Result, error)) error {
	cl := c.apiClient(f)
	if err := c.reachable(ctx, cl); err != nil {
		return err
	}
	res, err := op(cl, ctx)
	var apiErr *client.APIError
	if err != nil && !errors.As(err, &apiErr) {
		return err
	}
	printJSON(c.out, res)
	return err
}

func (c *command) Status(ctx context.Context, f ControlFlags) error {
	cl := c.apiClient(f)
	if err := c.reachable(ctx, cl); err != nil {
		return err
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c *command) Output(ctx context.Context, f ControlFlags) error {
	cl := c.apiClient(f)
	if err := c.reachable(ctx, cl); err != nil {
		return err
	}
	o, err := cl.Output(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, o)
	return nil
}

// Memory prints the memory entries, from the API when an URL is given and
// from the workspace snapshot otherwise.
func (c *command) Memory(ctx context.Context, f MemoryFlags) error {
	if f.APIUrl != "" {
		return c.memoryViaAPI(ctx, f)
	}
	paths := config.PathsFor(f.Workspace)
	store := memory.New(paths.Memory)
	if err := store.Load(); err != nil {
		return fmt.Errorf("read memory snapshot %s: %w", paths.Memory, err)
	}
	if f.ID != "" {
		e, ok := store.Get(f.ID)
		if !ok {
			return fmt.Errorf("memory entry not found: %s", f.ID)
		}
		printJSON(c.out, toClientEntry(e))
		return nil
	}
	entries := store.Entries()
	out := make([]client.MemoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, toClientEntry(e))
	}
	printJSON(c.out, out)
	return nil
}

func (c *command) memoryViaAPI(ctx context.Context, f MemoryFlags) error {
	cl := c.apiClient(ControlFlags{APIUrl: f.APIUrl, APITimeout: f.APITimeout})
	if err := c.reachable(ctx, cl); err != nil {
		return err
	}
	if f.ID != "" {
		e, err := cl.MemoryEntry(ctx, f.ID)
		if err != nil {
			return err
		}
		printJSON(c.out, e)
		return nil
	}
	entries, err := cl.Memory(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, entries)
	return nil
}

func toClientEntry(e memory.Entry) client.MemoryEntry {
	return client.MemoryEntry{ID: e.ID, Payload: e.Payload, Timestamp: e.Timestamp}
}
