package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/loykin/agentvisor/internal/logger"
	"github.com/loykin/agentvisor/internal/supervisor"
)

type workerHealth struct {
	Status    string `json:"status"`
	Workspace string `json:"workspace"`
	PID       int    `json:"pid"`
	Uptime    string `json:"uptime"`
}

type workerVersion struct {
	Version  string `json:"version"`
	Protocol int    `json:"protocol"`
}

// newWorkerServer builds the worker's HTTP surface.
func newWorkerServer(f WorkerFlags, pid int, started time.Time) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, workerHealth{
			Status:    "ok",
			Workspace: f.Workspace,
			PID:       pid,
			Uptime:    time.Since(started).Round(time.Second).String(),
		})
	})
	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, workerVersion{Version: Version, Protocol: supervisor.WorkerProtocol})
	})
	return e
}

// Worker serves the built-in worker until ctx is cancelled. A protocol
// mismatch means the supervisor and the binary disagree on arguments.
func (c *command) Worker(ctx context.Context, f WorkerFlags) error {
	if f.Protocol != supervisor.WorkerProtocol {
		return fmt.Errorf("unsupported worker protocol %d (want %d)", f.Protocol, supervisor.WorkerProtocol)
	}
	if f.Port <= 0 || f.Port > 65535 {
		return fmt.Errorf("port %d out of range", f.Port)
	}
	log := logger.New(logger.Options{Level: f.LogLevel, Output: c.errOut}).With("component", "worker")

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(f.Port)))
	if err != nil {
		return fmt.Errorf("worker listen: %w", err)
	}
	e := newWorkerServer(f, os.Getpid(), time.Now())
	e.Listener = ln

	errCh := make(chan error, 1)
	go func() { errCh <- e.Start("") }()
	log.Info("worker ready", "addr", ln.Addr().String(), "workspace", f.Workspace)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info("worker stopping")
	return e.Shutdown(sctx)
}
