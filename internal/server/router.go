package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/agentvisor/internal/memory"
	"github.com/loykin/agentvisor/internal/metrics"
	"github.com/loykin/agentvisor/internal/process"
	"github.com/loykin/agentvisor/internal/supervisor"
)

// Controller is the host control surface served over HTTP.
type Controller interface {
	Start(ctx context.Context) supervisor.Result
	Stop(ctx context.Context) supervisor.Result
	Restart(ctx context.Context) supervisor.Result
	Status() supervisor.Status
	Memory() *memory.Store
	Output() process.Output
}

// Router provides embeddable HTTP handlers for one supervisor.
// Endpoints:
//
//	POST {basePath}/start
//	POST {basePath}/stop
//	POST {basePath}/restart
//	GET  {basePath}/status
//	GET  {basePath}/memory   query: id=... (optional, single entry)
//	GET  {basePath}/output
//	GET  {basePath}/metrics  (when enabled)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
	metrics  http.Handler
	logger   *slog.Logger
	timeout  time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics serves h at {basePath}/metrics.
func WithMetrics(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTimeout bounds how long a lifecycle request waits for the supervisor.
func WithTimeout(d time.Duration) Option { return func(r *Router) { r.timeout = d } }

// NewRouter constructs a Router. Example basePath "/api" results in
// /api/start, /api/stop, /api/status.
func NewRouter(ctl Controller, basePath string, opts ...Option) *Router {
	r := &Router{ctl: ctl, basePath: sanitizeBase(basePath), logger: slog.Default(), timeout: time.Minute}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	group := g.Group(r.basePath)
	group.POST("/start", r.lifecycle(Controller.Start))
	group.POST("/stop", r.lifecycle(Controller.Stop))
	group.POST("/restart", r.lifecycle(Controller.Restart))
	group.GET("/status", r.handleStatus)
	group.GET("/memory", r.handleMemory)
	group.GET("/output", r.handleOutput)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer binds addr and serves the router in the background. Bind
// errors are returned; later serve errors are logged.
func NewServer(addr, basePath string, ctl Controller, logger *slog.Logger) (*http.Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := NewRouter(ctl, basePath, WithLogger(logger), WithMetrics(metrics.Handler()))
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// lifecycle calls can take a grace period plus a cool-down
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control server stopped", "addr", addr, "error", err)
		}
	}()
	logger.Info("control server listening", "addr", ln.Addr().String(), "base_path", r.basePath)
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type memoryEntry struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func toMemoryEntry(e memory.Entry) memoryEntry {
	return memoryEntry{ID: e.ID, Payload: e.Payload, Timestamp: e.Timestamp}
}

func (r *Router) lifecycle(op func(Controller, context.Context) supervisor.Result) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), r.timeout)
		defer cancel()
		res := op(r.ctl, ctx)
		writeJSON(c, resultCode(res), res)
	}
}

// resultCode maps a lifecycle result to an HTTP status.
func resultCode(res supervisor.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case errors.Is(res.Err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(res.Err, context.DeadlineExceeded), errors.Is(res.Err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(res.Err, supervisor.ErrMarkerHeld):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Status())
}

func (r *Router) handleMemory(c *gin.Context) {
	store := r.ctl.Memory()
	if id := c.Query("id"); id != "" {
		if !isSafeKey(id) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id: allowed [A-Za-z0-9._:-] and no '..'"})
			return
		}
		e, ok := store.Get(id)
		if !ok {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "memory entry not found: " + id})
			return
		}
		writeJSON(c, http.StatusOK, toMemoryEntry(e))
		return
	}
	entries := store.Entries()
	out := make([]memoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, toMemoryEntry(e))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleOutput(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Output())
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		begin := time.Now()
		c.Next()
		r.logger.Debug("control request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(begin))
	}
}
