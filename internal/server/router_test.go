package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/agentvisor/internal/memory"
	"github.com/loykin/agentvisor/internal/process"
	"github.com/loykin/agentvisor/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	starts, stops, restarts atomic.Int32
	result                  supervisor.Result
	status                  supervisor.Status
	store                   *memory.Store
	output                  process.Output
}

func (f *fakeController) Start(context.Context) supervisor.Result {
	f.starts.Add(1)
	return f.result
}

func (f *fakeController) Stop(context.Context) supervisor.Result {
	f.stops.Add(1)
	return f.result
}

func (f *fakeController) Restart(context.Context) supervisor.Result {
	f.restarts.Add(1)
	return f.result
}

func (f *fakeController) Status() supervisor.Status { return f.status }
func (f *fakeController) Memory() *memory.Store     { return f.store }
func (f *fakeController) Output() process.Output    { return f.output }

func newFake() *fakeController {
	return &fakeController{
		result: supervisor.Result{Success: true, Message: "ok"},
		status: supervisor.Status{State: supervisor.StateRunning, Running: true, PID: 42, RestartCount: 1},
		store:  memory.New(""),
	}
}

func setupRouter(t *testing.T, ctl Controller, base string, opts ...Option) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(ctl, base, opts...).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLifecycleEndpoints(t *testing.T) {
	ctl := newFake()
	h := setupRouter(t, ctl, "/api")

	for _, path := range []string{"/api/start", "/api/stop", "/api/restart"} {
		rec := doReq(t, h, http.MethodPost, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var res supervisor.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.True(t, res.Success)
	}
	assert.Equal(t, int32(1), ctl.starts.Load())
	assert.Equal(t, int32(1), ctl.stops.Load())
	assert.Equal(t, int32(1), ctl.restarts.Load())

	rec := doReq(t, h, http.MethodGet, "/api/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "lifecycle endpoints are POST only")
}

func TestLifecycleFailureCodes(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: pid 7", supervisor.ErrMarkerHeld), http.StatusConflict},
		{supervisor.ErrClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("start: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("exec: not found"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		ctl := newFake()
		ctl.result = supervisor.Result{Success: false, Message: c.err.Error(), Err: c.err}
		h := setupRouter(t, ctl, "")
		rec := doReq(t, h, http.MethodPost, "/start", nil)
		assert.Equal(t, c.code, rec.Code, c.err.Error())

		var res supervisor.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.False(t, res.Success)
		assert.Equal(t, c.err.Error(), res.Message)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ctl := newFake()
	h := setupRouter(t, ctl, "/base/")
	rec := doReq(t, h, http.MethodGet, "/base/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st supervisor.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, supervisor.StateRunning, st.State)
	assert.Equal(t, 42, st.PID)
	assert.Equal(t, 1, st.RestartCount)
	assert.Contains(t, rec.Body.String(), `"state":"running"`)
}

func TestMemoryEndpoint(t *testing.T) {
	ctl := newFake()
	require.NoError(t, ctl.store.Put("sync:remote", json.RawMessage(`[{"id":1}]`)))
	require.NoError(t, ctl.store.Put("note", json.RawMessage(`"hi"`)))
	h := setupRouter(t, ctl, "")

	rec := doReq(t, h, http.MethodGet, "/memory", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []memoryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 2)
	assert.Equal(t, "note", all[0].ID)
	assert.Equal(t, "sync:remote", all[1].ID)
	assert.JSONEq(t, `[{"id":1}]`, string(all[1].Payload))

	rec = doReq(t, h, http.MethodGet, "/memory?id=sync:remote", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var one memoryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "sync:remote", one.ID)
	assert.False(t, one.Timestamp.IsZero())

	rec = doReq(t, h, http.MethodGet, "/memory?id=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/memory?id=../etc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOutputEndpoint(t *testing.T) {
	ctl := newFake()
	ctl.output = process.Output{Stdout: "hello\n", StdoutTotal: 6}
	h := setupRouter(t, ctl, "")
	rec := doReq(t, h, http.MethodGet, "/output", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out process.Output
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "hello\n", out.Stdout)
}

func TestMetricsEndpointOptional(t *testing.T) {
	ctl := newFake()
	h := setupRouter(t, ctl, "/api")
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/metrics", nil).Code)

	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "agentvisor_worker_starts_total 1\n")
	})
	h = setupRouter(t, ctl, "/api", WithMetrics(metricsHandler))
	rec := doReq(t, h, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentvisor_worker_starts_total")
}

type slowController struct{ *fakeController }

func (s slowController) Start(ctx context.Context) supervisor.Result {
	<-ctx.Done()
	return supervisor.Result{Message: ctx.Err().Error(), Err: ctx.Err()}
}

func TestLifecycleTimeout(t *testing.T) {
	h := setupRouter(t, slowController{newFake()}, "", WithTimeout(20*time.Millisecond))
	rec := doReq(t, h, http.MethodPost, "/start", nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestNewServerBindErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, err := NewServer("127.0.0.1:0", "/api", newFake(), nil)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = busy.Close() }()
	_, err = NewServer(busy.Addr().String(), "", newFake(), nil)
	assert.Error(t, err)
}
