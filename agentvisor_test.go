package agentvisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/agentvisor/internal/history"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (c *captureSink) Send(_ context.Context, e history.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) types() []history.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]history.EventType, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func sleepConfig() *Config {
	cfg := DefaultConfig()
	cfg.Worker.Command = "sleep"
	cfg.Worker.Args = []string{"300"}
	cfg.Health.CoolDown = 10 * time.Millisecond
	cfg.Health.GracePeriod = time.Second
	return &cfg
}

func TestSupervisorFacadeStartStatusStop(t *testing.T) {
	requireUnix(t)
	sink := &captureSink{}
	s, err := New(Options{Workspace: t.TempDir(), Config: sleepConfig(), HistorySinks: []HistorySink{sink}})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	res := s.Start(ctx)
	require.True(t, res.Success, res.Message)
	st := s.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.True(t, st.Running)
	assert.NotZero(t, st.PID)

	res = s.Start(ctx)
	assert.True(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrAlreadyRunning))

	res = s.Stop(ctx)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, StateStopped, s.Status().State)

	_, err = os.Stat(s.Paths().Marker)
	assert.True(t, os.IsNotExist(err))
	assert.Contains(t, sink.types(), history.EventStart)
	assert.Contains(t, sink.types(), history.EventStop)
}

func TestSupervisorFacadePartialConfigRecovers(t *testing.T) {
	requireUnix(t)
	cfg := &Config{}
	cfg.Worker.Command = "sleep"
	cfg.Worker.Args = []string{"300"}
	s, err := New(Options{Workspace: t.TempDir(), Config: cfg})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.True(t, s.Start(context.Background()).Success)
	old := s.Status().PID
	p, err := os.FindProcess(old)
	require.NoError(t, err)
	require.NoError(t, p.Kill())

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.RestartCount == 1 && st.Running && st.PID != old
	}, 10*time.Second, 10*time.Millisecond, "one kill must be recovered with the default policy")
}

func TestSupervisorFacadeHandler(t *testing.T) {
	requireUnix(t)
	s, err := New(Options{Workspace: t.TempDir(), Config: sleepConfig()})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Memory().PutValue("note", map[string]string{"k": "v"}))

	h := Handler(s, "/api")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var st map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, "stopped", st["state"])
	assert.EqualValues(t, 1, st["memory_entries"])

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/memory?id=note", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"k":"v"`)
}

func TestNewRequiresWorkspace(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestConfigHelpers(t *testing.T) {
	def := DefaultConfig()
	assert.Equal(t, 3001, def.Port)
	assert.Equal(t, "info", def.LogLevel)
	assert.False(t, def.AutoStart)

	dir := t.TempDir()
	p := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(p, []byte("port = 4100\nauto_start = true\n"), 0o600))
	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Port)
	assert.True(t, cfg.AutoStart)

	require.NoError(t, os.WriteFile(p, []byte("port = 0\n"), 0o600))
	cfg, err = LoadConfig(p)
	require.Error(t, err)
	assert.Equal(t, 3001, cfg.Port, "invalid config falls back to defaults")
}

func TestMetricsHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))
	require.NoError(t, RegisterMetricsDefault())

	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		assert.True(t, strings.HasPrefix(mf.GetName(), "agentvisor_"), mf.GetName())
	}
}
