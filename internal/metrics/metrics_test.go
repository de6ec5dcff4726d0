package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func read(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	if pb.Counter != nil {
		return pb.Counter.GetValue()
	}
	return pb.Gauge.GetValue()
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	IncStart("noop")
	RecordStateTransition("noop", "stopped", "running")
	assert.Equal(t, 0.0, read(t, workerStarts.WithLabelValues("noop")))
	assert.Equal(t, 0.0, read(t, currentState.WithLabelValues("noop", "running")))
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	IncStart("/ws")
	IncStart("/ws")
	IncStop("/ws")
	IncRestart("/ws", "health")
	ObserveSpawnDuration("/ws", 0.25)
	SetWorkerRSS("/ws", 1024)
	SetSupervisorRSS("/ws", 2048)
	SetRestartCount("/ws", 3)
	IncHealthFailure("/ws", "process-dead")
	IncSyncError("/ws")
	SetMemoryEntries("/ws", 7)
	AddEvicted("/ws", 2)
	RecordStateTransition("/ws", "running", "restarting")

	assert.Equal(t, 2.0, read(t, workerStarts.WithLabelValues("/ws")))
	assert.Equal(t, 1.0, read(t, workerRestarts.WithLabelValues("/ws", "health")))
	assert.Equal(t, 3.0, read(t, restartCount.WithLabelValues("/ws")))
	assert.Equal(t, 7.0, read(t, memoryEntries.WithLabelValues("/ws")))
	assert.Equal(t, 1.0, read(t, currentState.WithLabelValues("/ws", "restarting")))
	assert.Equal(t, 0.0, read(t, currentState.WithLabelValues("/ws", "running")))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, n := range []string{
		"agentvisor_worker_starts_total",
		"agentvisor_worker_spawn_duration_seconds",
		"agentvisor_health_failures_total",
		"agentvisor_sync_errors_total",
		"agentvisor_memory_evicted_total",
		"agentvisor_supervisor_state_transitions_total",
	} {
		assert.True(t, names[n], "missing %s", n)
	}
}

func TestHandlerForServesMetrics(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	IncStart("x")

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), `agentvisor_worker_starts_total{workspace="x"}`)
}
