package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentvisor"

// States lists every supervisor state so current_state can be reset as a
// one-hot gauge.
var States = []string{"stopped", "starting", "running", "restarting", "failed"}

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker spawns.",
		}, []string{"workspace"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"workspace"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of restarts, by reason (health or manual).",
		}, []string{"workspace", "reason"},
	)
	workerSpawnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "spawn_duration_seconds",
			Help:      "Time from start request to a running worker.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workspace"},
	)
	workerRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "rss_bytes",
			Help:      "Resident memory of the worker at the last health check.",
		}, []string{"workspace"},
	)
	supervisorRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "rss_bytes",
			Help:      "Resident memory of the supervisor at the last health check.",
		}, []string{"workspace"},
	)
	restartCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "restart_count",
			Help:      "Health-triggered restarts since the last explicit start.",
		}, []string{"workspace"},
	)
	healthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "failures_total",
			Help:      "Failed health observations by diagnostic.",
		}, []string{"workspace", "diagnostic"},
	)
	syncErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "errors_total",
			Help:      "External sync attempts that failed.",
		}, []string{"workspace"},
	)
	memoryEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "entries",
			Help:      "Entries held by the memory store.",
		}, []string{"workspace"},
	)
	memoryEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "evicted_total",
			Help:      "Entries removed by age-based eviction.",
		}, []string{"workspace"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of transitions between supervisor states.",
		}, []string{"workspace", "from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"workspace", "state"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		workerStarts, workerStops, workerRestarts, workerSpawnDuration, workerRSS,
		supervisorRSS, restartCount, healthFailures, syncErrors, memoryEntries,
		memoryEvicted, stateTransitions, currentState,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer, e.g. a private registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(ws string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(ws).Inc()
	}
}

func IncStop(ws string) {
	if regOK.Load() {
		workerStops.WithLabelValues(ws).Inc()
	}
}

func IncRestart(ws, reason string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(ws, reason).Inc()
	}
}

func ObserveSpawnDuration(ws string, seconds float64) {
	if regOK.Load() {
		workerSpawnDuration.WithLabelValues(ws).Observe(seconds)
	}
}

func SetWorkerRSS(ws string, bytes uint64) {
	if regOK.Load() {
		workerRSS.WithLabelValues(ws).Set(float64(bytes))
	}
}

func SetSupervisorRSS(ws string, bytes uint64) {
	if regOK.Load() {
		supervisorRSS.WithLabelValues(ws).Set(float64(bytes))
	}
}

func SetRestartCount(ws string, n int) {
	if regOK.Load() {
		restartCount.WithLabelValues(ws).Set(float64(n))
	}
}

func IncHealthFailure(ws, diagnostic string) {
	if regOK.Load() {
		healthFailures.WithLabelValues(ws, diagnostic).Inc()
	}
}

func IncSyncError(ws string) {
	if regOK.Load() {
		syncErrors.WithLabelValues(ws).Inc()
	}
}

func SetMemoryEntries(ws string, n int) {
	if regOK.Load() {
		memoryEntries.WithLabelValues(ws).Set(float64(n))
	}
}

func AddEvicted(ws string, n int) {
	if regOK.Load() && n > 0 {
		memoryEvicted.WithLabelValues(ws).Add(float64(n))
	}
}

// RecordStateTransition counts from->to and moves the one-hot state gauge.
func RecordStateTransition(ws, from, to string) {
	if !regOK.Load() {
		return
	}
	stateTransitions.WithLabelValues(ws, from, to).Inc()
	for _, s := range States {
		v := 0.0
		if s == to {
			v = 1
		}
		currentState.WithLabelValues(ws, s).Set(v)
	}
}
