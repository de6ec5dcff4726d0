package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/agentvisor/internal/config"
	"github.com/loykin/agentvisor/internal/detector"
	"github.com/loykin/agentvisor/internal/history"
	"github.com/loykin/agentvisor/internal/memory"
	"github.com/loykin/agentvisor/internal/metrics"
	"github.com/loykin/agentvisor/internal/process"
	"github.com/loykin/agentvisor/internal/remote"
	"github.com/loykin/agentvisor/internal/schedule"
	"github.com/robfig/cron/v3"
)

// Periodic task names.
const (
	TaskHealthCheck   = "health-check"
	TaskMemoryCleanup = "memory-cleanup"
	TaskExternalSync  = "external-sync"
)

type healthReport struct {
	gen    uint64
	result HealthResult
}

type cleanupTick struct{ gen uint64 }

type syncReport struct {
	gen       uint64
	connected bool
	items     []remote.Item
	err       error
}

var errNotConnected = errors.New("external source not connected")

// arm starts the three periodic tasks for the current worker. Each task
// gets its own goroutine from the scheduler, so a slow sync never delays a
// health check.
func (s *Supervisor) arm() {
	sched := schedule.New(s.clock, s.logger)
	gen := s.gen
	proc := s.proc
	h := s.cfg.Health

	probes := append([]detector.Detector(nil), s.probes...)
	if s.cfg.Worker.ProbeCommand != "" {
		probes = append(probes, detector.CommandDetector{Command: s.cfg.Worker.ProbeCommand})
	}
	threshold := uint64(0)
	if h.MemoryThresholdMB > 0 {
		threshold = uint64(h.MemoryThresholdMB) << 20
	}

	check := healthCheck{
		sup:       s,
		sched:     sched,
		gen:       gen,
		proc:      proc,
		probes:    probes,
		threshold: threshold,
	}
	src := s.activeSource
	pageSize := s.cfg.Sync.PageSize

	tasks := []struct {
		name string
		expr string
		def  string
		run  func(context.Context)
	}{
		{TaskHealthCheck, h.CheckInterval, "30s", check.run},
		{TaskMemoryCleanup, h.CleanupInterval, "5m", func(ctx context.Context) {
			s.post(ctx, cleanupTick{gen: gen})
		}},
		{TaskExternalSync, h.SyncInterval, "10m", func(ctx context.Context) {
			s.post(ctx, pull(ctx, gen, src, pageSize))
		}},
	}
	for _, t := range tasks {
		if err := sched.Add(t.name, s.interval(t.name, t.expr, t.def), t.run); err != nil {
			s.logger.Error("register periodic task", "task", t.name, "error", err)
		}
	}
	if err := sched.Start(context.Background()); err != nil {
		s.logger.Error("start periodic tasks", "error", err)
		return
	}
	s.sched = sched
	sched.Trigger(TaskExternalSync)
}

// disarm cancels the periodic tasks and waits for running task bodies to
// return.
func (s *Supervisor) disarm() {
	if s.sched == nil {
		return
	}
	s.sched.Stop()
	s.sched = nil
}

func (s *Supervisor) interval(task, expr, def string) cron.Schedule {
	sch, err := schedule.Parse(expr)
	if err == nil {
		return sch
	}
	s.logger.Warn("invalid task interval, using default", "task", task, "value", expr, "default", def, "error", err)
	sch, _ = schedule.Parse(def)
	return sch
}

// healthCheck runs off the control goroutine and reports back.
type healthCheck struct {
	sup       *Supervisor
	sched     *schedule.Scheduler
	gen       uint64
	proc      *process.Process
	probes    []detector.Detector
	threshold uint64
}

func (h healthCheck) run(ctx context.Context) {
	s := h.sup
	ws := s.paths.Workspace
	res := HealthResult{Healthy: true, At: s.clock.Now()}

	if !h.proc.IsAlive() {
		res = HealthResult{Diagnostic: DiagProcessDead, Detail: fmt.Sprintf("pid %d not alive", h.proc.PID()), At: res.At}
		s.post(ctx, healthReport{gen: h.gen, result: res})
		return
	}
	for _, p := range h.probes {
		ok, err := p.Alive()
		if ok {
			continue
		}
		detail := p.Describe() + " failed"
		if err != nil {
			detail = fmt.Sprintf("%s: %v", detail, err)
		}
		res = HealthResult{Diagnostic: DiagProcessDead, Detail: detail, At: res.At}
		s.post(ctx, healthReport{gen: h.gen, result: res})
		return
	}

	if rss, err := h.proc.RSS(); err == nil {
		metrics.SetWorkerRSS(ws, rss)
	}
	rss, err := s.memProbe()
	if err != nil {
		s.logger.Debug("memory probe failed", "error", err)
	} else {
		metrics.SetSupervisorRSS(ws, rss)
		if h.threshold > 0 && rss > h.threshold {
			res = HealthResult{
				Diagnostic: DiagMemoryOverThreshold,
				Detail:     fmt.Sprintf("rss %d bytes over %d", rss, h.threshold),
				At:         res.At,
			}
			h.sched.Trigger(TaskMemoryCleanup)
		}
	}
	s.post(ctx, healthReport{gen: h.gen, result: res})
}

// pull talks to the external source. It runs on the sync task goroutine.
func pull(ctx context.Context, gen uint64, src remote.Source, pageSize int) syncReport {
	rep := syncReport{gen: gen}
	if src == nil || !src.Authenticate(ctx) {
		rep.err = errNotConnected
		return rep
	}
	rep.connected = true
	rep.items, rep.err = src.ListItems(ctx, pageSize)
	return rep
}

// live reports whether a task result belongs to the running worker.
func (s *Supervisor) live(gen uint64) bool {
	return gen == s.gen && s.state == StateRunning && s.proc != nil
}

func (s *Supervisor) onHealth(r healthReport) {
	if !s.live(r.gen) {
		return
	}
	res := r.result
	if res.Diagnostic == DiagProcessDead {
		s.handleFailure(res.Diagnostic, res.Detail)
		return
	}
	s.lastHealth = &res
	s.publish()
	if !res.Healthy {
		metrics.IncHealthFailure(s.paths.Workspace, string(res.Diagnostic))
		s.logger.Warn("health check", "diagnostic", res.Diagnostic, "detail", res.Detail)
		s.sink.Appendf("health: %s %s", res.Diagnostic, res.Detail)
		s.emit(history.EventHealth, res.Diagnostic, nil)
	}
}

// onCleanup evicts stale memory entries and persists the snapshot.
func (s *Supervisor) onCleanup(t cleanupTick) {
	if !s.live(t.gen) {
		return
	}
	maxAge := s.cfg.Memory.MaxAge
	if maxAge <= 0 {
		maxAge = memory.DefaultMaxAge
	}
	n := s.store.EvictOlderThan(maxAge)
	s.persistMemory()
	metrics.AddEvicted(s.paths.Workspace, n)
	metrics.SetMemoryEntries(s.paths.Workspace, s.store.Len())
	if n > 0 {
		s.logger.Info("evicted memory entries", "count", n, "max_age", maxAge)
		s.sink.Appendf("memory cleanup: evicted %d", n)
	}
}

// onSync records a sync result. Failures never touch process health.
func (s *Supervisor) onSync(r syncReport) {
	if !s.live(r.gen) {
		return
	}
	ws := s.paths.Workspace
	was := s.externalConnected
	if !r.connected || r.err != nil {
		s.externalConnected = false
		s.publish()
		if errors.Is(r.err, errNotConnected) && !was {
			s.logger.Debug("external sync skipped", "reason", r.err)
			return
		}
		metrics.IncSyncError(ws)
		s.logger.Warn("external sync failed", "error", r.err)
		s.sink.Appendf("sync failed: %v", r.err)
		if was {
			metrics.IncHealthFailure(ws, string(DiagExternalConnectionLost))
			s.emit(history.EventHealth, DiagExternalConnectionLost, nil)
		}
		return
	}
	s.externalConnected = true
	s.publish()
	key := syncKey(s.cfg.Sync)
	if err := s.store.PutValue(key, r.items); err != nil {
		s.logger.Warn("store sync result", "key", key, "error", err)
		return
	}
	metrics.SetMemoryEntries(ws, s.store.Len())
	s.logger.Debug("external sync stored", "key", key, "items", len(r.items))
	s.sink.Appendf("sync: stored %d items under %s", len(r.items), key)
}

// syncKey is the memory entry id for sync results.
func syncKey(c config.SyncConfig) string {
	name := c.Source
	if name == "" {
		name = "remote"
	}
	return "sync:" + name
}
