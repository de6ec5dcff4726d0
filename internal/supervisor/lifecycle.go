package supervisor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/loykin/agentvisor/internal/detector"
	"github.com/loykin/agentvisor/internal/history"
	"github.com/loykin/agentvisor/internal/metrics"
	"github.com/loykin/agentvisor/internal/process"
	"github.com/loykin/agentvisor/internal/remote"
)

type exitEvent struct {
	gen  uint64
	proc *process.Process
}

// start brings the worker up from stopped or failed. An explicit start is
// operator intervention and resets the restart counter.
func (s *Supervisor) start(explicit bool) Result {
	switch s.state {
	case StateRunning:
		s.logger.Warn("start requested but worker already running", "pid", s.proc.PID())
		s.sink.Appendf("start ignored: already running pid=%d", s.proc.PID())
		r := s.success("already running")
		r.Err = ErrAlreadyRunning
		return r
	case StateStopped, StateFailed:
	default:
		return s.failure(fmt.Errorf("cannot start while %s", s.state))
	}

	s.loadConfig()
	if err := s.checkMarker(); err != nil {
		s.logger.Warn("refusing to start", "error", err)
		s.sink.Appendf("start refused: %v", err)
		return s.failure(err)
	}
	if explicit || s.state == StateFailed {
		s.restarts = 0
		metrics.SetRestartCount(s.paths.Workspace, 0)
	}
	prev := s.state
	s.setState(StateStarting)
	s.activeSource = s.buildSource()

	if err := s.spawn(); err != nil {
		s.logger.Error("worker failed to start", "error", err)
		s.sink.Appendf("start failed: %v", err)
		s.setState(prev)
		return s.failure(err)
	}
	s.arm()
	s.setState(StateRunning)
	s.emit(history.EventStart, "", nil)
	return s.success(fmt.Sprintf("started pid %d", s.proc.PID()))
}

// stop is a no-op unless a worker is up.
func (s *Supervisor) stop() Result {
	switch s.state {
	case StateStopped:
		return s.success("already stopped")
	case StateFailed:
		return s.success("not running (failed)")
	}
	s.disarm()
	ex := s.reap()
	s.clearMarker()
	s.persistMemory()
	s.setState(StateStopped)
	metrics.IncStop(s.paths.Workspace)
	s.emit(history.EventStop, "", ex)
	if ex != nil {
		s.sink.Appendf("stopped: %s", ex)
	}
	return s.success("stopped")
}

// restart is stop, cool-down, start. It never counts against the policy.
func (s *Supervisor) restart() Result {
	if r := s.stop(); !r.Success {
		return r
	}
	s.coolDown()
	r := s.start(false)
	if r.Success {
		s.emit(history.EventRestart, "", nil)
	}
	return r
}

// handleFailure applies the bounded-retry policy after the running worker
// was found dead.
func (s *Supervisor) handleFailure(diag Diagnostic, detail string) {
	s.disarm()
	ex := s.reap()
	metrics.IncHealthFailure(s.paths.Workspace, string(diag))
	s.lastHealth = &HealthResult{Healthy: false, Diagnostic: diag, Detail: detail, At: s.clock.Now()}
	s.logger.Warn("worker failure detected", "diagnostic", diag, "detail", detail, "restarts", s.restarts)
	s.sink.Appendf("failure: %s %s", diag, detail)
	s.emit(history.EventHealth, diag, ex)

	for {
		if s.policy.exhausted(s.restarts) {
			s.fail(diag)
			return
		}
		s.restarts++
		metrics.IncRestart(s.paths.Workspace, string(diag))
		metrics.SetRestartCount(s.paths.Workspace, s.restarts)
		s.setState(StateRestarting)
		s.sink.Appendf("restarting: attempt %d/%d", s.restarts, s.policy.MaxRestarts)
		s.coolDown()

		if err := s.spawn(); err != nil {
			s.logger.Error("restart attempt failed", "attempt", s.restarts, "error", err)
			s.sink.Appendf("restart attempt %d failed: %v", s.restarts, err)
			continue
		}
		s.arm()
		s.setState(StateRunning)
		s.emit(history.EventRestart, diag, nil)
		return
	}
}

func (s *Supervisor) fail(diag Diagnostic) {
	s.clearMarker()
	s.persistMemory()
	s.setState(StateFailed)
	s.logger.Error("worker keeps failing, giving up", "restarts", s.restarts, "diagnostic", diag)
	s.sink.Appendf("failed: giving up after %d restarts", s.restarts)
	s.emit(history.EventFailed, diag, s.lastExit)
}

// spawn launches a new worker. The previous one must already be reaped.
func (s *Supervisor) spawn() error {
	spec, err := s.specFn(s.cfg, s.paths)
	if err != nil {
		return fmt.Errorf("build worker spec: %w", err)
	}
	begin := time.Now()
	p, err := process.Spawn(spec, s.logger)
	if err != nil {
		return err
	}
	metrics.ObserveSpawnDuration(s.paths.Workspace, time.Since(begin).Seconds())
	metrics.IncStart(s.paths.Workspace)

	s.proc = p
	s.startedAt = s.clock.Now()
	s.gen++
	meta := detector.Meta{Workspace: s.paths.Workspace, Port: s.cfg.Port, Command: spec.CommandLine()}
	if err := process.WriteMarker(s.paths.Marker, p.PID(), meta); err != nil {
		s.logger.Warn("write running marker", "path", s.paths.Marker, "error", err)
	}
	s.sink.Appendf("spawned pid=%d command=%q", p.PID(), spec.CommandLine())
	s.logger.Info("worker started", "pid", p.PID())

	gen := s.gen
	go func() {
		select {
		case <-p.Done():
			s.post(context.Background(), exitEvent{gen: gen, proc: p})
		case <-s.done:
		}
	}()
	return nil
}

// reap terminates the current worker, if any, and waits for it.
func (s *Supervisor) reap() *process.Exit {
	p := s.proc
	if p == nil {
		return nil
	}
	ex, err := p.Terminate(s.policy.GracePeriod)
	if err != nil {
		s.logger.Error("worker did not exit", "pid", p.PID(), "error", err)
		ex = process.Exit{PID: p.PID(), Code: -1, Err: err.Error(), At: time.Now()}
	}
	s.lastStartedAt = p.StartedAt()
	s.proc = nil
	s.startedAt = time.Time{}
	s.lastExit = &ex
	return &ex
}

func (s *Supervisor) onExit(ev exitEvent) {
	if ev.proc != s.proc || ev.gen != s.gen || s.state != StateRunning {
		return
	}
	detail := ""
	if ex, ok := ev.proc.Exit(); ok {
		detail = ex.String()
	}
	s.handleFailure(DiagProcessDead, detail)
}

// checkMarker refuses to start when the marker names another live worker
// and clears a stale one.
func (s *Supervisor) checkMarker() error {
	d := detector.PIDFileDetector{PIDFile: s.paths.Marker}
	pid, alive, err := d.Holder()
	if err != nil {
		s.logger.Warn("unreadable running marker, replacing", "path", s.paths.Marker, "error", err)
		s.clearMarker()
		return nil
	}
	if pid == 0 {
		return nil
	}
	if alive {
		return fmt.Errorf("%w: pid %d (%s)", ErrMarkerHeld, pid, d.Describe())
	}
	s.logger.Info("removing stale running marker", "pid", pid)
	s.clearMarker()
	return nil
}

func (s *Supervisor) clearMarker() {
	if err := process.RemoveMarker(s.paths.Marker); err != nil {
		s.logger.Warn("remove running marker", "path", s.paths.Marker, "error", err)
	}
}

func (s *Supervisor) persistMemory() {
	if err := s.store.Persist(); err != nil {
		s.logger.Warn("persist memory snapshot", "path", s.store.Path(), "error", err)
	}
}

func (s *Supervisor) coolDown() {
	if s.policy.CoolDown > 0 {
		s.clock.Sleep(s.policy.CoolDown)
	}
}

// buildSource returns the configured sync collaborator, falling back to
// remote.Noop.
func (s *Supervisor) buildSource() remote.Source {
	if s.source != nil {
		return s.source
	}
	if s.cfg.Sync.BaseURL == "" {
		return remote.Noop{}
	}
	src, err := remote.NewHTTPSource(remote.HTTPConfig{
		BaseURL: s.cfg.Sync.BaseURL,
		Token:   s.cfg.Sync.Token,
		Path:    s.cfg.Sync.Path,
		Timeout: s.cfg.Sync.Timeout,
		Logger:  s.logger,
	})
	if err != nil {
		s.logger.Warn("external sync disabled", "error", err)
		return remote.Noop{}
	}
	return src
}

func (s *Supervisor) setState(next State) {
	prev := s.state
	s.state = next
	s.publish()
	if prev == next {
		return
	}
	metrics.RecordStateTransition(s.paths.Workspace, prev.String(), next.String())
	s.logger.Debug("state transition", "from", prev, "to", next)
	s.sink.Appendf("state %s -> %s", prev, next)
}

func (s *Supervisor) emit(t history.EventType, diag Diagnostic, ex *process.Exit) {
	if s.recorder.Len() == 0 {
		return
	}
	rec := history.Record{
		Workspace:    s.paths.Workspace,
		State:        s.state.String(),
		RestartCount: s.restarts,
		Diagnostic:   string(diag),
	}
	if s.proc != nil {
		rec.PID = s.proc.PID()
		rec.StartedAt = s.proc.StartedAt()
	}
	if ex != nil {
		if rec.PID == 0 {
			rec.PID = ex.PID
			rec.StartedAt = s.lastStartedAt
		}
		rec.StoppedAt = sql.NullTime{Time: ex.At, Valid: true}
		if ex.Code != 0 || ex.Signal != "" || ex.Err != "" {
			rec.ExitErr = sql.NullString{String: ex.String(), Valid: true}
		}
	}
	s.recorder.Record(context.Background(), history.NewEvent(t, s.clock.Now(), rec))
}
