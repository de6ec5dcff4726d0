package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/agentvisor/internal/clock"
	"github.com/robfig/cron/v3"
)

// Every returns a schedule that fires d after the previous run.
// Unlike cron.Every it keeps sub-second precision.
func Every(d time.Duration) cron.Schedule { return interval(d) }

type interval time.Duration

func (i interval) Next(t time.Time) time.Time { return t.Add(time.Duration(i)) }

// Parse accepts either a Go duration ("30s", "5m") or a cron expression
// understood by robfig/cron ("@every 10m", "*/5 * * * *").
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty schedule")
	}
	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule %q: duration must be > 0", expr)
		}
		return Every(d), nil
	}
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", expr, err)
	}
	return s, nil
}

// Task is a named periodic function.
type Task struct {
	Name     string
	Schedule cron.Schedule
	Run      func(ctx context.Context)

	trigger chan struct{}
}

// Scheduler runs a fixed set of tasks, each on its own goroutine so a slow
// task never delays another. A Scheduler is single use: Start once, Stop once.
type Scheduler struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*Task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

func New(c clock.Clock, logger *slog.Logger) *Scheduler {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{clock: c, logger: logger, tasks: make(map[string]*Task)}
}

// Add registers a task. Tasks must be added before Start.
func (s *Scheduler) Add(name string, sched cron.Schedule, run func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	if name == "" || sched == nil || run == nil {
		return errors.New("task requires name, schedule and func")
	}
	if _, dup := s.tasks[name]; dup {
		return fmt.Errorf("task %s already registered", name)
	}
	s.tasks[name] = &Task{Name: name, Schedule: sched, Run: run, trigger: make(chan struct{}, 1)}
	return nil
}

// Start launches one loop per task.
func (s *Scheduler) Start(parent context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	return nil
}

// Trigger runs the named task as soon as possible without waiting for its
// next tick. Concurrent triggers coalesce. It reports whether the task exists.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	t, ok := s.tasks[name]
	live := s.started && !s.stopped
	s.mu.Unlock()
	if !ok || !live {
		return false
	}
	select {
	case t.trigger <- struct{}{}:
	default:
	}
	return true
}

// Stop cancels every task and waits for the loops to return. After Stop
// returns no task body is running and none will run again.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t *Task) {
	defer s.wg.Done()
	for {
		now := s.clock.Now()
		timer := s.clock.NewTimer(t.Schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		case <-t.trigger:
			timer.Stop()
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Debug("running scheduled task", "task", t.Name)
		t.Run(ctx)
	}
}
