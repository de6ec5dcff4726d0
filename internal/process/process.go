package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/agentvisor/internal/detector"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// waitDelay bounds how long Wait keeps copying output after the worker
// exits, e.g. when a grandchild still holds the pipes.
const waitDelay = 2 * time.Second

// killWait is how long Terminate waits for the reaper after SIGKILL.
const killWait = 5 * time.Second

// Exit describes how a worker ended.
type Exit struct {
	PID    int       `json:"pid"`
	Code   int       `json:"code"`
	Signal string    `json:"signal,omitempty"`
	Err    string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

func (e Exit) String() string {
	switch {
	case e.Signal != "":
		return fmt.Sprintf("pid %d terminated by signal %s", e.PID, e.Signal)
	case e.Err != "" && e.Code < 0:
		return fmt.Sprintf("pid %d: %s", e.PID, e.Err)
	default:
		return fmt.Sprintf("pid %d exited with code %d", e.PID, e.Code)
	}
}

// Process is one spawned worker instance. It is never reused: a restart
// spawns a new Process.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	logger    *slog.Logger

	stdout  *ringBuffer
	stderr  *ringBuffer
	closers []io.Closer

	done chan struct{}
	mu   sync.Mutex
	exit Exit
}

// Spawn starts the worker in its own process group and begins observing its
// exit. Output goes to bounded ring buffers and, when spec.Log configures
// files, to rotated log files as well.
func Spawn(spec Spec, logger *slog.Logger) (*Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	name := spec.Name
	if name == "" {
		name = "worker"
	}
	p := &Process{
		spec:   spec,
		logger: logger.With("worker", name),
		stdout: newRingBuffer(spec.OutputBufferSize),
		stderr: newRingBuffer(spec.OutputBufferSize),
		done:   make(chan struct{}),
	}

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)
	cmd.WaitDelay = waitDelay

	var outW, errW io.Writer = p.stdout, p.stderr
	if spec.Log.Dir != "" {
		_ = os.MkdirAll(spec.Log.Dir, 0o750)
	}
	fo, fe := spec.Log.Writers(name)
	if fo != nil {
		outW = io.MultiWriter(p.stdout, fo)
		p.closers = append(p.closers, fo)
	}
	if fe != nil {
		errW = io.MultiWriter(p.stderr, fe)
		p.closers = append(p.closers, fe)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return nil, fmt.Errorf("start %s: %w", spec.CommandLine(), err)
	}
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	p.logger.Debug("worker spawned", "pid", p.pid, "command", spec.CommandLine())

	go p.observe()
	return p, nil
}

// observe is the single waiter for the child.
func (p *Process) observe() {
	err := p.cmd.Wait()
	ex := Exit{PID: p.pid, At: time.Now()}
	if st := p.cmd.ProcessState; st != nil {
		ex.Code = st.ExitCode()
		if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			ex.Signal = ws.Signal().String()
		}
	} else {
		ex.Code = -1
	}
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		ex.Err = err.Error()
	}
	p.closeWriters()

	p.mu.Lock()
	p.exit = ex
	p.mu.Unlock()
	close(p.done)
	p.logger.Debug("worker exited", "pid", p.pid, "code", ex.Code, "signal", ex.Signal)
}

func (p *Process) closeWriters() {
	for _, c := range p.closers {
		_ = c.Close()
	}
	p.closers = nil
}

func (p *Process) PID() int             { return p.pid }
func (p *Process) StartedAt() time.Time { return p.startedAt }
func (p *Process) Spec() Spec           { return p.spec }

// Done is closed exactly once, after the worker has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exit returns the exit record once Done is closed.
func (p *Process) Exit() (Exit, bool) {
	select {
	case <-p.done:
	default:
		return Exit{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit, true
}

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Signal sends sig to the worker's process group. Signalling a worker that
// has already exited is logged and reported as success.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.exited() {
		p.logger.Debug("signal to exited worker ignored", "pid", p.pid, "signal", sig)
		return nil
	}
	if err := signalGroup(p.pid, sig); err != nil {
		if isProcessGone(err) {
			p.logger.Debug("signal to exited worker ignored", "pid", p.pid, "signal", sig)
			return nil
		}
		return fmt.Errorf("signal %v to pid %d: %w", sig, p.pid, err)
	}
	return nil
}

// IsAlive probes the OS rather than trusting the exit observer alone, so a
// worker that is stopped or wedged as a zombie is reported dead.
func (p *Process) IsAlive() bool {
	if p.exited() {
		return false
	}
	return detector.Alive(p.pid)
}

// Terminate asks the worker to stop with SIGTERM, waits up to grace, then
// escalates to SIGKILL. It returns once the worker has been reaped, or
// after a bounded wait following SIGKILL.
func (p *Process) Terminate(grace time.Duration) (Exit, error) {
	if ex, ok := p.Exit(); ok {
		return ex, nil
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		p.logger.Warn("graceful termination failed", "pid", p.pid, "error", err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		ex, _ := p.Exit()
		return ex, nil
	case <-timer.C:
	}

	p.logger.Warn("worker ignored SIGTERM, escalating", "pid", p.pid, "grace", grace)
	if err := p.Signal(syscall.SIGKILL); err != nil {
		return Exit{}, err
	}
	select {
	case <-p.done:
		ex, _ := p.Exit()
		return ex, nil
	case <-time.After(killWait):
		return Exit{}, fmt.Errorf("pid %d not reaped %s after SIGKILL", p.pid, killWait)
	}
}

// Output replays the buffered tail of stdout and stderr.
func (p *Process) Output() Output {
	o := Output{
		Stdout:      p.stdout.String(),
		Stderr:      p.stderr.String(),
		StdoutTotal: p.stdout.TotalWritten(),
		StderrTotal: p.stderr.TotalWritten(),
	}
	o.Truncated = o.StdoutTotal > int64(len(o.Stdout)) || o.StderrTotal > int64(len(o.Stderr))
	return o
}

// RSS returns the worker's resident set size in bytes.
func (p *Process) RSS() (uint64, error) {
	if p.exited() {
		return 0, errors.New("worker has exited")
	}
	return RSSOf(p.pid)
}

// RSSOf returns the resident set size of pid in bytes.
func RSSOf(pid int) (uint64, error) {
	gp, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	mi, err := gp.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mi.RSS, nil
}

// SelfRSS returns the supervisor's own resident set size in bytes.
func SelfRSS() (uint64, error) { return RSSOf(os.Getpid()) }
