package process

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/agentvisor/internal/detector"
	"github.com/loykin/agentvisor/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func spawn(t *testing.T, spec Spec) *Process {
	t.Helper()
	p, err := Spawn(spec, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = p.Terminate(100 * time.Millisecond) })
	return p
}

func waitDone(t *testing.T, p *Process) Exit {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("pid %d did not exit", p.PID())
	}
	ex, ok := p.Exit()
	require.True(t, ok)
	return ex
}

func TestBuildCommand(t *testing.T) {
	requireUnix(t)
	c := Spec{Command: "sleep 1"}.BuildCommand()
	assert.Equal(t, []string{"sleep", "1"}, c.Args)

	c = Spec{Command: "echo hi | cat"}.BuildCommand()
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi | cat"}, c.Args)

	c = Spec{Command: "sh -c 'echo a; echo b'"}.BuildCommand()
	assert.Equal(t, []string{"/bin/sh", "-c", "echo a; echo b"}, c.Args)

	c = Spec{Path: "/usr/bin/env", Args: []string{"a b", "c"}, Command: "ignored"}.BuildCommand()
	assert.Equal(t, []string{"/usr/bin/env", "a b", "c"}, c.Args)

	assert.Error(t, Spec{}.Validate())
	assert.Equal(t, "/usr/bin/env x", Spec{Path: "/usr/bin/env", Args: []string{"x"}}.CommandLine())
}

func TestSpawnAndObserveCrash(t *testing.T) {
	requireUnix(t)
	p := spawn(t, Spec{Name: "sleeper", Command: "sleep 300"})
	require.Greater(t, p.PID(), 0)
	assert.True(t, p.IsAlive())
	_, ok := p.Exit()
	assert.False(t, ok)

	require.NoError(t, syscall.Kill(p.PID(), syscall.SIGKILL))
	ex := waitDone(t, p)
	assert.Equal(t, p.PID(), ex.PID)
	assert.Equal(t, "killed", ex.Signal)
	assert.False(t, p.IsAlive())
	assert.Contains(t, ex.String(), "killed")

	// signalling an exited worker is not an error
	assert.NoError(t, p.Signal(syscall.SIGTERM))
}

func TestExitCode(t *testing.T) {
	requireUnix(t)
	p := spawn(t, Spec{Command: "sh -c 'exit 7'"})
	ex := waitDone(t, p)
	assert.Equal(t, 7, ex.Code)
	assert.Empty(t, ex.Signal)
}

func TestSpawnFailure(t *testing.T) {
	_, err := Spawn(Spec{Path: "/definitely/not/here"}, nil)
	assert.Error(t, err)
}

func TestOutputRingBuffer(t *testing.T) {
	requireUnix(t)
	p := spawn(t, Spec{
		Command:          "sh -c 'printf 0123456789; printf oops >&2'",
		OutputBufferSize: 4,
	})
	waitDone(t, p)
	out := p.Output()
	assert.Equal(t, "6789", out.Stdout)
	assert.Equal(t, "oops", out.Stderr)
	assert.Equal(t, int64(10), out.StdoutTotal)
	assert.True(t, out.Truncated)
}

func TestOutputTeedToLogFiles(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	p := spawn(t, Spec{Name: "agent", Command: "sh -c 'echo hello'", Log: logger.FileConfig{Dir: dir}})
	waitDone(t, p)
	assert.Equal(t, "hello\n", p.Output().Stdout)

	b, err := os.ReadFile(filepath.Join(dir, "agent.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))
}

func TestTerminateGraceful(t *testing.T) {
	requireUnix(t)
	p := spawn(t, Spec{Command: "sleep 300"})
	start := time.Now()
	ex, err := p.Terminate(3 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "terminated", ex.Signal)
	assert.Less(t, time.Since(start), 3*time.Second)

	// idempotent
	ex2, err := p.Terminate(time.Second)
	require.NoError(t, err)
	assert.Equal(t, ex, ex2)
}

func TestTerminateEscalatesToKill(t *testing.T) {
	requireUnix(t)
	p := spawn(t, Spec{Command: "sh -c 'trap \"\" TERM; echo ready; while true; do sleep 0.05; done'"})
	require.Eventually(t, func() bool {
		return strings.Contains(p.Output().Stdout, "ready")
	}, 5*time.Second, 10*time.Millisecond)

	ex, err := p.Terminate(200 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "killed", ex.Signal)
	assert.Equal(t, fmt.Sprintf("pid %d terminated by signal killed", p.PID()), ex.String())
	assert.False(t, detector.Alive(p.PID()))
}

func TestExitString(t *testing.T) {
	assert.Equal(t, "pid 10 terminated by signal terminated", Exit{PID: 10, Signal: "terminated"}.String())
	assert.Equal(t, "pid 10 exited with code 3", Exit{PID: 10, Code: 3}.String())
	assert.Equal(t, "pid 10: wait timeout", Exit{PID: 10, Code: -1, Err: "wait timeout"}.String())
}

func TestRSS(t *testing.T) {
	requireUnix(t)
	p := spawn(t, Spec{Command: "sleep 300"})
	rss, err := p.RSS()
	require.NoError(t, err)
	assert.Greater(t, rss, uint64(0))

	self, err := SelfRSS()
	require.NoError(t, err)
	assert.Greater(t, self, uint64(0))
}

func TestMarkerRoundTrip(t *testing.T) {
	requireUnix(t)
	p := spawn(t, Spec{Command: "sleep 300"})
	path := filepath.Join(t.TempDir(), ".agentvisor", "agent.pid")

	require.NoError(t, WriteMarker(path, p.PID(), detector.Meta{Workspace: "/ws", Port: 3001}))
	pid, meta, err := ReadMarker(path)
	require.NoError(t, err)
	assert.Equal(t, p.PID(), pid)
	assert.Equal(t, "/ws", meta.Workspace)
	assert.Equal(t, 3001, meta.Port)

	holder, alive, err := detector.PIDFileDetector{PIDFile: path}.Holder()
	require.NoError(t, err)
	assert.Equal(t, p.PID(), holder)
	assert.True(t, alive)

	require.NoError(t, RemoveMarker(path))
	require.NoError(t, RemoveMarker(path))
	_, _, err = ReadMarker(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.Error(t, WriteMarker(path, 0, detector.Meta{}))
}
