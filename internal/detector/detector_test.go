package detector

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func startSleep(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})
	return cmd
}

func writeMarker(t *testing.T, path string, pid int, meta Meta) {
	t.Helper()
	mb, err := json.Marshal(meta)
	require.NoError(t, err)
	content := strings.Join([]string{strconv.Itoa(pid), string(mb), ""}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestParsePIDFile(t *testing.T) {
	pid, meta, err := ParsePIDFile([]byte("123\n{\"start_unix\":77,\"port\":3001}\n"))
	require.NoError(t, err)
	assert.Equal(t, 123, pid)
	assert.Equal(t, int64(77), meta.StartUnix)
	assert.Equal(t, 3001, meta.Port)

	pid, meta, err = ParsePIDFile([]byte("456\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 456, pid)
	assert.Zero(t, meta.StartUnix)

	pid, _, err = ParsePIDFile([]byte("789\nnot json\n"))
	require.NoError(t, err, "a broken meta line is ignored")
	assert.Equal(t, 789, pid)

	for _, bad := range []string{"", "abc", "0", "-5\n{}"} {
		_, _, err := ParsePIDFile([]byte(bad))
		assert.Error(t, err, "input %q", bad)
	}
}

func TestAliveWithRealProcess(t *testing.T) {
	requireUnix(t)
	cmd := startSleep(t)
	pid := cmd.Process.Pid
	assert.True(t, Alive(pid))

	_ = cmd.Process.Kill()
	_, _ = cmd.Process.Wait()
	assert.False(t, Alive(pid))
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))
}

func TestPIDFileDetectorMeta(t *testing.T) {
	requireUnix(t)
	cmd := startSleep(t)
	pid := cmd.Process.Pid
	time.Sleep(20 * time.Millisecond)
	start := StartTime(pid)
	if start == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	pf := filepath.Join(t.TempDir(), "agent.pid")

	writeMarker(t, pf, pid, Meta{StartUnix: start})
	holder, alive, err := PIDFileDetector{PIDFile: pf}.Holder()
	require.NoError(t, err)
	assert.Equal(t, pid, holder)
	assert.True(t, alive)

	// a mismatched start time means the pid was reused by someone else
	writeMarker(t, pf, pid, Meta{StartUnix: start + 12345})
	alive, err = PIDFileDetector{PIDFile: pf}.Alive()
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestPIDFileDetectorMissingAndInvalid(t *testing.T) {
	pf := filepath.Join(t.TempDir(), "agent.pid")
	d := PIDFileDetector{PIDFile: pf}

	pid, alive, err := d.Holder()
	require.NoError(t, err)
	assert.Zero(t, pid)
	assert.False(t, alive)

	require.NoError(t, os.WriteFile(pf, []byte("abc"), 0o600))
	_, err = d.Alive()
	assert.Error(t, err)
	assert.Equal(t, "pidfile:"+pf, d.Describe())
}

func TestCommandDetector(t *testing.T) {
	requireUnix(t)
	d := CommandDetector{Command: "true"}
	alive, err := d.Alive()
	require.NoError(t, err)
	assert.True(t, alive)
	assert.Equal(t, "cmd:true", d.Describe())

	alive, err = CommandDetector{Command: "sh -c 'exit 3'"}.Alive()
	require.NoError(t, err)
	assert.False(t, alive)

	alive, err = CommandDetector{Command: "sleep 5", Timeout: 50 * time.Millisecond}.Alive()
	require.NoError(t, err)
	assert.False(t, alive, "a probe that times out is not alive")

	_, err = CommandDetector{Command: "__definitely_not_exists__"}.Alive()
	assert.Error(t, err)

	_, err = CommandDetector{}.Alive()
	assert.Error(t, err)
}

func FuzzParsePIDFile(f *testing.F) {
	f.Add([]byte("123\n"))
	f.Add([]byte("not-a-number"))
	f.Add([]byte("1\n{\"start_unix\":1}\n"))
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _, _ = ParsePIDFile(data) // must not panic
	})
}
