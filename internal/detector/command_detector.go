package detector

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// DefaultProbeTimeout bounds a CommandDetector run.
const DefaultProbeTimeout = 10 * time.Second

// CommandDetector runs a probe command that exits 0 while the worker is
// healthy, e.g. "curl -sf http://127.0.0.1:3001/healthz".
type CommandDetector struct {
	Command string
	Timeout time.Duration
}

// buildShellAwareCommand avoids a shell unless obvious shell metacharacters
// are present.
func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		if runtime.GOOS == "windows" {
			// #nosec G204
			return exec.CommandContext(ctx, "cmd", "/c", cmdStr)
		}
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

func (d CommandDetector) Alive() (bool, error) {
	if strings.TrimSpace(d.Command) == "" {
		return false, errors.New("probe command is empty")
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := buildShellAwareCommand(ctx, d.Command).Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		// non-zero exit (or killed on timeout) means not alive
		return false, nil
	}
	return false, err
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }
