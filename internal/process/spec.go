package process

import (
	"errors"
	"os/exec"
	"runtime"
	"strings"

	"github.com/loykin/agentvisor/internal/logger"
)

// DefaultOutputBufferSize is the per-stream capacity of the output ring.
const DefaultOutputBufferSize = 64 * 1024

// Spec describes how to launch the worker. Path+Args take precedence over
// Command; Command is a command line parsed the way a shell user expects.
type Spec struct {
	Name             string            `json:"name"`
	Path             string            `json:"path,omitempty"`
	Args             []string          `json:"args,omitempty"`
	Command          string            `json:"command,omitempty"`
	WorkDir          string            `json:"work_dir,omitempty"`
	Env              []string          `json:"env,omitempty"` // complete environment; nil inherits
	Log              logger.FileConfig `json:"log"`
	OutputBufferSize int64             `json:"output_buffer_size,omitempty"`
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Path) == "" && strings.TrimSpace(s.Command) == "" {
		return errors.New("spec requires path or command")
	}
	return nil
}

// CommandLine renders the spec for logs and the marker file.
func (s Spec) CommandLine() string {
	if s.Path != "" {
		return strings.TrimSpace(s.Path + " " + strings.Join(s.Args, " "))
	}
	return strings.TrimSpace(s.Command)
}

// BuildCommand constructs an *exec.Cmd for the spec. A Command string avoids
// a shell unless shell metacharacters are present, and an explicit
// "sh -c ..." prefix is honored without double wrapping.
func (s Spec) BuildCommand() *exec.Cmd {
	if s.Path != "" {
		// #nosec G204
		return exec.Command(s.Path, s.Args...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if script, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(script)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

func shellCommand(script string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		// #nosec G204
		return exec.Command("cmd", "/c", script)
	}
	// Absolute path so an overridden PATH cannot break the launch.
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}

// parseExplicitShell detects "sh -c <script>" style prefixes and returns the
// script with one pair of surrounding quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(cmdStr, p) {
			continue
		}
		after := cmdStr[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
