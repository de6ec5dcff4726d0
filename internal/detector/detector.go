package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Meta is the JSON line that follows the pid in a marker file.
type Meta struct {
	StartUnix int64  `json:"start_unix"`
	Workspace string `json:"workspace,omitempty"`
	Port      int    `json:"port,omitempty"`
	Command   string `json:"command,omitempty"`
}

// ParsePIDFile decodes "<pid>\n<meta json>\n". The meta line is optional and
// ignored when it does not parse.
func ParsePIDFile(data []byte) (int, Meta, error) {
	var meta Meta
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	pidLine, rest, _ := strings.Cut(text, "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, meta, fmt.Errorf("invalid pid: %w", err)
	}
	if pid <= 0 {
		return 0, meta, fmt.Errorf("invalid pid %d", pid)
	}
	metaLine, _, _ := strings.Cut(rest, "\n")
	if metaLine = strings.TrimSpace(metaLine); metaLine != "" {
		_ = json.Unmarshal([]byte(metaLine), &meta)
	}
	return pid, meta, nil
}

// PIDFileDetector detects a process through a marker file. A recorded start
// time that no longer matches the live pid means the pid was reused.
type PIDFileDetector struct {
	PIDFile string
}

// Holder returns the pid named by the marker and whether that process is
// still ours and alive. A missing file yields (0, false, nil).
func (d PIDFileDetector) Holder() (int, bool, error) {
	data, err := os.ReadFile(d.PIDFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	pid, meta, err := ParsePIDFile(data)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", d.PIDFile, err)
	}
	if meta.StartUnix > 0 {
		if cur := StartTime(pid); cur > 0 && cur != meta.StartUnix {
			return pid, false, nil
		}
	}
	return pid, Alive(pid), nil
}

func (d PIDFileDetector) Alive() (bool, error) {
	_, ok, err := d.Holder()
	return ok, err
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return Alive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
