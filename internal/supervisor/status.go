package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/loykin/agentvisor/internal/process"
)

var (
	// ErrAlreadyRunning is attached to a successful no-op Start.
	ErrAlreadyRunning = errors.New("worker already running")
	// ErrMarkerHeld means the running marker names another live worker.
	ErrMarkerHeld = errors.New("workspace marker held by a live process")
	// ErrClosed is returned once the supervisor has been closed.
	ErrClosed = errors.New("supervisor closed")
)

// State of the supervised worker.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, c := range []State{StateStopped, StateStarting, StateRunning, StateRestarting, StateFailed} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", string(b))
}

// Diagnostic classifies a failed health check.
type Diagnostic string

const (
	DiagProcessDead            Diagnostic = "process-dead"
	DiagMemoryOverThreshold    Diagnostic = "memory-over-threshold"
	DiagExternalConnectionLost Diagnostic = "external-connection-lost"
)

// HealthResult is the outcome of one health check. Only DiagProcessDead
// drives the restart policy.
type HealthResult struct {
	Healthy    bool       `json:"healthy"`
	Diagnostic Diagnostic `json:"diagnostic,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	At         time.Time  `json:"at"`
}

// Status is a read-only snapshot of the supervisor.
type Status struct {
	Workspace         string        `json:"workspace"`
	State             State         `json:"state"`
	Running           bool          `json:"running"`
	PID               int           `json:"pid,omitempty"`
	RestartCount      int           `json:"restart_count"`
	Uptime            time.Duration `json:"uptime"`
	StartedAt         time.Time     `json:"started_at,omitempty"`
	ExternalConnected bool          `json:"external_connected"`
	MemoryEntries     int           `json:"memory_entries"`
	LastExit          *process.Exit `json:"last_exit,omitempty"`
	LastHealth        *HealthResult `json:"last_health,omitempty"`
}

// Result is returned by Start, Stop and Restart. Success reports whether
// the worker ended up in the requested state; Err explains a failure or a
// no-op.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
	Status  Status `json:"status"`
}
