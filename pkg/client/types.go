package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status mirrors the supervisor status served at GET /status.
type Status struct {
	Workspace         string        `json:"workspace"`
	State             string        `json:"state"`
	Running           bool          `json:"running"`
	PID               int           `json:"pid,omitempty"`
	RestartCount      int           `json:"restart_count"`
	Uptime            time.Duration `json:"uptime"`
	StartedAt         time.Time     `json:"started_at,omitempty"`
	ExternalConnected bool          `json:"external_connected"`
	MemoryEntries     int           `json:"memory_entries"`
	LastExit          *Exit         `json:"last_exit,omitempty"`
	LastHealth        *Health       `json:"last_health,omitempty"`
}

// Exit describes how the previous worker ended.
type Exit struct {
	PID    int       `json:"pid"`
	Code   int       `json:"code"`
	Signal string    `json:"signal,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Health is the latest health check outcome.
type Health struct {
	Healthy    bool      `json:"healthy"`
	Diagnostic string    `json:"diagnostic,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Result is returned by start, stop and restart.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Status  Status `json:"status"`
}

// MemoryEntry is one item of the supervisor's persisted memory.
type MemoryEntry struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Output is the buffered tail of the worker's stdout and stderr.
type Output struct {
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	Truncated   bool   `json:"truncated"`
	StdoutTotal int64  `json:"stdout_total"`
	StderrTotal int64  `json:"stderr_total"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}
