package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventRestart EventType = "restart"
	EventFailed  EventType = "failed"
	EventHealth  EventType = "health"
)

// Record is the worker state attached to an event.
type Record struct {
	Workspace    string         `json:"workspace"`
	PID          int            `json:"pid"`
	State        string         `json:"state"`
	RestartCount int            `json:"restart_count"`
	Diagnostic   string         `json:"diagnostic,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	StoppedAt    sql.NullTime   `json:"stopped_at"`
	ExitErr      sql.NullString `json:"exit_err"`
	Uniq         string         `json:"uniq"`
}

// UniqueKey identifies one worker instance across events.
func UniqueKey(workspace string, pid int, startedAt time.Time) string {
	return fmt.Sprintf("%s|%d|%d", workspace, pid, startedAt.UnixNano())
}

// Event represents a lifecycle event exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// NewEvent stamps rec with a fresh id and the given time.
func NewEvent(t EventType, at time.Time, rec Record) Event {
	if rec.Uniq == "" && rec.PID > 0 {
		rec.Uniq = UniqueKey(rec.Workspace, rec.PID, rec.StartedAt)
	}
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: at.UTC(), Record: rec}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds one Send on each sink.
const DefaultSendTimeout = 5 * time.Second

// Recorder fans events out to every sink. Delivery is best effort: errors
// are logged and never returned to the lifecycle path.
type Recorder struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: sinks, logger: logger, timeout: DefaultSendTimeout}
}

func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	return len(r.sinks)
}

// Record sends e to all sinks. A nil Recorder drops events.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	for _, s := range r.sinks {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		if err := s.Send(sctx, e); err != nil {
			r.logger.Warn("history sink send failed", "type", e.Type, "id", e.ID, "error", err)
		}
		cancel()
	}
}

// Close closes every sink that holds resources.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
