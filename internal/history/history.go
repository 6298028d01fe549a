package history

import (
	"context"
	"time"
)

// EventType defines the kind of execution lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
)

// Event is one execution lifecycle event exported to durable history.
// Stop events carry the terminal result; start events leave it empty.
type Event struct {
	Type         EventType `json:"type"`
	OccurredAt   time.Time `json:"occurred_at"`
	ExecutionID  string    `json:"execution_id"`
	DeviceSerial string    `json:"device_serial"`
	ScriptID     string    `json:"script_id"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	StoppedAt    time.Time `json:"stopped_at,omitempty"`
	Result       string    `json:"result,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// Sink is a destination for execution history. Implementations must be
// safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
