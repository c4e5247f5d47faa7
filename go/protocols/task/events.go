package task

import (
	"time"

	"github.com/google/uuid"
)

// Assignment records that a task was created and routed to a worker kind.
// It owns the descriptive columns of the task row.
type Assignment struct {
	ID             uuid.UUID
	TaskKind       string
	WorkerKind     string
	CreatedAt      time.Time
	InputData      []byte
	Priority       int32
	TTLDuration    int64 // Seconds.
	OtelCtxCarrier map[string]string
}

// Running records that a worker picked up the task and began executing it.
type Running struct {
	ID         uuid.UUID
	StartedAt  time.Time
	ExecutedBy string
}

// Completed records that execution finished, successfully or not.
// IsError is an integer 0/1 rather than a bool, preserved verbatim from the
// wire schema.
type Completed struct {
	ID          uuid.UUID
	CompletedAt time.Time
	OutputData  []byte
	IsError     int32
}

// Event is a closed union over the three lifecycle events.
// Exactly one variant is non-nil.
type Event struct {
	Assignment *Assignment
	Running    *Running
	Completed  *Completed
}

// TaskID returns the id of the task this event describes.
func (e Event) TaskID() uuid.UUID {
	switch {
	case e.Assignment != nil:
		return e.Assignment.ID
	case e.Running != nil:
		return e.Running.ID
	case e.Completed != nil:
		return e.Completed.ID
	default:
		return uuid.Nil
	}
}

// Type returns the wire name of the event's variant.
func (e Event) Type() string {
	switch {
	case e.Assignment != nil:
		return "TaskAssignment"
	case e.Running != nil:
		return "TaskRunning"
	case e.Completed != nil:
		return "TaskCompleted"
	default:
		return ""
	}
}
