// Package task defines the reconciled Task record, the three lifecycle
// events which partially describe it, and their Avro wire codecs.
package task

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Status is the derived lifecycle status of a Task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

// Task is the durable, reconciled record of one observed task.
//
// Events arrive out of order and at-least-once, and each event kind supplies
// only a subset of these fields. Every field other than ID, CreatedAt and
// UpdatedAt is therefore nullable: nil means no event has yet supplied it.
type Task struct {
	ID         uuid.UUID
	TaskKind   *string
	WorkerKind *string

	InputData  []byte
	OutputData []byte
	IsError    *int32

	Priority    *int32
	TTLDuration *int64 // Seconds, relative to CompletedAt.

	ExecutedBy  *string
	StartedAt   *time.Time
	CompletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	// OtelCtxCarrier is an opaque carrier of distributed-tracing context,
	// propagated alongside the task but never interpreted by the relay.
	OtelCtxCarrier map[string]string
}

// Status derives the task's lifecycle status. It's a pure function of the
// completed_at and started_at columns: a task with any completion evidence is
// completed, one with any execution evidence is processing, and otherwise
// it's pending. No other field participates.
func (t *Task) Status() Status {
	if t.CompletedAt != nil {
		return StatusCompleted
	}
	if t.StartedAt != nil {
		return StatusProcessing
	}
	return StatusPending
}

// Expired is true iff the task completed and its completion-relative TTL has
// elapsed as-of |now|. Tasks which never completed don't expire.
func (t *Task) Expired(now time.Time) bool {
	if t.CompletedAt == nil || t.TTLDuration == nil {
		return false
	}
	return t.CompletedAt.Add(time.Duration(*t.TTLDuration) * time.Second).Before(now)
}

// taskJSON is the HTTP projection of a Task. Byte fields render as UTF-8
// strings (each invalid byte replaced by U+FFFD) rather than base64, and timestamps as
// RFC-3339, matching what task publishers put in and expect back out.
type taskJSON struct {
	ID             string            `json:"id"`
	TaskKind       *string           `json:"task_kind"`
	WorkerKind     *string           `json:"worker_kind"`
	InputData      *string           `json:"input_data"`
	OutputData     *string           `json:"output_data"`
	IsError        *int32            `json:"is_error"`
	Status         Status            `json:"status"`
	Priority       *int32            `json:"priority"`
	ExecutedBy     *string           `json:"executed_by"`
	StartedAt      *string           `json:"started_at"`
	CompletedAt    *string           `json:"completed_at"`
	TTLDuration    *int64            `json:"ttl_duration"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
	OtelCtxCarrier map[string]string `json:"otel_ctx_carrier"`
}

func (t Task) MarshalJSON() ([]byte, error) {
	var lossy = func(b []byte) *string {
		if b == nil {
			return nil
		}
		// Replace each invalid byte individually, so a run of N invalid
		// bytes yields N replacement characters.
		var sb strings.Builder
		for len(b) > 0 {
			var r, size = utf8.DecodeRune(b)
			sb.WriteRune(r)
			b = b[size:]
		}
		var s = sb.String()
		return &s
	}
	var stamp = func(ts *time.Time) *string {
		if ts == nil {
			return nil
		}
		var s = ts.UTC().Format(time.RFC3339Nano)
		return &s
	}

	return json.Marshal(taskJSON{
		ID:             t.ID.String(),
		TaskKind:       t.TaskKind,
		WorkerKind:     t.WorkerKind,
		InputData:      lossy(t.InputData),
		OutputData:     lossy(t.OutputData),
		IsError:        t.IsError,
		Status:         t.Status(),
		Priority:       t.Priority,
		ExecutedBy:     t.ExecutedBy,
		StartedAt:      stamp(t.StartedAt),
		CompletedAt:    stamp(t.CompletedAt),
		TTLDuration:    t.TTLDuration,
		CreatedAt:      t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:      t.UpdatedAt.UTC().Format(time.RFC3339Nano),
		OtelCtxCarrier: t.OtelCtxCarrier,
	})
}
