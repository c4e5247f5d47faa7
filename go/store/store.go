// Package store persists reconciled task records in Postgres.
//
// Each public operation is a single SQL statement, and event merges use a
// column-wise COALESCE upsert: a column is written only while it's still
// NULL, so the first event to supply a value wins and later duplicates or
// stragglers leave it untouched. Because each event kind owns a disjoint
// set of columns, merges commute and the row converges under out-of-order,
// at-least-once delivery. The one exception to the NULL rule is created_at,
// which carries a wall-clock default until the Assignment supplies it (see
// MergeAssignment).
package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pf "github.com/estuary/task-relay/go/protocols/task"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

//go:embed schema.sql
var schemaDDL string

// Store is a keyed map of task id to reconciled task row, backed by a shared
// Postgres connection pool. Atomicity of each operation is provided by the
// database; the Store holds no locks of its own.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect dials |url| and verifies the connection with a ping.
func Connect(ctx context.Context, url string) (*Store, error) {
	var pool, err = pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() { s.pool.Close() }

// Ping verifies database liveness, for health probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// EnsureSchema applies the embedded DDL. All statements are idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// GetTask fetches a task row, or nil if no events for it have arrived.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*pf.Task, error) {
	var row = s.pool.QueryRow(ctx, `
		SELECT id, task_kind_name, worker_kind_name, input_data, output_data,
		       is_error, priority, executed_by, started_at, completed_at,
		       ttl_duration, created_at, updated_at, otel_ctx_carrier
		FROM tasks WHERE id = $1`,
		id,
	)

	var t pf.Task
	var carrier []byte
	var err = row.Scan(
		&t.ID, &t.TaskKind, &t.WorkerKind, &t.InputData, &t.OutputData,
		&t.IsError, &t.Priority, &t.ExecutedBy, &t.StartedAt, &t.CompletedAt,
		&t.TTLDuration, &t.CreatedAt, &t.UpdatedAt, &carrier,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching task %s: %w", id, err)
	}

	if carrier != nil {
		if err = json.Unmarshal(carrier, &t.OtelCtxCarrier); err != nil {
			return nil, fmt.Errorf("decoding otel carrier of task %s: %w", id, err)
		}
	}
	normalize(&t)
	return &t, nil
}

// CreateTask inserts a complete task row. It's a seeding surface for the
// HTTP tests and tooling, not part of the event path.
func (s *Store) CreateTask(ctx context.Context, t *pf.Task) error {
	var carrier, err = marshalCarrier(t.OtelCtxCarrier)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (
			id, task_kind_name, worker_kind_name, input_data, output_data,
			is_error, priority, executed_by, started_at, completed_at,
			ttl_duration, created_at, updated_at, otel_ctx_carrier
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.TaskKind, t.WorkerKind, t.InputData, t.OutputData,
		t.IsError, t.Priority, t.ExecutedBy, t.StartedAt, t.CompletedAt,
		t.TTLDuration, t.CreatedAt.UTC(), t.UpdatedAt.UTC(), carrier,
	)
	if err != nil {
		return fmt.Errorf("creating task %s: %w", t.ID, err)
	}
	return nil
}

// MergeAssignment applies the columns owned by an Assignment event.
// created_at is never NULL (it defaults to the first write's wall clock), so
// rather than COALESCE it takes the Assignment's value whenever no Assignment
// has been applied yet, i.e. while task_kind_name is still NULL.
func (s *Store) MergeAssignment(ctx context.Context, a pf.Assignment) error {
	var carrier, err = marshalCarrier(a.OtelCtxCarrier)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"taskID": a.ID, "taskKind": a.TaskKind}).
		Debug("merging assignment event")

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (
			id, task_kind_name, worker_kind_name, input_data,
			ttl_duration, priority, created_at, otel_ctx_carrier
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			task_kind_name   = COALESCE(tasks.task_kind_name, EXCLUDED.task_kind_name),
			worker_kind_name = COALESCE(tasks.worker_kind_name, EXCLUDED.worker_kind_name),
			input_data       = COALESCE(tasks.input_data, EXCLUDED.input_data),
			ttl_duration     = COALESCE(tasks.ttl_duration, EXCLUDED.ttl_duration),
			priority         = COALESCE(tasks.priority, EXCLUDED.priority),
			created_at       = CASE WHEN tasks.task_kind_name IS NULL
			                        THEN EXCLUDED.created_at ELSE tasks.created_at END,
			otel_ctx_carrier = COALESCE(tasks.otel_ctx_carrier, EXCLUDED.otel_ctx_carrier),
			updated_at       = now()`,
		a.ID, a.TaskKind, a.WorkerKind, a.InputData,
		a.TTLDuration, a.Priority, a.CreatedAt.UTC(), carrier,
	)
	if err != nil {
		return fmt.Errorf("merging assignment of task %s: %w", a.ID, err)
	}
	return nil
}

// MergeRunning applies the columns owned by a Running event.
func (s *Store) MergeRunning(ctx context.Context, r pf.Running) error {
	log.WithFields(log.Fields{"taskID": r.ID, "executedBy": r.ExecutedBy}).
		Debug("merging running event")

	var _, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, started_at, executed_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			started_at  = COALESCE(tasks.started_at, EXCLUDED.started_at),
			executed_by = COALESCE(tasks.executed_by, EXCLUDED.executed_by),
			updated_at  = now()`,
		r.ID, r.StartedAt.UTC(), r.ExecutedBy,
	)
	if err != nil {
		return fmt.Errorf("merging running update of task %s: %w", r.ID, err)
	}
	return nil
}

// MergeCompleted applies the columns owned by a Completed event.
func (s *Store) MergeCompleted(ctx context.Context, c pf.Completed) error {
	log.WithFields(log.Fields{"taskID": c.ID, "isError": c.IsError}).
		Debug("merging completed event")

	var _, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, completed_at, output_data, is_error)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			completed_at = COALESCE(tasks.completed_at, EXCLUDED.completed_at),
			output_data  = COALESCE(tasks.output_data, EXCLUDED.output_data),
			is_error     = COALESCE(tasks.is_error, EXCLUDED.is_error),
			updated_at   = now()`,
		c.ID, c.CompletedAt.UTC(), c.OutputData, c.IsError,
	)
	if err != nil {
		return fmt.Errorf("merging completed update of task %s: %w", c.ID, err)
	}
	return nil
}

// DeleteExpired removes rows whose completion-relative TTL has elapsed, and
// returns the number removed. Rows which never completed are untouched.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	var tag, err = s.pool.Exec(ctx, `
		DELETE FROM tasks
		WHERE completed_at IS NOT NULL
		  AND completed_at + interval '1 second' * ttl_duration < now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EnsureWorkerKind registers a worker kind the first time it's observed.
func (s *Store) EnsureWorkerKind(ctx context.Context, name string) error {
	var _, err = s.pool.Exec(ctx, `
		INSERT INTO worker_kinds (name) VALUES ($1)
		ON CONFLICT (name) DO NOTHING`,
		name,
	)
	if err != nil {
		return fmt.Errorf("registering worker kind %q: %w", name, err)
	}
	return nil
}

// RecordWorkerSeen registers a worker and advances its last-seen timestamp.
// The timestamp only moves forward, so redelivered events can't rewind it.
func (s *Store) RecordWorkerSeen(ctx context.Context, name string, seenAt time.Time) error {
	var _, err = s.pool.Exec(ctx, `
		INSERT INTO workers (name, first_seen_at, last_seen_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (name) DO UPDATE SET
			last_seen_at = GREATEST(workers.last_seen_at, EXCLUDED.last_seen_at)`,
		name, seenAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording worker %q: %w", name, err)
	}
	return nil
}

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

func marshalCarrier(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	var b, err = json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding otel carrier: %w", err)
	}
	return b, nil
}

// normalize re-homes scanned timestamps in UTC, so records compare equal
// regardless of the session timezone Postgres reported them in.
func normalize(t *pf.Task) {
	var utc = func(ts *time.Time) *time.Time {
		if ts == nil {
			return nil
		}
		var u = ts.UTC()
		return &u
	}
	t.StartedAt = utc(t.StartedAt)
	t.CompletedAt = utc(t.CompletedAt)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
}
