package consumer

import (
	"context"
	"fmt"
	"time"

	pf "github.com/estuary/task-relay/go/protocols/task"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Store is the subset of the task store which the handler drives.
type Store interface {
	MergeAssignment(ctx context.Context, a pf.Assignment) error
	MergeRunning(ctx context.Context, r pf.Running) error
	MergeCompleted(ctx context.Context, c pf.Completed) error
	EnsureWorkerKind(ctx context.Context, name string) error
	RecordWorkerSeen(ctx context.Context, name string, seenAt time.Time) error
}

// Handler applies a parsed Event to the task store. It's stateless and
// re-entrant; a store error propagates to the consume loop, which withholds
// the ack so the broker redelivers.
type Handler struct {
	store      Store
	tracer     trace.Tracer
	propagator propagation.TraceContext
}

func NewHandler(store Store) *Handler {
	return &Handler{
		store:  store,
		tracer: otel.Tracer("task-relay/consumer"),
	}
}

func (h *Handler) Handle(ctx context.Context, event pf.Event) error {
	switch {
	case event.Assignment != nil:
		return h.handleAssignment(ctx, *event.Assignment)
	case event.Running != nil:
		return h.handleRunning(ctx, *event.Running)
	case event.Completed != nil:
		return h.handleCompleted(ctx, *event.Completed)
	default:
		return fmt.Errorf("event has no variant")
	}
}

func (h *Handler) handleAssignment(ctx context.Context, a pf.Assignment) error {
	// The assignment carries the publisher's tracing context. Continue its
	// trace so the merge is visible as a child of the worker's span.
	ctx = h.propagator.Extract(ctx, propagation.MapCarrier(a.OtelCtxCarrier))
	ctx, span := h.tracer.Start(ctx, "mergeAssignment")
	defer span.End()

	if err := h.store.MergeAssignment(ctx, a); err != nil {
		span.RecordError(err)
		return err
	}

	// Registry bookkeeping is best-effort: the task row has converged, and a
	// redelivery here would re-run the merge for nothing.
	if err := h.store.EnsureWorkerKind(ctx, a.WorkerKind); err != nil {
		log.WithFields(log.Fields{"error": err, "workerKind": a.WorkerKind}).
			Warn("failed to register worker kind")
	}
	return nil
}

func (h *Handler) handleRunning(ctx context.Context, r pf.Running) error {
	ctx, span := h.tracer.Start(ctx, "mergeRunning")
	defer span.End()

	if err := h.store.MergeRunning(ctx, r); err != nil {
		span.RecordError(err)
		return err
	}

	if err := h.store.RecordWorkerSeen(ctx, r.ExecutedBy, r.StartedAt); err != nil {
		log.WithFields(log.Fields{"error": err, "worker": r.ExecutedBy}).
			Warn("failed to record worker sighting")
	}
	return nil
}

func (h *Handler) handleCompleted(ctx context.Context, c pf.Completed) error {
	ctx, span := h.tracer.Start(ctx, "mergeCompleted")
	defer span.End()

	if err := h.store.MergeCompleted(ctx, c); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
