package consumer

import (
	"context"
	"sync"
	"time"

	pf "github.com/estuary/task-relay/go/protocols/task"
	"github.com/google/uuid"
)

// memStore mirrors the store's column-wise COALESCE merge in memory: a field
// is written only while it's still nil, so the first writer wins. It stands
// in for Postgres in handler and consume-loop tests.
type memStore struct {
	mu      sync.Mutex
	tasks   map[uuid.UUID]*pf.Task
	kinds   map[string]struct{}
	workers map[string]time.Time

	// failWith, when set, is returned by every merge.
	failWith error
	// mergeCalls counts merge attempts, including failed ones.
	mergeCalls int
	// registryErr, when set, is returned by the registry operations only.
	registryErr error
}

func newMemStore() *memStore {
	return &memStore{
		tasks:   make(map[uuid.UUID]*pf.Task),
		kinds:   make(map[string]struct{}),
		workers: make(map[string]time.Time),
	}
}

func (m *memStore) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *memStore) row(id uuid.UUID) *pf.Task {
	var t, ok = m.tasks[id]
	if !ok {
		t = &pf.Task{ID: id, CreatedAt: time.Now().UTC()}
		m.tasks[id] = t
	}
	t.UpdatedAt = time.Now().UTC()
	return t
}

func (m *memStore) MergeAssignment(_ context.Context, a pf.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeCalls++
	if m.failWith != nil {
		return m.failWith
	}

	var t = m.row(a.ID)
	if t.TaskKind == nil {
		var v = a.TaskKind
		t.TaskKind = &v
	}
	if t.WorkerKind == nil {
		var v = a.WorkerKind
		t.WorkerKind = &v
	}
	if t.InputData == nil {
		t.InputData = a.InputData
	}
	if t.TTLDuration == nil {
		var v = a.TTLDuration
		t.TTLDuration = &v
	}
	if t.Priority == nil {
		var v = a.Priority
		t.Priority = &v
	}
	if t.OtelCtxCarrier == nil {
		t.OtelCtxCarrier = a.OtelCtxCarrier
	}
	return nil
}

func (m *memStore) MergeRunning(_ context.Context, r pf.Running) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeCalls++
	if m.failWith != nil {
		return m.failWith
	}

	var t = m.row(r.ID)
	if t.StartedAt == nil {
		var v = r.StartedAt
		t.StartedAt = &v
	}
	if t.ExecutedBy == nil {
		var v = r.ExecutedBy
		t.ExecutedBy = &v
	}
	return nil
}

func (m *memStore) MergeCompleted(_ context.Context, c pf.Completed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeCalls++
	if m.failWith != nil {
		return m.failWith
	}

	var t = m.row(c.ID)
	if t.CompletedAt == nil {
		var v = c.CompletedAt
		t.CompletedAt = &v
	}
	if t.OutputData == nil {
		t.OutputData = c.OutputData
	}
	if t.IsError == nil {
		var v = c.IsError
		t.IsError = &v
	}
	return nil
}

func (m *memStore) EnsureWorkerKind(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registryErr != nil {
		return m.registryErr
	}
	m.kinds[name] = struct{}{}
	return nil
}

func (m *memStore) RecordWorkerSeen(_ context.Context, name string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registryErr != nil {
		return m.registryErr
	}
	if prior, ok := m.workers[name]; !ok || seenAt.After(prior) {
		m.workers[name] = seenAt
	}
	return nil
}

func (m *memStore) merges() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mergeCalls
}

func (m *memStore) get(id uuid.UUID) *pf.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var t, ok = m.tasks[id]
	if !ok {
		return nil
	}
	var cp = *t
	return &cp
}
