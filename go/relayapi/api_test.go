package relayapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	pf "github.com/estuary/task-relay/go/protocols/task"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	tasks   map[uuid.UUID]*pf.Task
	getErr  error
	pingErr error
}

func (f *fakeStore) GetTask(_ context.Context, id uuid.UUID) (*pf.Task, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.tasks[id], nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

type fakeBroker struct{ healthy bool }

func (f fakeBroker) Healthy() bool { return f.healthy }

func storedTask() *pf.Task {
	var (
		kind      = "resize-image"
		worker    = "image-worker"
		executor  = "wkr"
		priority  = int32(1)
		ttl       = int64(60)
		isError   = int32(0)
		started   = time.Date(2024, 5, 1, 12, 31, 0, 0, time.UTC)
		completed = time.Date(2024, 5, 1, 12, 32, 0, 0, time.UTC)
	)
	return &pf.Task{
		ID:          uuid.MustParse("d54a25a6-0b10-4c1e-9c38-d25b29ed6ee1"),
		TaskKind:    &kind,
		WorkerKind:  &worker,
		InputData:   []byte{1, 2, 3},
		OutputData:  []byte{4, 5},
		IsError:     &isError,
		Priority:    &priority,
		TTLDuration: &ttl,
		ExecutedBy:  &executor,
		StartedAt:   &started,
		CompletedAt: &completed,
		CreatedAt:   time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2024, 5, 1, 12, 32, 0, 0, time.UTC),
	}
}

func testServer(store Store, broker BrokerHealth) *httptest.Server {
	return httptest.NewServer(New(store, broker).Router())
}

func TestGetTaskJSON(t *testing.T) {
	var task = storedTask()
	var server = testServer(&fakeStore{tasks: map[uuid.UUID]*pf.Task{task.ID: task}}, nil)
	defer server.Close()

	var resp, err = http.Get(server.URL + "/tasks/" + task.ID.String())
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, task.ID.String(), body["id"])
	require.Equal(t, "completed", body["status"])
	require.Equal(t, "resize-image", body["task_kind"])
}

// S6: avro;q=0.8 beats json;q=0.7, and the body is the stored record as a
// bare Task datum.
func TestGetTaskAvroNegotiated(t *testing.T) {
	var task = storedTask()
	var server = testServer(&fakeStore{tasks: map[uuid.UUID]*pf.Task{task.ID: task}}, nil)
	defer server.Close()

	var req, err = http.NewRequest("GET", server.URL+"/tasks/"+task.ID.String(), nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json;q=0.7, application/avro;q=0.8")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/avro", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	decoded, err := pf.DecodeTask(body)
	require.NoError(t, err)
	require.Equal(t, *task, decoded)
}

func TestGetTaskNotFound(t *testing.T) {
	var server = testServer(&fakeStore{}, nil)
	defer server.Close()

	var resp, err = http.Get(server.URL + "/tasks/" + uuid.New().String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetTaskMalformedID(t *testing.T) {
	var server = testServer(&fakeStore{}, nil)
	defer server.Close()

	var resp, err = http.Get(server.URL + "/tasks/not-a-uuid")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTaskStoreError(t *testing.T) {
	var server = testServer(&fakeStore{getErr: errors.New("connection refused")}, nil)
	defer server.Close()

	var resp, err = http.Get(server.URL + "/tasks/" + uuid.New().String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHealthHealthy(t *testing.T) {
	var server = testServer(&fakeStore{}, fakeBroker{healthy: true})
	defer server.Close()

	var resp, err = http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthUnhealthyDatabase(t *testing.T) {
	var server = testServer(&fakeStore{pingErr: errors.New("no route to host")}, nil)
	defer server.Close()

	var resp, err = http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthUnhealthyBroker(t *testing.T) {
	var server = testServer(&fakeStore{}, fakeBroker{healthy: false})
	defer server.Close()

	var resp, err = http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var report []componentHealth
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	require.Len(t, report, 2)
	require.True(t, report[0].Healthy)  // Database.
	require.False(t, report[1].Healthy) // Broker.
}

func TestOpenAPIDocument(t *testing.T) {
	var server = testServer(&fakeStore{}, nil)
	defer server.Close()

	var resp, err = http.Get(server.URL + "/api-docs/openapi.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.Contains(t, doc, "openapi")
	require.Contains(t, doc["paths"], "/tasks/{id}")
}
