// Package relayapi serves the relay's read-only HTTP projection of
// reconciled task records.
package relayapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	pf "github.com/estuary/task-relay/go/protocols/task"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Store is the read slice of the task store which the API serves.
type Store interface {
	GetTask(ctx context.Context, id uuid.UUID) (*pf.Task, error)
	Ping(ctx context.Context) error
}

// BrokerHealth reports liveness of the consumer's broker connection.
type BrokerHealth interface {
	Healthy() bool
}

// API is the HTTP read surface: task lookup with JSON/Avro content
// negotiation, a health probe, and OpenAPI + metrics documents.
type API struct {
	store  Store
	broker BrokerHealth // Nil when the consumer subsystem is disabled.
}

func New(store Store, broker BrokerHealth) *API {
	return &API{store: store, broker: broker}
}

// Router builds the API's route table.
func (a *API) Router() *http.ServeMux {
	var mux = http.NewServeMux()
	mux.HandleFunc("GET /tasks/{id}", a.getTask)
	mux.HandleFunc("GET /health", a.health)
	mux.HandleFunc("GET /api-docs/openapi.json", a.openAPI)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	var id, err = uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, fmt.Sprintf("malformed task id: %v", err), http.StatusBadRequest)
		return
	}

	task, err := a.store.GetTask(r.Context(), id)
	if err != nil {
		log.WithFields(log.Fields{"error": err, "taskID": id}).
			Error("failed to fetch task")
		http.Error(w, fmt.Sprintf("failed to get task: %v", err), http.StatusInternalServerError)
		return
	}
	if task == nil {
		http.Error(w, fmt.Sprintf("task %s not found", id), http.StatusNotFound)
		return
	}

	switch negotiateFormat(r.Header.Get("Accept")) {
	case formatAvro:
		var body, err = pf.EncodeTask(*task)
		if err != nil {
			log.WithFields(log.Fields{"error": err, "taskID": id}).
				Error("failed to encode task as Avro")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/avro")
		_, _ = w.Write(body)

	default:
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(task); err != nil {
			log.WithFields(log.Fields{"error": err, "taskID": id}).
				Warn("failed to write task response")
		}
	}
}

type componentHealth struct {
	Component string `json:"component"`
	Healthy   bool   `json:"healthy"`
	Message   string `json:"message"`
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	var healthy = true
	var report []componentHealth

	if err := a.store.Ping(r.Context()); err != nil {
		healthy = false
		report = append(report, componentHealth{
			Component: "database",
			Message:   err.Error(),
		})
	} else {
		report = append(report, componentHealth{
			Component: "database",
			Healthy:   true,
			Message:   "database connection is healthy",
		})
	}

	if a.broker != nil {
		if a.broker.Healthy() {
			report = append(report, componentHealth{
				Component: "broker",
				Healthy:   true,
				Message:   "broker connection is healthy",
			})
		} else {
			healthy = false
			report = append(report, componentHealth{
				Component: "broker",
				Message:   "broker connection is closed",
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}
