// Package health reports whether an oddworks server can serve requests.
package health

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/oddnetworks/oddworks/pkg/storage"
)

// TargetService defines an interface that services can implement for server health checks.
type TargetService interface {
	IsReady(ctx context.Context) (storage.ReadinessStatus, error)
}

// Status is the body served by the checker.
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

const (
	StatusServing    = "SERVING"
	StatusNotServing = "NOT_SERVING"
)

type Checker struct {
	TargetService
	TargetServiceName string
}

// Check reports the current status of the target service.
func (o *Checker) Check(ctx context.Context) Status {
	ready, err := o.IsReady(ctx)
	if err != nil {
		return Status{Status: StatusNotServing, Message: err.Error()}
	}

	if !ready.IsReady {
		return Status{Status: StatusNotServing, Message: ready.Message}
	}

	return Status{Status: StatusServing, Message: ready.Message}
}

// ServeHTTP answers 200 when serving and 503 otherwise. It needs no credentials.
func (o *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := o.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Status != StatusServing {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
