package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"chemdrive/internal/service"
)

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Worker    string `json:"worker,omitempty"`
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// ReadyCheck answers once the event loop serves requests. The worker state
// is reported but does not affect readiness.
func ReadyCheck(drive *service.Drive) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()

		worker := "stopped"
		err := drive.Call(ctx, func() {
			status := drive.Status()
			switch {
			case status.Ready:
				worker = "ready"
			case status.Running:
				worker = "starting"
			}
		})

		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(HealthResponse{
				Status:    "unavailable",
				Timestamp: time.Now().Format(time.RFC3339),
			})
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(HealthResponse{
			Status:    "ready",
			Timestamp: time.Now().Format(time.RFC3339),
			Worker:    worker,
		})
	}
}
