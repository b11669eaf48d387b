package api

import (
	"net/http"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status       string `json:"status"`
	BreakerState string `json:"breaker_state"`
	Version      string `json:"version"`
}

// BreakerReporter exposes the limiter's circuit breaker state.
type BreakerReporter interface {
	BreakerState() string
}

// HealthHandler returns the health check handler.
func HealthHandler(breaker BreakerReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, HealthResponse{
			Status:       "healthy",
			BreakerState: breaker.BreakerState(),
			Version:      "1.0.0",
		})
	}
}
