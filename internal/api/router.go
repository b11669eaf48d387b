package api

import (
	"net/http"

	"github.com/admitflow/admission-progress/internal/gateway"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Stores aggregates the persistence surfaces the router wires into handlers.
type Stores interface {
	ProgressReader
	SubmissionStore
	DeadLetterReader
}

// RouterConfig holds the collaborators and tunables for the HTTP surface.
type RouterConfig struct {
	Stores          Stores
	Limiter         AdmissionLimiter
	Breaker         BreakerReporter
	Hub             *gateway.Hub
	SubmitRateLimit int
	SubmitWindowSec int
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	r.Use(corsMiddleware)

	appHandler := NewApplicationHandler(cfg.Stores)
	progressHandler := NewProgressHandler(cfg.Stores)
	dlqHandler := NewDeadLetterHandler(cfg.Stores)

	// Push channel endpoint
	r.Get("/ws", cfg.Hub.HandleWebSocket)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(cfg.Breaker))

		r.Route("/applications", func(r chi.Router) {
			r.With(RateLimit(cfg.Limiter, cfg.SubmitRateLimit, cfg.SubmitWindowSec, SubmitKey)).
				Post("/", appHandler.Submit)
			r.Get("/{jobID}/progress", progressHandler.Poll)
		})

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", dlqHandler.List)
			r.Get("/{id}", dlqHandler.Get)
		})
	})

	return r
}

// corsMiddleware adds CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
