package api

import (
	"net/http"

	"graph-sync/internal/middleware"

	"github.com/gorilla/mux"
)

// SetupRoutes mounts the catch-up API, the collaboration socket and, when
// metricsHandler is set, the Prometheus scrape endpoint
func SetupRoutes(h *Handler, metricsHandler http.Handler, allowedOrigins []string) *mux.Router {
	r := mux.NewRouter()

	// Middleware runs in order: tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORS(allowedOrigins))

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// Graph sync endpoints
	api.HandleFunc("/graphs/{id}/operations", h.GetOperations).Methods("GET")
	api.HandleFunc("/graphs/{id}/presence", h.GetPresence).Methods("GET")

	// Health check endpoint
	api.HandleFunc("/health", h.Health).Methods("GET")

	// WebSocket routes
	r.HandleFunc("/ws/graphs/{id}", h.HandleGraphWebSocket)

	// Prometheus scrape endpoint
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler).Methods("GET")
	}

	return r
}
