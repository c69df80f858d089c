package api

import (
	"pagecollab/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, allowedOrigins []string) *mux.Router {
	r := mux.NewRouter()

	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware(allowedOrigins))

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.Health).Methods("GET", "OPTIONS")

	// Session endpoints (read-only; all edits go through the WebSocket)
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET", "OPTIONS")
	api.HandleFunc("/documents/{id}/session", h.GetSession).Methods("GET", "OPTIONS")

	// Snapshot endpoints
	api.HandleFunc("/documents/{id}/snapshots", h.ListSnapshots).Methods("GET", "OPTIONS")
	api.HandleFunc("/documents/{id}/snapshots/{snapshotId}", h.GetSnapshot).Methods("GET", "OPTIONS")

	// WebSocket route
	r.HandleFunc("/ws/document/{id}", h.HandleDocumentWebSocket)

	return r
}
