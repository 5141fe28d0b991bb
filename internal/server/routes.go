package server

import "net/http"

// RegisterRoutes registers all API routes on the given mux.
func RegisterRoutes(mux *http.ServeMux, s *Server) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/v1/incidents", s.handleIncidents)
	mux.HandleFunc("GET /api/v1/incidents/{id}/visualization", s.handleVisualization)
	mux.HandleFunc("GET /api/v1/incidents/{id}/visualization/stream", s.handleStream)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
}
