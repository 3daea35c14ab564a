// Package rest exposes the service over HTTP.
package rest

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Server is the HTTP server for the catalog API.
type Server struct {
	httpServer *http.Server
}

// NewServer creates and configures a new API server. metrics may be nil.
func NewServer(port string, service catalogService, metrics http.Handler, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:        ":" + port,
			Handler:     NewRouter(service, metrics, logger),
			ReadTimeout: 5 * time.Second,
			// Update triggers run synchronously and may take minutes.
			WriteTimeout: 30 * time.Minute,
			IdleTimeout:  15 * time.Second,
		},
	}
}

// NewRouter wires every route onto a mux.
func NewRouter(service catalogService, metrics http.Handler, logger *slog.Logger) http.Handler {
	h := NewHandlers(service, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /datasets/{id}/status", h.GetStatus)
	mux.HandleFunc("GET /datasets/{id}/cycles", h.GetHistory)
	mux.HandleFunc("POST /datasets/{id}/update", h.TriggerUpdate)
	mux.HandleFunc("GET /freshness", h.GetFreshness)
	mux.HandleFunc("GET /quota", h.GetQuota)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}

// Start runs the HTTP server.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
