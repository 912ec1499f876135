package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/riverflows/internal/domain"
	"github.com/couchcryptid/riverflows/internal/pipeline"
)

// SnapshotSource serves the last loaded favorites snapshot and reloads it on
// demand. Latest returns nil before the first load.
type SnapshotSource interface {
	Latest() *pipeline.Snapshot
	Refresh(ctx context.Context) error
}

// Server exposes health, readiness, metrics, and the favorites snapshot.
type Server struct {
	httpServer *http.Server
	snapshots  SnapshotSource
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics,
// /favorites, and /favorites/refresh routes.
func NewServer(addr string, ready sharedobs.ReadinessChecker, snapshots SnapshotSource, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		snapshots: snapshots,
		logger:    logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /favorites", s.handleFavorites)
	mux.HandleFunc("POST /favorites/refresh", s.handleRefresh)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleFavorites(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshots.Latest()
	if snap == nil {
		sharedobs.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  "favorites have not been loaded yet",
		})
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, snap)
}

// handleRefresh reloads favorites bypassing the agency caches and returns the
// new snapshot.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.snapshots.Refresh(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrNoNetwork) || domain.IsTransport(err) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn("favorites refresh failed", "error", err)
		sharedobs.WriteJSON(w, status, map[string]string{
			"status": "refresh failed",
			"error":  err.Error(),
		})
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, s.snapshots.Latest())
}
