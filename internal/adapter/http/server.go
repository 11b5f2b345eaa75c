// Package http serves the operational endpoints of a comparison run:
// liveness, readiness and the Prometheus scrape target.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessChecker gates /readyz. The pipeline satisfies it once bucket
// processing has begun, so a scrape target appearing early does not read as
// a working run.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// A readiness probe that hangs must not pin a request slot.
const readinessTimeout = 2 * time.Second

// Server is started only when a metrics address is configured; the run
// itself never depends on it.
type Server struct {
	srv    *http.Server
	ready  ReadinessChecker
	logger *slog.Logger
}

// NewServer wires /healthz, /readyz and /metrics on addr.
func NewServer(addr string, ready ReadinessChecker, logger *slog.Logger) *Server {
	s := &Server{ready: ready, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving until Shutdown; a graceful stop surfaces as
// http.ErrServerClosed.
func (s *Server) Start() error {
	s.logger.Info("metrics server listening", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ServeHTTP exposes the route table directly so tests can drive it without
// a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.srv.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	if err := s.ready.CheckReadiness(ctx); err != nil {
		respond(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort status body
}
