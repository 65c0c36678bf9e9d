// Package ops serves the relay's operational HTTP surface: liveness,
// a status snapshot, and Prometheus metrics. It is bound to an
// operator-facing interface, never to the mesh.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meshpay/relay"
)

// Server exposes relay state over HTTP.
type Server struct {
	relay  *relay.Relay
	logger *slog.Logger
	http   *http.Server
}

// NewServer builds the ops server listening on addr.
func NewServer(addr string, r *relay.Relay, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{relay: r, logger: logger}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Get("/healthz", s.handleHealthz)
	mux.Get("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	s.logger.Info("ops server listening", slog.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.relay.Stats()); err != nil {
		s.logger.Warn("encode status snapshot failed", slog.Any("error", err))
	}
}
