// Package api serves the collector's status surface: liveness, the
// per-venue health snapshot, current opportunities, and Prometheus
// metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crossarb/internal/config"
)

// StatusProvider supplies the live state the endpoints render. The
// engine implements it.
type StatusProvider interface {
	Status() Status
}

// Server runs the HTTP status endpoint.
type Server struct {
	cfg      config.StatusConfig
	provider StatusProvider
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the status server. gatherer carries the process's
// registered Prometheus collectors.
func NewServer(cfg config.StatusConfig, provider StatusProvider, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	handlers := &Handlers{provider: provider, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks serving until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("status server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
