/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: server.go
Description: HTTP endpoint exposing the Prometheus registry.
*/

package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server is the HTTP server for Prometheus metrics
type Server struct {
	addr     string
	path     string
	gatherer prometheus.Gatherer
	logger   *logrus.Logger
	server   *http.Server
	listener net.Listener
}

// NewServer creates a metrics server; an empty path serves /metrics
func NewServer(addr, path string, gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	if path == "" {
		path = "/metrics"
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{addr: addr, path: path, gatherer: gatherer, logger: logger}
}

// Start listens and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics server listen: %w", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.WithFields(logrus.Fields{"addr": ln.Addr().String(), "path": s.path}).Info("Starting metrics server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("Metrics server error")
		}
	}()
	return nil
}

// Addr is the bound address, useful when listening on port 0
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	s.logger.Info("Metrics server stopped")
	return nil
}
