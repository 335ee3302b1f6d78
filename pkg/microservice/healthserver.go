// Package microservice serves the HTTP surface of the long-running services:
// liveness on /healthz and the metric registry on /metrics.
package microservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Lifecycle is satisfied by the services whose state /healthz reports.
// Done is closed once the service has stopped, for whatever reason.
type Lifecycle interface {
	Done() <-chan struct{}
	Err() error
}

// BaseServer is the HTTP server of a service.
type BaseServer struct {
	Logger     zerolog.Logger
	HTTPAddr   string
	httpServer *http.Server
	mux        *http.ServeMux
	actualAddr string
	mu         sync.RWMutex
}

// NewBaseServer creates a server reporting service on /healthz and gatherer on
// /metrics. A nil gatherer leaves /metrics unregistered.
func NewBaseServer(logger zerolog.Logger, httpAddr string, service Lifecycle, gatherer prometheus.Gatherer) *BaseServer {
	mux := http.NewServeMux()
	mux.Handle("/healthz", HealthzHandler(service))
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return &BaseServer{
		Logger:   logger.With().Str("component", "HTTPServer").Logger(),
		HTTPAddr: httpAddr,
		mux:      mux,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start listens on HTTPAddr and serves in a background goroutine.
func (s *BaseServer) Start() error {
	listener, err := net.Listen("tcp", s.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.HTTPAddr, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the provided context's deadline.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	s.Logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// Addr returns the address the server is listening on, which differs from
// HTTPAddr when an ephemeral port was requested.
func (s *BaseServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.actualAddr == "" {
		return s.HTTPAddr
	}
	return s.actualAddr
}

// Mux returns the underlying ServeMux.
func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}

// HealthzHandler answers 200 while service runs and 503 once it has stopped.
func HealthzHandler(service Lifecycle) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		select {
		case <-service.Done():
			w.WriteHeader(http.StatusServiceUnavailable)
			if err := service.Err(); err != nil {
				_, _ = w.Write([]byte("FAILED: " + err.Error()))
				return
			}
			_, _ = w.Write([]byte("STOPPED"))
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		}
	})
}
