package metric

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/pointflow/errors"
)

// Server exposes the registry over HTTP
type Server struct {
	port     int
	path     string
	server   *http.Server
	registry *MetricsRegistry
	health   http.Handler
	mu       sync.Mutex
}

// NewServer creates a metrics server; zero values fall back to :9090/metrics
func NewServer(port int, path string, registry *MetricsRegistry) *Server {
	if path == "" {
		path = "/metrics"
	}
	if port == 0 {
		port = 9090
	}
	return &Server{port: port, path: path, registry: registry}
}

// WithHealth serves h on /health instead of the static OK
func (s *Server) WithHealth(h http.Handler) *Server {
	s.health = h
	return s
}

// Handler builds the mux served by Start
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	if s.health != nil {
		mux.Handle("/health", s.health)
	} else {
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	}
	return mux
}

// Start blocks serving metrics until Stop is called
func (s *Server) Start() error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(fmt.Errorf("server already running"),
			"Server", "Start", "start metrics server")
	}
	if s.registry == nil {
		s.mu.Unlock()
		return errors.WrapFatal(fmt.Errorf("nil registry"),
			"Server", "Start", "metrics registry not provided")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("listen on port %d", s.port))
	}
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown HTTP server")
	}
	return nil
}

// Address returns the metrics URL
func (s *Server) Address() string {
	return fmt.Sprintf("http://localhost:%d%s", s.port, s.path)
}
