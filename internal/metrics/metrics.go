// Package metrics serves the Prometheus metrics of the generation jobs over HTTP.
package metrics

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Path is where metrics are exposed.
const Path = "/metrics"

// Server is an HTTP server exposing metrics of a registry.
type Server struct {
	addr       net.Addr
	httpServer *http.Server
	log        *slog.Logger

	mu sync.RWMutex
}

// Config holds the configuration for the metrics server.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Enabled returns true if metrics should be served. Non positive ports disable the server.
func (c Config) Enabled() bool {
	return c.Port > 0
}

type options struct {
	logger *slog.Logger
}

// Options represents an optional function to override Server default values.
type Options func(*options)

// WithLogger sets the logger of the server.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.logger = l
	}
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New returns a metrics server for reg, listening on the configured host and port.
func New(cfg Config, reg prometheus.Gatherer, args ...Options) *Server {
	opts := options{
		logger: slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	mux := http.NewServeMux()
	mux.Handle(Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Server{
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		log: opts.logger,
	}
}

// ListenAndServe starts the HTTP server and blocks until it is stopped.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	s.log.Info("Serving metrics", "url", "http://"+listener.Addr().String()+Path)
	return s.httpServer.Serve(listener)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close stops the server.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Addr returns the address the server is listening on, or an empty string if it is not listening.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}
