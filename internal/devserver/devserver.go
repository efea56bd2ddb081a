// Package devserver runs the schema watcher, and optionally the metrics server, for the duration of a development session.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ubuntu/bindwatch/internal/constants"
	"github.com/ubuntu/bindwatch/internal/watcher"
)

// Service keeps the bindings of a set of schemas up to date until it is quit.
type Service struct {
	watcher       Watcher
	schemas       []string
	metricsServer MetricsServer

	// This context is used to interrupt any action, killing running jobs.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// This context stops watching and waits for running jobs.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	shutdownTimeout time.Duration
	teardownTimeout time.Duration
	log             *slog.Logger

	mu      sync.Mutex
	running chan struct{} // Closed when the service is not running.
}

// Watcher spawns generation jobs for registered schemas.
type Watcher interface {
	Register(id string) (*watcher.Registration, error)
	Shutdown(ctx context.Context) error
}

// MetricsServer is an interface that defines the methods for a metrics server.
type MetricsServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

type options struct {
	shutdownTimeout time.Duration
	teardownTimeout time.Duration
	logger          *slog.Logger
}

// Option is a function which tweaks the creation of the Service.
type Option func(*options)

// WithShutdownTimeout sets how long running jobs are awaited on graceful quit before being killed.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = d
	}
}

// WithTeardownTimeout sets how long the service waits for its remaining components once one of them stopped.
func WithTeardownTimeout(d time.Duration) Option {
	return func(o *options) {
		o.teardownTimeout = d
	}
}

// WithLogger sets the logger of the service.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

var (
	// ErrClosed is returned when running a service which was already quit.
	ErrClosed = errors.New("service closed")

	// ErrTeardownTimeout is returned when the service takes too long to shut down.
	// A force Quit may be required to cleanup the service.
	ErrTeardownTimeout = errors.New("service teardown timed out")
)

// New creates a service watching schemas with w.
// metricsServer is optional: no metrics are served when it is nil.
func New(ctx context.Context, w Watcher, schemas []string, metricsServer MetricsServer, args ...Option) *Service {
	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	opts := options{
		shutdownTimeout: constants.DefaultShutdownTimeout,
		teardownTimeout: constants.DefaultShutdownTimeout + 5*time.Second,
		logger:          slog.Default(),
	}
	for _, arg := range args {
		arg(&opts)
	}

	running := make(chan struct{})
	close(running) // Close immediately to avoid blocking on the channel.
	return &Service{
		watcher:       w,
		schemas:       schemas,
		metricsServer: metricsServer,

		ctx:            ctx,
		cancel:         cancel,
		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,

		shutdownTimeout: opts.shutdownTimeout,
		teardownTimeout: opts.teardownTimeout,
		log:             opts.logger,

		running: running,
	}
}

// Run registers every schema and keeps their bindings up to date until Quit is called.
//
// Returns once all sub-services have completed, or after an extended time being in a degraded state.
func (s *Service) Run() error {
	s.mu.Lock()
	if s.gracefulCtx.Err() != nil {
		s.mu.Unlock()
		return ErrClosed
	}
	running := make(chan struct{})
	s.running = running
	s.mu.Unlock()
	defer close(running)
	defer s.cancel() // Ensure we cancel the context when done, regardless of result.

	runners := []func() error{s.runWatcher}
	if s.metricsServer != nil {
		runners = append(runners, s.runMetrics)
	}

	done := make(chan error, len(runners))
	var wg sync.WaitGroup
	for _, run := range runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done <- run()
		}()
	}
	go func() { wg.Wait(); close(done) }() // Close done only after every runner has finished.

	err := <-done
	s.log.Debug("Waiting for dev services to finish")

	timeout := time.After(s.teardownTimeout)
	for range len(runners) - 1 {
		select {
		case <-timeout:
			// We've waited for teardown for too long, give up even though errors may be lost.
			s.log.Warn("Dev service teardown timed out")
			return errors.Join(err, ErrTeardownTimeout)
		case e := <-done:
			err = errors.Join(err, e)
		}
	}

	return err
}

func (s *Service) runWatcher() (err error) {
	defer s.gracefulCancel() // Request stop if the watcher fails.

	for _, id := range s.schemas {
		if _, e := s.watcher.Register(id); e != nil {
			err = fmt.Errorf("could not watch schemas: %w", e)
			break
		}
	}
	if err == nil {
		s.log.Info("Watching schemas", "count", len(s.schemas), "schemas", s.schemas)
		<-s.gracefulCtx.Done()
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.shutdownTimeout)
	defer cancel()
	if e := s.watcher.Shutdown(ctx); e != nil {
		if s.ctx.Err() != nil {
			s.log.Info("Running generation jobs were killed", "reason", s.ctx.Err())
			return err
		}
		s.log.Warn("Generation jobs did not finish in time", "timeout", s.shutdownTimeout)
		return errors.Join(err, fmt.Errorf("watcher shutdown error: %w", e))
	}
	s.log.Debug("Watcher stopped")
	return err
}

func (s *Service) runMetrics() error {
	defer s.gracefulCancel() // Request stop if metrics fail.

	metricsErrCh := make(chan error, 1)
	go func() {
		defer close(metricsErrCh)
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metricsErrCh <- err
		}
	}()

	select {
	case <-s.ctx.Done():
		s.log.Debug("Closing metrics server", "reason", s.ctx.Err())
		s.metricsServer.Close()
		return nil
	case <-s.gracefulCtx.Done():
		s.log.Debug("Graceful shutdown initiated for metrics server")
		if err := s.metricsServer.Shutdown(s.ctx); err != nil {
			s.log.Error("Metrics server graceful shutdown encountered error", "err", err)
			return fmt.Errorf("metrics server shutdown error: %v", err)
		}
	case err := <-metricsErrCh:
		// No need to shutdown or close, just propagate the error.
		if err != nil {
			s.log.Error("Metrics server encountered error", "err", err)
			return fmt.Errorf("metrics server error: %v", err)
		}
	}
	s.log.Debug("Metrics server shut down gracefully")
	return nil
}

// Quit stops the service.
// A forced quit kills running generation jobs instead of waiting for them.
// Blocks until the service has finished running.
func (s *Service) Quit(force bool) {
	s.log.Info("Stopping bindings watch", "force", force)

	if force {
		s.cancel()
		if s.metricsServer != nil {
			s.metricsServer.Close()
		}
	} else {
		s.gracefulCancel()
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	<-running // Wait for the service to finish running.
}
