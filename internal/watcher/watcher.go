// Package watcher keeps generated bindings in sync with their JSON Schema sources.
//
// Each registered schema is observed by its own change detector. A generation job is spawned once on
// registration, then again for every detected modification of the schema file. Jobs are not debounced
// nor serialised: two changes in a row can lead to overlapping jobs for the same schema.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ubuntu/bindwatch/internal/bindings"
	"github.com/ubuntu/bindwatch/internal/constants"
	"github.com/ubuntu/bindwatch/internal/generator"
	"github.com/ubuntu/decorate"
)

var (
	// ErrClosed is returned when registering a schema on a watcher which was shut down.
	ErrClosed = errors.New("watcher is closed")
	// ErrAlreadyRegistered is returned when a schema is registered twice on the same watcher.
	ErrAlreadyRegistered = errors.New("schema is already registered")
)

// Runner runs generation jobs to completion.
type Runner interface {
	Run(ctx context.Context, job generator.Job) generator.Result
}

// Watcher spawns generation jobs for the registered schemas.
type Watcher struct {
	runner Runner
	layout bindings.Layout

	log          *slog.Logger
	pollInterval time.Duration
	notify       bool
	onJobStart   func(generator.Job)
	onJobDone    func(generator.Result)

	jobsCtx    context.Context
	cancelJobs context.CancelFunc
	jobs       sync.WaitGroup

	mu            sync.Mutex
	closed        bool
	registrations map[string]*Registration
}

type options struct {
	logger       *slog.Logger
	pollInterval time.Duration
	notify       bool
	onJobStart   func(generator.Job)
	onJobDone    func(generator.Result)
}

// Options represents an optional function to override Watcher default values.
type Options func(*options)

// WithLogger sets the logger of the watcher.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.logger = l
	}
}

// WithPollInterval sets the interval at which schema files are checked for modifications.
// Non positive values keep the default.
func WithPollInterval(d time.Duration) Options {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithNotify spawns a job for each filesystem notification on the schema file, instead of polling.
// Polling is still used when notifications are unavailable.
func WithNotify(notify bool) Options {
	return func(o *options) {
		o.notify = notify
	}
}

// WithJobStartObserver sets a function called from the job goroutine before each job is run.
// It can be called concurrently.
func WithJobStartObserver(f func(generator.Job)) Options {
	return func(o *options) {
		o.onJobStart = f
	}
}

// WithJobObserver sets a function called from the job goroutine with the result of each job.
// It can be called concurrently.
func WithJobObserver(f func(generator.Result)) Options {
	return func(o *options) {
		o.onJobDone = f
	}
}

// New returns a watcher running jobs with runner for schemas of layout.
func New(runner Runner, layout bindings.Layout, args ...Options) *Watcher {
	opts := options{
		logger:       slog.Default(),
		pollInterval: constants.DefaultPollInterval,
	}
	for _, opt := range args {
		opt(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		runner:        runner,
		layout:        layout,
		log:           opts.logger,
		pollInterval:  opts.pollInterval,
		notify:        opts.notify,
		onJobStart:    opts.onJobStart,
		onJobDone:     opts.onJobDone,
		jobsCtx:       ctx,
		cancelJobs:    cancel,
		registrations: make(map[string]*Registration),
	}
}

// Register starts watching the schema id and spawns its first generation job.
//
// The schema file does not need to exist: a missing or broken schema only shows up as a failed job.
func (w *Watcher) Register(id string) (reg *Registration, err error) {
	defer decorate.OnError(&err, "could not register schema %q", id)

	if err := bindings.Validate(id); err != nil {
		return nil, err
	}
	path, err := w.layout.AbsSourcePath(id)
	if err != nil {
		return nil, fmt.Errorf("could not resolve schema path: %v", err)
	}
	binding, err := w.layout.AbsBindingPath(id)
	if err != nil {
		return nil, fmt.Errorf("could not resolve binding path: %v", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}
	if _, ok := w.registrations[id]; ok {
		return nil, ErrAlreadyRegistered
	}

	reg = newRegistration(w, id, path)
	w.registrations[id] = reg

	w.log.Info("Watching schema", "schema", id, "path", path, "binding", binding)
	reg.spawn(generator.TriggerStartup)
	reg.startDetector()

	return reg, nil
}

// Schemas returns the sorted identifiers of the registered schemas.
func (w *Watcher) Schemas() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]string, 0, len(w.registrations))
	for id := range w.registrations {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Shutdown stops watching every schema and waits for all running jobs.
//
// If ctx is done before jobs are over, they are killed and ctx error is returned once they returned.
// The watcher can't register schemas anymore afterwards.
func (w *Watcher) Shutdown(ctx context.Context) (err error) {
	defer decorate.OnError(&err, "watcher shutdown")

	w.mu.Lock()
	w.closed = true
	regs := make([]*Registration, 0, len(w.registrations))
	for _, r := range w.registrations {
		regs = append(regs, r)
	}
	clear(w.registrations)
	w.mu.Unlock()

	for _, r := range regs {
		r.stopDetector()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.jobs.Wait()
	}()

	select {
	case <-done:
		w.cancelJobs()
		w.log.Debug("Watcher stopped")
		return nil
	case <-ctx.Done():
		w.log.Warn("Killing running generation jobs", "reason", ctx.Err())
		w.cancelJobs()
		<-done
		return ctx.Err()
	}
}

// Close stops watching every schema and waits for all running jobs to finish.
func (w *Watcher) Close() error {
	return w.Shutdown(context.Background())
}

// forget removes r from the registered schemas, if it is still the registration of its schema.
func (w *Watcher) forget(r *Registration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.registrations[r.id] == r {
		delete(w.registrations, r.id)
	}
}
