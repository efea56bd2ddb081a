package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ubuntu/bindwatch/internal/fileutils"
	"github.com/ubuntu/bindwatch/internal/generator"
)

// Registration is the watch of a single schema.
type Registration struct {
	w    *Watcher
	id   string
	path string

	// lastMod is only accessed by the detector after registration.
	lastMod time.Time

	notifying    atomic.Bool
	cancel       context.CancelFunc
	detectorDone chan struct{}
	stopOnce     sync.Once
	jobs         sync.WaitGroup
}

func newRegistration(w *Watcher, id, path string) *Registration {
	return &Registration{
		w:            w,
		id:           id,
		path:         path,
		lastMod:      fileutils.ModTime(path),
		detectorDone: make(chan struct{}),
	}
}

// ID returns the identifier of the watched schema.
func (r *Registration) ID() string {
	return r.id
}

// Path returns the absolute path of the watched schema file.
func (r *Registration) Path() string {
	return r.path
}

// Stop stops watching the schema and waits for its running jobs.
// The schema can be registered again afterwards.
func (r *Registration) Stop() {
	r.stopDetector()
	r.w.forget(r)
	r.jobs.Wait()
}

// spawn starts a generation job for the schema without waiting for it.
func (r *Registration) spawn(trigger generator.Trigger) {
	job := generator.NewJob(r.id, r.w.layout, trigger)

	r.jobs.Add(1)
	r.w.jobs.Add(1)
	go func() {
		defer r.w.jobs.Done()
		defer r.jobs.Done()

		if r.w.onJobStart != nil {
			r.w.onJobStart(job)
		}
		res := r.w.runner.Run(r.w.jobsCtx, job)
		if r.w.onJobDone != nil {
			r.w.onJobDone(res)
		}
	}()
}

func (r *Registration) startDetector() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	var n *fsnotify.Watcher
	if r.w.notify {
		var err error
		if n, err = r.notifier(); err != nil {
			r.w.log.Warn("Could not watch schema directory, falling back to polling", "schema", r.id, "error", err)
		}
		r.notifying.Store(n != nil)
	}

	go func() {
		defer close(r.detectorDone)
		if n == nil {
			r.poll(ctx)
			return
		}
		r.notified(ctx, n)
	}()
}

// notifier returns a filesystem watcher on the directory of the schema.
func (r *Registration) notifier() (*fsnotify.Watcher, error) {
	n, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := n.Add(filepath.Dir(r.path)); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (r *Registration) stopDetector() {
	r.stopOnce.Do(func() {
		r.cancel()
		<-r.detectorDone
		r.w.log.Debug("Stopped watching schema", "schema", r.id)
	})
}

// poll checks the modification time of the schema file at each poll interval until ctx is done.
func (r *Registration) poll(ctx context.Context) {
	ticker := time.NewTicker(r.w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.check()
		}
	}
}

// notified spawns a job for each relevant event on the schema file until ctx is done.
// If n fails, changes are polled instead.
func (r *Registration) notified(ctx context.Context, n *fsnotify.Watcher) {
	defer n.Close()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case event, ok := <-n.Events:
			if !ok {
				break
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			r.lastMod = fileutils.ModTime(r.path)
			r.w.log.Debug("Schema changed", "schema", r.id, "event", event.Op.String())
			r.spawn(generator.TriggerChange)
			continue
		case err = <-n.Errors:
		}

		r.w.log.Warn("Schema notifications stopped, falling back to polling", "schema", r.id, "error", err)
		r.notifying.Store(false)
		n.Close()
		// Catch up on a change the notifier may have missed.
		r.check()
		r.poll(ctx)
		return
	}
}

// check spawns a job if the modification time of the schema changed since the last check.
func (r *Registration) check() {
	mod := fileutils.ModTime(r.path)
	if mod.Equal(r.lastMod) {
		return
	}
	r.w.log.Debug("Schema changed", "schema", r.id, "modtime", mod)
	r.lastMod = mod
	r.spawn(generator.TriggerChange)
}
