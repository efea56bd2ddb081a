// Package generator runs the external code generator turning a JSON Schema into a validation binding.
//
// A generation job is fire-and-forget from the caller's point of view: its outcome is logged, and only
// reported back as a Result value, never as an error.
package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ubuntu/bindwatch/internal/bindings"
	"github.com/ubuntu/bindwatch/internal/constants"
)

// Trigger is what caused a generation job to be spawned.
type Trigger string

const (
	// TriggerStartup is the job spawned when a schema is registered.
	TriggerStartup Trigger = "startup"
	// TriggerChange is a job spawned after a modification of the schema file.
	TriggerChange Trigger = "change"
	// TriggerManual is a job requested explicitly, outside of any watch.
	TriggerManual Trigger = "manual"
)

// Job is one invocation of the code generator for a schema.
type Job struct {
	ID      uuid.UUID
	Schema  string
	Input   string
	Output  string
	Trigger Trigger
}

// NewJob returns a job generating the binding of schema, with paths relative to the layout root.
func NewJob(schema string, layout bindings.Layout, trigger Trigger) Job {
	return Job{
		ID:      uuid.New(),
		Schema:  schema,
		Input:   layout.SourcePath(schema),
		Output:  layout.BindingPath(schema),
		Trigger: trigger,
	}
}

// Result is the observed outcome of a job.
type Result struct {
	Job  Job
	Args []string

	// ExitCode is the exit status of the generator, or -1 if it could not start or was killed.
	ExitCode int
	// Err is set when the generator could not be run to completion.
	Err error

	Start    time.Time
	Duration time.Duration
}

// Success returns true if the generator exited with status 0.
func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Config is the generator invocation.
type Config struct {
	// Command is the generator executable, followed by any leading argument.
	Command []string
	// InputFlag precedes the schema path.
	InputFlag string
	// OutputFlag precedes the binding path.
	OutputFlag string
	// Env is appended to the host environment.
	Env []string
	// Timeout kills jobs running for longer. 0 means no timeout.
	Timeout time.Duration
}

// Runner spawns generation jobs.
type Runner struct {
	cfg Config

	dir    string
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	log    *slog.Logger

	metrics *jobMetrics
}

type options struct {
	dir        string
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
	logger     *slog.Logger
	registerer prometheus.Registerer
}

// Options represents an optional function to override Runner default values.
type Options func(*options)

// WithDir sets the working directory of the generator, which is the project root.
func WithDir(dir string) Options {
	return func(o *options) {
		o.dir = dir
	}
}

// WithStdin sets what the generator reads as standard input. Defaults to the host standard input.
func WithStdin(r io.Reader) Options {
	return func(o *options) {
		o.stdin = r
	}
}

// WithStdout sets where the generator standard output goes. Defaults to the host standard output.
func WithStdout(w io.Writer) Options {
	return func(o *options) {
		o.stdout = w
	}
}

// WithStderr sets where the generator standard error goes. Defaults to the host standard error.
func WithStderr(w io.Writer) Options {
	return func(o *options) {
		o.stderr = w
	}
}

// WithLogger sets the logger reporting job outcomes.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.logger = l
	}
}

// WithRegisterer sets the Prometheus registerer for the job metrics.
func WithRegisterer(reg prometheus.Registerer) Options {
	return func(o *options) {
		o.registerer = reg
	}
}

// New returns a Runner for the generator described by cfg.
func New(cfg Config, args ...Options) (*Runner, error) {
	opts := options{
		stdin:      os.Stdin,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		logger:     slog.Default(),
		registerer: prometheus.NewRegistry(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	if len(cfg.Command) == 0 {
		cfg.Command = []string{constants.DefaultGenerator}
	}
	if cfg.Command[0] == "" {
		return nil, errors.New("empty generator command")
	}
	if cfg.InputFlag == "" {
		cfg.InputFlag = constants.DefaultInputFlag
	}
	if cfg.OutputFlag == "" {
		cfg.OutputFlag = constants.DefaultOutputFlag
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("negative generator timeout: %v", cfg.Timeout)
	}

	m, err := newJobMetrics(opts.registerer)
	if err != nil {
		return nil, err
	}

	return &Runner{
		cfg:     cfg,
		dir:     opts.dir,
		stdin:   opts.stdin,
		stdout:  opts.stdout,
		stderr:  opts.stderr,
		log:     opts.logger,
		metrics: m,
	}, nil
}

// Args returns the arguments passed to the generator command for job.
func (r *Runner) Args(job Job) []string {
	args := append([]string{}, r.cfg.Command[1:]...)
	return append(args, r.cfg.InputFlag, job.Input, r.cfg.OutputFlag, job.Output)
}

// Run runs job to completion and logs its outcome.
//
// The generator standard streams are attached to the runner ones, they are not captured.
// A failed job leaves the previous binding untouched, as far as the generator does.
func (r *Runner) Run(ctx context.Context, job Job) Result {
	res := Result{Job: job, Args: r.Args(job), ExitCode: -1}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, r.cfg.Command[0], res.Args...)
	c.Dir = r.dir
	c.Stdin = r.stdin
	c.Stdout = r.stdout
	c.Stderr = r.stderr
	c.Env = append(c.Env, "LANG=C")
	c.Env = append(c.Env, os.Environ()...)
	c.Env = append(c.Env, r.cfg.Env...)

	r.log.Debug("Spawning binding generator", "schema", job.Schema, "job", job.ID, "trigger", job.Trigger, "command", r.cfg.Command[0], "args", res.Args)

	done := r.metrics.start(job.Schema)
	defer func() { done(res) }()

	res.Start = time.Now()
	if err := c.Start(); err != nil {
		res.Err = fmt.Errorf("could not start generator %q: %w", r.cfg.Command[0], err)
		r.log.Error("Could not start binding generator", "schema", job.Schema, "job", job.ID, "error", err)
		return res
	}

	err := c.Wait()
	res.Duration = time.Since(res.Start)
	if c.ProcessState != nil {
		res.ExitCode = c.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil && res.ExitCode == -1:
		res.Err = fmt.Errorf("generator interrupted: %w", ctx.Err())
		r.log.Warn("Binding generation interrupted", "schema", job.Schema, "job", job.ID, "reason", ctx.Err())
	case err != nil && !errors.As(err, &exitErr):
		res.Err = fmt.Errorf("generator did not complete: %w", err)
		r.log.Error("Binding generator did not complete", "schema", job.Schema, "job", job.ID, "error", err)
	case res.ExitCode != 0:
		r.log.Warn(fmt.Sprintf("Binding generation failed with exit code %d", res.ExitCode),
			"schema", job.Schema, "job", job.ID, "input", job.Input, "exit_code", res.ExitCode)
	default:
		r.log.Info("Generated binding", "schema", job.Schema, "job", job.ID, "output", job.Output, "duration", res.Duration)
	}

	return res
}
