// Package daemon provides the bindwatch commands: watching schemas, one-shot generation and model export.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/ubuntu/bindwatch/internal/bindings"
	"github.com/ubuntu/bindwatch/internal/cli"
	"github.com/ubuntu/bindwatch/internal/constants"
	"github.com/ubuntu/bindwatch/internal/devserver"
	"github.com/ubuntu/bindwatch/internal/generator"
	"github.com/ubuntu/bindwatch/internal/metrics"
	"github.com/ubuntu/bindwatch/internal/schemagen"
	"github.com/ubuntu/bindwatch/internal/watcher"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	// ctx is cancelled on Quit, interrupting one-shot generations.
	ctx    context.Context
	cancel context.CancelFunc

	daemon *devserver.Service

	ready     chan struct{}
	readyOnce sync.Once
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	Root        string
	BindingsDir string
	Schemas     []string

	Generator       generator.Config
	PollInterval    time.Duration
	Notify          bool
	ShutdownTimeout time.Duration
	ExportModels    bool

	Metrics metrics.Config
}

// New creates a new App instance with default values.
func New() (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := App{
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}

	a.cmd = &cobra.Command{
		Use:   constants.CmdName + " [schema...]",
		Short: "Keep generated validation bindings in sync with their JSON Schemas",
		Long: `Keep generated validation bindings in sync with their JSON Schemas.

For each schema, the generator is run once on startup, then every time ` + constants.DefaultBindingsDir + `/<schema>` + constants.SchemaExtension + `
changes, producing ` + constants.DefaultBindingsDir + `/<schema>` + constants.BindingExtension + `.
Without any schema argument, the schemas of the configuration are watched, or every schema found in the bindings directory.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.CmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := cli.Unmarshal(a.viper, &a.config); err != nil {
				return err
			}
			slog.Debug("Got app config", "config", a.config)

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(args)
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := bindFlags(a.viper, a.cmd.PersistentFlags(), persistentFlagKeys); err != nil {
		return nil, err
	}
	if err := bindFlags(a.viper, a.cmd.Flags(), rootFlagKeys); err != nil {
		return nil, err
	}

	a.installGenerate()
	a.installExport()
	a.installVersion()

	return &a, nil
}

// persistentFlagKeys maps persistent flags to their configuration keys.
var persistentFlagKeys = map[string]string{
	"verbose":           "verbosity",
	"json-logs":         "jsonlogs",
	"root":              "root",
	"bindings-dir":      "bindingsdir",
	"generator":         "generator.command",
	"input-flag":        "generator.inputflag",
	"output-flag":       "generator.outputflag",
	"generator-timeout": "generator.timeout",
}

// rootFlagKeys maps the watch flags to their configuration keys.
var rootFlagKeys = map[string]string{
	"poll-interval":         "pollinterval",
	"notify":                "notify",
	"shutdown-timeout":      "shutdowntimeout",
	"export-models":         "exportmodels",
	"metrics-host":          "metrics.host",
	"metrics-port":          "metrics.port",
	"metrics-read-timeout":  "metrics.readtimeout",
	"metrics-write-timeout": "metrics.writetimeout",
}

func installRootCmd(app *App) {
	cmd := app.cmd
	cfg := &app.config

	cmd.PersistentFlags().CountVarP(&cfg.Verbosity, "verbose", "v", "issue DEBUG (-v) output")
	cmd.PersistentFlags().BoolVar(&cfg.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	// Project flags
	cmd.PersistentFlags().StringVarP(&cfg.Root, "root", "C", ".", "project root, where the generator runs")
	cmd.PersistentFlags().StringVarP(&cfg.BindingsDir, "bindings-dir", "d", constants.DefaultBindingsDir, "directory of schemas and bindings, relative to the project root")

	// Generator flags
	cmd.PersistentFlags().StringSliceVarP(&cfg.Generator.Command, "generator", "g", []string{constants.DefaultGenerator}, "generator command and its leading arguments")
	cmd.PersistentFlags().StringVar(&cfg.Generator.InputFlag, "input-flag", constants.DefaultInputFlag, "generator flag preceding the schema path")
	cmd.PersistentFlags().StringVar(&cfg.Generator.OutputFlag, "output-flag", constants.DefaultOutputFlag, "generator flag preceding the binding path")
	cmd.PersistentFlags().DurationVar(&cfg.Generator.Timeout, "generator-timeout", 0, "kill generations running for longer, 0 to disable")

	// Watch flags
	cmd.Flags().DurationVar(&cfg.PollInterval, "poll-interval", constants.DefaultPollInterval, "interval between schema modification checks")
	cmd.Flags().BoolVar(&cfg.Notify, "notify", false, "react to each filesystem notification instead of polling")
	cmd.Flags().DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", constants.DefaultShutdownTimeout, "how long running generations are awaited on exit")
	cmd.Flags().BoolVar(&cfg.ExportModels, "export-models", false, "export the model schemas before watching")

	// Metrics server flags
	cmd.Flags().StringVar(&cfg.Metrics.Host, "metrics-host", "", "host for the metrics endpoint")
	cmd.Flags().IntVar(&cfg.Metrics.Port, "metrics-port", 0, "port for the metrics endpoint, 0 to disable")
	cmd.Flags().DurationVar(&cfg.Metrics.ReadTimeout, "metrics-read-timeout", 5*time.Second, "read timeout for the metrics HTTP server")
	cmd.Flags().DurationVar(&cfg.Metrics.WriteTimeout, "metrics-write-timeout", 10*time.Second, "write timeout for the metrics HTTP server")

	if err := cmd.MarkPersistentFlagDirname("root"); err != nil {
		panic(fmt.Errorf("failed to mark root flag as directory: %w", err))
	}
	if err := cmd.MarkPersistentFlagDirname("bindings-dir"); err != nil {
		panic(fmt.Errorf("failed to mark bindings-dir flag as directory: %w", err))
	}
}

// bindFlags binds each flag of keys to its configuration key.
func bindFlags(vip *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for name, key := range keys {
		if err := vip.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("could not bind flag %q: %w", name, err)
		}
	}
	return nil
}

// Run executes the command and associated process, returning an error if any.
func (a *App) Run() error {
	defer a.setReady()
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a *App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a *App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit gracefully shuts down the daemon, and interrupts one-shot generations.
func (a *App) Quit() {
	a.quit(false)
}

// ForceQuit shuts down the daemon, killing running generations.
func (a *App) ForceQuit() {
	a.quit(true)
}

func (a *App) quit(force bool) {
	a.cancel()
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(force)
	}
}

// WaitReady waits for the daemon to be ready.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a *App) RootCmd() *cobra.Command {
	return a.cmd
}

func (a *App) setReady() {
	a.readyOnce.Do(func() { close(a.ready) })
}

func (a *App) layout() bindings.Layout {
	return bindings.NewLayout(a.config.Root, a.config.BindingsDir)
}

// schemas returns the schemas to process: the ones from args, else from the configuration, else every schema of the layout.
func (a *App) schemas(layout bindings.Layout, args []string) ([]string, error) {
	ids := args
	if len(ids) == 0 {
		ids = a.config.Schemas
	}
	if len(ids) == 0 {
		var err error
		if ids, err = layout.Discover(); err != nil {
			return nil, err
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no schema to process: pass schema names, set schemas in the configuration or add *%s files to %s",
			constants.SchemaExtension, layout.Dir)
	}

	var unique []string
	for _, id := range ids {
		if err := bindings.Validate(id); err != nil {
			return nil, err
		}
		if !slices.Contains(unique, id) {
			unique = append(unique, id)
		}
	}
	return unique, nil
}

func (a *App) newRunner(layout bindings.Layout, reg prometheus.Registerer) (*generator.Runner, error) {
	r, err := generator.New(a.config.Generator, generator.WithDir(layout.Root), generator.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("invalid generator configuration: %v", err)
	}
	return r, nil
}

func (a *App) run(args []string) error {
	layout := a.layout()

	if a.config.ExportModels {
		if _, err := schemagen.Export(layout); err != nil {
			return err
		}
	}

	schemas, err := a.schemas(layout, args)
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	runner, err := a.newRunner(layout, registry)
	if err != nil {
		return err
	}

	w := watcher.New(runner, layout,
		watcher.WithPollInterval(a.config.PollInterval),
		watcher.WithNotify(a.config.Notify))

	var metricsServer devserver.MetricsServer
	if a.config.Metrics.Enabled() {
		metricsServer = metrics.New(a.config.Metrics, registry)
	}

	var opts []devserver.Option
	if a.config.ShutdownTimeout > 0 {
		opts = append(opts, devserver.WithShutdownTimeout(a.config.ShutdownTimeout))
	}
	a.daemon = devserver.New(context.Background(), w, schemas, metricsServer, opts...)
	a.setReady()

	if err := a.daemon.Run(); err != nil && !errors.Is(err, devserver.ErrClosed) {
		return err
	}
	return nil
}
