// Package constants is responsible for defining the constants used in the application.
// It also provides utility functions to get the default configuration path.
package constants

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	// CmdName is the name of the command line tool.
	CmdName = "bindwatch"

	// DefaultAppFolder is the name of the default configuration folder.
	DefaultAppFolder = "bindwatch"

	// DefaultLogLevel is the default log level selected without any verbosity flags.
	DefaultLogLevel = slog.LevelInfo

	// DefaultBindingsDir is the directory, relative to the project root, holding schemas and bindings.
	DefaultBindingsDir = "bindings"

	// SchemaExtension is the suffix of the JSON Schema source files.
	SchemaExtension = ".schema.json"

	// BindingExtension is the suffix of the generated binding files.
	BindingExtension = ".schema.ts"

	// DefaultGenerator is the code generation tool turning a JSON Schema into a valibot binding.
	DefaultGenerator = "json-schema-to-valibot"

	// DefaultInputFlag is the generator flag preceding the schema path.
	DefaultInputFlag = "-i"

	// DefaultOutputFlag is the generator flag preceding the binding path.
	DefaultOutputFlag = "-o"

	// DefaultPollInterval is the interval at which schema files are checked for modifications.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultShutdownTimeout is how long in-flight generation jobs are awaited on graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// Version is the version of the executable, overridden at build time.
var Version = "Dev"

type options struct {
	baseDir func() (string, error)
}

type option func(*options)

// GetDefaultConfigPath is the default path to the configuration directory.
func GetDefaultConfigPath(opts ...option) string {
	o := options{baseDir: os.UserConfigDir}
	for _, opt := range opts {
		opt(&o)
	}

	dir := getBaseDir(o.baseDir)
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, DefaultAppFolder)
}

// getBaseDir is a helper function to handle the case where the baseDir function returns an error, and instead return an empty string.
func getBaseDir(baseDirFunc func() (string, error)) string {
	dir, err := baseDirFunc()
	if err != nil {
		return ""
	}
	return dir
}
