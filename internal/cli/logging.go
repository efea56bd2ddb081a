package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/ubuntu/bindwatch/internal/constants"
)

var level = &slog.LevelVar{}

// SetVerbosity sets the logging level for the default logger based on the verbose flag count.
//
// This function has the same behaviors as slog.SetLogLoggerLevel.
func SetVerbosity(verbosity int) {
	l := getLevel(verbosity)
	level.Set(l)
	slog.SetLogLoggerLevel(l)
}

// SetSlog sets the logging level and format for the default logger.
//
// JSON logs are written to stdout. Otherwise, logs are written in colour to stderr,
// unless stderr is not a terminal.
func SetSlog(verbosity int, jsonLogs bool) {
	SetVerbosity(verbosity)
	if jsonLogs {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
		return
	}

	slog.SetDefault(slog.New(newConsoleHandler(colorable.NewColorable(os.Stderr), !isatty.IsTerminal(os.Stderr.Fd()))))
}

func newConsoleHandler(w io.Writer, noColor bool) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
	})
}

func getLevel(verbosity int) slog.Level {
	switch verbosity {
	case 0:
		return constants.DefaultLogLevel
	default:
		return slog.LevelDebug
	}
}
