package cli_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ubuntu/bindwatch/internal/cli"
	"github.com/ubuntu/bindwatch/internal/constants"
)

// hacky way to allow us to reset the default logger.
var defaultLogger = *slog.Default()

func TestSetVerbosity(t *testing.T) {
	testCases := map[string]struct {
		pattern []int
	}{
		"none":            {pattern: []int{0}},
		"debug":           {pattern: []int{1}},
		"debug none":      {pattern: []int{1, 0}},
		"very verbose":    {pattern: []int{2}},
		"none debug none": {pattern: []int{0, 2, 0}},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			slog.SetDefault(&defaultLogger)

			for _, p := range tc.pattern {
				cli.SetVerbosity(p)

				switch p {
				case 0:
					assert.True(t, slog.Default().Enabled(context.Background(), constants.DefaultLogLevel))
					assert.False(t, slog.Default().Enabled(context.Background(), constants.DefaultLogLevel-1))
				default:
					assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))
					assert.False(t, slog.Default().Enabled(context.Background(), slog.LevelDebug-1))
				}
			}
		})
	}
}

func TestSetSlog(t *testing.T) {
	testCases := map[string]struct {
		verbosity int
		jsonLog   bool

		wantLevel slog.Level
	}{
		"console":       {verbosity: 0, wantLevel: constants.DefaultLogLevel},
		"console debug": {verbosity: 1, wantLevel: slog.LevelDebug},
		"json":          {verbosity: 0, jsonLog: true, wantLevel: constants.DefaultLogLevel},
		"json debug":    {verbosity: 2, jsonLog: true, wantLevel: slog.LevelDebug},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Cleanup(func() { slog.SetDefault(&defaultLogger) })
			cli.SetSlog(tc.verbosity, tc.jsonLog)

			_, isJSON := slog.Default().Handler().(*slog.JSONHandler)
			assert.Equal(t, tc.jsonLog, isJSON, "unexpected log handler type")

			assert.True(t, slog.Default().Enabled(context.Background(), tc.wantLevel), "level should be enabled")
			assert.False(t, slog.Default().Enabled(context.Background(), tc.wantLevel-1), "lower level should be disabled")
		})
	}
}
