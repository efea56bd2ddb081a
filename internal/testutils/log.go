package testutils

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// MockHandler tracks calls to logging functions and implements slog.Handler.
// It is safe for concurrent use.
type MockHandler struct {
	IgnoreBelow slog.Level

	mu          sync.Mutex
	handleCalls []slog.Record
	attrs       []slog.Attr
}

// NewMockHandler returns a new MockHandler.
// levels < ignoreBelow will not call handle.
func NewMockHandler(ignoreBelow slog.Level) *MockHandler {
	return &MockHandler{IgnoreBelow: ignoreBelow}
}

// Records returns a copy of the logged records.
func (h *MockHandler) Records() []slog.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]slog.Record(nil), h.handleCalls...)
}

// Lines returns the logged records rendered as "LEVEL message key=value..." lines.
func (h *MockHandler) Lines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	lines := make([]string, 0, len(h.handleCalls))
	for _, r := range h.handleCalls {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s %s", r.Level, r.Message)
		for _, a := range h.attrs {
			fmt.Fprintf(&sb, " %s", a)
		}
		r.Attrs(func(a slog.Attr) bool {
			fmt.Fprintf(&sb, " %s", a)
			return true
		})
		lines = append(lines, sb.String())
	}
	return lines
}

// LinesContaining returns the rendered lines containing every one of substrs.
func (h *MockHandler) LinesContaining(substrs ...string) []string {
	var found []string
	for _, l := range h.Lines() {
		match := true
		for _, s := range substrs {
			if !strings.Contains(l, s) {
				match = false
				break
			}
		}
		if match {
			found = append(found, l)
		}
	}
	return found
}

// AssertLevels asserts that the logging levels observed match the expected amount.
func (h *MockHandler) AssertLevels(t *testing.T, levels map[slog.Level]uint) bool {
	t.Helper()

	have := h.GetLevels()
	if levels == nil {
		return assert.Empty(t, have)
	}
	return assert.Equal(t, levels, have)
}

// GetLevels returns the levels of the logged records.
func (h *MockHandler) GetLevels() map[slog.Level]uint {
	h.mu.Lock()
	defer h.mu.Unlock()
	levels := make(map[slog.Level]uint)
	for _, r := range h.handleCalls {
		levels[r.Level]++
	}
	return levels
}

// OutputLogs outputs the logs collected by the handler in a readable format.
func (h *MockHandler) OutputLogs(t *testing.T) {
	t.Helper()
	for _, l := range h.Lines() {
		t.Log(l)
	}
}

// Enabled implements Handler.Enabled.
func (h *MockHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.IgnoreBelow
}

// Handle implements Handler.Handle.
func (h *MockHandler) Handle(_ context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handleCalls = append(h.handleCalls, record.Clone())
	return nil
}

// WithAttrs implements Handler.WithAttrs.
// Attributes are shared with the parent handler so that every record is collected in one place.
func (h *MockHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attrs = append(h.attrs, attrs...)
	return h
}

// WithGroup implements Handler.WithGroup.
func (h *MockHandler) WithGroup(string) slog.Handler {
	return h
}
