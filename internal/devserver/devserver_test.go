package devserver_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ubuntu/bindwatch/internal/bindings"
	"github.com/ubuntu/bindwatch/internal/devserver"
	"github.com/ubuntu/bindwatch/internal/generator"
	"github.com/ubuntu/bindwatch/internal/metrics"
	"github.com/ubuntu/bindwatch/internal/testutils"
	"github.com/ubuntu/bindwatch/internal/watcher"
)

func TestRun(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		watcher       *fakeWatcher
		metricsServer *mockMetricsServer
		noMetrics     bool
		quitBeforeRun bool
		force         bool

		wantEarlyErr   bool // Run returns an error without Quit
		wantErr        error
		wantShutdownOK bool // Watcher shutdown context was still valid when called
	}{
		"Graceful quit":             {wantShutdownOK: true},
		"Graceful quit, no metrics": {noMetrics: true, wantShutdownOK: true},
		"Forced quit kills jobs":    {force: true},
		"Forced quit, no metrics":   {noMetrics: true, force: true},

		"Error when quit before run":               {quitBeforeRun: true, wantEarlyErr: true, wantErr: devserver.ErrClosed},
		"Error on registration failure":            {watcher: &fakeWatcher{registerErr: bindings.ErrInvalidIdentifier}, wantEarlyErr: true, wantErr: bindings.ErrInvalidIdentifier, wantShutdownOK: true},
		"Error on metrics server failure":          {metricsServer: newMockMetricsServer(errors.New("requested listen error")), wantEarlyErr: true, wantShutdownOK: true},
		"Error on jobs outliving shutdown timeout": {watcher: &fakeWatcher{hangShutdown: true}, wantErr: context.DeadlineExceeded, wantShutdownOK: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if tc.watcher == nil {
				tc.watcher = &fakeWatcher{}
			}
			var ms devserver.MetricsServer
			if !tc.noMetrics {
				if tc.metricsServer == nil {
					tc.metricsServer = newMockMetricsServer(nil)
				}
				ms = tc.metricsServer
			}

			schemas := []string{"user", "post"}
			s := devserver.New(t.Context(), tc.watcher, schemas, ms,
				devserver.WithShutdownTimeout(200*time.Millisecond),
				devserver.WithTeardownTimeout(2*time.Second),
				devserver.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

			if tc.quitBeforeRun {
				s.Quit(false)
			}

			errCh := make(chan error, 1)
			go func() { errCh <- s.Run() }()

			select {
			case err := <-errCh:
				require.True(t, tc.wantEarlyErr, "Run should not return before Quit, got: %v", err)
				require.Error(t, err, "Run should return an error")
				if tc.wantErr != nil {
					require.ErrorIs(t, err, tc.wantErr, "Run should return the expected error")
				}
				if !tc.quitBeforeRun {
					assert.True(t, tc.watcher.shutdownCalled(), "Watcher should be shut down")
					assert.Equal(t, tc.wantShutdownOK, tc.watcher.shutdownCtxErr() == nil, "Watcher shutdown context validity should match")
				}
				return
			case <-time.After(300 * time.Millisecond):
				require.False(t, tc.wantEarlyErr, "Run should have returned early")
			}

			assert.Equal(t, schemas, tc.watcher.registeredSchemas(), "Every schema should be registered")
			if !tc.noMetrics {
				assert.True(t, tc.metricsServer.serving(), "Metrics should be served")
			}

			s.Quit(tc.force)
			var err error
			select {
			case err = <-errCh:
			case <-time.After(5 * time.Second):
				require.Fail(t, "Run should return after Quit")
			}

			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr, "Run should return the expected error")
			} else {
				require.NoError(t, err, "Run should not return an error")
			}
			assert.True(t, tc.watcher.shutdownCalled(), "Watcher should be shut down")
			assert.Equal(t, tc.wantShutdownOK, tc.watcher.shutdownCtxErr() == nil, "Watcher shutdown context validity should match")
			if !tc.noMetrics {
				assert.False(t, tc.metricsServer.serving(), "Metrics should not be served anymore")
			}
		})
	}
}

func TestRunWithWatcherAndMetrics(t *testing.T) {
	t.Parallel()

	layout := bindings.NewLayout(t.TempDir(), "")
	reg := metrics.NewRegistry()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner, err := generator.New(generator.Config{
		Command: testutils.MockGeneratorCommand("TestMockGenerator", "sleep", "100ms"),
		Env:     []string{testutils.MockGeneratorEnv},
	},
		generator.WithDir(layout.Root),
		generator.WithStdout(io.Discard),
		generator.WithStderr(io.Discard),
		generator.WithRegisterer(reg),
		generator.WithLogger(discard))
	require.NoError(t, err, "Setup: failed to create runner")

	var mu sync.Mutex
	var results []generator.Result
	w := watcher.New(runner, layout, watcher.WithLogger(discard), watcher.WithJobObserver(func(r generator.Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	}))
	port := testutils.GetFreePort(t, "127.0.0.1")
	ms := metrics.New(metrics.Config{Host: "127.0.0.1", Port: port}, reg, metrics.WithLogger(discard))

	s := devserver.New(t.Context(), w, []string{"user"}, ms, devserver.WithLogger(discard))
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	require.Eventually(t, func() bool { return testutils.PortOpen(t, "127.0.0.1", port) }, 5*time.Second, 10*time.Millisecond,
		"Metrics server should be listening")
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ms.Addr() + metrics.Path)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		return err == nil && strings.Contains(string(body), `bindwatch_generation_jobs_total{result="success",schema="user"} 1`)
	}, 5*time.Second, 50*time.Millisecond, "Generation metrics should be served")

	s.Quit(false)
	require.NoError(t, <-errCh, "Run should not fail")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1, "Startup job should have completed before Run returned")
	assert.True(t, results[0].Success(), "Startup job should succeed")
	require.Error(t, s.Run(), "Run should not restart a quit service")
}

// TestMockGenerator is the generator process started by the tests.
func TestMockGenerator(_ *testing.T) {
	testutils.RunMockGenerator()
}

type fakeWatcher struct {
	registerErr  error
	hangShutdown bool

	mu         sync.Mutex
	registered []string
	shutdown   bool
	ctxErr     error
}

func (w *fakeWatcher) Register(id string) (*watcher.Registration, error) {
	if w.registerErr != nil {
		return nil, w.registerErr
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.registered = append(w.registered, id)
	return nil, nil
}

func (w *fakeWatcher) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.shutdown = true
	w.ctxErr = ctx.Err()
	w.mu.Unlock()

	if w.hangShutdown {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (w *fakeWatcher) registeredSchemas() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.registered...)
}

func (w *fakeWatcher) shutdownCalled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shutdown
}

func (w *fakeWatcher) shutdownCtxErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ctxErr
}

type mockMetricsServer struct {
	listenErr error

	started chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func newMockMetricsServer(listenErr error) *mockMetricsServer {
	return &mockMetricsServer{
		listenErr: listenErr,
		started:   make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

func (m *mockMetricsServer) ListenAndServe() error {
	if m.listenErr != nil {
		return m.listenErr
	}
	close(m.started)
	<-m.stop
	return http.ErrServerClosed
}

func (m *mockMetricsServer) Shutdown(context.Context) error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *mockMetricsServer) Close() error {
	return m.Shutdown(context.Background())
}

func (m *mockMetricsServer) serving() bool {
	select {
	case <-m.started:
	default:
		return false
	}
	select {
	case <-m.stop:
		return false
	default:
		return true
	}
}
