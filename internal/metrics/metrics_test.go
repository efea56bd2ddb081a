package metrics_test

import (
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ubuntu/bindwatch/internal/metrics"
	"github.com/ubuntu/bindwatch/internal/testutils"
)

func TestListenAndServe(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		port int

		wantErr bool
	}{
		"Serves metrics on a free port": {},

		"Error on bad port": {port: -1, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			reg := metrics.NewRegistry()
			jobs := prometheus.NewCounter(prometheus.CounterOpts{Name: "bindwatch_test_jobs_total", Help: "Test counter."})
			reg.MustRegister(jobs)
			jobs.Add(3)

			server := metrics.New(newConfig(t, tc.port), reg, metrics.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
			errCh := listenAndServeAsync(t, server)
			defer server.Close()

			select {
			case err := <-errCh:
				if tc.wantErr {
					require.Error(t, err, "Expected ListenAndServe to fail")
					assert.Empty(t, server.Addr(), "Expected Addr to be empty if ListenAndServe fails")
					return
				}
				require.Failf(t, "ListenAndServe returned unexpectedly", "Got possible error: %v", err)
			case <-time.After(500 * time.Millisecond):
				require.False(t, tc.wantErr, "Expected ListenAndServe to return an error but it did not")
			}

			statusCode, body, err := sendRequest(t, server)
			require.NoError(t, err, "Expected to successfully send request to metrics endpoint")
			require.Equal(t, http.StatusOK, statusCode, "Expected metrics endpoint to return 200 OK")
			assert.Contains(t, body, "bindwatch_test_jobs_total 3", "Expected registered metrics to be exposed")
			assert.Contains(t, body, "go_goroutines", "Expected runtime metrics to be exposed")
		})
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		force bool
	}{
		"Graceful shutdown": {},
		"Close":             {force: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			server := metrics.New(newConfig(t, 0), prometheus.NewRegistry(), metrics.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
			errCh := listenAndServeAsync(t, server)
			defer server.Close()

			select {
			case err := <-errCh:
				require.Failf(t, "ListenAndServe returned unexpectedly", "Got possible error: %v", err)
			case <-time.After(500 * time.Millisecond):
			}

			statusCode, _, err := sendRequest(t, server)
			require.NoError(t, err, "Expected to successfully send request to metrics endpoint")
			require.Equal(t, http.StatusOK, statusCode, "Expected metrics endpoint to return 200 OK")

			if tc.force {
				err = server.Close()
			} else {
				err = server.Shutdown(t.Context())
			}
			require.NoError(t, err, "Expected server to stop without error")

			select {
			case err := <-errCh:
				require.ErrorIs(t, err, http.ErrServerClosed, "Expected ListenAndServe to return ErrServerClosed")
			case <-time.After(5 * time.Second):
				require.Fail(t, "Expected ListenAndServe to return after stopping the server")
			}

			_, _, err = sendRequest(t, server)
			require.Error(t, err, "Expected error when sending request after shutdown")
		})
	}
}

func TestConfigEnabled(t *testing.T) {
	t.Parallel()

	assert.False(t, metrics.Config{}.Enabled(), "Zero port should disable metrics")
	assert.True(t, metrics.Config{Port: 9090}.Enabled(), "Set port should enable metrics")
}

// newConfig returns a configuration on port, or on a free port of the loopback interface if port is 0.
func newConfig(t *testing.T, port int) metrics.Config {
	t.Helper()

	host := "127.0.0.1"
	if port == 0 {
		port = testutils.GetFreePort(t, host)
	}
	return metrics.Config{
		Host:         host,
		Port:         port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

func listenAndServeAsync(t *testing.T, server *metrics.Server) chan error {
	t.Helper()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		errCh <- server.ListenAndServe()
	}()
	return errCh
}

func sendRequest(t *testing.T, server *metrics.Server) (int, string, error) {
	t.Helper()

	resp, err := http.Get("http://" + server.Addr() + metrics.Path)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body), err
}
