package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPExecutorRun(t *testing.T) {
	var gotReq RunRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/execute", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(RunResult{ExitCode: 0, Stdout: "3 passed", DurationMS: 1200})
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(srv.URL, 5*time.Second, zaptest.NewLogger(t))
	result, err := exec.Run(context.Background(), RunRequest{
		Language:       "python",
		Files:          map[string][]byte{"test_main.py": []byte("def test_ok(): pass")},
		Command:        "pytest -q",
		TimeoutSeconds: 60,
	})
	require.NoError(t, err)

	assert.True(t, result.Passed())
	assert.Equal(t, "3 passed", result.Stdout)
	assert.Equal(t, "python", gotReq.Language)
	assert.Equal(t, "pytest -q", gotReq.Command)
	assert.Contains(t, gotReq.Files, "test_main.py")
}

func TestHTTPExecutorRunFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RunResult{ExitCode: 1, Stderr: "assertion failed"})
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(srv.URL, 5*time.Second, zaptest.NewLogger(t))
	result, err := exec.Run(context.Background(), RunRequest{Language: "python"})
	require.NoError(t, err)
	assert.False(t, result.Passed())
}

func TestHTTPExecutorRunHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(srv.URL, 5*time.Second, zaptest.NewLogger(t))
	_, err := exec.Run(context.Background(), RunRequest{Language: "go"})
	assert.Error(t, err)
}

func TestHTTPExecutorTruncatesStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RunResult{ExitCode: 0, Stdout: strings.Repeat("x", 100000)})
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(srv.URL, 5*time.Second, zaptest.NewLogger(t))
	result, err := exec.Run(context.Background(), RunRequest{Language: "go"})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.Stdout), maxStreamBytes)
}

func TestHTTPExecutorAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	exec := NewHTTPExecutor(srv.URL, 5*time.Second, zaptest.NewLogger(t))
	assert.True(t, exec.Available(context.Background()))

	srv.Close()
	assert.False(t, exec.Available(context.Background()))
}

func TestNoopExecutor(t *testing.T) {
	var exec Executor = NoopExecutor{}

	assert.False(t, exec.Available(context.Background()))
	_, err := exec.Run(context.Background(), RunRequest{})
	assert.Error(t, err)
}

func TestRunResultPassed(t *testing.T) {
	assert.True(t, (&RunResult{ExitCode: 0}).Passed())
	assert.False(t, (&RunResult{ExitCode: 2}).Passed())
	assert.False(t, (&RunResult{ExitCode: 0, TimedOut: true}).Passed())
	assert.False(t, (*RunResult)(nil).Passed())
}
