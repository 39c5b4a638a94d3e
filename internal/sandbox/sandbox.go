// Package sandbox abstracts the isolated runtime used by the validation
// pipeline's runtime stage. When no sandbox is reachable the stage is
// skipped, never faked.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/interceptors"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/tracing"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/util"
)

// Output streams are capped before entering activity results.
const maxStreamBytes = 8192

// RunRequest is one runtime check: the file tree plus how to exercise it.
type RunRequest struct {
	Language       string            `json:"language"`
	Files          map[string][]byte `json:"files"`
	Command        string            `json:"command,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// RunResult is the sandbox verdict.
type RunResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

// Passed reports a clean run.
func (r *RunResult) Passed() bool {
	return r != nil && r.ExitCode == 0 && !r.TimedOut
}

// Executor runs code in isolation.
type Executor interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
	// Available reports whether the executor can accept work right now;
	// callers skip the runtime stage when false.
	Available(ctx context.Context) bool
}

// HTTPExecutor talks to the sandbox runner service.
type HTTPExecutor struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewHTTPExecutor(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPExecutor{
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   timeout,
			Transport: interceptors.NewWorkflowHTTPRoundTripper(nil),
		},
		logger: logger,
	}
}

func (e *HTTPExecutor) Run(ctx context.Context, runReq RunRequest) (*RunResult, error) {
	url := fmt.Sprintf("%s/execute", e.baseURL)
	buf, err := json.Marshal(runReq)
	if err != nil {
		return nil, fmt.Errorf("marshal sandbox request: %w", err)
	}

	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox execute: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox http status %d", resp.StatusCode)
	}

	var result RunResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode sandbox response: %w", err)
	}
	result.Stdout = util.TruncateString(result.Stdout, maxStreamBytes, false)
	result.Stderr = util.TruncateString(result.Stderr, maxStreamBytes, false)
	return &result, nil
}

// Available probes the runner's health endpoint with a short deadline so a
// down sandbox degrades validation instead of stalling it.
func (e *HTTPExecutor) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", e.baseURL), nil)
	if err != nil {
		return false
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// NoopExecutor is the disabled sandbox: never available, never runs.
type NoopExecutor struct{}

func (NoopExecutor) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	return nil, fmt.Errorf("sandbox execution disabled")
}

func (NoopExecutor) Available(ctx context.Context) bool { return false }
