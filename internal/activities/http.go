package activities

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/circuitbreaker"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/dispatch"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/tracing"
)

// maxResponseBytes caps collaborator response bodies. Agent outputs route
// through the result store, not the activity response, so 8MB is generous.
const maxResponseBytes = 8 << 20

// postJSON is the one HTTP shape every collaborator call uses: JSON in, JSON
// out, non-2xx classified through dispatch.ClassifyHTTPStatus, transport
// failures surfaced as TRANSIENT_NETWORK so the retry policy decides.
func postJSON(ctx context.Context, hw *circuitbreaker.HTTPWrapper, base, path string, timeout time.Duration, payload, out interface{}) error {
	if base == "" {
		return taskgraph.NewTypedError(taskgraph.ErrInternal,
			"collaborator base url not configured",
			map[string]interface{}{"path": path})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return taskgraph.NewTypedError(taskgraph.ErrInternal, "encode request: "+err.Error(), nil)
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	url := strings.TrimRight(base, "/") + path
	callCtx, span := tracing.StartHTTPSpan(callCtx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return taskgraph.NewTypedError(taskgraph.ErrInternal, "build request: "+err.Error(), nil)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(callCtx, req)

	resp, err := hw.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return taskgraph.NewTypedError(taskgraph.ErrCancelled, "request cancelled", nil)
		}
		return taskgraph.NewTypedError(taskgraph.ErrTransientNetwork,
			fmt.Sprintf("%s: %v", path, err), nil)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return taskgraph.NewTypedError(taskgraph.ErrTransientNetwork,
			fmt.Sprintf("%s: read response: %v", path, err), nil)
	}

	if kind := dispatch.ClassifyHTTPStatus(resp.StatusCode); kind != "" {
		details := map[string]interface{}{"status": resp.StatusCode}
		if msg := clip(string(data), 512); msg != "" {
			details["body"] = msg
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			details["retry_after"] = ra
		}
		return taskgraph.NewTypedError(kind,
			fmt.Sprintf("%s returned %d", path, resp.StatusCode), details)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return taskgraph.NewTypedError(taskgraph.ErrInternal,
				fmt.Sprintf("%s: decode response: %v", path, err), nil)
		}
	}
	return nil
}

// clip truncates s to at most n bytes on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

// Collaborator services run on a Python stack that serializes numbers
// inconsistently: ints arrive as floats, floats as strings. These helpers
// absorb that instead of failing the call.

func parseFlexibleInt(v interface{}) int {
	switch x := v.(type) {
	case nil:
		return 0
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i)
		}
		if f, err := x.Float64(); err == nil {
			return int(f)
		}
	case string:
		s := strings.TrimSpace(x)
		if i, err := strconv.Atoi(s); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int(f)
		}
	}
	return 0
}

func parseFlexibleFloat(v interface{}) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
	}
	return 0
}
