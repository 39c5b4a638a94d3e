// Package interceptors stamps outgoing collaborator requests with the
// workflow identity, so Agent Factory, Validation Mesh and Sandbox logs
// can be joined back to a generation run.
package interceptors

import (
	"net/http"

	"go.temporal.io/sdk/activity"
)

// WorkflowHTTPRoundTripper injects X-Workflow-ID and X-Run-ID headers when
// the request context belongs to a running activity.
type WorkflowHTTPRoundTripper struct {
	base http.RoundTripper
}

// NewWorkflowHTTPRoundTripper wraps base, defaulting to
// http.DefaultTransport.
func NewWorkflowHTTPRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &WorkflowHTTPRoundTripper{base: base}
}

// RoundTrip implements http.RoundTripper.
func (w *WorkflowHTTPRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// GetInfo panics outside an activity context (plain HTTP clients in
	// tests reuse this transport), so probe under a recover.
	func() {
		defer func() { _ = recover() }()
		info := activity.GetInfo(req.Context())
		if info.WorkflowExecution.ID != "" {
			req.Header.Set("X-Workflow-ID", info.WorkflowExecution.ID)
			req.Header.Set("X-Run-ID", info.WorkflowExecution.RunID)
		}
	}()
	return w.base.RoundTrip(req)
}
