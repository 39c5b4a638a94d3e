// Package workflows contains the durable generation workflow: deterministic
// orchestration code that drives decomposition, scheduling, validation,
// capsule assembly and ledger finalization through activities.
package workflows

import (
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/workflows/control"
)

// WorkflowIDPrefix namespaces generation runs in Temporal. The suffix is the
// caller's request id, which makes submission idempotent: resubmitting the
// same request id attaches to the original run.
const WorkflowIDPrefix = "qlp-gen-"

// WorkflowIDFor derives the deterministic workflow id for a request.
func WorkflowIDFor(requestID string) string {
	return WorkflowIDPrefix + requestID
}

// QueryGetStatus returns a models.StatusSnapshot for a running or recently
// closed workflow. Wire name used by the gateway.
const QueryGetStatus = "get-status"

// Re-export control signal names so callers need one import.
const (
	SignalPause          = control.SignalPause
	SignalResume         = control.SignalResume
	SignalCancel         = control.SignalCancel
	SignalInjectFeedback = control.SignalInjectFeedback
	QueryControlState    = control.QueryControlState
)

// Re-export control types alongside the signal names.
type (
	PauseRequest         = control.PauseRequest
	ResumeRequest        = control.ResumeRequest
	CancelRequest        = control.CancelRequest
	FeedbackRequest      = control.FeedbackRequest
	WorkflowControlState = control.WorkflowControlState
)

// GenerationInput starts one generation run.
type GenerationInput struct {
	Request models.ExecutionRequest `json:"request"`
}

// GenerationResult is the workflow's terminal report. Status uses the run
// status vocabulary; Error is set for partial and failed runs.
type GenerationResult struct {
	RequestID      string                          `json:"request_id"`
	Status         string                          `json:"status"`
	CapsuleID      string                          `json:"capsule_id,omitempty"`
	TasksTotal     int                             `json:"tasks_total"`
	TasksSucceeded int                             `json:"tasks_succeeded"`
	TasksFailed    int                             `json:"tasks_failed"`
	CacheHits      int                             `json:"cache_hits"`
	Validation     models.ValidationSummary        `json:"validation"`
	Cost           models.CostSummary              `json:"cost"`
	Error          *taskgraph.TypedError           `json:"error,omitempty"`
	TaskStatuses   map[string]taskgraph.TaskStatus `json:"task_statuses,omitempty"`
}
