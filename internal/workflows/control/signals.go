package control

import "time"

// Signal and query names for workflow control. These are wire names used by
// the gateway; renaming one is a breaking API change.
const (
	SignalPause          = "pause"
	SignalResume         = "resume"
	SignalCancel         = "cancel"
	SignalInjectFeedback = "inject-feedback"
	QueryControlState    = "control-state"
)

// PauseRequest is sent when pausing a workflow
type PauseRequest struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

// ResumeRequest is sent when resuming a paused workflow
type ResumeRequest struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

// CancelRequest is sent when gracefully cancelling a workflow
type CancelRequest struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

// FeedbackRequest carries human guidance into a running workflow. TaskID is
// optional; when empty the feedback applies to every not-yet-dispatched task.
type FeedbackRequest struct {
	TaskID      string `json:"task_id,omitempty"`
	Message     string `json:"message"`
	RequestedBy string `json:"requested_by"`
}

// WorkflowControlState tracks pause/cancel state for query handlers
type WorkflowControlState struct {
	IsPaused        bool      `json:"is_paused"`
	IsCancelled     bool      `json:"is_cancelled"`
	PausedAt        time.Time `json:"paused_at,omitempty"`
	PauseReason     string    `json:"pause_reason,omitempty"`
	PausedBy        string    `json:"paused_by,omitempty"`
	CancelReason    string    `json:"cancel_reason,omitempty"`
	CancelledBy     string    `json:"cancelled_by,omitempty"`
	PendingFeedback int       `json:"pending_feedback,omitempty"`
}
