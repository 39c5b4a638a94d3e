// Package control implements the pause/resume/cancel/feedback signal surface
// shared by generation workflows: a signal handler goroutine, a queryable
// control state, and checkpoint helpers the scheduler calls between waves.
package control

import (
	"fmt"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/activities"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/constants"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/streaming"
)

// SignalHandler manages pause/resume/cancel and feedback injection for a
// generation run. Fields are mutated only from the signal goroutine and read
// from the main workflow goroutine; plain fields are safe because Temporal
// workflows are cooperatively scheduled.
type SignalHandler struct {
	State      *WorkflowControlState
	WorkflowID string
	Logger     log.Logger
	EmitCtx    workflow.Context

	feedback []FeedbackRequest
}

// Setup initializes the control-state query and the signal listener loop.
func (h *SignalHandler) Setup(ctx workflow.Context) {
	version := workflow.GetVersion(ctx, "control_signals_v1", workflow.DefaultVersion, 1)
	if version < 1 {
		return
	}

	h.State = &WorkflowControlState{}

	_ = workflow.SetQueryHandler(ctx, QueryControlState, func() (WorkflowControlState, error) {
		return *h.State, nil
	})

	pauseCh := workflow.GetSignalChannel(ctx, SignalPause)
	resumeCh := workflow.GetSignalChannel(ctx, SignalResume)
	cancelCh := workflow.GetSignalChannel(ctx, SignalCancel)
	feedbackCh := workflow.GetSignalChannel(ctx, SignalInjectFeedback)

	workflow.Go(ctx, func(gCtx workflow.Context) {
		for {
			sel := workflow.NewSelector(gCtx)

			sel.AddReceive(pauseCh, func(c workflow.ReceiveChannel, more bool) {
				var req PauseRequest
				c.Receive(gCtx, &req)
				h.handlePause(gCtx, req)
			})

			sel.AddReceive(resumeCh, func(c workflow.ReceiveChannel, more bool) {
				var req ResumeRequest
				c.Receive(gCtx, &req)
				h.handleResume(gCtx, req)
			})

			sel.AddReceive(cancelCh, func(c workflow.ReceiveChannel, more bool) {
				var req CancelRequest
				c.Receive(gCtx, &req)
				h.handleCancel(gCtx, req)
			})

			sel.AddReceive(feedbackCh, func(c workflow.ReceiveChannel, more bool) {
				var req FeedbackRequest
				c.Receive(gCtx, &req)
				h.handleFeedback(gCtx, req)
			})

			sel.Select(gCtx)
		}
	})
}

func (h *SignalHandler) handlePause(ctx workflow.Context, req PauseRequest) {
	if h.State.IsPaused {
		h.Logger.Debug("Already paused, ignoring")
		return
	}
	if h.State.IsCancelled {
		h.Logger.Debug("Already cancelled, ignoring pause")
		return
	}

	h.State.IsPaused = true
	h.State.PausedAt = workflow.Now(ctx)
	h.State.PauseReason = req.Reason
	h.State.PausedBy = req.RequestedBy
	h.Logger.Info("Pause requested", "reason", req.Reason, "requested_by", req.RequestedBy)
}

func (h *SignalHandler) handleResume(ctx workflow.Context, req ResumeRequest) {
	if !h.State.IsPaused {
		h.Logger.Debug("Not paused, ignoring resume")
		return
	}

	h.State.IsPaused = false
	h.State.PausedAt = workflow.Now(ctx)
	h.State.PauseReason = ""
	h.State.PausedBy = ""
	h.Logger.Info("Resume requested", "requested_by", req.RequestedBy)
}

func (h *SignalHandler) handleCancel(ctx workflow.Context, req CancelRequest) {
	if h.State.IsCancelled {
		h.Logger.Debug("Already cancelled, ignoring")
		return
	}

	h.State.IsCancelled = true
	h.State.IsPaused = false
	h.State.CancelReason = req.Reason
	h.State.CancelledBy = req.RequestedBy
	h.Logger.Info("Cancel requested", "reason", req.Reason, "requested_by", req.RequestedBy)
}

func (h *SignalHandler) handleFeedback(ctx workflow.Context, req FeedbackRequest) {
	if req.Message == "" {
		h.Logger.Debug("Empty feedback, ignoring")
		return
	}

	h.feedback = append(h.feedback, req)
	h.State.PendingFeedback = len(h.feedback)
	h.Logger.Info("Feedback injected",
		"task_id", req.TaskID,
		"requested_by", req.RequestedBy)
}

// CheckPausePoint blocks while paused and returns a CanceledError once the
// run is cancelled. The checkpoint name lands in the progress stream so
// operators can see where a paused run is parked.
func (h *SignalHandler) CheckPausePoint(ctx workflow.Context, checkpoint string) error {
	if h.State == nil {
		return nil
	}

	// Yield so signals already delivered in this workflow task are processed
	// before the state is inspected.
	_ = workflow.Sleep(ctx, 0)

	if h.State.IsCancelled {
		return temporal.NewCanceledError(fmt.Sprintf("workflow cancelled: %s", h.State.CancelReason))
	}

	if h.State.IsPaused {
		h.emit(ctx, streaming.EventWorkflowPaused,
			fmt.Sprintf("Paused at %s", checkpoint),
			map[string]interface{}{"checkpoint": checkpoint})

		_ = workflow.Await(ctx, func() bool {
			return !h.State.IsPaused || h.State.IsCancelled
		})

		if h.State.IsCancelled {
			return temporal.NewCanceledError(fmt.Sprintf("workflow cancelled while paused: %s", h.State.CancelReason))
		}

		h.emit(ctx, streaming.EventWorkflowResumed,
			fmt.Sprintf("Resumed at %s", checkpoint),
			map[string]interface{}{"checkpoint": checkpoint})
	}

	return nil
}

// IsCancelled returns true if the workflow has been cancelled
func (h *SignalHandler) IsCancelled() bool {
	return h.State != nil && h.State.IsCancelled
}

// IsPaused returns true if the workflow is paused
func (h *SignalHandler) IsPaused() bool {
	return h.State != nil && h.State.IsPaused
}

// CancelReason returns the reason carried by the cancel signal, if any.
func (h *SignalHandler) CancelReason() string {
	if h.State == nil {
		return ""
	}
	return h.State.CancelReason
}

// FeedbackFor returns injected guidance that applies to the given task:
// untargeted messages plus ones addressed to its id, in arrival order.
// Feedback is not consumed; every later dispatch sees it too.
func (h *SignalHandler) FeedbackFor(taskID string) []string {
	if len(h.feedback) == 0 {
		return nil
	}
	var out []string
	for _, f := range h.feedback {
		if f.TaskID == "" || f.TaskID == taskID {
			out = append(out, f.Message)
		}
	}
	return out
}

func (h *SignalHandler) emit(ctx workflow.Context, typ streaming.EventType, message string, data map[string]interface{}) {
	_ = workflow.ExecuteActivity(h.EmitCtx, constants.PublishProgressActivity, activities.ProgressEvent{
		WorkflowID: h.WorkflowID,
		Type:       string(typ),
		Message:    message,
		Data:       data,
	}).Get(ctx, nil)
}
