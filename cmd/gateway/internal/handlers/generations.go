package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/cmd/gateway/internal/middleware"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/db"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/workflows"
)

// generationRunTimeout bounds a single workflow run. Robust-mode runs with
// deep graphs finish well inside this; anything longer is stuck.
const generationRunTimeout = 30 * time.Minute

var requestIDRe = regexp.MustCompile(`^[A-Za-z0-9_\-\.]{1,120}$`)

// GenerationHandler drives generation runs over the Temporal client: submit,
// status, result, control signals. Identity comes from the auth middleware;
// body values never override it.
type GenerationHandler struct {
	temporal  client.Client
	db        *db.Client
	taskQueue string
	validate  *validator.Validate
	logger    *zap.Logger
}

func NewGenerationHandler(tc client.Client, dbc *db.Client, taskQueue string, logger *zap.Logger) *GenerationHandler {
	return &GenerationHandler{
		temporal:  tc,
		db:        dbc,
		taskQueue: taskQueue,
		validate:  validator.New(),
		logger:    logger,
	}
}

// submitRequest is the submission DTO. RequestID is optional; one is minted
// when absent. Tenant and user always come from the authenticated identity.
type submitRequest struct {
	RequestID    string             `json:"request_id" validate:"omitempty,max=120"`
	Description  string             `json:"description" validate:"required,min=1,max=8192"`
	Requirements []string           `json:"requirements" validate:"omitempty,max=64,dive,max=2048"`
	Constraints  models.Constraints `json:"constraints"`
	Options      submitOptions      `json:"options"`
}

type submitOptions struct {
	Mode           string `json:"mode" validate:"omitempty,oneof=basic complete robust"`
	TierOverride   string `json:"tier_override" validate:"omitempty,oneof=T0 T1 T2 T3"`
	SkipValidation bool   `json:"skip_validation"`
	MaxConcurrency int    `json:"max_concurrency" validate:"omitempty,min=1,max=50"`
	DeliveryFormat string `json:"delivery_format" validate:"omitempty,oneof=capsule archive"`
}

type submitResponse struct {
	RequestID  string `json:"request_id"`
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	StreamURL  string `json:"stream_url"`
}

// Submit handles POST /api/v1/generations. The workflow ID is derived from
// the request ID, so resubmitting the same request attaches to the original
// run instead of starting a second one.
func (h *GenerationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if !requestIDRe.MatchString(req.RequestID) {
		sendError(w, http.StatusBadRequest, "request_id may only contain letters, digits, '_', '-', '.'")
		return
	}

	user := middleware.UserFrom(r.Context())
	if user == nil {
		sendError(w, http.StatusUnauthorized, "Missing identity")
		return
	}

	exec := models.ExecutionRequest{
		RequestID:    req.RequestID,
		TenantID:     user.TenantID,
		UserID:       user.UserID,
		Description:  req.Description,
		Requirements: req.Requirements,
		Constraints:  req.Constraints,
		Options: models.GenerationOptions{
			Mode:           req.Options.Mode,
			TierOverride:   req.Options.TierOverride,
			SkipValidation: req.Options.SkipValidation,
			MaxConcurrency: req.Options.MaxConcurrency,
			DeliveryFormat: req.Options.DeliveryFormat,
		},
	}

	workflowID := workflows.WorkflowIDFor(req.RequestID)
	opts := client.StartWorkflowOptions{
		ID:                 workflowID,
		TaskQueue:          h.taskQueue,
		WorkflowRunTimeout: generationRunTimeout,
		// Reject restarts of a closed run; attach to a running one. Combined
		// these make submission idempotent on request_id.
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: false,
	}

	run, err := h.temporal.ExecuteWorkflow(r.Context(), opts, workflows.GenerationWorkflow, workflows.GenerationInput{Request: exec})
	if err != nil {
		h.logger.Error("Failed to start generation workflow",
			zap.String("workflow_id", workflowID),
			zap.Error(err),
		)
		sendError(w, http.StatusInternalServerError, "Failed to start generation")
		return
	}

	h.logger.Info("Generation submitted",
		zap.String("workflow_id", workflowID),
		zap.String("run_id", run.GetRunID()),
		zap.String("tenant_id", user.TenantID),
		zap.String("user_id", user.UserID),
	)

	sendJSON(w, http.StatusAccepted, submitResponse{
		RequestID:  req.RequestID,
		WorkflowID: workflowID,
		RunID:      run.GetRunID(),
		Status:     models.RunStatusQueued,
		StreamURL:  fmt.Sprintf("/api/v1/stream/sse?workflow_id=%s", workflowID),
	})
}

type statusResponse struct {
	RequestID       string  `json:"request_id"`
	WorkflowID      string  `json:"workflow_id"`
	Status          string  `json:"status"`
	PercentComplete float64 `json:"percent_complete"`
	CurrentStep     string  `json:"current_step,omitempty"`
	TasksTotal      int     `json:"tasks_total"`
	TasksDone       int     `json:"tasks_done"`
	TasksFailed     int     `json:"tasks_failed"`
	CapsuleID       string  `json:"capsule_id,omitempty"`
	Error           string  `json:"error,omitempty"`
	Source          string  `json:"source"`
}

// GetStatus handles GET /api/v1/generations/{id}. Live runs answer the
// get-status query; closed runs whose history has been retired fall back to
// the generation_runs row.
func (h *GenerationHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	requestID, workflowID := h.resolveIDs(r)

	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	if resp, err := h.temporal.QueryWorkflow(ctx, workflowID, "", workflows.QueryGetStatus); err == nil {
		var snap models.StatusSnapshot
		if err := resp.Get(&snap); err == nil {
			sendJSON(w, http.StatusOK, statusResponse{
				RequestID:       requestID,
				WorkflowID:      workflowID,
				Status:          snap.State,
				PercentComplete: snap.PercentComplete,
				CurrentStep:     snap.CurrentStep,
				TasksTotal:      snap.TasksTotal,
				TasksDone:       snap.TasksDone,
				TasksFailed:     snap.TasksFailed,
				CapsuleID:       snap.CapsuleID,
				Source:          "temporal",
			})
			return
		}
	}

	run, err := h.db.GetRunByRequestID(ctx, requestID)
	if err != nil {
		h.logger.Error("Status lookup failed", zap.String("request_id", requestID), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "Status lookup failed")
		return
	}
	if run == nil {
		sendError(w, http.StatusNotFound, "Unknown generation")
		return
	}

	out := statusResponse{
		RequestID:   requestID,
		WorkflowID:  run.WorkflowID,
		Status:      run.Status,
		TasksTotal:  run.TasksTotal,
		TasksDone:   run.TasksDone,
		TasksFailed: run.TasksFailed,
		Source:      "db",
	}
	if run.TasksTotal > 0 {
		out.PercentComplete = float64(run.TasksDone+run.TasksFailed) / float64(run.TasksTotal) * 100
	}
	if models.TerminalRunStatus(run.Status) {
		out.PercentComplete = 100
	}
	if run.CapsuleID != nil {
		out.CapsuleID = run.CapsuleID.String()
	}
	if run.ErrorMessage != nil {
		out.Error = *run.ErrorMessage
	}
	sendJSON(w, http.StatusOK, out)
}

// GetResult handles GET /api/v1/generations/{id}/result. 404 until the run is
// terminal with a capsule; pass ?content=true to embed file bodies.
func (h *GenerationHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	requestID, _ := h.resolveIDs(r)
	withContent := strings.EqualFold(r.URL.Query().Get("content"), "true")

	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()

	run, err := h.db.GetRunByRequestID(ctx, requestID)
	if err != nil {
		h.logger.Error("Result lookup failed", zap.String("request_id", requestID), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "Result lookup failed")
		return
	}
	if run == nil {
		sendError(w, http.StatusNotFound, "Unknown generation")
		return
	}
	if !models.TerminalRunStatus(run.Status) {
		sendErrorWithStatus(w, http.StatusNotFound, "Generation not finished", run.Status)
		return
	}
	if run.CapsuleID == nil {
		msg := "Generation produced no capsule"
		if run.ErrorMessage != nil {
			msg = *run.ErrorMessage
		}
		sendErrorWithStatus(w, http.StatusNotFound, msg, run.Status)
		return
	}

	manifest, err := h.db.GetCapsuleManifest(ctx, requestID, withContent)
	if err != nil {
		h.logger.Error("Capsule manifest fetch failed", zap.String("request_id", requestID), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "Capsule fetch failed")
		return
	}
	if manifest == nil {
		sendError(w, http.StatusNotFound, "Capsule not found")
		return
	}
	sendJSON(w, http.StatusOK, manifest)
}

// Cancel handles POST /api/v1/generations/{id}/cancel. Cooperative: the
// workflow drains in-flight tasks, then reports cancelled.
func (h *GenerationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.signalControl(w, r, workflows.SignalCancel, func(body controlBody, user *middleware.UserContext) interface{} {
		return workflows.CancelRequest{Reason: body.Reason, RequestedBy: user.UserID}
	}, "cancelling")
}

// Pause handles POST /api/v1/generations/{id}/pause.
func (h *GenerationHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.signalControl(w, r, workflows.SignalPause, func(body controlBody, user *middleware.UserContext) interface{} {
		return workflows.PauseRequest{Reason: body.Reason, RequestedBy: user.UserID}
	}, "pausing")
}

// Resume handles POST /api/v1/generations/{id}/resume.
func (h *GenerationHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.signalControl(w, r, workflows.SignalResume, func(body controlBody, user *middleware.UserContext) interface{} {
		return workflows.ResumeRequest{Reason: body.Reason, RequestedBy: user.UserID}
	}, "resuming")
}

type controlBody struct {
	Reason string `json:"reason"`
}

type feedbackBody struct {
	TaskID  string `json:"task_id" validate:"omitempty,max=128"`
	Message string `json:"message" validate:"required,min=1,max=4096"`
}

// Feedback handles POST /api/v1/generations/{id}/feedback. The message is
// queued in the workflow and appended to prompts of not-yet-dispatched tasks.
func (h *GenerationHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	requestID, workflowID := h.resolveIDs(r)

	var body feedbackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&body); err != nil {
		sendError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}
	user := middleware.UserFrom(r.Context())
	if user == nil {
		sendError(w, http.StatusUnauthorized, "Missing identity")
		return
	}

	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	err := h.temporal.SignalWorkflow(ctx, workflowID, "", workflows.SignalInjectFeedback, workflows.FeedbackRequest{
		TaskID:      body.TaskID,
		Message:     body.Message,
		RequestedBy: user.UserID,
	})
	if err != nil {
		h.respondSignalError(w, r, requestID, workflowID, err)
		return
	}
	sendJSON(w, http.StatusAccepted, map[string]string{
		"request_id":  requestID,
		"workflow_id": workflowID,
		"status":      "feedback_queued",
	})
}

// ControlState handles GET /api/v1/generations/{id}/control-state.
func (h *GenerationHandler) ControlState(w http.ResponseWriter, r *http.Request) {
	requestID, workflowID := h.resolveIDs(r)

	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	resp, err := h.temporal.QueryWorkflow(ctx, workflowID, "", workflows.QueryControlState)
	if err != nil {
		h.respondSignalError(w, r, requestID, workflowID, err)
		return
	}
	var state workflows.WorkflowControlState
	if err := resp.Get(&state); err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to decode control state")
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"request_id":    requestID,
		"workflow_id":   workflowID,
		"control_state": state,
	})
}

// StreamEvents handles GET /api/v1/generations/{id}/events by redirecting to
// the SSE endpoint, which the streaming proxy forwards to the worker. Browser
// EventSource follows the redirect and keeps Last-Event-ID semantics.
func (h *GenerationHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	_, workflowID := h.resolveIDs(r)

	redirectURL := fmt.Sprintf("/api/v1/stream/sse?workflow_id=%s", workflowID)
	if types := r.URL.Query().Get("types"); types != "" {
		redirectURL += "&types=" + types
	}
	if last := r.URL.Query().Get("last_event_id"); last != "" {
		redirectURL += "&last_event_id=" + last
	}
	http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
}

// --- helpers ---

// resolveIDs accepts either a bare request id or a full workflow id in the
// path and returns both forms.
func (h *GenerationHandler) resolveIDs(r *http.Request) (requestID, workflowID string) {
	id := r.PathValue("id")
	requestID = strings.TrimPrefix(id, workflows.WorkflowIDPrefix)
	return requestID, workflows.WorkflowIDFor(requestID)
}

type signalPayloadFn func(body controlBody, user *middleware.UserContext) interface{}

func (h *GenerationHandler) signalControl(w http.ResponseWriter, r *http.Request, signal string, payload signalPayloadFn, verb string) {
	requestID, workflowID := h.resolveIDs(r)

	var body controlBody
	if r.Body != nil {
		// Body is optional for control signals.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	user := middleware.UserFrom(r.Context())
	if user == nil {
		sendError(w, http.StatusUnauthorized, "Missing identity")
		return
	}

	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	if err := h.temporal.SignalWorkflow(ctx, workflowID, "", signal, payload(body, user)); err != nil {
		h.respondSignalError(w, r, requestID, workflowID, err)
		return
	}

	h.logger.Info("Control signal sent",
		zap.String("workflow_id", workflowID),
		zap.String("signal", signal),
		zap.String("user_id", user.UserID),
	)
	sendJSON(w, http.StatusAccepted, map[string]string{
		"request_id":  requestID,
		"workflow_id": workflowID,
		"status":      verb,
	})
}

// respondSignalError maps Temporal errors onto the run's lifecycle: a signal
// or query against a closed run is 409, against an unknown run 404.
func (h *GenerationHandler) respondSignalError(w http.ResponseWriter, r *http.Request, requestID, workflowID string, err error) {
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		ctx, cancel := contextWithTimeout(r, 3*time.Second)
		defer cancel()
		if run, derr := h.db.GetRunByRequestID(ctx, requestID); derr == nil && run != nil {
			sendErrorWithStatus(w, http.StatusConflict, "Generation already finished", run.Status)
			return
		}
		sendError(w, http.StatusNotFound, "Unknown generation")
		return
	}
	h.logger.Error("Workflow control call failed",
		zap.String("workflow_id", workflowID),
		zap.Error(err),
	)
	sendError(w, http.StatusInternalServerError, "Workflow control call failed")
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}

func sendErrorWithStatus(w http.ResponseWriter, status int, message, runStatus string) {
	sendJSON(w, status, map[string]string{"error": message, "status": runStatus})
}
