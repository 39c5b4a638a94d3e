package activities

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/db"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
)

// UpsertRunRecord writes the generation_runs row. Terminal statuses write
// through synchronously so a worker crash cannot lose a completion; progress
// updates ride the async queue. The row itself is idempotent by workflow id
// with forward-only counters, so replays and retries are safe.
func (a *Activities) UpsertRunRecord(ctx context.Context, input RunRecordInput) error {
	if a.deps.DB == nil {
		return nil
	}
	logger := activity.GetLogger(ctx)

	run := &db.GenerationRun{
		WorkflowID:  input.WorkflowID,
		RequestID:   input.RequestID,
		TenantID:    input.TenantID,
		UserID:      input.UserID,
		Description: input.Description,
		Mode:        input.Mode,
		Status:      input.Status,
		TasksTotal:  input.TasksTotal,
		TasksDone:   input.TasksDone,
		TasksFailed: input.TasksFailed,
		TokensIn:    input.TokensIn,
		TokensOut:   input.TokensOut,
		CostUSD:     input.CostUSD,
		CompletedAt: input.CompletedAt,
	}
	if input.CapsuleID != "" {
		if id, err := uuid.Parse(input.CapsuleID); err == nil {
			run.CapsuleID = &id
		} else {
			logger.Warn("Run record carries an unparseable capsule id",
				"workflow_id", input.WorkflowID, "capsule_id", input.CapsuleID)
		}
	}
	if input.ErrorMessage != "" {
		msg := clip(input.ErrorMessage, 1024)
		run.ErrorMessage = &msg
	}
	if models.TerminalRunStatus(input.Status) && run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}

	if models.TerminalRunStatus(input.Status) {
		if err := a.deps.DB.SaveGenerationRun(ctx, run); err != nil {
			logger.Error("Run record write failed",
				"workflow_id", input.WorkflowID, "status", input.Status, "error", err)
			return appError(taskgraph.NewTypedError(taskgraph.ErrTransientNetwork,
				"save run record: "+err.Error(), nil))
		}
		return nil
	}

	if err := a.deps.DB.QueueWrite(db.WriteTypeRun, run, nil); err != nil {
		return appError(taskgraph.NewTypedError(taskgraph.ErrTransientNetwork,
			"queue run record: "+err.Error(), nil))
	}
	return nil
}
