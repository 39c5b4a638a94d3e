package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SaveGenerationRun saves or updates a run record (idempotent by workflow_id).
// Counters and terminal fields only move forward: a replayed start upsert
// cannot clobber a later progress or completion write.
func (c *Client) SaveGenerationRun(ctx context.Context, run *GenerationRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = run.CreatedAt
	}

	query := `
		INSERT INTO generation_runs (
			id, workflow_id, request_id, tenant_id, user_id, description, mode,
			status, tasks_total, tasks_done, tasks_failed,
			tokens_in, tokens_out, cost_usd,
			capsule_id, error_message, started_at, completed_at, metadata, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)
		ON CONFLICT (workflow_id) DO UPDATE SET
			status = CASE
				WHEN generation_runs.status IN ('completed', 'partial', 'failed', 'cancelled')
					AND EXCLUDED.status IN ('queued', 'running') THEN generation_runs.status
				ELSE EXCLUDED.status
			END,
			tasks_total = GREATEST(generation_runs.tasks_total, EXCLUDED.tasks_total),
			tasks_done = GREATEST(generation_runs.tasks_done, EXCLUDED.tasks_done),
			tasks_failed = GREATEST(generation_runs.tasks_failed, EXCLUDED.tasks_failed),
			tokens_in = GREATEST(generation_runs.tokens_in, EXCLUDED.tokens_in),
			tokens_out = GREATEST(generation_runs.tokens_out, EXCLUDED.tokens_out),
			cost_usd = GREATEST(generation_runs.cost_usd, EXCLUDED.cost_usd),
			capsule_id = COALESCE(EXCLUDED.capsule_id, generation_runs.capsule_id),
			error_message = COALESCE(EXCLUDED.error_message, generation_runs.error_message),
			completed_at = COALESCE(EXCLUDED.completed_at, generation_runs.completed_at),
			metadata = CASE
				WHEN EXCLUDED.metadata IS NULL OR EXCLUDED.metadata = '{}'::jsonb THEN generation_runs.metadata
				ELSE EXCLUDED.metadata
			END
		RETURNING id`

	row, err := c.db.QueryRowContext(ctx, query,
		run.ID, run.WorkflowID, run.RequestID, run.TenantID, run.UserID,
		run.Description, run.Mode, run.Status,
		run.TasksTotal, run.TasksDone, run.TasksFailed,
		run.TokensIn, run.TokensOut, run.CostUSD,
		run.CapsuleID, run.ErrorMessage, run.StartedAt, run.CompletedAt,
		run.Metadata, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save generation run: %w", err)
	}
	if err := row.Scan(&run.ID); err != nil {
		return fmt.Errorf("failed to save generation run: %w", err)
	}

	c.logger.Debug("Generation run saved",
		zap.String("workflow_id", run.WorkflowID),
		zap.String("status", run.Status),
	)

	return nil
}

// GetGenerationRun retrieves a run by workflow ID. Returns (nil, nil) when
// no row exists.
func (c *Client) GetGenerationRun(ctx context.Context, workflowID string) (*GenerationRun, error) {
	query := `
		SELECT id, workflow_id, request_id, tenant_id, user_id, description, mode,
			status, tasks_total, tasks_done, tasks_failed,
			tokens_in, tokens_out, cost_usd,
			capsule_id, error_message, started_at, completed_at, created_at
		FROM generation_runs
		WHERE workflow_id = $1`

	row, err := c.db.QueryRowContext(ctx, query, workflowID)
	if err != nil {
		return nil, err
	}
	return scanRun(row)
}

// GetRunByRequestID retrieves a run by its request (idempotency) ID.
func (c *Client) GetRunByRequestID(ctx context.Context, requestID string) (*GenerationRun, error) {
	query := `
		SELECT id, workflow_id, request_id, tenant_id, user_id, description, mode,
			status, tasks_total, tasks_done, tasks_failed,
			tokens_in, tokens_out, cost_usd,
			capsule_id, error_message, started_at, completed_at, created_at
		FROM generation_runs
		WHERE request_id = $1`

	row, err := c.db.QueryRowContext(ctx, query, requestID)
	if err != nil {
		return nil, err
	}
	return scanRun(row)
}

func scanRun(row *sql.Row) (*GenerationRun, error) {
	var run GenerationRun
	err := row.Scan(
		&run.ID, &run.WorkflowID, &run.RequestID, &run.TenantID, &run.UserID,
		&run.Description, &run.Mode, &run.Status,
		&run.TasksTotal, &run.TasksDone, &run.TasksFailed,
		&run.TokensIn, &run.TokensOut, &run.CostUSD,
		&run.CapsuleID, &run.ErrorMessage, &run.StartedAt, &run.CompletedAt,
		&run.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generation run: %w", err)
	}
	return &run, nil
}
