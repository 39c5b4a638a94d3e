package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const violationExcerptLimit = 256

// SaveViolation appends one moderation violation row. The excerpt is
// truncated so raw user content never lands in the ledger at full length.
func (c *Client) SaveViolation(ctx context.Context, v *HAPViolation) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	excerpt := v.Excerpt
	if len(excerpt) > violationExcerptLimit {
		excerpt = excerpt[:violationExcerptLimit]
	}

	query := `
		INSERT INTO hap_violations (
			id, workflow_id, task_id, tenant_id, user_id,
			stage, severity, categories, action, excerpt, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)`

	_, err := c.db.ExecContext(ctx, query,
		v.ID, v.WorkflowID, v.TaskID, v.TenantID, v.UserID,
		v.Stage, v.Severity, v.Categories, v.Action, excerpt, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save violation: %w", err)
	}
	return nil
}

// UpsertUserRisk bumps the per-user moderation risk aggregate by one
// violation with the given severity weight.
func (c *Client) UpsertUserRisk(ctx context.Context, tenantID, userID string, weight float64) error {
	now := time.Now()
	query := `
		INSERT INTO hap_user_risk_scores (
			tenant_id, user_id, violations, score, last_violation_at, updated_at
		) VALUES ($1, $2, 1, $3, $4, $4)
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET
			violations = hap_user_risk_scores.violations + 1,
			score = hap_user_risk_scores.score + EXCLUDED.score,
			last_violation_at = EXCLUDED.last_violation_at,
			updated_at = EXCLUDED.updated_at`

	_, err := c.db.ExecContext(ctx, query, tenantID, userID, weight, now)
	if err != nil {
		return fmt.Errorf("failed to upsert user risk: %w", err)
	}
	return nil
}

// GetUserRiskScore returns the aggregate for (tenant, user), or (nil, nil)
// when the user has no recorded violations.
func (c *Client) GetUserRiskScore(ctx context.Context, tenantID, userID string) (*UserRiskScore, error) {
	query := `
		SELECT tenant_id, user_id, violations, score, last_violation_at, updated_at
		FROM hap_user_risk_scores
		WHERE tenant_id = $1 AND user_id = $2`

	row, err := c.db.QueryRowContext(ctx, query, tenantID, userID)
	if err != nil {
		return nil, err
	}

	var score UserRiskScore
	err = row.Scan(
		&score.TenantID, &score.UserID, &score.Violations, &score.Score,
		&score.LastViolationAt, &score.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user risk score: %w", err)
	}
	return &score, nil
}
