package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SaveUsageRecord appends one ledger row. Replayed activity attempts hit the
// (workflow_id, task_id, attempt) unique index and become no-ops.
func (c *Client) SaveUsageRecord(ctx context.Context, rec *UsageRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO llm_usage (
			id, workflow_id, task_id, tenant_id, user_id,
			provider, model, tier,
			tokens_in, tokens_out, cost_usd, latency_ms, cache_hit, attempt,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		ON CONFLICT (workflow_id, task_id, attempt) DO NOTHING`

	_, err := c.db.ExecContext(ctx, query,
		rec.ID, rec.WorkflowID, rec.TaskID, rec.TenantID, rec.UserID,
		rec.Provider, rec.Model, rec.Tier,
		rec.TokensIn, rec.TokensOut, rec.CostUSD, rec.LatencyMS, rec.CacheHit, rec.Attempt,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save usage record: %w", err)
	}
	return nil
}

// BatchSaveUsageRecords appends multiple ledger rows in one statement.
func (c *Client) BatchSaveUsageRecords(ctx context.Context, records []*UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	valueStrings := make([]string, 0, len(records))
	valueArgs := make([]interface{}, 0, len(records)*15)

	for i, rec := range records {
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now()
		}

		valueStrings = append(valueStrings, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			i*15+1, i*15+2, i*15+3, i*15+4, i*15+5,
			i*15+6, i*15+7, i*15+8, i*15+9, i*15+10,
			i*15+11, i*15+12, i*15+13, i*15+14, i*15+15,
		))

		valueArgs = append(valueArgs,
			rec.ID, rec.WorkflowID, rec.TaskID, rec.TenantID, rec.UserID,
			rec.Provider, rec.Model, rec.Tier,
			rec.TokensIn, rec.TokensOut, rec.CostUSD, rec.LatencyMS, rec.CacheHit, rec.Attempt,
			rec.CreatedAt,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO llm_usage (
			id, workflow_id, task_id, tenant_id, user_id,
			provider, model, tier,
			tokens_in, tokens_out, cost_usd, latency_ms, cache_hit, attempt,
			created_at
		) VALUES %s
		ON CONFLICT (workflow_id, task_id, attempt) DO NOTHING`,
		strings.Join(valueStrings, ","),
	)

	_, err := c.db.ExecContext(ctx, query, valueArgs...)
	if err != nil {
		return fmt.Errorf("failed to batch save usage records: %w", err)
	}

	return nil
}

// TenantUsageSince sums a tenant's ledger rows from `since` onwards. The
// quota ledger calls this with the start of the current billing month.
func (c *Client) TenantUsageSince(ctx context.Context, tenantID string, since time.Time) (*TenantUsage, error) {
	query := `
		SELECT COALESCE(SUM(tokens_in + tokens_out), 0),
		       COALESCE(SUM(cost_usd), 0),
		       COUNT(*)
		FROM llm_usage
		WHERE tenant_id = $1 AND created_at >= $2`

	row, err := c.db.QueryRowContext(ctx, query, tenantID, since)
	if err != nil {
		return nil, err
	}

	usage := &TenantUsage{TenantID: tenantID}
	if err := row.Scan(&usage.TotalTokens, &usage.TotalCost, &usage.Requests); err != nil {
		return nil, fmt.Errorf("failed to sum tenant usage: %w", err)
	}
	return usage, nil
}

// WorkflowUsage sums the ledger rows of one workflow, for reconciling the
// manifest cost summary against recorded usage.
func (c *Client) WorkflowUsage(ctx context.Context, workflowID string) (tokens int, costUSD float64, err error) {
	query := `
		SELECT COALESCE(SUM(tokens_in + tokens_out), 0),
		       COALESCE(SUM(cost_usd), 0)
		FROM llm_usage
		WHERE workflow_id = $1`

	row, err := c.db.QueryRowContext(ctx, query, workflowID)
	if err != nil {
		return 0, 0, err
	}
	if err := row.Scan(&tokens, &costUSD); err != nil && err != sql.ErrNoRows {
		return 0, 0, fmt.Errorf("failed to sum workflow usage: %w", err)
	}
	return tokens, costUSD, nil
}
