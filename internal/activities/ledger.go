package activities

import (
	"context"

	"go.temporal.io/sdk/activity"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/budget"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
)

// CheckQuota gates a run on the tenant's request rate and monthly budgets.
// Rejections come back as typed RATE_LIMITED or QUOTA_EXCEEDED errors whose
// details carry usage, limit and reset time for the status API.
func (a *Activities) CheckQuota(ctx context.Context, input QuotaCheckInput) (*budget.CheckResult, error) {
	if a.deps.Ledger == nil {
		return &budget.CheckResult{Allowed: true}, nil
	}
	if input.TenantID == "" {
		return nil, appError(taskgraph.NewTypedError(taskgraph.ErrInvalidInput,
			"quota check requires a tenant id", nil))
	}

	res, err := a.deps.Ledger.CheckQuota(ctx, input.TenantID, input.EstimatedTokens)
	if err != nil {
		activity.GetLogger(ctx).Info("Request rejected by quota",
			"tenant_id", input.TenantID, "error", err)
		return nil, appError(err)
	}
	if res.Warning != "" {
		activity.GetLogger(ctx).Warn("Tenant crossed soft quota threshold",
			"tenant_id", input.TenantID, "warning", res.Warning)
	}
	return res, nil
}

// FinalizeLedger reconciles a finished run against the persisted usage
// table. The in-workflow rollup can miss retried attempts; the table is the
// source of truth for billing.
func (a *Activities) FinalizeLedger(ctx context.Context, input FinalizeLedgerInput) (*FinalizeLedgerResult, error) {
	if a.deps.DB == nil {
		return &FinalizeLedgerResult{}, nil
	}

	tokens, cost, err := a.deps.DB.WorkflowUsage(ctx, input.WorkflowID)
	if err != nil {
		return nil, appError(taskgraph.NewTypedError(taskgraph.ErrTransientNetwork,
			"read workflow usage: "+err.Error(), nil))
	}
	activity.GetLogger(ctx).Info("Ledger finalized",
		"workflow_id", input.WorkflowID, "tokens", tokens, "cost_usd", cost)
	return &FinalizeLedgerResult{TotalTokens: tokens, TotalCostUSD: cost}, nil
}
