package activities

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/policy"
)

// EvaluateAdmission runs the request through the policy engine. The verdict
// is always a decision, never an error: the engine folds evaluation failures
// into its configured fail-open or fail-closed posture, and a deny must not
// look retryable to the workflow.
func (a *Activities) EvaluateAdmission(ctx context.Context, req models.ExecutionRequest) (*policy.Decision, error) {
	if a.deps.Policy == nil || !a.deps.Policy.IsEnabled() {
		return &policy.Decision{Allow: true, Reason: "policy disabled"}, nil
	}
	logger := activity.GetLogger(ctx)

	decision, err := a.deps.Policy.Evaluate(ctx, &policy.AdmissionInput{
		RequestID:       req.RequestID,
		TenantID:        req.TenantID,
		UserID:          req.UserID,
		Description:     req.Description,
		Mode:            req.Options.Mode,
		Tier:            req.Options.TierOverride,
		EstimatedTokens: EstimateRequestTokens(req),
		Environment:     a.deps.Policy.Environment(),
		Timestamp:       time.Now().UTC(),
	})
	if err != nil {
		// Reachable only on engine-internal faults the posture could not
		// absorb; treat as transient and let the retry policy run.
		logger.Warn("Policy evaluation failed", "request_id", req.RequestID, "error", err)
		return nil, appError(err)
	}
	if !decision.Allow {
		logger.Info("Request denied by policy",
			"request_id", req.RequestID, "tenant_id", req.TenantID,
			"reason", decision.Reason, "policy_version", decision.PolicyVersion)
	}
	return decision, nil
}

// EstimateRequestTokens is the coarse pre-decomposition estimate used for
// admission: request text plus a per-mode working allowance.
func EstimateRequestTokens(req models.ExecutionRequest) int {
	chars := len(req.Description)
	for _, r := range req.Requirements {
		chars += len(r)
	}
	base := chars / 4
	switch req.Options.Mode {
	case models.ModeRobust:
		return base + 48000
	case models.ModeComplete:
		return base + 24000
	}
	return base + 8000
}
