package activities

import (
	"context"

	"go.temporal.io/sdk/activity"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/memory"
)

// LookupPlanHints asks vector memory for prior build patterns matching the
// request. Hints are advisory: a disabled client or a collaborator failure
// answers with no patterns, and decomposition proceeds unassisted.
func (a *Activities) LookupPlanHints(ctx context.Context, input PlanHintsInput) (*PlanHintsResult, error) {
	if !a.planMemoryOn() {
		return &PlanHintsResult{}, nil
	}
	resp, err := a.deps.Memory.Search(ctx, memory.SearchRequest{
		Description: input.Description,
		TenantID:    input.TenantID,
		Language:    input.Language,
	})
	if err != nil {
		activity.GetLogger(ctx).Warn("Plan hint lookup failed", "error", err)
		return &PlanHintsResult{}, nil
	}
	return &PlanHintsResult{Patterns: resp.Patterns}, nil
}

// RecordPlanMemory stores the finished run's plan shape. Fire and forget: the
// client logs its own failures and the run is already complete.
func (a *Activities) RecordPlanMemory(ctx context.Context, input RecordPlanMemoryInput) error {
	if !a.planMemoryOn() {
		return nil
	}
	a.deps.Memory.Upsert(ctx, memory.UpsertRequest{
		RequestID:   input.RequestID,
		TenantID:    input.TenantID,
		Description: input.Description,
		Summary:     input.Summary,
		Languages:   input.Languages,
		TaskKinds:   input.TaskKinds,
		MeanScore:   input.MeanScore,
		Mode:        input.Mode,
	})
	return nil
}

func (a *Activities) planMemoryOn() bool {
	return a.deps.Memory.Enabled() && a.cfg().Workflow.PlanMemory
}
