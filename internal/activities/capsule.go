package activities

import (
	"context"

	"go.temporal.io/sdk/activity"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/capsule"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/metrics"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
)

// AssembleCapsule merges the run's task outputs into a capsule and persists
// it. Persistence is idempotent by request id: a retried activity or a
// duplicate submission lands on the same capsule row.
func (a *Activities) AssembleCapsule(ctx context.Context, input AssembleCapsuleInput) (*AssembleCapsuleResult, error) {
	logger := activity.GetLogger(ctx)

	graph, err := taskgraph.Compile(input.Tasks)
	if err != nil {
		return nil, appError(err)
	}
	if a.deps.Results == nil {
		return nil, appError(taskgraph.NewTypedError(taskgraph.ErrInternal,
			"no result store configured", nil))
	}

	fetch := a.deps.Results.Fetcher(ctx, input.WorkflowID)
	manifest, err := capsule.Assemble(capsule.Input{
		Request:    input.Request,
		Graph:      graph,
		Results:    input.Results,
		Validation: input.Validation,
		Cost:       input.Cost,
	}, func(taskID string) (map[string][]byte, error) {
		activity.RecordHeartbeat(ctx, taskID)
		return fetch(taskID)
	})
	if err != nil {
		metrics.CapsulesPersisted.WithLabelValues("failed").Inc()
		logger.Error("Capsule assembly failed", "workflow_id", input.WorkflowID, "error", err)
		return nil, appError(err)
	}

	result := &AssembleCapsuleResult{
		CapsuleID:   manifest.CapsuleID,
		Files:       len(manifest.Files),
		Languages:   manifest.Languages,
		EntryPoints: manifest.EntryPoints,
		Partial:     manifest.ValidationSummary.Partial,
		FailedTasks: manifest.ValidationSummary.FailedTasks,
	}

	if a.deps.DB != nil {
		id, created, err := a.deps.DB.SaveCapsule(ctx, manifest, input.WorkflowID, input.Request.TenantID)
		if err != nil {
			metrics.CapsulesPersisted.WithLabelValues("failed").Inc()
			logger.Error("Capsule persistence failed",
				"workflow_id", input.WorkflowID, "error", err)
			return nil, appError(taskgraph.NewTypedError(taskgraph.ErrCapsulePersist,
				"persist capsule: "+err.Error(), nil))
		}
		result.CapsuleID = id.String()
		result.Deduplicated = !created
		if created {
			metrics.CapsulesPersisted.WithLabelValues("created").Inc()
		} else {
			metrics.CapsulesPersisted.WithLabelValues("deduplicated").Inc()
		}
	}
	metrics.CapsuleFiles.Observe(float64(len(manifest.Files)))

	logger.Info("Capsule assembled",
		"workflow_id", input.WorkflowID, "capsule_id", result.CapsuleID,
		"files", result.Files, "partial", result.Partial,
		"deduplicated", result.Deduplicated)
	return result, nil
}
