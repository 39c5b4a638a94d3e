package activities

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"go.temporal.io/sdk/activity"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/metrics"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/results"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/sandbox"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/validation"
)

type meshFile struct {
	Path    string `json:"path"`
	Content string `json:"content_b64"`
}

type meshRequest struct {
	WorkflowID string     `json:"workflow_id"`
	TaskID     string     `json:"task_id"`
	Language   string     `json:"language,omitempty"`
	Mode       string     `json:"mode,omitempty"`
	Files      []meshFile `json:"files"`
}

type meshStage struct {
	Name        string      `json:"name"`
	Passed      bool        `json:"passed"`
	Score       interface{} `json:"score"`
	Weight      interface{} `json:"weight"`
	Details     string      `json:"details"`
	Suggestions []string    `json:"suggestions"`
	Skipped     bool        `json:"skipped"`
}

type meshResponse struct {
	Stages []meshStage `json:"stages"`
}

// ValidateOutputs runs the static validation stages over a task's stored
// files and, when the sandbox is reachable, the runtime stage. The content
// safety stage is appended by the workflow after output moderation; the
// pass/fail decision happens there on the full stage set.
func (a *Activities) ValidateOutputs(ctx context.Context, input ValidateInput) (*ValidateResult, error) {
	logger := activity.GetLogger(ctx)
	cfg := a.cfg()

	var files map[string][]byte
	if a.deps.Results != nil {
		var err error
		files, err = a.deps.Results.Get(ctx, input.WorkflowID, input.TaskID)
		if err != nil && !errors.Is(err, results.ErrNotFound) {
			return nil, appError(taskgraph.NewTypedError(taskgraph.ErrTransientNetwork,
				"load task outputs: "+err.Error(), nil))
		}
	}

	// Summary-only tasks have nothing to validate. Every stage skips so the
	// aggregate falls back to the remaining tasks' scores.
	if len(files) == 0 {
		stages := skippedStages()
		return &ValidateResult{Stages: stages, RuntimeSkipped: true}, nil
	}

	payload := meshRequest{
		WorkflowID: input.WorkflowID,
		TaskID:     input.TaskID,
		Language:   input.Language,
		Mode:       input.Mode,
		Files:      make([]meshFile, 0, len(files)),
	}
	for p, content := range files {
		payload.Files = append(payload.Files, meshFile{
			Path:    p,
			Content: base64.StdEncoding.EncodeToString(content),
		})
	}

	var raw meshResponse
	err := postJSON(ctx, a.meshHTTP, cfg.Collaborators.ValidationMesh.BaseURL, "/v1/validate",
		cfg.Collaborators.ValidationMesh.Timeout, payload, &raw)
	if err != nil {
		logger.Warn("Validation mesh call failed", "task_id", input.TaskID, "error", err)
		return nil, appError(err)
	}

	stages := make([]validation.StageResult, 0, len(raw.Stages)+1)
	for _, st := range raw.Stages {
		name := strings.ToLower(strings.TrimSpace(st.Name))
		switch name {
		case validation.StageSyntax, validation.StageStyle, validation.StageSecurity, validation.StageTypes:
		default:
			// The mesh owns only the static stages; drop anything else it
			// echoes back.
			continue
		}
		stages = append(stages, validation.StageResult{
			Name:        name,
			Passed:      st.Passed,
			Score:       parseFlexibleFloat(st.Score),
			Weight:      parseFlexibleFloat(st.Weight),
			Details:     clip(st.Details, 1024),
			Suggestions: st.Suggestions,
			Skipped:     st.Skipped,
		})
	}

	runtime, runtimeSkipped := a.runtimeStage(ctx, input, files)
	stages = append(stages, runtime)

	meshScore := validation.AggregateScore(stages)
	metrics.ValidationScore.Observe(meshScore)
	if input.Threshold > 0 && meshScore < input.Threshold {
		metrics.ValidationFailures.WithLabelValues(input.Mode).Inc()
	}

	logger.Info("Validated task outputs",
		"task_id", input.TaskID, "stages", len(stages),
		"score", fmt.Sprintf("%.2f", meshScore), "runtime_skipped", runtimeSkipped)
	return &ValidateResult{
		Stages:         stages,
		MeshScore:      meshScore,
		RuntimeSkipped: runtimeSkipped,
	}, nil
}

// runtimeStage executes the produced files in the sandbox. A missing or
// unreachable sandbox skips the stage; it never fakes a pass.
func (a *Activities) runtimeStage(ctx context.Context, input ValidateInput, files map[string][]byte) (validation.StageResult, bool) {
	logger := activity.GetLogger(ctx)
	cfg := a.cfg()
	st := validation.StageResult{Name: validation.StageRuntime, Weight: 1}

	if !cfg.Validation.SandboxEnabled || input.Language == "" ||
		a.deps.Sandbox == nil || !a.deps.Sandbox.Available(ctx) {
		st.Skipped = true
		return st, true
	}

	timeoutSec := int(cfg.Collaborators.Sandbox.Timeout.Seconds())
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	res, err := a.deps.Sandbox.Run(ctx, sandbox.RunRequest{
		Language:       input.Language,
		Files:          files,
		TimeoutSeconds: timeoutSec,
	})
	if err != nil {
		logger.Warn("Sandbox run failed, skipping runtime stage",
			"task_id", input.TaskID, "error", err)
		st.Skipped = true
		return st, true
	}

	st.Passed = res.Passed()
	if st.Passed {
		st.Score = 1
	}
	if res.TimedOut {
		st.Details = "execution timed out"
	} else if res.ExitCode != 0 {
		st.Details = clip(fmt.Sprintf("exit %d: %s", res.ExitCode, res.Stderr), 1024)
	}
	return st, false
}

// skippedStages is the verdict for a task that produced no files.
func skippedStages() []validation.StageResult {
	names := []string{
		validation.StageSyntax, validation.StageStyle,
		validation.StageSecurity, validation.StageTypes, validation.StageRuntime,
	}
	stages := make([]validation.StageResult, len(names))
	for i, n := range names {
		stages[i] = validation.StageResult{Name: n, Weight: 1, Skipped: true}
	}
	return stages
}
