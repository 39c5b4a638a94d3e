package activities

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/budget"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/dispatch"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/metrics"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/pricing"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/ratecontrol"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
)

type executeRequest struct {
	WorkflowID   string              `json:"workflow_id"`
	TaskID       string              `json:"task_id"`
	Kind         string              `json:"kind"`
	Prompt       string              `json:"prompt"`
	Tier         string              `json:"tier"`
	Model        string              `json:"model,omitempty"`
	Provider     string              `json:"provider,omitempty"`
	MaxTokens    int                 `json:"max_tokens,omitempty"`
	Temperature  float64             `json:"temperature,omitempty"`
	Language     string              `json:"language,omitempty"`
	Mode         string              `json:"mode,omitempty"`
	Attempt      int                 `json:"attempt,omitempty"`
	Dependencies []DependencySummary `json:"dependencies,omitempty"`
}

type executeFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

type executeError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type executeResponse struct {
	Status    string        `json:"status"`
	Files     []executeFile `json:"files"`
	Summary   string        `json:"summary"`
	TokensIn  interface{}   `json:"tokens_in"`
	TokensOut interface{}   `json:"tokens_out"`
	Model     string        `json:"model"`
	Provider  string        `json:"provider"`
	Error     *executeError `json:"error,omitempty"`
}

// ExecuteTask dispatches one task to the Agent Factory, stores the produced
// files in the result store and returns a TaskResult carrying references
// only. All failure paths return errors so the retry policy decides; the
// scheduler synthesizes the failed TaskResult from the final error.
func (a *Activities) ExecuteTask(ctx context.Context, input ExecuteTaskInput) (*taskgraph.TaskResult, error) {
	logger := activity.GetLogger(ctx)
	attempt := int(activity.GetInfo(ctx).Attempt)

	if strings.TrimSpace(input.Task.Prompt) == "" {
		return nil, appError(taskgraph.NewTypedError(taskgraph.ErrInvalidInput,
			"task "+input.Task.ID+" has no prompt", nil))
	}
	tier := input.Tier
	if !tier.Valid() {
		tier = taskgraph.TierT2
	}

	cfg := a.cfg()
	tierCfg, _ := cfg.Tiers.ForTier(string(tier))

	payload := executeRequest{
		WorkflowID:   input.WorkflowID,
		TaskID:       input.Task.ID,
		Kind:         string(input.Task.Kind),
		Prompt:       buildPrompt(input),
		Tier:         string(tier),
		Model:        tierCfg.Model,
		Provider:     tierCfg.Provider,
		MaxTokens:    tierCfg.MaxTokens,
		Temperature:  input.Task.Temperature,
		Language:     input.Constraints.Language,
		Mode:         input.Mode,
		Attempt:      attempt,
		Dependencies: input.Dependencies,
	}

	activity.RecordHeartbeat(ctx, input.Task.ID)
	stop := a.heartbeatEvery(ctx, input.Task.ID)
	defer stop()

	// Pre-dispatch pacing per ratelimits.yaml. Heartbeats keep running
	// during the wait so the activity is not timed out for pacing.
	dispatchProvider := tierCfg.Provider
	if dispatchProvider == "" {
		dispatchProvider = models.DetectProvider(tierCfg.Model)
	}
	if delay := ratecontrol.DelayForRequest(dispatchProvider, string(tier), tierCfg.MaxTokens); delay > 0 {
		metrics.RateLimitDelay.WithLabelValues(dispatchProvider, string(tier)).Observe(delay.Seconds())
		logger.Info("Applying provider rate control delay",
			"provider", dispatchProvider, "tier", tier, "delay_ms", delay.Milliseconds())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, appError(taskgraph.NewTypedError(taskgraph.ErrCancelled,
				"cancelled during rate-limit pacing", nil))
		case <-timer.C:
		}
	}

	timeout := dispatch.TimeoutFor(input.Task, tier)
	start := time.Now()
	var raw executeResponse
	err := postJSON(ctx, a.agentHTTP, cfg.Collaborators.AgentFactory.BaseURL, "/v1/execute",
		timeout, payload, &raw)
	latencyMS := time.Since(start).Milliseconds()
	metrics.TaskDuration.WithLabelValues(string(input.Task.Kind), string(tier)).
		Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.TasksExecuted.WithLabelValues(string(input.Task.Kind), string(tier), "error").Inc()
		logger.Warn("Agent dispatch failed",
			"task_id", input.Task.ID, "tier", tier, "attempt", attempt, "error", err)
		return nil, appError(err)
	}
	if raw.Error != nil || strings.EqualFold(raw.Status, "failed") {
		kind, msg := taskgraph.ErrInternal, "agent reported failure"
		if raw.Error != nil {
			if k := taskgraph.ErrorKind(strings.ToUpper(raw.Error.Kind)); k.Valid() {
				kind = k
			}
			if raw.Error.Message != "" {
				msg = raw.Error.Message
			}
		}
		metrics.TasksExecuted.WithLabelValues(string(input.Task.Kind), string(tier), "failed").Inc()
		logger.Warn("Agent reported task failure",
			"task_id", input.Task.ID, "kind", kind, "attempt", attempt, "message", msg)
		return nil, appError(taskgraph.NewTypedError(kind, msg, map[string]interface{}{
			"task_id": input.Task.ID,
		}))
	}

	files, refs, err := decodeFiles(raw.Files)
	if err != nil {
		metrics.TasksExecuted.WithLabelValues(string(input.Task.Kind), string(tier), "failed").Inc()
		return nil, appError(err)
	}
	if len(files) == 0 && strings.TrimSpace(raw.Summary) == "" {
		metrics.TasksExecuted.WithLabelValues(string(input.Task.Kind), string(tier), "failed").Inc()
		return nil, appError(taskgraph.NewTypedError(taskgraph.ErrInternal,
			"agent returned neither files nor summary", map[string]interface{}{"task_id": input.Task.ID}))
	}

	if len(files) > 0 && a.deps.Results != nil {
		if err := a.deps.Results.Put(ctx, input.WorkflowID, input.Task.ID, files); err != nil {
			metrics.TasksExecuted.WithLabelValues(string(input.Task.Kind), string(tier), "error").Inc()
			logger.Error("Result store write failed", "task_id", input.Task.ID, "error", err)
			return nil, appError(taskgraph.NewTypedError(taskgraph.ErrTransientNetwork,
				"store task outputs: "+err.Error(), nil))
		}
	}

	model := raw.Model
	if model == "" {
		model = tierCfg.Model
	}
	provider := raw.Provider
	if provider == "" {
		provider = models.DetectProvider(model)
	}
	tokensIn := parseFlexibleInt(raw.TokensIn)
	tokensOut := parseFlexibleInt(raw.TokensOut)
	cost := pricing.CostForSplit(model, tokensIn, tokensOut)

	if a.deps.Ledger != nil {
		if err := a.deps.Ledger.RecordUsage(ctx, budget.Usage{
			WorkflowID: input.WorkflowID,
			TaskID:     input.Task.ID,
			TenantID:   input.TenantID,
			UserID:     input.UserID,
			Provider:   provider,
			Model:      model,
			Tier:       string(tier),
			TokensIn:   tokensIn,
			TokensOut:  tokensOut,
			LatencyMS:  latencyMS,
			Attempt:    attempt,
			CostUSD:    cost,
		}); err != nil {
			logger.Warn("Usage record failed", "task_id", input.Task.ID, "error", err)
		}
	}

	metrics.TasksExecuted.WithLabelValues(string(input.Task.Kind), string(tier), "succeeded").Inc()
	metrics.TaskTokensUsed.Observe(float64(tokensIn + tokensOut))
	metrics.TaskCostUSD.Observe(cost)

	result := &taskgraph.TaskResult{
		TaskID:        input.Task.ID,
		Status:        taskgraph.StatusSucceeded,
		Files:         refs,
		Summary:       clip(raw.Summary, 2048),
		OutputsDigest: taskgraph.OutputsDigest(refs),
		Attempt:       attempt,
		Metadata: taskgraph.ResultMetadata{
			TierUsed:  tier,
			Provider:  provider,
			Model:     model,
			TokensIn:  tokensIn,
			TokensOut: tokensOut,
			LatencyMS: latencyMS,
			CostUSD:   cost,
		},
	}
	logger.Info("Task executed",
		"task_id", input.Task.ID, "tier", tier, "files", len(refs),
		"tokens", tokensIn+tokensOut, "latency_ms", latencyMS)
	return result, nil
}

// heartbeatEvery emits heartbeats on the configured interval until the
// returned stop function is called. The dispatch call itself can spend
// minutes inside one HTTP request.
func (a *Activities) heartbeatEvery(ctx context.Context, details ...interface{}) func() {
	every := a.cfg().Workflow.HeartbeatEvery
	if every <= 0 {
		every = 10 * time.Second
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(every)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-tick.C:
				activity.RecordHeartbeat(ctx, details...)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// buildPrompt folds constraints, finished dependencies and validation
// feedback into the task prompt. Dependencies are ordered by task id so the
// prompt is stable across scheduler orderings.
func buildPrompt(input ExecuteTaskInput) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(input.Task.Prompt))

	if pairs := input.Constraints.CanonicalPairs(); len(pairs) > 0 {
		b.WriteString("\n\nConstraints:\n")
		for _, p := range pairs {
			b.WriteString("- ")
			b.WriteString(p)
			b.WriteByte('\n')
		}
	}

	if len(input.Dependencies) > 0 {
		deps := make([]DependencySummary, len(input.Dependencies))
		copy(deps, input.Dependencies)
		sort.Slice(deps, func(i, j int) bool { return deps[i].TaskID < deps[j].TaskID })

		b.WriteString("\nCompleted dependencies:\n")
		for _, d := range deps {
			b.WriteString("- ")
			b.WriteString(d.TaskID)
			if d.Title != "" {
				b.WriteString(" (")
				b.WriteString(d.Title)
				b.WriteByte(')')
			}
			if d.Summary != "" {
				b.WriteString(": ")
				b.WriteString(clip(d.Summary, 400))
			}
			b.WriteByte('\n')
			if len(d.Files) > 0 {
				shown := d.Files
				if len(shown) > 12 {
					shown = shown[:12]
				}
				b.WriteString("  files: ")
				b.WriteString(strings.Join(shown, ", "))
				if len(d.Files) > len(shown) {
					fmt.Fprintf(&b, " (+%d more)", len(d.Files)-len(shown))
				}
				b.WriteByte('\n')
			}
		}
	}

	if len(input.Feedback) > 0 {
		b.WriteString("\nAddress this validation feedback:\n")
		for _, f := range input.Feedback {
			b.WriteString("- ")
			b.WriteString(clip(f, 400))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// decodeFiles converts the wire file list into stored bytes plus sorted
// refs. Paths must stay inside the capsule root; a traversal attempt fails
// the attempt rather than silently dropping the file.
func decodeFiles(in []executeFile) (map[string][]byte, []taskgraph.FileRef, error) {
	if len(in) == 0 {
		return nil, nil, nil
	}
	files := make(map[string][]byte, len(in))
	for _, f := range in {
		rel, ok := sanitizeRelPath(f.Path)
		if !ok {
			return nil, nil, taskgraph.NewTypedError(taskgraph.ErrInternal,
				"agent returned unsafe file path", map[string]interface{}{"path": clip(f.Path, 256)})
		}
		var content []byte
		if strings.EqualFold(f.Encoding, "base64") {
			dec, err := base64.StdEncoding.DecodeString(f.Content)
			if err != nil {
				return nil, nil, taskgraph.NewTypedError(taskgraph.ErrInternal,
					"agent returned undecodable file content", map[string]interface{}{"path": rel})
			}
			content = dec
		} else {
			content = []byte(f.Content)
		}
		files[rel] = content
	}

	refs := make([]taskgraph.FileRef, 0, len(files))
	for p, content := range files {
		refs = append(refs, taskgraph.FileRef{
			Path:   p,
			SHA256: taskgraph.FileDigest(content),
			Size:   len(content),
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
	return files, refs, nil
}

// sanitizeRelPath normalizes a produced file path and rejects anything that
// escapes the capsule root.
func sanitizeRelPath(p string) (string, bool) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimPrefix(p, "./")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", false
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}
