package activities

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/metrics"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
)

type decomposeRequest struct {
	Description  string            `json:"description"`
	Requirements []string          `json:"requirements,omitempty"`
	Constraints  map[string]string `json:"constraints,omitempty"`
	Mode         string            `json:"mode,omitempty"`
	MaxTasks     int               `json:"max_tasks"`
	Hints        []decomposeHint   `json:"hints,omitempty"`
}

type decomposeHint struct {
	Score      float64           `json:"score"`
	Summary    string            `json:"summary,omitempty"`
	TaskKinds  []string          `json:"task_kinds,omitempty"`
	TierByKind map[string]string `json:"tier_by_kind,omitempty"`
	Framework  string            `json:"framework,omitempty"`
	Notes      string            `json:"notes,omitempty"`
}

// decomposeTask mirrors the planner's wire shape. Numeric fields are
// interface{} because the planner service does not serialize them stably.
type decomposeTask struct {
	ID               string      `json:"id"`
	Kind             string      `json:"kind"`
	Title            string      `json:"title"`
	Prompt           string      `json:"prompt"`
	TierHint         string      `json:"tier_hint"`
	Priority         interface{} `json:"priority"`
	DependsOn        []string    `json:"depends_on"`
	MaxRetries       interface{} `json:"max_retries"`
	TimeoutSeconds   interface{} `json:"timeout_seconds"`
	Temperature      interface{} `json:"temperature"`
	Nondeterministic bool        `json:"nondeterministic"`
	EstimatedTokens  interface{} `json:"estimated_tokens"`
}

type decomposeResponse struct {
	Tasks     []decomposeTask `json:"tasks"`
	PlanNotes string          `json:"plan_notes"`
	TokensIn  interface{}     `json:"tokens_in"`
	TokensOut interface{}     `json:"tokens_out"`
	Model     string          `json:"model"`
	Provider  string          `json:"provider"`
}

// DecomposeTasks asks the planner to break a request into a task DAG. The
// returned list has already survived a graph compile here; the workflow
// recompiles it deterministically on its side. Uncompilable plans fail with
// DECOMPOSITION_FAILED, which the workflow converts into a single-task
// fallback plan rather than a retry loop.
func (a *Activities) DecomposeTasks(ctx context.Context, input DecomposeInput) (*DecomposeResult, error) {
	logger := activity.GetLogger(ctx)
	if strings.TrimSpace(input.Request.Description) == "" {
		return nil, appError(taskgraph.NewTypedError(taskgraph.ErrInvalidInput, "empty request description", nil))
	}

	cfg := a.cfg()
	maxTasks := input.MaxTasks
	if maxTasks <= 0 || maxTasks > cfg.Workflow.MaxTasks {
		maxTasks = cfg.Workflow.MaxTasks
	}

	payload := decomposeRequest{
		Description:  input.Request.Description,
		Requirements: input.Request.Requirements,
		Constraints:  constraintMap(input.Request.Constraints),
		Mode:         input.Request.Options.Mode,
		MaxTasks:     maxTasks,
	}
	for _, p := range input.Hints {
		h := decomposeHint{Score: p.Score, Summary: p.Summary}
		if p.Hint != nil {
			h.TaskKinds = p.Hint.TaskKinds
			h.TierByKind = p.Hint.TierByKind
			h.Framework = p.Hint.Framework
			h.Notes = p.Hint.Notes
		}
		payload.Hints = append(payload.Hints, h)
	}

	start := time.Now()
	var raw decomposeResponse
	err := postJSON(ctx, a.agentHTTP, cfg.Collaborators.AgentFactory.BaseURL, "/v1/decompose",
		cfg.Collaborators.AgentFactory.Timeout, payload, &raw)
	metrics.DecompositionLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DecompositionErrors.Inc()
		logger.Warn("Decomposition call failed", "error", err)
		return nil, appError(err)
	}

	tasks := make([]taskgraph.Task, 0, len(raw.Tasks))
	for i, rt := range raw.Tasks {
		tasks = append(tasks, rt.toTask(i))
	}
	if len(tasks) > maxTasks {
		metrics.DecompositionErrors.Inc()
		return nil, appError(taskgraph.NewTypedError(taskgraph.ErrDecomposition,
			fmt.Sprintf("plan has %d tasks, request limit is %d", len(tasks), maxTasks), nil))
	}
	if _, err := taskgraph.Compile(tasks); err != nil {
		metrics.DecompositionErrors.Inc()
		logger.Warn("Planner returned an uncompilable plan", "error", err, "tasks", len(tasks))
		return nil, appError(err)
	}

	result := &DecomposeResult{
		Tasks:     tasks,
		PlanNotes: raw.PlanNotes,
		TokensIn:  parseFlexibleInt(raw.TokensIn),
		TokensOut: parseFlexibleInt(raw.TokensOut),
		Model:     raw.Model,
		Provider:  raw.Provider,
	}
	if result.Provider == "" && result.Model != "" {
		result.Provider = models.DetectProvider(result.Model)
	}
	logger.Info("Decomposed request",
		"tasks", len(tasks), "model", result.Model, "hints", len(input.Hints))
	return result, nil
}

type evolveRequest struct {
	Description string           `json:"description"`
	Mode        string           `json:"mode,omitempty"`
	Tasks       []evolveTaskView `json:"tasks"`
}

type evolveTaskView struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Title  string `json:"title,omitempty"`
	Prompt string `json:"prompt"`
}

type evolveResponse struct {
	Prompts   map[string]string `json:"prompts"`
	TokensIn  interface{}       `json:"tokens_in"`
	TokensOut interface{}       `json:"tokens_out"`
}

// EvolvePrompts asks the planner to refine task prompts once before
// scheduling. Failures degrade to the original prompts; this call never
// fails a run.
func (a *Activities) EvolvePrompts(ctx context.Context, input EvolveInput) (*EvolveResult, error) {
	logger := activity.GetLogger(ctx)
	cfg := a.cfg()

	payload := evolveRequest{
		Description: input.Request.Description,
		Mode:        input.Request.Options.Mode,
	}
	for _, t := range input.Tasks {
		payload.Tasks = append(payload.Tasks, evolveTaskView{
			ID: t.ID, Kind: string(t.Kind), Title: t.Title, Prompt: t.Prompt,
		})
	}

	var raw evolveResponse
	err := postJSON(ctx, a.agentHTTP, cfg.Collaborators.AgentFactory.BaseURL, "/v1/evolve",
		cfg.Collaborators.AgentFactory.Timeout, payload, &raw)
	if err != nil {
		logger.Warn("Prompt evolution failed, keeping original prompts", "error", err)
		return &EvolveResult{}, nil
	}

	known := make(map[string]bool, len(input.Tasks))
	for _, t := range input.Tasks {
		known[t.ID] = true
	}
	prompts := make(map[string]string, len(raw.Prompts))
	for id, prompt := range raw.Prompts {
		if known[id] && strings.TrimSpace(prompt) != "" {
			prompts[id] = prompt
		}
	}
	logger.Info("Evolved prompts", "replaced", len(prompts), "tasks", len(input.Tasks))
	return &EvolveResult{
		Prompts:   prompts,
		TokensIn:  parseFlexibleInt(raw.TokensIn),
		TokensOut: parseFlexibleInt(raw.TokensOut),
	}, nil
}

// constraintMap flattens constraints into the planner's wire shape.
func constraintMap(c models.Constraints) map[string]string {
	pairs := c.CanonicalPairs()
	if len(pairs) == 0 {
		return nil
	}
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func (t decomposeTask) toTask(idx int) taskgraph.Task {
	id := strings.TrimSpace(t.ID)
	if id == "" {
		id = fmt.Sprintf("t%02d", idx+1)
	}
	tier := taskgraph.Tier(strings.ToUpper(strings.TrimSpace(t.TierHint)))
	if !tier.Valid() {
		tier = ""
	}
	deps := make([]string, 0, len(t.DependsOn))
	for _, d := range t.DependsOn {
		if d = strings.TrimSpace(d); d != "" {
			deps = append(deps, d)
		}
	}
	return taskgraph.Task{
		ID:               id,
		Kind:             normalizeKind(t.Kind),
		Title:            strings.TrimSpace(t.Title),
		Prompt:           t.Prompt,
		TierHint:         tier,
		Priority:         parseFlexibleInt(t.Priority),
		DependsOn:        deps,
		MaxRetries:       parseFlexibleInt(t.MaxRetries),
		TimeoutSeconds:   parseFlexibleInt(t.TimeoutSeconds),
		Temperature:      parseFlexibleFloat(t.Temperature),
		Nondeterministic: t.Nondeterministic,
		EstimatedTokens:  parseFlexibleInt(t.EstimatedTokens),
	}
}

// normalizeKind folds planner spelling variants onto the known kinds.
// Unknown strings pass through lowercased so the compile error names them.
func normalizeKind(s string) taskgraph.Kind {
	k := strings.ToLower(strings.TrimSpace(s))
	switch k {
	case "design", "architecture":
		return taskgraph.KindDesign
	case "implement", "implementation", "code", "coding":
		return taskgraph.KindImplement
	case "test", "tests", "testing":
		return taskgraph.KindTest
	case "doc", "docs", "documentation":
		return taskgraph.KindDoc
	case "integrate", "integration":
		return taskgraph.KindIntegrate
	case "review", "code_review":
		return taskgraph.KindReview
	}
	return taskgraph.Kind(k)
}
