package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/activities"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/constants"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/dispatch"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/memory"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/moderation"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/policy"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/streaming"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/workflows/control"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/workflows/execution"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/workflows/opts"
)

const (
	quotaTimeout      = 10 * time.Second
	admissionTimeout  = 15 * time.Second
	moderateTimeout   = 30 * time.Second
	decomposeTimeout  = 2 * time.Minute
	evolveTimeout     = 60 * time.Second
	ledgerTimeout     = 30 * time.Second
	assembleTimeout   = 5 * time.Minute
	assembleHeartbeat = 30 * time.Second
)

// GenerationWorkflow drives one code generation request end to end: quota
// and admission gates, request moderation, decomposition, the bounded task
// scheduler, capsule assembly and ledger finalization. The workflow is the
// deterministic spine; everything with a side effect lives in activities.
//
// Terminal contract: completed and partial runs return the result with a nil
// error so the caller can read it from workflow history. Failed runs return a
// non-retryable application error whose type is the stable error kind.
// Cancelled runs return a canceled error after bookkeeping has settled.
func GenerationWorkflow(ctx workflow.Context, input GenerationInput) (*GenerationResult, error) {
	req := input.Request
	wfID := workflow.GetInfo(ctx).WorkflowExecution.ID
	logger := workflow.GetLogger(ctx)

	r := &runState{
		wfID:   wfID,
		req:    req,
		logger: logger,
		result: &GenerationResult{RequestID: req.RequestID},
		snap:   models.StatusSnapshot{State: models.RunStatusRunning, CurrentStep: "admission"},
	}

	if err := workflow.SetQueryHandler(ctx, QueryGetStatus, func() (models.StatusSnapshot, error) {
		return r.snap, nil
	}); err != nil {
		logger.Warn("Status query handler registration failed", "error", err)
	}

	if req.RequestID == "" || req.Description == "" {
		return r.fail(ctx, taskgraph.ErrInvalidInput, "request_id and description are required")
	}

	handler := &control.SignalHandler{
		WorkflowID: wfID,
		Logger:     logger,
		EmitCtx:    opts.WithEventOptions(ctx),
	}
	handler.Setup(ctx)
	r.handler = handler

	logger.Info("Starting GenerationWorkflow",
		"request_id", req.RequestID,
		"tenant_id", req.TenantID,
		"mode", req.Options.Mode)

	// Tuning snapshot. Zero-value defaults apply when the read fails: a run
	// must not die over unreachable config.
	var tuning activities.WorkflowTuning
	if err := workflow.ExecuteActivity(opts.WithBookkeepingOptions(ctx),
		constants.GetWorkflowConfigActivity).Get(ctx, &tuning); err != nil {
		logger.Warn("Workflow config unavailable, using defaults", "error", err)
	}

	mode := req.Options.Mode
	if mode == "" {
		mode = tuning.DefaultMode
	}
	if !models.ValidMode(mode) {
		mode = models.ModeComplete
	}
	r.mode = mode

	r.persist(ctx, models.RunStatusRunning, "")
	r.emit(ctx, streaming.EventWorkflowStarted, "Generation started", map[string]interface{}{
		"mode":      mode,
		"tenant_id": req.TenantID,
	})

	if err := handler.CheckPausePoint(ctx, "admission"); err != nil {
		return r.cancelled(ctx)
	}

	// Quota preflight. Rejections come back typed QUOTA_EXCEEDED or
	// RATE_LIMITED; storage faults exhaust the retry policy first.
	qctx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: quotaTimeout,
		RetryPolicy:         dispatch.StorageRetryPolicy(),
	})
	if err := workflow.ExecuteActivity(qctx, constants.CheckQuotaActivity, activities.QuotaCheckInput{
		TenantID:        req.TenantID,
		EstimatedTokens: activities.EstimateRequestTokens(req),
	}).Get(ctx, nil); err != nil {
		return r.fail(ctx, execution.ErrorKindOf(err), execution.ErrorMessageOf(err))
	}

	// Admission policy. A deny is a decision, not an error; errors mean the
	// engine itself broke.
	var decision policy.Decision
	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: admissionTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    3,
		},
	})
	if err := workflow.ExecuteActivity(actx, constants.EvaluateAdmissionActivity, req).Get(ctx, &decision); err != nil {
		return r.fail(ctx, execution.ErrorKindOf(err), execution.ErrorMessageOf(err))
	}
	if !decision.Allow {
		reason := decision.Reason
		if reason == "" {
			reason = "request denied by admission policy"
		}
		return r.fail(ctx, taskgraph.ErrPolicyBlocked, reason)
	}
	tierCap := taskgraph.Tier(decision.MaxTier)

	if res, err := r.moderateRequest(ctx); err != nil {
		return res, err
	}

	var hints []memory.Pattern
	if tuning.PlanMemory {
		var hres activities.PlanHintsResult
		if err := workflow.ExecuteActivity(opts.WithBookkeepingOptions(ctx),
			constants.LookupPlanHintsActivity, activities.PlanHintsInput{
				Description: req.Description,
				TenantID:    req.TenantID,
				Language:    req.Constraints.Language,
			}).Get(ctx, &hres); err != nil {
			logger.Warn("Plan memory lookup failed", "error", err)
		} else {
			hints = hres.Patterns
		}
	}

	r.snap.CurrentStep = "planning"
	if err := handler.CheckPausePoint(ctx, "planning"); err != nil {
		return r.cancelled(ctx)
	}

	var plan activities.DecomposeResult
	dctx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: decomposeTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
			NonRetryableErrorTypes: []string{
				string(taskgraph.ErrInvalidInput),
				string(taskgraph.ErrDecomposition),
				string(taskgraph.ErrPolicyBlocked),
			},
		},
	})
	if err := workflow.ExecuteActivity(dctx, constants.DecomposeTasksActivity, activities.DecomposeInput{
		Request:  req,
		Hints:    hints,
		MaxTasks: tuning.MaxTasks,
	}).Get(ctx, &plan); err != nil {
		switch kind := execution.ErrorKindOf(err); kind {
		case taskgraph.ErrDecomposition:
			// A plan that will not compile degrades to one whole-request
			// task instead of killing the run.
			logger.Warn("Decomposition produced no usable plan, falling back to single task", "error", err)
			plan = fallbackPlan(req)
		default:
			return r.fail(ctx, kind, execution.ErrorMessageOf(err))
		}
	}

	cost := models.CostSummary{
		TotalTokensIn:  plan.TokensIn,
		TotalTokensOut: plan.TokensOut,
	}
	if plan.TokensIn+plan.TokensOut > 0 {
		cost.LLMCalls++
	}

	// Prompt refinement happens exactly once, before scheduling. Retried
	// tasks re-run the refined prompt; they are never re-evolved.
	if tuning.RefinePlanOnce && len(plan.Tasks) > 0 {
		ectx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: evolveTimeout,
			RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
		})
		var ev activities.EvolveResult
		if err := workflow.ExecuteActivity(ectx, constants.EvolvePromptsActivity, activities.EvolveInput{
			Request: req,
			Tasks:   plan.Tasks,
		}).Get(ctx, &ev); err != nil {
			logger.Warn("Prompt evolution failed, keeping original prompts", "error", err)
		} else {
			applyPrompts(plan.Tasks, ev.Prompts)
			cost.TotalTokensIn += ev.TokensIn
			cost.TotalTokensOut += ev.TokensOut
			if ev.TokensIn+ev.TokensOut > 0 {
				cost.LLMCalls++
			}
		}
	}

	graph, err := taskgraph.Compile(plan.Tasks)
	if err != nil {
		return r.fail(ctx, taskgraph.KindOf(err), err.Error())
	}

	r.snap.TasksTotal = len(graph.Tasks)
	r.snap.CurrentStep = "executing"
	r.result.TasksTotal = len(graph.Tasks)
	r.persist(ctx, models.RunStatusRunning, "")
	r.emit(ctx, streaming.EventPlanReady, fmt.Sprintf("Plan ready: %d tasks", len(graph.Tasks)), map[string]interface{}{
		"tasks":      len(graph.Tasks),
		"layers":     len(graph.Layers()),
		"plan_notes": plan.PlanNotes,
	})

	settled := 0
	outcome := execution.Run(ctx, graph, execution.Config{
		WorkflowID:      wfID,
		Request:         req,
		Mode:            mode,
		MaxConcurrency:  effectiveConcurrency(req.Options.MaxConcurrency, tuning.MaxConcurrency),
		DrainGrace:      tuning.DrainGrace,
		HeartbeatEvery:  tuning.HeartbeatEvery,
		CacheEnabled:    tuning.CacheEnabled,
		SkipValidation:  req.Options.SkipValidation,
		Threshold:       tuning.ThresholdFor(mode),
		TierCap:         tierCap,
		TaskRetryBudget: retryBudget(mode),
		Handler:         handler,
		OnTaskDone: func(taskID string, res *taskgraph.TaskResult) {
			settled++
			switch {
			case res.Succeeded():
				r.snap.TasksDone++
			case res.Status == taskgraph.StatusFailedPermanent:
				r.snap.TasksFailed++
			}
			r.snap.PercentComplete = float64(settled) / float64(len(graph.Tasks)) * 100
		},
	})

	r.result.TasksSucceeded = outcome.Succeeded
	r.result.TasksFailed = outcome.Failed
	r.result.CacheHits = outcome.CacheHits
	r.result.TaskStatuses = taskStatuses(graph, outcome)
	r.result.Validation = summarizeValidation(graph, outcome)
	rollupCost(&cost, graph, outcome)
	r.result.Cost = cost

	// The usage table is the billing source of truth: it carries retried
	// attempts the in-workflow rollup never saw.
	fctx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: ledgerTimeout,
		RetryPolicy:         dispatch.StorageRetryPolicy(),
	})
	var fin activities.FinalizeLedgerResult
	if err := workflow.ExecuteActivity(fctx, constants.FinalizeLedgerActivity, activities.FinalizeLedgerInput{
		WorkflowID: wfID,
		TenantID:   req.TenantID,
	}).Get(ctx, &fin); err != nil {
		logger.Warn("Ledger finalization failed, keeping in-workflow rollup", "error", err)
	} else if fin.TotalCostUSD > 0 {
		r.result.Cost.TotalCostUSD = fin.TotalCostUSD
	}

	quotaFatal := outcome.FirstError != nil && outcome.FirstError.Kind == taskgraph.ErrQuotaExceeded

	switch {
	case outcome.Cancelled:
		// Basic mode still delivers whatever completed before the cancel;
		// other modes persist no capsule.
		if mode == models.ModeBasic && outcome.Succeeded > 0 {
			if err := r.assembleCapsule(ctx, graph, outcome); err != nil {
				logger.Warn("Capsule assembly failed on cancelled run", "error", err)
			}
		}
		return r.cancelled(ctx)

	case quotaFatal:
		return r.fail(ctx, outcome.FirstError.Kind, outcome.FirstError.Message)

	case outcome.Failed > 0:
		firstErr := outcome.FirstError
		if firstErr == nil {
			firstErr = taskgraph.NewTypedError(taskgraph.ErrInternal,
				fmt.Sprintf("%d tasks failed", outcome.Failed), nil)
		}
		if mode != models.ModeRobust && partialWorthKeeping(graph, outcome) {
			if err := r.assembleCapsule(ctx, graph, outcome); err == nil {
				r.result.Status = models.RunStatusPartial
				r.result.Error = firstErr
				r.snap.State = models.RunStatusPartial
				r.snap.CurrentStep = "done"
				r.persist(ctx, models.RunStatusPartial, firstErr.Message)
				r.emit(ctx, streaming.EventWorkflowCompleted, "Generation finished with failures", map[string]interface{}{
					"partial":    true,
					"capsule_id": r.result.CapsuleID,
					"failed":     outcome.Failed,
				})
				return r.result, nil
			}
			logger.Warn("Partial capsule assembly failed, reporting plain failure")
		}
		return r.fail(ctx, firstErr.Kind, firstErr.Message)

	default:
		if err := r.assembleCapsule(ctx, graph, outcome); err != nil {
			return r.fail(ctx, execution.ErrorKindOf(err), execution.ErrorMessageOf(err))
		}
		if tuning.PlanMemory {
			r.recordPlanMemory(ctx, graph, plan.PlanNotes)
		}
		r.result.Status = models.RunStatusCompleted
		r.snap.State = models.RunStatusCompleted
		r.snap.CurrentStep = "done"
		r.snap.PercentComplete = 100
		r.persist(ctx, models.RunStatusCompleted, "")
		r.emit(ctx, streaming.EventWorkflowCompleted, "Generation completed", map[string]interface{}{
			"capsule_id": r.result.CapsuleID,
			"tasks":      outcome.Succeeded,
			"cache_hits": outcome.CacheHits,
		})
		logger.Info("GenerationWorkflow completed",
			"request_id", req.RequestID,
			"capsule_id", r.result.CapsuleID,
			"tasks", outcome.Succeeded,
			"cache_hits", outcome.CacheHits,
			"cost_usd", r.result.Cost.TotalCostUSD)
		return r.result, nil
	}
}

// runState bundles what every stage of the workflow needs to report
// progress: the live status snapshot, the accumulating result and the
// bookkeeping helpers. Mutated only from the main workflow goroutine.
type runState struct {
	wfID    string
	req     models.ExecutionRequest
	mode    string
	logger  log.Logger
	handler *control.SignalHandler
	snap    models.StatusSnapshot
	result  *GenerationResult
}

// moderateRequest screens the raw request before any model sees it. User
// requests fail closed: a dead checker blocks the run once retries exhaust.
// The error return is the workflow's terminal error; a nil, nil return means
// the request passed.
func (r *runState) moderateRequest(ctx workflow.Context) (*GenerationResult, error) {
	content := r.req.Description
	for _, rq := range r.req.Requirements {
		content += "\n" + rq
	}

	mctx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: moderateTimeout,
		RetryPolicy:         dispatch.ModerationRetryPolicy(),
	})
	var mod activities.ModerateResult
	err := workflow.ExecuteActivity(mctx, constants.ModerateContentActivity, activities.ModerateInput{
		WorkflowID: r.wfID,
		TenantID:   r.req.TenantID,
		UserID:     r.req.UserID,
		Content:    content,
		Context:    moderation.ContextUserRequest,
		Stage:      "request",
	}).Get(ctx, &mod)
	if err != nil {
		res, ferr := r.fail(ctx, taskgraph.ErrPolicyBlocked,
			"content safety check unavailable: "+execution.ErrorMessageOf(err))
		return res, ferr
	}

	if mod.Blocked {
		r.recordHit(ctx, "request", "blocked", mod.Severity, mod.Categories, mod.Explanation)
		r.emit(ctx, streaming.EventModerationFlagged, "Request blocked by content safety", map[string]interface{}{
			"severity": mod.Severity,
			"stage":    "request",
		})
		res, ferr := r.fail(ctx, taskgraph.ErrPolicyBlocked,
			"request blocked by content safety ("+mod.Severity+")")
		return res, ferr
	}
	if moderation.Decide(moderation.ParseSeverity(mod.Severity)) == moderation.DecisionRecord {
		r.recordHit(ctx, "request", "recorded", mod.Severity, mod.Categories, mod.Explanation)
	}
	return nil, nil
}

// assembleCapsule persists the final artifact and publishes its reference.
func (r *runState) assembleCapsule(ctx workflow.Context, g *taskgraph.Graph, outcome *execution.Outcome) error {
	r.snap.CurrentStep = "assembling"
	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: assembleTimeout,
		HeartbeatTimeout:    assembleHeartbeat,
		RetryPolicy:         dispatch.StorageRetryPolicy(),
	})
	var asm activities.AssembleCapsuleResult
	err := workflow.ExecuteActivity(actx, constants.AssembleCapsuleActivity, activities.AssembleCapsuleInput{
		WorkflowID: r.wfID,
		Request:    r.req,
		Tasks:      g.Tasks,
		Results:    outcome.Results,
		Validation: r.result.Validation,
		Cost:       r.result.Cost,
	}).Get(ctx, &asm)
	if err != nil {
		r.logger.Error("Capsule assembly failed", "error", err)
		return err
	}

	r.result.CapsuleID = asm.CapsuleID
	r.snap.CapsuleID = asm.CapsuleID
	r.emit(ctx, streaming.EventCapsuleReady,
		fmt.Sprintf("Capsule %s ready (%d files)", asm.CapsuleID, asm.Files), map[string]interface{}{
			"capsule_id":   asm.CapsuleID,
			"files":        asm.Files,
			"languages":    asm.Languages,
			"partial":      asm.Partial,
			"deduplicated": asm.Deduplicated,
		})
	return nil
}

// recordPlanMemory feeds the finished plan's shape back to vector memory.
func (r *runState) recordPlanMemory(ctx workflow.Context, g *taskgraph.Graph, notes string) {
	kinds := make([]string, 0, len(g.Tasks))
	seen := make(map[string]bool)
	for i := range g.Tasks {
		k := string(g.Tasks[i].Kind)
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	var langs []string
	if r.req.Constraints.Language != "" {
		langs = []string{r.req.Constraints.Language}
	}

	err := workflow.ExecuteActivity(opts.WithBookkeepingOptions(ctx),
		constants.RecordPlanMemoryActivity, activities.RecordPlanMemoryInput{
			RequestID:   r.req.RequestID,
			TenantID:    r.req.TenantID,
			Description: r.req.Description,
			Summary:     notes,
			Languages:   langs,
			TaskKinds:   kinds,
			MeanScore:   r.result.Validation.MeanScore,
			Mode:        r.mode,
		}).Get(ctx, nil)
	if err != nil {
		r.logger.Warn("Plan memory record failed", "error", err)
	}
}

// fail settles the run as failed and returns the terminal error. The error
// type carries the stable kind so callers can branch without parsing text.
func (r *runState) fail(ctx workflow.Context, kind taskgraph.ErrorKind, msg string) (*GenerationResult, error) {
	r.result.Status = models.RunStatusFailed
	r.result.Error = taskgraph.NewTypedError(kind, msg, nil)
	r.snap.State = models.RunStatusFailed
	r.snap.CurrentStep = "failed"
	r.persist(ctx, models.RunStatusFailed, msg)
	r.emit(ctx, streaming.EventWorkflowFailed, msg, map[string]interface{}{
		"error_kind": string(kind),
	})
	r.logger.Info("GenerationWorkflow failed", "request_id", r.req.RequestID, "kind", string(kind), "error", msg)
	return r.result, temporal.NewNonRetryableApplicationError(msg, string(kind), nil)
}

// cancelled settles the run as cancelled after bookkeeping is done.
func (r *runState) cancelled(ctx workflow.Context) (*GenerationResult, error) {
	reason := r.handler.CancelReason()
	if reason == "" {
		reason = "cancelled by request"
	}
	r.result.Status = models.RunStatusCancelled
	r.result.Error = taskgraph.NewTypedError(taskgraph.ErrCancelled, reason, nil)
	r.snap.State = models.RunStatusCancelled
	r.snap.CurrentStep = "cancelled"
	r.persist(ctx, models.RunStatusCancelled, reason)
	r.emit(ctx, streaming.EventWorkflowCancelled, reason, nil)
	r.logger.Info("GenerationWorkflow cancelled", "request_id", r.req.RequestID, "reason", reason)
	return r.result, temporal.NewCanceledError(reason)
}

// persist upserts the generation_runs row. Best-effort: the workflow result
// is the source of truth when the row write fails.
func (r *runState) persist(ctx workflow.Context, status, errMsg string) {
	in := activities.RunRecordInput{
		WorkflowID:   r.wfID,
		RequestID:    r.req.RequestID,
		TenantID:     r.req.TenantID,
		UserID:       r.req.UserID,
		Description:  r.req.Description,
		Mode:         r.mode,
		Status:       status,
		TasksTotal:   r.snap.TasksTotal,
		TasksDone:    r.snap.TasksDone,
		TasksFailed:  r.snap.TasksFailed,
		TokensIn:     r.result.Cost.TotalTokensIn,
		TokensOut:    r.result.Cost.TotalTokensOut,
		CostUSD:      r.result.Cost.TotalCostUSD,
		CapsuleID:    r.result.CapsuleID,
		ErrorMessage: errMsg,
	}
	if models.TerminalRunStatus(status) {
		now := workflow.Now(ctx)
		in.CompletedAt = &now
	}
	if err := workflow.ExecuteActivity(opts.WithBookkeepingOptions(ctx),
		constants.UpsertRunRecordActivity, in).Get(ctx, nil); err != nil {
		r.logger.Warn("Run record upsert failed", "status", status, "error", err)
	}
}

func (r *runState) emit(ctx workflow.Context, typ streaming.EventType, msg string, data map[string]interface{}) {
	_ = workflow.ExecuteActivity(opts.WithEventOptions(ctx), constants.PublishProgressActivity, activities.ProgressEvent{
		WorkflowID: r.wfID,
		Type:       string(typ),
		Message:    msg,
		Data:       data,
	}).Get(ctx, nil)
}

func (r *runState) recordHit(ctx workflow.Context, stage, action, severity string, categories []string, excerpt string) {
	err := workflow.ExecuteActivity(opts.WithBookkeepingOptions(ctx),
		constants.RecordModerationHitActivity, activities.ModerationHitInput{
			WorkflowID: r.wfID,
			TenantID:   r.req.TenantID,
			UserID:     r.req.UserID,
			Stage:      stage,
			Severity:   severity,
			Categories: categories,
			Action:     action,
			Excerpt:    excerpt,
		}).Get(ctx, nil)
	if err != nil {
		r.logger.Warn("Moderation hit record failed", "stage", stage, "error", err)
	}
}

// fallbackPlan wraps the whole request into a single implement task. A
// degenerate plan beats a dead run when decomposition cannot produce one.
func fallbackPlan(req models.ExecutionRequest) activities.DecomposeResult {
	prompt := req.Description
	for _, r := range req.Requirements {
		prompt += "\n- " + r
	}
	return activities.DecomposeResult{
		Tasks: []taskgraph.Task{{
			ID:     "t01",
			Kind:   taskgraph.KindImplement,
			Title:  "Implement the requested system",
			Prompt: prompt,
		}},
		PlanNotes: "single-task fallback after decomposition failure",
	}
}

// applyPrompts folds refined prompts back into the plan. Unknown ids and
// empty prompts are dropped.
func applyPrompts(tasks []taskgraph.Task, prompts map[string]string) {
	if len(prompts) == 0 {
		return
	}
	for i := range tasks {
		if p, ok := prompts[tasks[i].ID]; ok && p != "" {
			tasks[i].Prompt = p
		}
	}
}

// effectiveConcurrency resolves the fan-out ceiling: a request override wins
// over the configured default. The scheduler applies its hard bounds on top.
func effectiveConcurrency(requested, configured int) int {
	if requested > 0 {
		return requested
	}
	return configured
}

// retryBudget is the whole-attempt redispatch budget per mode. Robust mode
// buys one extra corrective attempt for validation misses.
func retryBudget(mode string) int {
	if mode == models.ModeRobust {
		return 2
	}
	return 1
}

// partialWorthKeeping reports whether a failed run still produced enough to
// assemble: at least one non-doc task succeeded.
func partialWorthKeeping(g *taskgraph.Graph, outcome *execution.Outcome) bool {
	for i := range g.Tasks {
		t := &g.Tasks[i]
		if t.Kind == taskgraph.KindDoc {
			continue
		}
		if outcome.Results[t.ID].Succeeded() {
			return true
		}
	}
	return false
}

func taskStatuses(g *taskgraph.Graph, outcome *execution.Outcome) map[string]taskgraph.TaskStatus {
	out := make(map[string]taskgraph.TaskStatus, len(g.Tasks))
	for i := range g.Tasks {
		if res := outcome.Results[g.Tasks[i].ID]; res != nil {
			out[g.Tasks[i].ID] = res.Status
		}
	}
	return out
}

// summarizeValidation aggregates per-task scores into the manifest summary.
// Only succeeded tasks that actually carry a score enter the mean and min.
func summarizeValidation(g *taskgraph.Graph, outcome *execution.Outcome) models.ValidationSummary {
	var vs models.ValidationSummary
	total := 0.0
	for i := range g.Tasks {
		res := outcome.Results[g.Tasks[i].ID]
		if res == nil {
			continue
		}
		if res.Status == taskgraph.StatusFailedPermanent {
			vs.FailedTasks = append(vs.FailedTasks, res.TaskID)
		}
		if res.Metadata.RuntimeSkipped {
			vs.RuntimeSkips++
		}
		if !res.Succeeded() || res.Metadata.ValidationScore <= 0 {
			continue
		}
		if vs.TasksScored == 0 || res.Metadata.ValidationScore < vs.MinScore {
			vs.MinScore = res.Metadata.ValidationScore
		}
		vs.TasksScored++
		total += res.Metadata.ValidationScore
	}
	if vs.TasksScored > 0 {
		vs.MeanScore = total / float64(vs.TasksScored)
	}
	vs.Partial = outcome.Failed > 0
	return vs
}

// rollupCost folds per-task usage into the run totals. Cache hits carry
// zeroed usage so reuse stays free; superseded attempts only exist in the
// ledger, which the finalization step reconciles.
func rollupCost(cost *models.CostSummary, g *taskgraph.Graph, outcome *execution.Outcome) {
	for i := range g.Tasks {
		res := outcome.Results[g.Tasks[i].ID]
		if res == nil {
			continue
		}
		cost.TotalTokensIn += res.Metadata.TokensIn
		cost.TotalTokensOut += res.Metadata.TokensOut
		cost.TotalCostUSD += res.Metadata.CostUSD
		if res.Status != taskgraph.StatusSkippedCached && res.Attempt > 0 {
			cost.LLMCalls += res.Attempt
		}
	}
	cost.CacheHits = outcome.CacheHits
}
