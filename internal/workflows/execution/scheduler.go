// Package execution runs a compiled task graph inside a workflow: bounded
// fan-out over ready tasks, cache consultation with single-flight leases,
// tiered dispatch with rate-limit cooldowns, post-execution validation and
// moderation, and fail-fast cascade over dependent branches.
package execution

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/activities"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/cache"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/constants"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/dispatch"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/moderation"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/streaming"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/validation"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/workflows/control"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/workflows/opts"
)

const (
	// hardCap bounds fan-out regardless of configuration.
	hardCap = 50

	// followerPollInterval is how often a lease follower re-checks the cache
	// for the holder's entry.
	followerPollInterval = 5 * time.Second

	// Rate-limit cooldowns per tier: base doubles per consecutive 429 up to
	// the cap, and one success resets the streak.
	cooldownBase = 10 * time.Second
	cooldownMax  = 2 * time.Minute

	validateTimeout = 2 * time.Minute
	moderateTimeout = 30 * time.Second

	defaultDrainGrace = 30 * time.Second
)

// Config carries everything the scheduler needs from the parent workflow.
type Config struct {
	WorkflowID     string
	Request        models.ExecutionRequest
	Mode           string
	MaxConcurrency int
	DrainGrace     time.Duration
	HeartbeatEvery time.Duration
	CacheEnabled   bool
	SkipValidation bool
	Threshold      float64

	// TierCap, when valid, clamps every task's selected tier to the
	// admission policy's ceiling.
	TierCap taskgraph.Tier

	// TaskRetryBudget is the scheduler-level redispatch budget applied when a
	// task does not declare its own MaxRetries. The activity retry policy
	// absorbs transient faults inside a single attempt; this budget governs
	// whole-attempt redispatch.
	TaskRetryBudget int

	Handler *control.SignalHandler

	// OnTaskDone fires once per terminal task result so the parent can keep
	// its status snapshot current. Called from the scheduler loop only.
	OnTaskDone func(taskID string, res *taskgraph.TaskResult)
}

// Outcome summarizes a finished run. Results holds one terminal result per
// graph task; tasks never dispatched carry a cancelled result naming why.
type Outcome struct {
	Results    map[string]*taskgraph.TaskResult
	Succeeded  int
	Failed     int
	CacheHits  int
	Cancelled  bool
	FirstError *taskgraph.TypedError
}

// Concurrency returns the semaphore width for n tasks: the configured
// ceiling bounded by min(hardCap, n/2+1). Small plans never saturate the
// worker; large plans never exceed the cap.
func Concurrency(configured, n int) int {
	derived := n/2 + 1
	if derived > hardCap {
		derived = hardCap
	}
	if configured <= 0 || configured > derived {
		return derived
	}
	return configured
}

type completion struct {
	taskID string
	res    *taskgraph.TaskResult
}

type scheduler struct {
	cfg    Config
	graph  *taskgraph.Graph
	logger log.Logger

	// All maps below are touched only from workflow coroutines, which the
	// SDK schedules cooperatively; no locking is needed or wanted here.
	results  map[string]*taskgraph.TaskResult
	attempts map[string]int
	waiting  map[string]int
	feedback map[string][]string
	ready    []string
	inFlight int

	cooldownUntil  map[taskgraph.Tier]time.Time
	cooldownStreak map[taskgraph.Tier]int

	sem          workflow.Semaphore
	completionCh workflow.Channel

	firstErr *taskgraph.TypedError
}

// Run executes the graph until every task reaches a terminal status, a
// quota failure invalidates the run, or cancellation drains in-flight work.
// It never returns an error: per-task failures live in the Outcome.
func Run(ctx workflow.Context, g *taskgraph.Graph, cfg Config) *Outcome {
	n := Concurrency(cfg.MaxConcurrency, len(g.Tasks))
	s := &scheduler{
		cfg:            cfg,
		graph:          g,
		logger:         workflow.GetLogger(ctx),
		results:        make(map[string]*taskgraph.TaskResult, len(g.Tasks)),
		attempts:       make(map[string]int, len(g.Tasks)),
		waiting:        make(map[string]int, len(g.Tasks)),
		feedback:       make(map[string][]string),
		cooldownUntil:  make(map[taskgraph.Tier]time.Time),
		cooldownStreak: make(map[taskgraph.Tier]int),
		sem:            workflow.NewSemaphore(ctx, int64(n)),
	}

	// Size the completion buffer for the worst case so coroutine sends never
	// block after the loop stops receiving.
	capHint := 0
	for i := range g.Tasks {
		capHint += s.maxAttempts(&g.Tasks[i])
	}
	s.completionCh = workflow.NewBufferedChannel(ctx, capHint)

	for i := range g.Tasks {
		t := &g.Tasks[i]
		s.waiting[t.ID] = len(t.DependsOn)
		if len(t.DependsOn) == 0 {
			s.ready = append(s.ready, t.ID)
		}
	}
	g.SortReady(s.ready)

	s.logger.Info("Starting task scheduler",
		"task_count", len(g.Tasks),
		"max_concurrency", n,
		"mode", cfg.Mode,
		"cache_enabled", cfg.CacheEnabled)

	s.loop(ctx)
	return s.finish()
}

func (s *scheduler) loop(ctx workflow.Context) {
	for {
		if err := s.cfg.Handler.CheckPausePoint(ctx, "dispatch"); err != nil {
			s.drain(ctx)
			return
		}
		s.launchReady(ctx)
		if s.inFlight == 0 {
			return
		}
		var c completion
		s.completionCh.Receive(ctx, &c)
		s.handleCompletion(ctx, &c)
		if s.cfg.Handler.IsCancelled() || s.fatal() {
			s.drain(ctx)
			return
		}
	}
}

// launchReady starts a coroutine per ready task. Admission beyond the
// concurrency bound is enforced by the semaphore inside each coroutine, so
// queued tasks keep their deterministic order without blocking the loop.
func (s *scheduler) launchReady(ctx workflow.Context) {
	for len(s.ready) > 0 {
		id := s.ready[0]
		s.ready = s.ready[1:]
		if res := s.results[id]; res != nil && res.Status.Terminal() {
			continue // cascaded away while queued
		}
		s.launch(ctx, id)
	}
}

func (s *scheduler) launch(ctx workflow.Context, taskID string) {
	s.inFlight++
	attempt := s.attempts[taskID] + 1
	s.attempts[taskID] = attempt

	workflow.Go(ctx, func(gctx workflow.Context) {
		if err := s.sem.Acquire(gctx, 1); err != nil {
			s.completionCh.Send(gctx, completion{taskID: taskID,
				res: cancelledResult(taskID, attempt, "scheduler shut down before dispatch")})
			return
		}
		res := s.runTask(gctx, taskID, attempt)
		s.sem.Release(1)
		s.completionCh.Send(gctx, completion{taskID: taskID, res: res})
	})
}

// maxAttempts is the whole-attempt redispatch bound for one task.
func (s *scheduler) maxAttempts(t *taskgraph.Task) int {
	if t.MaxRetries > 0 {
		return t.MaxRetries + 1
	}
	return s.cfg.TaskRetryBudget + 1
}

// runTask drives one attempt end to end: dependency context, cache consult,
// cooldown gate, execution, assessment, cache store. It always returns a
// result; classification into retry or cascade happens in the loop.
func (s *scheduler) runTask(ctx workflow.Context, taskID string, attempt int) *taskgraph.TaskResult {
	task := s.graph.Task(taskID)
	if task == nil {
		return &taskgraph.TaskResult{TaskID: taskID, Status: taskgraph.StatusFailedPermanent,
			Error: taskgraph.NewTypedError(taskgraph.ErrInternal, "unknown task "+taskID, nil), Attempt: attempt}
	}
	if s.cfg.Handler.IsCancelled() {
		return cancelledResult(taskID, attempt, "run cancelled")
	}

	deps, inputsDigest, depErr := s.dependencyContext(task)
	if depErr != nil {
		return &taskgraph.TaskResult{TaskID: taskID, Status: taskgraph.StatusFailedPermanent,
			Error: depErr, Attempt: attempt}
	}

	tier := dispatch.CapTier(dispatch.SelectTier(*task, s.cfg.Request.Options), s.cfg.TierCap)

	var fp string
	if s.cfg.CacheEnabled {
		fp = cache.Fingerprint(task.Kind, task.Prompt, tier, inputsDigest, s.cfg.Request.Constraints)
		if res, done := s.consultCache(ctx, task, tier, fp, attempt); done {
			return res
		}
		defer s.releaseLease(ctx, fp, taskID)
	}

	if err := s.waitCooldown(ctx, tier); err != nil {
		return cancelledResult(taskID, attempt, "cancelled during rate-limit cooldown")
	}
	if s.cfg.Handler.IsCancelled() {
		return cancelledResult(taskID, attempt, "run cancelled")
	}

	s.emit(ctx, streaming.EventTaskStarted, taskID, task.Title, map[string]interface{}{
		"tier":    string(tier),
		"kind":    string(task.Kind),
		"attempt": attempt,
	})

	res := s.execute(ctx, task, tier, deps, attempt)
	if !res.Succeeded() {
		return res
	}
	if validation.Required(s.cfg.Mode) {
		res = s.assess(ctx, task, res)
	}
	if res.Status == taskgraph.StatusSucceeded {
		s.storeCache(ctx, task, fp, res)
	}
	return res
}

// dependencyContext packages each dependency's summary and files for the
// agent prompt and folds their output digests into the fingerprint input.
// Order follows the task's declared dependency list.
func (s *scheduler) dependencyContext(task *taskgraph.Task) ([]activities.DependencySummary, string, *taskgraph.TypedError) {
	if len(task.DependsOn) == 0 {
		return nil, "", nil
	}
	deps := make([]activities.DependencySummary, 0, len(task.DependsOn))
	digests := make([]string, 0, len(task.DependsOn))
	for _, id := range task.DependsOn {
		res := s.results[id]
		if res == nil || !res.Succeeded() {
			return nil, "", taskgraph.NewTypedError(taskgraph.ErrInternal,
				"task "+task.ID+" dispatched before dependency "+id+" finished", nil)
		}
		title := ""
		if dep := s.graph.Task(id); dep != nil {
			title = dep.Title
		}
		files := make([]string, 0, len(res.Files))
		for _, f := range res.Files {
			files = append(files, f.Path)
		}
		deps = append(deps, activities.DependencySummary{
			TaskID:        id,
			Title:         title,
			Summary:       res.Summary,
			Files:         files,
			OutputsDigest: res.OutputsDigest,
		})
		digests = append(digests, res.OutputsDigest)
	}
	return deps, cache.CombineDigests(digests), nil
}

// consultCache resolves the fingerprint against the cache. done=true means
// the returned result settles the attempt; done=false means compute fresh,
// holding the lease if one was acquired.
func (s *scheduler) consultCache(ctx workflow.Context, task *taskgraph.Task, tier taskgraph.Tier, fp string, attempt int) (*taskgraph.TaskResult, bool) {
	if look := s.lookup(ctx, fp); look != nil && look.Hit {
		if res, ok := s.adoptHit(ctx, task, tier, fp, look, attempt); ok {
			return res, true
		}
		return nil, false
	}

	if acq := s.acquireLease(ctx, fp, task.ID); acq == nil || acq.Acquired {
		return nil, false
	}

	// Another attempt holds the lease. Poll for its entry until the lease
	// TTL elapses, then take over rather than wait forever.
	deadline := workflow.Now(ctx).Add(cache.DefaultLeaseTTL)
	for workflow.Now(ctx).Before(deadline) {
		if err := workflow.Sleep(ctx, followerPollInterval); err != nil {
			return cancelledResult(task.ID, attempt, "cancelled waiting for lease holder"), true
		}
		if s.cfg.Handler.IsCancelled() {
			return cancelledResult(task.ID, attempt, "run cancelled"), true
		}
		if look := s.lookup(ctx, fp); look != nil && look.Hit {
			if res, ok := s.adoptHit(ctx, task, tier, fp, look, attempt); ok {
				return res, true
			}
			return nil, false
		}
		if acq := s.acquireLease(ctx, fp, task.ID); acq == nil || acq.Acquired {
			return nil, false
		}
	}
	s.logger.Warn("Lease holder produced no entry within TTL, computing",
		"task_id", task.ID, "fingerprint", fp)
	return nil, false
}

// adoptHit converts a cache entry into a skipped_cached result. Cross-tenant
// entries are re-moderated under the consuming tenant's rules before any
// bytes are copied; a block falls back to fresh compute without evicting the
// producer's entry.
func (s *scheduler) adoptHit(ctx workflow.Context, task *taskgraph.Task, tier taskgraph.Tier, fp string, look *activities.CacheLookupResult, attempt int) (*taskgraph.TaskResult, bool) {
	entry := look.Entry
	if entry == nil {
		return nil, false
	}

	if look.CrossTenant {
		mod := s.moderateCacheReuse(ctx, task, entry)
		if mod == nil {
			// Checker unreachable: fresh compute is the safe direction.
			return nil, false
		}
		sev := moderation.ParseSeverity(mod.Severity)
		if mod.Blocked {
			s.recordHit(ctx, task.ID, "cache_reuse", "blocked", mod.Severity, mod.Categories, mod.Explanation)
			s.emit(ctx, streaming.EventModerationFlagged, task.ID, "Cached result blocked for reuse", map[string]interface{}{
				"severity": mod.Severity,
				"stage":    "cache_reuse",
			})
			return nil, false
		}
		if moderation.Decide(sev) == moderation.DecisionRecord {
			s.recordHit(ctx, task.ID, "cache_reuse", "recorded", mod.Severity, mod.Categories, mod.Explanation)
		}
	}

	rctx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         dispatch.StorageRetryPolicy(),
	})
	var reh activities.RehydrateResult
	err := workflow.ExecuteActivity(rctx, constants.RehydrateCachedResultActivity, activities.RehydrateInput{
		WorkflowID:  s.cfg.WorkflowID,
		TaskID:      task.ID,
		TenantID:    s.cfg.Request.TenantID,
		UserID:      s.cfg.Request.UserID,
		Tier:        string(tier),
		Fingerprint: fp,
		Entry:       *entry,
	}).Get(ctx, &reh)
	if err != nil {
		s.logger.Warn("Cache rehydration failed, computing fresh",
			"task_id", task.ID, "error", err)
		return nil, false
	}

	// The hit reuses the producer's outputs at zero marginal cost.
	md := entry.Metadata
	md.CacheHit = true
	md.TokensIn, md.TokensOut = 0, 0
	md.CostUSD = 0
	md.LatencyMS = 0

	s.emit(ctx, streaming.EventCacheHit, task.ID, "Reused cached result", map[string]interface{}{
		"fingerprint":  fp,
		"cross_tenant": look.CrossTenant,
	})
	return &taskgraph.TaskResult{
		TaskID:        task.ID,
		Status:        taskgraph.StatusSkippedCached,
		Files:         entry.Files,
		Summary:       entry.Summary,
		OutputsDigest: entry.OutputsDigest,
		Metadata:      md,
		Attempt:       attempt,
	}, true
}

// moderateCacheReuse re-checks a cross-tenant entry's stored output. The
// producer coordinates address the bytes; the consuming tenant selects the
// rule overlay. nil means the check itself failed.
func (s *scheduler) moderateCacheReuse(ctx workflow.Context, task *taskgraph.Task, entry *cache.Entry) *activities.ModerateResult {
	mctx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: moderateTimeout,
		RetryPolicy:         dispatch.ModerationRetryPolicy(),
	})
	var mod activities.ModerateResult
	err := workflow.ExecuteActivity(mctx, constants.ModerateContentActivity, activities.ModerateInput{
		WorkflowID:  entry.ProducerWorkflow,
		TaskID:      entry.ProducerTask,
		TenantID:    s.cfg.Request.TenantID,
		UserID:      s.cfg.Request.UserID,
		LoadOutputs: true,
		Context:     moderation.ContextAgentOutput,
		Stage:       "cache_reuse",
	}).Get(ctx, &mod)
	if err != nil {
		s.logger.Warn("Cache reuse moderation failed, computing fresh",
			"task_id", task.ID, "producer_workflow", entry.ProducerWorkflow, "error", err)
		return nil
	}
	return &mod
}

func (s *scheduler) lookup(ctx workflow.Context, fp string) *activities.CacheLookupResult {
	actx := opts.WithBookkeepingOptions(ctx)
	var out activities.CacheLookupResult
	err := workflow.ExecuteActivity(actx, constants.LookupCachedResultActivity, activities.CacheLookupInput{
		Fingerprint: fp,
		TenantID:    s.cfg.Request.TenantID,
	}).Get(ctx, &out)
	if err != nil {
		s.logger.Warn("Cache lookup failed, treating as miss", "error", err)
		return nil
	}
	return &out
}

func (s *scheduler) acquireLease(ctx workflow.Context, fp, taskID string) *activities.LeaseResult {
	actx := opts.WithBookkeepingOptions(ctx)
	var out activities.LeaseResult
	err := workflow.ExecuteActivity(actx, constants.AcquireComputeLeaseActivity, activities.LeaseInput{
		Fingerprint: fp,
		Owner:       s.cfg.WorkflowID + "/" + taskID,
	}).Get(ctx, &out)
	if err != nil {
		s.logger.Warn("Lease acquire failed, computing without single-flight", "error", err)
		return nil
	}
	return &out
}

// releaseLease is best-effort: the lease self-expires, and release compares
// owners server-side, so releasing a lease we never held is a no-op.
func (s *scheduler) releaseLease(ctx workflow.Context, fp, taskID string) {
	actx := opts.WithBookkeepingOptions(ctx)
	err := workflow.ExecuteActivity(actx, constants.ReleaseComputeLeaseActivity, activities.LeaseInput{
		Fingerprint: fp,
		Owner:       s.cfg.WorkflowID + "/" + taskID,
	}).Get(ctx, nil)
	if err != nil {
		s.logger.Warn("Lease release failed, lease will expire", "task_id", taskID, "error", err)
	}
}

// waitCooldown blocks until the tier's rate-limit gate has passed. Other
// coroutines may push the gate further while we sleep, so re-check.
func (s *scheduler) waitCooldown(ctx workflow.Context, tier taskgraph.Tier) error {
	for {
		until, ok := s.cooldownUntil[tier]
		if !ok || !workflow.Now(ctx).Before(until) {
			return nil
		}
		if err := workflow.Sleep(ctx, until.Sub(workflow.Now(ctx))); err != nil {
			return err
		}
	}
}

// bumpCooldown widens the tier's dispatch gate after a rate-limit failure.
func (s *scheduler) bumpCooldown(ctx workflow.Context, tier taskgraph.Tier) {
	streak := s.cooldownStreak[tier] + 1
	s.cooldownStreak[tier] = streak

	d := cooldownBase
	for i := 1; i < streak && d < cooldownMax; i++ {
		d *= 2
	}
	if d > cooldownMax {
		d = cooldownMax
	}
	until := workflow.Now(ctx).Add(d)
	if until.After(s.cooldownUntil[tier]) {
		s.cooldownUntil[tier] = until
	}
	s.logger.Info("Tier cooling down after rate limit",
		"tier", string(tier), "streak", streak, "duration", d.String())
}

func (s *scheduler) clearCooldown(tier taskgraph.Tier) {
	if s.cooldownStreak[tier] != 0 {
		s.cooldownStreak[tier] = 0
	}
}

// execute runs the agent activity for one attempt and classifies failures
// into the retryable/permanent split the loop acts on.
func (s *scheduler) execute(ctx workflow.Context, task *taskgraph.Task, tier taskgraph.Tier, deps []activities.DependencySummary, attempt int) *taskgraph.TaskResult {
	feedback := s.cfg.Handler.FeedbackFor(task.ID)
	feedback = append(feedback, s.feedback[task.ID]...)

	hb := s.cfg.HeartbeatEvery
	if hb <= 0 {
		hb = 10 * time.Second
	}
	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: dispatch.TimeoutFor(*task, tier),
		HeartbeatTimeout:    3 * hb,
		RetryPolicy:         dispatch.RetryPolicyFor(tier, s.cfg.Mode),
	})

	var res taskgraph.TaskResult
	err := workflow.ExecuteActivity(actx, constants.ExecuteTaskActivity, activities.ExecuteTaskInput{
		WorkflowID:   s.cfg.WorkflowID,
		TenantID:     s.cfg.Request.TenantID,
		UserID:       s.cfg.Request.UserID,
		Task:         *task,
		Tier:         tier,
		Mode:         s.cfg.Mode,
		Constraints:  s.cfg.Request.Constraints,
		Dependencies: deps,
		Feedback:     feedback,
	}).Get(ctx, &res)
	if err != nil {
		kind := ErrorKindOf(err)
		if kind == taskgraph.ErrRateLimited {
			s.bumpCooldown(ctx, tier)
		}
		status := taskgraph.StatusFailedPermanent
		switch {
		case kind == taskgraph.ErrCancelled:
			status = taskgraph.StatusCancelled
		case kind.Retryable():
			status = taskgraph.StatusFailedRetryable
		}
		return &taskgraph.TaskResult{
			TaskID:   task.ID,
			Status:   status,
			Error:    taskgraph.NewTypedError(kind, ErrorMessageOf(err), nil),
			Attempt:  attempt,
			Metadata: taskgraph.ResultMetadata{TierUsed: tier},
		}
	}

	s.clearCooldown(tier)
	res.TaskID = task.ID
	res.Attempt = attempt
	return &res
}

// assess runs the validation mesh and output moderation over a succeeded
// attempt and settles the final status. A moderation block beats any score;
// the score threshold applies only when mesh stages actually ran, so a
// skipped or degraded mesh cannot fail a task on the safety stage alone.
func (s *scheduler) assess(ctx workflow.Context, task *taskgraph.Task, res *taskgraph.TaskResult) *taskgraph.TaskResult {
	var stages []validation.StageResult
	meshRan := false
	runtimeSkipped := false

	if !s.cfg.SkipValidation {
		vctx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: validateTimeout,
			RetryPolicy:         dispatch.ValidationRetryPolicy(),
		})
		var vres activities.ValidateResult
		err := workflow.ExecuteActivity(vctx, constants.ValidateOutputsActivity, activities.ValidateInput{
			WorkflowID: s.cfg.WorkflowID,
			TaskID:     task.ID,
			Language:   s.cfg.Request.Constraints.Language,
			Mode:       s.cfg.Mode,
			Threshold:  s.cfg.Threshold,
		}).Get(ctx, &vres)
		if err != nil {
			s.logger.Warn("Validation mesh unavailable, degrading to content safety only",
				"task_id", task.ID, "error", err)
		} else {
			stages = vres.Stages
			meshRan = len(vres.Stages) > 0
			runtimeSkipped = vres.RuntimeSkipped
		}
	}

	mod := s.moderateOutput(ctx, task)
	sev := moderation.ParseSeverity(mod.Severity)
	stages = append(stages, validation.ContentSafetyStage(sev, mod.Degraded))

	report := validation.BuildReport(stages)
	res.Metadata.ValidationScore = report.OverallScore
	res.Metadata.HAPSeverity = mod.Severity
	res.Metadata.RuntimeSkipped = runtimeSkipped || report.RuntimeSkipped

	s.emit(ctx, streaming.EventValidationScored, task.ID, fmt.Sprintf("Validation score %.2f", report.OverallScore), map[string]interface{}{
		"score":     report.OverallScore,
		"threshold": s.cfg.Threshold,
		"stages":    len(report.Stages),
	})

	if mod.Blocked {
		s.recordHit(ctx, task.ID, "task_output", "blocked", mod.Severity, mod.Categories, mod.Explanation)
		s.emit(ctx, streaming.EventModerationFlagged, task.ID, "Output blocked by content safety", map[string]interface{}{
			"severity": mod.Severity,
			"stage":    "task_output",
		})
		res.Status = taskgraph.StatusFailedPermanent
		res.Error = taskgraph.NewTypedError(taskgraph.ErrPolicyBlocked,
			"output blocked by content safety ("+mod.Severity+")",
			map[string]interface{}{"categories": mod.Categories})
		return res
	}
	if moderation.Decide(sev) == moderation.DecisionRecord {
		s.recordHit(ctx, task.ID, "task_output", "recorded", mod.Severity, mod.Categories, mod.Explanation)
	}

	if meshRan && !report.Meets(s.cfg.Threshold) {
		if s.cfg.Mode == models.ModeRobust && len(s.feedback[task.ID]) == 0 {
			// One corrective attempt with the mesh's suggestions folded into
			// the prompt. A second miss is final.
			s.feedback[task.ID] = retrySuggestions(report, s.cfg.Threshold)
			res.Status = taskgraph.StatusFailedRetryable
			res.Error = taskgraph.NewTypedError(taskgraph.ErrValidationFailed,
				fmt.Sprintf("score %.2f below threshold %.2f", report.OverallScore, s.cfg.Threshold), nil)
			return res
		}
		res.Status = taskgraph.StatusFailedPermanent
		res.Error = taskgraph.NewTypedError(taskgraph.ErrValidationFailed,
			fmt.Sprintf("score %.2f below threshold %.2f", report.OverallScore, s.cfg.Threshold), nil)
		return res
	}
	return res
}

// moderateOutput checks the attempt's stored outputs. The activity fails
// open for agent output, so an error here means even the degraded path
// failed; treat it as a clean degraded verdict rather than failing the task.
func (s *scheduler) moderateOutput(ctx workflow.Context, task *taskgraph.Task) *activities.ModerateResult {
	mctx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: moderateTimeout,
		RetryPolicy:         dispatch.ModerationRetryPolicy(),
	})
	var mod activities.ModerateResult
	err := workflow.ExecuteActivity(mctx, constants.ModerateContentActivity, activities.ModerateInput{
		WorkflowID:  s.cfg.WorkflowID,
		TaskID:      task.ID,
		TenantID:    s.cfg.Request.TenantID,
		UserID:      s.cfg.Request.UserID,
		LoadOutputs: true,
		Context:     moderation.ContextAgentOutput,
		Stage:       "task_output",
	}).Get(ctx, &mod)
	if err != nil {
		s.logger.Warn("Output moderation failed after retries, failing open",
			"task_id", task.ID, "error", err)
		return &activities.ModerateResult{Severity: moderation.SeverityClean.String(), Degraded: true}
	}
	return &mod
}

func (s *scheduler) recordHit(ctx workflow.Context, taskID, stage, action, severity string, categories []string, excerpt string) {
	actx := opts.WithBookkeepingOptions(ctx)
	err := workflow.ExecuteActivity(actx, constants.RecordModerationHitActivity, activities.ModerationHitInput{
		WorkflowID: s.cfg.WorkflowID,
		TaskID:     taskID,
		TenantID:   s.cfg.Request.TenantID,
		UserID:     s.cfg.Request.UserID,
		Stage:      stage,
		Severity:   severity,
		Categories: categories,
		Action:     action,
		Excerpt:    excerpt,
	}).Get(ctx, nil)
	if err != nil {
		s.logger.Warn("Moderation hit record failed", "task_id", taskID, "error", err)
	}
}

// storeCache publishes a storable result under its fingerprint. Best-effort:
// the run's outcome never depends on the cache accepting the entry.
func (s *scheduler) storeCache(ctx workflow.Context, task *taskgraph.Task, fp string, res *taskgraph.TaskResult) {
	if fp == "" || !cache.Storable(task, res) {
		return
	}
	actx := opts.WithBookkeepingOptions(ctx)
	err := workflow.ExecuteActivity(actx, constants.StoreCachedResultActivity, activities.CacheStoreInput{
		Fingerprint: fp,
		Entry: cache.Entry{
			Files:            res.Files,
			Summary:          res.Summary,
			OutputsDigest:    res.OutputsDigest,
			Metadata:         res.Metadata,
			ProducerTenant:   s.cfg.Request.TenantID,
			ProducerWorkflow: s.cfg.WorkflowID,
			ProducerTask:     task.ID,
			StoredAt:         workflow.Now(ctx),
		},
	}).Get(ctx, nil)
	if err != nil {
		s.logger.Warn("Cache store failed", "task_id", task.ID, "error", err)
	}
}

func (s *scheduler) handleCompletion(ctx workflow.Context, c *completion) {
	s.inFlight--
	res := c.res
	task := s.graph.Task(c.taskID)

	if res.Status == taskgraph.StatusFailedRetryable && task != nil && s.attempts[c.taskID] < s.maxAttempts(task) {
		s.results[c.taskID] = res
		s.logger.Info("Re-dispatching task",
			"task_id", c.taskID,
			"attempt", res.Attempt,
			"kind", string(kindOfResult(res)))
		s.emit(ctx, streaming.EventTaskFailed, c.taskID, "Attempt failed, retrying", map[string]interface{}{
			"attempt":    res.Attempt,
			"will_retry": true,
			"error_kind": string(kindOfResult(res)),
		})
		s.ready = append(s.ready, c.taskID)
		s.graph.SortReady(s.ready)
		return
	}
	if res.Status == taskgraph.StatusFailedRetryable {
		res.Status = taskgraph.StatusFailedPermanent
	}

	s.results[c.taskID] = res
	if s.cfg.OnTaskDone != nil {
		s.cfg.OnTaskDone(c.taskID, res)
	}

	switch {
	case res.Succeeded():
		s.emit(ctx, streaming.EventTaskCompleted, c.taskID, "Task completed", map[string]interface{}{
			"status":  string(res.Status),
			"attempt": res.Attempt,
			"files":   len(res.Files),
		})
		s.advanceDependents(c.taskID)
	case res.Status == taskgraph.StatusFailedPermanent:
		s.emit(ctx, streaming.EventTaskFailed, c.taskID, "Task failed", map[string]interface{}{
			"attempt":    res.Attempt,
			"will_retry": false,
			"error_kind": string(kindOfResult(res)),
		})
		s.noteFailure(res)
		s.cascadeCancel(c.taskID)
	}
	// StatusCancelled: recorded as-is. Its dependents never become ready and
	// are settled at finish.
}

func (s *scheduler) advanceDependents(taskID string) {
	for _, dep := range s.graph.Dependents(taskID) {
		if res := s.results[dep]; res != nil && res.Status.Terminal() {
			continue
		}
		s.waiting[dep]--
		if s.waiting[dep] == 0 {
			s.ready = append(s.ready, dep)
		}
	}
	s.graph.SortReady(s.ready)
}

// cascadeCancel settles every transitive dependent of a failed task as
// cancelled so the rest of the graph keeps running while this branch dies.
// Dependents are never in flight here: they were still waiting on the task
// that just failed.
func (s *scheduler) cascadeCancel(taskID string) {
	for _, dep := range s.graph.TransitiveDependents(taskID) {
		if res := s.results[dep]; res != nil && res.Status.Terminal() {
			continue
		}
		res := &taskgraph.TaskResult{
			TaskID: dep,
			Status: taskgraph.StatusCancelled,
			Error: taskgraph.NewTypedError(taskgraph.ErrCancelled,
				"dependency "+taskID+" failed",
				map[string]interface{}{"failed_dependency": taskID}),
		}
		s.results[dep] = res
		if s.cfg.OnTaskDone != nil {
			s.cfg.OnTaskDone(dep, res)
		}
	}
}

func (s *scheduler) noteFailure(res *taskgraph.TaskResult) {
	if s.firstErr != nil {
		return
	}
	if res.Error != nil {
		s.firstErr = res.Error
		return
	}
	s.firstErr = taskgraph.NewTypedError(taskgraph.ErrInternal, "task "+res.TaskID+" failed", nil)
}

// fatal reports a failure class that invalidates the whole run rather than
// one branch.
func (s *scheduler) fatal() bool {
	return s.firstErr != nil && s.firstErr.Kind == taskgraph.ErrQuotaExceeded
}

// drain gives in-flight attempts the grace period to come back, then
// abandons the rest. Results landing during the drain are discarded and the
// task recorded as cancelled: a result that arrives after the cancel
// decision must not resurrect a branch.
func (s *scheduler) drain(ctx workflow.Context) {
	if s.inFlight == 0 {
		return
	}
	grace := s.cfg.DrainGrace
	if grace <= 0 {
		grace = defaultDrainGrace
	}
	s.logger.Info("Draining in-flight tasks", "in_flight", s.inFlight, "grace", grace.String())

	timerCtx, cancelTimer := workflow.WithCancel(ctx)
	defer cancelTimer()
	timer := workflow.NewTimer(timerCtx, grace)

	expired := false
	sel := workflow.NewSelector(ctx)
	sel.AddReceive(s.completionCh, func(ch workflow.ReceiveChannel, more bool) {
		var c completion
		ch.Receive(ctx, &c)
		s.inFlight--
		s.results[c.taskID] = cancelledResult(c.taskID, c.res.Attempt, "cancelled during drain")
	})
	sel.AddFuture(timer, func(f workflow.Future) {
		expired = true
	})
	for s.inFlight > 0 && !expired {
		sel.Select(ctx)
	}
	if s.inFlight > 0 {
		s.logger.Warn("Drain grace expired with tasks still running", "in_flight", s.inFlight)
	}
}

// finish settles every task that never reached a terminal status and counts
// the outcome.
func (s *scheduler) finish() *Outcome {
	out := &Outcome{
		Results:    s.results,
		Cancelled:  s.cfg.Handler.IsCancelled(),
		FirstError: s.firstErr,
	}
	for i := range s.graph.Tasks {
		id := s.graph.Tasks[i].ID
		res := s.results[id]
		if res == nil || !res.Status.Terminal() {
			res = cancelledResult(id, s.attempts[id], "never dispatched")
			s.results[id] = res
			if s.cfg.OnTaskDone != nil {
				s.cfg.OnTaskDone(id, res)
			}
		}
		switch {
		case res.Succeeded():
			out.Succeeded++
			if res.Status == taskgraph.StatusSkippedCached {
				out.CacheHits++
			}
		case res.Status == taskgraph.StatusFailedPermanent:
			out.Failed++
		}
	}
	s.logger.Info("Scheduler finished",
		"succeeded", out.Succeeded,
		"failed", out.Failed,
		"cache_hits", out.CacheHits,
		"cancelled", out.Cancelled)
	return out
}

// emit publishes a progress event. One attempt, failure ignored: progress is
// advisory and never worth failing a task over.
func (s *scheduler) emit(ctx workflow.Context, typ streaming.EventType, taskID, msg string, data map[string]interface{}) {
	ectx := opts.WithEventOptions(ctx)
	_ = workflow.ExecuteActivity(ectx, constants.PublishProgressActivity, activities.ProgressEvent{
		WorkflowID: s.cfg.WorkflowID,
		Type:       string(typ),
		TaskID:     taskID,
		Message:    msg,
		Data:       data,
	}).Get(ctx, nil)
}

func cancelledResult(taskID string, attempt int, msg string) *taskgraph.TaskResult {
	return &taskgraph.TaskResult{
		TaskID:  taskID,
		Status:  taskgraph.StatusCancelled,
		Error:   taskgraph.NewTypedError(taskgraph.ErrCancelled, msg, nil),
		Attempt: attempt,
	}
}

func kindOfResult(res *taskgraph.TaskResult) taskgraph.ErrorKind {
	if res.Error != nil {
		return res.Error.Kind
	}
	return taskgraph.ErrInternal
}

// ErrorKindOf recovers the stable error kind from an activity error. The
// activity layer encodes kinds as the application error type; anything else
// maps by error class.
func ErrorKindOf(err error) taskgraph.ErrorKind {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		if k := taskgraph.ErrorKind(appErr.Type()); k.Valid() {
			return k
		}
		return taskgraph.ErrInternal
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return taskgraph.ErrTransientNetwork
	}
	var canceledErr *temporal.CanceledError
	if errors.As(err, &canceledErr) {
		return taskgraph.ErrCancelled
	}
	return taskgraph.ErrInternal
}

// ErrorMessageOf extracts the human message without the SDK's wrapping.
func ErrorMessageOf(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	return err.Error()
}

// retrySuggestions flattens the report's failing-stage suggestions into
// feedback lines for the corrective attempt.
func retrySuggestions(report validation.Report, threshold float64) []string {
	var out []string
	for _, st := range report.Stages {
		if st.Skipped || st.Passed {
			continue
		}
		for _, sg := range st.Suggestions {
			if sg != "" {
				out = append(out, st.Name+": "+sg)
			}
		}
	}
	if len(out) == 0 {
		out = append(out, fmt.Sprintf(
			"previous attempt scored %.2f, below the %.2f bar; fix failing checks and regenerate",
			report.OverallScore, threshold))
	}
	return out
}
