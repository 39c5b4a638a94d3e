package activities

import (
	"time"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/cache"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/memory"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/validation"
)

// DependencySummary is what a downstream task learns about a finished
// dependency: the condensed outcome, never the full output bytes.
type DependencySummary struct {
	TaskID        string   `json:"task_id"`
	Title         string   `json:"title,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	Files         []string `json:"files,omitempty"`
	OutputsDigest string   `json:"outputs_digest,omitempty"`
}

// DecomposeInput asks the Agent Factory planner for a task breakdown.
type DecomposeInput struct {
	Request  models.ExecutionRequest `json:"request"`
	Hints    []memory.Pattern        `json:"hints,omitempty"`
	MaxTasks int                     `json:"max_tasks,omitempty"`
}

// DecomposeResult carries the raw task list. The workflow compiles it into a
// graph; the activity has already verified it compiles.
type DecomposeResult struct {
	Tasks     []taskgraph.Task `json:"tasks"`
	PlanNotes string           `json:"plan_notes,omitempty"`
	TokensIn  int              `json:"tokens_in,omitempty"`
	TokensOut int              `json:"tokens_out,omitempty"`
	Model     string           `json:"model,omitempty"`
	Provider  string           `json:"provider,omitempty"`
}

// EvolveInput asks the planner to refine task prompts once, before
// scheduling starts.
type EvolveInput struct {
	Request models.ExecutionRequest `json:"request"`
	Tasks   []taskgraph.Task        `json:"tasks"`
}

// EvolveResult maps task id to replacement prompt. Only known ids with
// non-empty prompts survive; an empty map means the plan runs unchanged.
type EvolveResult struct {
	Prompts   map[string]string `json:"prompts,omitempty"`
	TokensIn  int               `json:"tokens_in,omitempty"`
	TokensOut int               `json:"tokens_out,omitempty"`
}

// ExecuteTaskInput is one agent dispatch.
type ExecuteTaskInput struct {
	WorkflowID   string              `json:"workflow_id"`
	TenantID     string              `json:"tenant_id"`
	UserID       string              `json:"user_id,omitempty"`
	Task         taskgraph.Task      `json:"task"`
	Tier         taskgraph.Tier      `json:"tier"`
	Mode         string              `json:"mode,omitempty"`
	Constraints  models.Constraints  `json:"constraints"`
	Dependencies []DependencySummary `json:"dependencies,omitempty"`
	Feedback     []string            `json:"feedback,omitempty"`
}

// ValidateInput runs the quality pipeline over a task's stored outputs.
// Threshold is advisory here; the pass decision happens in the workflow
// after the content safety stage is appended.
type ValidateInput struct {
	WorkflowID string  `json:"workflow_id"`
	TaskID     string  `json:"task_id"`
	Language   string  `json:"language,omitempty"`
	Mode       string  `json:"mode"`
	Threshold  float64 `json:"threshold,omitempty"`
}

// ValidateResult is the staged verdict before content safety.
type ValidateResult struct {
	Stages         []validation.StageResult `json:"stages"`
	MeshScore      float64                  `json:"mesh_score"`
	RuntimeSkipped bool                     `json:"runtime_skipped,omitempty"`
}

// ModerateInput is one content safety check. Context selects the outage
// policy; Stage labels any resulting violation row. LoadOutputs moderates
// the task's stored files instead of inline content, used when reused cache
// entries cross a tenant boundary.
type ModerateInput struct {
	WorkflowID  string `json:"workflow_id"`
	TaskID      string `json:"task_id,omitempty"`
	TenantID    string `json:"tenant_id"`
	UserID      string `json:"user_id,omitempty"`
	Content     string `json:"content,omitempty"`
	LoadOutputs bool   `json:"load_outputs,omitempty"`
	Context     string `json:"context"`
	Stage       string `json:"stage,omitempty"`
}

// ModerateResult is the post-overlay verdict.
type ModerateResult struct {
	Severity    string   `json:"severity"`
	Categories  []string `json:"categories,omitempty"`
	Explanation string   `json:"explanation,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Blocked     bool     `json:"blocked"`
	Degraded    bool     `json:"degraded,omitempty"`
}

// ModerationHitInput persists one flagged or blocked check.
type ModerationHitInput struct {
	WorkflowID string   `json:"workflow_id"`
	TaskID     string   `json:"task_id,omitempty"`
	TenantID   string   `json:"tenant_id"`
	UserID     string   `json:"user_id,omitempty"`
	Stage      string   `json:"stage"`
	Severity   string   `json:"severity"`
	Categories []string `json:"categories,omitempty"`
	Action     string   `json:"action"`
	Excerpt    string   `json:"excerpt,omitempty"`
}

// CacheLookupInput probes the fingerprint cache.
type CacheLookupInput struct {
	Fingerprint string `json:"fingerprint"`
	TenantID    string `json:"tenant_id"`
}

// CacheLookupResult reports a hit plus whether the producer was a different
// tenant, which forces re-moderation before reuse.
type CacheLookupResult struct {
	Hit         bool         `json:"hit"`
	Entry       *cache.Entry `json:"entry,omitempty"`
	CrossTenant bool         `json:"cross_tenant,omitempty"`
}

// CacheStoreInput writes one computed result into the fingerprint cache.
// TTLSeconds zero means the configured default.
type CacheStoreInput struct {
	Fingerprint string      `json:"fingerprint"`
	Entry       cache.Entry `json:"entry"`
	TTLSeconds  int         `json:"ttl_seconds,omitempty"`
}

// LeaseInput identifies a single-flight compute lease.
type LeaseInput struct {
	Fingerprint string `json:"fingerprint"`
	Owner       string `json:"owner"`
}

// LeaseResult reports acquisition; Holder names the current owner on a miss.
type LeaseResult struct {
	Acquired bool   `json:"acquired"`
	Holder   string `json:"holder,omitempty"`
}

// RehydrateInput copies a cached producer's output bytes into this
// workflow's result store keys so assembly finds them locally.
type RehydrateInput struct {
	WorkflowID  string      `json:"workflow_id"`
	TaskID      string      `json:"task_id"`
	TenantID    string      `json:"tenant_id,omitempty"`
	UserID      string      `json:"user_id,omitempty"`
	Tier        string      `json:"tier,omitempty"`
	Fingerprint string      `json:"fingerprint"`
	Entry       cache.Entry `json:"entry"`
}

// RehydrateResult reports whether the producer's bytes were still available.
// False downgrades the hit to a miss; the stale cache entry is dropped.
type RehydrateResult struct {
	Rehydrated bool `json:"rehydrated"`
}

// AssembleCapsuleInput builds and persists the final capsule. Tasks are the
// compiled plan's flat list; the activity re-derives the graph.
type AssembleCapsuleInput struct {
	WorkflowID string                           `json:"workflow_id"`
	Request    models.ExecutionRequest          `json:"request"`
	Tasks      []taskgraph.Task                 `json:"tasks"`
	Results    map[string]*taskgraph.TaskResult `json:"results"`
	Validation models.ValidationSummary         `json:"validation"`
	Cost       models.CostSummary               `json:"cost"`
}

// AssembleCapsuleResult references the persisted capsule; file contents stay
// out of workflow history.
type AssembleCapsuleResult struct {
	CapsuleID    string   `json:"capsule_id"`
	Deduplicated bool     `json:"deduplicated,omitempty"`
	Files        int      `json:"files"`
	Languages    []string `json:"languages,omitempty"`
	EntryPoints  []string `json:"entry_points,omitempty"`
	Partial      bool     `json:"partial,omitempty"`
	FailedTasks  []string `json:"failed_tasks,omitempty"`
}

// QuotaCheckInput gates one generation request against the tenant's monthly
// caps and request rate.
type QuotaCheckInput struct {
	TenantID        string `json:"tenant_id"`
	EstimatedTokens int    `json:"estimated_tokens,omitempty"`
}

// FinalizeLedgerInput reconciles a finished run against the usage table.
type FinalizeLedgerInput struct {
	WorkflowID string `json:"workflow_id"`
	TenantID   string `json:"tenant_id"`
}

// FinalizeLedgerResult carries the persisted totals, which include retries
// the workflow's in-memory rollup may have missed.
type FinalizeLedgerResult struct {
	TotalTokens  int     `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// RunRecordInput upserts the generation_runs row. Terminal statuses write
// through synchronously; progress updates ride the async queue.
type RunRecordInput struct {
	WorkflowID   string     `json:"workflow_id"`
	RequestID    string     `json:"request_id"`
	TenantID     string     `json:"tenant_id"`
	UserID       string     `json:"user_id,omitempty"`
	Description  string     `json:"description,omitempty"`
	Mode         string     `json:"mode,omitempty"`
	Status       string     `json:"status"`
	TasksTotal   int        `json:"tasks_total,omitempty"`
	TasksDone    int        `json:"tasks_done,omitempty"`
	TasksFailed  int        `json:"tasks_failed,omitempty"`
	TokensIn     int        `json:"tokens_in,omitempty"`
	TokensOut    int        `json:"tokens_out,omitempty"`
	CostUSD      float64    `json:"cost_usd,omitempty"`
	CapsuleID    string     `json:"capsule_id,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ProgressEvent is one user-visible progress update.
type ProgressEvent struct {
	WorkflowID string                 `json:"workflow_id"`
	Type       string                 `json:"type"`
	TaskID     string                 `json:"task_id,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// PlanHintsInput queries vector memory for prior build patterns.
type PlanHintsInput struct {
	Description string `json:"description"`
	TenantID    string `json:"tenant_id,omitempty"`
	Language    string `json:"language,omitempty"`
}

// PlanHintsResult is the ranked pattern list, possibly empty.
type PlanHintsResult struct {
	Patterns []memory.Pattern `json:"patterns,omitempty"`
}

// RecordPlanMemoryInput feeds a finished run's plan shape back to vector
// memory so similar future requests decompose faster.
type RecordPlanMemoryInput struct {
	RequestID   string   `json:"request_id"`
	TenantID    string   `json:"tenant_id,omitempty"`
	Description string   `json:"description"`
	Summary     string   `json:"summary,omitempty"`
	Languages   []string `json:"languages,omitempty"`
	TaskKinds   []string `json:"task_kinds,omitempty"`
	MeanScore   float64  `json:"mean_score,omitempty"`
	Mode        string   `json:"mode,omitempty"`
}
