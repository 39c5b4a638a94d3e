package models

import (
	"sort"
	"time"
)

// Generation modes
const (
	ModeBasic    = "basic"
	ModeComplete = "complete"
	ModeRobust   = "robust"
)

// ValidMode reports whether mode names a known generation mode.
func ValidMode(mode string) bool {
	switch mode {
	case ModeBasic, ModeComplete, ModeRobust:
		return true
	}
	return false
}

// Run statuses surfaced by the status API
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusPartial   = "partial"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// TerminalRunStatus reports whether the status ends a run's lifecycle.
func TerminalRunStatus(status string) bool {
	switch status {
	case RunStatusCompleted, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Constraints pin the target stack for generated code. They participate in
// cache fingerprints, so the canonical form must be stable.
type Constraints struct {
	Language  string            `json:"language,omitempty"`
	Framework string            `json:"framework,omitempty"`
	Database  string            `json:"database,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// CanonicalPairs returns the constraints as sorted "k=v" strings. Empty
// values are dropped so {"language":""} and {} fingerprint identically.
func (c Constraints) CanonicalPairs() []string {
	pairs := make([]string, 0, 3+len(c.Extra))
	if c.Language != "" {
		pairs = append(pairs, "language="+c.Language)
	}
	if c.Framework != "" {
		pairs = append(pairs, "framework="+c.Framework)
	}
	if c.Database != "" {
		pairs = append(pairs, "database="+c.Database)
	}
	for k, v := range c.Extra {
		if k != "" && v != "" {
			pairs = append(pairs, k+"="+v)
		}
	}
	sort.Strings(pairs)
	return pairs
}

// GenerationOptions tune a single run.
type GenerationOptions struct {
	Mode           string `json:"mode,omitempty"`
	TierOverride   string `json:"tier_override,omitempty"`
	SkipValidation bool   `json:"skip_validation,omitempty"`
	MaxConcurrency int    `json:"max_concurrency,omitempty"`
	DeliveryFormat string `json:"delivery_format,omitempty"`
}

// ExecutionRequest is the immutable input of one generation run. RequestID is
// the idempotency key: the workflow ID is derived from it and duplicate
// submissions attach to the original run.
type ExecutionRequest struct {
	RequestID    string            `json:"request_id"`
	TenantID     string            `json:"tenant_id"`
	UserID       string            `json:"user_id"`
	Description  string            `json:"description"`
	Requirements []string          `json:"requirements,omitempty"`
	Constraints  Constraints       `json:"constraints,omitempty"`
	Options      GenerationOptions `json:"options,omitempty"`
}

// CostSummary aggregates ledger rows for one run.
type CostSummary struct {
	TotalTokensIn  int     `json:"total_tokens_in"`
	TotalTokensOut int     `json:"total_tokens_out"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	LLMCalls       int     `json:"llm_calls"`
	CacheHits      int     `json:"cache_hits"`
}

// ValidationSummary aggregates per-task validation outcomes into the manifest.
type ValidationSummary struct {
	MeanScore    float64  `json:"mean_score"`
	MinScore     float64  `json:"min_score"`
	TasksScored  int      `json:"tasks_scored"`
	RuntimeSkips int      `json:"runtime_skips,omitempty"`
	Partial      bool     `json:"partial,omitempty"`
	FailedTasks  []string `json:"failed_tasks,omitempty"`
}

// CapsuleFile is one file of the assembled project tree. Content is carried
// only between assembly and persistence inside a single activity; stored rows
// reference the content-addressed blob by digest.
type CapsuleFile struct {
	Path     string `json:"path"`
	SHA256   string `json:"sha256"`
	Size     int    `json:"size"`
	Producer string `json:"producer,omitempty"`
	Content  []byte `json:"content,omitempty"`
}

// CapsuleManifest is the final artifact of a run. Files are ordered by path.
type CapsuleManifest struct {
	CapsuleID         string            `json:"capsule_id"`
	RequestID         string            `json:"request_id"`
	Files             []CapsuleFile     `json:"files"`
	Languages         []string          `json:"languages,omitempty"`
	EntryPoints       []string          `json:"entry_points,omitempty"`
	ValidationSummary ValidationSummary `json:"validation_summary"`
	CostSummary       CostSummary       `json:"cost_summary"`
	CreatedAt         time.Time         `json:"created_at"`
}

// StatusSnapshot is the payload of the get-status workflow query.
type StatusSnapshot struct {
	State           string  `json:"state"`
	PercentComplete float64 `json:"percent_complete"`
	CurrentStep     string  `json:"current_step"`
	TasksTotal      int     `json:"tasks_total"`
	TasksDone       int     `json:"tasks_done"`
	TasksFailed     int     `json:"tasks_failed"`
	CapsuleID       string  `json:"capsule_id,omitempty"`
}
