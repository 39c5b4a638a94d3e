package taskgraph

// TaskStatus is the terminal disposition of a task attempt.
type TaskStatus string

const (
	StatusSucceeded       TaskStatus = "succeeded"
	StatusFailedPermanent TaskStatus = "failed_permanent"
	StatusFailedRetryable TaskStatus = "failed_retryable"
	StatusCancelled       TaskStatus = "cancelled"
	StatusSkippedCached   TaskStatus = "skipped_cached"
)

// Terminal reports whether the status ends the task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s != StatusFailedRetryable
}

// FileRef describes one produced file. Bytes live in the task-result store;
// workflow history only ever carries references.
type FileRef struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int    `json:"size"`
}

// ResultMetadata captures execution observability per attempt.
type ResultMetadata struct {
	TierUsed        Tier    `json:"tier_used,omitempty"`
	Provider        string  `json:"provider,omitempty"`
	Model           string  `json:"model,omitempty"`
	TokensIn        int     `json:"tokens_in,omitempty"`
	TokensOut       int     `json:"tokens_out,omitempty"`
	LatencyMS       int64   `json:"latency_ms,omitempty"`
	CostUSD         float64 `json:"cost_usd,omitempty"`
	HAPSeverity     string  `json:"hap_severity,omitempty"`
	ValidationScore float64 `json:"validation_score,omitempty"`
	RuntimeSkipped  bool    `json:"runtime_skipped,omitempty"`
	CacheHit        bool    `json:"cache_hit,omitempty"`
}

// TaskResult is the output of one task attempt. On retry a new TaskResult
// supersedes the previous attempt's.
type TaskResult struct {
	TaskID        string         `json:"task_id"`
	Status        TaskStatus     `json:"status"`
	Files         []FileRef      `json:"files,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	OutputsDigest string         `json:"outputs_digest,omitempty"`
	Metadata      ResultMetadata `json:"metadata"`
	Error         *TypedError    `json:"error,omitempty"`
	Attempt       int            `json:"attempt,omitempty"`
}

// Succeeded reports whether the result represents usable output.
func (r *TaskResult) Succeeded() bool {
	return r != nil && (r.Status == StatusSucceeded || r.Status == StatusSkippedCached)
}
