package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB represents a PostgreSQL jsonb column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// StringSlice stores a []string as a jsonb array column.
type StringSlice []string

// Value implements the driver.Valuer interface
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal([]string(s))
}

// Scan implements the sql.Scanner interface
func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into StringSlice", value)
	}

	return json.Unmarshal(bytes, s)
}

// GenerationRun is the durable lifecycle record of one generation workflow.
// Rows are upserted by workflow_id: started once, then updated as the run
// progresses and terminates. The status API falls back to this row when the
// workflow is no longer queryable.
type GenerationRun struct {
	ID          uuid.UUID `db:"id"`
	WorkflowID  string    `db:"workflow_id"`
	RequestID   string    `db:"request_id"`
	TenantID    string    `db:"tenant_id"`
	UserID      string    `db:"user_id"`
	Description string    `db:"description"`
	Mode        string    `db:"mode"`
	Status      string    `db:"status"`

	// Task counters snapshot
	TasksTotal  int `db:"tasks_total"`
	TasksDone   int `db:"tasks_done"`
	TasksFailed int `db:"tasks_failed"`

	// Cost rollup
	TokensIn  int     `db:"tokens_in"`
	TokensOut int     `db:"tokens_out"`
	CostUSD   float64 `db:"cost_usd"`

	CapsuleID    *uuid.UUID `db:"capsule_id"`
	ErrorMessage *string    `db:"error_message"`

	StartedAt   time.Time  `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`

	Metadata  JSONB     `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

// UsageRecord is one append-only cost ledger row per LLM invocation. Cache
// hits are recorded as zero-token rows so per-run accounting still balances.
// Rows are never updated; aggregation happens in the llm_usage_* views.
type UsageRecord struct {
	ID         uuid.UUID `db:"id"`
	WorkflowID string    `db:"workflow_id"`
	TaskID     string    `db:"task_id"`
	TenantID   string    `db:"tenant_id"`
	UserID     string    `db:"user_id"`
	Provider   string    `db:"provider"`
	Model      string    `db:"model"`
	Tier       string    `db:"tier"`
	TokensIn   int       `db:"tokens_in"`
	TokensOut  int       `db:"tokens_out"`
	CostUSD    float64   `db:"cost_usd"`
	LatencyMS  int64     `db:"latency_ms"`
	CacheHit   bool      `db:"cache_hit"`

	// Attempt disambiguates retried activity executions; (workflow_id,
	// task_id, attempt) is unique so replayed writes are no-ops.
	Attempt int `db:"attempt"`

	CreatedAt time.Time `db:"created_at"`
}

// HAPViolation is one append-only moderation violation row.
type HAPViolation struct {
	ID         uuid.UUID   `db:"id"`
	WorkflowID string      `db:"workflow_id"`
	TaskID     string      `db:"task_id"`
	TenantID   string      `db:"tenant_id"`
	UserID     string      `db:"user_id"`
	Stage      string      `db:"stage"` // request | task_output | cache_reuse
	Severity   string      `db:"severity"`
	Categories StringSlice `db:"categories"`
	Action     string      `db:"action"` // blocked | flagged
	Excerpt    string      `db:"excerpt"`
	CreatedAt  time.Time   `db:"created_at"`
}

// UserRiskScore aggregates moderation violations per (tenant, user). Updated
// in place on each violation; exposed to tenant rules for repeat offenders.
type UserRiskScore struct {
	TenantID        string    `db:"tenant_id"`
	UserID          string    `db:"user_id"`
	Violations      int       `db:"violations"`
	Score           float64   `db:"score"`
	LastViolationAt time.Time `db:"last_violation_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// Capsule is the manifest row of a persisted capsule. File contents live in
// capsule_blobs keyed by sha256; capsule_files maps paths to blobs.
type Capsule struct {
	ID          uuid.UUID   `db:"id"`
	RequestID   string      `db:"request_id"`
	WorkflowID  string      `db:"workflow_id"`
	TenantID    string      `db:"tenant_id"`
	Languages   StringSlice `db:"languages"`
	EntryPoints StringSlice `db:"entry_points"`
	FileCount   int         `db:"file_count"`
	TotalBytes  int64       `db:"total_bytes"`
	Validation  JSONB       `db:"validation"`
	Cost        JSONB       `db:"cost"`
	Partial     bool        `db:"partial"`
	CreatedAt   time.Time   `db:"created_at"`
}

// CapsuleFileRow maps one capsule path to its content-addressed blob.
type CapsuleFileRow struct {
	CapsuleID uuid.UUID `db:"capsule_id"`
	Path      string    `db:"path"`
	SHA256    string    `db:"sha256"`
	Size      int       `db:"size"`
	Producer  string    `db:"producer"`
}

// TenantUsage is the quota ledger's view of one tenant's consumption inside
// a billing window.
type TenantUsage struct {
	TenantID    string  `db:"tenant_id"`
	TotalTokens int     `db:"total_tokens"`
	TotalCost   float64 `db:"total_cost"`
	Requests    int     `db:"requests"`
}
