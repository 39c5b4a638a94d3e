// Package dispatch holds the pure decision rules for agent invocation: tier
// selection, per-tier deadlines, retry policies and failure classification.
// Everything here is deterministic so it is safe to call from workflow code.
package dispatch

import (
	"time"

	"go.temporal.io/sdk/temporal"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
)

// Per-tier dispatch deadlines.
const (
	TimeoutT0 = 30 * time.Second
	TimeoutT1 = 60 * time.Second
	TimeoutT2 = 120 * time.Second
	TimeoutT3 = 180 * time.Second
)

// SelectTier resolves the model tier for a task. Order: options.TierOverride
// wins over everything, then the task's own hint, then a kind heuristic.
func SelectTier(task taskgraph.Task, opts models.GenerationOptions) taskgraph.Tier {
	if t := taskgraph.Tier(opts.TierOverride); t.Valid() {
		return t
	}
	if task.TierHint.Valid() {
		return task.TierHint
	}
	return tierForKind(task.Kind)
}

// tierForKind is the fallback heuristic when decomposition supplied no hint.
// Docs are cheap, tests need some care, implementation needs real capability,
// review and integration see the whole tree. Design sits with implementation:
// it shapes code but is always re-checked by review.
func tierForKind(kind taskgraph.Kind) taskgraph.Tier {
	switch kind {
	case taskgraph.KindDoc:
		return taskgraph.TierT0
	case taskgraph.KindTest:
		return taskgraph.TierT1
	case taskgraph.KindDesign, taskgraph.KindImplement:
		return taskgraph.TierT2
	case taskgraph.KindReview, taskgraph.KindIntegrate:
		return taskgraph.TierT3
	}
	return taskgraph.TierT2
}

// tierRank orders tiers by capability for cap comparisons.
func tierRank(t taskgraph.Tier) int {
	switch t {
	case taskgraph.TierT0:
		return 0
	case taskgraph.TierT1:
		return 1
	case taskgraph.TierT2:
		return 2
	case taskgraph.TierT3:
		return 3
	}
	return -1
}

// CapTier clamps a selected tier to the admission policy's ceiling. An
// invalid or empty cap leaves the selection alone.
func CapTier(tier, cap taskgraph.Tier) taskgraph.Tier {
	if !cap.Valid() || !tier.Valid() {
		return tier
	}
	if tierRank(tier) > tierRank(cap) {
		return cap
	}
	return tier
}

// TimeoutForTier returns the default dispatch deadline for a tier.
func TimeoutForTier(tier taskgraph.Tier) time.Duration {
	switch tier {
	case taskgraph.TierT0:
		return TimeoutT0
	case taskgraph.TierT1:
		return TimeoutT1
	case taskgraph.TierT2:
		return TimeoutT2
	case taskgraph.TierT3:
		return TimeoutT3
	}
	return TimeoutT2
}

// TimeoutFor returns the dispatch deadline for a task: the task's own
// timeout when set, otherwise the tier default.
func TimeoutFor(task taskgraph.Task, tier taskgraph.Tier) time.Duration {
	if task.TimeoutSeconds > 0 {
		return time.Duration(task.TimeoutSeconds) * time.Second
	}
	return TimeoutForTier(tier)
}

// RetryPolicyFor builds the activity retry policy for agent dispatch.
// Robust mode doubles the attempt budget; policy blocks and invalid inputs
// never retry.
func RetryPolicyFor(tier taskgraph.Tier, mode string) *temporal.RetryPolicy {
	attempts := int32(3)
	if mode == models.ModeRobust {
		attempts = 6
	}
	return &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    TimeoutForTier(tier) / 2,
		MaximumAttempts:    attempts,
		NonRetryableErrorTypes: []string{
			string(taskgraph.ErrPolicyBlocked),
			string(taskgraph.ErrInvalidInput),
		},
	}
}

// StorageRetryPolicy is the policy for persistence-class activities.
func StorageRetryPolicy() *temporal.RetryPolicy {
	return &temporal.RetryPolicy{
		InitialInterval:    500 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Second,
		MaximumAttempts:    5,
	}
}

// ValidationRetryPolicy retries mesh transport errors. Malformed inputs
// never retry.
func ValidationRetryPolicy() *temporal.RetryPolicy {
	return &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    15 * time.Second,
		MaximumAttempts:    3,
		NonRetryableErrorTypes: []string{
			string(taskgraph.ErrInvalidInput),
		},
	}
}

// ModerationRetryPolicy retries moderation transport errors but never policy
// rejections.
func ModerationRetryPolicy() *temporal.RetryPolicy {
	return &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Second,
		MaximumAttempts:    3,
		NonRetryableErrorTypes: []string{
			string(taskgraph.ErrPolicyBlocked),
		},
	}
}

// ClassifyHTTPStatus maps a collaborator HTTP status to an error kind.
// Statuses below 400 classify as the empty kind.
func ClassifyHTTPStatus(status int) taskgraph.ErrorKind {
	switch {
	case status < 400:
		return ""
	case status == 429:
		return taskgraph.ErrRateLimited
	case status == 408 || status >= 500:
		return taskgraph.ErrTransientNetwork
	default:
		return taskgraph.ErrInvalidInput
	}
}
