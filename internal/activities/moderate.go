package activities

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/log"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/config"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/db"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/metrics"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/moderation"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
)

// maxModeratedBytes caps content sent to the checker. The head of the
// content carries the intent; sending megabytes buys nothing.
const maxModeratedBytes = 64 << 10

type hapRequest struct {
	Content  string `json:"content"`
	Context  string `json:"context"`
	TenantID string `json:"tenant_id,omitempty"`
}

type hapResponse struct {
	Severity    string      `json:"severity"`
	Categories  []string    `json:"categories"`
	Confidence  interface{} `json:"confidence"`
	Explanation string      `json:"explanation"`
	Suggestions []string    `json:"suggestions"`
}

// ModerateContent runs one content safety check and applies tenant overlays.
// The verdict comes back in the result, never as an error: a block decision
// must not look retryable. Checker outages follow the per-context posture:
// agent output degrades to a fail-open clean verdict, user requests surface
// TRANSIENT_NETWORK so the retry policy runs and exhaustion blocks the run.
func (a *Activities) ModerateContent(ctx context.Context, input ModerateInput) (*ModerateResult, error) {
	logger := activity.GetLogger(ctx)
	cfg := a.cfg()

	content := input.Content
	if content == "" && input.LoadOutputs && a.deps.Results != nil {
		files, err := a.deps.Results.Get(ctx, input.WorkflowID, input.TaskID)
		if err != nil {
			return nil, appError(taskgraph.NewTypedError(taskgraph.ErrTransientNetwork,
				"load outputs for moderation: "+err.Error(), nil))
		}
		content = flattenForModeration(files)
	}
	if !cfg.Moderation.Enabled || strings.TrimSpace(content) == "" {
		return &ModerateResult{Severity: moderation.SeverityClean.String()}, nil
	}

	payload := hapRequest{
		Content:  clip(content, maxModeratedBytes),
		Context:  input.Context,
		TenantID: input.TenantID,
	}
	var raw hapResponse
	err := postJSON(ctx, a.hapHTTP, cfg.Collaborators.Moderation.BaseURL, "/v1/check",
		cfg.Collaborators.Moderation.Timeout, payload, &raw)
	if err != nil {
		if kind := taskgraph.KindOf(err); !kind.Retryable() {
			return nil, appError(err)
		}
		if moderation.FailOpen(input.Context) {
			metrics.ModerationOutages.WithLabelValues("fail_open").Inc()
			logger.Warn("Moderation checker unavailable, failing open",
				"context", input.Context, "task_id", input.TaskID, "error", err)
			return &ModerateResult{
				Severity: moderation.SeverityClean.String(),
				Degraded: true,
			}, nil
		}
		metrics.ModerationOutages.WithLabelValues("fail_closed").Inc()
		logger.Warn("Moderation checker unavailable, failing closed",
			"context", input.Context, "error", err)
		return nil, appError(err)
	}

	base := moderation.CheckResult{
		Severity:    moderation.ParseSeverity(raw.Severity),
		Categories:  raw.Categories,
		Confidence:  parseFlexibleFloat(raw.Confidence),
		Explanation: raw.Explanation,
		Suggestions: raw.Suggestions,
	}
	checked := moderation.ApplyTenantRules(content, base,
		tenantRules(cfg, input.TenantID, logger), tenantWhitelist(cfg, input.TenantID))

	blocked := checked.Severity >= blockThreshold(cfg)
	metrics.ModerationChecks.WithLabelValues(input.Context, checked.Severity.String()).Inc()
	if blocked {
		metrics.ModerationBlocks.WithLabelValues(input.Context).Inc()
		logger.Info("Content blocked",
			"context", input.Context, "task_id", input.TaskID,
			"severity", checked.Severity.String(), "categories", checked.Categories)
	}

	return &ModerateResult{
		Severity:    checked.Severity.String(),
		Categories:  checked.Categories,
		Explanation: checked.Explanation,
		Suggestions: checked.Suggestions,
		Blocked:     blocked,
	}, nil
}

// RecordModerationHit persists one flagged or blocked check as a violation
// row plus a risk score bump. Split from the check so a retried check never
// duplicates rows.
func (a *Activities) RecordModerationHit(ctx context.Context, input ModerationHitInput) error {
	if a.deps.DB == nil {
		return nil
	}
	logger := activity.GetLogger(ctx)

	violation := db.HAPViolation{
		ID:         uuid.New(),
		WorkflowID: input.WorkflowID,
		TaskID:     input.TaskID,
		TenantID:   input.TenantID,
		UserID:     input.UserID,
		Stage:      input.Stage,
		Severity:   input.Severity,
		Categories: db.StringSlice(input.Categories),
		Action:     input.Action,
		Excerpt:    clip(input.Excerpt, 256),
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.deps.DB.QueueWrite(db.WriteTypeViolation, violation, nil); err != nil {
		return appError(taskgraph.NewTypedError(taskgraph.ErrTransientNetwork,
			"queue violation write: "+err.Error(), nil))
	}

	if input.UserID != "" {
		if w := riskWeight(input.Severity); w > 0 {
			if err := a.deps.DB.QueueWrite(db.WriteTypeRiskBump, db.RiskBump{
				TenantID: input.TenantID,
				UserID:   input.UserID,
				Weight:   w,
			}, nil); err != nil {
				logger.Warn("Risk bump write failed", "tenant_id", input.TenantID, "error", err)
			}
		}
	}
	return nil
}

// blockThreshold reads the configured blocking severity, defaulting to high.
func blockThreshold(cfg *config.PlatformConfig) moderation.Severity {
	sev := moderation.ParseSeverity(cfg.Moderation.BlockSeverity)
	if sev < moderation.SeverityMedium {
		return moderation.SeverityHigh
	}
	return sev
}

// tenantRules compiles the tenant's configured overlay rules. Patterns were
// validated at config load, so a compile failure here means the snapshot
// changed under us; the overlay is skipped for this check.
func tenantRules(cfg *config.PlatformConfig, tenantID string, logger log.Logger) []moderation.TenantRule {
	specs := cfg.Moderation.TenantRules[strings.ToLower(tenantID)]
	if len(specs) == 0 {
		return nil
	}
	rs := make([]moderation.RuleSpec, len(specs))
	for i, s := range specs {
		rs[i] = moderation.RuleSpec(s)
	}
	rules, err := moderation.CompileRules(rs)
	if err != nil {
		logger.Warn("Tenant moderation rules failed to compile", "tenant_id", tenantID, "error", err)
		return nil
	}
	return rules
}

// tenantWhitelist compiles the tenant's demotion patterns, dropping any that
// do not compile.
func tenantWhitelist(cfg *config.PlatformConfig, tenantID string) []*regexp.Regexp {
	patterns := cfg.Moderation.TenantWhitelist[strings.ToLower(tenantID)]
	if len(patterns) == 0 {
		return nil
	}
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}

// flattenForModeration folds stored files into checkable text, paths first
// and file heads after, in path order.
func flattenForModeration(files map[string][]byte) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, p := range paths {
		b.WriteString(p)
		b.WriteByte('\n')
		b.WriteString(clip(string(files[p]), 8<<10))
		b.WriteByte('\n')
		if b.Len() >= maxModeratedBytes {
			break
		}
	}
	return b.String()
}

// riskWeight maps a violation severity to its risk score contribution.
func riskWeight(severity string) float64 {
	switch moderation.ParseSeverity(severity) {
	case moderation.SeverityLow:
		return 0.5
	case moderation.SeverityMedium:
		return 1
	case moderation.SeverityHigh:
		return 2
	case moderation.SeverityCritical:
		return 4
	}
	return 0
}
