// Package validation aggregates the staged quality scores produced by the
// validation mesh into a single weighted score and maps generation modes to
// pass thresholds.
package validation

import (
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/moderation"
)

// Stage names in pipeline order. content_safety is appended locally from the
// post-moderation result, never returned by the mesh.
const (
	StageSyntax        = "syntax"
	StageStyle         = "style"
	StageSecurity      = "security"
	StageTypes         = "types"
	StageRuntime       = "runtime"
	StageContentSafety = "content_safety"
)

// StageResult is one stage's verdict. Score is in [0,1]. A skipped stage
// drops out of the weighted mean entirely.
type StageResult struct {
	Name        string   `json:"name"`
	Passed      bool     `json:"passed"`
	Score       float64  `json:"score"`
	Weight      float64  `json:"weight"`
	Details     string   `json:"details,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Skipped     bool     `json:"skipped,omitempty"`
}

// Report is the aggregated outcome for one task's outputs.
type Report struct {
	Stages         []StageResult `json:"stages"`
	OverallScore   float64       `json:"overall_score"`
	RuntimeSkipped bool          `json:"runtime_skipped,omitempty"`
}

// AggregateScore computes the weighted mean over non-skipped stages.
// Stages with zero weight count as weight 1 so a mesh that omits weights
// still aggregates sensibly. No scorable stages yields 0.
func AggregateScore(stages []StageResult) float64 {
	var sum, weights float64
	for _, st := range stages {
		if st.Skipped {
			continue
		}
		w := st.Weight
		if w <= 0 {
			w = 1
		}
		score := st.Score
		if score < 0 {
			score = 0
		} else if score > 1 {
			score = 1
		}
		sum += score * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// BuildReport aggregates stages into a Report, flagging a skipped runtime
// stage.
func BuildReport(stages []StageResult) Report {
	r := Report{Stages: stages, OverallScore: AggregateScore(stages)}
	for _, st := range stages {
		if st.Name == StageRuntime && st.Skipped {
			r.RuntimeSkipped = true
		}
	}
	return r
}

// ContentSafetyStage converts a moderation severity into the appended sixth
// stage. Blocking severities score zero and fail the stage.
func ContentSafetyStage(sev moderation.Severity, degraded bool) StageResult {
	st := StageResult{Name: StageContentSafety, Weight: 1}
	switch sev {
	case moderation.SeverityClean:
		st.Score = 1.0
	case moderation.SeverityLow:
		st.Score = 0.8
	case moderation.SeverityMedium:
		st.Score = 0.5
	default:
		st.Score = 0
	}
	st.Passed = moderation.Decide(sev) != moderation.DecisionBlock
	if degraded {
		st.Details = "checker degraded, fail-open"
	}
	return st
}

// Required reports whether the mode runs validation at all.
func Required(mode string) bool {
	return mode != models.ModeBasic
}

// ThresholdForMode returns the minimum passing overall score per mode.
// Basic mode skips validation, so its threshold is zero.
func ThresholdForMode(mode string) float64 {
	switch mode {
	case models.ModeRobust:
		return 0.8
	case models.ModeComplete:
		return 0.7
	}
	return 0
}

// Meets reports whether the report clears the threshold.
func (r Report) Meets(threshold float64) bool {
	return r.OverallScore >= threshold
}
