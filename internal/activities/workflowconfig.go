package activities

import (
	"context"
	"time"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/validation"
)

// WorkflowTuning is the configuration snapshot a workflow takes once at
// start. Reading it through an activity keeps replay deterministic: a file
// edit applies to the next run, never to a replaying history.
type WorkflowTuning struct {
	DefaultMode       string        `json:"default_mode"`
	MaxTasks          int           `json:"max_tasks"`
	MaxConcurrency    int           `json:"max_concurrency"`
	DrainGrace        time.Duration `json:"drain_grace"`
	HeartbeatEvery    time.Duration `json:"heartbeat_every"`
	RefinePlanOnce    bool          `json:"refine_plan_once"`
	PlanMemory        bool          `json:"plan_memory"`
	CacheEnabled      bool          `json:"cache_enabled"`
	CompleteThreshold float64       `json:"complete_threshold,omitempty"`
	RobustThreshold   float64       `json:"robust_threshold,omitempty"`
}

// ThresholdFor returns the validation pass bar for a mode, preferring
// configured overrides over the built-in defaults.
func (t WorkflowTuning) ThresholdFor(mode string) float64 {
	switch mode {
	case models.ModeRobust:
		if t.RobustThreshold > 0 {
			return t.RobustThreshold
		}
	case models.ModeComplete:
		if t.CompleteThreshold > 0 {
			return t.CompleteThreshold
		}
	}
	return validation.ThresholdForMode(mode)
}

// GetWorkflowConfig snapshots the live tuning for one run.
func (a *Activities) GetWorkflowConfig(ctx context.Context) (*WorkflowTuning, error) {
	cfg := a.cfg()
	return &WorkflowTuning{
		DefaultMode:       cfg.Workflow.DefaultMode,
		MaxTasks:          cfg.Workflow.MaxTasks,
		MaxConcurrency:    cfg.Workflow.MaxConcurrency,
		DrainGrace:        cfg.Workflow.DrainGrace,
		HeartbeatEvery:    cfg.Workflow.HeartbeatEvery,
		RefinePlanOnce:    cfg.Workflow.RefinePlanOnce,
		PlanMemory:        cfg.Workflow.PlanMemory,
		CacheEnabled:      cfg.Cache.Enabled,
		CompleteThreshold: cfg.Validation.CompleteThreshold,
		RobustThreshold:   cfg.Validation.RobustThreshold,
	}, nil
}
