package health

import (
	"context"
	"fmt"
	"time"
)

// CheckStatus grades one component check.
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult is one component's verdict. Critical failures take readiness
// down; non-critical failures only degrade it.
type CheckResult struct {
	Status    CheckStatus            `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	Critical  bool                   `json:"critical"`
}

// Checker probes one dependency: Postgres, Redis, Temporal, a collaborator
// service or an in-process resource like the write queue.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	IsCritical() bool
	Timeout() time.Duration
}

// OverallHealth summarizes the worker for probes and monitoring.
type OverallHealth struct {
	Status    CheckStatus   `json:"status"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Degraded  bool          `json:"degraded"`
	Ready     bool          `json:"ready"`
	Live      bool          `json:"live"`
}

// DetailedHealth carries per-component results for /health/detailed.
type DetailedHealth struct {
	Overall    OverallHealth          `json:"overall"`
	Components map[string]CheckResult `json:"components"`
	Summary    HealthSummary          `json:"summary"`
	Timestamp  time.Time              `json:"timestamp"`
}

// HealthSummary counts components by grade.
type HealthSummary struct {
	Total       int `json:"total"`
	Healthy     int `json:"healthy"`
	Degraded    int `json:"degraded"`
	Unhealthy   int `json:"unhealthy"`
	Critical    int `json:"critical"`
	NonCritical int `json:"non_critical"`
}

func summarize(components map[string]CheckResult) HealthSummary {
	s := HealthSummary{Total: len(components)}
	for _, result := range components {
		switch result.Status {
		case StatusHealthy:
			s.Healthy++
		case StatusDegraded:
			s.Degraded++
		case StatusUnhealthy:
			s.Unhealthy++
		}
		if result.Critical {
			s.Critical++
		} else {
			s.NonCritical++
		}
	}
	return s
}

// computeOverall folds component results into the probe answer. A failing
// critical component drops readiness but never liveness: the process is
// still alive, it just cannot do useful work yet.
func computeOverall(components map[string]CheckResult) OverallHealth {
	if len(components) == 0 {
		return OverallHealth{
			Status:  StatusUnknown,
			Message: "No health checks registered",
		}
	}

	var criticalDown, nonCriticalDown, degraded int
	for _, result := range components {
		switch result.Status {
		case StatusDegraded:
			degraded++
		case StatusUnhealthy:
			if result.Critical {
				criticalDown++
			} else {
				nonCriticalDown++
			}
		}
	}

	overall := OverallHealth{Ready: true, Live: true}
	switch {
	case criticalDown > 0:
		overall.Status = StatusUnhealthy
		overall.Message = fmt.Sprintf("%d critical component(s) failing", criticalDown)
		overall.Ready = false
	case degraded > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d component(s) degraded", degraded)
	case nonCriticalDown > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d non-critical component(s) failing", nonCriticalDown)
	default:
		overall.Status = StatusHealthy
		overall.Message = fmt.Sprintf("All %d components healthy", len(components))
	}
	overall.Degraded = overall.Status == StatusDegraded || degraded > 0

	return overall
}
