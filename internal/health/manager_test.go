package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func staticChecker(name string, critical bool, status CheckStatus) Checker {
	return NewCustomHealthChecker(name, critical, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestRegisterCheckerRejectsDuplicates(t *testing.T) {
	m := NewManager(zap.NewNop())

	require.NoError(t, m.RegisterChecker(staticChecker("redis", true, StatusHealthy)))
	err := m.RegisterChecker(staticChecker("redis", true, StatusHealthy))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestOverallHealthAllHealthy(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.RegisterChecker(staticChecker("database", true, StatusHealthy)))
	require.NoError(t, m.RegisterChecker(staticChecker("redis", true, StatusHealthy)))

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusHealthy, overall.Status)
	assert.True(t, overall.Ready)
	assert.True(t, overall.Live)
	assert.False(t, overall.Degraded)
}

func TestCriticalFailureDropsReadinessNotLiveness(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.RegisterChecker(staticChecker("database", true, StatusUnhealthy)))
	require.NoError(t, m.RegisterChecker(staticChecker("redis", true, StatusHealthy)))

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusUnhealthy, overall.Status)
	assert.False(t, overall.Ready)
	assert.True(t, overall.Live)
}

func TestNonCriticalFailureOnlyDegrades(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.RegisterChecker(staticChecker("database", true, StatusHealthy)))
	require.NoError(t, m.RegisterChecker(staticChecker("agent-factory", false, StatusUnhealthy)))

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusDegraded, overall.Status)
	assert.True(t, overall.Ready)
	assert.True(t, overall.Live)
	assert.True(t, overall.Degraded)
}

func TestDetailedHealthStampsComponentFields(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.RegisterChecker(staticChecker("write_queue", false, StatusHealthy)))

	detailed := m.GetDetailedHealth(context.Background())
	require.Contains(t, detailed.Components, "write_queue")

	res := detailed.Components["write_queue"]
	assert.Equal(t, "write_queue", res.Component)
	assert.False(t, res.Critical)
	assert.False(t, res.Timestamp.IsZero())

	assert.Equal(t, 1, detailed.Summary.Total)
	assert.Equal(t, 1, detailed.Summary.Healthy)
	assert.Equal(t, 1, detailed.Summary.NonCritical)
}

func TestNoCheckersReportsUnknown(t *testing.T) {
	m := NewManager(zap.NewNop())

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusUnknown, overall.Status)
	assert.False(t, overall.Ready)
}

func TestGetLastResultsServedFromCache(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.RegisterChecker(staticChecker("redis", true, StatusHealthy)))

	assert.Empty(t, m.GetLastResults())

	m.GetDetailedHealth(context.Background())
	last := m.GetLastResults()
	require.Contains(t, last, "redis")
	assert.Equal(t, StatusHealthy, last["redis"].Status)
}
