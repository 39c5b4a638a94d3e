package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/budget"
)

// The quotas section converts directly into the ledger's limits type.
var _ = budget.Limits(LimitsConfig{})

func writePlatformFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, PlatformFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultPlatformConfigIsValid(t *testing.T) {
	require.NoError(t, ValidatePlatform(DefaultPlatformConfig()))
}

func TestLoadPlatformMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadPlatform(filepath.Join(t.TempDir(), PlatformFile))
	require.NoError(t, err)

	assert.Equal(t, "complete", cfg.Workflow.DefaultMode)
	assert.Equal(t, 50, cfg.Workflow.MaxTasks)
	assert.Equal(t, "qlp-tasks", cfg.Temporal.TaskQueue)
	assert.Equal(t, 2112, cfg.Service.MetricsPort)
}

func TestLoadPlatformOverlaysFileOnDefaults(t *testing.T) {
	path := writePlatformFile(t, `
workflow:
  max_tasks: 80
  default_mode: robust
tiers:
  t2:
    timeout: 90s
quotas:
  tenants:
    bigco:
      monthly_tokens: 10000000
      soft_ratio: 0.9
moderation:
  tenant_rules:
    bigco:
      - pattern: "(?i)internal-codename"
        severity: high
  tenant_whitelist:
    bigco:
      - "approved phrase"
`)
	cfg, err := LoadPlatform(path)
	require.NoError(t, err)

	assert.Equal(t, 80, cfg.Workflow.MaxTasks)
	assert.Equal(t, "robust", cfg.Workflow.DefaultMode)
	assert.Equal(t, 90*time.Second, cfg.Tiers.T2.Timeout)

	// Untouched fields keep their defaults.
	assert.Equal(t, "claude-sonnet-4", cfg.Tiers.T2.Model)
	assert.Equal(t, "gpt-4o-mini", cfg.Tiers.T0.Model)
	assert.Equal(t, 30*time.Minute, cfg.Workflow.Deadline)
	assert.Equal(t, 2_000_000, cfg.Quotas.Defaults.MonthlyTokens)

	bigco, ok := cfg.Quotas.Tenants["bigco"]
	require.True(t, ok, "tenant overlay missing")
	assert.Equal(t, 10_000_000, bigco.MonthlyTokens)
	assert.InDelta(t, 0.9, bigco.SoftRatio, 1e-9)

	rules := cfg.Moderation.TenantRules["bigco"]
	require.Len(t, rules, 1)
	assert.Equal(t, "(?i)internal-codename", rules[0].Pattern)
	assert.Equal(t, "high", rules[0].Severity)
	assert.Equal(t, []string{"approved phrase"}, cfg.Moderation.TenantWhitelist["bigco"])
}

func TestLoadPlatformEnvOverridesFile(t *testing.T) {
	path := writePlatformFile(t, `
workflow:
  max_tasks: 80
`)
	t.Setenv("QLP_WORKFLOW_MAX_TASKS", "25")
	t.Setenv("QLP_TEMPORAL_TASK_QUEUE", "qlp-staging")
	t.Setenv("QLP_TIERS_T0_TIMEOUT", "45s")

	cfg, err := LoadPlatform(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Workflow.MaxTasks)
	assert.Equal(t, "qlp-staging", cfg.Temporal.TaskQueue)
	assert.Equal(t, 45*time.Second, cfg.Tiers.T0.Timeout)
}

func TestLoadPlatformRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown_mode",
			content: "workflow:\n  default_mode: chaotic\n",
			wantErr: "default_mode",
		},
		{
			name:    "max_tasks_out_of_range",
			content: "workflow:\n  max_tasks: 0\n",
			wantErr: "max_tasks",
		},
		{
			name:    "bad_block_severity",
			content: "moderation:\n  block_severity: fatal\n",
			wantErr: "block_severity",
		},
		{
			name:    "tier_timeout_zero",
			content: "tiers:\n  t1:\n    timeout: 0s\n",
			wantErr: "tiers.t1.timeout",
		},
		{
			name:    "soft_ratio_above_one",
			content: "quotas:\n  defaults:\n    soft_ratio: 1.5\n",
			wantErr: "soft_ratio",
		},
		{
			name:    "bad_tenant_rule_pattern",
			content: "moderation:\n  tenant_rules:\n    acme:\n      - pattern: \"[unclosed\"\n        severity: high\n",
			wantErr: "tenant_rules.acme",
		},
		{
			name:    "bad_tenant_rule_severity",
			content: "moderation:\n  tenant_rules:\n    acme:\n      - pattern: \"secret\"\n        severity: fatal\n",
			wantErr: "severity",
		},
		{
			name:    "malformed_yaml",
			content: "workflow: [unclosed\n",
			wantErr: "failed to read",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePlatformFile(t, tt.content)
			_, err := LoadPlatform(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTiersForTier(t *testing.T) {
	tiers := DefaultPlatformConfig().Tiers

	tc, ok := tiers.ForTier("T2")
	require.True(t, ok)
	assert.Equal(t, "claude-sonnet-4", tc.Model)

	tc, ok = tiers.ForTier(" t0 ")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", tc.Model)

	_, ok = tiers.ForTier("T9")
	assert.False(t, ok)
	_, ok = tiers.ForTier("")
	assert.False(t, ok)
}

func TestPlatformManagerAppliesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, PlatformFile)
	require.NoError(t, os.WriteFile(path, []byte("workflow:\n  max_tasks: 40\n"), 0o644))

	mgr, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	pm := NewPlatformManager(mgr, path, zaptest.NewLogger(t))

	type change struct{ old, new int }
	var changes []change
	pm.RegisterCallback(func(old, new *PlatformConfig) error {
		prev := 0
		if old != nil {
			prev = old.Workflow.MaxTasks
		}
		changes = append(changes, change{prev, new.Workflow.MaxTasks})
		return nil
	})

	require.NoError(t, pm.Initialize())
	assert.Equal(t, 40, pm.Get().Workflow.MaxTasks)

	require.NoError(t, os.WriteFile(path, []byte("workflow:\n  max_tasks: 60\n"), 0o644))
	require.NoError(t, mgr.ReloadConfig(PlatformFile))
	assert.Equal(t, 60, pm.Get().Workflow.MaxTasks)

	require.Len(t, changes, 2)
	assert.Equal(t, change{0, 40}, changes[0])
	assert.Equal(t, change{40, 60}, changes[1])
}

func TestPlatformManagerKeepsPreviousOnBadEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, PlatformFile)
	require.NoError(t, os.WriteFile(path, []byte("workflow:\n  max_tasks: 40\n"), 0o644))

	mgr, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	pm := NewPlatformManager(mgr, path, zaptest.NewLogger(t))
	require.NoError(t, pm.Initialize())

	require.NoError(t, os.WriteFile(path, []byte("workflow:\n  default_mode: chaotic\n"), 0o644))
	err = mgr.ReloadConfig(PlatformFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")

	assert.Equal(t, 40, pm.Get().Workflow.MaxTasks)
	assert.Equal(t, "complete", pm.Get().Workflow.DefaultMode)
}

func TestPlatformManagerGetBeforeInitialize(t *testing.T) {
	mgr, err := NewManager(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	pm := NewPlatformManager(mgr, "", zaptest.NewLogger(t))

	cfg := pm.Get()
	require.NotNil(t, cfg)
	assert.Equal(t, 50, cfg.Workflow.MaxTasks)
}
