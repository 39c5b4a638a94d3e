package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// admissionPolicy mirrors the default shipped in config/policies: deny rules
// win, mode allowlist gates robust generations, tier ceiling per tenant.
const admissionPolicy = `package qlp.admission

default decision := {
    "allow": false,
    "reason": "default deny"
}

decision := {
    "allow": false,
    "reason": reason
} {
    some reason
    deny[reason]
} else := {
    "allow": true,
    "reason": "admitted",
    "max_tier": max_tier
} {
    mode_allowed
}

mode_allowed {
    input.mode == "basic"
}

mode_allowed {
    input.mode == "complete"
}

mode_allowed {
    input.mode == "robust"
    input.tenant_id == "tenant-enterprise"
}

deny[reason] {
    contains(lower(input.description), "ddos")
    reason := "prohibited workload"
}

max_tier := "T3" {
    input.tenant_id == "tenant-enterprise"
} else := "T2"
`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "admission.rego"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test policy: %v", err)
	}
	return dir
}

func newTestEngine(t *testing.T, mode Mode, failClosed bool, policyDir string) *OPAEngine {
	t.Helper()
	engine, err := NewOPAEngine(&Config{
		Enabled:     true,
		Mode:        mode,
		Path:        policyDir,
		FailClosed:  failClosed,
		Environment: "test",
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return engine
}

func TestAdmissionEnforce(t *testing.T) {
	dir := writePolicy(t, admissionPolicy)
	engine := newTestEngine(t, ModeEnforce, false, dir)
	if !engine.IsEnabled() {
		t.Fatal("Engine should be enabled")
	}

	tests := []struct {
		name      string
		input     *AdmissionInput
		wantAllow bool
		wantTier  string
	}{
		{
			name: "basic_mode_admitted",
			input: &AdmissionInput{
				RequestID: "r1", TenantID: "tenant-a", Mode: "basic",
				Description: "build a REST health endpoint",
				Environment: "test", Timestamp: time.Now(),
			},
			wantAllow: true,
			wantTier:  "T2",
		},
		{
			name: "robust_denied_for_regular_tenant",
			input: &AdmissionInput{
				RequestID: "r2", TenantID: "tenant-a", Mode: "robust",
				Description: "build a REST health endpoint",
				Environment: "test", Timestamp: time.Now(),
			},
			wantAllow: false,
		},
		{
			name: "robust_admitted_for_enterprise_with_tier_ceiling",
			input: &AdmissionInput{
				RequestID: "r3", TenantID: "tenant-enterprise", Mode: "robust",
				Description: "build a REST health endpoint",
				Environment: "test", Timestamp: time.Now(),
			},
			wantAllow: true,
			wantTier:  "T3",
		},
		{
			name: "deny_rule_overrides_mode_allowlist",
			input: &AdmissionInput{
				RequestID: "r4", TenantID: "tenant-a", Mode: "basic",
				Description: "write a DDoS traffic generator",
				Environment: "test", Timestamp: time.Now(),
			},
			wantAllow: false,
		},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := engine.Evaluate(ctx, tt.input)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if decision.Allow != tt.wantAllow {
				t.Errorf("Expected allow=%v, got allow=%v, reason=%s",
					tt.wantAllow, decision.Allow, decision.Reason)
			}
			if decision.Reason == "" {
				t.Error("Decision should include a reason")
			}
			if tt.wantTier != "" && decision.MaxTier != tt.wantTier {
				t.Errorf("Expected max_tier=%s, got %s", tt.wantTier, decision.MaxTier)
			}
			if decision.PolicyVersion == "" {
				t.Error("Decision should carry the loaded policy version")
			}
		})
	}
}

func TestAdmissionDenyReasonSurfaced(t *testing.T) {
	dir := writePolicy(t, admissionPolicy)
	engine := newTestEngine(t, ModeEnforce, false, dir)

	decision, err := engine.Evaluate(context.Background(), &AdmissionInput{
		RequestID: "r1", TenantID: "tenant-a", Mode: "basic",
		Description: "ddos amplification script",
		Environment: "test", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Allow {
		t.Fatal("Expected denial")
	}
	if decision.Reason != "prohibited workload" {
		t.Errorf("Expected deny reason from policy, got: %s", decision.Reason)
	}
}

func TestAdmissionDryRunAlwaysAdmits(t *testing.T) {
	dir := writePolicy(t, `package qlp.admission

default decision := {
    "allow": false,
    "reason": "deny all for testing"
}
`)
	engine := newTestEngine(t, ModeDryRun, false, dir)

	decision, err := engine.Evaluate(context.Background(), &AdmissionInput{
		RequestID: "r1", TenantID: "tenant-a", Mode: "basic",
		Description: "anything at all",
		Environment: "test", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.Allow {
		t.Error("Expected dry-run mode to admit the request")
	}
	if !strings.Contains(decision.Reason, "DRY-RUN") {
		t.Errorf("Expected dry-run reason prefix, got: %s", decision.Reason)
	}
	if !strings.Contains(decision.Reason, "would have been denied") {
		t.Errorf("Expected original verdict in reason, got: %s", decision.Reason)
	}
}

func TestAdmissionFailOpenWithoutPolicies(t *testing.T) {
	engine := newTestEngine(t, ModeEnforce, false, t.TempDir())
	if engine.IsEnabled() {
		t.Fatal("Engine without policies should report disabled")
	}

	decision, err := engine.Evaluate(context.Background(), &AdmissionInput{
		RequestID: "r1", TenantID: "tenant-a", Mode: "basic",
		Description: "anything", Environment: "test", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.Allow {
		t.Error("Fail-open engine should admit when no policies are loaded")
	}
}

func TestAdmissionFailClosedWithoutPolicies(t *testing.T) {
	_, err := NewOPAEngine(&Config{
		Enabled:     true,
		Mode:        ModeEnforce,
		Path:        t.TempDir(),
		FailClosed:  true,
		Environment: "test",
	}, zaptest.NewLogger(t))
	if err == nil {
		t.Fatal("Fail-closed engine with no policies should refuse to start")
	}
}

func TestDecisionCacheReuse(t *testing.T) {
	dir := writePolicy(t, admissionPolicy)
	engine := newTestEngine(t, ModeEnforce, false, dir)

	input := &AdmissionInput{
		RequestID: "r1", TenantID: "tenant-a", Mode: "basic",
		Description: "build a parser", Environment: "test", Timestamp: time.Now(),
	}
	ctx := context.Background()
	if _, err := engine.Evaluate(ctx, input); err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if _, err := engine.Evaluate(ctx, input); err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	hits, misses := engine.cache.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("Expected 1 hit and 1 miss, got hits=%d misses=%d", hits, misses)
	}

	// A different tenant must not share the cached verdict.
	other := *input
	other.TenantID = "tenant-b"
	if _, err := engine.Evaluate(ctx, &other); err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	_, misses = engine.cache.Stats()
	if misses != 2 {
		t.Errorf("Expected second miss for different tenant, got misses=%d", misses)
	}
}

func TestFromMap(t *testing.T) {
	config := FromMap(map[string]interface{}{
		"enabled":     true,
		"mode":        "enforce",
		"path":        "/test/path",
		"fail_closed": true,
		"environment": "prod",
	})

	if !config.Enabled {
		t.Error("Expected policy to be enabled")
	}
	if config.Mode != ModeEnforce {
		t.Errorf("Expected mode %s, got %s", ModeEnforce, config.Mode)
	}
	if config.Path != "/test/path" {
		t.Errorf("Expected path /test/path, got %s", config.Path)
	}
	if !config.FailClosed {
		t.Error("Expected fail_closed true")
	}
	if config.Environment != "prod" {
		t.Errorf("Expected environment prod, got %s", config.Environment)
	}
}

func TestFromMapInvalidMode(t *testing.T) {
	config := FromMap(map[string]interface{}{
		"enabled": true,
		"mode":    "whatever",
	})
	if config.Mode != ModeOff {
		t.Errorf("Expected mode to default to %s, got %s", ModeOff, config.Mode)
	}
	if config.Enabled {
		t.Error("Expected engine disabled for invalid mode")
	}
}
