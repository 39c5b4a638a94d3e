package ratecontrol

import (
	"testing"
	"time"
)

func TestDelayForLimit(t *testing.T) {
	limit := Limit{RPM: 30, TPM: 60000}
	d := delayForLimit(limit, 1000)
	if d.Milliseconds() <= 0 {
		t.Fatalf("expected positive delay, got %v", d)
	}
	// 30 RPM implies at least 2s between requests.
	if d < 2*time.Second {
		t.Fatalf("expected delay >= 2s for 30 RPM, got %v", d)
	}
}

func TestDelayForLimit_TokenBound(t *testing.T) {
	// 60000 TPM is 1ms per token; 10000 tokens should dominate the
	// 2s RPM spacing.
	limit := Limit{RPM: 30, TPM: 60000}
	d := delayForLimit(limit, 10000)
	if d < 10*time.Second {
		t.Fatalf("expected token-bound delay >= 10s, got %v", d)
	}
}

func TestDelayForLimit_Unlimited(t *testing.T) {
	if d := delayForLimit(Limit{}, 1000); d != 0 {
		t.Fatalf("expected zero delay without limits, got %v", d)
	}
	if d := delayForLimit(Limit{RPM: 30}, -1); d != 0 {
		t.Fatalf("expected zero delay for negative estimate, got %v", d)
	}
}

func TestDelayForLimit_Capped(t *testing.T) {
	limit := Limit{TPM: 60}
	if d := delayForLimit(limit, 1_000_000); d != time.Minute {
		t.Fatalf("expected delay capped at 1m, got %v", d)
	}
}

func TestCombine(t *testing.T) {
	a := Limit{RPM: 30, TPM: 50000}
	b := Limit{RPM: 20, TPM: 100000}
	combined := Combine(a, b)
	if combined.RPM != 20 {
		t.Fatalf("expected RPM 20, got %d", combined.RPM)
	}
	if combined.TPM != 50000 {
		t.Fatalf("expected TPM 50000, got %d", combined.TPM)
	}
}

func TestCombine_UnlimitedAxis(t *testing.T) {
	combined := Combine(Limit{RPM: 30}, Limit{TPM: 40000})
	if combined.RPM != 30 || combined.TPM != 40000 {
		t.Fatalf("expected {30 40000}, got %+v", combined)
	}
}

func TestLimitForProvider_BuiltIn(t *testing.T) {
	limit := LimitForProvider("Anthropic")
	if limit.RPM <= 0 || limit.TPM <= 0 {
		t.Fatalf("expected built-in anthropic limit, got %+v", limit)
	}
}

func TestValidateMap(t *testing.T) {
	ok := map[string]interface{}{
		"rate_limits": map[string]interface{}{
			"default_rpm": 60,
			"tier_overrides": map[string]interface{}{
				"t0": map[string]interface{}{"rpm": 120, "tpm": 200000},
			},
		},
	}
	if err := ValidateMap(ok); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	bad := map[string]interface{}{
		"rate_limits": map[string]interface{}{
			"provider_overrides": map[string]interface{}{
				"openai": map[string]interface{}{"rpm": -1},
			},
		},
	}
	if err := ValidateMap(bad); err == nil {
		t.Fatal("expected error for negative rpm")
	}

	// A file without a rate_limits section is not this validator's business.
	if err := ValidateMap(map[string]interface{}{"other": 1}); err != nil {
		t.Fatalf("expected nil for unrelated config, got %v", err)
	}
}
