// Package ratecontrol computes pre-dispatch pacing delays from
// config/ratelimits.yaml. Each agent call is spread to stay under the
// tighter of the tier and provider RPM/TPM limits; the reactive side of
// rate limiting (cooldowns after a 429) lives in the scheduler.
package ratecontrol

import (
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type config struct {
	RateLimits struct {
		DefaultRPM    int `yaml:"default_rpm"`
		DefaultTPM    int `yaml:"default_tpm"`
		TierOverrides map[string]struct {
			RPM int `yaml:"rpm"`
			TPM int `yaml:"tpm"`
		} `yaml:"tier_overrides"`
		ProviderOverrides map[string]struct {
			RPM int `yaml:"rpm"`
			TPM int `yaml:"tpm"`
		} `yaml:"provider_overrides"`
	} `yaml:"rate_limits"`
}

// Limit is a requests-per-minute / tokens-per-minute pair. A zero field
// means unlimited on that axis.
type Limit struct {
	RPM int
	TPM int
}

var (
	mu          sync.RWMutex
	loaded      *config
	initialized bool
)

var defaultPaths = []string{
	os.Getenv("RATELIMITS_CONFIG_PATH"),
	"/app/config/ratelimits.yaml",
	"./config/ratelimits.yaml",
	"../../config/ratelimits.yaml",
	"../../../config/ratelimits.yaml",
}

// searchUp walks parent directories looking for config/ratelimits.yaml, for
// tests running inside package directories.
func searchUp() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "ratelimits.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

func candidatePaths() []string {
	paths := make([]string, 0, len(defaultPaths)+1)
	for _, p := range defaultPaths {
		if p != "" {
			paths = append(paths, p)
		}
	}
	if p, ok := searchUp(); ok {
		paths = append(paths, p)
	}
	return paths
}

func readConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadLocked reads the first parseable candidate. Caller holds mu. A missing
// file leaves pacing fully open and the built-in provider limits still apply.
func loadLocked() {
	for _, p := range candidatePaths() {
		cfg, err := readConfig(p)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Printf("WARNING: Failed to load rate limit config from %s: %v", p, err)
			}
			continue
		}
		log.Printf("Loaded rate limit configuration from %s", p)
		loaded = cfg
		initialized = true
		return
	}
	loaded = &config{}
	initialized = true
}

func get() *config {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

// LimitForTier returns the configured limit for a dispatch tier, falling
// back to the file defaults. Tier keys in the file are lowercase.
func LimitForTier(tier string) Limit {
	cfg := get()
	if cfg == nil {
		return Limit{}
	}
	if cfg.RateLimits.TierOverrides != nil {
		if o, ok := cfg.RateLimits.TierOverrides[strings.ToLower(strings.TrimSpace(tier))]; ok {
			return Limit{RPM: o.RPM, TPM: o.TPM}
		}
	}
	return Limit{RPM: cfg.RateLimits.DefaultRPM, TPM: cfg.RateLimits.DefaultTPM}
}

// LimitForProvider returns the configured limit for a provider, falling
// back to built-in conservative defaults for known providers.
func LimitForProvider(provider string) Limit {
	cfg := get()
	key := strings.ToLower(strings.TrimSpace(provider))
	if cfg != nil && cfg.RateLimits.ProviderOverrides != nil {
		if o, ok := cfg.RateLimits.ProviderOverrides[key]; ok {
			return Limit{RPM: o.RPM, TPM: o.TPM}
		}
	}
	if limit, ok := builtInProviderLimits[key]; ok {
		return limit
	}
	return Limit{}
}

// builtInProviderLimits backstop the catalog's providers when the file has
// no override for them.
var builtInProviderLimits = map[string]Limit{
	"openai":    {RPM: 30, TPM: 60000},
	"anthropic": {RPM: 20, TPM: 40000},
	"deepseek":  {RPM: 60, TPM: 120000},
	"meta":      {RPM: 60, TPM: 120000},
	"unknown":   {RPM: 45, TPM: 90000},
}

// Combine takes the tighter of two limits per axis. An axis unlimited on
// one side takes the other side's value.
func Combine(a, b Limit) Limit {
	limit := Limit{}
	limit.RPM = minPositive(a.RPM, b.RPM)
	limit.TPM = minPositive(a.TPM, b.TPM)
	if limit.RPM == 0 {
		limit.RPM = maxInt(a.RPM, b.RPM)
	}
	if limit.TPM == 0 {
		limit.TPM = maxInt(a.TPM, b.TPM)
	}
	return limit
}

// DelayForRequest returns how long a dispatch should wait before calling
// the provider so that sustained traffic stays under the combined tier and
// provider limits. Zero means dispatch immediately.
func DelayForRequest(provider, tier string, estimatedTokens int) time.Duration {
	combined := Combine(LimitForTier(tier), LimitForProvider(provider))
	return delayForLimit(combined, estimatedTokens)
}

// delayForLimit spaces requests at the per-request interval the limit
// implies. The delay is capped at one minute so a misconfigured limit
// cannot stall dispatch indefinitely.
func delayForLimit(limit Limit, estimatedTokens int) time.Duration {
	if (limit.RPM <= 0 && limit.TPM <= 0) || estimatedTokens < 0 {
		return 0
	}
	var delayMs float64
	if limit.RPM > 0 {
		delayMs = math.Max(delayMs, 60000.0/float64(limit.RPM))
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		perToken := 60000.0 / float64(limit.TPM)
		delayMs = math.Max(delayMs, perToken*float64(estimatedTokens))
	}
	if delayMs <= 0 {
		return 0
	}
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		if a < b {
			return a
		}
		return b
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Reload forces a re-read of the rate limit configuration.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}

// ValidateMap rejects a parsed ratelimits.yaml with negative limits. Used
// by the config watcher before accepting a file edit.
func ValidateMap(m map[string]interface{}) error {
	rl, ok := m["rate_limits"].(map[string]interface{})
	if !ok {
		return nil
	}
	if err := validateLimitPair(rl, "default_rpm", "default_tpm"); err != nil {
		return err
	}
	for _, section := range []string{"tier_overrides", "provider_overrides"} {
		overrides, ok := rl[section].(map[string]interface{})
		if !ok {
			continue
		}
		for name, v := range overrides {
			entry, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			if err := validateLimitPair(entry, "rpm", "tpm"); err != nil {
				return &invalidLimitError{section: section, key: name, cause: err}
			}
		}
	}
	return nil
}

type invalidLimitError struct {
	section string
	key     string
	cause   error
}

func (e *invalidLimitError) Error() string {
	return e.section + "." + e.key + ": " + e.cause.Error()
}

func (e *invalidLimitError) Unwrap() error { return e.cause }

func validateLimitPair(m map[string]interface{}, rpmKey, tpmKey string) error {
	for _, k := range []string{rpmKey, tpmKey} {
		switch v := m[k].(type) {
		case int:
			if v < 0 {
				return &negativeLimitError{key: k}
			}
		case float64:
			if v < 0 {
				return &negativeLimitError{key: k}
			}
		}
	}
	return nil
}

type negativeLimitError struct{ key string }

func (e *negativeLimitError) Error() string { return e.key + " must not be negative" }
