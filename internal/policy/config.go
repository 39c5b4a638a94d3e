package policy

import (
	"os"
	"strconv"
	"strings"
)

// Mode defines the admission engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but doesn't enforce them (log only)
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// Config holds admission engine configuration
type Config struct {
	// Enabled controls whether the policy engine is active
	Enabled bool

	// Mode controls enforcement behavior
	Mode Mode

	// Path to the directory containing .rego policy files
	Path string

	// FailClosed determines behavior when policies can't be loaded or
	// evaluated. true denies requests on failure, false admits them.
	FailClosed bool

	// Environment context for policy evaluation (dev, staging, prod)
	Environment string
}

// LoadConfig loads admission configuration from environment variables.
func LoadConfig() *Config {
	config := &Config{
		Enabled:     getEnvBool("QLP_POLICY_ENABLED", false),
		Mode:        Mode(getEnvString("QLP_POLICY_MODE", "off")),
		Path:        getEnvString("QLP_POLICY_PATH", "/app/config/policies"),
		FailClosed:  getEnvBool("QLP_POLICY_FAIL_CLOSED", false),
		Environment: getEnvString("ENVIRONMENT", "dev"),
	}
	config.normalize()
	return config
}

// FromMap overlays a parsed platform config section (the `policy:` block of
// qlp.yaml) onto environment defaults.
func FromMap(section map[string]interface{}) *Config {
	config := LoadConfig()
	if section == nil {
		return config
	}
	if enabled, ok := section["enabled"].(bool); ok {
		config.Enabled = enabled
	}
	if mode, ok := section["mode"].(string); ok {
		config.Mode = Mode(mode)
	}
	if path, ok := section["path"].(string); ok && path != "" {
		config.Path = path
	}
	if failClosed, ok := section["fail_closed"].(bool); ok {
		config.FailClosed = failClosed
	}
	if environment, ok := section["environment"].(string); ok && environment != "" {
		config.Environment = environment
	}
	config.normalize()
	return config
}

func (c *Config) normalize() {
	switch c.Mode {
	case ModeOff, ModeDryRun, ModeEnforce:
	default:
		c.Mode = ModeOff
	}
	if c.Mode == ModeOff {
		c.Enabled = false
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on", "enable", "enabled":
		return true
	case "false", "0", "no", "off", "disable", "disabled":
		return false
	default:
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		return defaultValue
	}
}
