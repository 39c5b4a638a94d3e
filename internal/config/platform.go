package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
)

// PlatformFile is the platform settings file watched inside the config
// directory. Environment variables override file values with a QLP_ prefix
// and underscores for nesting, e.g. QLP_WORKFLOW_MAX_TASKS=80.
const PlatformFile = "qlp.yaml"

// EnvPrefix for configuration overrides.
const EnvPrefix = "QLP"

// PlatformConfig is the typed view of qlp.yaml.
type PlatformConfig struct {
	Service       ServiceConfig       `json:"service" yaml:"service"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Temporal      TemporalConfig      `json:"temporal" yaml:"temporal"`
	Workflow      WorkflowConfig      `json:"workflow" yaml:"workflow"`
	Tiers         TiersConfig         `json:"tiers" yaml:"tiers"`
	Cache         CacheConfig         `json:"cache" yaml:"cache"`
	Results       ResultsConfig       `json:"results" yaml:"results"`
	Moderation    ModerationConfig    `json:"moderation" yaml:"moderation"`
	Validation    ValidationConfig    `json:"validation" yaml:"validation"`
	Collaborators CollaboratorsConfig `json:"collaborators" yaml:"collaborators"`
	Quotas        QuotasConfig        `json:"quotas" yaml:"quotas"`
	Streaming     StreamingConfig     `json:"streaming" yaml:"streaming"`
	Tracing       TracingConfig       `json:"tracing" yaml:"tracing"`
	Health        HealthConfig        `json:"health" yaml:"health"`
	Auth          AuthConfig          `json:"auth" yaml:"auth"`
}

// ServiceConfig contains basic service identity and ports.
type ServiceConfig struct {
	Environment     string        `json:"environment" yaml:"environment"`
	MetricsPort     int           `json:"metrics_port" yaml:"metrics_port"`
	GatewayPort     int           `json:"gateway_port" yaml:"gateway_port"`
	GracefulTimeout time.Duration `json:"graceful_timeout" yaml:"graceful_timeout"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, console
}

// TemporalConfig contains workflow engine connection settings. Zero worker
// limits mean SDK defaults.
type TemporalConfig struct {
	HostPort                   string `json:"host_port" yaml:"host_port"`
	Namespace                  string `json:"namespace" yaml:"namespace"`
	TaskQueue                  string `json:"task_queue" yaml:"task_queue"`
	MaxConcurrentActivities    int    `json:"max_concurrent_activities" yaml:"max_concurrent_activities"`
	MaxConcurrentWorkflowTasks int    `json:"max_concurrent_workflow_tasks" yaml:"max_concurrent_workflow_tasks"`
}

// WorkflowConfig controls generation workflow behavior.
type WorkflowConfig struct {
	DefaultMode    string        `json:"default_mode" yaml:"default_mode"` // basic, complete, robust
	MaxTasks       int           `json:"max_tasks" yaml:"max_tasks"`
	MaxConcurrency int           `json:"max_concurrency" yaml:"max_concurrency"`
	Deadline       time.Duration `json:"deadline" yaml:"deadline"`
	DrainGrace     time.Duration `json:"drain_grace" yaml:"drain_grace"`
	HeartbeatEvery time.Duration `json:"heartbeat_every" yaml:"heartbeat_every"`
	RefinePlanOnce bool          `json:"refine_plan_once" yaml:"refine_plan_once"`
	PlanMemory     bool          `json:"plan_memory" yaml:"plan_memory"`
}

// TierConfig describes one dispatch tier.
type TierConfig struct {
	Model     string        `json:"model" yaml:"model"`
	Provider  string        `json:"provider" yaml:"provider"`
	MaxTokens int           `json:"max_tokens" yaml:"max_tokens"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
}

// TiersConfig maps the four dispatch tiers to their models.
type TiersConfig struct {
	T0 TierConfig `json:"t0" yaml:"t0"`
	T1 TierConfig `json:"t1" yaml:"t1"`
	T2 TierConfig `json:"t2" yaml:"t2"`
	T3 TierConfig `json:"t3" yaml:"t3"`
}

// ForTier returns the tier block for a tier name like "T2".
func (t TiersConfig) ForTier(name string) (TierConfig, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "T0":
		return t.T0, true
	case "T1":
		return t.T1, true
	case "T2":
		return t.T2, true
	case "T3":
		return t.T3, true
	default:
		return TierConfig{}, false
	}
}

// CacheConfig controls the fingerprint result cache.
type CacheConfig struct {
	Enabled            bool          `json:"enabled" yaml:"enabled"`
	DefaultTTL         time.Duration `json:"default_ttl" yaml:"default_ttl"`
	EmbeddingsTTL      time.Duration `json:"embeddings_ttl" yaml:"embeddings_ttl"`
	LeaseTTL           time.Duration `json:"lease_ttl" yaml:"lease_ttl"`
	NoStoreTemperature float64       `json:"no_store_temperature" yaml:"no_store_temperature"`
}

// ResultsConfig controls the Redis task output store.
type ResultsConfig struct {
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// ModerationRule is one tenant-specific pattern that raises severity.
type ModerationRule struct {
	Pattern  string `json:"pattern" yaml:"pattern"`
	Severity string `json:"severity" yaml:"severity"`
}

// ModerationConfig controls content safety checks. Tenant rules and
// whitelists are keyed by lowercase tenant id and hot-reload with the file.
type ModerationConfig struct {
	Enabled         bool                        `json:"enabled" yaml:"enabled"`
	BlockSeverity   string                      `json:"block_severity" yaml:"block_severity"` // medium, high, critical
	TenantRules     map[string][]ModerationRule `json:"tenant_rules,omitempty" yaml:"tenant_rules,omitempty"`
	TenantWhitelist map[string][]string         `json:"tenant_whitelist,omitempty" yaml:"tenant_whitelist,omitempty"`
}

// ValidationConfig controls the validation pipeline score gates.
type ValidationConfig struct {
	CompleteThreshold float64 `json:"complete_threshold" yaml:"complete_threshold"`
	RobustThreshold   float64 `json:"robust_threshold" yaml:"robust_threshold"`
	SandboxEnabled    bool    `json:"sandbox_enabled" yaml:"sandbox_enabled"`
}

// CollaboratorConfig is one downstream HTTP service.
type CollaboratorConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// CollaboratorsConfig lists the platform's downstream services.
type CollaboratorsConfig struct {
	AgentFactory   CollaboratorConfig `json:"agent_factory" yaml:"agent_factory"`
	ValidationMesh CollaboratorConfig `json:"validation_mesh" yaml:"validation_mesh"`
	Moderation     CollaboratorConfig `json:"moderation" yaml:"moderation"`
	Sandbox        CollaboratorConfig `json:"sandbox" yaml:"sandbox"`
}

// LimitsConfig mirrors the budget ledger's per-tenant limits. Zero means
// unlimited.
type LimitsConfig struct {
	MonthlyTokens     int     `json:"monthly_tokens" yaml:"monthly_tokens"`
	MonthlyCostUSD    float64 `json:"monthly_cost_usd" yaml:"monthly_cost_usd"`
	SoftRatio         float64 `json:"soft_ratio" yaml:"soft_ratio"`
	RequestsPerMinute int     `json:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// QuotasConfig controls tenant budget enforcement. Tenant ids are matched
// exactly as issued; keep them lowercase in the file.
type QuotasConfig struct {
	Defaults        LimitsConfig            `json:"defaults" yaml:"defaults"`
	Tenants         map[string]LimitsConfig `json:"tenants" yaml:"tenants"`
	RefreshInterval time.Duration           `json:"refresh_interval" yaml:"refresh_interval"`
	DedupTTL        time.Duration           `json:"dedup_ttl" yaml:"dedup_ttl"`
}

// StreamingConfig controls the per-workflow event stream.
type StreamingConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	RingCapacity int           `json:"ring_capacity" yaml:"ring_capacity"`
	Heartbeat    time.Duration `json:"heartbeat" yaml:"heartbeat"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRate   float64 `json:"sample_rate" yaml:"sample_rate"`
}

// HealthConfig controls dependency health checking.
type HealthConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`
	CheckTimeout  time.Duration `json:"check_timeout" yaml:"check_timeout"`
}

// AuthConfig controls gateway authentication.
type AuthConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	SkipAuth    bool          `json:"skip_auth" yaml:"skip_auth"` // development only
	JWTSecret   string        `json:"jwt_secret" yaml:"jwt_secret"`
	TokenExpiry time.Duration `json:"token_expiry" yaml:"token_expiry"`
}

// DefaultPlatformConfig returns the built-in defaults. File and environment
// values overlay these in LoadPlatform.
func DefaultPlatformConfig() *PlatformConfig {
	return &PlatformConfig{
		Service: ServiceConfig{
			Environment:     "development",
			MetricsPort:     2112,
			GatewayPort:     8080,
			GracefulTimeout: 30 * time.Second,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "qlp-tasks",
		},
		Workflow: WorkflowConfig{
			DefaultMode:    "complete",
			MaxTasks:       50,
			MaxConcurrency: 50,
			Deadline:       30 * time.Minute,
			DrainGrace:     30 * time.Second,
			HeartbeatEvery: 10 * time.Second,
			RefinePlanOnce: true,
			PlanMemory:     true,
		},
		Tiers: TiersConfig{
			T0: TierConfig{Model: "gpt-4o-mini", Provider: "openai", MaxTokens: 2048, Timeout: 30 * time.Second},
			T1: TierConfig{Model: "deepseek-chat", Provider: "deepseek", MaxTokens: 4096, Timeout: 60 * time.Second},
			T2: TierConfig{Model: "claude-sonnet-4", Provider: "anthropic", MaxTokens: 8192, Timeout: 120 * time.Second},
			T3: TierConfig{Model: "claude-opus-4", Provider: "anthropic", MaxTokens: 16384, Timeout: 180 * time.Second},
		},
		Cache: CacheConfig{
			Enabled:            true,
			DefaultTTL:         time.Hour,
			EmbeddingsTTL:      24 * time.Hour,
			LeaseTTL:           4 * time.Minute,
			NoStoreTemperature: 0.7,
		},
		Results: ResultsConfig{
			TTL: 24 * time.Hour,
		},
		Moderation: ModerationConfig{
			Enabled:       true,
			BlockSeverity: "high",
		},
		Validation: ValidationConfig{
			CompleteThreshold: 0.7,
			RobustThreshold:   0.8,
			SandboxEnabled:    true,
		},
		Collaborators: CollaboratorsConfig{
			AgentFactory:   CollaboratorConfig{BaseURL: "http://localhost:8001", Timeout: 200 * time.Second},
			ValidationMesh: CollaboratorConfig{BaseURL: "http://localhost:8002", Timeout: 60 * time.Second},
			Moderation:     CollaboratorConfig{BaseURL: "http://localhost:8003", Timeout: 10 * time.Second},
			Sandbox:        CollaboratorConfig{BaseURL: "http://localhost:8004", Timeout: 90 * time.Second},
		},
		Quotas: QuotasConfig{
			Defaults: LimitsConfig{
				MonthlyTokens:     2_000_000,
				MonthlyCostUSD:    200,
				SoftRatio:         0.8,
				RequestsPerMinute: 60,
				Burst:             10,
			},
			RefreshInterval: 30 * time.Second,
			DedupTTL:        time.Hour,
		},
		Streaming: StreamingConfig{
			Enabled:      true,
			RingCapacity: 256,
			Heartbeat:    15 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "qlp-orchestrator",
			SampleRate:   1.0,
		},
		Health: HealthConfig{
			Enabled:       true,
			CheckInterval: 15 * time.Second,
			CheckTimeout:  5 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:     true,
			TokenExpiry: time.Hour,
		},
	}
}

// LoadPlatform reads qlp.yaml from path, overlays it on the defaults, then
// applies QLP_* environment overrides and validates the result. A missing
// file is not an error; defaults plus environment apply. An empty path skips
// the file entirely.
func LoadPlatform(path string) (*PlatformConfig, error) {
	base, err := yaml.Marshal(DefaultPlatformConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to encode default config: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, fmt.Errorf("failed to seed default config: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &PlatformConfig{}
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }); err != nil {
		return nil, fmt.Errorf("failed to decode platform config: %w", err)
	}
	if err := ValidatePlatform(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindPlatformConfig locates qlp.yaml: QLP_CONFIG_PATH, then the usual
// deploy and repo locations. Returns "" when nothing exists, which makes
// LoadPlatform run on defaults.
func FindPlatformConfig() string {
	candidates := []string{
		os.Getenv("QLP_CONFIG_PATH"),
		"/app/config/" + PlatformFile,
		"./config/" + PlatformFile,
		"../../config/" + PlatformFile,
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

// ValidatePlatform rejects configurations the platform cannot run with.
func ValidatePlatform(cfg *PlatformConfig) error {
	switch strings.ToLower(cfg.Service.Environment) {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("service.environment must be development, staging or production, got %q", cfg.Service.Environment)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", cfg.Logging.Format)
	}

	if cfg.Temporal.HostPort == "" {
		return fmt.Errorf("temporal.host_port is required")
	}
	if cfg.Temporal.TaskQueue == "" {
		return fmt.Errorf("temporal.task_queue is required")
	}

	switch strings.ToLower(cfg.Workflow.DefaultMode) {
	case "basic", "complete", "robust":
	default:
		return fmt.Errorf("workflow.default_mode must be basic, complete or robust, got %q", cfg.Workflow.DefaultMode)
	}
	if cfg.Workflow.MaxTasks < 1 || cfg.Workflow.MaxTasks > taskgraph.MaxTasks {
		return fmt.Errorf("workflow.max_tasks must be between 1 and %d, got %d", taskgraph.MaxTasks, cfg.Workflow.MaxTasks)
	}
	if cfg.Workflow.MaxConcurrency < 1 {
		return fmt.Errorf("workflow.max_concurrency must be at least 1, got %d", cfg.Workflow.MaxConcurrency)
	}
	if cfg.Workflow.Deadline <= 0 {
		return fmt.Errorf("workflow.deadline must be positive, got %s", cfg.Workflow.Deadline)
	}

	for _, tier := range []struct {
		name string
		cfg  TierConfig
	}{
		{"t0", cfg.Tiers.T0}, {"t1", cfg.Tiers.T1}, {"t2", cfg.Tiers.T2}, {"t3", cfg.Tiers.T3},
	} {
		if tier.cfg.Model == "" {
			return fmt.Errorf("tiers.%s.model is required", tier.name)
		}
		if tier.cfg.Timeout <= 0 {
			return fmt.Errorf("tiers.%s.timeout must be positive, got %s", tier.name, tier.cfg.Timeout)
		}
	}

	if cfg.Validation.CompleteThreshold < 0 || cfg.Validation.CompleteThreshold > 1 {
		return fmt.Errorf("validation.complete_threshold must be in [0,1], got %f", cfg.Validation.CompleteThreshold)
	}
	if cfg.Validation.RobustThreshold < 0 || cfg.Validation.RobustThreshold > 1 {
		return fmt.Errorf("validation.robust_threshold must be in [0,1], got %f", cfg.Validation.RobustThreshold)
	}

	switch strings.ToLower(cfg.Moderation.BlockSeverity) {
	case "medium", "high", "critical":
	default:
		return fmt.Errorf("moderation.block_severity must be medium, high or critical, got %q", cfg.Moderation.BlockSeverity)
	}
	for tenant, rules := range cfg.Moderation.TenantRules {
		for i, rule := range rules {
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				return fmt.Errorf("moderation.tenant_rules.%s[%d]: invalid pattern: %w", tenant, i, err)
			}
			switch strings.ToLower(rule.Severity) {
			case "low", "medium", "high", "critical":
			default:
				return fmt.Errorf("moderation.tenant_rules.%s[%d]: severity must be low, medium, high or critical, got %q", tenant, i, rule.Severity)
			}
		}
	}
	for tenant, patterns := range cfg.Moderation.TenantWhitelist {
		for i, p := range patterns {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("moderation.tenant_whitelist.%s[%d]: invalid pattern: %w", tenant, i, err)
			}
		}
	}

	if r := cfg.Quotas.Defaults.SoftRatio; r < 0 || r > 1 {
		return fmt.Errorf("quotas.defaults.soft_ratio must be in [0,1], got %f", r)
	}
	for tenant, limits := range cfg.Quotas.Tenants {
		if limits.SoftRatio < 0 || limits.SoftRatio > 1 {
			return fmt.Errorf("quotas.tenants.%s.soft_ratio must be in [0,1], got %f", tenant, limits.SoftRatio)
		}
		if limits.MonthlyTokens < 0 || limits.MonthlyCostUSD < 0 {
			return fmt.Errorf("quotas.tenants.%s limits must not be negative", tenant)
		}
	}

	if cfg.Streaming.RingCapacity < 1 {
		return fmt.Errorf("streaming.ring_capacity must be at least 1, got %d", cfg.Streaming.RingCapacity)
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0,1], got %f", cfg.Tracing.SampleRate)
	}
	return nil
}

// PlatformManager keeps a typed snapshot of qlp.yaml current as the file
// changes, and notifies registered callbacks on every applied reload.
type PlatformManager struct {
	manager   *Manager
	logger    *zap.Logger
	path      string
	mu        sync.RWMutex
	current   *PlatformConfig
	callbacks []func(old, new *PlatformConfig) error
}

// NewPlatformManager wires a typed platform view onto a Manager. path is the
// full path to qlp.yaml inside the manager's config directory.
func NewPlatformManager(manager *Manager, path string, logger *zap.Logger) *PlatformManager {
	return &PlatformManager{
		manager: manager,
		logger:  logger,
		path:    path,
	}
}

// Initialize loads the configuration once and registers the validator and
// change handler with the manager. Settings are available immediately; the
// watcher's initial pass re-applies the same snapshot after Start.
func (pm *PlatformManager) Initialize() error {
	pm.manager.RegisterValidator(PlatformFile, func(map[string]interface{}) error {
		_, err := LoadPlatform(pm.path)
		return err
	})
	pm.manager.RegisterHandler(PlatformFile, func(event ChangeEvent) error {
		return pm.reload(event.Action)
	})
	return pm.reload("bootstrap")
}

// Get returns a copy of the current configuration. Nested maps are shared;
// treat the result as read-only.
func (pm *PlatformManager) Get() *PlatformConfig {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.current == nil {
		return DefaultPlatformConfig()
	}
	cp := *pm.current
	return &cp
}

// RegisterCallback registers a function invoked after each applied reload.
// old is nil on the first load. Callback errors are logged, not fatal.
func (pm *PlatformManager) RegisterCallback(cb func(old, new *PlatformConfig) error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.callbacks = append(pm.callbacks, cb)
}

func (pm *PlatformManager) reload(action string) error {
	next, err := LoadPlatform(pm.path)
	if err != nil {
		return err
	}

	pm.mu.Lock()
	prev := pm.current
	pm.current = next
	callbacks := make([]func(old, new *PlatformConfig) error, len(pm.callbacks))
	copy(callbacks, pm.callbacks)
	pm.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb(prev, next); err != nil {
			pm.logger.Error("Platform config callback failed",
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}

	pm.logger.Info("Platform configuration applied",
		zap.String("action", action),
		zap.String("environment", next.Service.Environment),
		zap.String("default_mode", next.Workflow.DefaultMode),
		zap.Int("max_tasks", next.Workflow.MaxTasks),
	)
	return nil
}
