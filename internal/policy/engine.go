package policy

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// decisionQuery is the Rego entrypoint every admission policy must define.
const decisionQuery = "data.qlp.admission.decision"

// Engine evaluates admission rules for generation requests
type Engine interface {
	Evaluate(ctx context.Context, input *AdmissionInput) (*Decision, error)
	LoadPolicies() error
	IsEnabled() bool
	// Environment returns the configured environment (e.g., dev|staging|prod)
	Environment() string
	// Mode returns the current enforcement mode (off|dry-run|enforce)
	Mode() Mode
}

// AdmissionInput is the request context a policy rules over.
type AdmissionInput struct {
	RequestID string `json:"request_id"`
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id,omitempty"`

	// Request details
	Description string `json:"description"`
	Mode        string `json:"mode"` // basic, complete, robust
	Tier        string `json:"tier,omitempty"`

	// Resource context
	EstimatedTokens int `json:"estimated_tokens,omitempty"`

	Environment string                 `json:"environment"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Decision is the admission verdict.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`

	// MaxTier, when set, caps the model tier tasks of this request may use.
	MaxTier string `json:"max_tier,omitempty"`

	// Audit
	PolicyVersion string            `json:"policy_version,omitempty"`
	AuditTags     map[string]string `json:"audit_tags,omitempty"`
}

// OPAEngine implements Engine over compiled Rego policies
type OPAEngine struct {
	config   *Config
	logger   *zap.Logger
	compiled *rego.PreparedEvalQuery
	enabled  bool
	version  string
	// simple in-memory LRU cache for decisions
	cache *decisionCache
}

// NewOPAEngine creates a new OPA-based admission engine
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	engine := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled && config.Mode != ModeOff,
		cache:   newDecisionCache(1000, 5*time.Minute),
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			engine.enabled = false
		}
	}

	return engine, nil
}

// LoadPolicies loads and compiles all .rego files from the configured
// directory. Compilation is all-or-nothing.
func (e *OPAEngine) LoadPolicies() error {
	if !e.config.Enabled {
		return nil
	}

	policies := make(map[string]string)
	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".rego") {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", path, err)
			}
			relPath, _ := filepath.Rel(e.config.Path, path)
			policies[strings.TrimSuffix(relPath, ".rego")] = string(content)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}

	if len(policies) == 0 {
		e.logger.Warn("No policy files found", zap.String("path", e.config.Path))
		if e.config.FailClosed {
			return fmt.Errorf("no policies found in fail-closed mode")
		}
		return nil
	}

	regoOptions := []func(*rego.Rego){rego.Query(decisionQuery)}
	for moduleName, content := range policies {
		regoOptions = append(regoOptions, rego.Module(moduleName, content))
	}

	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}
	e.compiled = &compiled
	e.version = policyVersion(policies)

	e.logger.Info("Admission policies loaded",
		zap.Int("policy_count", len(policies)),
		zap.String("version", e.version),
		zap.String("query", decisionQuery),
	)
	RecordPolicyLoad(e.config.Path, len(policies), float64(time.Now().Unix()))
	RecordPolicyVersion(e.config.Path, e.version)
	return nil
}

// Evaluate runs the compiled policy against one admission input.
func (e *OPAEngine) Evaluate(ctx context.Context, input *AdmissionInput) (*Decision, error) {
	startTime := time.Now()

	defaultDecision := &Decision{
		Allow:  !e.config.FailClosed, // fail-open admits, fail-closed denies
		Reason: "policy engine disabled or no policies loaded",
		AuditTags: map[string]string{
			"policy_enabled": fmt.Sprintf("%t", e.enabled),
			"mode":           string(e.config.Mode),
		},
	}

	if !e.enabled || e.compiled == nil {
		return defaultDecision, nil
	}

	if d, ok := e.cache.Get(input); ok {
		RecordCacheHit(string(e.config.Mode))
		return d, nil
	}
	RecordCacheMiss(string(e.config.Mode))

	inputMap, err := toMap(input)
	if err != nil {
		e.logger.Error("Failed to convert admission input", zap.Error(err))
		RecordError("input_conversion", string(e.config.Mode))
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "input conversion failed"}, err
		}
		return defaultDecision, nil
	}

	results, err := e.compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		RecordError("policy_evaluation", string(e.config.Mode))
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return defaultDecision, nil
	}

	decision := e.parseResults(results, input)
	decision = e.applyMode(decision)

	duration := time.Since(startTime)
	decisionLabel := "allow"
	if !decision.Allow {
		decisionLabel = "deny"
		RecordDenyReason(decision.Reason, string(e.config.Mode))
	}
	RecordEvaluation(decisionLabel, string(e.config.Mode), decision.Reason)
	RecordEvaluationDuration(string(e.config.Mode), duration.Seconds())

	e.logger.Debug("Admission evaluated",
		zap.Bool("allow", decision.Allow),
		zap.String("reason", decision.Reason),
		zap.String("max_tier", decision.MaxTier),
		zap.Duration("duration", duration),
		zap.String("request_id", input.RequestID),
		zap.String("tenant_id", input.TenantID),
	)

	e.cache.Set(input, decision)
	RecordCacheSize("admission_decisions", e.cache.Len())
	return decision, nil
}

// IsEnabled returns whether the engine is enabled and has compiled policies
func (e *OPAEngine) IsEnabled() bool {
	return e.enabled && e.compiled != nil
}

// Environment returns the configured environment for the engine
func (e *OPAEngine) Environment() string { return e.config.Environment }

// Mode returns the configured enforcement mode for the engine
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

func toMap(input *AdmissionInput) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// parseResults maps the Rego result set onto a Decision. A structured
// decision object wins; a bare boolean is accepted for minimal policies.
func (e *OPAEngine) parseResults(results rego.ResultSet, input *AdmissionInput) *Decision {
	decision := &Decision{
		Allow:         false, // default deny when rules matched nothing
		Reason:        "no matching policy rules",
		PolicyVersion: e.version,
		AuditTags: map[string]string{
			"request_id": input.RequestID,
			"tenant_id":  input.TenantID,
			"mode":       input.Mode,
		},
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	value := results[0].Expressions[0].Value
	if valueMap, ok := value.(map[string]interface{}); ok {
		if allow, ok := valueMap["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := valueMap["reason"].(string); ok {
			decision.Reason = reason
		}
		if maxTier, ok := valueMap["max_tier"].(string); ok {
			decision.MaxTier = maxTier
		}
	} else if allow, ok := value.(bool); ok {
		decision.Allow = allow
		if allow {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}
	return decision
}

// applyMode converts a raw verdict into an effective one. Dry-run always
// admits but preserves what would have happened for analysis.
func (e *OPAEngine) applyMode(decision *Decision) *Decision {
	if decision.AuditTags == nil {
		decision.AuditTags = make(map[string]string)
	}
	decision.AuditTags["mode"] = string(e.config.Mode)

	switch e.config.Mode {
	case ModeEnforce:
		return decision

	case ModeDryRun:
		original := *decision
		decision.Allow = true
		if !original.Allow {
			decision.Reason = fmt.Sprintf("DRY-RUN: would have been denied - %s", original.Reason)
			RecordDryRunDivergence("would_deny")
		} else {
			decision.Reason = fmt.Sprintf("DRY-RUN: would have been allowed - %s", original.Reason)
		}
		e.logger.Info("Dry-run admission evaluation",
			zap.Bool("would_allow", original.Allow),
			zap.String("original_reason", original.Reason),
		)
		return decision

	case ModeOff:
		decision.Allow = !e.config.FailClosed
		decision.Reason = "policy engine disabled"
		return decision

	default:
		decision.Allow = true
		decision.Reason = fmt.Sprintf("unknown mode %s, defaulting to allow", e.config.Mode)
		return decision
	}
}

// policyVersion hashes policy content in name order for deployment tracking.
func policyVersion(policies map[string]string) string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)

	h := md5.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(policies[name]))
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:4])
}

// --- internal decision cache (simple LRU with TTL) ---

// The cache key covers every input field a policy can discriminate on except
// free-form context; the description is hashed to keep keys small.

type decisionCache struct {
	cap    int
	ttl    time.Duration
	mu     sync.Mutex
	list   *list.List               // MRU at front
	m      map[string]*list.Element // key -> element
	hits   int64
	misses int64
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func (c *decisionCache) makeKey(input *AdmissionInput) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(input.Description)))
	qh := h.Sum64()
	return fmt.Sprintf("%s|%s|%s|%s|%s|%d|%x",
		input.Environment, input.Mode, input.TenantID, input.UserID, input.Tier, input.EstimatedTokens, qh,
	)
}

func (c *decisionCache) Get(input *AdmissionInput) (*Decision, bool) {
	key := c.makeKey(input)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			atomic.AddInt64(&c.hits, 1)
			return ce.decision, true
		}
		// expired
		c.list.Remove(el)
		delete(c.m, key)
	}
	atomic.AddInt64(&c.misses, 1)
	return nil, false
}

func (c *decisionCache) Set(input *AdmissionInput, d *Decision) {
	key := c.makeKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d})
	c.m[key] = el
	if c.list.Len() > c.cap {
		lru := c.list.Back()
		if lru != nil {
			ce := lru.Value.(cacheEntry)
			delete(c.m, ce.key)
			c.list.Remove(lru)
		}
	}
}

// Stats returns cumulative cache hit/miss counts
func (c *decisionCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}

// Len returns the current number of cached decisions
func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}
