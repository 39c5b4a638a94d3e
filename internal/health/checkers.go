package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	sdkclient "go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/circuitbreaker"
)

const probeTimeout = 5 * time.Second

// begin stamps the shared fields every probe result carries. Duration is
// filled in by the checker once the probe returns.
func begin(component string, critical bool) CheckResult {
	return CheckResult{
		Component: component,
		Critical:  critical,
		Timestamp: time.Now(),
	}
}

// classifyLatency grades a successful probe by round-trip time.
func classifyLatency(d, slow time.Duration, display string) (CheckStatus, string) {
	if d > slow {
		return StatusDegraded, display + " responding but with high latency"
	}
	return StatusHealthy, display + " healthy"
}

// RedisHealthChecker probes the Redis instance backing the result store and
// fingerprint cache. An open breaker reports unhealthy without touching the
// connection.
type RedisHealthChecker struct {
	client  redis.UniversalClient
	wrapper *circuitbreaker.RedisWrapper
	logger  *zap.Logger
	timeout time.Duration
}

func NewRedisHealthChecker(client redis.UniversalClient, wrapper *circuitbreaker.RedisWrapper, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{
		client:  client,
		wrapper: wrapper,
		logger:  logger,
		timeout: probeTimeout,
	}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return true }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	result := begin("redis", true)

	if r.wrapper != nil && r.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Redis circuit breaker is open"
		result.Duration = time.Since(result.Timestamp)
		return result
	}

	err := r.client.Ping(ctx).Err()
	result.Duration = time.Since(result.Timestamp)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
		result.Details = map[string]interface{}{
			"error":      err.Error(),
			"latency_ms": result.Duration.Milliseconds(),
		}
		return result
	}

	result.Status, result.Message = classifyLatency(result.Duration, 100*time.Millisecond, "Redis")
	result.Details = map[string]interface{}{
		"latency_ms":           result.Duration.Milliseconds(),
		"circuit_breaker_open": false,
	}
	return result
}

// DatabaseHealthChecker probes Postgres. Pool exhaustion degrades the result
// even when the ping itself is fast.
type DatabaseHealthChecker struct {
	db      *sql.DB
	wrapper *circuitbreaker.DatabaseWrapper
	logger  *zap.Logger
	timeout time.Duration
}

func NewDatabaseHealthChecker(db *sql.DB, wrapper *circuitbreaker.DatabaseWrapper, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{
		db:      db,
		wrapper: wrapper,
		logger:  logger,
		timeout: probeTimeout,
	}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return true }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	result := begin("database", true)

	if d.wrapper != nil && d.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Database circuit breaker is open"
		result.Duration = time.Since(result.Timestamp)
		return result
	}

	err := d.db.PingContext(ctx)
	result.Duration = time.Since(result.Timestamp)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Database ping failed"
		result.Details = map[string]interface{}{
			"error":      err.Error(),
			"latency_ms": result.Duration.Milliseconds(),
		}
		return result
	}

	stats := d.db.Stats()
	result.Status, result.Message = classifyLatency(result.Duration, 100*time.Millisecond, "Database")
	if stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections {
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	}

	result.Details = map[string]interface{}{
		"latency_ms":           result.Duration.Milliseconds(),
		"open_connections":     stats.OpenConnections,
		"max_open_connections": stats.MaxOpenConnections,
		"idle_connections":     stats.Idle,
		"in_use_connections":   stats.InUse,
		"circuit_breaker_open": false,
	}
	return result
}

// CollaboratorHealthChecker probes an HTTP collaborator's health endpoint.
// Used for the Agent Factory, validation mesh, moderation checker and
// sandbox runner.
type CollaboratorHealthChecker struct {
	name     string
	baseURL  string
	critical bool
	client   *http.Client
	logger   *zap.Logger
	timeout  time.Duration
}

// NewCollaboratorHealthChecker creates a health checker for one collaborator
// service. An empty baseURL reports unknown rather than unhealthy, so an
// unconfigured optional service never fails readiness.
func NewCollaboratorHealthChecker(name, baseURL string, critical bool, logger *zap.Logger) *CollaboratorHealthChecker {
	return &CollaboratorHealthChecker{
		name:     name,
		baseURL:  baseURL,
		critical: critical,
		client:   &http.Client{Timeout: probeTimeout},
		logger:   logger,
		timeout:  probeTimeout,
	}
}

func (c *CollaboratorHealthChecker) Name() string           { return c.name }
func (c *CollaboratorHealthChecker) IsCritical() bool       { return c.critical }
func (c *CollaboratorHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CollaboratorHealthChecker) Check(ctx context.Context) CheckResult {
	result := begin(c.name, c.critical)

	if c.baseURL == "" {
		result.Status = StatusUnknown
		result.Message = "not configured"
		result.Duration = time.Since(result.Timestamp)
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Duration = time.Since(result.Timestamp)
		return result
	}

	resp, err := c.client.Do(req)
	result.Duration = time.Since(result.Timestamp)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = fmt.Sprintf("%s unreachable", c.name)
		result.Details = map[string]interface{}{
			"base_url":   c.baseURL,
			"latency_ms": result.Duration.Milliseconds(),
		}
		return result
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%s returned %d", c.name, resp.StatusCode)
	case resp.StatusCode >= 400:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%s returned %d", c.name, resp.StatusCode)
	case result.Duration > 500*time.Millisecond:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%s responding slowly", c.name)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%s healthy", c.name)
	}

	result.Details = map[string]interface{}{
		"base_url":    c.baseURL,
		"status_code": resp.StatusCode,
		"latency_ms":  result.Duration.Milliseconds(),
	}
	return result
}

// TemporalHealthChecker probes the workflow engine's frontend service.
type TemporalHealthChecker struct {
	client  sdkclient.Client
	logger  *zap.Logger
	timeout time.Duration
}

func NewTemporalHealthChecker(client sdkclient.Client, logger *zap.Logger) *TemporalHealthChecker {
	return &TemporalHealthChecker{
		client:  client,
		logger:  logger,
		timeout: probeTimeout,
	}
}

func (t *TemporalHealthChecker) Name() string           { return "temporal" }
func (t *TemporalHealthChecker) IsCritical() bool       { return true }
func (t *TemporalHealthChecker) Timeout() time.Duration { return t.timeout }

func (t *TemporalHealthChecker) Check(ctx context.Context) CheckResult {
	result := begin("temporal", true)

	_, err := t.client.CheckHealth(ctx, &sdkclient.CheckHealthRequest{})
	result.Duration = time.Since(result.Timestamp)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Temporal frontend unreachable"
		result.Details = map[string]interface{}{
			"latency_ms": result.Duration.Milliseconds(),
		}
		return result
	}

	result.Status, result.Message = classifyLatency(result.Duration, 500*time.Millisecond, "Temporal")
	result.Details = map[string]interface{}{
		"latency_ms": result.Duration.Milliseconds(),
	}
	return result
}

// CustomHealthChecker adapts a plain function, used for in-process resources
// like the async write queue.
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{
		name:     name,
		critical: critical,
		timeout:  timeout,
		checkFn:  checkFn,
	}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
