package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/activities"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/budget"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/cache"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/circuitbreaker"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/config"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/constants"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/db"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/db/migrations"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/health"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/httpapi"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/memory"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/policy"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/pricing"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/ratecontrol"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/results"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/sandbox"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/streaming"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/temporal"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/tracing"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/workflows"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	circuitbreaker.StartMetricsCollection()

	// ------------------------------------------------------------------
	// Health manager and admin HTTP first, so readiness probes respond
	// while Postgres and Temporal are still connecting.
	// ------------------------------------------------------------------
	healthManager := health.NewManager(logger)
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(healthManager, logger).RegisterRoutes(adminMux)

	adminPort := getEnvOrDefaultInt("ADMIN_PORT", 8081)
	adminSrv := &http.Server{Addr: fmt.Sprintf(":%d", adminPort), Handler: adminMux}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", adminPort))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()
	if err := healthManager.Start(ctx); err != nil {
		logger.Warn("Health manager failed to start", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Platform configuration: qlp.yaml under CONFIG_DIR with hot reload,
	// defaults plus QLP_* environment when the file is absent.
	// ------------------------------------------------------------------
	var platform *config.PlatformManager
	configManager, err := config.NewManager(getEnvOrDefault("CONFIG_DIR", "./config"), logger)
	if err != nil {
		logger.Warn("Config watcher unavailable, running on built-in defaults", zap.Error(err))
	} else {
		platform = config.NewPlatformManager(configManager, config.FindPlatformConfig(), logger)
		if err := platform.Initialize(); err != nil {
			logger.Warn("Platform config load failed, running on built-in defaults", zap.Error(err))
		}

		// Pricing and rate limit tables hot-reload from their YAML files.
		// A bad edit keeps the previous tables in force.
		configManager.RegisterValidator("models.yaml", pricing.ValidateMap)
		configManager.RegisterHandler("models.yaml", func(ev config.ChangeEvent) error {
			pricing.Reload()
			logger.Info("Pricing configuration reloaded",
				zap.String("file", ev.File),
				zap.String("action", ev.Action))
			return nil
		})
		configManager.RegisterValidator("ratelimits.yaml", ratecontrol.ValidateMap)
		configManager.RegisterHandler("ratelimits.yaml", func(ev config.ChangeEvent) error {
			ratecontrol.Reload()
			logger.Info("Rate limit configuration reloaded",
				zap.String("file", ev.File),
				zap.String("action", ev.Action))
			return nil
		})

		if err := configManager.Start(ctx); err != nil {
			logger.Warn("Config watcher failed to start, file edits require a restart", zap.Error(err))
		} else {
			defer configManager.Stop()
		}
	}
	platformCfg := func() *config.PlatformConfig {
		if platform != nil {
			return platform.Get()
		}
		return config.DefaultPlatformConfig()
	}
	cfg := platformCfg()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without traces", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Postgres: run records, usage ledger, capsules, moderation audit.
	// ------------------------------------------------------------------
	dbClient, err := db.NewClient(&db.Config{
		Host:     getEnvOrDefault("POSTGRES_HOST", "postgres"),
		Port:     getEnvOrDefaultInt("POSTGRES_PORT", 5432),
		User:     getEnvOrDefault("POSTGRES_USER", "qlp"),
		Password: getEnvOrDefault("POSTGRES_PASSWORD", "qlp"),
		Database: getEnvOrDefault("POSTGRES_DB", "qlp"),
		SSLMode:  getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer dbClient.Close()
	if getEnvOrDefaultBool("DATABASE_AUTO_MIGRATE", false) {
		if err := migrations.Up(dbClient.GetDB()); err != nil {
			logger.Fatal("Failed to apply database migrations", zap.Error(err))
		}
		logger.Info("Database schema is up to date")
	}
	if err := healthManager.RegisterChecker(health.NewDatabaseHealthChecker(dbClient.GetDB(), dbClient.Wrapper(), logger)); err != nil {
		logger.Warn("Failed to register database health checker", zap.Error(err))
	}
	// A saturated write queue falls back to synchronous writes, so it reads
	// as degraded rather than unhealthy.
	writeQueueChecker := health.NewCustomHealthChecker("write_queue", false, time.Second, func(ctx context.Context) health.CheckResult {
		depth, capacity := dbClient.QueueDepth()
		res := health.CheckResult{
			Status:  health.StatusHealthy,
			Message: "Write queue draining",
			Details: map[string]interface{}{"depth": depth, "capacity": capacity},
		}
		if capacity > 0 && depth*10 >= capacity*8 {
			res.Status = health.StatusDegraded
			res.Message = "Write queue near capacity, writes may go synchronous"
		}
		return res
	})
	if err := healthManager.RegisterChecker(writeQueueChecker); err != nil {
		logger.Warn("Failed to register write queue health checker", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Redis: fingerprint cache, compute leases, task output store and the
	// vector memory response cache. All access goes through the circuit
	// breaker wrapper.
	// ------------------------------------------------------------------
	redisClient := redis.NewClient(&redis.Options{
		Addr:     getEnvOrDefault("REDIS_ADDR", "redis:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer redisClient.Close()
	redisWrapper := circuitbreaker.NewRedisWrapper(redisClient, logger)
	if err := healthManager.RegisterChecker(health.NewRedisHealthChecker(redisClient, redisWrapper, logger)); err != nil {
		logger.Warn("Failed to register redis health checker", zap.Error(err))
	}

	fingerprints := cache.New(redisWrapper, logger)
	resultStore := results.NewStore(redisWrapper, logger)

	ledger := budget.NewLedger(dbClient, budgetConfigFrom(cfg.Quotas), logger)

	// Admission policy engine. A nil engine admits everything, so failures
	// here only abort startup when the deployment is fail-closed.
	var policyEngine policy.Engine
	policyCfg := policy.LoadConfig()
	if eng, err := policy.NewOPAEngine(policyCfg, logger); err != nil {
		if policyCfg.FailClosed {
			logger.Fatal("Policy engine initialization failed with fail_closed set", zap.Error(err))
		}
		logger.Warn("Policy engine unavailable, admission allows all requests", zap.Error(err))
	} else {
		policyEngine = eng
		if configManager != nil {
			configManager.RegisterPolicyHandler(eng.LoadPolicies)
		}
	}

	// Per-workflow event streams, exposed over SSE and WebSocket on the
	// admin server for the gateway to proxy.
	streams := streaming.NewManager(cfg.Streaming.RingCapacity)
	streamHandler := httpapi.NewStreamingHandler(streams, logger)
	streamHandler.RegisterRoutes(adminMux)
	streamHandler.RegisterWebSocket(adminMux)

	memoryClient := memory.NewClient(memory.Config{
		Enabled: getEnvOrDefaultBool("MEMORY_ENABLED", true),
		BaseURL: getEnvOrDefault("MEMORY_BASE_URL", "http://vector-memory:8090"),
	}, redisWrapper, logger)

	var sandboxExec sandbox.Executor
	if sb := cfg.Collaborators.Sandbox; sb.BaseURL != "" {
		sandboxExec = sandbox.NewHTTPExecutor(sb.BaseURL, sb.Timeout, logger)
	}

	registerCollaboratorCheckers(healthManager, cfg, logger)

	// Prometheus metrics on a dedicated port.
	go func() {
		port := cfg.Service.MetricsPort
		if port == 0 {
			port = 2112
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", port)
		logger.Info("Metrics server listening", zap.String("address", addr))
		if err := http.ListenAndServe(addr, metricsMux); err != nil {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// ------------------------------------------------------------------
	// Temporal client and worker.
	// ------------------------------------------------------------------
	tClient := dialTemporal(cfg, logger)
	defer tClient.Close()
	if err := healthManager.RegisterChecker(health.NewTemporalHealthChecker(tClient, logger)); err != nil {
		logger.Warn("Failed to register temporal health checker", zap.Error(err))
	}
	httpapi.NewTimelineHandler(tClient, dbClient, logger).RegisterRoutes(adminMux)

	acts := activities.NewActivities(activities.Deps{
		Logger:   logger,
		DB:       dbClient,
		Ledger:   ledger,
		Policy:   policyEngine,
		Streams:  streams,
		Cache:    fingerprints,
		Results:  resultStore,
		Memory:   memoryClient,
		Sandbox:  sandboxExec,
		Platform: platformCfg,
	})

	taskQueue := getEnvOrDefault("TEMPORAL_TASK_QUEUE", cfg.Temporal.TaskQueue)
	wk := worker.New(tClient, taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     cfg.Temporal.MaxConcurrentActivities,
		MaxConcurrentWorkflowTaskExecutionSize: cfg.Temporal.MaxConcurrentWorkflowTasks,
	})
	wk.RegisterWorkflow(workflows.GenerationWorkflow)
	registerActivities(wk, acts)

	workerErr := make(chan error, 1)
	go func() {
		logger.Info("Temporal worker started", zap.String("queue", taskQueue))
		workerErr <- wk.Run(worker.InterruptCh())
	}()

	// ------------------------------------------------------------------
	// Graceful shutdown.
	// ------------------------------------------------------------------
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("Shutting down orchestrator worker", zap.String("signal", sig.String()))
	case err := <-workerErr:
		if err != nil {
			logger.Error("Temporal worker exited", zap.Error(err))
		}
	}

	wk.Stop()
	cancel()
	if err := healthManager.Stop(); err != nil {
		logger.Warn("Health manager stop failed", zap.Error(err))
	}

	grace := cfg.Service.GracefulTimeout
	if grace == 0 {
		grace = 30 * time.Second
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), grace)
	defer cancelShutdown()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin HTTP server shutdown failed", zap.Error(err))
	}
}

// dialTemporal waits for the Temporal frontend and dials the SDK client.
// Startup ordering in compose and k8s is not guaranteed, so this retries
// until the endpoint accepts connections.
func dialTemporal(cfg *config.PlatformConfig, logger *zap.Logger) client.Client {
	host := getEnvOrDefault("TEMPORAL_HOST", cfg.Temporal.HostPort)
	namespace := getEnvOrDefault("TEMPORAL_NAMESPACE", cfg.Temporal.Namespace)

	for i := 1; i <= 60; i++ {
		c, err := net.DialTimeout("tcp", host, 2*time.Second)
		if err == nil {
			_ = c.Close()
			break
		}
		logger.Warn("Waiting for Temporal TCP endpoint", zap.String("host", host), zap.Int("attempt", i))
		time.Sleep(1 * time.Second)
	}

	for attempt := 1; ; attempt++ {
		tc, err := client.Dial(client.Options{
			HostPort:  host,
			Namespace: namespace,
			Logger:    temporal.NewZapAdapter(logger),
		})
		if err == nil {
			logger.Info("Connected to Temporal",
				zap.String("host", host),
				zap.String("namespace", namespace),
			)
			return tc
		}
		delay := time.Duration(attempt)
		if delay > 15 {
			delay = 15
		}
		logger.Warn("Temporal not ready, retrying",
			zap.Int("attempt", attempt),
			zap.String("host", host),
			zap.Duration("sleep", delay*time.Second),
			zap.Error(err),
		)
		time.Sleep(delay * time.Second)
	}
}

// registerActivities registers every activity under its wire name. Names must
// match internal/constants so workflow code and tests resolve the same
// registrations.
func registerActivities(wk worker.Worker, acts *activities.Activities) {
	for _, reg := range []struct {
		fn   interface{}
		name string
	}{
		{acts.GetWorkflowConfig, constants.GetWorkflowConfigActivity},
		{acts.DecomposeTasks, constants.DecomposeTasksActivity},
		{acts.EvolvePrompts, constants.EvolvePromptsActivity},
		{acts.ExecuteTask, constants.ExecuteTaskActivity},
		{acts.ValidateOutputs, constants.ValidateOutputsActivity},
		{acts.ModerateContent, constants.ModerateContentActivity},
		{acts.RecordModerationHit, constants.RecordModerationHitActivity},
		{acts.LookupCachedResult, constants.LookupCachedResultActivity},
		{acts.StoreCachedResult, constants.StoreCachedResultActivity},
		{acts.AcquireComputeLease, constants.AcquireComputeLeaseActivity},
		{acts.ReleaseComputeLease, constants.ReleaseComputeLeaseActivity},
		{acts.RehydrateCachedResult, constants.RehydrateCachedResultActivity},
		{acts.AssembleCapsule, constants.AssembleCapsuleActivity},
		{acts.CheckQuota, constants.CheckQuotaActivity},
		{acts.FinalizeLedger, constants.FinalizeLedgerActivity},
		{acts.EvaluateAdmission, constants.EvaluateAdmissionActivity},
		{acts.UpsertRunRecord, constants.UpsertRunRecordActivity},
		{acts.PublishProgress, constants.PublishProgressActivity},
		{acts.LookupPlanHints, constants.LookupPlanHintsActivity},
		{acts.RecordPlanMemory, constants.RecordPlanMemoryActivity},
	} {
		wk.RegisterActivityWithOptions(reg.fn, activity.RegisterOptions{Name: reg.name})
	}
}

// registerCollaboratorCheckers adds one HTTP health checker per downstream
// service. Only the agent factory is critical: without it no task can run,
// while validation, moderation and sandbox degrade individual stages.
func registerCollaboratorCheckers(m *health.Manager, cfg *config.PlatformConfig, logger *zap.Logger) {
	for _, c := range []struct {
		name     string
		baseURL  string
		critical bool
	}{
		{"agent-factory", cfg.Collaborators.AgentFactory.BaseURL, true},
		{"validation-mesh", cfg.Collaborators.ValidationMesh.BaseURL, false},
		{"moderation", cfg.Collaborators.Moderation.BaseURL, false},
		{"sandbox", cfg.Collaborators.Sandbox.BaseURL, false},
	} {
		if err := m.RegisterChecker(health.NewCollaboratorHealthChecker(c.name, c.baseURL, c.critical, logger)); err != nil {
			logger.Warn("Failed to register collaborator health checker",
				zap.String("name", c.name),
				zap.Error(err),
			)
		}
	}
}

func budgetConfigFrom(q config.QuotasConfig) budget.Config {
	conv := func(l config.LimitsConfig) budget.Limits {
		return budget.Limits{
			MonthlyTokens:     l.MonthlyTokens,
			MonthlyCostUSD:    l.MonthlyCostUSD,
			SoftRatio:         l.SoftRatio,
			RequestsPerMinute: l.RequestsPerMinute,
			Burst:             l.Burst,
		}
	}
	out := budget.Config{
		Defaults:        conv(q.Defaults),
		RefreshInterval: q.RefreshInterval,
		DedupTTL:        q.DedupTTL,
	}
	if len(q.Tenants) > 0 {
		out.Tenants = make(map[string]budget.Limits, len(q.Tenants))
		for id, l := range q.Tenants {
			out.Tenants[id] = conv(l)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
