package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/cmd/gateway/internal/handlers"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/cmd/gateway/internal/middleware"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/cmd/gateway/internal/proxy"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/db"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/temporal"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/workflows"
)

type mw = func(http.Handler) http.Handler

// chain wraps h so the first middleware listed is the outermost.
func chain(h http.Handler, mws ...mw) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Postgres answers status queries for terminal runs and serves capsule
	// manifests.
	dbClient, err := db.NewClient(&db.Config{
		Host:     getEnvOrDefault("POSTGRES_HOST", "postgres"),
		Port:     getEnvOrDefaultInt("POSTGRES_PORT", 5432),
		User:     getEnvOrDefault("POSTGRES_USER", "qlp"),
		Password: getEnvOrDefault("POSTGRES_PASSWORD", "qlp"),
		Database: getEnvOrDefault("POSTGRES_DB", "qlp"),
		SSLMode:  getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer dbClient.Close()

	// Redis backs idempotency keys and per-user rate limits.
	redisOpts, err := redis.ParseURL(getEnvOrDefault("REDIS_URL", "redis://redis:6379"))
	if err != nil {
		logger.Fatal("Failed to parse Redis URL", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	// Workflows start from the gateway through the Temporal client, not
	// through the worker.
	temporalClient, err := client.Dial(client.Options{
		HostPort:  getEnvOrDefault("TEMPORAL_HOST", "temporal:7233"),
		Namespace: getEnvOrDefault("TEMPORAL_NAMESPACE", "default"),
		Logger:    temporal.NewZapAdapter(logger),
	})
	if err != nil {
		logger.Fatal("Failed to connect to Temporal", zap.Error(err))
	}
	defer temporalClient.Close()

	taskQueue := getEnvOrDefault("TEMPORAL_TASK_QUEUE", "qlp-tasks")
	adminURL := getEnvOrDefault("ADMIN_SERVER", "http://orchestrator:8081")

	gen := handlers.NewGenerationHandler(temporalClient, dbClient, taskQueue, logger)
	healthHandler := handlers.NewHealthHandler(temporalClient, dbClient, logger)
	openapiHandler := handlers.NewOpenAPIHandler()

	streamProxy, err := proxy.NewStreamingProxy(adminURL, logger)
	if err != nil {
		logger.Fatal("Failed to create streaming proxy", zap.Error(err))
	}

	trace := middleware.NewTracingMiddleware(logger).Middleware
	auth := middleware.AuthFromEnv(logger).Middleware
	validate := middleware.NewValidationMiddleware(logger).Middleware
	limit := middleware.NewRateLimiter(redisClient, logger).Middleware
	idem := middleware.NewIdempotencyMiddleware(redisClient, logger).Middleware

	mux := http.NewServeMux()

	// Unauthenticated surface.
	mux.HandleFunc("GET /health", healthHandler.Health)
	mux.HandleFunc("GET /readiness", healthHandler.Readiness)
	mux.HandleFunc("GET /openapi.json", openapiHandler.ServeSpec)

	// Mutating routes carry the full stack; idempotency runs innermost so a
	// replayed request is answered from cache after passing auth and limits.
	mux.Handle("POST /api/v1/generations",
		chain(http.HandlerFunc(gen.Submit), trace, auth, validate, limit, idem))
	mux.Handle("POST /api/v1/generations/{id}/cancel",
		chain(http.HandlerFunc(gen.Cancel), trace, auth, validate, limit, idem))
	mux.Handle("POST /api/v1/generations/{id}/pause",
		chain(http.HandlerFunc(gen.Pause), trace, auth, validate, limit, idem))
	mux.Handle("POST /api/v1/generations/{id}/resume",
		chain(http.HandlerFunc(gen.Resume), trace, auth, validate, limit, idem))
	mux.Handle("POST /api/v1/generations/{id}/feedback",
		chain(http.HandlerFunc(gen.Feedback), trace, auth, validate, limit, idem))

	// Read routes. Status polling skips the rate limiter: clients poll it
	// aggressively and it is a cheap Temporal query.
	mux.Handle("GET /api/v1/generations/{id}",
		chain(http.HandlerFunc(gen.GetStatus), trace, auth, validate))
	mux.Handle("GET /api/v1/generations/{id}/result",
		chain(http.HandlerFunc(gen.GetResult), trace, auth, validate, limit))
	mux.Handle("GET /api/v1/generations/{id}/control-state",
		chain(http.HandlerFunc(gen.ControlState), trace, auth, validate, limit))
	mux.Handle("GET /api/v1/generations/{id}/events",
		chain(http.HandlerFunc(gen.StreamEvents), trace, auth, validate))

	// Streaming and timeline forward to the worker admin server.
	mux.Handle("/api/v1/stream/sse", chain(streamProxy, trace, auth, validate))
	mux.Handle("/api/v1/stream/ws", chain(streamProxy, trace, auth, validate))
	mux.Handle("GET /api/v1/generations/{id}/timeline",
		chain(timelineProxy(adminURL, logger), trace, auth))

	port := getEnvOrDefaultInt("PORT", 8080)
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // SSE responses stay open
		IdleTimeout:  300 * time.Second, // long-lived event streams
	}

	go func() {
		logger.Info("Gateway starting", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start gateway", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Gateway shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Gateway forced to shutdown", zap.Error(err))
	}
	logger.Info("Gateway stopped")
}

// timelineProxy forwards timeline requests to the worker admin server, which
// holds the Temporal history access. Query params pass through, so
// mode=full&persist=true work from the public route.
func timelineProxy(adminURL string, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			http.Error(w, `{"error":"Generation ID required"}`, http.StatusBadRequest)
			return
		}
		workflowID := workflows.WorkflowIDFor(strings.TrimPrefix(id, workflows.WorkflowIDPrefix))
		target := strings.TrimRight(adminURL, "/") + "/timeline?workflow_id=" + workflowID
		if raw := r.URL.RawQuery; raw != "" {
			target += "&" + raw
		}

		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
		if err != nil {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			logger.Error("timeline proxy error", zap.Error(err))
			http.Error(w, `{"error":"upstream unavailable"}`, http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		for k, values := range resp.Header {
			for _, v := range values {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	})
}

// corsMiddleware answers preflight and tags every response. Streaming routes
// advertise GET only.
func corsMiddleware(next http.Handler) http.Handler {
	const allowedHeaders = "Content-Type, Authorization, X-API-Key, Idempotency-Key, traceparent, tracestate, Cache-Control, Last-Event-ID"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods := "GET, POST, PUT, PATCH, DELETE, OPTIONS"
		if strings.HasPrefix(r.URL.Path, "/api/v1/stream/") {
			methods = "GET, OPTIONS"
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", methods)
		h.Set("Access-Control-Allow-Headers", allowedHeaders)
		h.Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
