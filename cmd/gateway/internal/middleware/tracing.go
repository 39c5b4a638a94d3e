package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/tracing"
)

type traceCtxKey int

const (
	traceIDKey traceCtxKey = iota
	spanIDKey
)

// TraceIDFrom returns the trace id attached by TracingMiddleware, or "".
func TraceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// TracingMiddleware assigns every request a trace id, honoring an incoming
// W3C traceparent so gateway spans join the caller's trace.
type TracingMiddleware struct {
	logger *zap.Logger
}

// NewTracingMiddleware creates a new tracing middleware
func NewTracingMiddleware(logger *zap.Logger) *TracingMiddleware {
	return &TracingMiddleware{logger: logger}
}

// Middleware returns the HTTP middleware function
func (tm *TracingMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		traceID := tm.extractTraceID(r)
		if traceID == "" {
			traceID = tm.generateTraceID()
		}
		spanID := tm.generateSpanID()

		ctx = context.WithValue(ctx, traceIDKey, traceID)
		ctx = context.WithValue(ctx, spanIDKey, spanID)

		w.Header().Set("X-Trace-ID", traceID)
		w.Header().Set("X-Span-ID", spanID)

		tm.logger.Debug("Request received",
			zap.String("trace_id", traceID),
			zap.String("span_id", spanID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractTraceID pulls a trace id from the incoming headers. A malformed
// traceparent is ignored rather than propagated.
func (tm *TracingMiddleware) extractTraceID(r *http.Request) string {
	if tp := r.Header.Get("traceparent"); tp != "" {
		if traceID, _, _, ok := tracing.ParseTraceparent(tp); ok {
			return traceID
		}
	}
	if traceID := r.Header.Get("X-Trace-ID"); traceID != "" {
		return traceID
	}
	if requestID := r.Header.Get("X-Request-ID"); requestID != "" {
		return requestID
	}
	return ""
}

func (tm *TracingMiddleware) generateTraceID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func (tm *TracingMiddleware) generateSpanID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String()[:16], "-", "")
}
