package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/streaming"
)

const (
	subscriberBuffer = 256
	sseHeartbeat     = 15 * time.Second
)

// StreamingHandler serves the SSE and WebSocket endpoints for generation
// run events.
type StreamingHandler struct {
	mgr    *streaming.Manager
	logger *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	return &StreamingHandler{mgr: mgr, logger: logger}
}

// RegisterRoutes registers streaming routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

// streamQuery is one client's subscription request, shared by the SSE and
// WebSocket endpoints.
type streamQuery struct {
	workflowID string
	types      map[string]struct{}
	afterSeq   uint64
}

// wants reports whether the type filter admits ev. An empty filter admits
// everything.
func (q *streamQuery) wants(ev streaming.Event) bool {
	if len(q.types) == 0 {
		return true
	}
	_, ok := q.types[string(ev.Type)]
	return ok
}

func parseStreamQuery(r *http.Request) streamQuery {
	q := streamQuery{
		workflowID: r.URL.Query().Get("workflow_id"),
		types:      map[string]struct{}{},
	}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.types[t] = struct{}{}
			}
		}
	}
	// The Last-Event-ID header wins on SSE reconnect; WebSocket clients only
	// have the query param.
	for _, raw := range []string{r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id")} {
		if raw == "" {
			continue
		}
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil && n > 0 {
			q.afterSeq = n
			break
		}
	}
	return q
}

// handleSSE streams events for a generation run via Server-Sent Events.
// GET /stream/sse?workflow_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	q := parseStreamQuery(r)
	if q.workflowID == "" {
		http.Error(w, `{"error":"workflow_id required"}`, http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// CORS stays permissive here; production traffic arrives via the gateway.
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := h.mgr.Subscribe(q.workflowID, subscriberBuffer)
	defer h.mgr.Unsubscribe(q.workflowID, ch)

	fmt.Fprintf(w, ": connected to workflow %s\n\n", q.workflowID)
	flusher.Flush()

	// Replay backlog on reconnect, best-effort.
	if q.afterSeq > 0 {
		for _, ev := range h.mgr.ReplaySince(q.workflowID, q.afterSeq) {
			if q.wants(ev) {
				writeSSE(w, ev)
			}
		}
		flusher.Flush()
	}

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", zap.String("workflow_id", q.workflowID))
			return
		case ev := <-ch:
			if !q.wants(ev) {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-hb.C:
			// Keeps idle connections alive through proxies.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSE writes one event in SSE wire format: id, event and data lines.
func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}
