package middleware

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// idPattern accepts generation IDs, prefixed workflow IDs and Temporal run
// IDs. Anything outside this alphabet never names a real run.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9:_\-\.]{1,128}$`)

// A fieldCheck inspects one request parameter and returns an error message,
// or "" when the parameter is acceptable.
type fieldCheck func(r *http.Request) string

func checkPathID(r *http.Request) string {
	if id := r.PathValue("id"); id == "" || !idPattern.MatchString(id) {
		return "Invalid generation ID format"
	}
	return ""
}

func checkWorkflowID(r *http.Request) string {
	if wf := r.URL.Query().Get("workflow_id"); wf == "" || !idPattern.MatchString(wf) {
		return "Invalid or missing workflow_id"
	}
	return ""
}

func checkLastEventID(r *http.Request) string {
	v := r.URL.Query().Get("last_event_id")
	if v == "" {
		return ""
	}
	if n, err := strconv.ParseInt(v, 10, 64); err != nil || n < 0 {
		return "Invalid last_event_id"
	}
	return ""
}

// ValidationMiddleware rejects malformed identifiers and stream parameters
// before they reach Temporal. Body validation for submissions lives in the
// generation handler.
type ValidationMiddleware struct {
	logger *zap.Logger
}

func NewValidationMiddleware(logger *zap.Logger) *ValidationMiddleware {
	return &ValidationMiddleware{logger: logger}
}

// checksFor picks the parameter checks for a route. Routes not listed here
// validate nothing at this layer.
func checksFor(r *http.Request) []fieldCheck {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/api/v1/stream/"):
		return []fieldCheck{checkWorkflowID, checkLastEventID}
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v1/generations/") && strings.HasSuffix(path, "/events"):
		return []fieldCheck{checkPathID, checkLastEventID}
	case strings.HasPrefix(path, "/api/v1/generations/"):
		return []fieldCheck{checkPathID}
	}
	return nil
}

func (vm *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, check := range checksFor(r) {
			if msg := check(r); msg != "" {
				vm.reject(w, msg)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (vm *ValidationMiddleware) reject(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
