package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/streaming"
)

func TestParseStreamQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/stream/sse?workflow_id=qlp-gen-abc&types=WORKFLOW_STARTED,%20TASK_COMPLETED&last_event_id=7", nil)
	q := parseStreamQuery(r)

	assert.Equal(t, "qlp-gen-abc", q.workflowID)
	assert.Equal(t, uint64(7), q.afterSeq)
	assert.Contains(t, q.types, "WORKFLOW_STARTED")
	assert.Contains(t, q.types, "TASK_COMPLETED")
	assert.Len(t, q.types, 2)
}

func TestParseStreamQueryHeaderWinsOnReconnect(t *testing.T) {
	r := httptest.NewRequest("GET", "/stream/sse?workflow_id=w&last_event_id=3", nil)
	r.Header.Set("Last-Event-ID", "12")
	assert.Equal(t, uint64(12), parseStreamQuery(r).afterSeq)
}

func TestParseStreamQueryIgnoresBadSequence(t *testing.T) {
	r := httptest.NewRequest("GET", "/stream/sse?workflow_id=w&last_event_id=nonsense", nil)
	assert.Zero(t, parseStreamQuery(r).afterSeq)
}

func TestStreamQueryFilter(t *testing.T) {
	open := streamQuery{}
	assert.True(t, open.wants(streaming.Event{Type: streaming.EventWorkflowStarted}))

	narrow := streamQuery{types: map[string]struct{}{string(streaming.EventTaskCompleted): {}}}
	assert.True(t, narrow.wants(streaming.Event{Type: streaming.EventTaskCompleted}))
	assert.False(t, narrow.wants(streaming.Event{Type: streaming.EventWorkflowStarted}))
}
