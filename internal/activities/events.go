package activities

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/db"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/metrics"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/streaming"
)

// PublishProgress fans a progress event out to live subscribers and appends it
// to the durable timeline. Events are best effort: a run never fails because
// nobody could hear about it, so every failure path degrades to a warning.
func (a *Activities) PublishProgress(ctx context.Context, input ProgressEvent) error {
	logger := activity.GetLogger(ctx)

	evt := streaming.Event{
		WorkflowID: input.WorkflowID,
		Type:       streaming.EventType(input.Type),
		TaskID:     input.TaskID,
		Message:    input.Message,
		Data:       input.Data,
		Timestamp:  time.Now().UTC(),
	}
	if a.deps.Streams != nil {
		// Publish assigns the per-workflow sequence number; the persisted row
		// must carry the same one so replay-from-DB and live SSE agree.
		evt = a.deps.Streams.Publish(input.WorkflowID, evt)
	}
	metrics.EventsPublished.WithLabelValues(input.Type).Inc()

	if a.deps.DB == nil {
		return nil
	}
	entry := &db.EventLog{
		WorkflowID: input.WorkflowID,
		Type:       input.Type,
		TaskID:     input.TaskID,
		Message:    input.Message,
		Payload:    db.JSONB(input.Data),
		Timestamp:  evt.Timestamp,
		Seq:        evt.Seq,
	}
	if err := a.deps.DB.QueueWrite(db.WriteTypeEvent, entry, nil); err != nil {
		logger.Warn("Failed to queue event log",
			"workflow_id", input.WorkflowID,
			"type", input.Type,
			"error", err)
	}
	return nil
}
