package db

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventLog represents a persisted streaming event row.
type EventLog struct {
	ID         uuid.UUID `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Type       string    `json:"type"`
	TaskID     string    `json:"task_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	Payload    JSONB     `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Seq        uint64    `json:"seq,omitempty"`
	StreamID   string    `json:"stream_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SaveEventLog inserts a new event_logs row. Numbered events dedupe on
// (workflow_id, type, seq); seq 0 means unnumbered and stores as NULL.
func (c *Client) SaveEventLog(ctx context.Context, e *EventLog) error {
	if e == nil {
		return nil
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	var seq interface{}
	if e.Seq > 0 {
		seq = int64(e.Seq)
	}

	_, err := c.db.ExecContext(ctx, `
        INSERT INTO event_logs (
            id, workflow_id, type, task_id, message, payload, timestamp, seq, stream_id, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (workflow_id, type, seq) WHERE seq IS NOT NULL DO NOTHING
    `, e.ID, e.WorkflowID, e.Type, nullIfEmpty(e.TaskID), e.Message, e.Payload, e.Timestamp, seq, nullIfEmpty(e.StreamID), e.CreatedAt)
	return err
}

// RecentEventLogs returns the most recent rows for a workflow, oldest first.
// Backs the timeline endpoint's DB fallback for finished runs.
func (c *Client) RecentEventLogs(ctx context.Context, workflowID string, limit int) ([]EventLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := c.db.QueryContext(ctx, `
        SELECT id, workflow_id, type, COALESCE(task_id, ''), message, payload, timestamp, COALESCE(seq, 0), COALESCE(stream_id, ''), created_at
        FROM event_logs
        WHERE workflow_id = $1
        ORDER BY timestamp DESC
        LIMIT $2
    `, workflowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventLog
	for rows.Next() {
		var e EventLog
		var seq int64
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.Type, &e.TaskID, &e.Message, &e.Payload, &e.Timestamp, &seq, &e.StreamID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
