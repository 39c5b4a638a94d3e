package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies one progress event class.
type EventType string

const (
	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventPlanReady         EventType = "PLAN_READY"
	EventTaskStarted       EventType = "TASK_STARTED"
	EventTaskCompleted     EventType = "TASK_COMPLETED"
	EventTaskFailed        EventType = "TASK_FAILED"
	EventCacheHit          EventType = "CACHE_HIT"
	EventModerationFlagged EventType = "MODERATION_FLAGGED"
	EventValidationScored  EventType = "VALIDATION_SCORED"
	EventCapsuleReady      EventType = "CAPSULE_READY"
	EventWorkflowPaused    EventType = "WORKFLOW_PAUSED"
	EventWorkflowResumed   EventType = "WORKFLOW_RESUMED"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"
	EventWorkflowCancelled EventType = "WORKFLOW_CANCELLED"
)

// IsTerminal reports whether the event type ends a workflow stream.
func IsTerminal(t EventType) bool {
	switch t {
	case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled:
		return true
	}
	return false
}

// Event is one progress event on a workflow stream. Seq is assigned by the
// manager, per workflow, starting at 1.
type Event struct {
	WorkflowID string                 `json:"workflow_id"`
	Type       EventType              `json:"type"`
	TaskID     string                 `json:"task_id,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Seq        uint64                 `json:"seq"`
}

// Marshal returns the JSON form used for SSE data lines and WebSocket frames.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager is an in-process pub/sub hub for workflow progress events with a
// per-workflow ring buffer for Last-Event-ID replay. Terminal events release
// the workflow's ring and subscribers after a retention window.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	retention   time.Duration
}

// NewManager creates a manager with the given ring capacity per workflow.
// capacity <= 0 selects the default of 256.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		retention:   10 * time.Minute,
	}
}

// Subscribe registers a channel for a workflow's events. The caller must
// drain it and call Unsubscribe when done. The channel is closed on
// Unsubscribe or when the workflow's stream is released after a terminal
// event.
func (m *Manager) Subscribe(workflowID string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[workflowID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[workflowID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel. Safe to call after
// the stream was released.
func (m *Manager) Unsubscribe(workflowID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.subscribers[workflowID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(m.subscribers, workflowID)
	}
}

// Publish assigns the next sequence number, records the event in the replay
// ring and delivers it to subscribers. Slow subscribers lose events rather
// than block the publisher. All sends happen under the lock so a concurrent
// Unsubscribe can never close a channel mid-send.
func (m *Manager) Publish(workflowID string, evt Event) Event {
	m.mu.Lock()
	rg := m.history[workflowID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[workflowID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	rg.push(evt)
	for ch := range m.subscribers[workflowID] {
		select {
		case ch <- evt:
		default:
		}
	}
	retention := m.retention
	m.mu.Unlock()

	if IsTerminal(evt.Type) {
		time.AfterFunc(retention, func() { m.release(workflowID) })
	}
	return evt
}

// ReplaySince returns buffered events with Seq > since, oldest first.
// since 0 returns everything still in the ring.
func (m *Manager) ReplaySince(workflowID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[workflowID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// release drops the workflow's ring and closes remaining subscribers.
func (m *Manager) release(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, workflowID)
	for ch := range m.subscribers[workflowID] {
		close(ch)
	}
	delete(m.subscribers, workflowID)
}

// ring is a fixed-capacity event buffer. nextSeq starts at 1 so a client
// with no Last-Event-ID can pass 0 and receive the full buffer.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity), nextSeq: 1}
}

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
