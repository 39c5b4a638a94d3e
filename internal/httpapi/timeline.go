package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	failurepb "go.temporal.io/api/failure/v1"
	historypb "go.temporal.io/api/history/v1"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/constants"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/db"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/workflows/control"
)

// TimelineHandler reconstructs a generation run's story from Temporal history.
// The output rows use the RUN_/STAGE_ vocabulary so persisted timelines share
// the event_logs table with live progress events without clashing.
type TimelineHandler struct {
	tclient  client.Client
	dbClient *db.Client
	logger   *zap.Logger
}

func NewTimelineHandler(tc client.Client, dbc *db.Client, logger *zap.Logger) *TimelineHandler {
	return &TimelineHandler{tclient: tc, dbClient: dbc, logger: logger}
}

func (h *TimelineHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/timeline", h.handleBuildTimeline)
}

// stageLabels maps activity type names to the pipeline stage a reader knows
// them by. Unknown activity types fall through to their raw name.
var stageLabels = map[string]string{
	constants.GetWorkflowConfigActivity:     "config snapshot",
	constants.DecomposeTasksActivity:        "plan decomposition",
	constants.EvolvePromptsActivity:         "prompt evolution",
	constants.ExecuteTaskActivity:           "task dispatch",
	constants.ValidateOutputsActivity:       "validation",
	constants.ModerateContentActivity:       "content moderation",
	constants.RecordModerationHitActivity:   "moderation bookkeeping",
	constants.LookupCachedResultActivity:    "cache lookup",
	constants.StoreCachedResultActivity:     "cache store",
	constants.AcquireComputeLeaseActivity:   "compute lease acquire",
	constants.ReleaseComputeLeaseActivity:   "compute lease release",
	constants.RehydrateCachedResultActivity: "cache rehydrate",
	constants.AssembleCapsuleActivity:       "capsule assembly",
	constants.CheckQuotaActivity:            "quota check",
	constants.FinalizeLedgerActivity:        "ledger finalize",
	constants.EvaluateAdmissionActivity:     "admission policy",
	constants.UpsertRunRecordActivity:       "run bookkeeping",
	constants.PublishProgressActivity:       "progress publish",
	constants.LookupPlanHintsActivity:       "plan memory lookup",
	constants.RecordPlanMemoryActivity:      "plan memory record",
}

func stageLabel(activityType string) string {
	if label, ok := stageLabels[activityType]; ok {
		return label
	}
	return activityType
}

// pendingStage tracks a scheduled activity until its terminal event arrives.
type pendingStage struct {
	Label     string
	ID        string
	Scheduled time.Time
	Started   time.Time
}

type pendingTimer struct {
	ID      string
	Timeout time.Duration
}

// handleBuildTimeline: GET /timeline?workflow_id=&run_id=&mode=summary|full&include_payloads=false&persist=true
func (h *TimelineHandler) handleBuildTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	params := r.URL.Query()
	workflowID := params.Get("workflow_id")
	if workflowID == "" {
		http.Error(w, `{"error":"workflow_id required"}`, http.StatusBadRequest)
		return
	}
	mode := params.Get("mode")
	if mode != "full" {
		mode = "summary"
	}
	fullFailures := strings.EqualFold(params.Get("include_payloads"), "true")

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	events, stats, err := h.buildTimeline(ctx, workflowID, params.Get("run_id"), mode, fullFailures)
	if err != nil {
		h.logger.Error("build timeline failed", zap.String("workflow_id", workflowID), zap.Error(err))
		http.Error(w, fmt.Sprintf(`{"error":"%v"}`, err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if strings.EqualFold(params.Get("persist"), "true") && h.dbClient != nil {
		// Persist asynchronously to avoid blocking the request path.
		go h.persistTimeline(events)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "accepted",
			"workflow_id": workflowID,
			"count":       len(events),
		})
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"workflow_id": workflowID,
		"events":      events,
		"stats":       stats,
	})
}

func (h *TimelineHandler) persistTimeline(events []db.EventLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i := range events {
		if events[i].Seq == 0 {
			events[i].Seq = uint64(i + 1)
		}
		_ = h.dbClient.SaveEventLog(ctx, &events[i])
	}
}

type timelineStats struct {
	Total    int    `json:"total"`
	Stages   int    `json:"stages_completed"`
	Failures int    `json:"stage_failures"`
	Mode     string `json:"mode"`
}

// buildTimeline maps Temporal history onto run and stage events. The
// generation workflow never launches child workflows, so those event types
// only ever surface through the full-mode default case.
func (h *TimelineHandler) buildTimeline(ctx context.Context, workflowID, runID, mode string, fullFailures bool) ([]db.EventLog, timelineStats, error) {
	it := h.tclient.GetWorkflowHistory(ctx, workflowID, runID, false, enumspb.HISTORY_EVENT_FILTER_TYPE_ALL_EVENT)
	if it == nil {
		return nil, timelineStats{}, fmt.Errorf("history iterator is nil")
	}

	full := mode == "full"
	stages := map[int64]*pendingStage{}
	timers := map[int64]*pendingTimer{}
	stats := timelineStats{Mode: mode}

	var out []db.EventLog
	add := func(t, msg string, ts time.Time, seq uint64) {
		out = append(out, db.EventLog{
			WorkflowID: workflowID,
			Type:       t,
			Message:    msg,
			Timestamp:  ts,
			Seq:        seq,
		})
	}

	for it.HasNext() {
		e, err := it.Next()
		if err != nil {
			return nil, timelineStats{}, err
		}
		ts := e.GetEventTime().AsTime()
		seq := uint64(e.GetEventId())

		switch e.EventType {
		case enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_STARTED:
			add("RUN_STARTED", "Run started", ts, seq)
		case enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_COMPLETED:
			add("RUN_COMPLETED", "Run completed", ts, seq)
		case enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_FAILED:
			msg := "Run failed"
			if a := e.GetWorkflowExecutionFailedEventAttributes(); a != nil && a.GetFailure() != nil {
				msg = fmt.Sprintf("Run failed: %s", summarizeFailure(a.GetFailure(), fullFailures))
			}
			add("RUN_FAILED", msg, ts, seq)
		case enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_TIMED_OUT:
			add("RUN_TIMEOUT", "Run deadline exceeded", ts, seq)
		case enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_TERMINATED:
			add("RUN_TERMINATED", "Run terminated", ts, seq)
		case enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_CANCELED:
			add("RUN_CANCELLED", "Run cancelled", ts, seq)
		case enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_CONTINUED_AS_NEW:
			add("RUN_CONTINUED", "Run continued as new", ts, seq)

		// Stages (activities)
		case enumspb.EVENT_TYPE_ACTIVITY_TASK_SCHEDULED:
			if a := e.GetActivityTaskScheduledEventAttributes(); a != nil {
				label := stageLabel(a.GetActivityType().GetName())
				stages[e.GetEventId()] = &pendingStage{Label: label, ID: a.GetActivityId(), Scheduled: ts}
				if full {
					add("STAGE_SCHEDULED", fmt.Sprintf("Scheduled %s (id=%s)", label, a.GetActivityId()), ts, seq)
				}
			}
		case enumspb.EVENT_TYPE_ACTIVITY_TASK_STARTED:
			if a := e.GetActivityTaskStartedEventAttributes(); a != nil {
				if st := stages[a.GetScheduledEventId()]; st != nil {
					st.Started = ts
					if full {
						add("STAGE_STARTED", fmt.Sprintf("Started %s (id=%s)", st.Label, st.ID), ts, seq)
					}
				}
			}
		case enumspb.EVENT_TYPE_ACTIVITY_TASK_COMPLETED:
			if a := e.GetActivityTaskCompletedEventAttributes(); a != nil {
				st := stages[a.GetScheduledEventId()]
				label, id := stageNameID(st)
				stats.Stages++
				add("STAGE_COMPLETED", fmt.Sprintf("%s (id=%s) completed in %s", capitalize(label), id, stageDuration(st, ts)), ts, seq)
			}
		case enumspb.EVENT_TYPE_ACTIVITY_TASK_FAILED:
			if a := e.GetActivityTaskFailedEventAttributes(); a != nil {
				st := stages[a.GetScheduledEventId()]
				label, id := stageNameID(st)
				stats.Failures++
				add("STAGE_FAILED", fmt.Sprintf("%s (id=%s) failed in %s: %s",
					capitalize(label), id, stageDuration(st, ts), summarizeFailure(a.GetFailure(), fullFailures)), ts, seq)
			}
		case enumspb.EVENT_TYPE_ACTIVITY_TASK_TIMED_OUT:
			if a := e.GetActivityTaskTimedOutEventAttributes(); a != nil {
				st := stages[a.GetScheduledEventId()]
				label, id := stageNameID(st)
				stats.Failures++
				add("STAGE_TIMEOUT", fmt.Sprintf("%s (id=%s) timed out in %s", capitalize(label), id, stageDuration(st, ts)), ts, seq)
			}
		case enumspb.EVENT_TYPE_ACTIVITY_TASK_CANCEL_REQUESTED:
			if full {
				add("STAGE_CANCEL_REQUESTED", fmt.Sprintf("Stage cancel requested (scheduled_id=%d)",
					e.GetActivityTaskCancelRequestedEventAttributes().GetScheduledEventId()), ts, seq)
			}
		case enumspb.EVENT_TYPE_ACTIVITY_TASK_CANCELED:
			if a := e.GetActivityTaskCanceledEventAttributes(); a != nil {
				label, id := stageNameID(stages[a.GetScheduledEventId()])
				add("STAGE_CANCELLED", fmt.Sprintf("%s (id=%s) cancelled", capitalize(label), id), ts, seq)
			}

		// Timers: pacing waits, tier cooldowns, lease polls
		case enumspb.EVENT_TYPE_TIMER_STARTED:
			if a := e.GetTimerStartedEventAttributes(); a != nil {
				timers[e.GetEventId()] = &pendingTimer{ID: a.GetTimerId(), Timeout: a.GetStartToFireTimeout().AsDuration()}
				if full {
					add("TIMER_STARTED", fmt.Sprintf("Timer %s started for %s", a.GetTimerId(), a.GetStartToFireTimeout().AsDuration()), ts, seq)
				}
			}
		case enumspb.EVENT_TYPE_TIMER_FIRED:
			if a := e.GetTimerFiredEventAttributes(); a != nil {
				msg := "Timer fired"
				if t := timers[a.GetStartedEventId()]; t != nil {
					msg = fmt.Sprintf("Timer %s fired after %s", t.ID, t.Timeout)
				}
				add("TIMER_FIRED", msg, ts, seq)
			}
		case enumspb.EVENT_TYPE_TIMER_CANCELED:
			if a := e.GetTimerCanceledEventAttributes(); a != nil {
				add("TIMER_CANCELLED", fmt.Sprintf("Timer cancelled (started_id=%d)", a.GetStartedEventId()), ts, seq)
			}

		// Control signals
		case enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_SIGNALED:
			if a := e.GetWorkflowExecutionSignaledEventAttributes(); a != nil {
				add("SIGNAL_RECEIVED", signalMessage(a.GetSignalName()), ts, seq)
			}

		case enumspb.EVENT_TYPE_UPSERT_WORKFLOW_SEARCH_ATTRIBUTES:
			if full {
				add("ATTR_UPSERT", "Search attributes upserted", ts, seq)
			}
		case enumspb.EVENT_TYPE_MARKER_RECORDED:
			if full {
				add("MARKER_RECORDED", fmt.Sprintf("Marker recorded: %s", markerName(e)), ts, seq)
			}
		default:
			if full {
				add("EVENT", e.EventType.String(), ts, seq)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	stats.Total = len(out)

	return out, stats, nil
}

// signalMessage renders the control signals the gateway sends by name.
func signalMessage(name string) string {
	switch name {
	case control.SignalPause:
		return "Pause requested"
	case control.SignalResume:
		return "Resume requested"
	case control.SignalCancel:
		return "Cancellation requested"
	case control.SignalInjectFeedback:
		return "Feedback injected"
	default:
		return fmt.Sprintf("Signal received: %s", name)
	}
}

func stageDuration(st *pendingStage, end time.Time) time.Duration {
	if st == nil {
		return 0
	}
	if !st.Started.IsZero() {
		return end.Sub(st.Started)
	}
	if !st.Scheduled.IsZero() {
		return end.Sub(st.Scheduled)
	}
	return 0
}

func stageNameID(st *pendingStage) (string, string) {
	if st == nil {
		return "stage", "?"
	}
	return st.Label, st.ID
}

// summarizeFailure keeps failure text readable in summary mode. Application
// failures carry the typed error kind, which leads the message.
func summarizeFailure(f *failurepb.Failure, full bool) string {
	if f == nil {
		return "unknown"
	}
	msg := f.GetMessage()
	if info := f.GetApplicationFailureInfo(); info != nil && info.GetType() != "" {
		msg = info.GetType() + ": " + msg
	}
	if !full {
		if runes := []rune(msg); len(runes) > 200 {
			msg = string(runes[:200]) + "..."
		}
	}
	return msg
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func markerName(e *historypb.HistoryEvent) string {
	if a := e.GetMarkerRecordedEventAttributes(); a != nil {
		return a.GetMarkerName()
	}
	return strconv.FormatInt(e.GetEventId(), 10)
}
