package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/cmd/gateway/internal/handlers"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/cmd/gateway/internal/middleware"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/db"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/workflows"
)

// encodedValue satisfies converter.EncodedValue for query responses.
type encodedValue struct{ v interface{} }

func (e encodedValue) HasValue() bool { return e.v != nil }
func (e encodedValue) Get(out interface{}) error {
	b, err := json.Marshal(e.v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func authedReq(req *http.Request) *http.Request {
	return req.WithContext(middleware.WithUser(req.Context(), &middleware.UserContext{
		UserID:    "u-1",
		TenantID:  "acme",
		Role:      "user",
		TokenType: "api_key",
	}))
}

func mockDB(t *testing.T) (*db.Client, sqlmock.Sqlmock) {
	t.Helper()
	raw, mck, err := sqlmock.New()
	require.NoError(t, err)
	dbc := db.NewClientWithDB(raw, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = dbc.Close() })
	return dbc, mck
}

var runColumns = []string{
	"id", "workflow_id", "request_id", "tenant_id", "user_id", "description", "mode",
	"status", "tasks_total", "tasks_done", "tasks_failed",
	"tokens_in", "tokens_out", "cost_usd",
	"capsule_id", "error_message", "started_at", "completed_at", "created_at",
}

func runRow(requestID, status string, capsuleID interface{}) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(runColumns).AddRow(
		uuid.New().String(), workflows.WorkflowIDFor(requestID), requestID, "acme", "u-1", "build an api", "complete",
		status, 4, 3, 1,
		1000, 2000, 0.42,
		capsuleID, nil, now, now, now,
	)
}

func TestSubmit_Validation(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		authed         bool
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "invalid JSON returns 400",
			body:           `{not json`,
			authed:         true,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Invalid request body",
		},
		{
			name:           "missing description returns 400",
			body:           `{"request_id":"r1"}`,
			authed:         true,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Validation failed",
		},
		{
			name:           "unknown mode returns 400",
			body:           `{"description":"x","options":{"mode":"turbo"}}`,
			authed:         true,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Validation failed",
		},
		{
			name:           "unknown tier returns 400",
			body:           `{"description":"x","options":{"tier_override":"T9"}}`,
			authed:         true,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Validation failed",
		},
		{
			name:           "request_id with slash returns 400",
			body:           `{"request_id":"a/b","description":"x"}`,
			authed:         true,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "request_id",
		},
		{
			name:           "missing identity returns 401",
			body:           `{"description":"x"}`,
			authed:         false,
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   "Missing identity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// No expectations set: any Temporal call fails the test.
			h := handlers.NewGenerationHandler(&mocks.Client{}, nil, "qlp-tasks", zap.NewNop())

			req := httptest.NewRequest(http.MethodPost, "/api/v1/generations", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			if tt.authed {
				req = authedReq(req)
			}
			w := httptest.NewRecorder()

			h.Submit(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.expectedBody)
		})
	}
}

func TestSubmit_StartsWorkflow(t *testing.T) {
	mc := &mocks.Client{}
	wfRun := &mocks.WorkflowRun{}
	wfRun.On("GetRunID").Return("run-1")

	mc.On("ExecuteWorkflow",
		mock.Anything,
		mock.MatchedBy(func(opts client.StartWorkflowOptions) bool {
			return opts.ID == "qlp-gen-req-42" && opts.TaskQueue == "qlp-tasks"
		}),
		mock.Anything,
		mock.MatchedBy(func(input workflows.GenerationInput) bool {
			// Identity is stamped from auth, never from the body.
			return input.Request.RequestID == "req-42" &&
				input.Request.TenantID == "acme" &&
				input.Request.UserID == "u-1" &&
				input.Request.Options.Mode == "robust"
		}),
	).Return(wfRun, nil)

	h := handlers.NewGenerationHandler(mc, nil, "qlp-tasks", zap.NewNop())

	body := `{"request_id":"req-42","description":"REST API for invoices","options":{"mode":"robust"}}`
	req := authedReq(httptest.NewRequest(http.MethodPost, "/api/v1/generations", strings.NewReader(body)))
	w := httptest.NewRecorder()

	h.Submit(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "req-42", resp["request_id"])
	assert.Equal(t, "qlp-gen-req-42", resp["workflow_id"])
	assert.Equal(t, "run-1", resp["run_id"])
	assert.Equal(t, "queued", resp["status"])
	assert.Contains(t, resp["stream_url"], "workflow_id=qlp-gen-req-42")
	mc.AssertExpectations(t)
}

func TestSubmit_GeneratesRequestID(t *testing.T) {
	mc := &mocks.Client{}
	wfRun := &mocks.WorkflowRun{}
	wfRun.On("GetRunID").Return("run-9")
	mc.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(wfRun, nil)

	h := handlers.NewGenerationHandler(mc, nil, "qlp-tasks", zap.NewNop())

	req := authedReq(httptest.NewRequest(http.MethodPost, "/api/v1/generations",
		strings.NewReader(`{"description":"cli tool"}`)))
	w := httptest.NewRecorder()
	h.Submit(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["request_id"])
	assert.Equal(t, workflows.WorkflowIDFor(resp["request_id"]), resp["workflow_id"])
}

func TestGetStatus_FromTemporalQuery(t *testing.T) {
	mc := &mocks.Client{}
	mc.On("QueryWorkflow", mock.Anything, "qlp-gen-req-7", "", workflows.QueryGetStatus).
		Return(encodedValue{models.StatusSnapshot{
			State:           models.RunStatusRunning,
			PercentComplete: 50,
			CurrentStep:     "executing",
			TasksTotal:      4,
			TasksDone:       2,
		}}, nil)

	h := handlers.NewGenerationHandler(mc, nil, "qlp-tasks", zap.NewNop())

	req := authedReq(httptest.NewRequest(http.MethodGet, "/api/v1/generations/req-7", nil))
	req.SetPathValue("id", "req-7")
	w := httptest.NewRecorder()
	h.GetStatus(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"running"`)
	assert.Contains(t, w.Body.String(), `"source":"temporal"`)
	assert.Contains(t, w.Body.String(), `"tasks_done":2`)
}

func TestGetStatus_DBFallback(t *testing.T) {
	mc := &mocks.Client{}
	mc.On("QueryWorkflow", mock.Anything, "qlp-gen-req-8", "", workflows.QueryGetStatus).
		Return(nil, serviceerror.NewNotFound("workflow not found"))

	dbc, mck := mockDB(t)
	capID := uuid.New()
	mck.ExpectQuery("SELECT id, workflow_id, request_id").
		WithArgs("req-8").
		WillReturnRows(runRow("req-8", models.RunStatusCompleted, capID.String()))

	h := handlers.NewGenerationHandler(mc, dbc, "qlp-tasks", zap.NewNop())

	// Full workflow id in path resolves to the same run.
	req := authedReq(httptest.NewRequest(http.MethodGet, "/api/v1/generations/qlp-gen-req-8", nil))
	req.SetPathValue("id", "qlp-gen-req-8")
	w := httptest.NewRecorder()
	h.GetStatus(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"completed"`)
	assert.Contains(t, w.Body.String(), `"source":"db"`)
	assert.Contains(t, w.Body.String(), `"percent_complete":100`)
	assert.Contains(t, w.Body.String(), capID.String())
	require.NoError(t, mck.ExpectationsWereMet())
}

func TestGetStatus_UnknownReturns404(t *testing.T) {
	mc := &mocks.Client{}
	mc.On("QueryWorkflow", mock.Anything, "qlp-gen-ghost", "", workflows.QueryGetStatus).
		Return(nil, serviceerror.NewNotFound("workflow not found"))

	dbc, mck := mockDB(t)
	mck.ExpectQuery("SELECT id, workflow_id, request_id").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(runColumns))

	h := handlers.NewGenerationHandler(mc, dbc, "qlp-tasks", zap.NewNop())

	req := authedReq(httptest.NewRequest(http.MethodGet, "/api/v1/generations/ghost", nil))
	req.SetPathValue("id", "ghost")
	w := httptest.NewRecorder()
	h.GetStatus(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Unknown generation")
}

func TestGetResult(t *testing.T) {
	capID := uuid.New()

	tests := []struct {
		name           string
		requestID      string
		setupDB        func(mck sqlmock.Sqlmock)
		expectedStatus int
		expectedBody   string
	}{
		{
			name:      "unknown run returns 404",
			requestID: "ghost",
			setupDB: func(mck sqlmock.Sqlmock) {
				mck.ExpectQuery("SELECT id, workflow_id, request_id").
					WithArgs("ghost").
					WillReturnRows(sqlmock.NewRows(runColumns))
			},
			expectedStatus: http.StatusNotFound,
			expectedBody:   "Unknown generation",
		},
		{
			name:      "running run returns 404 with status",
			requestID: "req-run",
			setupDB: func(mck sqlmock.Sqlmock) {
				mck.ExpectQuery("SELECT id, workflow_id, request_id").
					WithArgs("req-run").
					WillReturnRows(runRow("req-run", models.RunStatusRunning, nil))
			},
			expectedStatus: http.StatusNotFound,
			expectedBody:   `"status":"running"`,
		},
		{
			name:      "failed run without capsule returns 404",
			requestID: "req-fail",
			setupDB: func(mck sqlmock.Sqlmock) {
				mck.ExpectQuery("SELECT id, workflow_id, request_id").
					WithArgs("req-fail").
					WillReturnRows(runRow("req-fail", models.RunStatusFailed, nil))
			},
			expectedStatus: http.StatusNotFound,
			expectedBody:   `"status":"failed"`,
		},
		{
			name:      "completed run returns manifest",
			requestID: "req-done",
			setupDB: func(mck sqlmock.Sqlmock) {
				mck.ExpectQuery("SELECT id, workflow_id, request_id").
					WithArgs("req-done").
					WillReturnRows(runRow("req-done", models.RunStatusCompleted, capID.String()))
				mck.ExpectQuery("SELECT id, request_id, languages").
					WithArgs("req-done").
					WillReturnRows(sqlmock.NewRows([]string{"id", "request_id", "languages", "entry_points", "validation", "cost", "created_at"}).
						AddRow(capID.String(), "req-done", []byte(`["python"]`), []byte(`["main.py"]`), []byte(`{"mean_score":0.9}`), []byte(`{"total_cost_usd":0.42}`), time.Now()))
				mck.ExpectQuery("SELECT f.path, f.sha256").
					WithArgs(capID).
					WillReturnRows(sqlmock.NewRows([]string{"path", "sha256", "size", "producer"}).
						AddRow("main.py", "abc123", 24, "t1"))
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"capsule_id":"` + capID.String() + `"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dbc, mck := mockDB(t)
			tt.setupDB(mck)

			h := handlers.NewGenerationHandler(&mocks.Client{}, dbc, "qlp-tasks", zap.NewNop())

			req := authedReq(httptest.NewRequest(http.MethodGet, "/api/v1/generations/"+tt.requestID+"/result", nil))
			req.SetPathValue("id", tt.requestID)
			w := httptest.NewRecorder()
			h.GetResult(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.expectedBody)
			require.NoError(t, mck.ExpectationsWereMet())
		})
	}
}

func TestCancel(t *testing.T) {
	t.Run("signals the workflow", func(t *testing.T) {
		mc := &mocks.Client{}
		mc.On("SignalWorkflow", mock.Anything, "qlp-gen-req-c", "", workflows.SignalCancel,
			mock.MatchedBy(func(r workflows.CancelRequest) bool {
				return r.Reason == "changed my mind" && r.RequestedBy == "u-1"
			})).Return(nil)

		h := handlers.NewGenerationHandler(mc, nil, "qlp-tasks", zap.NewNop())

		req := authedReq(httptest.NewRequest(http.MethodPost, "/api/v1/generations/req-c/cancel",
			strings.NewReader(`{"reason":"changed my mind"}`)))
		req.SetPathValue("id", "req-c")
		w := httptest.NewRecorder()
		h.Cancel(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Contains(t, w.Body.String(), "cancelling")
		mc.AssertExpectations(t)
	})

	t.Run("finished run returns 409", func(t *testing.T) {
		mc := &mocks.Client{}
		mc.On("SignalWorkflow", mock.Anything, "qlp-gen-req-d", "", workflows.SignalCancel, mock.Anything).
			Return(serviceerror.NewNotFound("workflow execution already completed"))

		dbc, mck := mockDB(t)
		mck.ExpectQuery("SELECT id, workflow_id, request_id").
			WithArgs("req-d").
			WillReturnRows(runRow("req-d", models.RunStatusCompleted, uuid.New().String()))

		h := handlers.NewGenerationHandler(mc, dbc, "qlp-tasks", zap.NewNop())

		req := authedReq(httptest.NewRequest(http.MethodPost, "/api/v1/generations/req-d/cancel", strings.NewReader(`{}`)))
		req.SetPathValue("id", "req-d")
		w := httptest.NewRecorder()
		h.Cancel(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), "already finished")
	})

	t.Run("unknown run returns 404", func(t *testing.T) {
		mc := &mocks.Client{}
		mc.On("SignalWorkflow", mock.Anything, "qlp-gen-ghost", "", workflows.SignalCancel, mock.Anything).
			Return(serviceerror.NewNotFound("workflow not found"))

		dbc, mck := mockDB(t)
		mck.ExpectQuery("SELECT id, workflow_id, request_id").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows(runColumns))

		h := handlers.NewGenerationHandler(mc, dbc, "qlp-tasks", zap.NewNop())

		req := authedReq(httptest.NewRequest(http.MethodPost, "/api/v1/generations/ghost/cancel", strings.NewReader(`{}`)))
		req.SetPathValue("id", "ghost")
		w := httptest.NewRecorder()
		h.Cancel(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "Unknown generation")
	})
}

func TestFeedback(t *testing.T) {
	t.Run("missing message returns 400", func(t *testing.T) {
		h := handlers.NewGenerationHandler(&mocks.Client{}, nil, "qlp-tasks", zap.NewNop())

		req := authedReq(httptest.NewRequest(http.MethodPost, "/api/v1/generations/req-f/feedback",
			strings.NewReader(`{"task_id":"t1"}`)))
		req.SetPathValue("id", "req-f")
		w := httptest.NewRecorder()
		h.Feedback(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("queues feedback", func(t *testing.T) {
		mc := &mocks.Client{}
		mc.On("SignalWorkflow", mock.Anything, "qlp-gen-req-f", "", workflows.SignalInjectFeedback,
			mock.MatchedBy(func(r workflows.FeedbackRequest) bool {
				return r.TaskID == "t2" && r.Message == "use sqlite instead" && r.RequestedBy == "u-1"
			})).Return(nil)

		h := handlers.NewGenerationHandler(mc, nil, "qlp-tasks", zap.NewNop())

		req := authedReq(httptest.NewRequest(http.MethodPost, "/api/v1/generations/req-f/feedback",
			strings.NewReader(`{"task_id":"t2","message":"use sqlite instead"}`)))
		req.SetPathValue("id", "req-f")
		w := httptest.NewRecorder()
		h.Feedback(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Contains(t, w.Body.String(), "feedback_queued")
		mc.AssertExpectations(t)
	})
}

func TestControlState(t *testing.T) {
	mc := &mocks.Client{}
	mc.On("QueryWorkflow", mock.Anything, "qlp-gen-req-p", "", workflows.QueryControlState).
		Return(encodedValue{workflows.WorkflowControlState{IsPaused: true, PauseReason: "review"}}, nil)

	h := handlers.NewGenerationHandler(mc, nil, "qlp-tasks", zap.NewNop())

	req := authedReq(httptest.NewRequest(http.MethodGet, "/api/v1/generations/req-p/control-state", nil))
	req.SetPathValue("id", "req-p")
	w := httptest.NewRecorder()
	h.ControlState(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"is_paused":true`)
}

func TestStreamEvents_Redirect(t *testing.T) {
	h := handlers.NewGenerationHandler(&mocks.Client{}, nil, "qlp-tasks", zap.NewNop())

	req := authedReq(httptest.NewRequest(http.MethodGet,
		"/api/v1/generations/req-s/events?types=TASK_COMPLETED&last_event_id=5", nil))
	req.SetPathValue("id", "req-s")
	w := httptest.NewRecorder()
	h.StreamEvents(w, req)

	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	loc := w.Header().Get("Location")
	assert.Contains(t, loc, "/api/v1/stream/sse?workflow_id=qlp-gen-req-s")
	assert.Contains(t, loc, "types=TASK_COMPLETED")
	assert.Contains(t, loc, "last_event_id=5")
}
