package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var runColumns = []string{
	"id", "workflow_id", "request_id", "tenant_id", "user_id", "description", "mode",
	"status", "tasks_total", "tasks_done", "tasks_failed",
	"tokens_in", "tokens_out", "cost_usd",
	"capsule_id", "error_message", "started_at", "completed_at", "created_at",
}

func TestSaveGenerationRunFillsDefaults(t *testing.T) {
	client, mock := newMockClient(t)
	want := uuid.New()

	mock.ExpectQuery("INSERT INTO generation_runs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(want.String()))

	run := &GenerationRun{
		WorkflowID:  "qlp-gen-req-1",
		RequestID:   "req-1",
		TenantID:    "acme",
		UserID:      "u-1",
		Description: "build a parser",
		Mode:        "complete",
		Status:      "running",
	}
	require.NoError(t, client.SaveGenerationRun(context.Background(), run))

	assert.Equal(t, want, run.ID)
	assert.False(t, run.CreatedAt.IsZero())
	assert.Equal(t, run.CreatedAt, run.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveGenerationRunPropagatesError(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectQuery("INSERT INTO generation_runs").
		WillReturnError(assert.AnError)

	err := client.SaveGenerationRun(context.Background(), &GenerationRun{
		WorkflowID: "qlp-gen-req-2", RequestID: "req-2", Status: "queued",
	})
	require.Error(t, err)
}

func TestGetGenerationRunScansNullables(t *testing.T) {
	client, mock := newMockClient(t)
	id := uuid.New()
	started := time.Now().Add(-time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM generation_runs").
		WithArgs("qlp-gen-req-3").
		WillReturnRows(sqlmock.NewRows(runColumns).AddRow(
			id.String(), "qlp-gen-req-3", "req-3", "acme", "u-1", "desc", "basic",
			"running", 5, 2, 0,
			1200, 300, 0.0031,
			nil, nil, started, nil, started,
		))

	run, err := client.GetGenerationRun(context.Background(), "qlp-gen-req-3")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, id, run.ID)
	assert.Equal(t, "running", run.Status)
	assert.Equal(t, 5, run.TasksTotal)
	assert.Nil(t, run.CapsuleID)
	assert.Nil(t, run.ErrorMessage)
	assert.Nil(t, run.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunByRequestIDTerminalRow(t *testing.T) {
	client, mock := newMockClient(t)
	id := uuid.New()
	capID := uuid.New()
	done := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM generation_runs").
		WithArgs("req-4").
		WillReturnRows(sqlmock.NewRows(runColumns).AddRow(
			id.String(), "qlp-gen-req-4", "req-4", "acme", "u-1", "desc", "complete",
			"completed", 4, 4, 0,
			9000, 2100, 0.042,
			capID.String(), "", done.Add(-2*time.Minute), done, done.Add(-2*time.Minute),
		))

	run, err := client.GetRunByRequestID(context.Background(), "req-4")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "completed", run.Status)
	require.NotNil(t, run.CapsuleID)
	assert.Equal(t, capID, *run.CapsuleID)
	require.NotNil(t, run.CompletedAt)
	assert.InDelta(t, 0.042, run.CostUSD, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunByRequestIDMissing(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectQuery("SELECT (.+) FROM generation_runs").
		WithArgs("req-ghost").
		WillReturnRows(sqlmock.NewRows(runColumns))

	run, err := client.GetRunByRequestID(context.Background(), "req-ghost")
	require.NoError(t, err)
	assert.Nil(t, run)
}
