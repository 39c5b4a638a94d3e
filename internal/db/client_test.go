package db

import (
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueWriteFallsBackWhenFull(t *testing.T) {
	client, mock := newMockClient(t)
	// No workers: the first request parks in the queue, the second takes the
	// synchronous fallback path and executes on the caller's goroutine.
	client.writeQueue = make(chan WriteRequest, 1)

	require.NoError(t, client.QueueWrite(WriteTypeEvent, &EventLog{WorkflowID: "wf-1", Type: "TASK_STARTED"}, nil))

	mock.ExpectExec("INSERT INTO event_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	var (
		mu     sync.Mutex
		called bool
		got    error
	)
	err := client.QueueWrite(WriteTypeEvent, &EventLog{WorkflowID: "wf-1", Type: "TASK_COMPLETED"}, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		called = true
		got = err
	})
	require.NoError(t, err)

	mu.Lock()
	assert.True(t, called, "fallback write should settle the callback synchronously")
	assert.NoError(t, got)
	mu.Unlock()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerDrainFlushesUsageOnClose(t *testing.T) {
	client, mock := newMockClient(t)
	client.workers = 1
	client.startWorkers()

	mock.ExpectExec("INSERT INTO llm_usage").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectClose()

	done := make(chan error, 2)
	cb := func(err error) { done <- err }
	require.NoError(t, client.QueueWrite(WriteTypeUsage, &UsageRecord{
		WorkflowID: "wf-drain", TaskID: "t1", TenantID: "tenant-a", TokensIn: 10, TokensOut: 5,
	}, cb))
	require.NoError(t, client.QueueWrite(WriteTypeUsage, &UsageRecord{
		WorkflowID: "wf-drain", TaskID: "t2", TenantID: "tenant-a", CacheHit: true,
	}, cb))

	require.NoError(t, client.Close())

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("usage callbacks not settled by drain")
		}
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessWriteDispatch(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectExec("INSERT INTO hap_violations").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO hap_user_risk_scores").
		WillReturnResult(sqlmock.NewResult(0, 1))

	violationDone := make(chan error, 1)
	client.processWrite(WriteRequest{
		Type: WriteTypeViolation,
		Data: &HAPViolation{TenantID: "tenant-a", UserID: "u1", Stage: "request", Severity: "high", Action: "blocked"},
		Callback: func(err error) {
			violationDone <- err
		},
	})
	client.processWrite(WriteRequest{
		Type: WriteTypeRiskBump,
		Data: &RiskBump{TenantID: "tenant-a", UserID: "u1", Weight: 1.0},
	})

	assert.NoError(t, <-violationDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}
