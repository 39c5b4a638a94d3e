package circuitbreaker

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap/zaptest"
)

func newMockWrapper(t *testing.T, opts ...func(*sqlmock.Sqlmock)) (*DatabaseWrapper, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewDatabaseWrapper(db, zaptest.NewLogger(t)), mock
}

func TestDatabaseWrapperOperations(t *testing.T) {
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	mock.ExpectPing()
	if err := wrapper.PingContext(ctx); err != nil {
		t.Errorf("PingContext: %v", err)
	}

	rows := sqlmock.NewRows([]string{"id", "status"}).
		AddRow("req-1", "completed").
		AddRow("req-2", "running")
	mock.ExpectQuery("SELECT (.+) FROM generation_runs").WillReturnRows(rows)

	got, err := wrapper.QueryContext(ctx, "SELECT request_id, status FROM generation_runs")
	if err != nil {
		t.Fatalf("QueryContext: %v", err)
	}
	got.Close()

	mock.ExpectExec("INSERT INTO generation_runs").
		WithArgs("req-3").
		WillReturnResult(sqlmock.NewResult(1, 1))

	result, err := wrapper.ExecContext(ctx, "INSERT INTO generation_runs (request_id) VALUES ($1)", "req-3")
	if err != nil {
		t.Fatalf("ExecContext: %v", err)
	}
	if affected, _ := result.RowsAffected(); affected != 1 {
		t.Errorf("expected 1 affected row, got %d", affected)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapperTransactionCommit(t *testing.T) {
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO capsules").
		WithArgs("cap-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := wrapper.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO capsules (capsule_id) VALUES ($1)", "cap-1"); err != nil {
		t.Fatalf("tx ExecContext: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapperTransactionRollback(t *testing.T) {
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO capsules").
		WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	tx, err := wrapper.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO capsules (capsule_id) VALUES ($1)", "cap-1"); err == nil {
		t.Fatal("expected exec error")
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapperBreakerOpens(t *testing.T) {
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	// Drive the breaker past its failure threshold.
	threshold := int(GetDatabaseConfig().FailureThreshold)
	for i := 0; i < threshold; i++ {
		mock.ExpectExec("INSERT INTO llm_usage").WillReturnError(errors.New("connection refused"))
		if _, err := wrapper.ExecContext(ctx, "INSERT INTO llm_usage DEFAULT VALUES"); err == nil {
			t.Fatal("expected failure")
		}
	}

	if !wrapper.IsCircuitBreakerOpen() {
		t.Fatal("expected breaker open after consecutive failures")
	}

	// Next call is shed without reaching the database.
	if _, err := wrapper.ExecContext(ctx, "INSERT INTO llm_usage DEFAULT VALUES"); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected ErrCircuitBreakerOpen, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
