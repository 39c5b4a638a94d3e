package circuitbreaker

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// DatabaseWrapper guards Postgres access. The persistence queue drains
// through it so a dead database opens the breaker instead of blocking every
// worker on connection timeouts.
type DatabaseWrapper struct {
	db     *sql.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

func NewDatabaseWrapper(db *sql.DB, logger *zap.Logger) *DatabaseWrapper {
	cb := NewCircuitBreaker("postgresql", GetDatabaseConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("postgresql", "persistence", cb)

	return &DatabaseWrapper{
		db:     db,
		cb:     cb,
		logger: logger,
	}
}

// run executes fn through the breaker and records the outcome.
func (dw *DatabaseWrapper) run(ctx context.Context, fn func() error) error {
	err := dw.cb.Execute(ctx, fn)
	GlobalMetricsCollector.RecordRequest("postgresql", "persistence", dw.cb.State(), err == nil)
	return err
}

func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.run(ctx, func() error {
		return dw.db.PingContext(ctx)
	})
}

func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.run(ctx, func() error {
		var err error
		result, err = dw.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (dw *DatabaseWrapper) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	err := dw.run(ctx, func() error {
		var err error
		rows, err = dw.db.QueryContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// QueryRowContext admits the call through the breaker; sql.Row defers its
// error to Scan, so only breaker rejections surface here.
func (dw *DatabaseWrapper) QueryRowContext(ctx context.Context, query string, args ...interface{}) (*sql.Row, error) {
	var row *sql.Row
	err := dw.run(ctx, func() error {
		row = dw.db.QueryRowContext(ctx, query, args...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// TxWrapper carries a transaction whose statements share the parent breaker.
type TxWrapper struct {
	tx *sql.Tx
	dw *DatabaseWrapper
}

func (dw *DatabaseWrapper) BeginTx(ctx context.Context, opts *sql.TxOptions) (*TxWrapper, error) {
	var tx *sql.Tx
	err := dw.run(ctx, func() error {
		var err error
		tx, err = dw.db.BeginTx(ctx, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &TxWrapper{tx: tx, dw: dw}, nil
}

func (tw *TxWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := tw.dw.run(ctx, func() error {
		var err error
		result, err = tw.tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (tw *TxWrapper) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	err := tw.dw.run(ctx, func() error {
		var err error
		rows, err = tw.tx.QueryContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (tw *TxWrapper) QueryRowContext(ctx context.Context, query string, args ...interface{}) (*sql.Row, error) {
	var row *sql.Row
	err := tw.dw.run(ctx, func() error {
		row = tw.tx.QueryRowContext(ctx, query, args...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (tw *TxWrapper) Commit() error {
	return tw.dw.run(context.Background(), func() error {
		return tw.tx.Commit()
	})
}

// Rollback bypasses the breaker: an open breaker must never strand an open
// transaction.
func (tw *TxWrapper) Rollback() error {
	return tw.tx.Rollback()
}

func (dw *DatabaseWrapper) Stats() sql.DBStats {
	return dw.db.Stats()
}

func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

func (dw *DatabaseWrapper) SetMaxOpenConns(n int) {
	dw.db.SetMaxOpenConns(n)
}

func (dw *DatabaseWrapper) SetMaxIdleConns(n int) {
	dw.db.SetMaxIdleConns(n)
}

func (dw *DatabaseWrapper) SetConnMaxLifetime(d time.Duration) {
	dw.db.SetConnMaxLifetime(d)
}

// GetDB exposes the raw pool for operations the wrapper does not cover
// (sqlx scanning, migrations).
func (dw *DatabaseWrapper) GetDB() *sql.DB {
	return dw.db
}

// IsCircuitBreakerOpen reports whether writes are currently shed.
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
