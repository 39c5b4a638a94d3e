package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/circuitbreaker"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/metrics"
)

// Config holds database configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	SSLMode         string
}

// Client manages database connections and the async write queue. Ledger
// rows, violations and events flow through the queue; capsule persistence
// stays synchronous and transactional.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	config *Config

	writeQueue chan WriteRequest
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

// WriteRequest represents an async write operation
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

type WriteType int

const (
	WriteTypeUsage WriteType = iota
	WriteTypeViolation
	WriteTypeRiskBump
	WriteTypeEvent
	WriteTypeRun
)

// String returns the string representation of WriteType
func (wt WriteType) String() string {
	switch wt {
	case WriteTypeUsage:
		return "Usage"
	case WriteTypeViolation:
		return "Violation"
	case WriteTypeRiskBump:
		return "RiskBump"
	case WriteTypeEvent:
		return "Event"
	case WriteTypeRun:
		return "Run"
	default:
		return "Unknown"
	}
}

// RiskBump increments a user's moderation risk score. The weight is derived
// from the violation severity by the caller.
type RiskBump struct {
	TenantID string
	UserID   string
	Weight   float64
}

// NewClient creates a new database client with connection pool
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)

	rawDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	db := circuitbreaker.NewDatabaseWrapper(rawDB, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := newClientAround(db, config, logger)

	go client.healthCheck()

	logger.Info("Database client initialized",
		zap.String("host", config.Host),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", client.workers),
	)

	return client, nil
}

// NewClientWithDB wraps an already-open connection without dialing. The
// caller owns pool sizing. Queue workers start immediately.
func NewClientWithDB(rawDB *sql.DB, logger *zap.Logger) *Client {
	return newClientAround(circuitbreaker.NewDatabaseWrapper(rawDB, logger), &Config{}, logger)
}

// newClientAround wires the queue and workers around an existing wrapper.
// Split out so tests can run the queue against a mock connection.
func newClientAround(db *circuitbreaker.DatabaseWrapper, config *Config, logger *zap.Logger) *Client {
	client := &Client{
		db:         db,
		logger:     logger,
		config:     config,
		writeQueue: make(chan WriteRequest, 1000),
		workers:    10,
		stopCh:     make(chan struct{}),
	}
	client.startWorkers()
	return client
}

// startWorkers initializes the worker pool for async writes
func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

// writeWorker processes write requests from the queue. Usage records are
// collected and flushed in batches; everything else writes immediately.
func (c *Client) writeWorker(id int) {
	c.logger.Debug("Write worker started", zap.Int("worker_id", id))

	usageBuffer := make([]WriteRequest, 0, 100)
	batchTicker := time.NewTicker(5 * time.Second)
	defer batchTicker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.drainQueue(usageBuffer)
			c.logger.Info("Write worker stopped", zap.Int("worker_id", id))
			c.workerWg.Done()
			return

		case req := <-c.writeQueue:
			metrics.DBQueueDepth.Set(float64(len(c.writeQueue)))
			if req.Type == WriteTypeUsage {
				usageBuffer = append(usageBuffer, req)
				if len(usageBuffer) >= 100 {
					c.flushUsage(usageBuffer)
					usageBuffer = usageBuffer[:0]
				}
				continue
			}
			c.processWrite(req)

		case <-batchTicker.C:
			if len(usageBuffer) > 0 {
				c.flushUsage(usageBuffer)
				usageBuffer = usageBuffer[:0]
			}
		}
	}
}

// processWrite handles a single write request
func (c *Client) processWrite(req WriteRequest) {
	var err error

	switch req.Type {
	case WriteTypeUsage:
		if rec, ok := req.Data.(*UsageRecord); ok {
			err = c.SaveUsageRecord(context.Background(), rec)
		}
	case WriteTypeViolation:
		if v, ok := req.Data.(*HAPViolation); ok {
			err = c.SaveViolation(context.Background(), v)
		}
	case WriteTypeRiskBump:
		if b, ok := req.Data.(*RiskBump); ok {
			err = c.UpsertUserRisk(context.Background(), b.TenantID, b.UserID, b.Weight)
		}
	case WriteTypeEvent:
		if e, ok := req.Data.(*EventLog); ok {
			err = c.SaveEventLog(context.Background(), e)
		}
	case WriteTypeRun:
		if r, ok := req.Data.(*GenerationRun); ok {
			err = c.SaveGenerationRun(context.Background(), r)
		}
	}

	if req.Callback != nil {
		req.Callback(err)
	}

	if err != nil {
		c.logger.Error("Failed to process write request",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
}

// flushUsage writes one batch of queued usage records and settles their
// callbacks with the batch outcome.
func (c *Client) flushUsage(batch []WriteRequest) {
	if len(batch) == 0 {
		return
	}
	records := make([]*UsageRecord, 0, len(batch))
	for _, req := range batch {
		if rec, ok := req.Data.(*UsageRecord); ok {
			records = append(records, rec)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.BatchSaveUsageRecords(ctx, records)
	if err != nil {
		c.logger.Error("Failed to flush usage batch",
			zap.Int("count", len(records)),
			zap.Error(err))
	}
	for _, req := range batch {
		if req.Callback != nil {
			req.Callback(err)
		}
	}
}

// drainQueue processes remaining requests during shutdown
func (c *Client) drainQueue(usageBuffer []WriteRequest) {
	timeout := time.After(10 * time.Second)

	for {
		select {
		case req := <-c.writeQueue:
			if req.Type == WriteTypeUsage {
				usageBuffer = append(usageBuffer, req)
				continue
			}
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("Timeout draining write queue")
			c.flushUsage(usageBuffer)
			return
		default:
			c.flushUsage(usageBuffer)
			return
		}
	}
}

// QueueWrite adds a write request to the async queue. A full queue never
// drops a write: the caller's goroutine executes it synchronously instead.
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) error {
	select {
	case c.writeQueue <- WriteRequest{
		Type:     writeType,
		Data:     data,
		Callback: callback,
	}:
		metrics.DBQueueDepth.Set(float64(len(c.writeQueue)))
		return nil
	default:
		metrics.DBQueueFallbacks.Inc()
		c.logger.Warn("Write queue is full, falling back to synchronous write",
			zap.String("type", writeType.String()))

		c.processWrite(WriteRequest{
			Type:     writeType,
			Data:     data,
			Callback: callback,
		})
		return nil
	}
}

// healthCheck periodically checks database connectivity
func (c *Client) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close gracefully shuts down the database client
func (c *Client) Close() error {
	c.logger.Info("Shutting down database client")

	close(c.stopCh)

	c.logger.Info("Waiting for write workers to finish")
	c.workerWg.Wait()

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	c.logger.Info("Database client closed")
	return nil
}

// GetDB returns the underlying database connection for direct queries
func (c *Client) GetDB() *sql.DB {
	return c.db.GetDB()
}

// WithTransactionCB runs fn inside a circuit breaker protected transaction.
func (c *Client) WithTransactionCB(ctx context.Context, fn func(*circuitbreaker.TxWrapper) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	return nil
}

// Wrapper returns the underlying DatabaseWrapper for health checks and monitoring
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}

// QueueDepth reports the async write queue's current depth and capacity.
func (c *Client) QueueDepth() (depth, capacity int) {
	return len(c.writeQueue), cap(c.writeQueue)
}
