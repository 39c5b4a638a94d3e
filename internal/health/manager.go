package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCheckInterval = 30 * time.Second
	backgroundTimeout    = 30 * time.Second
)

// Manager runs registered checkers on demand for probe requests and on a
// background ticker so /health/detailed?cached=true stays cheap.
type Manager struct {
	mu          sync.RWMutex
	checkers    map[string]Checker
	lastResults map[string]CheckResult
	interval    time.Duration
	started     bool
	stopCh      chan struct{}
	logger      *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
		interval:    defaultCheckInterval,
		stopCh:      make(chan struct{}),
		logger:      logger,
	}
}

// RegisterChecker adds a checker under its own name. Names are unique;
// registering twice is a bug in the caller.
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}

	m.checkers[name] = checker
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
		zap.Duration("timeout", checker.Timeout()),
	)
	return nil
}

// GetOverallHealth runs every checker and folds the results.
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	start := time.Now()
	detailed := m.GetDetailedHealth(ctx)

	overall := detailed.Overall
	overall.Timestamp = detailed.Timestamp
	overall.Duration = time.Since(start)
	return overall
}

// GetDetailedHealth runs every checker with its own timeout and reports
// per-component results.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	components := m.runAll(ctx)

	m.mu.Lock()
	for name, result := range components {
		m.lastResults[name] = result
	}
	m.mu.Unlock()

	return DetailedHealth{
		Overall:    computeOverall(components),
		Components: components,
		Summary:    summarize(components),
		Timestamp:  time.Now(),
	}
}

// GetLastResults returns the most recent results without running checks.
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]CheckResult, len(m.lastResults))
	for name, result := range m.lastResults {
		results[name] = result
	}
	return results
}

// IsReady reports whether every critical dependency is up.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive reports process liveness. Dependency failures never fail liveness,
// or k8s would restart a worker that only needs its database back.
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Live
}

// Start begins background checking. Idempotent.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	m.started = true
	go m.loop()

	m.logger.Info("Health manager started",
		zap.Duration("check_interval", m.interval),
		zap.Int("registered_checkers", len(m.checkers)),
	)
	return nil
}

// Stop halts background checking. Idempotent.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}
	close(m.stopCh)
	m.started = false

	m.logger.Info("Health manager stopped")
	return nil
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
			results := m.runAll(ctx)
			cancel()

			m.mu.Lock()
			for name, result := range results {
				m.lastResults[name] = result
			}
			m.mu.Unlock()

			m.logger.Debug("Background health checks completed",
				zap.Int("checks_run", len(results)))
		}
	}
}

func (m *Manager) runAll(ctx context.Context) map[string]CheckResult {
	m.mu.RLock()
	checkers := make(map[string]Checker, len(m.checkers))
	for name, checker := range m.checkers {
		checkers[name] = checker
	}
	m.mu.RUnlock()

	results := make(map[string]CheckResult, len(checkers))
	for name, checker := range checkers {
		results[name] = m.runOne(ctx, checker)
	}
	return results
}

func (m *Manager) runOne(ctx context.Context, checker Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, checker.Timeout())
	defer cancel()

	start := time.Now()
	result := checker.Check(checkCtx)

	result.Component = checker.Name()
	result.Critical = checker.IsCritical()
	result.Duration = time.Since(start)
	result.Timestamp = start
	return result
}
