package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent describes one configuration file change.
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"` // initial_load, create, modify, delete, manual_reload, polling_detected
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler is called when a watched configuration file changes.
// Handlers run synchronously on the loader goroutine; keep them fast.
type ChangeHandler func(event ChangeEvent) error

// Manager watches a directory of YAML configuration files and notifies
// registered handlers on change. Rego policy files in the same tree trigger
// policy reload handlers instead of being parsed.
type Manager struct {
	configDir      string
	configs        map[string]map[string]interface{}
	handlers       map[string][]ChangeHandler
	policyHandlers []func() error
	watcher        *fsnotify.Watcher
	started        bool
	stopCh         chan struct{}
	logger         *zap.Logger
	mu             sync.RWMutex
	watcherMu      sync.Mutex

	validators map[string]func(map[string]interface{}) error

	// Polling fallback for filesystems where fsnotify is unreliable.
	pollInterval  time.Duration
	enablePolling bool
}

// NewManager creates a configuration manager over configDir.
func NewManager(configDir string, logger *zap.Logger) (*Manager, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Manager{
		configDir:    configDir,
		configs:      make(map[string]map[string]interface{}),
		handlers:     make(map[string][]ChangeHandler),
		validators:   make(map[string]func(map[string]interface{}) error),
		watcher:      watcher,
		stopCh:       make(chan struct{}),
		logger:       logger,
		pollInterval: 10 * time.Second,
	}, nil
}

// Start loads every config file once and begins watching for changes.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	// Watch the directory and the policies subtree if present.
	if err := m.watcher.Add(m.configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	policiesDir := filepath.Join(m.configDir, "policies")
	if info, err := os.Stat(policiesDir); err == nil && info.IsDir() {
		if err := m.watcher.Add(policiesDir); err != nil {
			m.logger.Warn("Failed to watch policies directory", zap.Error(err))
		}
	}

	// I/O happens outside m.mu; loadConfigFile locks per file.
	if err := m.loadAllConfigs(); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	m.mu.Lock()
	m.started = true
	loaded := len(m.configs)
	polling := m.enablePolling
	m.mu.Unlock()

	go m.watchLoop()
	if polling {
		go m.pollLoop()
	}

	m.logger.Info("Configuration manager started",
		zap.String("config_dir", m.configDir),
		zap.Int("loaded_configs", loaded),
		zap.Bool("polling_enabled", polling),
	)
	return nil
}

// Stop stops watching for configuration changes.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}
	close(m.stopCh)
	if err := m.watcher.Close(); err != nil {
		m.logger.Error("Error closing file watcher", zap.Error(err))
	}
	m.started = false
	m.logger.Info("Configuration manager stopped")
	return nil
}

// RegisterHandler registers a change handler for one config file name.
func (m *Manager) RegisterHandler(filename string, handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[filename] = append(m.handlers[filename], handler)
}

// RegisterValidator registers a validator consulted before a file's config
// is accepted. A validation failure keeps the previous config.
func (m *Manager) RegisterValidator(filename string, validator func(map[string]interface{}) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[filename] = validator
}

// RegisterPolicyHandler registers a handler invoked when .rego files change.
func (m *Manager) RegisterPolicyHandler(handler func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policyHandlers = append(m.policyHandlers, handler)
}

// GetConfig returns a copy of the current configuration for a file.
func (m *Manager) GetConfig(filename string) (map[string]interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	config, exists := m.configs[filename]
	if !exists {
		return nil, false
	}
	result := make(map[string]interface{}, len(config))
	for k, v := range config {
		result[k] = v
	}
	return result, true
}

// ReloadConfig manually reloads a specific configuration file.
func (m *Manager) ReloadConfig(filename string) error {
	return m.loadConfigFile(filepath.Join(m.configDir, filename), "manual_reload")
}

// EnablePolling enables the polling fallback for unreliable filesystems.
func (m *Manager) EnablePolling(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enablePolling = true
	m.pollInterval = interval
}

func (m *Manager) watchLoop() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleWatchEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) pollLoop() {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	lastModTimes := make(map[string]time.Time)
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkForChanges(lastModTimes)
		}
	}
}

func (m *Manager) checkForChanges(lastModTimes map[string]time.Time) {
	err := filepath.WalkDir(m.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		filename := filepath.Base(path)
		if info.ModTime().After(lastModTimes[filename]) {
			lastModTimes[filename] = info.ModTime()
			return m.loadConfigFile(path, "polling_detected")
		}
		return nil
	})
	if err != nil {
		m.logger.Error("Error during polling check", zap.Error(err))
	}
}

func (m *Manager) handleWatchEvent(event fsnotify.Event) {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()

	filename := filepath.Base(event.Name)
	isConfig := isConfigFile(event.Name)
	isPolicy := isPolicyFile(event.Name)
	if !isConfig && !isPolicy {
		return
	}

	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		action = "delete"
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		action = "rename"
	case event.Op&fsnotify.Chmod == fsnotify.Chmod:
		return
	default:
		action = event.Op.String()
	}

	if action == "delete" || action == "rename" {
		if isConfig {
			m.handleFileRemoval(filename)
		}
		// A removed policy file still changes the compiled bundle.
		if isPolicy {
			m.handlePolicyReload(filename, action)
		}
		return
	}

	// Editors often produce rapid successive writes.
	time.Sleep(50 * time.Millisecond)

	if isConfig {
		if err := m.loadConfigFile(event.Name, action); err != nil {
			m.logger.Error("Failed to load config file",
				zap.String("file", filename),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}
	if isPolicy {
		m.handlePolicyReload(filename, action)
	}
}

func (m *Manager) loadAllConfigs() error {
	return filepath.WalkDir(m.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		return m.loadConfigFile(path, "initial_load")
	})
}

func (m *Manager) loadConfigFile(filePath, action string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	filename := filepath.Base(filePath)
	config := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", filename, err)
	}

	m.mu.RLock()
	validator := m.validators[filename]
	m.mu.RUnlock()
	if validator != nil {
		if err := validator(config); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", filename, err)
		}
	}

	// Handlers get their own copy; stored config stays private to the
	// manager.
	configCopy := make(map[string]interface{}, len(config))
	for k, v := range config {
		configCopy[k] = v
	}

	m.mu.Lock()
	m.configs[filename] = config
	handlers := make([]ChangeHandler, len(m.handlers[filename]))
	copy(handlers, m.handlers[filename])
	m.mu.Unlock()

	event := ChangeEvent{
		File:      filename,
		Action:    action,
		Config:    configCopy,
		Timestamp: time.Now(),
	}
	for _, handler := range handlers {
		if err := handler(event); err != nil {
			m.logger.Error("Configuration handler error",
				zap.String("filename", filename),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}

	m.logger.Info("Configuration loaded",
		zap.String("filename", filename),
		zap.String("action", action),
		zap.Int("keys", len(config)),
	)
	return nil
}

func (m *Manager) handleFileRemoval(filename string) {
	m.mu.Lock()
	config := m.configs[filename]
	delete(m.configs, filename)
	handlers := make([]ChangeHandler, len(m.handlers[filename]))
	copy(handlers, m.handlers[filename])
	m.mu.Unlock()

	var configCopy map[string]interface{}
	if config != nil {
		configCopy = make(map[string]interface{}, len(config))
		for k, v := range config {
			configCopy[k] = v
		}
	}

	event := ChangeEvent{
		File:      filename,
		Action:    "delete",
		Config:    configCopy, // last known config
		Timestamp: time.Now(),
	}
	for _, handler := range handlers {
		if err := handler(event); err != nil {
			m.logger.Error("Configuration handler error on deletion",
				zap.String("filename", filename),
				zap.Error(err),
			)
		}
	}

	m.logger.Info("Configuration file removed", zap.String("filename", filename))
}

func (m *Manager) handlePolicyReload(filename, action string) {
	m.mu.RLock()
	handlers := make([]func() error, len(m.policyHandlers))
	copy(handlers, m.policyHandlers)
	m.mu.RUnlock()

	m.logger.Info("Policy file changed, triggering reload",
		zap.String("file", filename),
		zap.String("action", action),
		zap.Int("handlers", len(handlers)),
	)
	for _, handler := range handlers {
		if err := handler(); err != nil {
			m.logger.Error("Policy reload handler failed",
				zap.String("file", filename),
				zap.Error(err),
			)
		}
	}
}

func isConfigFile(filename string) bool {
	ext := filepath.Ext(filename)
	return ext == ".yaml" || ext == ".yml"
}

func isPolicyFile(filename string) bool {
	return filepath.Ext(filename) == ".rego"
}
