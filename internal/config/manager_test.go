package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []ChangeEvent
	notify chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{notify: make(chan struct{}, 16)}
}

func (r *eventRecorder) handler(event ChangeEvent) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *eventRecorder) snapshot() []ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) waitMatch(t *testing.T, match func(ChangeEvent) bool) ChangeEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		for _, event := range r.snapshot() {
			if match(event) {
				return event
			}
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for matching event, have %d events", len(r.snapshot()))
		}
	}
}

func startedManager(t *testing.T, dir string) *Manager {
	t.Helper()
	mgr, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() { _ = mgr.Stop() })
	return mgr
}

func TestManagerInitialLoadNotifiesHandlers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tuning.yaml"), []byte("limit: 10\nname: alpha\n"), 0o644))

	mgr, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	rec := newEventRecorder()
	mgr.RegisterHandler("tuning.yaml", rec.handler)

	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() { _ = mgr.Stop() })

	// Initial load runs synchronously inside Start.
	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "initial_load", events[0].Action)
	assert.Equal(t, "tuning.yaml", events[0].File)
	assert.Equal(t, 10, events[0].Config["limit"])
	assert.Equal(t, "alpha", events[0].Config["name"])
}

func TestManagerGetConfigReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tuning.yaml"), []byte("limit: 10\n"), 0o644))
	mgr := startedManager(t, dir)

	cfg, ok := mgr.GetConfig("tuning.yaml")
	require.True(t, ok)
	cfg["limit"] = 99

	again, ok := mgr.GetConfig("tuning.yaml")
	require.True(t, ok)
	assert.Equal(t, 10, again["limit"])

	_, ok = mgr.GetConfig("missing.yaml")
	assert.False(t, ok)
}

func TestManagerManualReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("limit: 10\n"), 0o644))
	mgr := startedManager(t, dir)

	rec := newEventRecorder()
	mgr.RegisterHandler("tuning.yaml", rec.handler)

	require.NoError(t, os.WriteFile(path, []byte("limit: 20\n"), 0o644))
	require.NoError(t, mgr.ReloadConfig("tuning.yaml"))

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "manual_reload", events[0].Action)
	assert.Equal(t, 20, events[0].Config["limit"])

	cfg, ok := mgr.GetConfig("tuning.yaml")
	require.True(t, ok)
	assert.Equal(t, 20, cfg["limit"])
}

func TestManagerValidatorKeepsPreviousConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("limit: 10\n"), 0o644))

	mgr, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	mgr.RegisterValidator("tuning.yaml", func(cfg map[string]interface{}) error {
		if _, ok := cfg["limit"]; !ok {
			return fmt.Errorf("limit is required")
		}
		return nil
	})
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() { _ = mgr.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("other: 1\n"), 0o644))
	err = mgr.ReloadConfig("tuning.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit is required")

	cfg, ok := mgr.GetConfig("tuning.yaml")
	require.True(t, ok)
	assert.Equal(t, 10, cfg["limit"])
}

func TestManagerInvalidInitialConfigFailsStart(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tuning.yaml"), []byte("other: 1\n"), 0o644))

	mgr, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	mgr.RegisterValidator("tuning.yaml", func(cfg map[string]interface{}) error {
		if _, ok := cfg["limit"]; !ok {
			return fmt.Errorf("limit is required")
		}
		return nil
	})

	err = mgr.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit is required")
}

func TestManagerWatchesFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("limit: 10\n"), 0o644))

	mgr, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	rec := newEventRecorder()
	mgr.RegisterHandler("tuning.yaml", rec.handler)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() { _ = mgr.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("limit: 30\n"), 0o644))

	event := rec.waitMatch(t, func(e ChangeEvent) bool {
		return e.Action != "initial_load" && e.Config["limit"] == 30
	})
	assert.Equal(t, 30, event.Config["limit"])
}

func TestManagerPolicyReloadHandlers(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	var calls int
	mgr.RegisterPolicyHandler(func() error {
		calls++
		return nil
	})
	mgr.RegisterPolicyHandler(func() error {
		return fmt.Errorf("compile failed")
	})

	// Errors from one handler do not stop the others.
	mgr.handlePolicyReload("admission.rego", "modify")
	assert.Equal(t, 1, calls)
	mgr.handlePolicyReload("admission.rego", "delete")
	assert.Equal(t, 2, calls)
}

func TestManagerIgnoresNonConfigFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tuning.yaml"), []byte("limit: 10\n"), 0o644))
	mgr := startedManager(t, dir)

	_, ok := mgr.GetConfig("notes.txt")
	assert.False(t, ok)
	_, ok = mgr.GetConfig("tuning.yaml")
	assert.True(t, ok)
}
