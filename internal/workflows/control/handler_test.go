package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/activities"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/constants"
)

// emitStub is a no-op activity standing in for progress publication
func emitStub(ctx context.Context, in activities.ProgressEvent) error {
	return nil
}

func newHandlerWorkflowEnv(t *testing.T) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivityWithOptions(emitStub, activity.RegisterOptions{Name: constants.PublishProgressActivity})
	return env
}

func newHandler(ctx workflow.Context) *SignalHandler {
	emitCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Second,
	})
	h := &SignalHandler{
		WorkflowID: workflow.GetInfo(ctx).WorkflowExecution.ID,
		Logger:     workflow.GetLogger(ctx),
		EmitCtx:    emitCtx,
	}
	h.Setup(ctx)
	return h
}

// TestSignalHandlerSetup tests that signal handlers are registered without error
func TestSignalHandlerSetup(t *testing.T) {
	env := newHandlerWorkflowEnv(t)

	wf := func(ctx workflow.Context) (string, error) {
		handler := newHandler(ctx)
		if handler.State == nil {
			return "", nil
		}
		return "ok", nil
	}

	env.RegisterWorkflow(wf)
	env.ExecuteWorkflow(wf)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result string
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, "ok", result)
}

// TestPauseSignalReceived tests that pause blocks a checkpoint until resume
func TestPauseSignalReceived(t *testing.T) {
	env := newHandlerWorkflowEnv(t)

	wf := func(ctx workflow.Context) (bool, error) {
		handler := newHandler(ctx)

		_ = workflow.Sleep(ctx, 100*time.Millisecond)

		if err := handler.CheckPausePoint(ctx, "test_checkpoint"); err != nil {
			return false, err
		}

		// After resume, workflow should not be paused
		return handler.IsPaused(), nil
	}

	env.RegisterWorkflow(wf)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalPause, PauseRequest{
			Reason:      "test pause",
			RequestedBy: "test-user",
		})
	}, 50*time.Millisecond)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalResume, ResumeRequest{
			RequestedBy: "test-user",
		})
	}, 200*time.Millisecond)

	env.ExecuteWorkflow(wf)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var paused bool
	require.NoError(t, env.GetWorkflowResult(&paused))
	assert.False(t, paused)
}

// TestCancelSignalTerminates tests that cancel surfaces as a CanceledError
func TestCancelSignalTerminates(t *testing.T) {
	env := newHandlerWorkflowEnv(t)

	wf := func(ctx workflow.Context) (string, error) {
		handler := newHandler(ctx)

		_ = workflow.Sleep(ctx, 100*time.Millisecond)

		if err := handler.CheckPausePoint(ctx, "test_checkpoint"); err != nil {
			return "cancelled", err
		}

		return "completed", nil
	}

	env.RegisterWorkflow(wf)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalCancel, CancelRequest{
			Reason:      "test cancel",
			RequestedBy: "test-user",
		})
	}, 50*time.Millisecond)

	env.ExecuteWorkflow(wf)

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	var canceledErr *temporal.CanceledError
	assert.True(t, errors.As(err, &canceledErr), "expected CanceledError, got %T", err)
}

// TestCancelWhilePaused tests that cancel unblocks a paused checkpoint
func TestCancelWhilePaused(t *testing.T) {
	env := newHandlerWorkflowEnv(t)

	wf := func(ctx workflow.Context) (string, error) {
		handler := newHandler(ctx)

		_ = workflow.Sleep(ctx, 100*time.Millisecond)

		if err := handler.CheckPausePoint(ctx, "test_checkpoint"); err != nil {
			return "", err
		}

		return "completed", nil
	}

	env.RegisterWorkflow(wf)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalPause, PauseRequest{Reason: "hold"})
	}, 50*time.Millisecond)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalCancel, CancelRequest{Reason: "abort"})
	}, 300*time.Millisecond)

	env.ExecuteWorkflow(wf)

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	var canceledErr *temporal.CanceledError
	assert.True(t, errors.As(err, &canceledErr), "expected CanceledError, got %T", err)
}

// TestReplayDeterminism tests that pause/resume doesn't break replay determinism
func TestReplayDeterminism(t *testing.T) {
	for i := 0; i < 2; i++ {
		env := newHandlerWorkflowEnv(t)

		wf := func(ctx workflow.Context) (string, error) {
			v := workflow.GetVersion(ctx, "control_signals_v1", workflow.DefaultVersion, 1)
			if v < 1 {
				return "legacy", nil
			}

			handler := newHandler(ctx)

			if err := handler.CheckPausePoint(ctx, "checkpoint_1"); err != nil {
				return "", err
			}

			_ = workflow.Sleep(ctx, 50*time.Millisecond)

			if err := handler.CheckPausePoint(ctx, "checkpoint_2"); err != nil {
				return "", err
			}

			return "completed", nil
		}

		env.RegisterWorkflow(wf)
		env.ExecuteWorkflow(wf)

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result string
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, "completed", result)
	}
}

// TestFeedbackInjection tests queueing and per-task filtering of feedback
func TestFeedbackInjection(t *testing.T) {
	env := newHandlerWorkflowEnv(t)

	type snapshot struct {
		ForT1   []string
		ForT2   []string
		Pending int
	}

	wf := func(ctx workflow.Context) (snapshot, error) {
		handler := newHandler(ctx)

		_ = workflow.Sleep(ctx, 200*time.Millisecond)

		return snapshot{
			ForT1:   handler.FeedbackFor("t1"),
			ForT2:   handler.FeedbackFor("t2"),
			Pending: handler.State.PendingFeedback,
		}, nil
	}

	env.RegisterWorkflow(wf)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalInjectFeedback, FeedbackRequest{
			Message:     "use postgres 16",
			RequestedBy: "reviewer",
		})
	}, 50*time.Millisecond)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalInjectFeedback, FeedbackRequest{
			TaskID:  "t1",
			Message: "add pagination",
		})
	}, 100*time.Millisecond)

	env.ExecuteWorkflow(wf)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var snap snapshot
	require.NoError(t, env.GetWorkflowResult(&snap))
	assert.Equal(t, []string{"use postgres 16", "add pagination"}, snap.ForT1)
	assert.Equal(t, []string{"use postgres 16"}, snap.ForT2)
	assert.Equal(t, 2, snap.Pending)
}

// TestMultiplePauseResumeCycles tests multiple pause/resume cycles
func TestMultiplePauseResumeCycles(t *testing.T) {
	env := newHandlerWorkflowEnv(t)

	checkpointsReached := 0

	wf := func(ctx workflow.Context) (int, error) {
		handler := newHandler(ctx)

		for i := 0; i < 3; i++ {
			if err := handler.CheckPausePoint(ctx, "checkpoint"); err != nil {
				return checkpointsReached, err
			}
			checkpointsReached++
			_ = workflow.Sleep(ctx, 50*time.Millisecond)
		}

		return checkpointsReached, nil
	}

	env.RegisterWorkflow(wf)

	for i := 0; i < 3; i++ {
		delay := time.Duration(i*100+30) * time.Millisecond
		env.RegisterDelayedCallback(func() {
			env.SignalWorkflow(SignalPause, PauseRequest{Reason: "pause"})
		}, delay)

		resumeDelay := delay + 20*time.Millisecond
		env.RegisterDelayedCallback(func() {
			env.SignalWorkflow(SignalResume, ResumeRequest{})
		}, resumeDelay)
	}

	env.ExecuteWorkflow(wf)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result int
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 3, result, "all checkpoints should be reached")
}
