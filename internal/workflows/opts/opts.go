// Package opts centralizes activity options shared across workflow code so
// that timeout and retry tuning lives in one place.
package opts

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// EventActivityOptions returns options for progress event publication.
// Events are advisory; a drop is preferable to blocking the workflow.
func EventActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
}

// WithEventOptions applies event publication options to a context.
func WithEventOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, EventActivityOptions())
}

// BookkeepingActivityOptions returns options for usage recording, moderation
// hit logging, and other side-channel writes that should not fail the run.
func BookkeepingActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Second,
			MaximumAttempts:    2,
		},
	}
}

// WithBookkeepingOptions applies bookkeeping options to a context.
func WithBookkeepingOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, BookkeepingActivityOptions())
}
