package scheduler

import "errors"

// Scheduler errors.
var (
	// ErrTaskTimeout is returned when a task exceeds its execution timeout
	// or is aborted by a hard accelerator recovery. The scheduler never
	// retries; retry policy belongs to the caller.
	ErrTaskTimeout = errors.New("accelerator task timeout")

	// ErrUnavailable is returned while the accelerator worker is marked
	// down after a failed hard recovery.
	ErrUnavailable = errors.New("accelerator unavailable")

	// ErrCancelled resolves a cancelled task. It is a control signal, not
	// a failure: barge-in cancellation lands here.
	ErrCancelled = errors.New("task cancelled")

	// ErrClosed is returned when submitting to a stopped scheduler.
	ErrClosed = errors.New("scheduler closed")
)
