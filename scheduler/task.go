package scheduler

import (
	"context"
	"sync"
	"time"
)

// Kind is the type of accelerator work a task performs.
type Kind int

const (
	// KindRecognize transcribes audio to text.
	KindRecognize Kind = iota
	// KindSynthesize converts text to audio.
	KindSynthesize
)

// kindCount is the number of task kinds, used for round-robin interleaving.
const kindCount = 2

// String returns a human-readable representation of the task kind.
func (k Kind) String() string {
	switch k {
	case KindRecognize:
		return "recognize"
	case KindSynthesize:
		return "synthesize"
	default:
		return "unknown"
	}
}

// Priority is the admission class of a task.
type Priority int

const (
	// PriorityHigh serves short commands and confirmations.
	PriorityHigh Priority = iota
	// PriorityNormal is the default class.
	PriorityNormal
	// PriorityLow serves long-form content.
	PriorityLow
)

// priorityCount is the number of priority classes.
const priorityCount = 3

// String returns a human-readable representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Result is the resolved outcome of a task: a transcript for recognition,
// audio bytes for synthesis.
type Result struct {
	Value any
	Err   error
}

// Task is one unit of accelerator work. Fields are immutable after enqueue
// except the cancellation state, which transitions at most once.
type Task struct {
	ID        string
	SessionID string
	Kind      Kind
	Priority  Priority
	Enqueued  time.Time

	// execute performs the engine call under the task's context.
	execute func(ctx context.Context) (any, error)

	// done receives exactly one Result.
	done chan Result

	// resolveOnce guards the single resolution of done.
	resolveOnce sync.Once

	mu        sync.Mutex
	cancelled bool
	// forcedTimeout marks a task aborted by hard recovery so it resolves
	// as a timeout rather than a cancellation.
	forcedTimeout bool
	// cancelExec aborts the engine call once executing.
	cancelExec context.CancelFunc
	started    time.Time
}

// resolve delivers the task's result exactly once.
func (t *Task) resolve(value any, err error) {
	t.resolveOnce.Do(func() {
		t.done <- Result{Value: value, Err: err}
	})
}

// markCancelled flags the task and aborts its engine call if one is running.
// Returns false if the task was already cancelled.
func (t *Task) markCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.cancelled = true
	if t.cancelExec != nil {
		t.cancelExec()
	}
	return true
}

// markForcedTimeout aborts the task as if its execution timeout fired.
func (t *Task) markForcedTimeout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled || t.forcedTimeout {
		return
	}
	t.forcedTimeout = true
	if t.cancelExec != nil {
		t.cancelExec()
	}
}

// isForcedTimeout reports whether the task was aborted by hard recovery.
func (t *Task) isForcedTimeout() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.forcedTimeout
}

// isCancelled reports whether the cancellation flag is set.
func (t *Task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// bindExec records the running engine call's cancel function so a later
// Cancel can abort it cooperatively.
func (t *Task) bindExec(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelExec = cancel
	t.started = time.Now()
}
