// Package scheduler admits accelerator tasks from all sessions onto the
// shared recognition/synthesis engines.
//
// The scheduler is the only component allowed to invoke the engines: it
// owns the accelerator's concurrency slots, applies priority with FIFO
// order inside each class, interleaves recognition and synthesis so
// neither kind starves, and bounds every execution with a timeout. Task
// results are delivered through a handle resolved exactly once.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/AuralisLabs/voicekit/config"
	"github.com/AuralisLabs/voicekit/engine"
	"github.com/AuralisLabs/voicekit/events"
	"github.com/AuralisLabs/voicekit/logger"
	"github.com/AuralisLabs/voicekit/telemetry"
)

// Scheduler is a bounded-concurrency, priority-aware admission queue in
// front of the accelerator engines.
type Scheduler struct {
	cfg         config.AcceleratorConfig
	recognizer  engine.Recognizer
	synthesizer engine.Synthesizer
	bus         *events.Bus

	slots  *semaphore.Weighted
	signal chan struct{}

	mu        sync.Mutex
	queues    [priorityCount][kindCount][]*Task
	nextKind  [priorityCount]int
	queued    map[string]*Task
	executing map[string]*Task
	available bool
	closed    bool
}

// New creates a Scheduler fronting the given engines.
// bus may be nil to disable event publication. Call Run to start dispatch.
func New(cfg config.AcceleratorConfig, rec engine.Recognizer, syn engine.Synthesizer, bus *events.Bus) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		recognizer:  rec,
		synthesizer: syn,
		bus:         bus,
		slots:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		signal:      make(chan struct{}, 1),
		queued:      make(map[string]*Task),
		executing:   make(map[string]*Task),
		available:   true,
	}
}

// Run drives the dispatch loop until ctx is done. It blocks; run it in
// its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			s.shutdown()
			return
		}

		task := s.next(ctx)
		if task == nil {
			s.slots.Release(1)
			s.shutdown()
			return
		}

		go s.execute(ctx, task)
	}
}

// Handle identifies a submitted task and carries its pending result.
type Handle struct {
	TaskID string

	task *Task
	s    *Scheduler
}

// Done returns the channel receiving the task's single Result.
func (h *Handle) Done() <-chan Result {
	return h.task.done
}

// Await blocks until the task resolves or ctx is done. An abandoned wait
// cancels the task.
func (h *Handle) Await(ctx context.Context) (any, error) {
	select {
	case res := <-h.task.done:
		return res.Value, res.Err
	case <-ctx.Done():
		h.s.Cancel(h.TaskID)
		return nil, ctx.Err()
	}
}

// SubmitRecognize enqueues a recognition task and blocks until it resolves.
func (s *Scheduler) SubmitRecognize(ctx context.Context, sessionID string, prio Priority, audio []byte, rcfg engine.RecognitionConfig) (engine.Transcript, error) {
	h, err := s.Submit(sessionID, KindRecognize, prio, func(execCtx context.Context) (any, error) {
		return s.recognizer.Recognize(execCtx, audio, rcfg)
	})
	if err != nil {
		return engine.Transcript{}, err
	}

	value, err := h.Await(ctx)
	if err != nil {
		return engine.Transcript{}, err
	}
	transcript, _ := value.(engine.Transcript)
	return transcript, nil
}

// SubmitSynthesize enqueues a synthesis task and returns its handle
// without waiting. Callers that need barge-in cancellation keep the
// handle's TaskID.
func (s *Scheduler) SubmitSynthesize(sessionID string, prio Priority, text string, scfg engine.SynthesisConfig) (*Handle, error) {
	return s.Submit(sessionID, KindSynthesize, prio, func(execCtx context.Context) (any, error) {
		return s.synthesizer.Synthesize(execCtx, text, scfg)
	})
}

// Submit enqueues an arbitrary task. Most callers use SubmitRecognize or
// SubmitSynthesize instead.
func (s *Scheduler) Submit(sessionID string, kind Kind, prio Priority, execute func(context.Context) (any, error)) (*Handle, error) {
	task := &Task{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Priority:  prio,
		Enqueued:  time.Now(),
		execute:   execute,
		done:      make(chan Result, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if !s.available {
		s.mu.Unlock()
		return nil, ErrUnavailable
	}
	s.queues[prio][kind] = append(s.queues[prio][kind], task)
	s.queued[task.ID] = task
	s.mu.Unlock()

	s.wake()
	return &Handle{TaskID: task.ID, task: task, s: s}, nil
}

// Cancel marks a task's cancellation flag. A task that has not started is
// dropped without entering execution; an executing task has its engine
// call aborted cooperatively and its result discarded. Returns true if
// the task was found.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	if task, ok := s.queued[taskID]; ok {
		s.removeQueuedLocked(task)
		s.mu.Unlock()

		task.markCancelled()
		task.resolve(nil, ErrCancelled)
		s.emitTask(events.EventTaskCancelled, task, 0, ErrCancelled)
		return true
	}
	task, ok := s.executing[taskID]
	s.mu.Unlock()

	if !ok {
		return false
	}
	task.markCancelled()
	return true
}

// SetAvailable flips accelerator availability. While unavailable, new
// submissions are rejected with ErrUnavailable; queued and executing
// tasks are left to finish.
func (s *Scheduler) SetAvailable(available bool) {
	s.mu.Lock()
	s.available = available
	s.mu.Unlock()
}

// Available reports whether new tasks are being admitted.
func (s *Scheduler) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available && !s.closed
}

// AbortInFlight aborts all executing tasks so they resolve with
// ErrTaskTimeout. The watchdog calls this when hard recovery restarts the
// accelerator worker under them.
func (s *Scheduler) AbortInFlight() {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.executing))
	for _, task := range s.executing {
		tasks = append(tasks, task)
	}
	s.mu.Unlock()

	for _, task := range tasks {
		task.markForcedTimeout()
	}
}

// QueueDepths returns the number of queued tasks per priority class.
func (s *Scheduler) QueueDepths() map[Priority]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	depths := make(map[Priority]int, priorityCount)
	for p := 0; p < priorityCount; p++ {
		n := 0
		for k := 0; k < kindCount; k++ {
			n += len(s.queues[p][k])
		}
		depths[Priority(p)] = n
	}
	return depths
}

// next pops the highest-priority task, interleaving kinds round-robin
// within each class. Blocks until a task is available or ctx is done.
func (s *Scheduler) next(ctx context.Context) *Task {
	for {
		s.mu.Lock()
		for p := 0; p < priorityCount; p++ {
			for attempt := 0; attempt < kindCount; attempt++ {
				kind := (s.nextKind[p] + attempt) % kindCount
				queue := s.queues[p][kind]
				if len(queue) == 0 {
					continue
				}

				task := queue[0]
				s.queues[p][kind] = queue[1:]
				delete(s.queued, task.ID)
				s.executing[task.ID] = task
				s.nextKind[p] = (kind + 1) % kindCount
				s.mu.Unlock()
				return task
			}
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-ctx.Done():
			return nil
		}
	}
}

// execute runs one task's engine call with timeout and cancellation.
func (s *Scheduler) execute(ctx context.Context, task *Task) {
	defer s.slots.Release(1)
	defer func() {
		s.mu.Lock()
		delete(s.executing, task.ID)
		s.mu.Unlock()
	}()

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()
	task.bindExec(cancel)

	tracer := telemetry.Tracer(nil)
	execCtx, span := tracer.Start(execCtx, "accelerator."+task.Kind.String())
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.priority", task.Priority.String()),
		attribute.String("session.id", task.SessionID),
	)
	defer span.End()

	started := time.Now()
	value, err := task.execute(execCtx)
	executed := time.Since(started)
	queued := started.Sub(task.Enqueued)

	switch {
	case task.isForcedTimeout():
		err = ErrTaskTimeout
	case task.isCancelled():
		err = ErrCancelled
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		err = ErrTaskTimeout
	}

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}

	task.resolve(value, err)

	switch {
	case errors.Is(err, ErrCancelled):
		logger.TaskEvent("cancelled", task.ID, task.Kind.String(), queued, executed)
		s.emitTask(events.EventTaskCancelled, task, executed, err)
	case err != nil:
		logger.TaskError(task.ID, task.Kind.String(), err, "queued_ms", queued.Milliseconds())
		s.emitTask(events.EventTaskFailed, task, executed, err)
	default:
		logger.TaskEvent("completed", task.ID, task.Kind.String(), queued, executed)
		s.emitTask(events.EventTaskCompleted, task, executed, nil)
	}
}

// shutdown rejects queued tasks and future submissions.
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var pending []*Task
	for p := 0; p < priorityCount; p++ {
		for k := 0; k < kindCount; k++ {
			pending = append(pending, s.queues[p][k]...)
			s.queues[p][k] = nil
		}
	}
	s.queued = make(map[string]*Task)
	s.mu.Unlock()

	for _, task := range pending {
		task.resolve(nil, ErrClosed)
	}
}

// removeQueuedLocked drops a task from its queue. Must be called with the
// scheduler mutex held.
func (s *Scheduler) removeQueuedLocked(task *Task) {
	queue := s.queues[task.Priority][task.Kind]
	for i, queuedTask := range queue {
		if queuedTask.ID == task.ID {
			s.queues[task.Priority][task.Kind] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	delete(s.queued, task.ID)
}

// wake nudges the dispatch loop.
func (s *Scheduler) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Scheduler) emitTask(eventType events.EventType, task *Task, executed time.Duration, err error) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(eventType, &events.TaskData{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Kind:      task.Kind.String(),
		Priority:  task.Priority.String(),
		Queued:    time.Since(task.Enqueued) - executed,
		Executed:  executed,
		Err:       err,
	})
}
