// Package bargein detects a user interrupting the assistant mid-playback.
//
// The coordinator is armed only while a session is in the Speaking state.
// It watches the speech-activity signal for a continuous run of at least
// the configured minimum duration; shorter bursts are treated as noise or
// residual echo and ignored. A confirmed interruption cancels the
// in-flight synthesis task and reports the speculative side effects back
// to business logic for compensation.
//
// Echo cancellation is an upstream contract: the audio front-end must
// remove the device's own playback from the capture signal before it
// reaches the coordinator. The minimum-duration gate rejects residue, it
// does not substitute for AEC.
package bargein

import (
	"context"
	"sync"
	"time"

	"github.com/AuralisLabs/voicekit/config"
	"github.com/AuralisLabs/voicekit/engine"
	"github.com/AuralisLabs/voicekit/events"
	"github.com/AuralisLabs/voicekit/logger"
)

// TaskCanceller cancels an accelerator task by ID. *scheduler.Scheduler
// implements it.
type TaskCanceller interface {
	Cancel(taskID string) bool
}

// Trigger describes one confirmed barge-in.
type Trigger struct {
	// SessionID is the interrupted session.
	SessionID string

	// SpeechDuration is the continuous speech run that confirmed the
	// interruption.
	SpeechDuration time.Duration

	// TaskCancelled reports whether an in-flight synthesis task was
	// cancelled; false means playback had already finished rendering.
	TaskCancelled bool

	// Effects lists side effects started speculatively for the
	// interrupted response, for the handler to compensate.
	Effects []engine.SideEffect
}

// Coordinator watches for interruptions during one session's playback.
// All methods are safe for concurrent use.
type Coordinator struct {
	cfg       config.BargeInConfig
	canceller TaskCanceller
	handler   engine.Handler
	bus       *events.Bus

	// now is the clock, replaceable in tests.
	now func() time.Time

	mu          sync.Mutex
	armed       bool
	sessionID   string
	synthTaskID string
	effects     []engine.SideEffect
	speechStart time.Time
}

// NewCoordinator creates a disarmed Coordinator.
// handler and bus may be nil; canceller may be nil when no synthesis task
// exists for the playback.
func NewCoordinator(cfg config.BargeInConfig, canceller TaskCanceller, handler engine.Handler, bus *events.Bus) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		canceller: canceller,
		handler:   handler,
		bus:       bus,
		now:       time.Now,
	}
}

// Arm activates interruption detection for a playback. synthTaskID may be
// empty when the synthesis task already resolved; effects are the side
// effects started for the response being spoken.
func (c *Coordinator) Arm(sessionID, synthTaskID string, effects []engine.SideEffect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = true
	c.sessionID = sessionID
	c.synthTaskID = synthTaskID
	c.effects = effects
	c.speechStart = time.Time{}
}

// Disarm deactivates detection, normally because playback finished.
func (c *Coordinator) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = false
	c.speechStart = time.Time{}
}

// Armed reports whether detection is active.
func (c *Coordinator) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// Observe feeds one speech-activity sample. It returns a Trigger when a
// continuous speech run reaches the configured minimum; the coordinator
// disarms itself on trigger. Gaps in speech reset the run.
func (c *Coordinator) Observe(ctx context.Context, speaking bool) (Trigger, bool) {
	now := c.now()

	c.mu.Lock()
	if !c.armed {
		c.mu.Unlock()
		return Trigger{}, false
	}
	if !speaking {
		c.speechStart = time.Time{}
		c.mu.Unlock()
		return Trigger{}, false
	}
	if c.speechStart.IsZero() {
		c.speechStart = now
	}
	run := now.Sub(c.speechStart)
	if run < c.cfg.MinSpeechDuration {
		c.mu.Unlock()
		return Trigger{}, false
	}

	trigger := Trigger{
		SessionID:      c.sessionID,
		SpeechDuration: run,
		Effects:        c.effects,
	}
	taskID := c.synthTaskID
	c.armed = false
	c.speechStart = time.Time{}
	c.mu.Unlock()

	if taskID != "" && c.canceller != nil {
		trigger.TaskCancelled = c.canceller.Cancel(taskID)
	}
	if c.handler != nil {
		c.handler.CancelNotice(ctx, trigger.SessionID, trigger.Effects)
	}

	logger.InfoContext(ctx, "barge-in confirmed",
		"session_id", trigger.SessionID,
		"speech_ms", trigger.SpeechDuration.Milliseconds(),
		"task_cancelled", trigger.TaskCancelled,
		"effects", len(trigger.Effects),
	)
	if c.bus != nil {
		c.bus.Emit(events.EventBargeIn, &events.BargeInData{
			SessionID:      trigger.SessionID,
			SpeechDuration: trigger.SpeechDuration,
			TaskCancelled:  trigger.TaskCancelled,
		})
	}
	return trigger, true
}
