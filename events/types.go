// Package events provides a lightweight pub/sub event bus for runtime observability.
package events

import "time"

// EventType identifies the kind of runtime event.
type EventType string

// Runtime event types.
const (
	EventSessionCreated EventType = "session.created"
	EventSessionEnded   EventType = "session.ended"
	EventSessionEvicted EventType = "session.evicted"

	EventWakeAccepted   EventType = "wake.accepted"
	EventWakeSuppressed EventType = "wake.suppressed"
	EventWakeDropped    EventType = "wake.dropped"

	EventTurnCompleted EventType = "turn.completed"
	EventTurnTimeout   EventType = "turn.timeout"

	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"

	EventBargeIn EventType = "barge_in"

	EventRecoverySoft        EventType = "recovery.soft"
	EventRecoveryHard        EventType = "recovery.hard"
	EventRecoveryUnavailable EventType = "recovery.unavailable"
)

// Event is a single runtime observability event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      any
}

// SessionData accompanies session lifecycle events.
type SessionData struct {
	SessionID string
	DeviceID  string
	Reason    string
	Active    int // active session count after the transition
}

// WakeData accompanies wake arbitration events.
type WakeData struct {
	EventID    string
	DeviceID   string
	Room       string
	Confidence float64
	Reason     string
}

// TurnData accompanies turn completion events.
type TurnData struct {
	SessionID     string
	TurnIndex     int
	SilenceMs     int64
	LowConfidence bool
	Duration      time.Duration
}

// TaskData accompanies accelerator task events.
type TaskData struct {
	TaskID    string
	SessionID string
	Kind      string // "recognize" or "synthesize"
	Priority  string
	Queued    time.Duration
	Executed  time.Duration
	Err       error
}

// BargeInData accompanies barge-in events.
type BargeInData struct {
	SessionID      string
	SpeechDuration time.Duration
	TaskCancelled  bool
}

// RecoveryData accompanies watchdog recovery events.
type RecoveryData struct {
	MemoryBeforePct float64
	MemoryAfterPct  float64
	Attempt         int
}
