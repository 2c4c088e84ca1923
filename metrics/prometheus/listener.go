package prometheus

import (
	"github.com/AuralisLabs/voicekit/events"
)

// Status constants for metric labels.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusCancelled = "cancelled"

	decisionAccepted   = "accepted"
	decisionSuppressed = "suppressed"
	decisionDropped    = "dropped"

	resultCompleted = "completed"
	resultTimeout   = "timeout"
)

// MetricsListener records runtime events as Prometheus metrics.
// It implements the events.Listener signature and should be registered
// with a Bus using SubscribeAll.
type MetricsListener struct{}

// NewMetricsListener creates a new MetricsListener.
func NewMetricsListener() *MetricsListener {
	return &MetricsListener{}
}

// Handle processes an event and records relevant metrics.
func (l *MetricsListener) Handle(event *events.Event) {
	//exhaustive:ignore
	switch event.Type {
	case events.EventSessionCreated:
		l.handleSessionActive(event)
	case events.EventSessionEnded, events.EventSessionEvicted:
		l.handleSessionEnded(event)
	case events.EventWakeAccepted:
		RecordWakeEvent(decisionAccepted)
	case events.EventWakeSuppressed:
		RecordWakeEvent(decisionSuppressed)
	case events.EventWakeDropped:
		RecordWakeEvent(decisionDropped)
	case events.EventTurnCompleted:
		l.handleTurn(event, resultCompleted)
	case events.EventTurnTimeout:
		l.handleTurn(event, resultTimeout)
	case events.EventTaskCompleted:
		l.handleTask(event, statusCompleted)
	case events.EventTaskFailed:
		l.handleTask(event, statusFailed)
	case events.EventTaskCancelled:
		l.handleTask(event, statusCancelled)
	case events.EventBargeIn:
		RecordBargeIn()
	case events.EventRecoverySoft:
		RecordRecovery("soft")
	case events.EventRecoveryHard:
		RecordRecovery("hard")
	case events.EventRecoveryUnavailable:
		RecordRecovery("unavailable")
	default:
		// Ignore events that don't have metrics
	}
}

func (l *MetricsListener) handleSessionActive(event *events.Event) {
	if data, ok := event.Data.(*events.SessionData); ok {
		SetActiveSessions(data.Active)
	}
}

func (l *MetricsListener) handleSessionEnded(event *events.Event) {
	if data, ok := event.Data.(*events.SessionData); ok {
		SetActiveSessions(data.Active)
		RecordSessionEnd(data.Reason)
	}
}

func (l *MetricsListener) handleTurn(event *events.Event, result string) {
	if data, ok := event.Data.(*events.TurnData); ok {
		RecordTurn(result, float64(data.SilenceMs)/1000)
	}
}

func (l *MetricsListener) handleTask(event *events.Event, status string) {
	if data, ok := event.Data.(*events.TaskData); ok {
		RecordTask(data.Kind, data.Priority, status, data.Queued.Seconds(), data.Executed.Seconds())
	}
}

// Listener returns an events.Listener function that can be registered with a Bus.
func (l *MetricsListener) Listener() events.Listener {
	return l.Handle
}
