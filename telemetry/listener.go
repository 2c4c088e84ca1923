package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AuralisLabs/voicekit/events"
)

// sessionState tracks the root span for a session.
type sessionState struct {
	span trace.Span
	ctx  context.Context //nolint:containedctx // needed to parent child spans
}

// OTelEventListener converts runtime events into OTel spans in real time.
// Session lifecycle events open and close a root span per session; turn and
// task completions become child spans backdated to their measured duration.
// It is safe for concurrent use.
type OTelEventListener struct {
	tracer trace.Tracer

	mu       sync.Mutex
	sessions map[string]*sessionState // sessionID → root span + ctx
}

// NewOTelEventListener creates a listener that creates OTel spans from
// runtime events.
func NewOTelEventListener(tracer trace.Tracer) *OTelEventListener {
	return &OTelEventListener{
		tracer:   tracer,
		sessions: make(map[string]*sessionState),
	}
}

// StartSession creates a root span for the given session, optionally
// parented under the span context in parentCtx. OnEvent calls this for
// session.created events; embedders that carry an inbound trace context
// call it directly before the event fires.
func (l *OTelEventListener) StartSession(parentCtx context.Context, sessionID string) {
	l.mu.Lock()
	if _, exists := l.sessions[sessionID]; exists {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	ctx, span := l.tracer.Start(parentCtx, "voicekit.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	l.mu.Lock()
	l.sessions[sessionID] = &sessionState{span: span, ctx: ctx}
	l.mu.Unlock()
}

// EndSession ends the root span for the given session.
func (l *OTelEventListener) EndSession(sessionID, reason string) {
	l.mu.Lock()
	ss, ok := l.sessions[sessionID]
	if ok {
		delete(l.sessions, sessionID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	if reason != "" {
		ss.span.SetAttributes(attribute.String("session.end_reason", reason))
	}
	ss.span.End()
}

// OnEvent handles a single runtime event and creates or completes spans
// accordingly. It can be passed to Bus.SubscribeAll.
func (l *OTelEventListener) OnEvent(evt *events.Event) {
	//nolint:exhaustive // Only handling span-producing events
	switch evt.Type {
	case events.EventSessionCreated:
		if data, ok := asPtr[events.SessionData](evt.Data); ok {
			l.StartSession(context.Background(), data.SessionID)
		}
	case events.EventSessionEnded, events.EventSessionEvicted:
		if data, ok := asPtr[events.SessionData](evt.Data); ok {
			l.EndSession(data.SessionID, data.Reason)
		}
	case events.EventTurnCompleted:
		l.recordTurn(evt, false)
	case events.EventTurnTimeout:
		l.recordTurn(evt, true)
	case events.EventTaskCompleted, events.EventTaskFailed, events.EventTaskCancelled:
		l.recordTask(evt)
	case events.EventBargeIn:
		l.recordBargeIn(evt)
	case events.EventRecoverySoft, events.EventRecoveryHard, events.EventRecoveryUnavailable:
		l.recordRecovery(evt)
	}
}

// sessionCtx returns the context for the session (to parent child spans).
// Falls back to context.Background() if the session is unknown.
func (l *OTelEventListener) sessionCtx(sessionID string) context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ss, ok := l.sessions[sessionID]; ok {
		return ss.ctx
	}
	return context.Background()
}

// recordTurn emits a completed turn as a span backdated over its duration.
func (l *OTelEventListener) recordTurn(evt *events.Event, timedOut bool) {
	data, ok := asPtr[events.TurnData](evt.Data)
	if !ok {
		return
	}

	start := evt.Timestamp.Add(-data.Duration)
	_, span := l.tracer.Start(l.sessionCtx(data.SessionID), "voicekit.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.Int("turn.index", data.TurnIndex),
			attribute.Int64("turn.silence_ms", data.SilenceMs),
			attribute.Bool("turn.low_confidence", data.LowConfidence),
		),
	)
	if timedOut {
		span.SetAttributes(attribute.String("turn.result", "timeout"))
	}
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(evt.Timestamp))
}

// recordTask emits a resolved accelerator task as a span backdated over its
// execution.
func (l *OTelEventListener) recordTask(evt *events.Event) {
	data, ok := asPtr[events.TaskData](evt.Data)
	if !ok {
		return
	}

	start := evt.Timestamp.Add(-data.Executed)
	_, span := l.tracer.Start(l.sessionCtx(data.SessionID), "voicekit.task."+data.Kind,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.String("task.id", data.TaskID),
			attribute.String("task.priority", data.Priority),
			attribute.Int64("task.queued_ms", data.Queued.Milliseconds()),
		),
	)
	switch {
	case evt.Type == events.EventTaskFailed && data.Err != nil:
		span.SetStatus(codes.Error, data.Err.Error())
	case evt.Type == events.EventTaskCancelled:
		span.SetAttributes(attribute.Bool("task.cancelled", true))
		span.SetStatus(codes.Ok, "")
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(evt.Timestamp))
}

// recordBargeIn attaches a span event to the session root span.
func (l *OTelEventListener) recordBargeIn(evt *events.Event) {
	data, ok := asPtr[events.BargeInData](evt.Data)
	if !ok {
		return
	}

	l.mu.Lock()
	ss, found := l.sessions[data.SessionID]
	l.mu.Unlock()
	if !found {
		return
	}
	ss.span.AddEvent("barge_in",
		trace.WithTimestamp(evt.Timestamp),
		trace.WithAttributes(
			attribute.Int64("speech_ms", data.SpeechDuration.Milliseconds()),
			attribute.Bool("task_cancelled", data.TaskCancelled),
		),
	)
}

// recordRecovery emits accelerator recovery actions as standalone spans.
func (l *OTelEventListener) recordRecovery(evt *events.Event) {
	data, ok := asPtr[events.RecoveryData](evt.Data)
	if !ok {
		return
	}

	_, span := l.tracer.Start(context.Background(), "voicekit."+string(evt.Type),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(evt.Timestamp),
		trace.WithAttributes(
			attribute.Float64("memory_before_pct", data.MemoryBeforePct),
			attribute.Float64("memory_after_pct", data.MemoryAfterPct),
			attribute.Int("attempt", data.Attempt),
		),
	)
	if evt.Type == events.EventRecoveryUnavailable {
		span.SetStatus(codes.Error, "accelerator unavailable")
	}
	span.End(trace.WithTimestamp(evt.Timestamp.Add(time.Millisecond)))
}

// asPtr extracts event data as a pointer, handling both value and pointer
// types. The emitter may pass either T or *T depending on the event.
func asPtr[T any](data any) (*T, bool) {
	if p, ok := data.(*T); ok {
		return p, true
	}
	if v, ok := data.(T); ok {
		return &v, true
	}
	return nil, false
}
