package logger

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
// These keys are used to store values in context.Context that will be
// automatically extracted and added to log entries.
const (
	// ContextKeySessionID identifies the conversational session.
	ContextKeySessionID contextKey = "session_id"

	// ContextKeyDeviceID identifies the originating device.
	ContextKeyDeviceID contextKey = "device_id"

	// ContextKeySpeakerID identifies the resolved speaker, when known.
	ContextKeySpeakerID contextKey = "speaker_id"

	// ContextKeyTurnID identifies the current conversation turn.
	ContextKeyTurnID contextKey = "turn_id"

	// ContextKeyTaskID identifies an accelerator task.
	ContextKeyTaskID contextKey = "task_id"

	// ContextKeyRoom identifies the physical space tag used in wake arbitration.
	ContextKeyRoom contextKey = "room"

	// ContextKeyRequestID identifies the individual transport request.
	ContextKeyRequestID contextKey = "request_id"
)

// allContextKeys lists all context keys that should be extracted for logging.
// This is used by the handler to iterate over all possible context values.
var allContextKeys = []contextKey{
	ContextKeySessionID,
	ContextKeyDeviceID,
	ContextKeySpeakerID,
	ContextKeyTurnID,
	ContextKeyTaskID,
	ContextKeyRoom,
	ContextKeyRequestID,
}

// WithSessionID returns a new context with the session ID set.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithDeviceID returns a new context with the device ID set.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, ContextKeyDeviceID, deviceID)
}

// WithSpeakerID returns a new context with the speaker ID set.
func WithSpeakerID(ctx context.Context, speakerID string) context.Context {
	return context.WithValue(ctx, ContextKeySpeakerID, speakerID)
}

// WithTurnID returns a new context with the turn ID set.
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, ContextKeyTurnID, turnID)
}

// WithTaskID returns a new context with the accelerator task ID set.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, ContextKeyTaskID, taskID)
}

// WithRoom returns a new context with the room tag set.
func WithRoom(ctx context.Context, room string) context.Context {
	return context.WithValue(ctx, ContextKeyRoom, room)
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// SessionContext returns a context carrying the full session identity in one call.
// Empty values are skipped.
func SessionContext(ctx context.Context, sessionID, deviceID, speakerID string) context.Context {
	if sessionID != "" {
		ctx = WithSessionID(ctx, sessionID)
	}
	if deviceID != "" {
		ctx = WithDeviceID(ctx, deviceID)
	}
	if speakerID != "" {
		ctx = WithSpeakerID(ctx, speakerID)
	}
	return ctx
}
