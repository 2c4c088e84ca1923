// Package logger provides structured logging for the voicekit runtime.
//
// This package wraps Go's standard log/slog with convenience functions for:
//   - Session lifecycle logging (created, ended, evicted)
//   - Accelerator task and recovery logging
//   - Contextual logging with session/device/turn tracing
//   - Level-based verbosity control
//
// All exported functions use the global DefaultLogger which can be configured
// for different output formats and log levels.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"
)

// DefaultLogger is the global structured logger instance.
// It is safe for concurrent use and initialized with slog.LevelInfo by default.
var DefaultLogger *slog.Logger

func init() {
	// Check LOG_LEVEL environment variable
	level := slog.LevelInfo
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		switch strings.ToLower(envLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(NewContextHandler(handler))
}

// SetLevel changes the logging level for all subsequent log operations.
// This is safe for concurrent use as it replaces the entire logger instance.
func SetLevel(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(NewContextHandler(handler))
}

// SetVerbose enables debug-level logging when verbose is true, otherwise sets info-level.
// This is a convenience wrapper around SetLevel for command-line verbose flags.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// Info logs an informational message with structured key-value attributes.
// Args should be provided in key-value pairs: key1, value1, key2, value2, ...
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs an informational message with context and structured attributes.
// The context can be used for request tracing and cancellation.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message with structured attributes.
// Debug messages are only output when the log level is set to LevelDebug or lower.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs a debug message with context and structured attributes.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs a warning message with structured attributes.
// Use for recoverable errors or unexpected but non-critical situations.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs a warning message with context and structured attributes.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs an error message with structured attributes.
// Use for errors that affect operation but don't cause complete failure.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs an error message with context and structured attributes.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

// SessionEvent logs a session lifecycle transition with structured fields.
// Additional attributes can be passed as key-value pairs after the required parameters.
func SessionEvent(event, sessionID, deviceID string, attrs ...any) {
	allAttrs := make([]any, 0, 6+len(attrs))
	allAttrs = append(allAttrs,
		"event", event,
		"session_id", sessionID,
		"device_id", deviceID,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("session "+event, allAttrs...)
}

// TaskEvent logs an accelerator task outcome with queue and execution timing.
func TaskEvent(event, taskID, kind string, queued, executed time.Duration, attrs ...any) {
	allAttrs := make([]any, 0, 10+len(attrs))
	allAttrs = append(allAttrs,
		"event", event,
		"task_id", taskID,
		"kind", kind,
		"queued_ms", queued.Milliseconds(),
		"exec_ms", executed.Milliseconds(),
	)
	allAttrs = append(allAttrs, attrs...)
	Info("accelerator task "+event, allAttrs...)
}

// TaskError logs an accelerator task failure.
func TaskError(taskID, kind string, err error, attrs ...any) {
	allAttrs := make([]any, 0, 6+len(attrs))
	allAttrs = append(allAttrs,
		"task_id", taskID,
		"kind", kind,
		"error", err,
	)
	allAttrs = append(allAttrs, attrs...)
	Error("accelerator task failed", allAttrs...)
}

// RecoveryEvent logs a watchdog recovery action with before/after memory readings.
// kind is "soft" or "hard".
func RecoveryEvent(kind string, beforeMemPct, afterMemPct float64, attrs ...any) {
	allAttrs := make([]any, 0, 8+len(attrs))
	allAttrs = append(allAttrs,
		"recovery", kind,
		"memory_before_pct", beforeMemPct,
		"memory_after_pct", afterMemPct,
	)
	allAttrs = append(allAttrs, attrs...)
	Warn("accelerator recovery", allAttrs...)
}

// WakeDecision logs a wake arbitration decision.
func WakeDecision(eventID, deviceID string, shouldRespond bool, reason string, attrs ...any) {
	allAttrs := make([]any, 0, 10+len(attrs))
	allAttrs = append(allAttrs,
		"event_id", eventID,
		"device_id", deviceID,
		"should_respond", shouldRespond,
		"reason", reason,
	)
	allAttrs = append(allAttrs, attrs...)
	Debug("wake arbitration", allAttrs...)
}
