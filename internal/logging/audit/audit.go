// Package audit writes security and lifecycle events as structured log lines.
package audit

import (
	"github.com/rs/zerolog"
)

// Results recorded on events.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultOK      = "ok"
)

// Logger provides structured audit logging. A nil *Logger discards events.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger tags every event from logger with audit=true.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Bool("audit", true).Logger()}
}

// LogAuth logs an authentication attempt. result is ResultAllowed or
// ResultDenied; denials are logged at warn level.
func (l *Logger) LogAuth(subject, result, details, sourceIP string) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	if result == ResultDenied {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "auth").
		Str("method", "bearer").
		Str("result", result).
		Str("source_ip", sourceIP)
	if subject != "" {
		event = event.Str("subject", subject)
	}
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Authentication event")
}

// LogObjectOp logs a state-changing object operation. result is ResultOK or
// the error code of a failed call; failures are logged at warn level.
func (l *Logger) LogObjectOp(subject, operation, id, result, details, sourceIP string) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	if result != ResultOK {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "object_operation").
		Str("operation", operation).
		Str("object_id", id).
		Str("result", result).
		Str("source_ip", sourceIP)
	if subject != "" {
		event = event.Str("subject", subject)
	}
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Object operation")
}
