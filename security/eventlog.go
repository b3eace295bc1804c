package security

import (
	"context"
	"log/slog"
)

// EventLogger writes security events to a structured logger with hashed PII.
// Register it on a Sink with Subscribe("log", logger.Handle).
type EventLogger struct {
	logger  *slog.Logger
	minimum Severity
}

// NewEventLogger creates an event logger that writes events at or above minimum.
// An empty minimum logs every event.
func NewEventLogger(logger *slog.Logger, minimum Severity) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	if minimum == "" {
		minimum = SeverityLow
	}
	return &EventLogger{
		logger:  logger,
		minimum: minimum,
	}
}

// Handle is a Subscriber that logs event
func (l *EventLogger) Handle(ctx context.Context, event Event) {
	if !event.Severity.AtLeast(l.minimum) {
		return
	}

	level := slog.LevelInfo
	switch event.Severity {
	case SeverityHigh, SeverityCritical:
		level = slog.LevelWarn
	}

	l.logger.Log(ctx, level, "security_event",
		"event_id", event.ID,
		"event_type", event.Type,
		"severity", string(event.Severity),
		"user_id_hash", HashForLogging(event.UserID),
		"ip_address", event.IP,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}
