package security

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestEventLogger_Handle(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	el := NewEventLogger(logger, SeverityMedium)

	el.Handle(context.Background(), Event{Type: EventAuditLogCreated, Severity: SeverityLow, UserID: "user-1"})
	if buf.Len() != 0 {
		t.Fatalf("low severity event should be filtered, got %s", buf.String())
	}

	el.Handle(context.Background(), Event{Type: EventTokenReuseAttempt, Severity: SeverityHigh, UserID: "user-1"})
	out := buf.String()
	if !strings.Contains(out, EventTokenReuseAttempt) {
		t.Errorf("log output %q should contain event type", out)
	}
	if strings.Contains(out, `"user-1"`) {
		t.Errorf("log output %q should not contain the raw user id", out)
	}
	if !strings.Contains(out, HashForLogging("user-1")) {
		t.Errorf("log output %q should contain the hashed user id", out)
	}
	if !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("high severity should log at WARN, got %q", out)
	}
}
