package security

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type captureRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureRecorder) Record(_ context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestFailurePolicy(t *testing.T) {
	if !FailOpen.Allows() {
		t.Error("FailOpen should allow")
	}
	if FailClosed.Allows() {
		t.Error("FailClosed should deny")
	}
	if FailurePolicy("maybe").Allows() {
		t.Error("unknown policy should deny")
	}
	if got := FailurePolicy("").OrDefault(FailClosed); got != FailClosed {
		t.Errorf("OrDefault() = %q, want closed", got)
	}
}

func TestFailureMonitor_EscalatesOnRecurrence(t *testing.T) {
	rec := &captureRecorder{}
	clock := &steppingClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewFailureMonitor(rec, clock, slog.Default(), 3, time.Minute)

	err := errors.New("connection refused")
	for i := 0; i < 2; i++ {
		m.Observe(context.Background(), "ratelimit", "check", FailOpen, err)
		clock.Advance(time.Second)
	}
	if len(rec.events) != 0 {
		t.Fatalf("events after 2 failures = %d, want 0", len(rec.events))
	}

	m.Observe(context.Background(), "ratelimit", "check", FailOpen, err)
	if len(rec.events) != 1 {
		t.Fatalf("events after 3 failures = %d, want 1", len(rec.events))
	}
	ev := rec.events[0]
	if ev.Type != EventInfrastructureFailureRecurring || ev.Severity != SeverityMedium {
		t.Errorf("event = %s/%s, want %s/medium", ev.Type, ev.Severity, EventInfrastructureFailureRecurring)
	}
	if ev.Details["component"] != "ratelimit" {
		t.Errorf("component = %v, want ratelimit", ev.Details["component"])
	}

	// further failures in the same window do not re-escalate
	m.Observe(context.Background(), "ratelimit", "check", FailOpen, err)
	if len(rec.events) != 1 {
		t.Errorf("events = %d, want still 1", len(rec.events))
	}

	// other components are tracked separately
	m.Observe(context.Background(), "tokenguard", "blacklist_lookup", FailClosed, err)
	if len(rec.events) != 1 {
		t.Errorf("events = %d, want still 1", len(rec.events))
	}
}

func TestFailureMonitor_OldFailuresExpire(t *testing.T) {
	rec := &captureRecorder{}
	clock := &steppingClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewFailureMonitor(rec, clock, nil, 2, time.Minute)

	m.Observe(context.Background(), "session", "get", FailClosed, errors.New("timeout"))
	clock.Advance(2 * time.Minute)
	m.Observe(context.Background(), "session", "get", FailClosed, errors.New("timeout"))

	if len(rec.events) != 0 {
		t.Errorf("events = %d, want 0 when failures are outside the window", len(rec.events))
	}
}

func TestFailureMonitor_NilSafe(t *testing.T) {
	var m *FailureMonitor
	m.Observe(context.Background(), "x", "y", FailOpen, errors.New("z"))
}
