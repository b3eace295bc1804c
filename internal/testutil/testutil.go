package testutil

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/lingualeap/apiguard/security"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// EventRecorder is a security.Recorder that keeps events in memory.
// Set Err to make Record fail after capturing the event.
type EventRecorder struct {
	mu     sync.Mutex
	events []security.Event
	Err    error
}

var _ security.Recorder = (*EventRecorder)(nil)

// NewEventRecorder creates an empty recorder
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// Record captures event
func (r *EventRecorder) Record(_ context.Context, event security.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.Err
}

// Events returns a copy of all captured events in order
func (r *EventRecorder) Events() []security.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]security.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of eventType were captured
func (r *EventRecorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// Has reports whether at least one event of eventType was captured
func (r *EventRecorder) Has(eventType string) bool {
	return r.Count(eventType) > 0
}

// Last returns the most recent event of eventType
func (r *EventRecorder) Last(eventType string) (security.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i], true
		}
	}
	return security.Event{}, false
}

// Reset drops all captured events
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// DiscardLogger returns a logger that writes nothing
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewMockHTTPServer creates a test HTTP server with the given handler
func NewMockHTTPServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// GenerateTestToken creates a test OAuth2 token valid for one hour from now
func GenerateTestToken() *oauth2.Token {
	return GenerateTestTokenWithExpiry(time.Now().Add(1 * time.Hour))
}

// GenerateTestTokenWithExpiry creates a test OAuth2 token with specific expiry
func GenerateTestTokenWithExpiry(expiry time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  GenerateRandomString(32),
		TokenType:    "Bearer",
		RefreshToken: GenerateRandomString(32),
		Expiry:       expiry,
	}
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEvent fails the test unless rec captured an event of eventType with severity
func AssertEvent(t *testing.T, rec *EventRecorder, eventType string, severity security.Severity) {
	t.Helper()
	e, ok := rec.Last(eventType)
	if !ok {
		t.Fatalf("expected %s event, got %v", eventType, eventTypes(rec.Events()))
	}
	if e.Severity != severity {
		t.Errorf("%s severity = %s, want %s", eventType, e.Severity, severity)
	}
}

// AssertNoEvent fails the test if rec captured an event of eventType
func AssertNoEvent(t *testing.T, rec *EventRecorder, eventType string) {
	t.Helper()
	if n := rec.Count(eventType); n > 0 {
		t.Errorf("expected no %s event, got %d", eventType, n)
	}
}

func eventTypes(events []security.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}
