package security

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lingualeap/apiguard/instrumentation"
)

// FailurePolicy decides the outcome of a check when its backing store or
// identity provider cannot be reached.
type FailurePolicy string

const (
	// FailOpen allows the request on infrastructure error
	FailOpen FailurePolicy = "open"

	// FailClosed denies the request on infrastructure error
	FailClosed FailurePolicy = "closed"
)

// Allows reports whether a check governed by p passes when infrastructure fails.
// Unknown values deny.
func (p FailurePolicy) Allows() bool {
	return p == FailOpen
}

// OrDefault returns p, or def when p is empty
func (p FailurePolicy) OrDefault(def FailurePolicy) FailurePolicy {
	if p == "" {
		return def
	}
	return p
}

const (
	// DefaultFailureThreshold is the number of infrastructure errors per component
	// within DefaultFailureWindow that turns into a security event
	DefaultFailureThreshold = 5

	// DefaultFailureWindow is the observation window for recurring failures
	DefaultFailureWindow = time.Minute
)

// FailureMonitor sends infrastructure errors to the operational log and metrics,
// and escalates them to a security event only when they recur.
type FailureMonitor struct {
	recorder  Recorder
	clock     Clock
	logger    *slog.Logger
	threshold int
	window    time.Duration
	metrics   *instrumentation.Metrics

	mu       sync.Mutex
	failures map[string][]time.Time // component -> failure timestamps within window
	alerted  map[string]time.Time   // component -> window start of the last escalation
}

// NewFailureMonitor creates a failure monitor. threshold and window fall back to
// DefaultFailureThreshold and DefaultFailureWindow when not positive.
func NewFailureMonitor(recorder Recorder, clock Clock, logger *slog.Logger, threshold int, window time.Duration) *FailureMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if window <= 0 {
		window = DefaultFailureWindow
	}
	return &FailureMonitor{
		recorder:  recorder,
		clock:     ClockOrSystem(clock),
		logger:    logger,
		threshold: threshold,
		window:    window,
		failures:  make(map[string][]time.Time),
		alerted:   make(map[string]time.Time),
	}
}

// SetInstrumentation enables infrastructure error metrics
func (m *FailureMonitor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst != nil {
		m.metrics = inst.Metrics()
	}
}

// Observe records an infrastructure error raised by component while executing operation.
// A nil monitor only discards the error.
func (m *FailureMonitor) Observe(ctx context.Context, component, operation string, policy FailurePolicy, err error) {
	if m == nil || err == nil {
		return
	}

	m.logger.Error("Infrastructure error during security check",
		"component", component,
		"operation", operation,
		"policy", string(policy),
		"error", err)

	now := m.clock.Now()
	cutoff := now.Add(-m.window)

	m.mu.Lock()
	metrics := m.metrics
	recent := m.failures[component][:0]
	for _, ts := range m.failures[component] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	m.failures[component] = recent

	escalate := false
	if len(recent) >= m.threshold {
		// one escalation per window per component
		if last, ok := m.alerted[component]; !ok || last.Before(cutoff) {
			m.alerted[component] = now
			escalate = true
		}
	}
	count := len(recent)
	m.mu.Unlock()

	if metrics != nil {
		metrics.RecordInfrastructureError(ctx, component, operation)
	}

	if escalate {
		Emit(ctx, m.recorder, m.logger, Event{
			Type:     EventInfrastructureFailureRecurring,
			Severity: SeverityMedium,
			Details: map[string]any{
				"component":      component,
				"operation":      operation,
				"failures":       count,
				"window_seconds": int64(m.window.Seconds()),
				"policy":         string(policy),
			},
		})
	}
}
