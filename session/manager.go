package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lingualeap/apiguard/instrumentation"
	"github.com/lingualeap/apiguard/security"
	"github.com/lingualeap/apiguard/storage"
)

var (
	// ErrTooManyAttempts is returned by CreateSession when a user creates sessions too quickly
	ErrTooManyAttempts = errors.New("too many session creation attempts")

	// ErrMaxSessionsExceeded is returned by CreateSession when the user is at the session cap
	ErrMaxSessionsExceeded = errors.New("maximum concurrent sessions exceeded")

	// ErrUnavailable is returned when the session store cannot be reached and the policy denies
	ErrUnavailable = errors.New("session store unavailable")
)

// CreateRequest is the input of CreateSession
type CreateRequest struct {
	UserID    string
	DeviceID  string
	IPAddress string
}

// Rejection reasons reported by Check
const (
	ReasonValid            = "valid"
	ReasonNotFound         = "not_found"
	ReasonTokenMismatch    = "anti_fixation_token_mismatch"
	ReasonDeviceMismatch   = "device_mismatch"
	ReasonExpired          = "expired"
	ReasonStoreUnavailable = "store_unavailable"
)

// rejection carries a reason out of an UpdateSession callback
type rejection struct {
	reason  string
	session storage.Session
}

func (r *rejection) Error() string { return "session rejected: " + r.reason }

// Manager creates and validates device-bound sessions.
//
// Every read-modify-write of a session runs inside SessionStore.UpdateSession, and the
// per-user cap is enforced by SessionStore.InsertSession, so concurrent calls for the
// same user or session never interleave.
type Manager struct {
	cfg      Config
	store    storage.SessionStore
	counters storage.RateLimitStore
	recorder security.Recorder
	clock    security.Clock
	logger   *slog.Logger
	failures *security.FailureMonitor
	metrics  *instrumentation.Metrics
	tracer   trace.Tracer
}

// New creates a Manager. counters backs the rapid creation check.
func New(cfg Config, store storage.SessionStore, counters storage.RateLimitStore, recorder security.Recorder,
	clock security.Clock, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if counters == nil {
		return nil, fmt.Errorf("counter store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:      cfg,
		store:    store,
		counters: counters,
		recorder: recorder,
		clock:    security.ClockOrSystem(clock),
		logger:   logger,
	}, nil
}

// SetFailureMonitor routes store errors to m
func (m *Manager) SetFailureMonitor(f *security.FailureMonitor) {
	m.failures = f
}

// SetInstrumentation enables session metrics and tracing
func (m *Manager) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		m.metrics = inst.Metrics()
		m.tracer = inst.Tracer("session")
	}
}

// IdleTimeout returns the configured idle timeout
func (m *Manager) IdleTimeout() time.Duration {
	return m.cfg.IdleTimeout
}

// CreateSession creates a session bound to req.DeviceID with a fresh anti-fixation token.
//
// It returns ErrTooManyAttempts when the user already created RapidCreationLimit
// sessions within RapidCreationWindow, and ErrMaxSessionsExceeded when the user is at
// the cap under CapReject. Rejected attempts do not count toward the creation window. Active sessions spanning two or more IPs are reported but
// do not prevent creation.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*storage.Session, error) {
	if req.UserID == "" || req.DeviceID == "" {
		return nil, fmt.Errorf("user ID and device ID are required")
	}
	ctx, end := m.span(ctx, "session.create", req.UserID)
	defer end()

	now := m.clock.Now()

	rule := storage.WindowRule{
		Window:      m.cfg.RapidCreationWindow,
		MaxRequests: m.cfg.RapidCreationLimit,
		RuleClass:   storage.RuleClassNormal,
	}
	counterKey := "session_create:" + req.UserID
	recent, err := m.recentCreations(ctx, counterKey, now)
	if err != nil {
		m.failures.Observe(ctx, "session", "count_creation", m.cfg.FailurePolicy, err)
		if !m.cfg.FailurePolicy.Allows() {
			m.recordCreated(ctx, "error")
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		recent = 0
	}
	if recent >= rule.MaxRequests {
		m.recordCreated(ctx, "rapid_creation")
		m.logger.Warn("Rapid session creation",
			"user_id_hash", security.HashForLogging(req.UserID),
			"limit", rule.MaxRequests)
		security.Emit(ctx, m.recorder, m.logger, security.Event{
			Type:     security.EventRapidSessionCreation,
			Severity: security.SeverityHigh,
			UserID:   req.UserID,
			IP:       req.IPAddress,
			Details: map[string]any{
				"device_id":      req.DeviceID,
				"limit":          rule.MaxRequests,
				"window_seconds": int64(rule.Window.Seconds()),
			},
		})
		return nil, ErrTooManyAttempts
	}

	token, err := newAntiFixationToken()
	if err != nil {
		return nil, err
	}
	session := &storage.Session{
		ID:                uuid.NewString(),
		UserID:            req.UserID,
		DeviceID:          req.DeviceID,
		IPAddress:         req.IPAddress,
		AntiFixationToken: token,
		LastActivity:      now,
		CreatedAt:         now,
	}

	result, err := m.store.InsertSession(ctx, session, storage.SessionLimit{
		Max:         m.cfg.MaxSessions,
		ActiveAfter: now.Add(-m.cfg.IdleTimeout),
		EvictOldest: m.cfg.CapPolicy == CapEvictOldest,
	})
	switch {
	case errors.Is(err, storage.ErrSessionLimitReached):
		m.recordCreated(ctx, "max_sessions")
		active := 0
		if result != nil {
			active = len(result.Active)
		}
		security.Emit(ctx, m.recorder, m.logger, security.Event{
			Type:     security.EventMaxSessionsExceeded,
			Severity: security.SeverityMedium,
			UserID:   req.UserID,
			IP:       req.IPAddress,
			Details: map[string]any{
				"max_sessions":    m.cfg.MaxSessions,
				"active_sessions": active,
				"device_id":       req.DeviceID,
			},
		})
		return nil, ErrMaxSessionsExceeded
	case err != nil:
		m.failures.Observe(ctx, "session", "insert_session", m.cfg.FailurePolicy, err)
		m.recordCreated(ctx, "error")
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	// only stored sessions count toward the rapid creation window
	if _, _, err := m.counters.IncrementWindow(ctx, counterKey, rule, now); err != nil {
		m.failures.Observe(ctx, "session", "count_creation", m.cfg.FailurePolicy, err)
	}

	if len(result.Evicted) > 0 {
		m.logger.Info("Evicted oldest sessions at cap",
			"user_id_hash", security.HashForLogging(req.UserID),
			"evicted", len(result.Evicted))
		security.Emit(ctx, m.recorder, m.logger, security.Event{
			Type:     security.EventSessionsInvalidated,
			Severity: security.SeverityLow,
			UserID:   req.UserID,
			Details: map[string]any{
				"reason":      "evicted_at_cap",
				"session_ids": result.Evicted,
			},
		})
	}

	ips := map[string]struct{}{}
	if session.IPAddress != "" {
		ips[session.IPAddress] = struct{}{}
	}
	for _, s := range result.Active {
		if s.IPAddress != "" {
			ips[s.IPAddress] = struct{}{}
		}
	}
	if len(ips) >= 2 {
		security.Emit(ctx, m.recorder, m.logger, security.Event{
			Type:     security.EventConcurrentSessionsDetected,
			Severity: security.SeverityMedium,
			UserID:   req.UserID,
			IP:       req.IPAddress,
			Details: map[string]any{
				"active_sessions": len(result.Active) + 1,
				"distinct_ips":    len(ips),
			},
		})
	}

	m.recordCreated(ctx, "created")
	m.logger.Debug("Session created",
		"session_id", session.ID,
		"user_id_hash", security.HashForLogging(req.UserID))
	return session.Clone(), nil
}

// recentCreations returns how many sessions the counter at key recorded in the open window
func (m *Manager) recentCreations(ctx context.Context, key string, now time.Time) (int, error) {
	entry, err := m.counters.GetRateLimitEntry(ctx, key)
	if errors.Is(err, storage.ErrRateLimitEntryNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if entry.WindowStart.IsZero() || entry.Elapsed(now) {
		return 0, nil
	}
	return entry.Count, nil
}

// ValidateSession reports whether the session exists, carries antiFixationToken, is bound
// to deviceID and is not idle past the timeout. On success LastActivity is bumped.
func (m *Manager) ValidateSession(ctx context.Context, sessionID, antiFixationToken, deviceID string) bool {
	return m.Check(ctx, sessionID, antiFixationToken, deviceID) == ReasonValid
}

// Check is ValidateSession returning the reason of the decision
func (m *Manager) Check(ctx context.Context, sessionID, antiFixationToken, deviceID string) string {
	ctx, end := m.span(ctx, "session.validate", "")
	defer end()

	now := m.clock.Now()
	_, err := m.store.UpdateSession(ctx, sessionID, func(s *storage.Session) error {
		switch {
		case subtle.ConstantTimeCompare([]byte(s.AntiFixationToken), []byte(antiFixationToken)) != 1:
			return &rejection{reason: ReasonTokenMismatch, session: *s}
		case s.DeviceID != deviceID:
			return &rejection{reason: ReasonDeviceMismatch, session: *s}
		case now.Sub(s.LastActivity) > m.cfg.IdleTimeout:
			return &rejection{reason: ReasonExpired, session: *s}
		}
		s.LastActivity = now
		return nil
	})

	var rej *rejection
	switch {
	case err == nil:
		m.recordValidation(ctx, ReasonValid)
		return ReasonValid
	case errors.Is(err, storage.ErrSessionNotFound):
		m.recordValidation(ctx, ReasonNotFound)
		return ReasonNotFound
	case errors.As(err, &rej):
		m.rejected(ctx, rej, deviceID, now)
		m.recordValidation(ctx, rej.reason)
		return rej.reason
	default:
		m.failures.Observe(ctx, "session", "validate_session", m.cfg.FailurePolicy, err)
		m.recordValidation(ctx, ReasonStoreUnavailable)
		if m.cfg.FailurePolicy.Allows() {
			return ReasonValid
		}
		return ReasonStoreUnavailable
	}
}

func (m *Manager) rejected(ctx context.Context, rej *rejection, deviceID string, now time.Time) {
	s := rej.session
	event := security.Event{
		UserID: s.UserID,
		IP:     security.ClientIPFromContext(ctx),
		Details: map[string]any{
			"session_id": s.ID,
		},
	}

	switch rej.reason {
	case ReasonTokenMismatch:
		event.Type = security.EventInvalidAntiFixationToken
		event.Severity = security.SeverityHigh
	case ReasonDeviceMismatch:
		event.Type = security.EventSessionFixationAttempt
		event.Severity = security.SeverityHigh
		event.Details["bound_device_id"] = s.DeviceID
		event.Details["presented_device_id"] = deviceID
	case ReasonExpired:
		event.Type = security.EventSessionExpired
		event.Severity = security.SeverityLow
		event.Details["idle_seconds"] = int64(now.Sub(s.LastActivity).Seconds())
		if err := m.store.DeleteSession(ctx, s.ID); err != nil {
			m.logger.Warn("Failed to delete expired session", "session_id", s.ID, "error", err)
		}
	}

	if event.Severity != security.SeverityLow {
		m.logger.Warn("Session validation rejected",
			"session_id", s.ID,
			"user_id_hash", security.HashForLogging(s.UserID),
			"reason", rej.reason)
	}
	security.Emit(ctx, m.recorder, m.logger, event)
}

// UpdateSessionIP records that the session is now used from ip. Every change is counted;
// once the count exceeds MaxIPChanges the session is flagged and session_hopping_detected
// is recorded. Flagged sessions stay valid; terminating them is up to the caller.
func (m *Manager) UpdateSessionIP(ctx context.Context, sessionID, ip string) (*storage.Session, error) {
	var newlyFlagged bool
	updated, err := m.store.UpdateSession(ctx, sessionID, func(s *storage.Session) error {
		newlyFlagged = false
		if ip == "" || ip == s.IPAddress {
			return nil
		}
		s.IPAddress = ip
		s.IPChangeCount++
		if s.IPChangeCount > m.cfg.MaxIPChanges && !s.Flagged {
			s.Flagged = true
			newlyFlagged = true
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, storage.ErrSessionNotFound) {
			m.failures.Observe(ctx, "session", "update_session_ip", m.cfg.FailurePolicy, err)
		}
		return nil, fmt.Errorf("failed to update session IP: %w", err)
	}

	if newlyFlagged {
		m.logger.Warn("Session hopping detected",
			"session_id", updated.ID,
			"user_id_hash", security.HashForLogging(updated.UserID),
			"ip_changes", updated.IPChangeCount)
		security.Emit(ctx, m.recorder, m.logger, security.Event{
			Type:     security.EventSessionHoppingDetected,
			Severity: security.SeverityHigh,
			UserID:   updated.UserID,
			IP:       ip,
			Details: map[string]any{
				"session_id":  updated.ID,
				"ip_changes":  updated.IPChangeCount,
				"max_changes": m.cfg.MaxIPChanges,
			},
		})
	}
	return updated, nil
}

// DestroySession ends a session, e.g. on logout
func (m *Manager) DestroySession(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}

// DestroyUserSessions ends every session of userID
func (m *Manager) DestroyUserSessions(ctx context.Context, userID string) (int64, error) {
	return m.InvalidateUserSessions(ctx, userID, "")
}

// InvalidateUserSessions ends every session of userID except keepSessionID and records
// sessions_invalidated when any were ended. It implements tokenguard.SessionInvalidator.
func (m *Manager) InvalidateUserSessions(ctx context.Context, userID, keepSessionID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("user ID is required")
	}

	removed, err := m.store.DeleteUserSessions(ctx, userID, keepSessionID)
	if err != nil {
		m.failures.Observe(ctx, "session", "invalidate_user_sessions", m.cfg.FailurePolicy, err)
		return removed, fmt.Errorf("failed to invalidate sessions: %w", err)
	}

	if removed > 0 {
		m.logger.Info("User sessions invalidated",
			"user_id_hash", security.HashForLogging(userID),
			"count", removed)
		security.Emit(ctx, m.recorder, m.logger, security.Event{
			Type:     security.EventSessionsInvalidated,
			Severity: security.SeverityMedium,
			UserID:   userID,
			Details: map[string]any{
				"count":        removed,
				"kept_session": keepSessionID,
			},
		})
	}
	return removed, nil
}

// ActiveSessions returns the sessions of userID that are not idle past the timeout, oldest first
func (m *Manager) ActiveSessions(ctx context.Context, userID string) ([]*storage.Session, error) {
	sessions, err := m.store.ListUserSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	cutoff := m.clock.Now().Add(-m.cfg.IdleTimeout)
	active := sessions[:0]
	for _, s := range sessions {
		if !s.LastActivity.Before(cutoff) {
			active = append(active, s)
		}
	}
	return active, nil
}

// CleanupExpiredSessions removes sessions idle past the timeout. It is routine
// maintenance: the count goes to metrics and the log, not to the event sink.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	removed, err := m.store.DeleteIdleSessions(ctx, m.clock.Now().Add(-m.cfg.IdleTimeout))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired sessions: %w", err)
	}
	if m.metrics != nil {
		m.metrics.RecordSessionsCleanedUp(ctx, removed)
	}
	if removed > 0 {
		m.logger.Info("Cleaned up expired sessions", "removed", removed)
	}
	return removed, nil
}

func (m *Manager) span(ctx context.Context, name, userID string) (context.Context, func()) {
	if m.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := m.tracer.Start(ctx, name)
	if userID != "" {
		span.SetAttributes(attribute.String(instrumentation.AttrUserIDHash, security.HashForLogging(userID)))
	}
	return ctx, func() { span.End() }
}

func (m *Manager) recordCreated(ctx context.Context, result string) {
	if m.metrics != nil {
		m.metrics.RecordSessionCreated(ctx, result)
	}
}

func (m *Manager) recordValidation(ctx context.Context, result string) {
	if m.metrics != nil {
		m.metrics.RecordSessionValidation(ctx, result)
	}
}

// newAntiFixationToken returns 32 random bytes, base64url encoded
func newAntiFixationToken() (string, error) {
	b := make([]byte, antiFixationTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate anti-fixation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
