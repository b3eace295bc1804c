package security

import "time"

// Severity ranks a security event. The zero value is not a valid severity.
type Severity string

// Severity levels, lowest first.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal of the severity (low=1 .. critical=4, unknown=0).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as min or more.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank() && s.Rank() > 0
}

// ParseSeverity converts a string into a Severity. Unknown values map to SeverityLow.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	default:
		return SeverityLow
	}
}

// Event type constants for security events.
// These constants keep event names consistent between publishers, the
// event store and subscribers such as alerting.
const (
	// Input events

	// EventSuspiciousActivity is emitted when an inbound payload matches an injection signature
	EventSuspiciousActivity = "suspicious_activity"

	// Rate limiting events

	// EventRateLimitExceeded is emitted when a key exhausts its window
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventRateLimitEscalated is emitted when a key is promoted to the strict rule class
	EventRateLimitEscalated = "rate_limit_escalated"

	// EventSuspiciousIPRotation is emitted when one user is seen from too many IPs
	EventSuspiciousIPRotation = "suspicious_ip_rotation"

	// EventDistributedBypassAttempt is emitted when too many distinct (ip, user) pairs appear in a burst
	EventDistributedBypassAttempt = "distributed_bypass_attempt"

	// EventRateLimitKeyTampering is emitted when counter state does not match its canonical derivation
	EventRateLimitKeyTampering = "rate_limit_key_tampering"

	// Token events

	// EventTokenBlacklisted is emitted when a token is added to the blacklist
	EventTokenBlacklisted = "token_blacklisted" //nolint:gosec // event name, not a credential

	// EventBlacklistedTokenUsed is emitted when a blacklisted token is presented
	EventBlacklistedTokenUsed = "blacklisted_token_used" //nolint:gosec // event name, not a credential

	// EventTokenRotated is emitted when a token close to expiry is exchanged for a new one
	EventTokenRotated = "token_rotated" //nolint:gosec // event name, not a credential

	// EventSuspiciousRefreshAttempts is emitted when a refresh token exceeds its attempt cap
	EventSuspiciousRefreshAttempts = "suspicious_refresh_attempts"

	// EventConcurrentTokenUsage is emitted when one token is presented from too many IPs
	EventConcurrentTokenUsage = "concurrent_token_usage" //nolint:gosec // event name, not a credential

	// EventTokenReuseAttempt is emitted when a token superseded by rotation is presented
	EventTokenReuseAttempt = "token_reuse_attempt" //nolint:gosec // event name, not a credential

	// EventInvalidToken is emitted when a token fails signature, claim or expiry checks
	EventInvalidToken = "invalid_token" //nolint:gosec // event name, not a credential

	// EventInsufficientPermissions is emitted when the principal lacks the required role
	EventInsufficientPermissions = "insufficient_permissions"

	// Session events

	// EventRapidSessionCreation is emitted when a user creates sessions too quickly
	EventRapidSessionCreation = "rapid_session_creation"

	// EventMaxSessionsExceeded is emitted when a user is at the concurrent session cap
	EventMaxSessionsExceeded = "max_sessions_exceeded"

	// EventConcurrentSessionsDetected is emitted when a user's active sessions span several IPs
	EventConcurrentSessionsDetected = "concurrent_sessions_detected"

	// EventInvalidAntiFixationToken is emitted when a session is presented with the wrong anti-fixation token
	EventInvalidAntiFixationToken = "invalid_anti_fixation_token" //nolint:gosec // event name, not a credential

	// EventSessionFixationAttempt is emitted when a session is presented from a different device
	EventSessionFixationAttempt = "session_fixation_attempt"

	// EventSessionExpired is emitted when an idle session is presented
	EventSessionExpired = "session_expired"

	// EventSessionHoppingDetected is emitted when a session changes IP too many times
	EventSessionHoppingDetected = "session_hopping_detected"

	// EventSessionsInvalidated is emitted when all sessions of a principal are terminated
	EventSessionsInvalidated = "sessions_invalidated"

	// Audit events

	// EventAuditLogCreated is emitted for every persisted audit entry
	EventAuditLogCreated = "audit_log_created"

	// EventAuditIntegrityFailure is emitted when an audit entry's hash does not verify
	EventAuditIntegrityFailure = "audit_integrity_failure"

	// Infrastructure events

	// EventInfrastructureFailureRecurring is emitted when store or provider errors keep recurring
	EventInfrastructureFailureRecurring = "infrastructure_failure_recurring"
)

// Event is a security-relevant occurrence. Events are immutable once recorded.
type Event struct {
	ID        string
	Type      string
	Severity  Severity
	Details   map[string]any
	Timestamp time.Time
	UserID    string
	IP        string
}
