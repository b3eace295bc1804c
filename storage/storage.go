// Package storage defines the records and store interfaces of the security engine.
// It supports various backend implementations including in-memory, SQL, and Valkey.
package storage

import (
	"context"
	"time"
)

// EventStore is the append-only system of record for security events.
// All methods accept context.Context for tracing and cancellation.
type EventStore interface {
	// AppendEvent persists an event. Events are never updated once written.
	AppendEvent(ctx context.Context, event *SecurityEvent) error

	// ListEvents returns events matching the filter, newest first
	ListEvents(ctx context.Context, filter EventFilter) ([]*SecurityEvent, error)

	// DeleteEventsBefore prunes events older than cutoff and returns how many were removed.
	// This is the only way an event leaves the store.
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BlacklistStore persists revoked tokens.
// Entries are keyed by token fingerprint (see security.TokenFingerprint), never by raw token.
type BlacklistStore interface {
	// AddToBlacklist inserts or replaces the entry for entry.TokenHash
	AddToBlacklist(ctx context.Context, entry *BlacklistEntry) error

	// GetBlacklistEntry returns the entry for a token fingerprint.
	// Returns ErrBlacklistEntryNotFound when no entry exists. Implementations may
	// return expired entries that have not been purged yet; callers must check ExpiresAt.
	GetBlacklistEntry(ctx context.Context, tokenHash string) (*BlacklistEntry, error)

	// PurgeExpiredBlacklist removes entries whose ExpiresAt is at or before now
	PurgeExpiredBlacklist(ctx context.Context, now time.Time) (int64, error)
}

// SessionStore persists user sessions.
//
// SECURITY: InsertSession and UpdateSession are read-modify-write operations and
// MUST be atomic with respect to concurrent callers for the same user or session.
type SessionStore interface {
	// InsertSession stores a new session while enforcing limit against the user's
	// active sessions in one atomic step. Returns ErrSessionLimitReached when the
	// user is at limit.Max and limit.EvictOldest is false.
	InsertSession(ctx context.Context, session *Session, limit SessionLimit) (*SessionInsertResult, error)

	// GetSession returns a session by ID or ErrSessionNotFound
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// UpdateSession applies fn to the stored session atomically and persists the result.
	// If fn returns an error nothing is written and the error is returned unchanged.
	UpdateSession(ctx context.Context, sessionID string, fn func(*Session) error) (*Session, error)

	// DeleteSession removes a session. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, sessionID string) error

	// ListUserSessions returns all stored sessions of a user, oldest first
	ListUserSessions(ctx context.Context, userID string) ([]*Session, error)

	// DeleteUserSessions removes every session of a user except keepSessionID in one
	// atomic step and returns how many were removed. An empty keepSessionID keeps none.
	DeleteUserSessions(ctx context.Context, userID, keepSessionID string) (int64, error)

	// DeleteIdleSessions removes sessions whose LastActivity is before idleBefore
	DeleteIdleSessions(ctx context.Context, idleBefore time.Time) (int64, error)
}

// AuditStore persists audit log entries.
type AuditStore interface {
	// AppendAuditEntry persists an entry. A returned error means the entry was NOT recorded.
	AppendAuditEntry(ctx context.Context, entry *AuditLogEntry) error

	// GetAuditEntry returns an entry by ID or ErrAuditEntryNotFound
	GetAuditEntry(ctx context.Context, id string) (*AuditLogEntry, error)

	// ListUserAuditEntries returns up to limit entries of a user, newest first.
	// A limit <= 0 means no limit.
	ListUserAuditEntries(ctx context.Context, userID string, limit int) ([]*AuditLogEntry, error)

	// ListAuditEntries returns entries with start <= Timestamp <= end, oldest first
	ListAuditEntries(ctx context.Context, start, end time.Time) ([]*AuditLogEntry, error)

	// DeleteAuditEntriesBefore removes entries older than cutoff
	DeleteAuditEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RateLimitStore holds fixed-window counters.
//
// SECURITY: IncrementWindow is the only way a counter changes on the request path and
// MUST be atomic: two concurrent calls for the same key can never both observe the
// same count and both be accepted.
type RateLimitStore interface {
	// IncrementWindow rolls the window of key forward when it has elapsed at now,
	// then increments the count if it is below rule.MaxRequests. It returns the
	// entry after the operation and whether the hit was accepted.
	IncrementWindow(ctx context.Context, key string, rule WindowRule, now time.Time) (*RateLimitEntry, bool, error)

	// GetRateLimitEntry returns the counter for key or ErrRateLimitEntryNotFound
	GetRateLimitEntry(ctx context.Context, key string) (*RateLimitEntry, error)

	// PutRateLimitEntry overwrites the counter for entry.Key
	PutRateLimitEntry(ctx context.Context, entry *RateLimitEntry) error

	// PurgeStaleRateLimits removes counters whose window ended before now
	PurgeStaleRateLimits(ctx context.Context, now time.Time) (int64, error)
}

// RoleStore resolves a principal's role assignment.
type RoleStore interface {
	// GetRole returns the assignment for userID or ErrRoleNotFound
	GetRole(ctx context.Context, userID string) (*RoleAssignment, error)

	// SetRole creates or replaces the assignment for assignment.UserID
	SetRole(ctx context.Context, assignment *RoleAssignment) error
}
