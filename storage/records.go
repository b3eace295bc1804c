package storage

import (
	"errors"
	"maps"
	"time"
)

// Storage errors
var (
	// ErrBlacklistEntryNotFound indicates the token has no blacklist entry
	ErrBlacklistEntryNotFound = errors.New("blacklist entry not found")

	// ErrSessionNotFound indicates the session does not exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionLimitReached indicates the user is at the concurrent session cap
	ErrSessionLimitReached = errors.New("session limit reached")

	// ErrAuditEntryNotFound indicates the audit entry does not exist
	ErrAuditEntryNotFound = errors.New("audit entry not found")

	// ErrRateLimitEntryNotFound indicates no counter exists for the key
	ErrRateLimitEntryNotFound = errors.New("rate limit entry not found")

	// ErrRoleNotFound indicates no role assignment exists for the principal
	ErrRoleNotFound = errors.New("role not found")

	// ErrAlreadyExists indicates a record with the same ID is already stored
	ErrAlreadyExists = errors.New("record already exists")
)

// Rule classes of a rate limit counter.
const (
	RuleClassNormal = "normal"
	RuleClassStrict = "strict"
)

// SecurityEvent is the persisted form of a security event.
type SecurityEvent struct {
	ID        string
	Type      string
	Severity  string
	Details   map[string]any
	Timestamp time.Time
	UserID    string
	IP        string
}

// EventFilter narrows ListEvents. Zero fields do not filter.
type EventFilter struct {
	UserID string
	Type   string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Matches reports whether event passes the filter (Limit is not considered).
func (f EventFilter) Matches(event *SecurityEvent) bool {
	if f.UserID != "" && event.UserID != f.UserID {
		return false
	}
	if f.Type != "" && event.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && event.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && event.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// BlacklistEntry records a revoked token.
type BlacklistEntry struct {
	TokenHash     string // SHA-256 fingerprint of the token
	UserID        string // principal the token belonged to, if known
	Reason        string
	BlacklistedAt time.Time
	ExpiresAt     time.Time
}

// ActiveAt reports whether the entry still denies the token at now.
func (e *BlacklistEntry) ActiveAt(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Session is a login session bound to a device.
type Session struct {
	ID                string
	UserID            string
	DeviceID          string
	IPAddress         string
	AntiFixationToken string
	LastActivity      time.Time
	CreatedAt         time.Time
	IPChangeCount     int
	Flagged           bool
}

// Clone returns a copy of the session
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// SessionLimit is enforced by SessionStore.InsertSession.
type SessionLimit struct {
	// Max is the maximum number of active sessions per user (0 = unlimited)
	Max int

	// ActiveAfter excludes sessions whose LastActivity is before it from the count
	ActiveAfter time.Time

	// EvictOldest removes the least recently created active sessions instead of failing
	EvictOldest bool
}

// SessionInsertResult describes what InsertSession observed and changed.
type SessionInsertResult struct {
	// Active are the user's active sessions before the insert (after eviction)
	Active []*Session

	// Evicted lists the IDs of sessions removed to make room
	Evicted []string
}

// AuditLogEntry is one record of the audit log. Data is stored already redacted.
type AuditLogEntry struct {
	ID        string
	UserID    string
	Action    string
	IPAddress string
	Data      any
	Metadata  map[string]any
	Timestamp time.Time
	Hash      string
}

// Clone returns a shallow copy of the entry with its own Metadata map
func (e *AuditLogEntry) Clone() *AuditLogEntry {
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}

// WindowRule is the limit a counter is evaluated with.
type WindowRule struct {
	Window      time.Duration
	MaxRequests int
	RuleClass   string
}

// RateLimitEntry is a fixed-window counter.
type RateLimitEntry struct {
	Key         string
	Count       int
	WindowStart time.Time
	Window      time.Duration
	MaxRequests int
	RuleClass   string
}

// WindowEnd returns the instant the current window closes
func (e *RateLimitEntry) WindowEnd() time.Time {
	return e.WindowStart.Add(e.Window)
}

// Elapsed reports whether the window is over at now
func (e *RateLimitEntry) Elapsed(now time.Time) bool {
	return now.After(e.WindowEnd())
}

// Apply performs one fixed-window hit on e in place and reports whether it was accepted.
// Backends call it inside their atomic section so the algorithm is identical everywhere.
func (e *RateLimitEntry) Apply(rule WindowRule, now time.Time) bool {
	if e.WindowStart.IsZero() || e.Elapsed(now) {
		e.Count = 0
		e.WindowStart = now
	}
	e.Window = rule.Window
	e.MaxRequests = rule.MaxRequests
	e.RuleClass = rule.RuleClass

	if e.Count >= rule.MaxRequests {
		return false
	}
	e.Count++
	return true
}

// RoleAssignment is a principal's role and its single parent role.
type RoleAssignment struct {
	UserID     string
	Role       string
	ParentRole string
}

// Grants reports whether the assignment satisfies required.
// Only the role and its direct parent are consulted.
func (r *RoleAssignment) Grants(required string) bool {
	if required == "" {
		return true
	}
	return r.Role == required || (r.ParentRole != "" && r.ParentRole == required)
}
