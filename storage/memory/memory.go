package memory

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lingualeap/apiguard/instrumentation"
	"github.com/lingualeap/apiguard/internal/walk"
	"github.com/lingualeap/apiguard/storage"
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	events     []*storage.SecurityEvent
	blacklist  map[string]*storage.BlacklistEntry // token fingerprint -> entry
	sessions   map[string]*storage.Session        // session ID -> session
	audit      []*storage.AuditLogEntry           // insertion order
	auditByID  map[string]*storage.AuditLogEntry
	rateLimits map[string]*storage.RateLimitEntry // counter key -> entry
	roles      map[string]*storage.RoleAssignment // user ID -> assignment

	// injected failure, see InjectError
	failure error

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	eventsCount     atomic.Int64
	blacklistCount  atomic.Int64
	sessionsCount   atomic.Int64
	auditCount      atomic.Int64
	rateLimitsCount atomic.Int64

	logger *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.EventStore     = (*Store)(nil)
	_ storage.BlacklistStore = (*Store)(nil)
	_ storage.SessionStore   = (*Store)(nil)
	_ storage.AuditStore     = (*Store)(nil)
	_ storage.RateLimitStore = (*Store)(nil)
	_ storage.RoleStore      = (*Store)(nil)
)

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		blacklist:  make(map[string]*storage.BlacklistEntry),
		sessions:   make(map[string]*storage.Session),
		auditByID:  make(map[string]*storage.AuditLogEntry),
		rateLimits: make(map[string]*storage.RateLimitEntry),
		roles:      make(map[string]*storage.RoleAssignment),
		logger:     slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.syncCountsLocked()
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizes{
			Sessions:   s.sessionsCount.Load,
			Blacklist:  s.blacklistCount.Load,
			RateLimits: s.rateLimitsCount.Load,
			AuditLogs:  s.auditCount.Load,
			Events:     s.eventsCount.Load,
		})
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// InjectError makes every subsequent operation fail with err until it is called with nil.
// It lets callers exercise their behavior during a store outage.
func (s *Store) InjectError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// ============================================================
// EventStore Implementation
// ============================================================

// AppendEvent persists an event
func (s *Store) AppendEvent(ctx context.Context, event *storage.SecurityEvent) (err error) {
	ctx, span := s.startStorageSpan(ctx, "append_event")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "append_event", err, startTime) }()

	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}

	c := *event
	c.Details = maps.Clone(event.Details)
	s.events = append(s.events, &c)
	s.syncCountsLocked()
	return nil
}

// ListEvents returns events matching filter, newest first
func (s *Store) ListEvents(ctx context.Context, filter storage.EventFilter) (_ []*storage.SecurityEvent, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_events")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_events", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}

	var out []*storage.SecurityEvent
	for _, e := range s.events {
		if filter.Matches(e) {
			c := *e
			c.Details = maps.Clone(e.Details)
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteEventsBefore prunes events older than cutoff
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (_ int64, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_events")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_events", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return 0, s.failure
	}

	kept := s.events[:0]
	var deleted int64
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	clear(s.events[len(kept):])
	s.events = kept
	s.syncCountsLocked()
	return deleted, nil
}

// ============================================================
// BlacklistStore Implementation
// ============================================================

// AddToBlacklist inserts or replaces a blacklist entry
func (s *Store) AddToBlacklist(ctx context.Context, entry *storage.BlacklistEntry) (err error) {
	ctx, span := s.startStorageSpan(ctx, "add_to_blacklist")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "add_to_blacklist", err, startTime) }()

	if entry == nil || entry.TokenHash == "" {
		return fmt.Errorf("blacklist entry must have a token hash")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}

	c := *entry
	s.blacklist[entry.TokenHash] = &c
	s.syncCountsLocked()
	return nil
}

// GetBlacklistEntry returns the entry for a token fingerprint
func (s *Store) GetBlacklistEntry(ctx context.Context, tokenHash string) (_ *storage.BlacklistEntry, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_blacklist_entry")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_blacklist_entry", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}

	entry, ok := s.blacklist[tokenHash]
	if !ok {
		return nil, storage.ErrBlacklistEntryNotFound
	}
	c := *entry
	return &c, nil
}

// PurgeExpiredBlacklist removes entries that expired at or before now
func (s *Store) PurgeExpiredBlacklist(ctx context.Context, now time.Time) (_ int64, err error) {
	ctx, span := s.startStorageSpan(ctx, "purge_blacklist")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "purge_blacklist", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return 0, s.failure
	}

	var purged int64
	for hash, entry := range s.blacklist {
		if !entry.ActiveAt(now) {
			delete(s.blacklist, hash)
			purged++
		}
	}
	s.syncCountsLocked()
	return purged, nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// InsertSession stores a new session while enforcing limit atomically
func (s *Store) InsertSession(ctx context.Context, session *storage.Session, limit storage.SessionLimit) (_ *storage.SessionInsertResult, err error) {
	ctx, span := s.startStorageSpan(ctx, "insert_session")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "insert_session", err, startTime) }()

	if session == nil || session.ID == "" || session.UserID == "" {
		return nil, fmt.Errorf("session must have an ID and a user ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}

	if _, exists := s.sessions[session.ID]; exists {
		return nil, storage.ErrAlreadyExists
	}

	active := s.activeSessionsLocked(session.UserID, limit.ActiveAfter)
	result := &storage.SessionInsertResult{}

	if limit.Max > 0 && len(active) >= limit.Max {
		if !limit.EvictOldest {
			result.Active = cloneSessions(active)
			return result, storage.ErrSessionLimitReached
		}
		for len(active) >= limit.Max {
			oldest := active[0]
			delete(s.sessions, oldest.ID)
			result.Evicted = append(result.Evicted, oldest.ID)
			active = active[1:]
		}
	}

	result.Active = cloneSessions(active)
	s.sessions[session.ID] = session.Clone()
	s.syncCountsLocked()
	return result, nil
}

// GetSession returns a session by ID
func (s *Store) GetSession(ctx context.Context, sessionID string) (_ *storage.Session, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_session")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_session", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// UpdateSession applies fn to the stored session atomically
func (s *Store) UpdateSession(ctx context.Context, sessionID string, fn func(*storage.Session) error) (_ *storage.Session, err error) {
	ctx, span := s.startStorageSpan(ctx, "update_session")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "update_session", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}

	stored, ok := s.sessions[sessionID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}

	updated := stored.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	// identity fields are immutable
	updated.ID = stored.ID
	updated.UserID = stored.UserID
	updated.AntiFixationToken = stored.AntiFixationToken
	updated.CreatedAt = stored.CreatedAt

	s.sessions[sessionID] = updated
	return updated.Clone(), nil
}

// DeleteSession removes a session
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_session")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_session", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}

	delete(s.sessions, sessionID)
	s.syncCountsLocked()
	return nil
}

// ListUserSessions returns all sessions of a user, oldest first
func (s *Store) ListUserSessions(ctx context.Context, userID string) (_ []*storage.Session, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_user_sessions")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_user_sessions", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}

	return cloneSessions(s.activeSessionsLocked(userID, time.Time{})), nil
}

// DeleteUserSessions removes every session of a user except keepSessionID
func (s *Store) DeleteUserSessions(ctx context.Context, userID, keepSessionID string) (_ int64, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_user_sessions")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_user_sessions", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return 0, s.failure
	}

	var deleted int64
	for id, session := range s.sessions {
		if session.UserID == userID && id != keepSessionID {
			delete(s.sessions, id)
			deleted++
		}
	}
	s.syncCountsLocked()
	return deleted, nil
}

// DeleteIdleSessions removes sessions whose last activity is before idleBefore
func (s *Store) DeleteIdleSessions(ctx context.Context, idleBefore time.Time) (_ int64, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_idle_sessions")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_idle_sessions", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return 0, s.failure
	}

	var deleted int64
	for id, session := range s.sessions {
		if session.LastActivity.Before(idleBefore) {
			delete(s.sessions, id)
			deleted++
		}
	}
	s.syncCountsLocked()
	return deleted, nil
}

// activeSessionsLocked returns the user's sessions active at or after activeAfter,
// oldest first. Caller must hold s.mu.
func (s *Store) activeSessionsLocked(userID string, activeAfter time.Time) []*storage.Session {
	var out []*storage.Session
	for _, session := range s.sessions {
		if session.UserID != userID {
			continue
		}
		if !activeAfter.IsZero() && session.LastActivity.Before(activeAfter) {
			continue
		}
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func cloneSessions(in []*storage.Session) []*storage.Session {
	out := make([]*storage.Session, 0, len(in))
	for _, session := range in {
		out = append(out, session.Clone())
	}
	return out
}

// ============================================================
// AuditStore Implementation
// ============================================================

// AppendAuditEntry persists an audit entry
func (s *Store) AppendAuditEntry(ctx context.Context, entry *storage.AuditLogEntry) (err error) {
	ctx, span := s.startStorageSpan(ctx, "append_audit_entry")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "append_audit_entry", err, startTime) }()

	if entry == nil || entry.ID == "" {
		return fmt.Errorf("audit entry must have an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}

	if _, exists := s.auditByID[entry.ID]; exists {
		return storage.ErrAlreadyExists
	}

	c := cloneAuditEntry(entry)
	s.audit = append(s.audit, c)
	s.auditByID[c.ID] = c
	s.syncCountsLocked()
	return nil
}

// GetAuditEntry returns an audit entry by ID
func (s *Store) GetAuditEntry(ctx context.Context, id string) (_ *storage.AuditLogEntry, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_audit_entry")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_audit_entry", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}

	entry, ok := s.auditByID[id]
	if !ok {
		return nil, storage.ErrAuditEntryNotFound
	}
	return cloneAuditEntry(entry), nil
}

// ListUserAuditEntries returns up to limit entries of a user, newest first
func (s *Store) ListUserAuditEntries(ctx context.Context, userID string, limit int) (_ []*storage.AuditLogEntry, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_user_audit_entries")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_user_audit_entries", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}

	var out []*storage.AuditLogEntry
	for _, entry := range s.audit {
		if entry.UserID == userID {
			out = append(out, cloneAuditEntry(entry))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListAuditEntries returns entries in [start, end], oldest first
func (s *Store) ListAuditEntries(ctx context.Context, start, end time.Time) (_ []*storage.AuditLogEntry, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_audit_entries")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_audit_entries", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}

	var out []*storage.AuditLogEntry
	for _, entry := range s.audit {
		if entry.Timestamp.Before(start) || entry.Timestamp.After(end) {
			continue
		}
		out = append(out, cloneAuditEntry(entry))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// DeleteAuditEntriesBefore removes entries older than cutoff
func (s *Store) DeleteAuditEntriesBefore(ctx context.Context, cutoff time.Time) (_ int64, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_audit_entries")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_audit_entries", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return 0, s.failure
	}

	kept := s.audit[:0]
	var deleted int64
	for _, entry := range s.audit {
		if entry.Timestamp.Before(cutoff) {
			delete(s.auditByID, entry.ID)
			deleted++
			continue
		}
		kept = append(kept, entry)
	}
	clear(s.audit[len(kept):])
	s.audit = kept
	s.syncCountsLocked()
	return deleted, nil
}

// TamperAuditEntry replaces the stored entry in place without any checks.
// It simulates a direct edit of the backing store.
func (s *Store) TamperAuditEntry(id string, fn func(*storage.AuditLogEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.auditByID[id]
	if !ok {
		return storage.ErrAuditEntryNotFound
	}
	fn(entry)
	return nil
}

func cloneAuditEntry(entry *storage.AuditLogEntry) *storage.AuditLogEntry {
	c := *entry
	c.Data = walk.Clone(entry.Data)
	if entry.Metadata != nil {
		c.Metadata, _ = walk.Clone(entry.Metadata).(map[string]any)
	}
	return &c
}

// ============================================================
// RateLimitStore Implementation
// ============================================================

// IncrementWindow performs one fixed-window hit on key atomically
func (s *Store) IncrementWindow(ctx context.Context, key string, rule storage.WindowRule, now time.Time) (_ *storage.RateLimitEntry, _ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "increment_window")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "increment_window", err, startTime) }()

	if key == "" {
		return nil, false, fmt.Errorf("rate limit key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, false, s.failure
	}

	entry, ok := s.rateLimits[key]
	if !ok {
		entry = &storage.RateLimitEntry{Key: key}
		s.rateLimits[key] = entry
		s.syncCountsLocked()
	}
	accepted := entry.Apply(rule, now)

	c := *entry
	return &c, accepted, nil
}

// GetRateLimitEntry returns the counter for key
func (s *Store) GetRateLimitEntry(ctx context.Context, key string) (_ *storage.RateLimitEntry, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_rate_limit_entry")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_rate_limit_entry", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}

	entry, ok := s.rateLimits[key]
	if !ok {
		return nil, storage.ErrRateLimitEntryNotFound
	}
	c := *entry
	return &c, nil
}

// PutRateLimitEntry overwrites the counter for entry.Key
func (s *Store) PutRateLimitEntry(ctx context.Context, entry *storage.RateLimitEntry) (err error) {
	ctx, span := s.startStorageSpan(ctx, "put_rate_limit_entry")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "put_rate_limit_entry", err, startTime) }()

	if entry == nil || entry.Key == "" {
		return fmt.Errorf("rate limit entry must have a key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}

	c := *entry
	s.rateLimits[entry.Key] = &c
	s.syncCountsLocked()
	return nil
}

// PurgeStaleRateLimits removes counters whose window ended before now
func (s *Store) PurgeStaleRateLimits(ctx context.Context, now time.Time) (_ int64, err error) {
	ctx, span := s.startStorageSpan(ctx, "purge_rate_limits")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "purge_rate_limits", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return 0, s.failure
	}

	var purged int64
	for key, entry := range s.rateLimits {
		if entry.WindowEnd().Before(now) {
			delete(s.rateLimits, key)
			purged++
		}
	}
	s.syncCountsLocked()
	return purged, nil
}

// ============================================================
// RoleStore Implementation
// ============================================================

// GetRole returns the role assignment of a user
func (s *Store) GetRole(ctx context.Context, userID string) (_ *storage.RoleAssignment, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_role")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_role", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}

	role, ok := s.roles[userID]
	if !ok {
		return nil, storage.ErrRoleNotFound
	}
	c := *role
	return &c, nil
}

// SetRole creates or replaces a role assignment
func (s *Store) SetRole(ctx context.Context, assignment *storage.RoleAssignment) (err error) {
	ctx, span := s.startStorageSpan(ctx, "set_role")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "set_role", err, startTime) }()

	if assignment == nil || assignment.UserID == "" || assignment.Role == "" {
		return fmt.Errorf("role assignment must have a user ID and a role")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}

	c := *assignment
	s.roles[assignment.UserID] = &c
	return nil
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// syncCountsLocked refreshes the gauge counters. Caller must hold s.mu.
func (s *Store) syncCountsLocked() {
	s.eventsCount.Store(int64(len(s.events)))
	s.blacklistCount.Store(int64(len(s.blacklist)))
	s.sessionsCount.Store(int64(len(s.sessions)))
	s.auditCount.Store(int64(len(s.audit)))
	s.rateLimitsCount.Store(int64(len(s.rateLimits)))
}

// startStorageSpan starts a new span for a storage operation
// Returns a context with the span attached and the span itself
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrStorageResult, result))

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
