// Package sqlstore provides a GORM-backed implementation of every storage interface.
//
// SQLite is the default dialect. Open limits the pool to a single connection, which
// serializes transactions and makes every read-modify-write (session cap, session
// update, counter increment) atomic. Other dialects can be used through New; their
// transactions additionally take row locks with SELECT ... FOR UPDATE.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lingualeap/apiguard/instrumentation"
	"github.com/lingualeap/apiguard/security"
	"github.com/lingualeap/apiguard/storage"
)

// Store implements all storage interfaces on top of a *gorm.DB.
type Store struct {
	db      *gorm.DB
	dialect string
	logger  *slog.Logger
	secrets *security.Encryptor

	mu              sync.RWMutex
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var (
	_ storage.EventStore     = (*Store)(nil)
	_ storage.BlacklistStore = (*Store)(nil)
	_ storage.SessionStore   = (*Store)(nil)
	_ storage.AuditStore     = (*Store)(nil)
	_ storage.RateLimitStore = (*Store)(nil)
	_ storage.RoleStore      = (*Store)(nil)
)

// Open opens (creating if needed) the SQLite database at dsn and migrates the schema.
// Use ":memory:" for a throwaway database.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return New(db)
}

// New wraps an open database and migrates the schema
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{
		db:      db,
		dialect: db.Dialector.Name(),
		logger:  slog.Default(),
	}, nil
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor seals session anti-fixation tokens at rest. Sessions written
// without a key stay readable after one is configured.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.secrets = enc
}

// SetInstrumentation enables storage spans, operation metrics and size gauges
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizes{
			Sessions:   s.counter(&userSessionModel{}),
			Blacklist:  s.counter(&blacklistedTokenModel{}),
			RateLimits: s.counter(&rateLimitEntryModel{}),
			AuditLogs:  s.counter(&auditLogModel{}),
			Events:     s.counter(&securityEventModel{}),
		})
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) counter(model any) instrumentation.StorageSizeCallback {
	return func() int64 {
		var n int64
		if err := s.db.Model(model).Count(&n).Error; err != nil {
			return 0
		}
		return n
	}
}

// forUpdate locks selected rows on dialects that support it
func (s *Store) forUpdate(tx *gorm.DB) *gorm.DB {
	if s.dialect == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// ============================================================
// EventStore Implementation
// ============================================================

// AppendEvent persists an event
func (s *Store) AppendEvent(ctx context.Context, event *storage.SecurityEvent) (err error) {
	ctx, done := s.operation(ctx, "append_event")
	defer func() { done(err) }()

	if event == nil || event.ID == "" || event.Type == "" {
		return fmt.Errorf("event must have an ID and a type")
	}
	m, err := eventToModel(event)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return translate(err, nil)
	}
	return nil
}

// ListEvents returns events matching filter, newest first
func (s *Store) ListEvents(ctx context.Context, filter storage.EventFilter) (_ []*storage.SecurityEvent, err error) {
	ctx, done := s.operation(ctx, "list_events")
	defer func() { done(err) }()

	q := s.db.WithContext(ctx).Model(&securityEventModel{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if !filter.Since.IsZero() {
		q = q.Where("timestamp >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		q = q.Where("timestamp <= ?", filter.Until.UTC())
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []securityEventModel
	if err := q.Order("timestamp DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*storage.SecurityEvent, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteEventsBefore prunes events older than cutoff
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (_ int64, err error) {
	ctx, done := s.operation(ctx, "delete_events")
	defer func() { done(err) }()

	res := s.db.WithContext(ctx).Where("timestamp < ?", cutoff.UTC()).Delete(&securityEventModel{})
	return res.RowsAffected, res.Error
}

// ============================================================
// BlacklistStore Implementation
// ============================================================

// AddToBlacklist inserts or replaces the entry for entry.TokenHash
func (s *Store) AddToBlacklist(ctx context.Context, entry *storage.BlacklistEntry) (err error) {
	ctx, done := s.operation(ctx, "add_to_blacklist")
	defer func() { done(err) }()

	if entry == nil || entry.TokenHash == "" {
		return fmt.Errorf("blacklist entry must have a token hash")
	}
	m := &blacklistedTokenModel{
		TokenHash:     entry.TokenHash,
		UserID:        entry.UserID,
		Reason:        entry.Reason,
		BlacklistedAt: entry.BlacklistedAt.UTC(),
		ExpiresAt:     entry.ExpiresAt.UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(m).Error
}

// GetBlacklistEntry returns the entry for a token fingerprint
func (s *Store) GetBlacklistEntry(ctx context.Context, tokenHash string) (_ *storage.BlacklistEntry, err error) {
	ctx, done := s.operation(ctx, "get_blacklist_entry")
	defer func() { done(ignoreNotFound(err)) }()

	var m blacklistedTokenModel
	if err := s.db.WithContext(ctx).Where("token = ?", tokenHash).First(&m).Error; err != nil {
		return nil, translate(err, storage.ErrBlacklistEntryNotFound)
	}
	return m.toRecord(), nil
}

// PurgeExpiredBlacklist removes entries whose ExpiresAt is at or before now
func (s *Store) PurgeExpiredBlacklist(ctx context.Context, now time.Time) (_ int64, err error) {
	ctx, done := s.operation(ctx, "purge_blacklist")
	defer func() { done(err) }()

	res := s.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&blacklistedTokenModel{})
	return res.RowsAffected, res.Error
}

// ============================================================
// SessionStore Implementation
// ============================================================

// InsertSession stores a new session while enforcing limit in one transaction
func (s *Store) InsertSession(ctx context.Context, session *storage.Session, limit storage.SessionLimit) (_ *storage.SessionInsertResult, err error) {
	ctx, done := s.operation(ctx, "insert_session")
	defer func() { done(ignoreLimit(err)) }()

	if session == nil || session.ID == "" || session.UserID == "" {
		return nil, fmt.Errorf("session must have an ID and a user ID")
	}

	result := &storage.SessionInsertResult{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []userSessionModel
		err := s.forUpdate(tx).
			Where("user_id = ? AND last_activity >= ?", session.UserID, limit.ActiveAfter.UTC()).
			Order("created_at ASC").
			Find(&rows).Error
		if err != nil {
			return err
		}

		if limit.Max > 0 && len(rows) >= limit.Max {
			if !limit.EvictOldest {
				active, err := s.sessionRecords(rows)
				if err != nil {
					return err
				}
				result.Active = active
				return storage.ErrSessionLimitReached
			}
			for len(rows) >= limit.Max {
				if err := tx.Delete(&userSessionModel{}, "id = ?", rows[0].ID).Error; err != nil {
					return err
				}
				result.Evicted = append(result.Evicted, rows[0].ID)
				rows = rows[1:]
			}
		}

		active, err := s.sessionRecords(rows)
		if err != nil {
			return err
		}
		result.Active = active

		m, err := s.sessionModel(session)
		if err != nil {
			return err
		}
		return tx.Create(m).Error
	})
	if err != nil {
		if errors.Is(err, storage.ErrSessionLimitReached) {
			return result, err
		}
		return nil, translate(err, nil)
	}
	return result, nil
}

// GetSession returns a session by ID
func (s *Store) GetSession(ctx context.Context, sessionID string) (_ *storage.Session, err error) {
	ctx, done := s.operation(ctx, "get_session")
	defer func() { done(ignoreNotFound(err)) }()

	var m userSessionModel
	if err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&m).Error; err != nil {
		return nil, translate(err, storage.ErrSessionNotFound)
	}
	return s.sessionRecord(&m)
}

// UpdateSession applies fn to the stored session inside a transaction
func (s *Store) UpdateSession(ctx context.Context, sessionID string, fn func(*storage.Session) error) (_ *storage.Session, err error) {
	ctx, done := s.operation(ctx, "update_session")
	defer func() { done(ignoreNotFound(err)) }()

	var updated *storage.Session
	var fnErr error
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m userSessionModel
		if err := s.forUpdate(tx).Where("id = ?", sessionID).First(&m).Error; err != nil {
			return translate(err, storage.ErrSessionNotFound)
		}

		stored, err := s.sessionRecord(&m)
		if err != nil {
			return err
		}
		next := stored.Clone()
		if fnErr = fn(next); fnErr != nil {
			return fnErr
		}
		// identity fields are immutable
		next.ID = stored.ID
		next.UserID = stored.UserID
		next.AntiFixationToken = stored.AntiFixationToken
		next.CreatedAt = stored.CreatedAt

		row, err := s.sessionModel(next)
		if err != nil {
			return err
		}
		if err := tx.Save(row).Error; err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		if fnErr != nil {
			// caller rejections are not storage failures
			done(nil)
			return nil, fnErr
		}
		return nil, err
	}
	return updated, nil
}

// DeleteSession removes a session
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (err error) {
	ctx, done := s.operation(ctx, "delete_session")
	defer func() { done(err) }()

	return s.db.WithContext(ctx).Delete(&userSessionModel{}, "id = ?", sessionID).Error
}

// ListUserSessions returns all sessions of a user, oldest first
func (s *Store) ListUserSessions(ctx context.Context, userID string) (_ []*storage.Session, err error) {
	ctx, done := s.operation(ctx, "list_user_sessions")
	defer func() { done(err) }()

	var rows []userSessionModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.sessionRecords(rows)
}

// DeleteUserSessions removes every session of a user except keepSessionID with a single DELETE
func (s *Store) DeleteUserSessions(ctx context.Context, userID, keepSessionID string) (_ int64, err error) {
	ctx, done := s.operation(ctx, "delete_user_sessions")
	defer func() { done(err) }()

	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if keepSessionID != "" {
		q = q.Where("id <> ?", keepSessionID)
	}
	res := q.Delete(&userSessionModel{})
	return res.RowsAffected, res.Error
}

// DeleteIdleSessions removes sessions whose LastActivity is before idleBefore
func (s *Store) DeleteIdleSessions(ctx context.Context, idleBefore time.Time) (_ int64, err error) {
	ctx, done := s.operation(ctx, "delete_idle_sessions")
	defer func() { done(err) }()

	res := s.db.WithContext(ctx).Delete(&userSessionModel{}, "last_activity < ?", idleBefore.UTC())
	return res.RowsAffected, res.Error
}

func (s *Store) sessionRecords(rows []userSessionModel) ([]*storage.Session, error) {
	out := make([]*storage.Session, 0, len(rows))
	for i := range rows {
		rec, err := s.sessionRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ============================================================
// AuditStore Implementation
// ============================================================

// AppendAuditEntry persists an entry
func (s *Store) AppendAuditEntry(ctx context.Context, entry *storage.AuditLogEntry) (err error) {
	ctx, done := s.operation(ctx, "append_audit_entry")
	defer func() { done(err) }()

	if entry == nil || entry.ID == "" {
		return fmt.Errorf("audit entry must have an ID")
	}
	m, err := auditToModel(entry)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return translate(err, nil)
	}
	return nil
}

// GetAuditEntry returns an entry by ID
func (s *Store) GetAuditEntry(ctx context.Context, id string) (_ *storage.AuditLogEntry, err error) {
	ctx, done := s.operation(ctx, "get_audit_entry")
	defer func() { done(ignoreNotFound(err)) }()

	var m auditLogModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, translate(err, storage.ErrAuditEntryNotFound)
	}
	return m.toRecord()
}

// ListUserAuditEntries returns up to limit entries of a user, newest first
func (s *Store) ListUserAuditEntries(ctx context.Context, userID string, limit int) (_ []*storage.AuditLogEntry, err error) {
	ctx, done := s.operation(ctx, "list_user_audit_entries")
	defer func() { done(err) }()

	q := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []auditLogModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return auditRecords(rows)
}

// ListAuditEntries returns entries in [start, end], oldest first
func (s *Store) ListAuditEntries(ctx context.Context, start, end time.Time) (_ []*storage.AuditLogEntry, err error) {
	ctx, done := s.operation(ctx, "list_audit_entries")
	defer func() { done(err) }()

	var rows []auditLogModel
	err = s.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp <= ?", start.UTC(), end.UTC()).
		Order("timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return auditRecords(rows)
}

// DeleteAuditEntriesBefore removes entries older than cutoff
func (s *Store) DeleteAuditEntriesBefore(ctx context.Context, cutoff time.Time) (_ int64, err error) {
	ctx, done := s.operation(ctx, "delete_audit_entries")
	defer func() { done(err) }()

	res := s.db.WithContext(ctx).Delete(&auditLogModel{}, "timestamp < ?", cutoff.UTC())
	return res.RowsAffected, res.Error
}

func auditRecords(rows []auditLogModel) ([]*storage.AuditLogEntry, error) {
	out := make([]*storage.AuditLogEntry, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ============================================================
// RateLimitStore Implementation
// ============================================================

// IncrementWindow performs one fixed-window hit on key inside a transaction
func (s *Store) IncrementWindow(ctx context.Context, key string, rule storage.WindowRule, now time.Time) (_ *storage.RateLimitEntry, _ bool, err error) {
	ctx, done := s.operation(ctx, "increment_window")
	defer func() { done(err) }()

	if key == "" {
		return nil, false, fmt.Errorf("rate limit key cannot be empty")
	}

	var entry *storage.RateLimitEntry
	var accepted bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m rateLimitEntryModel
		err := s.forUpdate(tx).Where("counter_key = ?", key).First(&m).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			entry = &storage.RateLimitEntry{Key: key}
		case err != nil:
			return err
		default:
			entry = m.toRecord()
		}

		accepted = entry.Apply(rule, now)
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rateLimitToModel(entry)).Error
	})
	if err != nil {
		return nil, false, err
	}
	return entry, accepted, nil
}

// GetRateLimitEntry returns the counter for key
func (s *Store) GetRateLimitEntry(ctx context.Context, key string) (_ *storage.RateLimitEntry, err error) {
	ctx, done := s.operation(ctx, "get_rate_limit_entry")
	defer func() { done(ignoreNotFound(err)) }()

	var m rateLimitEntryModel
	if err := s.db.WithContext(ctx).Where("counter_key = ?", key).First(&m).Error; err != nil {
		return nil, translate(err, storage.ErrRateLimitEntryNotFound)
	}
	return m.toRecord(), nil
}

// PutRateLimitEntry overwrites the counter for entry.Key
func (s *Store) PutRateLimitEntry(ctx context.Context, entry *storage.RateLimitEntry) (err error) {
	ctx, done := s.operation(ctx, "put_rate_limit_entry")
	defer func() { done(err) }()

	if entry == nil || entry.Key == "" {
		return fmt.Errorf("rate limit entry must have a key")
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(rateLimitToModel(entry)).Error
}

// PurgeStaleRateLimits removes counters whose window ended before now.
// The window end is computed in Go because SQL dialects disagree on interval arithmetic.
func (s *Store) PurgeStaleRateLimits(ctx context.Context, now time.Time) (_ int64, err error) {
	ctx, done := s.operation(ctx, "purge_rate_limits")
	defer func() { done(err) }()

	var purged int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []rateLimitEntryModel
		if err := tx.Find(&rows).Error; err != nil {
			return err
		}
		var stale []string
		for i := range rows {
			if rows[i].toRecord().WindowEnd().Before(now) {
				stale = append(stale, rows[i].Key)
			}
		}
		if len(stale) == 0 {
			return nil
		}
		res := tx.Delete(&rateLimitEntryModel{}, "counter_key IN ?", stale)
		purged = res.RowsAffected
		return res.Error
	})
	return purged, err
}

// ============================================================
// RoleStore Implementation
// ============================================================

// GetRole returns the role assignment of a user
func (s *Store) GetRole(ctx context.Context, userID string) (_ *storage.RoleAssignment, err error) {
	ctx, done := s.operation(ctx, "get_role")
	defer func() { done(ignoreNotFound(err)) }()

	var m userRoleModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&m).Error; err != nil {
		return nil, translate(err, storage.ErrRoleNotFound)
	}
	return &storage.RoleAssignment{UserID: m.UserID, Role: m.Role, ParentRole: m.ParentRole}, nil
}

// SetRole creates or replaces a role assignment
func (s *Store) SetRole(ctx context.Context, assignment *storage.RoleAssignment) (err error) {
	ctx, done := s.operation(ctx, "set_role")
	defer func() { done(err) }()

	if assignment == nil || assignment.UserID == "" || assignment.Role == "" {
		return fmt.Errorf("role assignment must have a user ID and a role")
	}
	m := &userRoleModel{UserID: assignment.UserID, Role: assignment.Role, ParentRole: assignment.ParentRole}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(m).Error
}

// ============================================================
// Helpers
// ============================================================

// translate maps gorm errors onto storage sentinels. notFound may be nil.
func translate(err error, notFound error) error {
	switch {
	case notFound != nil && errors.Is(err, gorm.ErrRecordNotFound):
		return notFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return storage.ErrAlreadyExists
	default:
		return err
	}
}

func ignoreNotFound(err error) error {
	switch {
	case errors.Is(err, storage.ErrBlacklistEntryNotFound),
		errors.Is(err, storage.ErrSessionNotFound),
		errors.Is(err, storage.ErrAuditEntryNotFound),
		errors.Is(err, storage.ErrRateLimitEntryNotFound),
		errors.Is(err, storage.ErrRoleNotFound):
		return nil
	}
	return err
}

func ignoreLimit(err error) error {
	if errors.Is(err, storage.ErrSessionLimitReached) {
		return nil
	}
	return err
}

// operation starts a span for a storage operation and returns a function that
// records its outcome. The returned function is safe to call more than once;
// only the first call counts.
func (s *Store) operation(ctx context.Context, name string) (context.Context, func(error)) {
	s.mu.RLock()
	inst, tracer := s.instrumentation, s.tracer
	s.mu.RUnlock()

	if inst == nil || tracer == nil {
		return ctx, func(error) {}
	}

	ctx, span := tracer.Start(ctx, "storage."+name)
	instrumentation.AddStorageAttributes(span, name, s.dialect)
	start := time.Now()

	var once sync.Once
	return ctx, func(err error) {
		once.Do(func() {
			result := "success"
			if err != nil {
				result = "error"
				instrumentation.RecordError(span, err)
			} else {
				instrumentation.SetSpanSuccess(span)
			}
			instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrStorageResult, result))
			span.End()
			inst.Metrics().RecordStorageOperation(ctx, name, result, float64(time.Since(start).Milliseconds()))
		})
	}
}
