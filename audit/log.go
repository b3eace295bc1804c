package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lingualeap/apiguard/instrumentation"
	"github.com/lingualeap/apiguard/redact"
	"github.com/lingualeap/apiguard/security"
	"github.com/lingualeap/apiguard/storage"
)

const (
	// DefaultUserLogLimit applies when GetUserLogs is called without a limit
	DefaultUserLogLimit = 100

	// MaxUserLogLimit caps the limit of GetUserLogs
	MaxUserLogLimit = 1000

	// DefaultRetentionDays is the retention used by scheduled enforcement when none is configured
	DefaultRetentionDays = 365
)

// ErrPersist wraps every failure to record an audit entry
var ErrPersist = errors.New("audit entry not recorded")

// Config holds audit log configuration
type Config struct {
	// HashKey turns the integrity digest into a keyed MAC. At most 64 bytes.
	// Empty: unkeyed BLAKE2b-256.
	HashKey []byte

	// RetentionDays is the retention used by scheduled enforcement. Default: 365
	RetentionDays int
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if len(c.HashKey) > 64 {
		return fmt.Errorf("audit hash key must be at most 64 bytes, got %d", len(c.HashKey))
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	return nil
}

// Action describes something a user or the system did
type Action struct {
	UserID    string
	Action    string
	IPAddress string
	Metadata  map[string]any
	Data      any
}

// Log is the tamper-evident audit log.
//
// Entries are redacted before they are persisted and again whenever they are read,
// so data edited directly in the store is still masked on the way out.
type Log struct {
	cfg      Config
	store    storage.AuditStore
	recorder security.Recorder
	clock    security.Clock
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
	tracer   trace.Tracer
}

// New creates an audit log backed by store
func New(cfg Config, store storage.AuditStore, recorder security.Recorder, clock security.Clock, logger *slog.Logger) (*Log, error) {
	if store == nil {
		return nil, fmt.Errorf("audit store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid audit config: %w", err)
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		cfg:      cfg,
		store:    store,
		recorder: recorder,
		clock:    security.ClockOrSystem(clock),
		logger:   logger,
	}, nil
}

// SetInstrumentation enables audit metrics and tracing
func (l *Log) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		l.metrics = inst.Metrics()
		l.tracer = inst.Tracer("audit")
	}
}

// RetentionDays returns the configured retention
func (l *Log) RetentionDays() int {
	return l.cfg.RetentionDays
}

// LogAction redacts, hashes and persists an entry for a. A failure to persist is
// always returned and wraps ErrPersist; the entry must then be considered lost.
func (l *Log) LogAction(ctx context.Context, a Action) (*storage.AuditLogEntry, error) {
	if a.Action == "" {
		return nil, fmt.Errorf("audit action is required")
	}
	ctx, end := l.span(ctx, "audit.log_action", attribute.String("audit.action", a.Action))
	defer end()

	ts := l.clock.Now().UTC().Truncate(time.Microsecond)
	hash, err := Digest(l.cfg.HashKey, a.UserID, a.Action, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersist, err)
	}

	entry := &storage.AuditLogEntry{
		ID:        uuid.NewString(),
		UserID:    a.UserID,
		Action:    a.Action,
		IPAddress: a.IPAddress,
		Data:      redact.Value(a.Data),
		Metadata:  redact.Map(a.Metadata),
		Timestamp: ts,
		Hash:      hash,
	}

	if err := l.store.AppendAuditEntry(ctx, entry); err != nil {
		l.record(ctx, a.Action, "error")
		l.logger.Error("Failed to persist audit entry",
			"action", a.Action,
			"user_id_hash", security.HashForLogging(a.UserID),
			"error", err)
		return nil, fmt.Errorf("%w: %w", ErrPersist, err)
	}
	l.record(ctx, a.Action, "recorded")

	security.Emit(ctx, l.recorder, l.logger, security.Event{
		Type:     security.EventAuditLogCreated,
		Severity: security.SeverityLow,
		UserID:   a.UserID,
		IP:       a.IPAddress,
		Details: map[string]any{
			"audit_id": entry.ID,
			"action":   a.Action,
		},
	})
	return entry.Clone(), nil
}

// GetUserLogs returns up to limit entries of userID, newest first
func (l *Log) GetUserLogs(ctx context.Context, userID string, limit int) ([]*storage.AuditLogEntry, error) {
	if limit <= 0 {
		limit = DefaultUserLogLimit
	}
	limit = min(limit, MaxUserLogLimit)

	entries, err := l.store.ListUserAuditEntries(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	for _, e := range entries {
		redactEntry(e)
	}
	return entries, nil
}

// GetLog returns a single entry by ID, redacted
func (l *Log) GetLog(ctx context.Context, id string) (*storage.AuditLogEntry, error) {
	entry, err := l.store.GetAuditEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	redactEntry(entry)
	return entry, nil
}

// VerifyLogIntegrity recomputes the hash of entry id from its stored user, action and
// timestamp. A mismatch returns false and records audit_integrity_failure.
func (l *Log) VerifyLogIntegrity(ctx context.Context, id string) (bool, error) {
	entry, err := l.store.GetAuditEntry(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to read audit entry: %w", err)
	}
	return l.verify(ctx, entry), nil
}

// IntegrityReport is the result of VerifyRange
type IntegrityReport struct {
	Checked int      `json:"checked"`
	Failed  []string `json:"failed"`
}

// VerifyRange verifies every entry with start <= timestamp <= end
func (l *Log) VerifyRange(ctx context.Context, start, end time.Time) (*IntegrityReport, error) {
	entries, err := l.store.ListAuditEntries(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	report := &IntegrityReport{Failed: []string{}}
	for _, e := range entries {
		report.Checked++
		if !l.verify(ctx, e) {
			report.Failed = append(report.Failed, e.ID)
		}
	}
	return report, nil
}

func (l *Log) verify(ctx context.Context, entry *storage.AuditLogEntry) bool {
	if VerifyDigest(l.cfg.HashKey, entry.Hash, entry.UserID, entry.Action, entry.Timestamp) {
		l.record(ctx, "verify_integrity", "ok")
		return true
	}

	l.record(ctx, "verify_integrity", "mismatch")
	l.logger.Warn("Audit entry failed integrity verification", "audit_id", entry.ID)
	security.Emit(ctx, l.recorder, l.logger, security.Event{
		Type:     security.EventAuditIntegrityFailure,
		Severity: security.SeverityHigh,
		UserID:   entry.UserID,
		Details: map[string]any{
			"audit_id": entry.ID,
			"action":   entry.Action,
		},
	})
	return false
}

// EnforceRetentionPolicy deletes entries older than days days and returns how many were removed
func (l *Log) EnforceRetentionPolicy(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", days)
	}
	cutoff := l.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)

	deleted, err := l.store.DeleteAuditEntriesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to enforce audit retention: %w", err)
	}
	if l.metrics != nil {
		l.metrics.RecordAuditRetention(ctx, deleted, days)
	}
	l.logger.Info("Audit retention enforced",
		"retention_days", days,
		"cutoff", cutoff,
		"deleted", deleted)
	return deleted, nil
}

func (l *Log) record(ctx context.Context, action, result string) {
	if l.metrics != nil {
		l.metrics.RecordAuditEntry(ctx, action, result)
	}
}

func (l *Log) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	if l.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := l.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func() { span.End() }
}

func redactEntry(e *storage.AuditLogEntry) {
	e.Data = redact.Value(e.Data)
	e.Metadata = redact.Map(e.Metadata)
}
