package sqlstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lingualeap/apiguard/storage"
)

type securityEventModel struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Type      string    `gorm:"index;size:64;not null"`
	Severity  string    `gorm:"size:16;not null"`
	Details   string    `gorm:"type:text"`
	Timestamp time.Time `gorm:"index;not null"`
	UserID    string    `gorm:"index;size:255"`
	IP        string    `gorm:"column:ip;size:64"`
}

func (securityEventModel) TableName() string { return "security_events" }

type blacklistedTokenModel struct {
	TokenHash     string    `gorm:"column:token;primaryKey;size:64"`
	UserID        string    `gorm:"index;size:255"`
	Reason        string    `gorm:"size:64;not null"`
	BlacklistedAt time.Time `gorm:"not null"`
	ExpiresAt     time.Time `gorm:"index;not null"`
}

func (blacklistedTokenModel) TableName() string { return "blacklisted_tokens" }

type userSessionModel struct {
	ID                string    `gorm:"primaryKey;size:36"`
	UserID            string    `gorm:"index;size:255;not null"`
	DeviceID          string    `gorm:"size:255;not null"`
	IPAddress         string    `gorm:"size:64"`
	AntiFixationToken string    `gorm:"size:255;not null"`
	LastActivity      time.Time `gorm:"index;not null"`
	CreatedAt         time.Time `gorm:"not null"`
	IPChangeCount     int
	Flagged           bool
}

func (userSessionModel) TableName() string { return "user_sessions" }

type auditLogModel struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"index;size:255"`
	Action    string    `gorm:"size:128;not null"`
	IPAddress string    `gorm:"size:64"`
	Data      string    `gorm:"type:text"`
	Metadata  string    `gorm:"type:text"`
	Timestamp time.Time `gorm:"index;not null"`
	Hash      string    `gorm:"size:128;not null"`
}

func (auditLogModel) TableName() string { return "audit_logs" }

type rateLimitEntryModel struct {
	Key         string    `gorm:"column:counter_key;primaryKey;size:512"`
	Count       int       `gorm:"not null"`
	WindowStart time.Time `gorm:"not null"`
	WindowNanos int64     `gorm:"column:window_ns;not null"`
	MaxRequests int       `gorm:"not null"`
	RuleClass   string    `gorm:"size:16;not null"`
}

func (rateLimitEntryModel) TableName() string { return "rate_limit_entries" }

type userRoleModel struct {
	UserID     string `gorm:"primaryKey;size:255"`
	Role       string `gorm:"size:64;not null"`
	ParentRole string `gorm:"size:64"`
}

func (userRoleModel) TableName() string { return "user_roles" }

// allModels lists every table for AutoMigrate
func allModels() []any {
	return []any{
		&securityEventModel{},
		&blacklistedTokenModel{},
		&userSessionModel{},
		&auditLogModel{},
		&rateLimitEntryModel{},
		&userRoleModel{},
	}
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	return string(b), nil
}

func decodeJSON(s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("failed to decode column: %w", err)
	}
	return v, nil
}

func decodeJSONMap(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to decode column: %w", err)
	}
	return m, nil
}

func eventToModel(e *storage.SecurityEvent) (*securityEventModel, error) {
	details, err := encodeJSON(e.Details)
	if err != nil {
		return nil, err
	}
	return &securityEventModel{
		ID:        e.ID,
		Type:      e.Type,
		Severity:  e.Severity,
		Details:   details,
		Timestamp: e.Timestamp.UTC(),
		UserID:    e.UserID,
		IP:        e.IP,
	}, nil
}

func (m *securityEventModel) toRecord() (*storage.SecurityEvent, error) {
	details, err := decodeJSONMap(m.Details)
	if err != nil {
		return nil, err
	}
	return &storage.SecurityEvent{
		ID:        m.ID,
		Type:      m.Type,
		Severity:  m.Severity,
		Details:   details,
		Timestamp: m.Timestamp.UTC(),
		UserID:    m.UserID,
		IP:        m.IP,
	}, nil
}

func (m *blacklistedTokenModel) toRecord() *storage.BlacklistEntry {
	return &storage.BlacklistEntry{
		TokenHash:     m.TokenHash,
		UserID:        m.UserID,
		Reason:        m.Reason,
		BlacklistedAt: m.BlacklistedAt.UTC(),
		ExpiresAt:     m.ExpiresAt.UTC(),
	}
}

// sessionModel converts sess, sealing the anti-fixation token when an encryptor is set
func (s *Store) sessionModel(sess *storage.Session) (*userSessionModel, error) {
	token, err := s.secrets.Seal(sess.AntiFixationToken)
	if err != nil {
		return nil, err
	}
	return &userSessionModel{
		ID:                sess.ID,
		UserID:            sess.UserID,
		DeviceID:          sess.DeviceID,
		IPAddress:         sess.IPAddress,
		AntiFixationToken: token,
		LastActivity:      sess.LastActivity.UTC(),
		CreatedAt:         sess.CreatedAt.UTC(),
		IPChangeCount:     sess.IPChangeCount,
		Flagged:           sess.Flagged,
	}, nil
}

func (s *Store) sessionRecord(m *userSessionModel) (*storage.Session, error) {
	token, err := s.secrets.Open(m.AntiFixationToken)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", m.ID, err)
	}
	return &storage.Session{
		ID:                m.ID,
		UserID:            m.UserID,
		DeviceID:          m.DeviceID,
		IPAddress:         m.IPAddress,
		AntiFixationToken: token,
		LastActivity:      m.LastActivity.UTC(),
		CreatedAt:         m.CreatedAt.UTC(),
		IPChangeCount:     m.IPChangeCount,
		Flagged:           m.Flagged,
	}, nil
}

func auditToModel(e *storage.AuditLogEntry) (*auditLogModel, error) {
	data, err := encodeJSON(e.Data)
	if err != nil {
		return nil, err
	}
	var metadata string
	if e.Metadata != nil {
		if metadata, err = encodeJSON(e.Metadata); err != nil {
			return nil, err
		}
	}
	return &auditLogModel{
		ID:        e.ID,
		UserID:    e.UserID,
		Action:    e.Action,
		IPAddress: e.IPAddress,
		Data:      data,
		Metadata:  metadata,
		Timestamp: e.Timestamp.UTC(),
		Hash:      e.Hash,
	}, nil
}

func (m *auditLogModel) toRecord() (*storage.AuditLogEntry, error) {
	data, err := decodeJSON(m.Data)
	if err != nil {
		return nil, err
	}
	metadata, err := decodeJSONMap(m.Metadata)
	if err != nil {
		return nil, err
	}
	return &storage.AuditLogEntry{
		ID:        m.ID,
		UserID:    m.UserID,
		Action:    m.Action,
		IPAddress: m.IPAddress,
		Data:      data,
		Metadata:  metadata,
		Timestamp: m.Timestamp.UTC(),
		Hash:      m.Hash,
	}, nil
}

func rateLimitToModel(e *storage.RateLimitEntry) *rateLimitEntryModel {
	return &rateLimitEntryModel{
		Key:         e.Key,
		Count:       e.Count,
		WindowStart: e.WindowStart.UTC(),
		WindowNanos: int64(e.Window),
		MaxRequests: e.MaxRequests,
		RuleClass:   e.RuleClass,
	}
}

func (m *rateLimitEntryModel) toRecord() *storage.RateLimitEntry {
	return &storage.RateLimitEntry{
		Key:         m.Key,
		Count:       m.Count,
		WindowStart: m.WindowStart.UTC(),
		Window:      time.Duration(m.WindowNanos),
		MaxRequests: m.MaxRequests,
		RuleClass:   m.RuleClass,
	}
}
