package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lingualeap/apiguard/internal/testutil"
	"github.com/lingualeap/apiguard/redact"
	"github.com/lingualeap/apiguard/security"
	"github.com/lingualeap/apiguard/storage"
	"github.com/lingualeap/apiguard/storage/memory"
)

type fixture struct {
	log    *Log
	store  *memory.Store
	events *testutil.EventRecorder
	clock  *testutil.MockTime
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		events: testutil.NewEventRecorder(),
		clock:  testutil.NewMockTime(time.Date(2026, 4, 10, 8, 0, 0, 123456789, time.UTC)),
	}
	l, err := New(cfg, f.store, f.events, f.clock, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.log = l
	return f
}

func TestLog_LogAction(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	entry, err := f.log.LogAction(ctx, Action{
		UserID:    "user-1",
		Action:    "profile.update",
		IPAddress: "203.0.113.7",
		Metadata:  map[string]any{"client": "ios"},
		Data: map[string]any{
			"email":    "jane.doe@example.com",
			"password": "hunter2",
			"lesson":   "french-101",
		},
	})
	if err != nil {
		t.Fatalf("LogAction() error = %v", err)
	}

	if entry.ID == "" || entry.Hash == "" {
		t.Errorf("entry = %+v, want ID and hash", entry)
	}
	if !entry.Timestamp.Equal(f.clock.Now().Truncate(time.Microsecond)) {
		t.Errorf("Timestamp = %v, want %v", entry.Timestamp, f.clock.Now().Truncate(time.Microsecond))
	}

	data := entry.Data.(map[string]any)
	if email := data["email"].(string); email != "********@example.com" {
		t.Errorf("email = %q, want masked local part", email)
	}
	if data["password"] != redact.SecretMask {
		t.Errorf("password = %v, want %q", data["password"], redact.SecretMask)
	}
	if data["lesson"] != "french-101" {
		t.Errorf("lesson = %v, want unchanged", data["lesson"])
	}

	// the stored copy is already redacted
	stored, err := f.store.GetAuditEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetAuditEntry() error = %v", err)
	}
	if stored.Data.(map[string]any)["password"] != redact.SecretMask {
		t.Error("password persisted unredacted")
	}

	testutil.AssertEvent(t, f.events, security.EventAuditLogCreated, security.SeverityLow)
	e, _ := f.events.Last(security.EventAuditLogCreated)
	if e.Details["audit_id"] != entry.ID {
		t.Errorf("event audit_id = %v, want %s", e.Details["audit_id"], entry.ID)
	}
}

func TestLog_LogAction_EmailAnywhere(t *testing.T) {
	f := newFixture(t, Config{})

	entry, err := f.log.LogAction(context.Background(), Action{
		UserID: "user-1",
		Action: "support.message",
		Data:   map[string]any{"note": []any{"reach me at jane@example.com"}},
	})
	if err != nil {
		t.Fatalf("LogAction() error = %v", err)
	}

	note := entry.Data.(map[string]any)["note"].([]any)[0].(string)
	if strings.Contains(note, "jane@") || !strings.Contains(note, "@example.com") {
		t.Errorf("note = %q, want local part masked and domain kept", note)
	}
}

type profileChange struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Lesson   string `json:"lesson"`
}

func TestLog_LogAction_StructData(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for _, data := range []any{
		profileChange{Email: "alice@example.com", Password: "hunter2", Lesson: "french-101"},
		&profileChange{Email: "alice@example.com", Password: "hunter2", Lesson: "french-101"},
	} {
		entry, err := f.log.LogAction(ctx, Action{UserID: "user-1", Action: "profile.update", Data: data})
		if err != nil {
			t.Fatalf("LogAction(%T) error = %v", data, err)
		}

		stored, err := f.store.GetAuditEntry(ctx, entry.ID)
		if err != nil {
			t.Fatalf("GetAuditEntry() error = %v", err)
		}
		got, ok := stored.Data.(map[string]any)
		if !ok {
			t.Fatalf("stored data = %T, want map[string]any", stored.Data)
		}
		if got["password"] != redact.SecretMask {
			t.Errorf("password = %v, want %q", got["password"], redact.SecretMask)
		}
		if got["email"] != "*****@example.com" {
			t.Errorf("email = %v, want masked local part", got["email"])
		}
		if got["lesson"] != "french-101" {
			t.Errorf("lesson = %v, want unchanged", got["lesson"])
		}
	}
}

func TestLog_LogAction_PersistFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.InjectError(errors.New("disk full"))

	_, err := f.log.LogAction(context.Background(), Action{UserID: "user-1", Action: "login"})
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("LogAction() error = %v, want ErrPersist", err)
	}
	testutil.AssertNoEvent(t, f.events, security.EventAuditLogCreated)

	if _, err := f.log.LogAction(context.Background(), Action{UserID: "user-1"}); err == nil {
		t.Error("LogAction(without action) error = nil")
	}
}

func TestLog_GetUserLogs_RedactsOnRead(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.log.LogAction(ctx, Action{UserID: "user-1", Action: "lesson.complete"}); err != nil {
			t.Fatalf("LogAction() error = %v", err)
		}
		f.clock.Advance(time.Minute)
	}
	entry, err := f.log.LogAction(ctx, Action{UserID: "user-1", Action: "profile.update"})
	if err != nil {
		t.Fatalf("LogAction() error = %v", err)
	}

	// a direct edit of the store bypasses write-time redaction
	err = f.store.TamperAuditEntry(entry.ID, func(e *storage.AuditLogEntry) {
		e.Data = map[string]any{"phone": "+1 (555) 123-4567", "token": "sk-live-abc"}
	})
	if err != nil {
		t.Fatalf("TamperAuditEntry() error = %v", err)
	}

	logs, err := f.log.GetUserLogs(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("GetUserLogs() error = %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("len(logs) = %d, want 2", len(logs))
	}
	if logs[0].ID != entry.ID {
		t.Fatalf("logs[0] = %s, want newest entry %s", logs[0].ID, entry.ID)
	}
	data := logs[0].Data.(map[string]any)
	if data["phone"] != "+* (***) ***-4567" {
		t.Errorf("phone = %v, want masked", data["phone"])
	}
	if data["token"] != redact.SecretMask {
		t.Errorf("token = %v, want %q", data["token"], redact.SecretMask)
	}

	all, err := f.log.GetUserLogs(ctx, "user-1", 0)
	if err != nil || len(all) != 4 {
		t.Errorf("GetUserLogs(limit 0) = %d entries, %v, want 4", len(all), err)
	}
}

func TestLog_VerifyLogIntegrity(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(*storage.AuditLogEntry)
		want   bool
	}{
		{"untouched", func(*storage.AuditLogEntry) {}, true},
		{"data edited", func(e *storage.AuditLogEntry) { e.Data = "rewritten" }, true},
		{"user changed", func(e *storage.AuditLogEntry) { e.UserID = "user-2" }, false},
		{"action changed", func(e *storage.AuditLogEntry) { e.Action = "logout" }, false},
		{"timestamp moved", func(e *storage.AuditLogEntry) { e.Timestamp = e.Timestamp.Add(time.Second) }, false},
		{"hash replaced", func(e *storage.AuditLogEntry) { e.Hash = strings.Repeat("0", 64) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			ctx := context.Background()
			entry, err := f.log.LogAction(ctx, Action{UserID: "user-1", Action: "login"})
			if err != nil {
				t.Fatalf("LogAction() error = %v", err)
			}
			if err := f.store.TamperAuditEntry(entry.ID, tt.tamper); err != nil {
				t.Fatalf("TamperAuditEntry() error = %v", err)
			}

			got, err := f.log.VerifyLogIntegrity(ctx, entry.ID)
			if err != nil {
				t.Fatalf("VerifyLogIntegrity() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("VerifyLogIntegrity() = %v, want %v", got, tt.want)
			}
			if tt.want {
				testutil.AssertNoEvent(t, f.events, security.EventAuditIntegrityFailure)
			} else {
				testutil.AssertEvent(t, f.events, security.EventAuditIntegrityFailure, security.SeverityHigh)
			}
		})
	}
}

func TestLog_VerifyLogIntegrity_NotFound(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.log.VerifyLogIntegrity(context.Background(), "missing")
	if !errors.Is(err, storage.ErrAuditEntryNotFound) {
		t.Errorf("VerifyLogIntegrity() error = %v, want ErrAuditEntryNotFound", err)
	}
}

func TestLog_VerifyRange_KeyedDigest(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	f := newFixture(t, Config{HashKey: key})
	ctx := context.Background()
	start := f.clock.Now()

	var ids []string
	for i := 0; i < 3; i++ {
		e, err := f.log.LogAction(ctx, Action{UserID: "user-1", Action: "lesson.start"})
		if err != nil {
			t.Fatalf("LogAction() error = %v", err)
		}
		ids = append(ids, e.ID)
		f.clock.Advance(time.Second)
	}

	// recomputing the hash without the key does not produce a valid entry
	err := f.store.TamperAuditEntry(ids[1], func(e *storage.AuditLogEntry) {
		e.UserID = "user-2"
		e.Hash, _ = Digest(nil, e.UserID, e.Action, e.Timestamp)
	})
	if err != nil {
		t.Fatalf("TamperAuditEntry() error = %v", err)
	}

	report, err := f.log.VerifyRange(ctx, start, f.clock.Now())
	if err != nil {
		t.Fatalf("VerifyRange() error = %v", err)
	}
	if report.Checked != 3 {
		t.Errorf("Checked = %d, want 3", report.Checked)
	}
	if len(report.Failed) != 1 || report.Failed[0] != ids[1] {
		t.Errorf("Failed = %v, want [%s]", report.Failed, ids[1])
	}
}

func TestLog_EnforceRetentionPolicy(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	old, err := f.log.LogAction(ctx, Action{UserID: "user-1", Action: "login"})
	if err != nil {
		t.Fatalf("LogAction() error = %v", err)
	}
	f.clock.Advance(40 * 24 * time.Hour)
	recent, err := f.log.LogAction(ctx, Action{UserID: "user-1", Action: "login"})
	if err != nil {
		t.Fatalf("LogAction() error = %v", err)
	}
	f.clock.Advance(24 * time.Hour)

	deleted, err := f.log.EnforceRetentionPolicy(ctx, 30)
	if err != nil {
		t.Fatalf("EnforceRetentionPolicy() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := f.store.GetAuditEntry(ctx, old.ID); !errors.Is(err, storage.ErrAuditEntryNotFound) {
		t.Errorf("old entry still present: %v", err)
	}
	if _, err := f.store.GetAuditEntry(ctx, recent.ID); err != nil {
		t.Errorf("recent entry removed: %v", err)
	}

	if _, err := f.log.EnforceRetentionPolicy(ctx, 0); err == nil {
		t.Error("EnforceRetentionPolicy(0) error = nil")
	}
}

func TestLog_ExportLogs(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	if _, err := f.log.LogAction(ctx, Action{UserID: "user-0", Action: "before"}); err != nil {
		t.Fatalf("LogAction() error = %v", err)
	}
	f.clock.Advance(time.Hour)
	start := f.clock.Now()
	for _, email := range []string{"a@example.com", "b@example.com"} {
		_, err := f.log.LogAction(ctx, Action{UserID: "user-1", Action: "invite", Data: map[string]any{"email": email}})
		if err != nil {
			t.Fatalf("LogAction() error = %v", err)
		}
		f.clock.Advance(time.Minute)
	}
	end := f.clock.Now()

	export, err := f.log.ExportLogs(ctx, start, end)
	if err != nil {
		t.Fatalf("ExportLogs() error = %v", err)
	}
	if export.TotalLogs != 2 || len(export.Logs) != 2 {
		t.Fatalf("TotalLogs = %d, len(Logs) = %d, want 2", export.TotalLogs, len(export.Logs))
	}
	if !export.ExportDate.Equal(f.clock.Now()) {
		t.Errorf("ExportDate = %v, want %v", export.ExportDate, f.clock.Now())
	}
	if !export.DateRange.Start.Equal(start) || !export.DateRange.End.Equal(end) {
		t.Errorf("DateRange = %+v, want %v..%v", export.DateRange, start, end)
	}
	for _, e := range export.Logs {
		email := e.Data.(map[string]any)["email"].(string)
		if !strings.HasPrefix(email, "*") || !strings.HasSuffix(email, "@example.com") {
			t.Errorf("email = %q, want *@example.com", email)
		}
	}

	var buf bytes.Buffer
	if err := export.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	for _, key := range []string{"exportDate", "dateRange", "totalLogs", "logs"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("export JSON missing %q", key)
		}
	}

	if _, err := f.log.ExportLogs(ctx, end, start); err == nil {
		t.Error("ExportLogs(reversed range) error = nil")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	store := memory.New()
	if _, err := New(Config{HashKey: make([]byte, 65)}, store, nil, nil, nil); err == nil {
		t.Error("New(65-byte key) error = nil")
	}
	if _, err := New(Config{}, nil, nil, nil, nil); err == nil {
		t.Error("New(nil store) error = nil")
	}
}
