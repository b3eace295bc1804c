package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/lingualeap/apiguard/storage"
)

// DateRange is the inclusive time range of an export
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ExportedEntry is the serialized form of an audit entry
type ExportedEntry struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Action    string         `json:"action"`
	IPAddress string         `json:"ipAddress,omitempty"`
	Data      any            `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// Export is a redacted compliance export of the audit log
type Export struct {
	ExportDate time.Time       `json:"exportDate"`
	DateRange  DateRange       `json:"dateRange"`
	TotalLogs  int             `json:"totalLogs"`
	Logs       []ExportedEntry `json:"logs"`
}

// ExportLogs returns the redacted entries with start <= timestamp <= end, oldest first
func (l *Log) ExportLogs(ctx context.Context, start, end time.Time) (*Export, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("export range end %s is before start %s", end, start)
	}
	ctx, finish := l.span(ctx, "audit.export")
	defer finish()

	entries, err := l.store.ListAuditEntries(ctx, start, end)
	if err != nil {
		l.record(ctx, "export", "error")
		return nil, fmt.Errorf("failed to export audit log: %w", err)
	}

	export := &Export{
		ExportDate: l.clock.Now().UTC(),
		DateRange:  DateRange{Start: start.UTC(), End: end.UTC()},
		TotalLogs:  len(entries),
		Logs:       make([]ExportedEntry, 0, len(entries)),
	}
	for _, e := range entries {
		redactEntry(e)
		export.Logs = append(export.Logs, Exported(e))
	}

	l.record(ctx, "export", "ok")
	l.logger.Info("Audit log exported",
		"start", start,
		"end", end,
		"total", export.TotalLogs)
	return export, nil
}

// WriteJSON writes the export as indented JSON
func (e *Export) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(e); err != nil {
		return fmt.Errorf("failed to write audit export: %w", err)
	}
	return nil
}

// Exported converts an entry into its serialized form
func Exported(e *storage.AuditLogEntry) ExportedEntry {
	return ExportedEntry{
		ID:        e.ID,
		UserID:    e.UserID,
		Action:    e.Action,
		IPAddress: e.IPAddress,
		Data:      e.Data,
		Metadata:  e.Metadata,
		Timestamp: e.Timestamp,
		Hash:      e.Hash,
	}
}
