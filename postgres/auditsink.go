package postgres

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/authvault/authvault"
)

// AuditSink persists audit events to the audit_events table. Emit never
// blocks the auth path on a write error; failures are logged and the
// event is dropped, since the audit trail is an observability surface,
// not a transactional one.
type AuditSink struct {
	db     DB
	logger *slog.Logger
}

// NewAuditSink creates a persistent audit sink.
func NewAuditSink(db DB, logger *slog.Logger) *AuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditSink{db: db, logger: logger}
}

func (s *AuditSink) Emit(ctx context.Context, event authvault.AuditEvent) {
	var metadata []byte
	if len(event.Metadata) > 0 {
		metadata, _ = json.Marshal(event.Metadata)
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_events (occurred_at, event_type, risk, account_id, session_id, ip, success, error, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		event.Timestamp,
		event.EventType,
		string(event.Risk),
		nullable(event.AccountID),
		nullable(event.SessionID),
		nullable(event.IP),
		event.Success,
		nullable(event.Error),
		metadata,
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "audit event write failed",
			"event_type", event.EventType, "error", err)
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
