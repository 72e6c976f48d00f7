package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/liftlogapp/liftlog/internal/auth/storage"
)

// AppendAuditEvent inserts one immutable audit row. There is no update or
// delete path for audit events in this store.
func (s *Store) AppendAuditEvent(ctx context.Context, event storage.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(event.ID) == "" {
		return fmt.Errorf("event id is required")
	}
	if strings.TrimSpace(event.EventType) == "" {
		return fmt.Errorf("event type is required")
	}
	metadata := strings.TrimSpace(event.MetadataJSON)
	if metadata == "" {
		metadata = "{}"
	}

	var identityID sql.NullString
	if strings.TrimSpace(event.IdentityID) != "" {
		identityID = sql.NullString{String: event.IdentityID, Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO audit_events (id, identity_id, event_type, client_ip, user_agent, metadata_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		event.ID,
		identityID,
		event.EventType,
		event.ClientIP,
		event.UserAgent,
		metadata,
		toMillis(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListAuditEventsByIdentity returns recent audit events for one identity,
// newest first.
func (s *Store) ListAuditEventsByIdentity(ctx context.Context, identityID string, limit int) ([]storage.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return nil, fmt.Errorf("identity id is required")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, identity_id, event_type, client_ip, user_agent, metadata_json, created_at
FROM audit_events
WHERE identity_id = ?
ORDER BY created_at DESC, id
LIMIT ?
`, identityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var events []storage.AuditEvent
	for rows.Next() {
		var event storage.AuditEvent
		var rowIdentityID sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&event.ID,
			&rowIdentityID,
			&event.EventType,
			&event.ClientIP,
			&event.UserAgent,
			&event.MetadataJSON,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if rowIdentityID.Valid {
			event.IdentityID = rowIdentityID.String
		}
		event.CreatedAt = fromMillis(createdAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}
