package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liftlogapp/liftlog/internal/auth/storage"
)

const sessionColumns = "id, identity_id, token_hash, created_at, expires_at, rotated_at, revoked_at, replaced_by, rotation_reason, client_ip, user_agent"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (storage.Session, error) {
	var record storage.Session
	var createdAt, expiresAt int64
	var rotatedAt, revokedAt sql.NullInt64
	var reason string
	if err := row.Scan(
		&record.ID,
		&record.IdentityID,
		&record.TokenHash,
		&createdAt,
		&expiresAt,
		&rotatedAt,
		&revokedAt,
		&record.ReplacedBy,
		&reason,
		&record.ClientIP,
		&record.UserAgent,
	); err != nil {
		return storage.Session{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	record.ExpiresAt = fromMillis(expiresAt)
	record.RotatedAt = fromNullMillis(rotatedAt)
	record.RevokedAt = fromNullMillis(revokedAt)
	record.RotationReason = storage.RotationReason(reason)
	return record, nil
}

func validateSession(record storage.Session) error {
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(record.IdentityID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(record.TokenHash) == "" {
		return fmt.Errorf("token hash is required")
	}
	return nil
}

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSession(ctx context.Context, target execContexter, record storage.Session) error {
	_, err := target.ExecContext(ctx, `
INSERT INTO sessions (
	id,
	identity_id,
	token_hash,
	created_at,
	expires_at,
	rotated_at,
	revoked_at,
	replaced_by,
	rotation_reason,
	client_ip,
	user_agent
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.ID,
		record.IdentityID,
		record.TokenHash,
		toMillis(record.CreatedAt),
		toMillis(record.ExpiresAt),
		toNullMillis(record.RotatedAt),
		toNullMillis(record.RevokedAt),
		record.ReplacedBy,
		string(record.RotationReason),
		record.ClientIP,
		record.UserAgent,
	)
	return err
}

// PutSession inserts a session row. Session rows are append-only except for
// the rotation and revocation markers.
func (s *Store) PutSession(ctx context.Context, record storage.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := validateSession(record); err != nil {
		return err
	}
	if err := insertSession(ctx, s.sqlDB, record); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession fetches a session row by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return storage.Session{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Session{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return storage.Session{}, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", sessionID)
	record, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("get session: %w", err)
	}
	return record, nil
}

// GetSessionByTokenHash fetches a session row by its opaque token hash.
func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return storage.Session{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Session{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(tokenHash) == "" {
		return storage.Session{}, fmt.Errorf("token hash is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE token_hash = ?", tokenHash)
	record, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("get session by token hash: %w", err)
	}
	return record, nil
}

// ListSessionsByIdentity returns all session rows for an identity, newest first.
func (s *Store) ListSessionsByIdentity(ctx context.Context, identityID string) ([]storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return nil, fmt.Errorf("identity id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE identity_id = ? ORDER BY created_at DESC, id",
		identityID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []storage.Session
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return records, nil
}

// RevokeSession marks a session revoked, guarded by ownership. A session
// belonging to another identity reports ErrNotFound, indistinguishable from a
// missing row.
func (s *Store) RevokeSession(ctx context.Context, sessionID, identityID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(identityID) == "" {
		return fmt.Errorf("identity id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sessions
SET revoked_at = ?
WHERE id = ? AND identity_id = ? AND revoked_at IS NULL
`, toMillis(at), sessionID, identityID)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RevokeOtherSessions revokes every live session of an identity except the
// one to keep.
func (s *Store) RevokeOtherSessions(ctx context.Context, identityID, keepSessionID string, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return 0, fmt.Errorf("identity id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sessions
SET revoked_at = ?
WHERE identity_id = ? AND id <> ? AND revoked_at IS NULL AND rotated_at IS NULL AND expires_at > ?
`, toMillis(at), identityID, keepSessionID, toMillis(at))
	if err != nil {
		return 0, fmt.Errorf("revoke other sessions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke other sessions: %w", err)
	}
	return affected, nil
}

// RotateSession atomically inserts the replacement row and claims the old
// session. The compare-and-swap on rotated_at makes rotation exactly-once:
// when two requests race, the second UPDATE matches zero rows and the whole
// transaction rolls back, leaving the winner's replacement as the only one.
func (s *Store) RotateSession(ctx context.Context, oldSessionID string, reason storage.RotationReason, at time.Time, replacement storage.Session) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(oldSessionID) == "" {
		return false, fmt.Errorf("old session id is required")
	}
	if err := validateSession(replacement); err != nil {
		return false, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("start transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
UPDATE sessions
SET rotated_at = ?, rotation_reason = ?, replaced_by = ?
WHERE id = ? AND rotated_at IS NULL AND revoked_at IS NULL
`, toMillis(at), string(reason), replacement.ID, oldSessionID)
	if err != nil {
		return false, fmt.Errorf("claim session rotation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim session rotation: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if err := insertSession(ctx, tx, replacement); err != nil {
		return false, fmt.Errorf("insert replacement session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit rotation: %w", err)
	}
	return true, nil
}
