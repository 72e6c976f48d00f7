package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liftlogapp/liftlog/internal/auth/identity"
	"github.com/liftlogapp/liftlog/internal/auth/storage"
)

const identityColumns = "id, email, active, email_verified_at, created_at, updated_at"

func scanIdentity(row *sql.Row) (identity.Identity, error) {
	var record identity.Identity
	var active int64
	var verifiedAt sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(&record.ID, &record.Email, &active, &verifiedAt, &createdAt, &updatedAt); err != nil {
		return identity.Identity{}, err
	}
	record.Active = active != 0
	record.EmailVerifiedAt = fromNullMillis(verifiedAt)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// PutIdentity persists an identity record. The unique index on lower(email)
// enforces the case-insensitive email constraint at the schema level.
func (s *Store) PutIdentity(ctx context.Context, record identity.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(record.Email) == "" {
		return fmt.Errorf("email is required")
	}

	active := int64(0)
	if record.Active {
		active = 1
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO identities (id, email, active, email_verified_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	email = excluded.email,
	active = excluded.active,
	email_verified_at = excluded.email_verified_at,
	updated_at = excluded.updated_at
`,
		record.ID,
		record.Email,
		active,
		toNullMillis(record.EmailVerifiedAt),
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put identity: %w", err)
	}
	return nil
}

// GetIdentity fetches an identity record by ID.
func (s *Store) GetIdentity(ctx context.Context, identityID string) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	if s == nil || s.sqlDB == nil {
		return identity.Identity{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return identity.Identity{}, fmt.Errorf("identity id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+identityColumns+" FROM identities WHERE id = ?", identityID)
	record, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Identity{}, storage.ErrNotFound
		}
		return identity.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	return record, nil
}

// GetIdentityByEmail fetches an identity record by case-insensitive email.
func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	if s == nil || s.sqlDB == nil {
		return identity.Identity{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(email) == "" {
		return identity.Identity{}, fmt.Errorf("email is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+identityColumns+" FROM identities WHERE lower(email) = lower(?)", email)
	record, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Identity{}, storage.ErrNotFound
		}
		return identity.Identity{}, fmt.Errorf("get identity by email: %w", err)
	}
	return record, nil
}

// MarkEmailVerified stamps the identity's email as verified, keeping the
// earliest verification time when one is already set.
func (s *Store) MarkEmailVerified(ctx context.Context, identityID string, verifiedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return fmt.Errorf("identity id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE identities
SET email_verified_at = COALESCE(email_verified_at, ?), updated_at = ?
WHERE id = ?
`, toMillis(verifiedAt), toMillis(verifiedAt), identityID)
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeactivateIdentity flips the active flag off. Identities are never deleted.
func (s *Store) DeactivateIdentity(ctx context.Context, identityID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return fmt.Errorf("identity id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE identities SET active = 0, updated_at = ? WHERE id = ?",
		toMillis(at), identityID)
	if err != nil {
		return fmt.Errorf("deactivate identity: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate identity: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
