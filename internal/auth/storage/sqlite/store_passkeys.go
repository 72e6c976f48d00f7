package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/liftlogapp/liftlog/internal/auth/storage"
)

const passkeyColumns = "credential_id, identity_id, credential_json, created_at, updated_at, last_used_at"

func scanPasskeyCredential(row rowScanner) (storage.PasskeyCredential, error) {
	var record storage.PasskeyCredential
	var createdAt, updatedAt int64
	var lastUsedAt sql.NullInt64
	if err := row.Scan(
		&record.CredentialID,
		&record.IdentityID,
		&record.CredentialJSON,
		&createdAt,
		&updatedAt,
		&lastUsedAt,
	); err != nil {
		return storage.PasskeyCredential{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	record.LastUsedAt = fromNullMillis(lastUsedAt)
	return record, nil
}

// PutPasskeyCredential stores a WebAuthn credential, replacing any prior
// version of the same credential.
func (s *Store) PutPasskeyCredential(ctx context.Context, credential storage.PasskeyCredential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.IdentityID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(credential.CredentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO passkey_credentials (
	credential_id,
	identity_id,
	credential_json,
	created_at,
	updated_at,
	last_used_at
) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(credential_id) DO UPDATE SET
	credential_json = excluded.credential_json,
	updated_at = excluded.updated_at,
	last_used_at = excluded.last_used_at
`,
		credential.CredentialID,
		credential.IdentityID,
		credential.CredentialJSON,
		toMillis(credential.CreatedAt),
		toMillis(credential.UpdatedAt),
		toNullMillis(credential.LastUsedAt),
	)
	if err != nil {
		return fmt.Errorf("put passkey credential: %w", err)
	}
	return nil
}

// GetPasskeyCredential fetches a credential by ID.
func (s *Store) GetPasskeyCredential(ctx context.Context, credentialID string) (storage.PasskeyCredential, error) {
	if err := ctx.Err(); err != nil {
		return storage.PasskeyCredential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.PasskeyCredential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.PasskeyCredential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+passkeyColumns+" FROM passkey_credentials WHERE credential_id = ?", credentialID)
	record, err := scanPasskeyCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PasskeyCredential{}, storage.ErrNotFound
		}
		return storage.PasskeyCredential{}, fmt.Errorf("get passkey credential: %w", err)
	}
	return record, nil
}

// ListPasskeyCredentials returns all credentials registered to an identity.
func (s *Store) ListPasskeyCredentials(ctx context.Context, identityID string) ([]storage.PasskeyCredential, error) {
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
		"SELECT "+passkeyColumns+" FROM passkey_credentials WHERE identity_id = ? ORDER BY created_at, credential_id",
		identityID)
	if err != nil {
		return nil, fmt.Errorf("list passkey credentials: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []storage.PasskeyCredential
	for rows.Next() {
		record, err := scanPasskeyCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan passkey credential: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list passkey credentials: %w", err)
	}
	return records, nil
}

// DeletePasskeyCredential removes a credential by ID.
func (s *Store) DeletePasskeyCredential(ctx context.Context, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM passkey_credentials WHERE credential_id = ?", credentialID)
	if err != nil {
		return fmt.Errorf("delete passkey credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete passkey credential: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
