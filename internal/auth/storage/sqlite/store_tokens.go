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

const tokenColumns = "token_hash, identity_id, purpose, created_at, expires_at, consumed_at, requester_ip, consumer_ip"

func scanSingleUseToken(row rowScanner) (storage.SingleUseToken, error) {
	var record storage.SingleUseToken
	var purpose string
	var createdAt, expiresAt int64
	var consumedAt sql.NullInt64
	if err := row.Scan(
		&record.TokenHash,
		&record.IdentityID,
		&purpose,
		&createdAt,
		&expiresAt,
		&consumedAt,
		&record.RequesterIP,
		&record.ConsumerIP,
	); err != nil {
		return storage.SingleUseToken{}, err
	}
	record.Purpose = storage.TokenPurpose(purpose)
	record.CreatedAt = fromMillis(createdAt)
	record.ExpiresAt = fromMillis(expiresAt)
	record.ConsumedAt = fromNullMillis(consumedAt)
	return record, nil
}

// PutSingleUseToken inserts a single-use token row.
func (s *Store) PutSingleUseToken(ctx context.Context, record storage.SingleUseToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.TokenHash) == "" {
		return fmt.Errorf("token hash is required")
	}
	if strings.TrimSpace(record.IdentityID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if record.Purpose == "" {
		return fmt.Errorf("token purpose is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO single_use_tokens (
	token_hash,
	identity_id,
	purpose,
	created_at,
	expires_at,
	consumed_at,
	requester_ip,
	consumer_ip
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.TokenHash,
		record.IdentityID,
		string(record.Purpose),
		toMillis(record.CreatedAt),
		toMillis(record.ExpiresAt),
		toNullMillis(record.ConsumedAt),
		record.RequesterIP,
		record.ConsumerIP,
	)
	if err != nil {
		return fmt.Errorf("put single-use token: %w", err)
	}
	return nil
}

// GetSingleUseToken fetches a token row by hash without consuming it.
func (s *Store) GetSingleUseToken(ctx context.Context, tokenHash string) (storage.SingleUseToken, error) {
	if err := ctx.Err(); err != nil {
		return storage.SingleUseToken{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SingleUseToken{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(tokenHash) == "" {
		return storage.SingleUseToken{}, fmt.Errorf("token hash is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+tokenColumns+" FROM single_use_tokens WHERE token_hash = ?", tokenHash)
	record, err := scanSingleUseToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SingleUseToken{}, storage.ErrNotFound
		}
		return storage.SingleUseToken{}, fmt.Errorf("get single-use token: %w", err)
	}
	return record, nil
}

// ConsumeSingleUseToken atomically claims a live token. The UPDATE's guard on
// consumed_at and expires_at makes two racing consumers resolve to exactly
// one winner; the loser observes ErrNotFound just like an expired token.
func (s *Store) ConsumeSingleUseToken(ctx context.Context, tokenHash string, at time.Time, consumerIP string) (storage.SingleUseToken, error) {
	if err := ctx.Err(); err != nil {
		return storage.SingleUseToken{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SingleUseToken{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(tokenHash) == "" {
		return storage.SingleUseToken{}, fmt.Errorf("token hash is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.SingleUseToken{}, fmt.Errorf("start transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
UPDATE single_use_tokens
SET consumed_at = ?, consumer_ip = ?
WHERE token_hash = ? AND consumed_at IS NULL AND expires_at > ?
`, toMillis(at), consumerIP, tokenHash, toMillis(at))
	if err != nil {
		return storage.SingleUseToken{}, fmt.Errorf("consume single-use token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.SingleUseToken{}, fmt.Errorf("consume single-use token: %w", err)
	}
	if affected == 0 {
		return storage.SingleUseToken{}, storage.ErrNotFound
	}

	row := tx.QueryRowContext(ctx,
		"SELECT "+tokenColumns+" FROM single_use_tokens WHERE token_hash = ?", tokenHash)
	record, err := scanSingleUseToken(row)
	if err != nil {
		return storage.SingleUseToken{}, fmt.Errorf("load consumed token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.SingleUseToken{}, fmt.Errorf("commit token consumption: %w", err)
	}
	return record, nil
}
