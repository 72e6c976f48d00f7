// Package storage defines the durable persistence contracts for the auth core.
//
// The relational store is the sole owner of identity, session, single-use
// token, passkey credential, and audit rows. Ephemeral state (challenges,
// rate windows, lockout counters) never lands here; it belongs to the TTL
// store in package kv.
package storage

import (
	"context"
	"time"

	"github.com/liftlogapp/liftlog/internal/auth/identity"
	"github.com/liftlogapp/liftlog/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing. Ownership mismatches
// on session operations collapse to the same error so existence of other
// accounts' sessions is never leaked.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// RotationReason records why a session was rotated.
type RotationReason string

const (
	RotationReasonNone      RotationReason = ""
	RotationReasonTimeBased RotationReason = "time_based"
	RotationReasonPrivilege RotationReason = "privilege_event"
)

// Session represents one authenticated device or browser instance. Only the
// hash of the opaque token is ever stored.
type Session struct {
	ID             string
	IdentityID     string
	TokenHash      string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	RotatedAt      *time.Time
	RevokedAt      *time.Time
	ReplacedBy     string
	RotationReason RotationReason
	ClientIP       string
	UserAgent      string
}

// ValidAt reports whether the session is usable at the given instant.
// A rotated session is dead even before its expiry; its replacement is a
// separate row.
func (s Session) ValidAt(now time.Time) bool {
	return s.RevokedAt == nil && s.RotatedAt == nil && s.ExpiresAt.After(now)
}

// TokenPurpose restricts what a single-use token may be redeemed for.
type TokenPurpose string

const (
	TokenPurposeLogin             TokenPurpose = "login"
	TokenPurposeEmailVerification TokenPurpose = "email_verification"
)

// SingleUseToken represents a magic-link or email-verification credential.
// Once ConsumedAt is set the token is permanently dead regardless of expiry.
type SingleUseToken struct {
	TokenHash   string
	IdentityID  string
	Purpose     TokenPurpose
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
	RequesterIP string
	ConsumerIP  string
}

// PasskeyCredential stores a WebAuthn credential for an identity.
type PasskeyCredential struct {
	CredentialID   string
	IdentityID     string
	CredentialJSON string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

// AuditEvent is an immutable security event record.
type AuditEvent struct {
	ID           string
	IdentityID   string // empty when the event is not tied to an account
	EventType    string
	ClientIP     string
	UserAgent    string
	MetadataJSON string
	CreatedAt    time.Time
}

// IdentityStore persists account records.
type IdentityStore interface {
	PutIdentity(ctx context.Context, record identity.Identity) error
	GetIdentity(ctx context.Context, identityID string) (identity.Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (identity.Identity, error)
	MarkEmailVerified(ctx context.Context, identityID string, verifiedAt time.Time) error
	DeactivateIdentity(ctx context.Context, identityID string, at time.Time) error
}

// SessionStore persists session records.
type SessionStore interface {
	PutSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (Session, error)
	ListSessionsByIdentity(ctx context.Context, identityID string) ([]Session, error)
	// RevokeSession marks the session revoked iff it belongs to identityID and
	// is not already revoked. Any miss reports ErrNotFound.
	RevokeSession(ctx context.Context, sessionID, identityID string, at time.Time) error
	// RevokeOtherSessions revokes every live session of identityID except
	// keepSessionID, reporting how many were revoked.
	RevokeOtherSessions(ctx context.Context, identityID, keepSessionID string, at time.Time) (int64, error)
	// RotateSession atomically inserts the replacement row and marks the old
	// session rotated. It reports false without side effects when another
	// rotation already claimed the old session.
	RotateSession(ctx context.Context, oldSessionID string, reason RotationReason, at time.Time, replacement Session) (bool, error)
}

// TokenStore persists single-use tokens.
type TokenStore interface {
	PutSingleUseToken(ctx context.Context, record SingleUseToken) error
	GetSingleUseToken(ctx context.Context, tokenHash string) (SingleUseToken, error)
	// ConsumeSingleUseToken atomically marks the token consumed and returns it.
	// Expired or already-consumed tokens report ErrNotFound.
	ConsumeSingleUseToken(ctx context.Context, tokenHash string, at time.Time, consumerIP string) (SingleUseToken, error)
}

// PasskeyStore persists WebAuthn credentials.
type PasskeyStore interface {
	PutPasskeyCredential(ctx context.Context, credential PasskeyCredential) error
	GetPasskeyCredential(ctx context.Context, credentialID string) (PasskeyCredential, error)
	ListPasskeyCredentials(ctx context.Context, identityID string) ([]PasskeyCredential, error)
	DeletePasskeyCredential(ctx context.Context, credentialID string) error
}

// AuditStore appends immutable audit events.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, event AuditEvent) error
	ListAuditEventsByIdentity(ctx context.Context, identityID string, limit int) ([]AuditEvent, error)
}
