// Package identity provides the stable account records behind authentication.
package identity

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/liftlogapp/liftlog/internal/platform/errors"
	"github.com/liftlogapp/liftlog/internal/platform/id"
)

var (
	// ErrEmptyEmail indicates a missing email address.
	ErrEmptyEmail = errors.New(errors.CodeIdentityEmptyEmail, "email is required")
	// ErrInvalidEmail indicates an email address that cannot be parsed.
	ErrInvalidEmail = errors.New(errors.CodeIdentityInvalidEmail, "email is invalid")
	// ErrInactive indicates a deactivated identity.
	ErrInactive = errors.New(errors.CodeIdentityInactive, "identity is deactivated")
)

// Identity represents a stable account record. Identities are created on the
// first magic-link request and are never deleted by the auth core, only
// deactivated.
type Identity struct {
	ID              string
	Email           string
	Active          bool
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EmailVerified reports whether the identity has a verified email.
func (i Identity) EmailVerified() bool {
	return i.EmailVerifiedAt != nil
}

// NormalizeEmail canonicalizes an email address for case-insensitive storage
// and lookup.
func NormalizeEmail(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrEmptyEmail
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(parsed.Address), nil
}

// CreateIdentity creates a durable identity from an unverified email address.
//
// This is the canonical point where an untrusted address becomes a stable
// account: the email stays unverified until a magic link is consumed.
func CreateIdentity(email string, now func() time.Time, idGenerator func() (string, error)) (Identity, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeEmail(email)
	if err != nil {
		return Identity{}, err
	}

	identityID, err := idGenerator()
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity id: %w", err)
	}

	createdAt := now().UTC()
	return Identity{
		ID:        identityID,
		Email:     normalized,
		Active:    true,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}
