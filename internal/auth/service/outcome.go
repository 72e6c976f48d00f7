package service

import (
	"time"

	"github.com/liftlogapp/liftlog/internal/auth/identity"
	"github.com/liftlogapp/liftlog/internal/auth/storage"
)

// OutcomeKind tags an authentication result.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeInvalid OutcomeKind = "invalid"
	OutcomeLocked  OutcomeKind = "locked"
)

// AuthOutcome is the result of a credential verification. Both sign-in flows
// converge on this type so the caller handles magic links and passkeys the
// same way.
type AuthOutcome struct {
	Kind OutcomeKind

	// Set only on success.
	Identity  identity.Identity
	Session   storage.Session
	Plaintext string

	// Set only when locked.
	RetryAfter time.Duration
}

func invalidOutcome() AuthOutcome {
	return AuthOutcome{Kind: OutcomeInvalid}
}

func lockedOutcome(retryAfter time.Duration) AuthOutcome {
	return AuthOutcome{Kind: OutcomeLocked, RetryAfter: retryAfter}
}
