// Package session creates, validates, and rotates opaque sessions.
//
// The session credential is a random secret whose only server-side
// representation is a one-way hash. Every validation failure, whether the
// token is missing, revoked, rotated, expired, or simply garbage, collapses
// to the same ErrInvalid so callers cannot probe which check failed.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/liftlogapp/liftlog/internal/auth/storage"
	"github.com/liftlogapp/liftlog/internal/auth/token"
	apperrors "github.com/liftlogapp/liftlog/internal/platform/errors"
	"github.com/liftlogapp/liftlog/internal/platform/id"
)

// ErrInvalid reports an unusable session credential. Revoked, rotated,
// expired, and unknown tokens are deliberately indistinguishable.
var ErrInvalid = apperrors.New(apperrors.CodeUnauthenticated, "invalid or expired session")

// Config controls session lifetime and rotation cadence.
type Config struct {
	TTL         time.Duration `env:"LIFTLOG_SESSION_TTL"          envDefault:"720h"`
	RotateAfter time.Duration `env:"LIFTLOG_SESSION_ROTATE_AFTER" envDefault:"168h"`
}

// LoadConfigFromEnv loads session configuration and applies defensive defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	_ = env.Parse(&cfg)
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	if cfg.RotateAfter <= 0 || cfg.RotateAfter >= cfg.TTL {
		cfg.RotateAfter = 7 * 24 * time.Hour
	}
	return cfg
}

// Manager owns all session mutations. Nothing else writes session rows.
type Manager struct {
	store         storage.SessionStore
	cfg           Config
	clock         func() time.Time
	idGenerator   func() (string, error)
	secretFactory func() (string, error)
}

// NewManager returns a Manager writing to store.
func NewManager(store storage.SessionStore, cfg Config) *Manager {
	return &Manager{
		store:         store,
		cfg:           cfg,
		clock:         time.Now,
		idGenerator:   id.NewID,
		secretFactory: token.NewSecret,
	}
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(clock func() time.Time) {
	if m == nil || clock == nil {
		return
	}
	m.clock = clock
}

// SetIDGenerator overrides the session ID source for tests.
func (m *Manager) SetIDGenerator(generator func() (string, error)) {
	if m == nil || generator == nil {
		return
	}
	m.idGenerator = generator
}

func (m *Manager) newSession(identityID, clientIP, userAgent string, now time.Time) (string, storage.Session, error) {
	sessionID, err := m.idGenerator()
	if err != nil {
		return "", storage.Session{}, fmt.Errorf("generate session id: %w", err)
	}
	secret, err := m.secretFactory()
	if err != nil {
		return "", storage.Session{}, fmt.Errorf("generate session secret: %w", err)
	}
	return secret, storage.Session{
		ID:         sessionID,
		IdentityID: identityID,
		TokenHash:  token.Hash(secret),
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.cfg.TTL),
		ClientIP:   clientIP,
		UserAgent:  userAgent,
	}, nil
}

// Create opens a session for identityID and returns the plaintext credential
// exactly once. Only the hash is persisted.
func (m *Manager) Create(ctx context.Context, identityID, clientIP, userAgent string) (string, storage.Session, error) {
	if m == nil || m.store == nil {
		return "", storage.Session{}, fmt.Errorf("session manager is not configured")
	}
	if identityID == "" {
		return "", storage.Session{}, fmt.Errorf("identity id is required")
	}

	now := m.clock().UTC()
	secret, session, err := m.newSession(identityID, clientIP, userAgent, now)
	if err != nil {
		return "", storage.Session{}, err
	}
	if err := m.store.PutSession(ctx, session); err != nil {
		return "", storage.Session{}, fmt.Errorf("store session: %w", err)
	}
	return secret, session, nil
}

// Validate resolves a plaintext credential to its live session. Every failure
// path reports ErrInvalid.
func (m *Manager) Validate(ctx context.Context, plaintext string) (storage.Session, error) {
	if m == nil || m.store == nil {
		return storage.Session{}, fmt.Errorf("session manager is not configured")
	}
	if plaintext == "" {
		return storage.Session{}, ErrInvalid
	}

	session, err := m.store.GetSessionByTokenHash(ctx, token.Hash(plaintext))
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeNotFound {
			return storage.Session{}, ErrInvalid
		}
		return storage.Session{}, fmt.Errorf("look up session: %w", err)
	}
	if !session.ValidAt(m.clock().UTC()) {
		return storage.Session{}, ErrInvalid
	}
	return session, nil
}

// RotationOutcome reports what MaybeRotate did.
type RotationOutcome struct {
	// Rotated is true when this call created the replacement. Only then is
	// Plaintext set; a caller that lost the race adopts the winner's session
	// without receiving credential material.
	Rotated   bool
	Plaintext string
	Session   storage.Session
}

// MaybeRotate rotates the session when its age exceeds the rotation
// threshold. Two concurrent calls on the same session produce exactly one
// replacement: the loser observes the winner's session via the old row's
// replacement reference.
func (m *Manager) MaybeRotate(ctx context.Context, session storage.Session, clientIP, userAgent string) (RotationOutcome, error) {
	if m == nil || m.store == nil {
		return RotationOutcome{}, fmt.Errorf("session manager is not configured")
	}

	now := m.clock().UTC()
	if now.Sub(session.CreatedAt) < m.cfg.RotateAfter {
		return RotationOutcome{Session: session}, nil
	}
	return m.rotate(ctx, session, storage.RotationReasonTimeBased, clientIP, userAgent, now)
}

// RotateForPrivilege rotates unconditionally after a privilege change, such
// as a new credential being added to the account.
func (m *Manager) RotateForPrivilege(ctx context.Context, session storage.Session, clientIP, userAgent string) (RotationOutcome, error) {
	if m == nil || m.store == nil {
		return RotationOutcome{}, fmt.Errorf("session manager is not configured")
	}
	return m.rotate(ctx, session, storage.RotationReasonPrivilege, clientIP, userAgent, m.clock().UTC())
}

func (m *Manager) rotate(ctx context.Context, session storage.Session, reason storage.RotationReason, clientIP, userAgent string, now time.Time) (RotationOutcome, error) {
	secret, replacement, err := m.newSession(session.IdentityID, clientIP, userAgent, now)
	if err != nil {
		return RotationOutcome{}, err
	}

	won, err := m.store.RotateSession(ctx, session.ID, reason, now, replacement)
	if err != nil {
		return RotationOutcome{}, fmt.Errorf("rotate session: %w", err)
	}
	if won {
		return RotationOutcome{Rotated: true, Plaintext: secret, Session: replacement}, nil
	}

	// Lost the race: adopt the winner's replacement. The plaintext stays with
	// the winning request; this caller keeps presenting its old credential
	// until the client picks up the new one.
	oldRow, err := m.store.GetSession(ctx, session.ID)
	if err != nil {
		return RotationOutcome{}, fmt.Errorf("resolve rotation winner: %w", err)
	}
	if oldRow.ReplacedBy == "" {
		return RotationOutcome{}, ErrInvalid
	}
	adopted, err := m.store.GetSession(ctx, oldRow.ReplacedBy)
	if err != nil {
		return RotationOutcome{}, fmt.Errorf("resolve rotation winner: %w", err)
	}
	return RotationOutcome{Session: adopted}, nil
}

// Revoke marks the session revoked when it belongs to identityID. A session
// that does not exist or belongs to someone else reports the same not-found.
func (m *Manager) Revoke(ctx context.Context, sessionID, identityID string) error {
	if m == nil || m.store == nil {
		return fmt.Errorf("session manager is not configured")
	}
	if sessionID == "" || identityID == "" {
		return storage.ErrNotFound
	}
	return m.store.RevokeSession(ctx, sessionID, identityID, m.clock().UTC())
}

// RevokeAllOthers revokes every live session of identityID except
// keepSessionID, reporting how many were revoked.
func (m *Manager) RevokeAllOthers(ctx context.Context, identityID, keepSessionID string) (int64, error) {
	if m == nil || m.store == nil {
		return 0, fmt.Errorf("session manager is not configured")
	}
	if identityID == "" || keepSessionID == "" {
		return 0, fmt.Errorf("identity and session ids are required")
	}
	return m.store.RevokeOtherSessions(ctx, identityID, keepSessionID, m.clock().UTC())
}

// List returns all sessions of identityID, live and dead, newest first order
// is the store's.
func (m *Manager) List(ctx context.Context, identityID string) ([]storage.Session, error) {
	if m == nil || m.store == nil {
		return nil, fmt.Errorf("session manager is not configured")
	}
	if identityID == "" {
		return nil, fmt.Errorf("identity id is required")
	}
	return m.store.ListSessionsByIdentity(ctx, identityID)
}
