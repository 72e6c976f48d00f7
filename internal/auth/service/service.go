// Package service composes the auth components into the two public
// sign-in flows and the session-bound current-identity contract.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/liftlogapp/liftlog/internal/auth/audit"
	"github.com/liftlogapp/liftlog/internal/auth/challenge"
	"github.com/liftlogapp/liftlog/internal/auth/email"
	"github.com/liftlogapp/liftlog/internal/auth/identity"
	"github.com/liftlogapp/liftlog/internal/auth/lockout"
	"github.com/liftlogapp/liftlog/internal/auth/magiclink"
	"github.com/liftlogapp/liftlog/internal/auth/session"
	"github.com/liftlogapp/liftlog/internal/auth/storage"
	"github.com/liftlogapp/liftlog/internal/auth/token"
	apperrors "github.com/liftlogapp/liftlog/internal/platform/errors"
	"github.com/liftlogapp/liftlog/internal/platform/id"
)

// ErrInvalid covers every rejected credential: unknown, expired, consumed,
// tampered, or mismatched. The causes are deliberately indistinguishable.
var ErrInvalid = apperrors.New(apperrors.CodeInvalidCredential, "invalid or expired credential")

// ErrConflict reports an operation that contradicts the caller's own state,
// such as revoking the session backing the request.
var ErrConflict = apperrors.New(apperrors.CodeConflict, "operation conflicts with the current session")

// Verifier is the WebAuthn ceremony verifier. Its cryptographic verdict is
// trusted as-is.
type Verifier interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

// RequestInfo carries client attribution through every flow.
type RequestInfo struct {
	ClientIP  string
	UserAgent string
}

func (info RequestInfo) audit() audit.RequestInfo {
	return audit.RequestInfo{ClientIP: info.ClientIP, UserAgent: info.UserAgent}
}

// Config wires the auth service's collaborators.
type Config struct {
	Identities storage.IdentityStore
	Tokens     storage.TokenStore
	Passkeys   storage.PasskeyStore
	Sessions   *session.Manager
	Challenges *challenge.Manager
	Lockouts   *lockout.Tracker
	Recorder   *audit.Recorder
	Sender     email.Sender
	Verifier   Verifier
	MagicLink  magiclink.Config
}

// Service is the authentication orchestrator.
type Service struct {
	identities storage.IdentityStore
	tokens     storage.TokenStore
	passkeys   storage.PasskeyStore
	sessions   *session.Manager
	challenges *challenge.Manager
	lockouts   *lockout.Tracker
	recorder   *audit.Recorder
	sender     email.Sender
	verifier   Verifier
	linkCfg    magiclink.Config

	tracer        trace.Tracer
	clock         func() time.Time
	idGenerator   func() (string, error)
	secretFactory func() (string, error)
}

// New returns a Service. Every collaborator is required except the verifier,
// which may be nil when WebAuthn is disabled.
func New(cfg Config) (*Service, error) {
	if cfg.Identities == nil {
		return nil, fmt.Errorf("identity store is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if cfg.Passkeys == nil {
		return nil, fmt.Errorf("passkey store is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Challenges == nil {
		return nil, fmt.Errorf("challenge manager is required")
	}
	if cfg.Lockouts == nil {
		return nil, fmt.Errorf("lockout tracker is required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("email sender is required")
	}
	return &Service{
		identities:    cfg.Identities,
		tokens:        cfg.Tokens,
		passkeys:      cfg.Passkeys,
		sessions:      cfg.Sessions,
		challenges:    cfg.Challenges,
		lockouts:      cfg.Lockouts,
		recorder:      cfg.Recorder,
		sender:        cfg.Sender,
		verifier:      cfg.Verifier,
		linkCfg:       cfg.MagicLink,
		tracer:        otel.Tracer("liftlog/auth"),
		clock:         time.Now,
		idGenerator:   id.NewID,
		secretFactory: token.NewSecret,
	}, nil
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(clock func() time.Time) {
	if s == nil || clock == nil {
		return
	}
	s.clock = clock
}

// AuthSession is the result of resolving a request credential.
type AuthSession struct {
	Identity identity.Identity
	Session  storage.Session
	// RefreshedCredential carries the new plaintext token when this request
	// won a time-based rotation; the caller must hand it back to the client.
	RefreshedCredential string
}

// Authenticate resolves a plaintext session credential to its identity,
// rotating the session when it has aged past the threshold. Every failure
// reports session.ErrInvalid.
func (s *Service) Authenticate(ctx context.Context, plaintext string, info RequestInfo) (AuthSession, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Authenticate")
	defer span.End()

	current, err := s.sessions.Validate(ctx, plaintext)
	if err != nil {
		return AuthSession{}, err
	}

	ident, err := s.identities.GetIdentity(ctx, current.IdentityID)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeNotFound {
			return AuthSession{}, session.ErrInvalid
		}
		return AuthSession{}, fmt.Errorf("load identity: %w", err)
	}
	if !ident.Active {
		return AuthSession{}, session.ErrInvalid
	}

	outcome, err := s.sessions.MaybeRotate(ctx, current, info.ClientIP, info.UserAgent)
	if err != nil {
		return AuthSession{}, err
	}
	if outcome.Rotated {
		s.recorder.Record(ctx, audit.EventSessionRotated, ident.ID, info.audit(), map[string]any{
			"old_session_id": current.ID,
			"new_session_id": outcome.Session.ID,
			"reason":         string(storage.RotationReasonTimeBased),
		})
	}
	return AuthSession{
		Identity:            ident,
		Session:             outcome.Session,
		RefreshedCredential: outcome.Plaintext,
	}, nil
}

// ListSessions returns all sessions of the identity.
func (s *Service) ListSessions(ctx context.Context, identityID string) ([]storage.Session, error) {
	return s.sessions.List(ctx, identityID)
}

// RevokeSession revokes one of the identity's sessions. Revoking the session
// backing the current request is a conflict; sign-out is a separate call.
func (s *Service) RevokeSession(ctx context.Context, identityID, sessionID, currentSessionID string, info RequestInfo) error {
	ctx, span := s.tracer.Start(ctx, "auth.RevokeSession")
	defer span.End()

	if sessionID == currentSessionID {
		return ErrConflict
	}
	if err := s.sessions.Revoke(ctx, sessionID, identityID); err != nil {
		return err
	}
	s.recorder.Record(ctx, audit.EventSessionRevoked, identityID, info.audit(), map[string]any{
		"session_id": sessionID,
	})
	return nil
}

// RevokeOtherSessions revokes every session of the identity except the one
// backing the current request.
func (s *Service) RevokeOtherSessions(ctx context.Context, identityID, currentSessionID string, info RequestInfo) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "auth.RevokeOtherSessions")
	defer span.End()

	revoked, err := s.sessions.RevokeAllOthers(ctx, identityID, currentSessionID)
	if err != nil {
		return 0, err
	}
	if revoked > 0 {
		s.recorder.Record(ctx, audit.EventSessionRevoked, identityID, info.audit(), map[string]any{
			"kept_session_id": currentSessionID,
			"revoked_count":   revoked,
		})
	}
	return revoked, nil
}

// Logout revokes the session backing the current request.
func (s *Service) Logout(ctx context.Context, identityID, currentSessionID string, info RequestInfo) error {
	ctx, span := s.tracer.Start(ctx, "auth.Logout")
	defer span.End()

	if err := s.sessions.Revoke(ctx, currentSessionID, identityID); err != nil {
		return err
	}
	s.recorder.Record(ctx, audit.EventSessionRevoked, identityID, info.audit(), map[string]any{
		"session_id": currentSessionID,
		"logout":     true,
	})
	return nil
}
