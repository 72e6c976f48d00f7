package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/liftlogapp/liftlog/internal/auth/audit"
	"github.com/liftlogapp/liftlog/internal/auth/challenge"
	"github.com/liftlogapp/liftlog/internal/auth/identity"
	"github.com/liftlogapp/liftlog/internal/auth/session"
	"github.com/liftlogapp/liftlog/internal/auth/storage"
	apperrors "github.com/liftlogapp/liftlog/internal/platform/errors"
)

// webauthnUser adapts an identity and its stored credentials to the
// verifier's user contract.
type webauthnUser struct {
	identity    identity.Identity
	credentials []webauthn.Credential
}

func (u webauthnUser) WebAuthnID() []byte {
	return []byte(u.identity.ID)
}

func (u webauthnUser) WebAuthnName() string {
	return u.identity.Email
}

func (u webauthnUser) WebAuthnDisplayName() string {
	return u.identity.Email
}

func (u webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// loadWebAuthnUser assembles the verifier's view of an identity from the
// credential rows.
func (s *Service) loadWebAuthnUser(ctx context.Context, ident identity.Identity) (webauthnUser, error) {
	records, err := s.passkeys.ListPasskeyCredentials(ctx, ident.ID)
	if err != nil {
		return webauthnUser{}, fmt.Errorf("list credentials: %w", err)
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		var credential webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &credential); err != nil {
			log.Printf("auth: skip undecodable credential %s: %v", record.CredentialID, err)
			continue
		}
		credentials = append(credentials, credential)
	}
	return webauthnUser{identity: ident, credentials: credentials}, nil
}

func (s *Service) storeCredential(ctx context.Context, identityID string, credential *webauthn.Credential) error {
	raw, err := json.Marshal(credential)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	now := s.clock().UTC()
	record := storage.PasskeyCredential{
		CredentialID:   encodeCredentialID(credential.ID),
		IdentityID:     identityID,
		CredentialJSON: string(raw),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	existing, err := s.passkeys.GetPasskeyCredential(ctx, record.CredentialID)
	if err == nil {
		record.CreatedAt = existing.CreatedAt
		record.LastUsedAt = &now
	} else if apperrors.GetCode(err) != apperrors.CodeNotFound {
		return fmt.Errorf("look up credential: %w", err)
	}
	return s.passkeys.PutPasskeyCredential(ctx, record)
}

// StartWebAuthnRegistration begins a passkey registration ceremony for an
// authenticated identity. The returned handle redeems the stored ceremony
// state exactly once.
func (s *Service) StartWebAuthnRegistration(ctx context.Context, identityID string, info RequestInfo) (string, *protocol.CredentialCreation, error) {
	ctx, span := s.tracer.Start(ctx, "auth.StartWebAuthnRegistration")
	defer span.End()

	if s.verifier == nil {
		return "", nil, fmt.Errorf("webauthn is not configured")
	}
	ident, err := s.identities.GetIdentity(ctx, identityID)
	if err != nil {
		return "", nil, fmt.Errorf("load identity: %w", err)
	}
	user, err := s.loadWebAuthnUser(ctx, ident)
	if err != nil {
		return "", nil, err
	}

	options, ceremony, err := s.verifier.BeginRegistration(user)
	if err != nil {
		return "", nil, fmt.Errorf("begin registration: %w", err)
	}
	payload, err := json.Marshal(ceremony)
	if err != nil {
		return "", nil, fmt.Errorf("encode ceremony state: %w", err)
	}
	handle, err := s.challenges.Issue(ctx, ident.ID, challenge.KindRegistration, payload)
	if err != nil {
		return "", nil, err
	}
	return handle, options, nil
}

// FinishWebAuthnRegistration completes a registration ceremony and stores
// the new credential. Adding a credential is a privilege event, so the
// current session is rotated; the outcome carries the replacement
// credential when this request performed the rotation.
func (s *Service) FinishWebAuthnRegistration(ctx context.Context, identityID, handle string, response *protocol.ParsedCredentialCreationData, current storage.Session, info RequestInfo) (session.RotationOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "auth.FinishWebAuthnRegistration")
	defer span.End()

	if s.verifier == nil {
		return session.RotationOutcome{}, fmt.Errorf("webauthn is not configured")
	}
	payload, err := s.challenges.Consume(ctx, handle, identityID, challenge.KindRegistration)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeInvalidCredential {
			return session.RotationOutcome{}, ErrInvalid
		}
		return session.RotationOutcome{}, err
	}
	var ceremony webauthn.SessionData
	if err := json.Unmarshal(payload, &ceremony); err != nil {
		return session.RotationOutcome{}, ErrInvalid
	}

	ident, err := s.identities.GetIdentity(ctx, identityID)
	if err != nil {
		return session.RotationOutcome{}, fmt.Errorf("load identity: %w", err)
	}
	user, err := s.loadWebAuthnUser(ctx, ident)
	if err != nil {
		return session.RotationOutcome{}, err
	}

	credential, err := s.verifier.CreateCredential(user, ceremony, response)
	if err != nil {
		if _, failErr := s.failVerification(ctx, ident.ID, "webauthn_registration", info); failErr != nil {
			return session.RotationOutcome{}, failErr
		}
		return session.RotationOutcome{}, ErrInvalid
	}
	if err := s.storeCredential(ctx, ident.ID, credential); err != nil {
		return session.RotationOutcome{}, err
	}
	s.recorder.Record(ctx, audit.EventPasskeyRegistered, ident.ID, info.audit(), map[string]any{
		"credential_id": encodeCredentialID(credential.ID),
	})

	outcome, err := s.sessions.RotateForPrivilege(ctx, current, info.ClientIP, info.UserAgent)
	if err != nil {
		return session.RotationOutcome{}, err
	}
	if outcome.Rotated {
		s.recorder.Record(ctx, audit.EventSessionRotated, ident.ID, info.audit(), map[string]any{
			"old_session_id": current.ID,
			"new_session_id": outcome.Session.ID,
			"reason":         string(storage.RotationReasonPrivilege),
		})
	}
	return outcome, nil
}

// StartWebAuthnLogin begins an authentication ceremony for the address.
// Unknown and inactive accounts report the same generic invalid as a failed
// assertion.
func (s *Service) StartWebAuthnLogin(ctx context.Context, rawEmail string, info RequestInfo) (string, *protocol.CredentialAssertion, error) {
	ctx, span := s.tracer.Start(ctx, "auth.StartWebAuthnLogin")
	defer span.End()

	if s.verifier == nil {
		return "", nil, fmt.Errorf("webauthn is not configured")
	}
	normalized, err := identity.NormalizeEmail(rawEmail)
	if err != nil {
		return "", nil, ErrInvalid
	}
	ident, err := s.identities.GetIdentityByEmail(ctx, normalized)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeNotFound {
			return "", nil, ErrInvalid
		}
		return "", nil, fmt.Errorf("look up identity: %w", err)
	}
	if !ident.Active {
		return "", nil, ErrInvalid
	}
	user, err := s.loadWebAuthnUser(ctx, ident)
	if err != nil {
		return "", nil, err
	}
	if len(user.credentials) == 0 {
		return "", nil, ErrInvalid
	}

	options, ceremony, err := s.verifier.BeginLogin(user)
	if err != nil {
		return "", nil, ErrInvalid
	}
	payload, err := json.Marshal(ceremony)
	if err != nil {
		return "", nil, fmt.Errorf("encode ceremony state: %w", err)
	}
	handle, err := s.challenges.Issue(ctx, ident.ID, challenge.KindAuthentication, payload)
	if err != nil {
		return "", nil, err
	}
	return handle, options, nil
}

// FinishWebAuthnLogin completes an authentication ceremony. The challenge is
// burned before the assertion is checked, lockout gates the verification,
// and a verified assertion opens a session like any other sign-in.
func (s *Service) FinishWebAuthnLogin(ctx context.Context, rawEmail, handle string, response *protocol.ParsedCredentialAssertionData, info RequestInfo) (AuthOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "auth.FinishWebAuthnLogin")
	defer span.End()

	if s.verifier == nil {
		return AuthOutcome{}, fmt.Errorf("webauthn is not configured")
	}
	normalized, err := identity.NormalizeEmail(rawEmail)
	if err != nil {
		return invalidOutcome(), nil
	}
	ident, err := s.identities.GetIdentityByEmail(ctx, normalized)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeNotFound {
			return invalidOutcome(), nil
		}
		return AuthOutcome{}, fmt.Errorf("look up identity: %w", err)
	}
	if !ident.Active {
		return invalidOutcome(), nil
	}

	payload, err := s.challenges.Consume(ctx, handle, ident.ID, challenge.KindAuthentication)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeInvalidCredential {
			return s.failVerification(ctx, ident.ID, "webauthn", info)
		}
		return AuthOutcome{}, err
	}
	var ceremony webauthn.SessionData
	if err := json.Unmarshal(payload, &ceremony); err != nil {
		return s.failVerification(ctx, ident.ID, "webauthn", info)
	}

	locked, retryAfter, err := s.lockouts.IsLocked(ctx, ident.ID)
	if err != nil {
		return AuthOutcome{}, fmt.Errorf("check lockout: %w", err)
	}
	if locked {
		return lockedOutcome(retryAfter), nil
	}

	user, err := s.loadWebAuthnUser(ctx, ident)
	if err != nil {
		return AuthOutcome{}, err
	}
	credential, err := s.verifier.ValidateLogin(user, ceremony, response)
	if err != nil {
		return s.failVerification(ctx, ident.ID, "webauthn", info)
	}

	// Persist the updated signature counter.
	if err := s.storeCredential(ctx, ident.ID, credential); err != nil {
		log.Printf("auth: update credential after login: %v", err)
	}
	if err := s.lockouts.RecordSuccess(ctx, ident.ID); err != nil {
		log.Printf("auth: clear lockout for %s: %v", ident.ID, err)
	}
	return s.openSession(ctx, ident, "webauthn", "", info)
}

// RemovePasskey deletes one of the identity's credentials.
func (s *Service) RemovePasskey(ctx context.Context, identityID, credentialID string, info RequestInfo) error {
	ctx, span := s.tracer.Start(ctx, "auth.RemovePasskey")
	defer span.End()

	record, err := s.passkeys.GetPasskeyCredential(ctx, credentialID)
	if err != nil {
		return err
	}
	if record.IdentityID != identityID {
		return storage.ErrNotFound
	}
	if err := s.passkeys.DeletePasskeyCredential(ctx, credentialID); err != nil {
		return err
	}
	s.recorder.Record(ctx, audit.EventPasskeyRemoved, identityID, info.audit(), map[string]any{
		"credential_id": credentialID,
	})
	return nil
}
