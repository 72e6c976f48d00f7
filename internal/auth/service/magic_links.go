package service

import (
	"context"
	"fmt"
	"log"

	"github.com/liftlogapp/liftlog/internal/auth/audit"
	"github.com/liftlogapp/liftlog/internal/auth/email"
	"github.com/liftlogapp/liftlog/internal/auth/identity"
	"github.com/liftlogapp/liftlog/internal/auth/storage"
	"github.com/liftlogapp/liftlog/internal/auth/token"
	apperrors "github.com/liftlogapp/liftlog/internal/platform/errors"
)

// StartMagicLink requests a sign-in link for the address. The outward result
// is always generic success so the existence of an account is never
// disclosed; an identity is created unverified on first request. Only a
// malformed address or an infrastructure failure reports an error.
func (s *Service) StartMagicLink(ctx context.Context, rawEmail string, info RequestInfo) error {
	ctx, span := s.tracer.Start(ctx, "auth.StartMagicLink")
	defer span.End()

	normalized, err := identity.NormalizeEmail(rawEmail)
	if err != nil {
		return err
	}

	ident, err := s.identities.GetIdentityByEmail(ctx, normalized)
	if apperrors.GetCode(err) == apperrors.CodeNotFound {
		ident, err = identity.CreateIdentity(normalized, s.clock, s.idGenerator)
		if err != nil {
			return fmt.Errorf("create identity: %w", err)
		}
		if err := s.identities.PutIdentity(ctx, ident); err != nil {
			return fmt.Errorf("store identity: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("look up identity: %w", err)
	}

	if !ident.Active {
		// Same outward silence as an unknown address.
		log.Printf("auth: magic link requested for inactive identity %s", ident.ID)
		return nil
	}

	secret, err := s.secretFactory()
	if err != nil {
		return fmt.Errorf("generate link secret: %w", err)
	}
	now := s.clock().UTC()
	record := storage.SingleUseToken{
		TokenHash:   token.Hash(secret),
		IdentityID:  ident.ID,
		Purpose:     storage.TokenPurposeLogin,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.linkCfg.TTL),
		RequesterIP: info.ClientIP,
	}
	if err := s.tokens.PutSingleUseToken(ctx, record); err != nil {
		return fmt.Errorf("store link token: %w", err)
	}
	s.recorder.Record(ctx, audit.EventMagicLinkRequested, ident.ID, info.audit(), nil)

	link, err := s.linkCfg.BuildURL(secret)
	if err != nil {
		return fmt.Errorf("build link: %w", err)
	}
	msg := email.MagicLinkMessage(ident.Email, link, s.linkCfg.TTL)
	if err := s.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send link: %w", err)
	}
	s.recorder.Record(ctx, audit.EventMagicLinkSent, ident.ID, info.audit(), nil)
	return nil
}

// VerifyMagicLink redeems a sign-in link. The token is burned atomically
// before any other check, so a replayed link fails even when the first
// attempt was rejected. Lockout gates only this verification step, never
// link issuance.
func (s *Service) VerifyMagicLink(ctx context.Context, plaintext string, info RequestInfo) (AuthOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "auth.VerifyMagicLink")
	defer span.End()

	if plaintext == "" {
		return invalidOutcome(), nil
	}

	now := s.clock().UTC()
	consumed, err := s.tokens.ConsumeSingleUseToken(ctx, token.Hash(plaintext), now, info.ClientIP)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeNotFound {
			s.recorder.Record(ctx, audit.EventLoginFailed, "", info.audit(), map[string]any{
				"method": "magic_link",
			})
			return invalidOutcome(), nil
		}
		return AuthOutcome{}, fmt.Errorf("consume link token: %w", err)
	}
	if consumed.Purpose != storage.TokenPurposeLogin {
		return s.failVerification(ctx, consumed.IdentityID, "magic_link", info)
	}

	ident, err := s.identities.GetIdentity(ctx, consumed.IdentityID)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeNotFound {
			return invalidOutcome(), nil
		}
		return AuthOutcome{}, fmt.Errorf("load identity: %w", err)
	}
	if !ident.Active {
		return s.failVerification(ctx, ident.ID, "magic_link", info)
	}

	locked, retryAfter, err := s.lockouts.IsLocked(ctx, ident.ID)
	if err != nil {
		return AuthOutcome{}, fmt.Errorf("check lockout: %w", err)
	}
	if locked {
		return lockedOutcome(retryAfter), nil
	}

	if err := s.lockouts.RecordSuccess(ctx, ident.ID); err != nil {
		log.Printf("auth: clear lockout for %s: %v", ident.ID, err)
	}
	if !ident.EmailVerified() {
		if err := s.identities.MarkEmailVerified(ctx, ident.ID, now); err != nil {
			return AuthOutcome{}, fmt.Errorf("mark email verified: %w", err)
		}
		s.recorder.Record(ctx, audit.EventEmailVerified, ident.ID, info.audit(), nil)
	}

	return s.openSession(ctx, ident, "magic_link", audit.EventMagicLinkVerified, info)
}

// failVerification counts one failed attempt against the identity and
// reports the generic invalid outcome, or locked when the failure crossed
// the threshold.
func (s *Service) failVerification(ctx context.Context, identityID, method string, info RequestInfo) (AuthOutcome, error) {
	s.recorder.Record(ctx, audit.EventLoginFailed, identityID, info.audit(), map[string]any{
		"method": method,
	})
	if identityID == "" {
		return invalidOutcome(), nil
	}
	if _, err := s.lockouts.RecordFailure(ctx, identityID); err != nil {
		log.Printf("auth: record failure for %s: %v", identityID, err)
		return invalidOutcome(), nil
	}
	locked, retryAfter, err := s.lockouts.IsLocked(ctx, identityID)
	if err != nil {
		log.Printf("auth: check lockout for %s: %v", identityID, err)
		return invalidOutcome(), nil
	}
	if locked {
		s.recorder.Record(ctx, audit.EventAccountLocked, identityID, info.audit(), map[string]any{
			"retry_after_seconds": int(retryAfter.Seconds()),
		})
	}
	// The attempt itself still reads as invalid; the lock surfaces on the
	// next verification.
	return invalidOutcome(), nil
}

// openSession finishes a successful verification: creates the session and
// emits the success events.
func (s *Service) openSession(ctx context.Context, ident identity.Identity, method, verifiedEvent string, info RequestInfo) (AuthOutcome, error) {
	plaintext, created, err := s.sessions.Create(ctx, ident.ID, info.ClientIP, info.UserAgent)
	if err != nil {
		return AuthOutcome{}, fmt.Errorf("create session: %w", err)
	}
	if verifiedEvent != "" {
		s.recorder.Record(ctx, verifiedEvent, ident.ID, info.audit(), nil)
	}
	s.recorder.Record(ctx, audit.EventLoginSucceeded, ident.ID, info.audit(), map[string]any{
		"method": method,
	})
	s.recorder.Record(ctx, audit.EventSessionCreated, ident.ID, info.audit(), map[string]any{
		"session_id": created.ID,
	})
	return AuthOutcome{
		Kind:      OutcomeSuccess,
		Identity:  ident,
		Session:   created,
		Plaintext: plaintext,
	}, nil
}
