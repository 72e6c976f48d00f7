// Package challenge issues and single-use-consumes WebAuthn server
// challenges.
//
// A challenge moves issued to consumed or issued to expired and never back.
// The client only ever sees an opaque handle; the raw bytes stay in the
// ephemeral store. Consumption is an atomic fetch-and-delete, so even a
// cloned client request can redeem a handle at most once.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/liftlogapp/liftlog/internal/auth/kv"
	apperrors "github.com/liftlogapp/liftlog/internal/platform/errors"
	"github.com/liftlogapp/liftlog/internal/platform/id"
	"github.com/liftlogapp/liftlog/internal/platform/timeouts"
)

// Kind distinguishes the two WebAuthn ceremonies.
type Kind string

const (
	KindRegistration   Kind = "registration"
	KindAuthentication Kind = "authentication"
)

// ErrInvalid covers every consumption failure: expired, missing, replayed,
// or bound to a different identity or kind. The causes are deliberately
// indistinguishable.
var ErrInvalid = apperrors.New(apperrors.CodeInvalidCredential, "invalid or expired challenge")

// Config controls challenge TTLs per ceremony.
type Config struct {
	RegistrationTTL   time.Duration `env:"LIFTLOG_CHALLENGE_REGISTRATION_TTL"   envDefault:"30s"`
	AuthenticationTTL time.Duration `env:"LIFTLOG_CHALLENGE_AUTHENTICATION_TTL" envDefault:"60s"`
}

// LoadConfigFromEnv loads challenge configuration and applies defensive defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	_ = env.Parse(&cfg)
	if cfg.RegistrationTTL <= 0 {
		cfg.RegistrationTTL = 30 * time.Second
	}
	if cfg.AuthenticationTTL <= 0 {
		cfg.AuthenticationTTL = 60 * time.Second
	}
	return cfg
}

type record struct {
	IdentityID string `json:"identity_id"`
	Kind       Kind   `json:"kind"`
	Payload    []byte `json:"payload"`
}

// Manager stores challenges in the ephemeral store under opaque handles.
type Manager struct {
	store         kv.Store
	cfg           Config
	handleFactory func() (string, error)
}

// NewManager returns a Manager backed by store.
func NewManager(store kv.Store, cfg Config) *Manager {
	return &Manager{store: store, cfg: cfg, handleFactory: id.NewID}
}

// SetHandleFactory overrides the handle source for tests.
func (m *Manager) SetHandleFactory(factory func() (string, error)) {
	if m == nil || factory == nil {
		return
	}
	m.handleFactory = factory
}

func (m *Manager) ttl(kind Kind) time.Duration {
	if kind == KindRegistration {
		return m.cfg.RegistrationTTL
	}
	return m.cfg.AuthenticationTTL
}

// NewChallengeBytes returns 32 random bytes for a fresh ceremony.
func NewChallengeBytes() ([]byte, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	return raw, nil
}

// Issue stores payload bound to (identityID, kind) and returns the opaque
// handle the client echoes back. The payload is typically the verifier's
// serialized ceremony state.
func (m *Manager) Issue(ctx context.Context, identityID string, kind Kind, payload []byte) (string, error) {
	if m == nil || m.store == nil {
		return "", fmt.Errorf("challenge manager is not configured")
	}
	if identityID == "" {
		return "", fmt.Errorf("identity id is required")
	}
	if kind != KindRegistration && kind != KindAuthentication {
		return "", fmt.Errorf("unknown challenge kind %q", kind)
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("challenge payload is required")
	}

	handle, err := m.handleFactory()
	if err != nil {
		return "", fmt.Errorf("generate handle: %w", err)
	}
	raw, err := json.Marshal(record{IdentityID: identityID, Kind: kind, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("encode challenge: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, timeouts.EphemeralStore)
	defer cancel()

	if err := m.store.Set(opCtx, "challenge:"+handle, raw, m.ttl(kind)); err != nil {
		return "", fmt.Errorf("store challenge: %w", err)
	}
	return handle, nil
}

// Consume atomically fetches and deletes the challenge under handle. A
// missing, expired, or replayed handle and an identity or kind mismatch all
// report the same ErrInvalid.
func (m *Manager) Consume(ctx context.Context, handle, identityID string, kind Kind) ([]byte, error) {
	if m == nil || m.store == nil {
		return nil, fmt.Errorf("challenge manager is not configured")
	}
	if handle == "" || identityID == "" {
		return nil, ErrInvalid
	}

	opCtx, cancel := context.WithTimeout(ctx, timeouts.EphemeralStore)
	defer cancel()

	raw, err := m.store.GetDel(opCtx, "challenge:"+handle)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeNotFound {
			return nil, ErrInvalid
		}
		return nil, fmt.Errorf("fetch challenge: %w", err)
	}

	var stored record
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, ErrInvalid
	}
	if stored.IdentityID != identityID || stored.Kind != kind {
		return nil, ErrInvalid
	}
	return stored.Payload, nil
}
