// Package lockout tracks failed credential verifications per identity and
// enforces a temporary deny window once a threshold is crossed.
//
// Every verification method feeds the same counter, so switching from magic
// links to passkeys does not reset an attacker's budget. Issuance of new
// links or challenges is never gated here; only verification is.
package lockout

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/liftlogapp/liftlog/internal/auth/kv"
	apperrors "github.com/liftlogapp/liftlog/internal/platform/errors"
	"github.com/liftlogapp/liftlog/internal/platform/timeouts"
)

// Config controls the lockout policy.
type Config struct {
	Threshold    int           `env:"LIFTLOG_LOCKOUT_THRESHOLD"     envDefault:"5"`
	FailureTTL   time.Duration `env:"LIFTLOG_LOCKOUT_FAILURE_TTL"   envDefault:"1h"`
	LockDuration time.Duration `env:"LIFTLOG_LOCKOUT_LOCK_DURATION" envDefault:"15m"`
}

// LoadConfigFromEnv loads lockout configuration and applies defensive defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	_ = env.Parse(&cfg)
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = time.Hour
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 15 * time.Minute
	}
	return cfg
}

// ErrLocked reports an active lockout window. Callers attach the retry-after
// via metadata.
var ErrLocked = apperrors.New(apperrors.CodeAccountLocked, "account temporarily locked")

// Tracker counts failures in the ephemeral store. All state is remote, so the
// counter is shared across worker processes.
type Tracker struct {
	store kv.Store
	cfg   Config
	clock func() time.Time
}

// NewTracker returns a Tracker backed by store.
func NewTracker(store kv.Store, cfg Config) *Tracker {
	return &Tracker{store: store, cfg: cfg, clock: time.Now}
}

// SetClock overrides the time source for tests.
func (t *Tracker) SetClock(clock func() time.Time) {
	if t == nil || clock == nil {
		return
	}
	t.clock = clock
}

func failureKey(identityID string) string {
	return "lockout:failures:" + identityID
}

func lockKey(identityID string) string {
	return "lockout:until:" + identityID
}

// RecordFailure increments the rolling failure counter and, when the
// threshold is crossed, starts the lock window. It reports the post-increment
// count.
func (t *Tracker) RecordFailure(ctx context.Context, identityID string) (int64, error) {
	if t == nil || t.store == nil {
		return 0, fmt.Errorf("lockout tracker is not configured")
	}
	if identityID == "" {
		return 0, fmt.Errorf("identity id is required")
	}

	opCtx, cancel := context.WithTimeout(ctx, timeouts.EphemeralStore)
	defer cancel()

	count, _, err := t.store.IncrWithTTL(opCtx, failureKey(identityID), t.cfg.FailureTTL)
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	if count >= int64(t.cfg.Threshold) {
		until := t.clock().UTC().Add(t.cfg.LockDuration)
		value := strconv.FormatInt(until.UnixMilli(), 10)
		if err := t.store.Set(opCtx, lockKey(identityID), []byte(value), t.cfg.LockDuration); err != nil {
			return count, fmt.Errorf("set lock window: %w", err)
		}
	}
	return count, nil
}

// IsLocked reports whether the identity is inside an active lock window and,
// when it is, how long until the window ends.
func (t *Tracker) IsLocked(ctx context.Context, identityID string) (bool, time.Duration, error) {
	if t == nil || t.store == nil {
		return false, 0, fmt.Errorf("lockout tracker is not configured")
	}
	if identityID == "" {
		return false, 0, fmt.Errorf("identity id is required")
	}

	opCtx, cancel := context.WithTimeout(ctx, timeouts.EphemeralStore)
	defer cancel()

	raw, err := t.store.Get(opCtx, lockKey(identityID))
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeNotFound {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("check lock window: %w", err)
	}

	millis, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		// A corrupted marker still counts as locked for its remaining TTL;
		// the safe direction for bad data is deny.
		return true, t.cfg.LockDuration, nil
	}
	until := time.UnixMilli(millis).UTC()
	remaining := until.Sub(t.clock().UTC())
	if remaining <= 0 {
		return false, 0, nil
	}
	return true, remaining, nil
}

// RecordSuccess clears the failure counter and any lock marker.
func (t *Tracker) RecordSuccess(ctx context.Context, identityID string) error {
	if t == nil || t.store == nil {
		return fmt.Errorf("lockout tracker is not configured")
	}
	if identityID == "" {
		return fmt.Errorf("identity id is required")
	}

	opCtx, cancel := context.WithTimeout(ctx, timeouts.EphemeralStore)
	defer cancel()

	if err := t.store.Delete(opCtx, failureKey(identityID)); err != nil {
		return fmt.Errorf("clear failure counter: %w", err)
	}
	if err := t.store.Delete(opCtx, lockKey(identityID)); err != nil {
		return fmt.Errorf("clear lock window: %w", err)
	}
	return nil
}
