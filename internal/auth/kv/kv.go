// Package kv defines the ephemeral TTL store used for challenges, rate-limit
// windows, and lockout counters.
//
// The store is a shared resource: correctness of the counters built on top of
// it depends on increments being atomic on the server side, never on
// process-local state. Implementations must keep every operation to a single
// round trip.
package kv

import (
	"context"
	"time"

	apperrors "github.com/liftlogapp/liftlog/internal/platform/errors"
)

// ErrNotFound indicates a requested key is missing or already expired.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "key not found")

// Store is the ephemeral TTL store client.
type Store interface {
	// Set stores value under key with the given TTL, replacing any prior value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetDel atomically returns and removes the value stored under key, or
	// ErrNotFound. This is the single-use primitive for challenges.
	GetDel(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// IncrWithTTL atomically increments the counter under key, starting it at
	// zero with the given TTL when absent. It reports the post-increment count
	// and the remaining time until the key expires.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (count int64, expiresIn time.Duration, err error)
}
