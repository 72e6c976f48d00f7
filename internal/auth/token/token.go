// Package token generates opaque credential secrets and their storage hashes.
//
// Every credential in the auth core (session tokens, magic-link tokens) is an
// opaque secret: a full-entropy random value whose only server-side
// representation is a one-way hash. Secrets are returned to callers exactly
// once and never persisted in plaintext.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// secretSize is the number of random bytes per secret. 32 bytes keeps the
// secret at 256 bits, beyond any practical guessing attack.
const secretSize = 32

// NewSecret returns a new opaque secret encoded as unpadded URL-safe base64.
func NewSecret() (string, error) {
	raw := make([]byte, secretSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Hash returns the hex-encoded SHA-256 digest of a secret.
//
// Secrets carry full entropy, so a single unsalted digest is sufficient for
// storage; key-stretching exists to protect low-entropy passwords and this
// core has none.
func Hash(secret string) string {
	digest := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(digest[:])
}

// Equal compares two token values in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
