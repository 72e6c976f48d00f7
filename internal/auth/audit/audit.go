// Package audit records structured security events. Appends are best-effort:
// a failed write never fails the request it documents.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/liftlogapp/liftlog/internal/auth/storage"
	"github.com/liftlogapp/liftlog/internal/platform/id"
	"github.com/liftlogapp/liftlog/internal/platform/timeouts"
)

// Event types form a closed vocabulary. Adding a type here is the only way a
// new event shape enters the audit log.
const (
	EventMagicLinkRequested = "magic_link_requested"
	EventMagicLinkSent      = "magic_link_sent"
	EventMagicLinkVerified  = "magic_link_verified"
	EventLoginFailed        = "login_failed"
	EventLoginSucceeded     = "login_succeeded"
	EventSessionCreated     = "session_created"
	EventSessionRotated     = "session_rotated"
	EventSessionRevoked     = "session_revoked"
	EventAccountLocked      = "account_locked"
	EventRateLimited        = "rate_limited"
	EventCsrfRejected       = "csrf_rejected"
	EventPasskeyRegistered  = "passkey_registered"
	EventPasskeyRemoved     = "passkey_removed"
	EventEmailVerified      = "email_verified"
)

// RequestInfo carries the client attribution attached to every event.
type RequestInfo struct {
	ClientIP  string
	UserAgent string
}

// Recorder appends audit events to the durable store.
type Recorder struct {
	store       storage.AuditStore
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewRecorder returns a Recorder writing to store.
func NewRecorder(store storage.AuditStore) *Recorder {
	return &Recorder{
		store:       store,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// SetClock overrides the time source for tests.
func (r *Recorder) SetClock(clock func() time.Time) {
	if r == nil || clock == nil {
		return
	}
	r.clock = clock
}

// SetIDGenerator overrides the event ID source for tests.
func (r *Recorder) SetIDGenerator(generator func() (string, error)) {
	if r == nil || generator == nil {
		return
	}
	r.idGenerator = generator
}

// Record appends one event. Failures are logged and swallowed so the caller's
// request path is never blocked on the audit trail. The write runs against a
// detached context with its own deadline because the request context may
// already be cancelled by the time a rejection is recorded.
func (r *Recorder) Record(ctx context.Context, eventType, identityID string, info RequestInfo, metadata map[string]any) {
	if r == nil || r.store == nil {
		return
	}
	eventID, err := r.idGenerator()
	if err != nil {
		log.Printf("audit: generate event id: %v", err)
		return
	}

	metadataJSON := "{}"
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			log.Printf("audit: encode metadata for %s: %v", eventType, err)
		} else {
			metadataJSON = string(raw)
		}
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.AuditWrite)
	defer cancel()

	event := storage.AuditEvent{
		ID:           eventID,
		IdentityID:   identityID,
		EventType:    eventType,
		ClientIP:     info.ClientIP,
		UserAgent:    info.UserAgent,
		MetadataJSON: metadataJSON,
		CreatedAt:    r.clock().UTC(),
	}
	if err := r.store.AppendAuditEvent(writeCtx, event); err != nil {
		log.Printf("audit: append %s: %v", eventType, err)
	}
}
