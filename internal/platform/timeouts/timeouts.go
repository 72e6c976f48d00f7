// Package timeouts defines shared timeout constants used across the auth core.
// Centralizing these values prevents drift between components and makes the
// durations discoverable.
package timeouts

import "time"

// EphemeralStore caps a single ephemeral-store round trip. Rate-limit, lockout
// and challenge checks sit on the hot path of every request, so the budget is
// deliberately sub-second; a miss is handled by the caller's availability
// policy rather than surfacing as a failure.
const EphemeralStore = 500 * time.Millisecond

// AuditWrite caps a best-effort audit append so a slow durable store cannot
// stall the request being documented.
const AuditWrite = time.Second

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
