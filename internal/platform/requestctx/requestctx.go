// Package requestctx carries per-request authentication state through
// context values without leaking transport details into domain code.
package requestctx

import "context"

// identityIDContextKey is the context key for the authenticated identity.
type identityIDContextKey struct{}

// sessionIDContextKey is the context key for the authenticated session.
type sessionIDContextKey struct{}

// WithIdentityID stores an identity identifier in context.
func WithIdentityID(ctx context.Context, identityID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, identityIDContextKey{}, identityID)
}

// IdentityIDFromContext returns the identity identifier stored in context.
func IdentityIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(identityIDContextKey{}).(string)
	return value
}

// WithSessionID stores a session identifier in context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sessionIDContextKey{}, sessionID)
}

// SessionIDFromContext returns the session identifier stored in context.
func SessionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(sessionIDContextKey{}).(string)
	return value
}
