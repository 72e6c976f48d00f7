package requestctx

import (
	"context"
	"testing"
)

func TestIdentityIDRoundTrip(t *testing.T) {
	ctx := WithIdentityID(context.Background(), "identity-1")
	if got := IdentityIDFromContext(ctx); got != "identity-1" {
		t.Fatalf("unexpected identity id: %q", got)
	}
}

func TestSessionIDRoundTrip(t *testing.T) {
	ctx := WithSessionID(context.Background(), "session-1")
	if got := SessionIDFromContext(ctx); got != "session-1" {
		t.Fatalf("unexpected session id: %q", got)
	}
}

func TestMissingValues(t *testing.T) {
	if IdentityIDFromContext(context.Background()) != "" {
		t.Fatal("expected empty identity id")
	}
	if SessionIDFromContext(nil) != "" {
		t.Fatal("expected empty session id for nil context")
	}
	if IdentityIDFromContext(nil) != "" {
		t.Fatal("expected empty identity id for nil context")
	}
}

func TestNilContextIsUsable(t *testing.T) {
	ctx := WithIdentityID(nil, "identity-2")
	if got := IdentityIDFromContext(ctx); got != "identity-2" {
		t.Fatalf("unexpected identity id: %q", got)
	}
}
