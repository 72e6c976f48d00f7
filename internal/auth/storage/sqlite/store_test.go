package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/liftlogapp/liftlog/internal/auth/identity"
	"github.com/liftlogapp/liftlog/internal/auth/storage"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func putTestIdentity(t *testing.T, store *Store, id, email string) identity.Identity {
	t.Helper()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	record := identity.Identity{
		ID:        id,
		Email:     email,
		Active:    true,
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := store.PutIdentity(context.Background(), record); err != nil {
		t.Fatalf("put identity: %v", err)
	}
	return record
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreDBNilSafe(t *testing.T) {
	var store *Store
	if store.DB() != nil {
		t.Fatal("expected nil DB for nil store")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
}

func TestPutGetIdentityRoundTrip(t *testing.T) {
	store := openTempStore(t)
	input := putTestIdentity(t, store, "identity-1", "member@example.com")

	got, err := store.GetIdentity(context.Background(), "identity-1")
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if got.ID != input.ID || got.Email != input.Email || !got.Active {
		t.Fatalf("unexpected identity: %+v", got)
	}
	if got.EmailVerifiedAt != nil {
		t.Fatal("expected unverified email")
	}
}

func TestGetIdentityNotFound(t *testing.T) {
	store := openTempStore(t)

	_, err := store.GetIdentity(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetIdentityByEmailIsCaseInsensitive(t *testing.T) {
	store := openTempStore(t)
	putTestIdentity(t, store, "identity-1", "member@example.com")

	got, err := store.GetIdentityByEmail(context.Background(), "MEMBER@Example.COM")
	if err != nil {
		t.Fatalf("get identity by email: %v", err)
	}
	if got.ID != "identity-1" {
		t.Fatalf("unexpected identity: %+v", got)
	}
}

func TestPutIdentityRejectsDuplicateEmailCaseInsensitive(t *testing.T) {
	store := openTempStore(t)
	putTestIdentity(t, store, "identity-1", "member@example.com")

	created := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	err := store.PutIdentity(context.Background(), identity.Identity{
		ID:        "identity-2",
		Email:     "Member@Example.com",
		Active:    true,
		CreatedAt: created,
		UpdatedAt: created,
	})
	if err == nil {
		t.Fatal("expected unique email violation")
	}
}

func TestMarkEmailVerifiedKeepsEarliestTimestamp(t *testing.T) {
	store := openTempStore(t)
	putTestIdentity(t, store, "identity-1", "member@example.com")

	first := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if err := store.MarkEmailVerified(context.Background(), "identity-1", first); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	second := first.Add(time.Hour)
	if err := store.MarkEmailVerified(context.Background(), "identity-1", second); err != nil {
		t.Fatalf("mark verified again: %v", err)
	}

	got, err := store.GetIdentity(context.Background(), "identity-1")
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if got.EmailVerifiedAt == nil || !got.EmailVerifiedAt.Equal(first) {
		t.Fatalf("expected first verification timestamp, got %v", got.EmailVerifiedAt)
	}
}

func TestMarkEmailVerifiedNotFound(t *testing.T) {
	store := openTempStore(t)

	err := store.MarkEmailVerified(context.Background(), "missing", time.Now())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeactivateIdentity(t *testing.T) {
	store := openTempStore(t)
	putTestIdentity(t, store, "identity-1", "member@example.com")

	at := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	if err := store.DeactivateIdentity(context.Background(), "identity-1", at); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	got, err := store.GetIdentity(context.Background(), "identity-1")
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if got.Active {
		t.Fatal("expected inactive identity")
	}
}
