package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/liftlogapp/liftlog/internal/auth/storage"
)

func putTestCredential(t *testing.T, store *Store, credentialID, identityID string) storage.PasskeyCredential {
	t.Helper()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	credential := storage.PasskeyCredential{
		CredentialID:   credentialID,
		IdentityID:     identityID,
		CredentialJSON: `{"id":"` + credentialID + `"}`,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	if err := store.PutPasskeyCredential(context.Background(), credential); err != nil {
		t.Fatalf("put credential: %v", err)
	}
	return credential
}

func TestPutGetPasskeyCredentialRoundTrip(t *testing.T) {
	store := openTempStore(t)
	putTestIdentity(t, store, "identity-1", "member@example.com")
	input := putTestCredential(t, store, "cred-1", "identity-1")

	got, err := store.GetPasskeyCredential(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.IdentityID != input.IdentityID || got.CredentialJSON != input.CredentialJSON {
		t.Fatalf("unexpected credential: %+v", got)
	}
	if got.LastUsedAt != nil {
		t.Fatal("expected unused credential")
	}
}

func TestPutPasskeyCredentialUpsert(t *testing.T) {
	store := openTempStore(t)
	putTestIdentity(t, store, "identity-1", "member@example.com")
	input := putTestCredential(t, store, "cred-1", "identity-1")

	used := input.CreatedAt.Add(time.Hour)
	input.CredentialJSON = `{"id":"cred-1","signCount":3}`
	input.UpdatedAt = used
	input.LastUsedAt = &used
	if err := store.PutPasskeyCredential(context.Background(), input); err != nil {
		t.Fatalf("update credential: %v", err)
	}

	got, err := store.GetPasskeyCredential(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.CredentialJSON != input.CredentialJSON {
		t.Fatalf("unexpected credential json %q", got.CredentialJSON)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(used) {
		t.Fatalf("expected last used %v, got %v", used, got.LastUsedAt)
	}

	list, err := store.ListPasskeyCredentials(context.Background(), "identity-1")
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected single credential after upsert, got %d", len(list))
	}
}

func TestListPasskeyCredentialsByIdentity(t *testing.T) {
	store := openTempStore(t)
	putTestIdentity(t, store, "identity-1", "member@example.com")
	putTestIdentity(t, store, "identity-2", "other@example.com")
	putTestCredential(t, store, "cred-1", "identity-1")
	putTestCredential(t, store, "cred-2", "identity-1")
	putTestCredential(t, store, "cred-3", "identity-2")

	list, err := store.ListPasskeyCredentials(context.Background(), "identity-1")
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(list))
	}
}

func TestDeletePasskeyCredential(t *testing.T) {
	store := openTempStore(t)
	putTestIdentity(t, store, "identity-1", "member@example.com")
	putTestCredential(t, store, "cred-1", "identity-1")

	if err := store.DeletePasskeyCredential(context.Background(), "cred-1"); err != nil {
		t.Fatalf("delete credential: %v", err)
	}
	if _, err := store.GetPasskeyCredential(context.Background(), "cred-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.DeletePasskeyCredential(context.Background(), "cred-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on double delete, got %v", err)
	}
}
