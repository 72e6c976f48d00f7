package challenge

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/liftlogapp/liftlog/internal/auth/kv"
)

func newTestManager(t *testing.T) (*Manager, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore()
	manager := NewManager(store, Config{
		RegistrationTTL:   30 * time.Second,
		AuthenticationTTL: 60 * time.Second,
	})
	return manager, store
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	cfg := LoadConfigFromEnv()
	if cfg.RegistrationTTL != 30*time.Second {
		t.Fatalf("registration ttl = %v, want 30s", cfg.RegistrationTTL)
	}
	if cfg.AuthenticationTTL != 60*time.Second {
		t.Fatalf("authentication ttl = %v, want 60s", cfg.AuthenticationTTL)
	}
}

func TestIssueConsumeRoundTrip(t *testing.T) {
	manager, _ := newTestManager(t)
	payload := []byte(`{"challenge":"abc"}`)

	handle, err := manager.Issue(context.Background(), "identity-1", KindRegistration, payload)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if handle == "" {
		t.Fatal("expected non-empty handle")
	}

	got, err := manager.Consume(context.Background(), handle, "identity-1", KindRegistration)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestConsumeTwiceFailsSecondTime(t *testing.T) {
	manager, _ := newTestManager(t)

	handle, err := manager.Issue(context.Background(), "identity-1", KindAuthentication, []byte("p"))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := manager.Consume(context.Background(), handle, "identity-1", KindAuthentication); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, err := manager.Consume(context.Background(), handle, "identity-1", KindAuthentication); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid on replay, got %v", err)
	}
}

func TestConsumeConcurrentSingleWinner(t *testing.T) {
	manager, _ := newTestManager(t)

	handle, err := manager.Issue(context.Background(), "identity-1", KindAuthentication, []byte("p"))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	var successes int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.Consume(context.Background(), handle, "identity-1", KindAuthentication)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful consume, got %d", successes)
	}
}

func TestConsumeIdentityMismatch(t *testing.T) {
	manager, _ := newTestManager(t)

	handle, err := manager.Issue(context.Background(), "identity-1", KindRegistration, []byte("p"))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := manager.Consume(context.Background(), handle, "identity-2", KindRegistration); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid for identity mismatch, got %v", err)
	}
	// Mismatch still burns the challenge.
	if _, err := manager.Consume(context.Background(), handle, "identity-1", KindRegistration); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected burned challenge, got %v", err)
	}
}

func TestConsumeKindMismatch(t *testing.T) {
	manager, _ := newTestManager(t)

	handle, err := manager.Issue(context.Background(), "identity-1", KindRegistration, []byte("p"))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := manager.Consume(context.Background(), handle, "identity-1", KindAuthentication); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid for kind mismatch, got %v", err)
	}
}

func TestConsumeExpired(t *testing.T) {
	manager, store := newTestManager(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	handle, err := manager.Issue(context.Background(), "identity-1", KindRegistration, []byte("p"))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	now = now.Add(31 * time.Second)
	store.SetClock(func() time.Time { return now })

	if _, err := manager.Consume(context.Background(), handle, "identity-1", KindRegistration); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid after ttl, got %v", err)
	}
}

func TestIssueValidatesInput(t *testing.T) {
	manager, _ := newTestManager(t)

	if _, err := manager.Issue(context.Background(), "", KindRegistration, []byte("p")); err == nil {
		t.Fatal("expected error for empty identity")
	}
	if _, err := manager.Issue(context.Background(), "identity-1", Kind("other"), []byte("p")); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, err := manager.Issue(context.Background(), "identity-1", KindRegistration, nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestNewChallengeBytes(t *testing.T) {
	a, err := NewChallengeBytes()
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("length = %d, want 32", len(a))
	}
	b, err := NewChallengeBytes()
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("challenges must not repeat")
	}
}
