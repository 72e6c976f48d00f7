package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/liftlogapp/liftlog/internal/auth/audit"
	"github.com/liftlogapp/liftlog/internal/auth/challenge"
	"github.com/liftlogapp/liftlog/internal/auth/csrf"
	"github.com/liftlogapp/liftlog/internal/auth/email"
	"github.com/liftlogapp/liftlog/internal/auth/kv"
	"github.com/liftlogapp/liftlog/internal/auth/lockout"
	"github.com/liftlogapp/liftlog/internal/auth/magiclink"
	"github.com/liftlogapp/liftlog/internal/auth/passkey"
	"github.com/liftlogapp/liftlog/internal/auth/ratelimit"
	"github.com/liftlogapp/liftlog/internal/auth/service"
	"github.com/liftlogapp/liftlog/internal/auth/session"
	"github.com/liftlogapp/liftlog/internal/auth/storage/sqlite"
)

type captureSender struct {
	mu       sync.Mutex
	messages []email.Message
}

func (c *captureSender) Send(ctx context.Context, msg email.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *captureSender) last(t *testing.T) email.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		t.Fatal("expected an email to be sent")
	}
	return c.messages[len(c.messages)-1]
}

// lastLinkToken pulls the single-use token out of the most recent email.
func (c *captureSender) lastLinkToken(t *testing.T) string {
	t.Helper()
	body := c.last(t).Body
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "http") {
			continue
		}
		parsed, err := url.Parse(line)
		if err != nil {
			t.Fatalf("parse link %q: %v", line, err)
		}
		if token := parsed.Query().Get("token"); token != "" {
			return token
		}
	}
	t.Fatalf("no sign-in link in email body:\n%s", body)
	return ""
}

type testServer struct {
	server *httptest.Server
	client *http.Client
	sender *captureSender
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ephemeral := kv.NewMemoryStore()
	recorder := audit.NewRecorder(store)
	sessions := session.NewManager(store, session.Config{TTL: 30 * 24 * time.Hour, RotateAfter: 7 * 24 * time.Hour})
	lockouts := lockout.NewTracker(ephemeral, lockout.Config{Threshold: 5, FailureTTL: time.Hour, LockDuration: 15 * time.Minute})
	challenges := challenge.NewManager(ephemeral, challenge.Config{RegistrationTTL: 30 * time.Second, AuthenticationTTL: 60 * time.Second})

	verifier, err := passkey.NewProvider(passkey.Config{
		RPDisplayName: "LiftLog",
		RPID:          "localhost",
		RPOrigins:     []string{"http://localhost:8080"},
	})
	if err != nil {
		t.Fatalf("build webauthn provider: %v", err)
	}

	sender := &captureSender{}
	svc, err := service.New(service.Config{
		Identities: store,
		Tokens:     store,
		Passkeys:   store,
		Sessions:   sessions,
		Challenges: challenges,
		Lockouts:   lockouts,
		Recorder:   recorder,
		Sender:     sender,
		Verifier:   verifier,
		MagicLink:  magiclink.Config{BaseURL: "http://localhost:8080/auth/magic-link/verify", TTL: 15 * time.Minute},
	})
	if err != nil {
		t.Fatalf("build service: %v", err)
	}

	api := NewAPI(svc, false, 30*24*time.Hour)
	mux := http.NewServeMux()
	api.Register(mux)

	guard := csrf.NewGuard(csrf.Config{SecureCookie: false}, recorder, CsrfExemptPaths()...)
	limiter := ratelimit.NewLimiter(ephemeral, ratelimit.Config{Limit: 60, Window: time.Minute}, RateLimitRules()...)
	handler := ratelimit.Middleware(limiter, recorder, guard.Middleware(mux))

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &testServer{
		server: server,
		client: &http.Client{Jar: jar},
		sender: sender,
	}
}

// newSecondClient opens an independent cookie jar against the same server,
// simulating another browser.
func newSecondClient(t *testing.T, ts *testServer) *testServer {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &testServer{
		server: ts.server,
		client: &http.Client{Jar: jar},
		sender: ts.sender,
	}
}

func (ts *testServer) csrfToken(t *testing.T) string {
	t.Helper()
	resp, err := ts.client.Get(ts.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("fetch csrf cookie: %v", err)
	}
	resp.Body.Close()
	serverURL, _ := url.Parse(ts.server.URL)
	for _, cookie := range ts.client.Jar.Cookies(serverURL) {
		if cookie.Name == csrf.CookieName {
			return cookie.Value
		}
	}
	t.Fatal("csrf cookie was not issued")
	return ""
}

func (ts *testServer) post(t *testing.T, path string, payload any, withCsrf bool) *http.Response {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, ts.server.URL+path, &body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if withCsrf {
		req.Header.Set(csrf.HeaderName, ts.csrfToken(t))
	}
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := ts.client.Get(ts.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

// signIn drives the magic-link flow end to end and leaves the session cookie
// in the client jar.
func (ts *testServer) signIn(t *testing.T, address string) map[string]any {
	t.Helper()
	resp := ts.post(t, "/auth/magic-link", map[string]string{"email": address}, false)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start magic link status = %d, want 202", resp.StatusCode)
	}
	token := ts.sender.lastLinkToken(t)
	verify := ts.get(t, "/auth/magic-link/verify?token="+url.QueryEscape(token))
	if verify.StatusCode != http.StatusOK {
		verify.Body.Close()
		t.Fatalf("verify status = %d, want 200", verify.StatusCode)
	}
	return decodeResponse(t, verify)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.get(t, "/healthz")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMagicLinkFlow(t *testing.T) {
	ts := newTestServer(t)

	payload := ts.signIn(t, "lifter@example.com")
	if payload["email"] != "lifter@example.com" {
		t.Fatalf("email = %v, want lifter@example.com", payload["email"])
	}
	if payload["identity_id"] == "" || payload["session_id"] == "" {
		t.Fatalf("missing identity or session in response: %v", payload)
	}

	serverURL, _ := url.Parse(ts.server.URL)
	var sessionCookie *http.Cookie
	for _, cookie := range ts.client.Jar.Cookies(serverURL) {
		if cookie.Name == SessionCookieName {
			sessionCookie = cookie
		}
	}
	if sessionCookie == nil {
		t.Fatal("session cookie was not set")
	}

	me := decodeResponse(t, ts.get(t, "/auth/me"))
	if me["identity_id"] != payload["identity_id"] {
		t.Fatalf("me identity = %v, want %v", me["identity_id"], payload["identity_id"])
	}
}

func TestMagicLinkTokenIsSingleUse(t *testing.T) {
	ts := newTestServer(t)
	ts.signIn(t, "lifter@example.com")

	token := ts.sender.lastLinkToken(t)
	resp := ts.get(t, "/auth/magic-link/verify?token="+url.QueryEscape(token))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replayed token status = %d, want 401", resp.StatusCode)
	}
}

func TestMagicLinkRejectsMalformedEmail(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.post(t, "/auth/magic-link", map[string]string{"email": "not-an-email"}, false)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestVerifyRejectsGarbageToken(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.get(t, "/auth/magic-link/verify?token=garbage")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.get(t, "/auth/me")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUnsafeRequestsRequireCsrfToken(t *testing.T) {
	ts := newTestServer(t)
	ts.signIn(t, "lifter@example.com")

	resp := ts.post(t, "/auth/logout", nil, false)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status without csrf header = %d, want 403", resp.StatusCode)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	ts := newTestServer(t)
	ts.signIn(t, "lifter@example.com")

	resp := ts.post(t, "/auth/logout", nil, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d, want 200", resp.StatusCode)
	}

	me := ts.get(t, "/auth/me")
	defer me.Body.Close()
	if me.StatusCode != http.StatusUnauthorized {
		t.Fatalf("me after logout status = %d, want 401", me.StatusCode)
	}
}

func TestListSessionsMarksCurrent(t *testing.T) {
	ts := newTestServer(t)
	ts.signIn(t, "lifter@example.com")

	payload := decodeResponse(t, ts.get(t, "/auth/sessions"))
	sessions, ok := payload["sessions"].([]any)
	if !ok || len(sessions) != 1 {
		t.Fatalf("sessions = %v, want one entry", payload["sessions"])
	}
	entry := sessions[0].(map[string]any)
	if entry["current"] != true {
		t.Fatalf("current = %v, want true", entry["current"])
	}
	if entry["active"] != true {
		t.Fatalf("active = %v, want true", entry["active"])
	}
}

func TestRevokeCurrentSessionConflicts(t *testing.T) {
	ts := newTestServer(t)
	payload := ts.signIn(t, "lifter@example.com")

	resp := ts.post(t, "/auth/sessions/revoke", map[string]string{"session_id": payload["session_id"].(string)}, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestRevokeOtherSessions(t *testing.T) {
	ts := newTestServer(t)
	ts.signIn(t, "lifter@example.com")

	// A second browser signs in to the same account.
	other := newSecondClient(t, ts)
	other.signIn(t, "lifter@example.com")

	resp := ts.post(t, "/auth/sessions/revoke-others", nil, true)
	payload := decodeResponse(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if payload["revoked"].(float64) != 1 {
		t.Fatalf("revoked = %v, want 1", payload["revoked"])
	}

	me := other.get(t, "/auth/me")
	defer me.Body.Close()
	if me.StatusCode != http.StatusUnauthorized {
		t.Fatalf("other session status = %d, want 401", me.StatusCode)
	}
}

func TestMagicLinkRequestsAreRateLimited(t *testing.T) {
	ts := newTestServer(t)

	var lastStatus int
	for i := 0; i < 6; i++ {
		resp := ts.post(t, "/auth/magic-link", map[string]string{"email": fmt.Sprintf("lifter%d@example.com", i)}, false)
		lastStatus = resp.StatusCode
		resp.Body.Close()
	}
	if lastStatus != http.StatusTooManyRequests {
		t.Fatalf("sixth request status = %d, want 429", lastStatus)
	}
}

func TestWebAuthnLoginStartHidesUnknownAccounts(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.post(t, "/auth/webauthn/login/start", map[string]string{"email": "ghost@example.com"}, false)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}
