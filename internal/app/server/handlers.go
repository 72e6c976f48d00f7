package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/liftlogapp/liftlog/internal/auth/ratelimit"
	"github.com/liftlogapp/liftlog/internal/auth/service"
	sessionpkg "github.com/liftlogapp/liftlog/internal/auth/session"
	"github.com/liftlogapp/liftlog/internal/auth/storage"
	apperrors "github.com/liftlogapp/liftlog/internal/platform/errors"
	"github.com/liftlogapp/liftlog/internal/platform/requestctx"
)

// SessionCookieName carries the plaintext session credential. The value is
// the opaque token itself, never its hash.
const SessionCookieName = "liftlog_session"

const maxBodyBytes = 1 << 20

// API exposes the auth flows over HTTP.
type API struct {
	svc           *service.Service
	secureCookies bool
	sessionTTL    time.Duration
}

// NewAPI returns the HTTP surface for the auth service.
func NewAPI(svc *service.Service, secureCookies bool, sessionTTL time.Duration) *API {
	return &API{svc: svc, secureCookies: secureCookies, sessionTTL: sessionTTL}
}

// Register adds all auth routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /auth/magic-link", a.handleStartMagicLink)
	mux.HandleFunc("GET /auth/magic-link/verify", a.handleVerifyMagicLink)
	mux.HandleFunc("POST /auth/webauthn/login/start", a.handleStartWebAuthnLogin)
	mux.HandleFunc("POST /auth/webauthn/login/finish", a.handleFinishWebAuthnLogin)
	mux.Handle("POST /auth/webauthn/register/start", a.requireSession(a.handleStartWebAuthnRegistration))
	mux.Handle("POST /auth/webauthn/register/finish", a.requireSession(a.handleFinishWebAuthnRegistration))
	mux.Handle("POST /auth/passkeys/remove", a.requireSession(a.handleRemovePasskey))
	mux.Handle("GET /auth/me", a.requireSession(a.handleMe))
	mux.Handle("GET /auth/sessions", a.requireSession(a.handleListSessions))
	mux.Handle("POST /auth/sessions/revoke", a.requireSession(a.handleRevokeSession))
	mux.Handle("POST /auth/sessions/revoke-others", a.requireSession(a.handleRevokeOtherSessions))
	mux.Handle("POST /auth/logout", a.requireSession(a.handleLogout))
}

// CsrfExemptPaths lists the routes a first-time client hits before it can
// hold a CSRF cookie.
func CsrfExemptPaths() []string {
	return []string{
		"/auth/magic-link",
		"/auth/webauthn/login/start",
		"/auth/webauthn/login/finish",
	}
}

// RateLimitRules tightens the window on the credential endpoints.
func RateLimitRules() []ratelimit.Rule {
	return []ratelimit.Rule{
		{Pattern: "/auth/magic-link", Limit: 5, Window: 15 * time.Minute},
		{Pattern: "/auth/magic-link/verify", Limit: 10, Window: 15 * time.Minute},
		{Pattern: "/auth/webauthn/login/finish", Limit: 10, Window: 15 * time.Minute},
	}
}

func requestInfo(r *http.Request) service.RequestInfo {
	return service.RequestInfo{
		ClientIP:  ratelimit.ClientKey(r),
		UserAgent: r.UserAgent(),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("http: encode response: %v", err)
	}
}

// writeError maps the error taxonomy onto status codes without leaking which
// internal check failed.
func writeError(w http.ResponseWriter, err error) {
	switch apperrors.GetCode(err) {
	case apperrors.CodeUnauthenticated, apperrors.CodeInvalidCredential:
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired credential"})
	case apperrors.CodeNotFound:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case apperrors.CodeConflict:
		writeJSON(w, http.StatusConflict, map[string]string{"error": "conflict"})
	case apperrors.CodeCsrfRejected:
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "request could not be validated"})
	default:
		log.Printf("http: internal error: %v", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired credential"})
	}
}

func (a *API) setSessionCookie(w http.ResponseWriter, plaintext string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    plaintext,
		Path:     "/",
		MaxAge:   int(a.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// sessionCredential reads the opaque token from the cookie or, for non-browser
// clients, the Authorization header.
func sessionCredential(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// requireSession authenticates the request and threads identity and session
// through the context. A rotation refreshes the cookie transparently.
func (a *API) requireSession(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authed, err := a.svc.Authenticate(r.Context(), sessionCredential(r), requestInfo(r))
		if err != nil {
			if errors.Is(err, sessionpkg.ErrInvalid) {
				a.clearSessionCookie(w)
			}
			writeError(w, err)
			return
		}
		if authed.RefreshedCredential != "" {
			a.setSessionCookie(w, authed.RefreshedCredential)
		}
		ctx := requestctx.WithIdentityID(r.Context(), authed.Identity.ID)
		ctx = requestctx.WithSessionID(ctx, authed.Session.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(target); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return false
	}
	return true
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleStartMagicLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.svc.StartMagicLink(r.Context(), req.Email, requestInfo(r)); err != nil {
		if apperrors.GetCode(err) == apperrors.CodeIdentityInvalidEmail || apperrors.GetCode(err) == apperrors.CodeIdentityEmptyEmail {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "a valid email address is required"})
			return
		}
		// Infrastructure failures stay indistinguishable from success so the
		// response never doubles as an account oracle.
		log.Printf("http: start magic link: %v", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "if the address exists, a link is on its way"})
}

// writeOutcome finishes a verification response: success sets the session
// cookie, locked carries a retry hint, anything else is the one generic
// rejection.
func (a *API) writeOutcome(w http.ResponseWriter, outcome service.AuthOutcome) {
	switch outcome.Kind {
	case service.OutcomeSuccess:
		a.setSessionCookie(w, outcome.Plaintext)
		writeJSON(w, http.StatusOK, map[string]any{
			"identity_id": outcome.Identity.ID,
			"email":       outcome.Identity.Email,
			"session_id":  outcome.Session.ID,
		})
	case service.OutcomeLocked:
		seconds := int(outcome.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               "account temporarily locked",
			"retry_after_seconds": seconds,
		})
	default:
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired credential"})
	}
}

func (a *API) handleVerifyMagicLink(w http.ResponseWriter, r *http.Request) {
	outcome, err := a.svc.VerifyMagicLink(r.Context(), r.URL.Query().Get("token"), requestInfo(r))
	if err != nil {
		writeError(w, err)
		return
	}
	a.writeOutcome(w, outcome)
}

func (a *API) handleStartWebAuthnLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	handle, options, err := a.svc.StartWebAuthnLogin(r.Context(), req.Email, requestInfo(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"handle":  handle,
		"options": options,
	})
}

func (a *API) handleFinishWebAuthnLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email      string          `json:"email"`
		Handle     string          `json:"handle"`
		Credential json.RawMessage `json:"credential"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	parsed, err := parseAssertion(req.Credential)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired credential"})
		return
	}
	outcome, err := a.svc.FinishWebAuthnLogin(r.Context(), req.Email, req.Handle, parsed, requestInfo(r))
	if err != nil {
		writeError(w, err)
		return
	}
	a.writeOutcome(w, outcome)
}

func (a *API) handleStartWebAuthnRegistration(w http.ResponseWriter, r *http.Request) {
	identityID := requestctx.IdentityIDFromContext(r.Context())
	handle, options, err := a.svc.StartWebAuthnRegistration(r.Context(), identityID, requestInfo(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"handle":  handle,
		"options": options,
	})
}

func (a *API) handleFinishWebAuthnRegistration(w http.ResponseWriter, r *http.Request) {
	identityID := requestctx.IdentityIDFromContext(r.Context())
	sessionID := requestctx.SessionIDFromContext(r.Context())

	var req struct {
		Handle     string          `json:"handle"`
		Credential json.RawMessage `json:"credential"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	parsed, err := parseCreation(req.Credential)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired credential"})
		return
	}

	current, err := a.currentSession(r, identityID, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	rotation, err := a.svc.FinishWebAuthnRegistration(r.Context(), identityID, req.Handle, parsed, current, requestInfo(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if rotation.Rotated {
		a.setSessionCookie(w, rotation.Plaintext)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

// currentSession rebuilds the caller's session record for privilege
// rotation.
func (a *API) currentSession(r *http.Request, identityID, sessionID string) (storage.Session, error) {
	sessions, err := a.svc.ListSessions(r.Context(), identityID)
	if err != nil {
		return storage.Session{}, err
	}
	for _, s := range sessions {
		if s.ID == sessionID {
			return s, nil
		}
	}
	return storage.Session{}, storage.ErrNotFound
}

func (a *API) handleRemovePasskey(w http.ResponseWriter, r *http.Request) {
	identityID := requestctx.IdentityIDFromContext(r.Context())
	var req struct {
		CredentialID string `json:"credential_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.svc.RemovePasskey(r.Context(), identityID, req.CredentialID, requestInfo(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	identityID := requestctx.IdentityIDFromContext(r.Context())
	sessionID := requestctx.SessionIDFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"identity_id": identityID,
		"session_id":  sessionID,
	})
}

type sessionView struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	ClientIP  string    `json:"client_ip"`
	UserAgent string    `json:"user_agent"`
	Current   bool      `json:"current"`
	Active    bool      `json:"active"`
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	identityID := requestctx.IdentityIDFromContext(r.Context())
	sessionID := requestctx.SessionIDFromContext(r.Context())

	sessions, err := a.svc.ListSessions(r.Context(), identityID)
	if err != nil {
		writeError(w, err)
		return
	}
	now := time.Now().UTC()
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			ID:        s.ID,
			CreatedAt: s.CreatedAt,
			ExpiresAt: s.ExpiresAt,
			ClientIP:  s.ClientIP,
			UserAgent: s.UserAgent,
			Current:   s.ID == sessionID,
			Active:    s.ValidAt(now),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	identityID := requestctx.IdentityIDFromContext(r.Context())
	sessionID := requestctx.SessionIDFromContext(r.Context())

	var req struct {
		SessionID string `json:"session_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.svc.RevokeSession(r.Context(), identityID, req.SessionID, sessionID, requestInfo(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (a *API) handleRevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	identityID := requestctx.IdentityIDFromContext(r.Context())
	sessionID := requestctx.SessionIDFromContext(r.Context())

	revoked, err := a.svc.RevokeOtherSessions(r.Context(), identityID, sessionID, requestInfo(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	identityID := requestctx.IdentityIDFromContext(r.Context())
	sessionID := requestctx.SessionIDFromContext(r.Context())

	if err := a.svc.Logout(r.Context(), identityID, sessionID, requestInfo(r)); err != nil {
		writeError(w, err)
		return
	}
	a.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed out"})
}

func parseCreation(raw json.RawMessage) (*protocol.ParsedCredentialCreationData, error) {
	if len(raw) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return protocol.ParseCredentialCreationResponseBody(bytes.NewReader(raw))
}

func parseAssertion(raw json.RawMessage) (*protocol.ParsedCredentialAssertionData, error) {
	if len(raw) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return protocol.ParseCredentialRequestResponseBody(bytes.NewReader(raw))
}
