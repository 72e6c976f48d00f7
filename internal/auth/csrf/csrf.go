// Package csrf implements the double-submit cookie defense for state-changing
// requests.
//
// Safe requests receive a random token as both a script-readable cookie and
// an echoed response header. Unsafe requests must resubmit the token in the
// request header; the pair is compared in constant time. A mismatch rejects
// without disclosing which side was wrong.
package csrf

import (
	"net/http"

	"github.com/caarlos0/env/v11"
	"github.com/liftlogapp/liftlog/internal/auth/audit"
	"github.com/liftlogapp/liftlog/internal/auth/ratelimit"
	"github.com/liftlogapp/liftlog/internal/auth/token"
	apperrors "github.com/liftlogapp/liftlog/internal/platform/errors"
)

const (
	// CookieName holds the double-submit token. The cookie is deliberately
	// not HttpOnly so the frontend can read it back into the header.
	CookieName = "liftlog_csrf"
	// HeaderName is where unsafe requests must resubmit the token.
	HeaderName = "X-CSRF-Token"
)

// ErrRejected reports a failed double-submit check.
var ErrRejected = apperrors.New(apperrors.CodeCsrfRejected, "request could not be validated")

// Config controls the guard's exemptions and cookie security.
type Config struct {
	// ExemptPaths lists exact routes that skip validation, such as the first
	// unauthenticated request of a flow where no cookie can exist yet.
	// Exemptions are enumerated, never inferred.
	ExemptPaths  []string `env:"LIFTLOG_CSRF_EXEMPT_PATHS" envSeparator:","`
	SecureCookie bool     `env:"LIFTLOG_CSRF_SECURE_COOKIE" envDefault:"true"`
}

// LoadConfigFromEnv loads CSRF configuration.
func LoadConfigFromEnv() Config {
	var cfg Config
	_ = env.Parse(&cfg)
	return cfg
}

// Guard validates unsafe requests and issues tokens on safe ones.
type Guard struct {
	cfg      Config
	recorder *audit.Recorder
	exempt   map[string]bool
}

// NewGuard returns a Guard. Extra exempt paths are merged with the configured
// ones.
func NewGuard(cfg Config, recorder *audit.Recorder, extraExempt ...string) *Guard {
	exempt := make(map[string]bool, len(cfg.ExemptPaths)+len(extraExempt))
	for _, path := range cfg.ExemptPaths {
		if path != "" {
			exempt[path] = true
		}
	}
	for _, path := range extraExempt {
		if path != "" {
			exempt[path] = true
		}
	}
	return &Guard{cfg: cfg, recorder: recorder, exempt: exempt}
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// issue sets a fresh token cookie and echoes it in the response header. The
// existing cookie value is reused when present so open tabs stay valid.
func (g *Guard) issue(w http.ResponseWriter, r *http.Request) {
	value := ""
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		value = cookie.Value
	} else {
		secret, err := token.NewSecret()
		if err != nil {
			return
		}
		value = secret
		http.SetCookie(w, &http.Cookie{
			Name:     CookieName,
			Value:    value,
			Path:     "/",
			Secure:   g.cfg.SecureCookie,
			SameSite: http.SameSiteLaxMode,
		})
	}
	w.Header().Set(HeaderName, value)
}

// Validate checks an unsafe request's cookie/header pair. Exempt paths pass.
func (g *Guard) Validate(r *http.Request) error {
	if g == nil {
		return ErrRejected
	}
	if safeMethod(r.Method) || g.exempt[r.URL.Path] {
		return nil
	}
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return ErrRejected
	}
	header := r.Header.Get(HeaderName)
	if header == "" || !token.Equal(cookie.Value, header) {
		return ErrRejected
	}
	return nil
}

// Middleware applies the guard: safe requests get a token issued, unsafe
// requests are validated before the wrapped handler runs.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if safeMethod(r.Method) {
			g.issue(w, r)
			next.ServeHTTP(w, r)
			return
		}
		if err := g.Validate(r); err != nil {
			g.recorder.Record(r.Context(), audit.EventCsrfRejected, "", audit.RequestInfo{
				ClientIP:  ratelimit.ClientKey(r),
				UserAgent: r.UserAgent(),
			}, map[string]any{"path": r.URL.Path})
			http.Error(w, "request could not be validated", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
