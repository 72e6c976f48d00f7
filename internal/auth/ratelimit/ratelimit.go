// Package ratelimit implements a sliding-window request limiter keyed by
// client identifier and route pattern.
//
// Counters live in the shared ephemeral store, never in process memory, so
// the limit holds across worker processes. The increment and the TTL read
// happen in one atomic store operation; two concurrent requests racing for
// the last slot cannot both be admitted.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/liftlogapp/liftlog/internal/auth/kv"
	apperrors "github.com/liftlogapp/liftlog/internal/platform/errors"
	"github.com/liftlogapp/liftlog/internal/platform/timeouts"
)

// Config controls the limiter's global policy.
type Config struct {
	Limit  int           `env:"LIFTLOG_RATE_LIMIT_LIMIT"  envDefault:"60"`
	Window time.Duration `env:"LIFTLOG_RATE_LIMIT_WINDOW" envDefault:"1m"`
	// FailClosed denies requests when the ephemeral store is unreachable.
	// The default favors availability; the degradation is logged either way.
	FailClosed  bool     `env:"LIFTLOG_RATE_LIMIT_FAIL_CLOSED" envDefault:"false"`
	ExemptPaths []string `env:"LIFTLOG_RATE_LIMIT_EXEMPT_PATHS" envSeparator:"," envDefault:"/healthz,/static/"`
}

// LoadConfigFromEnv loads limiter configuration and applies defensive defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	_ = env.Parse(&cfg)
	if cfg.Limit <= 0 {
		cfg.Limit = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if len(cfg.ExemptPaths) == 0 {
		cfg.ExemptPaths = []string{"/healthz", "/static/"}
	}
	return cfg
}

// Rule overrides the global limit for one route pattern.
type Rule struct {
	Pattern string
	Limit   int
	Window  time.Duration
}

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// ErrRateLimited reports a denied request.
var ErrRateLimited = apperrors.New(apperrors.CodeRateLimited, "too many requests")

// Limiter checks request counts against per-route sliding windows.
type Limiter struct {
	store kv.Store
	cfg   Config
	rules map[string]Rule
}

// NewLimiter returns a Limiter backed by store. Route-specific rules override
// the global limit; any other route falls back to cfg.Limit.
func NewLimiter(store kv.Store, cfg Config, rules ...Rule) *Limiter {
	byPattern := make(map[string]Rule, len(rules))
	for _, rule := range rules {
		if rule.Pattern == "" || rule.Limit <= 0 || rule.Window <= 0 {
			continue
		}
		byPattern[rule.Pattern] = rule
	}
	return &Limiter{store: store, cfg: cfg, rules: byPattern}
}

// Exempt reports whether path bypasses the limiter entirely. Entries ending
// in a slash match as prefixes; all others match exactly.
func (l *Limiter) Exempt(path string) bool {
	if l == nil {
		return false
	}
	for _, exempt := range l.cfg.ExemptPaths {
		if exempt == "" {
			continue
		}
		if strings.HasSuffix(exempt, "/") {
			if strings.HasPrefix(path, exempt) {
				return true
			}
			continue
		}
		if path == exempt {
			return true
		}
	}
	return false
}

// Check records one request for (clientKey, pattern) and decides whether to
// admit it. Store failures follow the configured availability policy.
func (l *Limiter) Check(ctx context.Context, clientKey, pattern string) (Decision, error) {
	if l == nil || l.store == nil {
		return Decision{}, fmt.Errorf("rate limiter is not configured")
	}
	if clientKey == "" {
		return Decision{}, fmt.Errorf("client key is required")
	}

	limit := int64(l.cfg.Limit)
	window := l.cfg.Window
	rulePattern := "global"
	if rule, ok := l.rules[pattern]; ok {
		limit = int64(rule.Limit)
		window = rule.Window
		rulePattern = rule.Pattern
	}

	opCtx, cancel := context.WithTimeout(ctx, timeouts.EphemeralStore)
	defer cancel()

	key := "ratelimit:" + rulePattern + ":" + clientKey
	count, expiresIn, err := l.store.IncrWithTTL(opCtx, key, window)
	if err != nil {
		log.Printf("ratelimit: store unavailable for %s: %v", rulePattern, err)
		if l.cfg.FailClosed {
			return Decision{Allowed: false, RetryAfter: window}, nil
		}
		return Decision{Allowed: true, Remaining: limit}, nil
	}

	if count > limit {
		retryAfter := expiresIn
		if retryAfter <= 0 {
			retryAfter = window
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}
	return Decision{Allowed: true, Remaining: limit - count}, nil
}

// ClientKey derives the limiter key for a request: the first hop of
// X-Forwarded-For when present, otherwise the connection's source IP.
func ClientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
