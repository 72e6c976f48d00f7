// Package magiclink configures the single-use email sign-in links.
package magiclink

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls link timing and the verification endpoint.
//
// These values are read at startup so operator-controlled defaults can be
// tuned without changing runtime code paths.
type Config struct {
	BaseURL string        `env:"LIFTLOG_MAGIC_LINK_BASE_URL" envDefault:"http://localhost:8080/auth/magic-link/verify"`
	TTL     time.Duration `env:"LIFTLOG_MAGIC_LINK_TTL"      envDefault:"15m"`
}

// LoadConfigFromEnv loads magic-link configuration and applies defensive defaults.
//
// Defaults are intentionally explicit because the links are security-sensitive
// and should remain predictable in local and CI environments.
func LoadConfigFromEnv() Config {
	var cfg Config
	_ = env.Parse(&cfg)
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080/auth/magic-link/verify"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	return cfg
}

// BuildURL returns the verification link carrying the plaintext secret. The
// secret rides in a query parameter; it is never logged and only its hash is
// stored.
func (c Config) BuildURL(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret is required")
	}
	parsed, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	query := parsed.Query()
	query.Set("token", secret)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
