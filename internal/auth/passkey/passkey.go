// Package passkey configures the WebAuthn relying party. The cryptographic
// ceremony verification is delegated entirely to the verifier library; the
// auth core only manages the protocol state around it.
package passkey

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/go-webauthn/webauthn/webauthn"
)

// Config controls WebAuthn relying party settings.
type Config struct {
	RPDisplayName string   `env:"LIFTLOG_WEBAUTHN_RP_DISPLAY_NAME" envDefault:"LiftLog"`
	RPID          string   `env:"LIFTLOG_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string `env:"LIFTLOG_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
}

// LoadConfigFromEnv returns relying party configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	_ = env.Parse(&cfg)
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = "LiftLog"
	}
	if cfg.RPID == "" {
		cfg.RPID = "localhost"
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8080"}
	}
	return cfg
}

// NewProvider builds the verifier for the configured relying party.
func NewProvider(cfg Config) (*webauthn.WebAuthn, error) {
	provider, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return provider, nil
}
