package agentauth

import (
	"os"
	"time"
)

// Config controls agent token issuing and verification.
type Config struct {
	// Issuer is the "iss" claim set on issue and required on verify.
	Issuer string

	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration

	// ClockSkew is tolerated during verification.
	ClockSkew time.Duration

	// SecretKeyHex signs tokens. Only the issuer needs it.
	SecretKeyHex string

	// PublicKeyHex verifies tokens. Derived from SecretKeyHex when empty.
	PublicKeyHex string
}

// DefaultConfig returns development defaults without keys.
func DefaultConfig() Config {
	return Config{
		Issuer:    "leazr",
		TokenTTL:  12 * time.Hour,
		ClockSkew: 30 * time.Second,
	}
}

// Enabled reports whether any key is configured.
func (c Config) Enabled() bool {
	return c.SecretKeyHex != "" || c.PublicKeyHex != ""
}

// LoadConfigFromEnv reads:
//   - LIVECHAT_AGENT_ISSUER
//   - LIVECHAT_AGENT_TOKEN_TTL
//   - LIVECHAT_AGENT_CLOCK_SKEW
//   - LIVECHAT_AGENT_SECRET_KEY_HEX
//   - LIVECHAT_AGENT_PUBLIC_KEY_HEX
//
// Keys are optional here; NewVerifier and NewSigner reject a config without them.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("LIVECHAT_AGENT_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("LIVECHAT_AGENT_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.TokenTTL = d
	}

	if v := os.Getenv("LIVECHAT_AGENT_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.SecretKeyHex = os.Getenv("LIVECHAT_AGENT_SECRET_KEY_HEX")
	cfg.PublicKeyHex = os.Getenv("LIVECHAT_AGENT_PUBLIC_KEY_HEX")

	return cfg, nil
}
