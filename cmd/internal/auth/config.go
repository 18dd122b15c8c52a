package auth

import (
	"os"
	"strings"
	"time"
)

// Mode selects the access-token format accepted on the handshake.
type Mode string

const (
	ModePaseto Mode = "paseto"
	ModeJWT    Mode = "jwt"
)

// Config defines the runtime configuration of token verification.
type Config struct {
	Mode Mode

	// Issuer is the expected "iss" claim. Empty disables the check for JWT.
	Issuer string

	// ClockSkew is the tolerated clock difference during time validation.
	ClockSkew time.Duration

	// PasetoV4PublicKeyHex verifies v4.public tokens. When empty it is derived
	// from PasetoV4SecretKeyHex.
	PasetoV4PublicKeyHex string
	// PasetoV4SecretKeyHex is only needed to issue tokens (dev tooling).
	PasetoV4SecretKeyHex string

	// JWTSecret is the HS256 shared secret.
	JWTSecret string

	// AccessTokenTTL bounds tokens issued by the dev helpers.
	AccessTokenTTL time.Duration
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		Mode:           ModePaseto,
		Issuer:         "connectglobal",
		ClockSkew:      30 * time.Second,
		AccessTokenTTL: 15 * time.Minute,
	}
}

// LoadConfigFromEnv loads auth configuration from environment variables.
//
// Optional:
//   - CG_AUTH_MODE (paseto|jwt, default paseto)
//   - CG_AUTH_ISSUER
//   - CG_AUTH_CLOCK_SKEW
//   - CG_AUTH_ACCESS_TTL
//
// Required per mode:
//   - paseto: CG_PASETO_V4_PUBLIC_KEY_HEX or CG_PASETO_V4_SECRET_KEY_HEX
//   - jwt: CG_JWT_SECRET (at least 32 bytes)
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("CG_AUTH_MODE")); v != "" {
		cfg.Mode = Mode(strings.ToLower(v))
	}
	if v, ok := os.LookupEnv("CG_AUTH_ISSUER"); ok {
		cfg.Issuer = strings.TrimSpace(v)
	}

	if v := os.Getenv("CG_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	if v := os.Getenv("CG_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	cfg.PasetoV4PublicKeyHex = strings.TrimSpace(os.Getenv("CG_PASETO_V4_PUBLIC_KEY_HEX"))
	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("CG_PASETO_V4_SECRET_KEY_HEX"))
	cfg.JWTSecret = os.Getenv("CG_JWT_SECRET")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the per-mode invariants.
func (c Config) Validate() error {
	switch c.Mode {
	case ModePaseto:
		if c.PasetoV4PublicKeyHex == "" && c.PasetoV4SecretKeyHex == "" {
			return ErrConfig
		}
		if c.Issuer == "" {
			return ErrConfig
		}
	case ModeJWT:
		if len(c.JWTSecret) < 32 {
			return ErrConfig
		}
	default:
		return ErrConfig
	}
	return nil
}

// NewTokenParser builds the parser selected by cfg.Mode.
func NewTokenParser(cfg Config) (TokenParser, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == ModeJWT {
		return NewJWTParser(cfg)
	}
	return NewPasetoV4Parser(cfg)
}
