// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; used with JWT_PUBLIC_KEY for RS256/ES256.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file. Derived from the private key when empty.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim (e.g. "cassette-auth").
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim (e.g. "cassette-api"). Temporary 2FA tokens use JWTAudience + ":2fa".
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "168h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// TwoFactorTempTTL is the lifetime of the temporary token issued while the second factor is pending.
	TwoFactorTempTTL string `mapstructure:"TWO_FACTOR_TEMP_TTL"`
	// RefreshTokenRetention is the number of non-revoked refresh tokens kept per identity; default 4.
	RefreshTokenRetention int `mapstructure:"REFRESH_TOKEN_RETENTION"`
	// RefreshRotation when true makes refresh mint a new refresh token and revoke the presented one.
	RefreshRotation bool `mapstructure:"REFRESH_ROTATION"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// TOTPIssuer is the issuer shown in authenticator apps.
	TOTPIssuer string `mapstructure:"TOTP_ISSUER"`
	// BackupCodeCount is the number of backup codes generated on verify-setup; default 10.
	BackupCodeCount int `mapstructure:"BACKUP_CODE_COUNT"`

	// RedisAddr enables the Redis TOTP replay guard when set (e.g. localhost:6379). Empty uses an in-process guard.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// RefreshCookieName is the HttpOnly cookie carrying the refresh token.
	RefreshCookieName string `mapstructure:"REFRESH_COOKIE_NAME"`
	// CookieSecure sets the Secure attribute on the refresh cookie.
	CookieSecure bool `mapstructure:"COOKIE_SECURE"`

	// AuthzPolicyFile is a Rego policy file for admin authorization. Empty uses the built-in policy.
	AuthzPolicyFile string `mapstructure:"AUTHZ_POLICY_FILE"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the zap level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// OTLPEndpoint is the OTLP/gRPC collector endpoint. Empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext connection to an https endpoint.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is the service.name resource attribute.
	ServiceName string `mapstructure:"SERVICE_NAME"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "cassette-auth")
	v.SetDefault("JWT_AUDIENCE", "cassette-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("TWO_FACTOR_TEMP_TTL", "5m")
	v.SetDefault("REFRESH_TOKEN_RETENTION", 4)
	v.SetDefault("REFRESH_ROTATION", false)
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("TOTP_ISSUER", "Cassette Repair Tracker")
	v.SetDefault("BACKUP_CODE_COUNT", 10)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REFRESH_COOKIE_NAME", "refresh_token")
	v.SetDefault("COOKIE_SECURE", true)
	v.SetDefault("AUTHZ_POLICY_FILE", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("SERVICE_NAME", "cassette-auth")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.JWTIssuer == "" || cfg.JWTAudience == "" {
		return nil, errors.New("config: JWT_ISSUER and JWT_AUDIENCE must be set")
	}
	if cfg.IsProduction() && cfg.JWTPrivateKey == "" {
		return nil, errors.New("config: JWT_PRIVATE_KEY must be set when APP_ENV=production")
	}
	if cfg.IsProduction() && !cfg.CookieSecure {
		return nil, errors.New("config: COOKIE_SECURE must not be false when APP_ENV=production")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if cfg.RefreshTokenRetention < 1 {
		return nil, errors.New("config: REFRESH_TOKEN_RETENTION must be at least 1")
	}
	if cfg.BackupCodeCount < 1 || cfg.BackupCodeCount > 50 {
		return nil, errors.New("config: BACKUP_CODE_COUNT must be between 1 and 50")
	}
	if cfg.RefreshCookieName == "" {
		cfg.RefreshCookieName = "refresh_token"
	}

	return &cfg, nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseTTL(c.JWTAccessTTL, 15*time.Minute)
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return parseTTL(c.JWTRefreshTTL, 168*time.Hour)
}

// TwoFactorTTL parses TwoFactorTempTTL as a time.Duration. Returns 5m if unset or invalid.
func (c *Config) TwoFactorTTL() time.Duration {
	return parseTTL(c.TwoFactorTempTTL, 5*time.Minute)
}

func parseTTL(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
