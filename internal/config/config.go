// Package config loads service configuration from the environment and an
// optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"nexa-erp.dev/internal/auth"
)

// Config holds application configuration.
type Config struct {
	Env      string `mapstructure:"APP_ENV"`
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr serves grpc.health.v1; empty disables it.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL empty means the in-memory store (refused in production).
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL set moves attempt-limiter state to Redis.
	RedisURL string `mapstructure:"REDIS_URL"`

	JWTSecret       string        `mapstructure:"JWT_SECRET"`
	JWTIssuer       string        `mapstructure:"JWT_ISSUER"`
	AccessTokenTTL  time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	MFAIssuer       string        `mapstructure:"MFA_ISSUER"`

	LoginMaxAttempts int           `mapstructure:"LOGIN_MAX_ATTEMPTS"`
	LoginLockout     time.Duration `mapstructure:"LOGIN_LOCKOUT"`

	PermissionCacheSize int `mapstructure:"PERMISSION_CACHE_SIZE"`

	CookieSecure bool   `mapstructure:"COOKIE_SECURE"`
	CookieDomain string `mapstructure:"COOKIE_DOMAIN"`

	RateLimitBurst int `mapstructure:"RATE_LIMIT_BURST"`
	RateLimitRPS   int `mapstructure:"RATE_LIMIT_RPS"`
	// AllowedOrigins is a comma-separated CORS allow list.
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads .env (if present), then the environment. Env vars win.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing .env is fine

	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_ISSUER", "nexa-erp")
	v.SetDefault("ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("REFRESH_TOKEN_TTL", "168h")
	v.SetDefault("MFA_ISSUER", "Nexa ERP")
	v.SetDefault("LOGIN_MAX_ATTEMPTS", 5)
	v.SetDefault("LOGIN_LOCKOUT", "15m")
	v.SetDefault("PERMISSION_CACHE_SIZE", 10000)
	v.SetDefault("COOKIE_SECURE", true)
	v.SetDefault("COOKIE_DOMAIN", "")
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces startup invariants. A short signing secret is fatal.
func (c *Config) Validate() error {
	if len(c.JWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("config: JWT_SECRET must be at least %d characters", auth.MinSecretLength)
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return errors.New("config: token TTLs must be positive")
	}
	if c.LoginMaxAttempts <= 0 || c.LoginLockout <= 0 {
		return errors.New("config: LOGIN_MAX_ATTEMPTS and LOGIN_LOCKOUT must be positive")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL must be set in production")
	}
	if c.IsProduction() && !c.CookieSecure {
		return errors.New("config: COOKIE_SECURE cannot be disabled in production")
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "production")
}

// Origins splits AllowedOrigins.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// LimiterPolicy returns the attempt limiter policy.
func (c *Config) LimiterPolicy() auth.LimiterPolicy {
	return auth.LimiterPolicy{MaxAttempts: c.LoginMaxAttempts, Window: c.LoginLockout}
}
