package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                      string        `mapstructure:"PORT"`
	Env                       string        `mapstructure:"ENV"`
	DatabaseURL               string        `mapstructure:"DATABASE_URL"`
	DBMaxConns                int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns                int32         `mapstructure:"DB_MIN_CONNS"`
	DBSlowQuery               time.Duration `mapstructure:"DB_SLOW_QUERY"`
	RedisURL                  string        `mapstructure:"REDIS_URL"`
	LockTTL                   time.Duration `mapstructure:"LOCK_TTL"`
	AuthIssuer                string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL               string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience              string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey            string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins               []string      `mapstructure:"CORS_ORIGINS"`
	LogFormat                 string        `mapstructure:"LOG_FORMAT"`
	RateLimitRPS              float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst            int           `mapstructure:"RATE_LIMIT_BURST"`
	RateLimitImportsPerMinute int           `mapstructure:"RATE_LIMIT_IMPORTS_PER_MINUTE"`
	RequestTimeout            time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit                 string        `mapstructure:"BODY_LIMIT"`
	RemittanceBodyLimit       string        `mapstructure:"REMITTANCE_BODY_LIMIT"`
	RemittanceWorkers         int           `mapstructure:"REMITTANCE_WORKERS"`
	RemittanceConfirmFallback bool          `mapstructure:"REMITTANCE_CONFIRM_FALLBACK"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DB_SLOW_QUERY", "REDIS_URL", "LOCK_TTL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "LOG_FORMAT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"RATE_LIMIT_IMPORTS_PER_MINUTE",
	"REQUEST_TIMEOUT", "BODY_LIMIT", "REMITTANCE_BODY_LIMIT",
	"REMITTANCE_WORKERS", "REMITTANCE_CONFIRM_FALLBACK",
}

// Load reads configuration from the environment, falling back to a .env file
// in the working directory. It does not validate; callers that need a
// database call RequireDatabase and Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SLOW_QUERY", "500ms")
	v.SetDefault("LOCK_TTL", "30s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("RATE_LIMIT_IMPORTS_PER_MINUTE", 6)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REMITTANCE_BODY_LIMIT", "20M")
	v.SetDefault("REMITTANCE_WORKERS", 4)
	v.SetDefault("REMITTANCE_CONFIRM_FALLBACK", false)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RequireDatabase reports a missing DATABASE_URL.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// Validate checks that the configuration is safe to serve with. Outside
// development some way of verifying bearer tokens must be configured, and a
// static signing key is refused in production.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf(
				"one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development and testing only; use AUTH_ISSUER or AUTH_JWKS_URL in production")
		}
	}

	if c.RemittanceWorkers < 1 {
		return fmt.Errorf("REMITTANCE_WORKERS must be positive, got %d", c.RemittanceWorkers)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive, got %s", c.LockTTL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be \"json\" or \"text\", got %q", c.LogFormat)
	}
	return nil
}
