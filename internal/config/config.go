package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	AuthMode      string   `mapstructure:"AUTH_MODE"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	JWTSecret     string   `mapstructure:"JWT_SECRET"`
	JWTIssuer     string   `mapstructure:"JWT_ISSUER"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`
	// MigrationsDir overrides the embedded migrations when set.
	MigrationsDir string   `mapstructure:"MIGRATIONS_DIR"`

	// Rule engine
	RuleTimeout        time.Duration `mapstructure:"RULE_TIMEOUT"`
	RuleMaxConcurrency int           `mapstructure:"RULE_MAX_CONCURRENCY"`
	LookupBackend      string        `mapstructure:"LOOKUP_BACKEND"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	NATSURL            string        `mapstructure:"NATS_URL"`
	EventsSubject      string        `mapstructure:"EVENTS_SUBJECT"`
	MetricsEnabled     bool          `mapstructure:"METRICS_ENABLED"`
	WebhookSecret      string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookMaxRetries  int           `mapstructure:"WEBHOOK_MAX_RETRIES"`
}

var configKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"JWT_SECRET", "JWT_ISSUER", "DEFAULT_TENANT", "CORS_ORIGINS", "MIGRATIONS_DIR",
	"RULE_TIMEOUT", "RULE_MAX_CONCURRENCY", "LOOKUP_BACKEND", "REDIS_URL",
	"NATS_URL", "EVENTS_SUBJECT", "METRICS_ENABLED", "WEBHOOK_SECRET", "WEBHOOK_MAX_RETRIES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RULE_TIMEOUT", "10s")
	v.SetDefault("RULE_MAX_CONCURRENCY", 4)
	v.SetDefault("LOOKUP_BACKEND", "postgres")
	v.SetDefault("EVENTS_SUBJECT", "ehr.events.>")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("WEBHOOK_MAX_RETRIES", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range configKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" for
// ENV=development and "jwt" for everything else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "jwt" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if mode == "jwt" && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set when AUTH_MODE is \"jwt\" (current ENV=%q)", c.Env)
	}
	if c.IsProduction() && mode == "development" {
		return fmt.Errorf("AUTH_MODE=development is not allowed in production")
	}

	if c.RuleTimeout <= 0 {
		return fmt.Errorf("RULE_TIMEOUT must be positive, got %s", c.RuleTimeout)
	}
	if c.RuleMaxConcurrency < 1 {
		return fmt.Errorf("RULE_MAX_CONCURRENCY must be at least 1, got %d", c.RuleMaxConcurrency)
	}

	switch c.LookupBackend {
	case "postgres":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LOOKUP_BACKEND is \"redis\"")
		}
	default:
		return fmt.Errorf("LOOKUP_BACKEND must be \"postgres\" or \"redis\", got %q", c.LookupBackend)
	}

	if c.WebhookMaxRetries < 0 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES must not be negative")
	}

	return nil
}
