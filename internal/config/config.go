package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime settings, populated from environment variables.
type Config struct {
	AppEnv    string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	HTTPListenAddr   string   `env:"HTTP_LISTEN_ADDR" envDefault:":8080"`
	PublicBasePath   string   `env:"PUBLIC_BASE_PATH"`
	AllowedOrigins   []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	MetricsNamespace string   `env:"METRICS_NAMESPACE" envDefault:"crm_gateway"`

	// Store selects the persistence backend: "postgres" or "sqlite".
	Store       string `env:"STORE" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	DBSchema    string `env:"DB_SCHEMA"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"data/gateway.db"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisTLS      bool   `env:"REDIS_TLS" envDefault:"false"`

	UpstreamBaseURL string        `env:"UPSTREAM_BASE_URL"`
	UpstreamAPIKey  string        `env:"UPSTREAM_API_KEY"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"15s"`

	// Supervision timers. Defaults follow the pairing lifecycle: a hard
	// watchdog on the first event, soft restart at half the watchdog, hard
	// reset at the watchdog boundary.
	PairingWatchdog   time.Duration `env:"PAIRING_WATCHDOG" envDefault:"60s"`
	SoftRestartAfter  time.Duration `env:"SOFT_RESTART_AFTER" envDefault:"30s"`
	HardResetAfter    time.Duration `env:"HARD_RESET_AFTER" envDefault:"60s"`
	SoftSettleDelay   time.Duration `env:"SOFT_SETTLE_DELAY" envDefault:"2s"`
	HardSettleDelay   time.Duration `env:"HARD_SETTLE_DELAY" envDefault:"5s"`
	KeepaliveInterval time.Duration `env:"KEEPALIVE_INTERVAL" envDefault:"25s"`
}

// Load parses environment variables into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=postgres")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE=sqlite")
		}
	default:
		return fmt.Errorf("unknown STORE %q (want postgres or sqlite)", c.Store)
	}
	if c.UpstreamBaseURL == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL is required")
	}
	if c.SoftRestartAfter <= 0 || c.HardResetAfter <= 0 || c.PairingWatchdog <= 0 {
		return fmt.Errorf("supervision timers must be positive")
	}
	if c.HardResetAfter < c.SoftRestartAfter {
		return fmt.Errorf("HARD_RESET_AFTER must not be shorter than SOFT_RESTART_AFTER")
	}
	return nil
}
