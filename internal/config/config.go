// Package config loads the service configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Config holds every setting of the settlement engine.
type Config struct {
	// --- HTTP ---
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// --- Database ---
	// Empty DATABASE_URL selects the in-memory store.
	DatabaseURL    string `envconfig:"DATABASE_URL"`
	DBMaxConns     int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns     int32  `envconfig:"DB_MIN_CONNS" default:"2"`
	MigrateOnStart bool   `envconfig:"MIGRATE_ON_START" default:"false"`

	// --- Cache ---
	RedisURL string        `envconfig:"REDIS_URL"`
	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"30s"`

	// --- Messaging ---
	NATSURL      string   `envconfig:"NATS_URL"`
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"wicketx.events"`

	// --- Application ---
	AppEnv   string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// --- Domain ---
	ReferralLevelRates string          `envconfig:"REFERRAL_LEVEL_RATES" default:"5,2,1"`
	MaxStake           decimal.Decimal `envconfig:"MAX_STAKE" default:"0"`
	MaxOpenExposure    decimal.Decimal `envconfig:"MAX_OPEN_EXPOSURE" default:"0"`

	// --- Jobs ---
	RecoverySchedule  string `envconfig:"RECOVERY_SCHEDULE" default:"@every 1m"`
	ReconcileSchedule string `envconfig:"RECONCILE_SCHEDULE" default:"@every 15m"`

	// --- Secrets ---
	SecretsPrefix string `envconfig:"SECRETS_PREFIX" default:"WICKETX_"`
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("invalid DB_MIN_CONNS/DB_MAX_CONNS: %d/%d", c.DBMinConns, c.DBMaxConns)
	}
	if c.RedisURL != "" && c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be > 0 when REDIS_URL is set")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC must be set when KAFKA_BROKERS is set")
	}
	if c.MaxStake.IsNegative() || c.MaxOpenExposure.IsNegative() {
		return fmt.Errorf("MAX_STAKE and MAX_OPEN_EXPOSURE must not be negative")
	}
	for name, spec := range map[string]string{
		"RECOVERY_SCHEDULE":  c.RecoverySchedule,
		"RECONCILE_SCHEDULE": c.ReconcileSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Load reads the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
