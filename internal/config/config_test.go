package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port = %s, want 8080", cfg.Port)
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("database url = %q, want empty", cfg.DatabaseURL)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("cache ttl = %s, want 30s", cfg.CacheTTL)
	}
	if cfg.ReferralLevelRates != "5,2,1" {
		t.Errorf("referral rates = %q", cfg.ReferralLevelRates)
	}
	if !cfg.MaxStake.IsZero() {
		t.Errorf("max stake = %s, want 0", cfg.MaxStake)
	}
	if cfg.RecoverySchedule != "@every 1m" {
		t.Errorf("recovery schedule = %q", cfg.RecoverySchedule)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("MAX_STAKE", "2500.50")
	t.Setenv("CACHE_TTL", "1m")
	t.Setenv("MIGRATE_ON_START", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("port = %s", cfg.Port)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
	if !cfg.MaxStake.Equal(decimal.RequireFromString("2500.50")) {
		t.Errorf("max stake = %s", cfg.MaxStake)
	}
	if cfg.CacheTTL != time.Minute || !cfg.MigrateOnStart {
		t.Errorf("cache ttl = %s, migrate = %v", cfg.CacheTTL, cfg.MigrateOnStart)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"min conns above max", map[string]string{"DB_MIN_CONNS": "30", "DB_MAX_CONNS": "10"}},
		{"negative max stake", map[string]string{"MAX_STAKE": "-1"}},
		{"bad schedule", map[string]string{"RECOVERY_SCHEDULE": "every minute"}},
		{"kafka without topic", map[string]string{"KAFKA_BROKERS": "k1:9092", "KAFKA_TOPIC": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
