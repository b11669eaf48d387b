package config

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/admissions")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.BreakerFailureThreshold != 1 {
		t.Errorf("BreakerFailureThreshold = %d, want 1", cfg.BreakerFailureThreshold)
	}
	if cfg.BreakerCooldown != 30*time.Second {
		t.Errorf("BreakerCooldown = %v, want 30s", cfg.BreakerCooldown)
	}
	if cfg.DrainInterval != time.Second {
		t.Errorf("DrainInterval = %v, want 1s", cfg.DrainInterval)
	}
	if cfg.OutboxMaxRetries != 5 {
		t.Errorf("OutboxMaxRetries = %d, want 5", cfg.OutboxMaxRetries)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("BREAKER_COOLDOWN", "45s")
	t.Setenv("OUTBOX_DRAIN_BATCH_SIZE", "200")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.BreakerCooldown != 45*time.Second {
		t.Errorf("BreakerCooldown = %v, want 45s", cfg.BreakerCooldown)
	}
	if cfg.DrainBatchSize != 200 {
		t.Errorf("DrainBatchSize = %d, want 200", cfg.DrainBatchSize)
	}
}

func TestLoad_RequiresConnectionStrings(t *testing.T) {
	tests := []string{"DATABASE_URL", "REDIS_URL", "JWT_SECRET"}
	for _, missing := range tests {
		t.Run(missing, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(missing, "")

			if _, err := Load(); err == nil {
				t.Errorf("load without %s should fail", missing)
			}
		})
	}
}

func TestLoad_IgnoresMalformedOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("NUM_WORKERS", "many")
	t.Setenv("OUTBOX_RETENTION", "three days")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.NumWorkers != 10 {
		t.Errorf("NumWorkers = %d, want the default 10", cfg.NumWorkers)
	}
	if cfg.OutboxRetention != 72*time.Hour {
		t.Errorf("OutboxRetention = %v, want the default 72h", cfg.OutboxRetention)
	}
}
