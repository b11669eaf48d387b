package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string

	NumWorkers int

	// Outbox drainer tuning.
	DrainInterval    time.Duration
	DrainBatchSize   int
	OutboxMaxRetries int
	OutboxRetention  time.Duration

	// Rate limiter + circuit breaker.
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration
	ProbeInterval           time.Duration
	SubmitRateLimit         int
	SubmitRateWindowSecs    int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		NumWorkers:  getEnvInt("NUM_WORKERS", 10),

		DrainInterval:    getEnvDuration("OUTBOX_DRAIN_INTERVAL", 1*time.Second),
		DrainBatchSize:   getEnvInt("OUTBOX_DRAIN_BATCH_SIZE", 50),
		OutboxMaxRetries: getEnvInt("OUTBOX_MAX_RETRIES", 5),
		OutboxRetention:  getEnvDuration("OUTBOX_RETENTION", 72*time.Hour),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 1),
		BreakerCooldown:         getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
		ProbeInterval:           getEnvDuration("LIMITER_PROBE_INTERVAL", 10*time.Second),
		SubmitRateLimit:         getEnvInt("SUBMIT_RATE_LIMIT", 5),
		SubmitRateWindowSecs:    getEnvInt("SUBMIT_RATE_WINDOW_SECONDS", 60),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}
