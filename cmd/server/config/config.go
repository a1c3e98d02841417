package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// BreakerConfig holds one circuit breaker's tuning.
type BreakerConfig struct {
	CallTimeout       time.Duration
	ErrorThresholdPct int
	WindowSize        int
	MinCalls          int
	ResetTimeout      time.Duration
}

// RetryConfig holds the retry policy shared by the outbound clients.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// ChaosConfig injects failures into the simulated backends.
type ChaosConfig struct {
	FailureRate float64
	DeclineRate float64
	Latency     time.Duration
}

// Config is the full server configuration, read from env with the
// reference defaults.
type Config struct {
	HTTPAddr string

	InventoryBreaker BreakerConfig
	PaymentBreaker   BreakerConfig
	ShippingBreaker  BreakerConfig
	Retry            RetryConfig

	IdempotencyTTL time.Duration
	RedisURL       string
	DatabaseURL    string
	EventJournal   string

	Chaos ChaosConfig
}

// Load reads the configuration from env.
func Load() (Config, error) {
	cfg := Config{
		RedisURL:     strings.TrimSpace(os.Getenv("REDIS_URL")),
		DatabaseURL:  strings.TrimSpace(os.Getenv("DATABASE_URL")),
		EventJournal: strings.TrimSpace(os.Getenv("EVENT_JOURNAL")),
	}

	var err error
	if cfg.HTTPAddr, err = stringOr("HTTP_ADDR", ":3000"); err != nil {
		return cfg, err
	}

	if cfg.InventoryBreaker, err = loadBreaker("INVENTORY", 3*time.Second, 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.PaymentBreaker, err = loadBreaker("PAYMENT", 5*time.Second, 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ShippingBreaker, err = loadBreaker("SHIPPING", 5*time.Second, 20*time.Second); err != nil {
		return cfg, err
	}

	if cfg.Retry.MaxAttempts, err = intOr("ORDER_RETRY_MAX_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.Retry.BaseDelay, err = durationOr("ORDER_RETRY_BASE_DELAY", time.Second); err != nil {
		return cfg, err
	}

	if cfg.IdempotencyTTL, err = durationOr("IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}

	if cfg.Chaos.FailureRate, err = floatOr("CHAOS_FAILURE_RATE", 0); err != nil {
		return cfg, err
	}
	if cfg.Chaos.DeclineRate, err = floatOr("CHAOS_DECLINE_RATE", 0); err != nil {
		return cfg, err
	}
	if cfg.Chaos.Latency, err = durationOr("CHAOS_LATENCY", 0); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func loadBreaker(prefix string, timeout, reset time.Duration) (BreakerConfig, error) {
	cfg := BreakerConfig{}

	var err error
	if cfg.CallTimeout, err = durationOr(prefix+"_BREAKER_TIMEOUT", timeout); err != nil {
		return cfg, err
	}
	if cfg.ErrorThresholdPct, err = intOr(prefix+"_BREAKER_ERROR_THRESHOLD", 50); err != nil {
		return cfg, err
	}
	if cfg.WindowSize, err = intOr(prefix+"_BREAKER_WINDOW_SIZE", 10); err != nil {
		return cfg, err
	}
	if cfg.MinCalls, err = intOr(prefix+"_BREAKER_MIN_CALLS", 1); err != nil {
		return cfg, err
	}
	if cfg.ResetTimeout, err = durationOr(prefix+"_BREAKER_RESET_TIMEOUT", reset); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func stringOr(name, fallback string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	return raw, nil
}

func durationOr(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func intOr(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func floatOr(name string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 || val > 1 {
		return 0, fmt.Errorf("%s must be between 0 and 1", name)
	}
	return val, nil
}
