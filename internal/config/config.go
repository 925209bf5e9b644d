package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	DBSource string
	Port     string
	Env      string
	Store    string // "postgres" or "memory"

	// Payment lifecycle tuning.
	Slippage        decimal.Decimal
	QuoteLifespan   time.Duration
	SendTimeout     time.Duration
	MaxQuoteRetries int
	MaxSendRetries  int
	RetryBase       time.Duration
	RetryCap        time.Duration

	// Worker pool.
	WorkerCount int
	WorkerIdle  time.Duration

	// Collaborators.
	PricesURL  string
	RedisAddr  string
	RatesTTL   time.Duration
	WebhookURL string
}

func Load() (*Config, error) {
	store := envStr("STORE", "postgres")

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" && store == "postgres" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	slippage, err := decimal.NewFromString(envStr("SLIPPAGE", "0.01"))
	if err != nil {
		return nil, fmt.Errorf("invalid SLIPPAGE: %w", err)
	}
	if slippage.IsNegative() || slippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("SLIPPAGE must be in [0, 1)")
	}

	cfg := &Config{
		DBSource: dbSource,
		Port:     envStr("SERVER_PORT", "8080"),
		Env:      envStr("ENVIRONMENT", "development"),
		Store:    store,

		Slippage:        slippage,
		QuoteLifespan:   envDuration("QUOTE_LIFESPAN", 5*time.Minute),
		SendTimeout:     envDuration("SEND_TIMEOUT", 30*time.Second),
		MaxQuoteRetries: envInt("MAX_QUOTE_RETRIES", 5),
		MaxSendRetries:  envInt("MAX_SEND_RETRIES", 5),
		RetryBase:       envDuration("RETRY_BASE", 500*time.Millisecond),
		RetryCap:        envDuration("RETRY_CAP", time.Minute),

		WorkerCount: envInt("WORKER_COUNT", 4),
		WorkerIdle:  envDuration("WORKER_IDLE", 200*time.Millisecond),

		PricesURL:  os.Getenv("PRICES_URL"),
		RedisAddr:  os.Getenv("REDIS_ADDR"),
		RatesTTL:   envDuration("RATES_TTL", 15*time.Second),
		WebhookURL: os.Getenv("WEBHOOK_URL"),
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
