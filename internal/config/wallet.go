package config

import (
	"os"
	"strconv"
	"time"
)

type WalletConfig struct {
	GatewayWebhookSecret string
	CommissionCeiling    int64 // in cents, upper bound on a single commission
	FallbackRate         string
	CacheTTL             time.Duration
	MaxDepositsPerWindow int
	RateLimitWindow      time.Duration
	PendingDepositMaxAge time.Duration
	SweepSchedule        string
}

func LoadWalletConfig() *WalletConfig {
	return &WalletConfig{
		GatewayWebhookSecret: getEnv("GATEWAY_WEBHOOK_SECRET", ""),
		CommissionCeiling:    getEnvAsInt64("COMMISSION_CEILING", 100_000_00),
		FallbackRate:         getEnv("COMMISSION_FALLBACK_RATE", "0.10"),
		CacheTTL:             getEnvAsDuration("COMMISSION_CACHE_TTL", 10*time.Minute),
		MaxDepositsPerWindow: getEnvAsInt("DEPOSIT_MAX_PER_WINDOW", 10),
		RateLimitWindow:      getEnvAsDuration("DEPOSIT_RATE_LIMIT_WINDOW", 1*time.Hour),
		PendingDepositMaxAge: getEnvAsDuration("PENDING_DEPOSIT_MAX_AGE", 24*time.Hour),
		SweepSchedule:        getEnv("DEPOSIT_SWEEP_SCHEDULE", "@hourly"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
