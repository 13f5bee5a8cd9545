package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr  string
	PublicURL   string
	StoreMode   string
	DatabaseURL string

	LogLevel    string
	LogEncoding string

	JWTSecret     string
	WebhookSecret string

	RateLimitPerSec float64
	RateLimitBurst  int

	RuleCacheTTL       time.Duration
	FirmCacheTTL       time.Duration
	ResultCacheTTL     time.Duration
	CacheCapacity      int
	CacheSweepInterval time.Duration

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerResetTimeout     time.Duration
	CallTimeout             time.Duration

	RetryMaxAttempts int
	RetryBase        time.Duration
	RetryMax         time.Duration

	RiskImpactFraction float64

	EmailAPIURL  string
	EmailAPIKey  string
	EmailFrom    string
	SMSAPIURL    string
	SMSAPIKey    string
	SMSFrom      string
	SMSPerHour   int
	NotifyPerMsg time.Duration
}

func Load() Config {
	return Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":18090"),
		PublicURL:   getEnv("PUBLIC_URL", "http://localhost:18090"),
		StoreMode:   getEnv("STORE_MODE", "postgres"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogEncoding: getEnv("LOG_ENCODING", "json"),

		JWTSecret:     getEnv("JWT_SECRET", "change-this-secret"),
		WebhookSecret: getEnv("WEBHOOK_SIGNING_SECRET", ""),

		RateLimitPerSec: getFloat("RATE_LIMIT_PER_SEC", 5),
		RateLimitBurst:  getInt("RATE_LIMIT_BURST", 10),

		RuleCacheTTL:       getDuration("RULE_CACHE_TTL", 5*time.Minute),
		FirmCacheTTL:       getDuration("FIRM_CACHE_TTL", time.Hour),
		ResultCacheTTL:     getDuration("RESULT_CACHE_TTL", 10*time.Second),
		CacheCapacity:      getInt("CACHE_CAPACITY", 1000),
		CacheSweepInterval: getDuration("CACHE_SWEEP_INTERVAL", time.Minute),

		BreakerFailureThreshold: getInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: getInt("BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerResetTimeout:     getDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
		CallTimeout:             getDuration("CALL_TIMEOUT", 5*time.Second),

		RetryMaxAttempts: getInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBase:        getDuration("RETRY_BASE", 200*time.Millisecond),
		RetryMax:         getDuration("RETRY_MAX", 5*time.Second),

		RiskImpactFraction: getFloat("RISK_IMPACT_FRACTION", 0.02),

		EmailAPIURL:  getEnv("EMAIL_API_URL", ""),
		EmailAPIKey:  getEnv("EMAIL_API_KEY", ""),
		EmailFrom:    getEnv("EMAIL_FROM", "alerts@tradegate.local"),
		SMSAPIURL:    getEnv("SMS_API_URL", ""),
		SMSAPIKey:    getEnv("SMS_API_KEY", ""),
		SMSFrom:      getEnv("SMS_FROM", ""),
		SMSPerHour:   getInt("SMS_PER_HOUR", 5),
		NotifyPerMsg: getDuration("NOTIFY_TIMEOUT", 5*time.Second),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
