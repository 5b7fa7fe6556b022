// Package config loads configuration for the pattern-matching realtime
// engine from environment variables (and an optional .env file), the way
// the teacher's internal/config package does for the wider Sentinel app.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration for a single engine process.
type Config struct {
	DataDir  string // base directory for predictions.db (always absolute)
	Port     int    // HTTP server port
	LogLevel string // debug, info, warn, error
	DevMode  bool

	MatcherServiceURL string // base URL of the external nearest-neighbor matcher
	MatcherTimeout    time.Duration
	MatcherRateQPS    float64 // outbound QPS cap to the matcher service

	PriceServiceBaseURL string // base URL of the external price snapshot/aggregate API
	PriceServiceAPIKey  string
	PriceTimeout        time.Duration

	VerificationCheckInterval time.Duration // how often VerificationWorker runs a pass
	VerificationBatchSize     int

	TrackerInterval    time.Duration // PriceTracker tick interval
	TrackerThrottlePer time.Duration // minimum gap between price_update broadcasts per symbol

	RetentionDays int // predictions/failures older than this are purged daily
}

// getEnv retrieves an environment variable, returning fallback when unset or empty.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDurationSeconds(key string, fallbackSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackSeconds)) * time.Second
}

// Load reads configuration from a .env file (if present) and the process
// environment. Settings-database overrides, as the teacher's config layer
// supports for credentials, are out of scope here — this subsystem has no
// settings database of its own.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; ignore absence

	dataDir := getEnv("PATTERNS_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir to absolute path: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvInt("PATTERNS_PORT", 8090),
		LogLevel: getEnv("PATTERNS_LOG_LEVEL", "info"),
		DevMode:  getEnvBool("PATTERNS_DEV_MODE", false),

		MatcherServiceURL: getEnv("MATCHER_SERVICE_URL", "http://localhost:8500"),
		MatcherTimeout:    getEnvDurationSeconds("MATCHER_TIMEOUT_SECONDS", 5),
		MatcherRateQPS:    getEnvFloat("MATCHER_RATE_QPS", 20),

		PriceServiceBaseURL: getEnv("PRICE_SERVICE_BASE_URL", "https://api.polygon.io"),
		PriceServiceAPIKey:  getEnv("PRICE_SERVICE_API_KEY", ""),
		PriceTimeout:        getEnvDurationSeconds("PRICE_TIMEOUT_SECONDS", 5),

		VerificationCheckInterval: getEnvDurationSeconds("VERIFICATION_CHECK_INTERVAL_SECONDS", 60),
		VerificationBatchSize:     getEnvInt("VERIFICATION_BATCH_SIZE", 50),

		TrackerInterval:    getEnvDurationSeconds("TRACKER_INTERVAL_SECONDS", 1),
		TrackerThrottlePer: time.Duration(getEnvInt("TRACKER_THROTTLE_MILLIS", 500)) * time.Millisecond,

		RetentionDays: getEnvInt("RETENTION_DAYS", 30),
	}

	return cfg, nil
}
