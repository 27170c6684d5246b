// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// Consultations granted to a newly-seen user.
	SignupGrant int

	Generation GenerationConfig
	RateLimit  RateLimitConfig
	Purchase   PurchaseConfig
	Telemetry  TelemetryConfig
}

// GenerationConfig controls the upstream text-generation service.
type GenerationConfig struct {
	APIKey         string
	BaseURL        string // empty = provider default; any OpenAI-compatible endpoint works
	Model          string
	Temperature    float32
	MaxTokens      int
	RequestTimeout time.Duration
}

// RateLimitConfig controls per-user request throttling on the chat endpoint.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// PurchaseConfig controls the stubbed purchase settlement flow.
type PurchaseConfig struct {
	SettleDelay   time.Duration
	SweepInterval time.Duration
}

// TelemetryConfig controls NDJSON consultation event logging.
type TelemetryConfig struct {
	Enabled   bool
	Path      string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TELEMETRY_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/astro.db"),
		SignupGrant: getEnvInt("SIGNUP_GRANT", 3),
		Generation: GenerationConfig{
			APIKey:         getEnv("GENERATION_API_KEY", ""),
			BaseURL:        getEnv("GENERATION_BASE_URL", ""),
			Model:          getEnv("GENERATION_MODEL", "gpt-4o-mini"),
			Temperature:    getEnvFloat32("GENERATION_TEMPERATURE", 0.8),
			MaxTokens:      getEnvInt("GENERATION_MAX_TOKENS", 1024),
			RequestTimeout: getEnvDuration("GENERATION_TIMEOUT", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Purchase: PurchaseConfig{
			SettleDelay:   getEnvDuration("PURCHASE_SETTLE_DELAY", 2*time.Second),
			SweepInterval: getEnvDuration("PURCHASE_SWEEP_INTERVAL", time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:   getEnvBool("TELEMETRY_ENABLED", true),
			Path:      getEnv("TELEMETRY_PATH", "./data/logs/consultations.ndjson"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SignupGrant < 0 {
		return fmt.Errorf("SIGNUP_GRANT cannot be negative")
	}
	if c.Generation.Model == "" {
		return fmt.Errorf("GENERATION_MODEL cannot be empty")
	}
	if c.Generation.MaxTokens <= 0 {
		return fmt.Errorf("GENERATION_MAX_TOKENS must be > 0")
	}
	if c.Generation.RequestTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.Purchase.SettleDelay < 0 {
		return fmt.Errorf("PURCHASE_SETTLE_DELAY cannot be negative")
	}
	if c.Purchase.SweepInterval <= 0 {
		return fmt.Errorf("PURCHASE_SWEEP_INTERVAL must be > 0")
	}
	if c.Telemetry.Enabled && c.Telemetry.Path == "" {
		return fmt.Errorf("TELEMETRY_PATH cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat32(key string, fallback float32) float32 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 32)
	if err != nil {
		return fallback
	}
	return float32(f)
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
