// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port            string
	Env             string // "development", "staging", "production"
	LogLevel        string
	LogFormat       string // "text" or "json"; json in production unless overridden
	ShutdownTimeout time.Duration

	// Database
	DatabaseURL    string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate    bool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Tracing
	OTLPEndpoint     string // empty disables export
	TraceSampleRatio float64

	// Ledger
	DefaultCurrency string

	// Reconciliation
	ReconcileSchedule string // cron spec or descriptor; "off" disables

	// Security
	GatewayToken string // shared secret the upstream auth gateway sends; empty trusts headers
	RateLimitRPM int
	CORSOrigins  []string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultCurrency          = "NGN"
	DefaultReconcileSchedule = "@every 5m"
	DefaultRateLimit         = 600
	DefaultShutdownTimeout   = 15 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", DefaultEnv)
	format := "text"
	if env == "production" {
		format = "json"
	}

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               env,
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", format),
		ShutdownTimeout:   getEnvDuration("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		AutoMigrate:       getEnvBool("AUTO_MIGRATE", false),
		DBMaxOpenConns:    int(getEnvInt64("DB_MAX_OPEN_CONNS", 25)),
		DBMaxIdleConns:    int(getEnvInt64("DB_MAX_IDLE_CONNS", 5)),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:  getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		DefaultCurrency:   strings.ToUpper(getEnv("DEFAULT_CURRENCY", DefaultCurrency)),
		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", DefaultReconcileSchedule),
		GatewayToken:      os.Getenv("GATEWAY_TOKEN"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:       splitList(os.Getenv("CORS_ORIGINS")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable
func (c *Config) Validate() error {
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("PORT must be a valid TCP port, got %q", c.Port)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be a 3-letter ISO code, got %q", c.DefaultCurrency)
	}
	if c.ReconcileEnabled() {
		if _, err := cron.ParseStandard(c.ReconcileSchedule); err != nil {
			return fmt.Errorf("RECONCILE_SCHEDULE is invalid: %w", err)
		}
	}
	if c.AutoMigrate && c.DatabaseURL == "" {
		return fmt.Errorf("AUTO_MIGRATE requires DATABASE_URL")
	}
	if c.IsProduction() && c.GatewayToken == "" {
		return fmt.Errorf("GATEWAY_TOKEN is required in production")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	return nil
}

// ReconcileEnabled reports whether the reconciliation scheduler should run.
func (c *Config) ReconcileEnabled() bool {
	return c.ReconcileSchedule != "" && c.ReconcileSchedule != "off"
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
