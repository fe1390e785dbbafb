// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the remotefs process configuration. Command-line flags are
// layered on top by cmd/remotefs.
type Config struct {
	// Remote
	Index         string
	BaseURL       string
	Timeout       time.Duration
	RetryAttempts int
	AuthToken     string

	// Mount
	MountPoint string
	AllowOther bool

	// Observability
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Index:         envOr("REMOTEFS_INDEX", "index.json"),
		BaseURL:       envOr("REMOTEFS_BASE_URL", ""),
		Timeout:       envDuration("REMOTEFS_TIMEOUT", 60*time.Second),
		RetryAttempts: envInt("REMOTEFS_RETRY_ATTEMPTS", 1),
		AuthToken:     envOr("REMOTEFS_TOKEN", ""),
		MountPoint:    envOr("REMOTEFS_MOUNT", ""),
		AllowOther:    envBool("REMOTEFS_ALLOW_OTHER", false),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogFormat:     envOr("LOG_FORMAT", "console"),
		MetricsAddr:   envOr("METRICS_ADDR", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	if c.Index == "" {
		return fmt.Errorf("REMOTEFS_INDEX must not be empty")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("REMOTEFS_RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("REMOTEFS_TIMEOUT must not be negative")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
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
