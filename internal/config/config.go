package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RetryConfig holds the retry policy tuning.
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	Jitter        time.Duration `mapstructure:"jitter"`
}

// Config holds all configuration for the sync engine. Every value reaches
// the core as a plain constructor argument; nothing reads viper outside
// this package.
type Config struct {
	// Vendor selection and credentials
	Vendor         string `mapstructure:"vendor"`
	TushareToken   string `mapstructure:"tushare_token"`
	TushareBaseURL string `mapstructure:"tushare_base_url"`

	// Store selection and connection
	Store       string `mapstructure:"store"`
	SurrealURL  string `mapstructure:"surreal_url"`
	SurrealNS   string `mapstructure:"surreal_ns"`
	SurrealDB   string `mapstructure:"surreal_db"`
	SurrealUser string `mapstructure:"surreal_user"`
	SurrealPass string `mapstructure:"surreal_pass"`

	// Engine limits
	RateLimit     int           `mapstructure:"rate_limit"`
	RateWindow    time.Duration `mapstructure:"rate_window"`
	Concurrency   int           `mapstructure:"concurrency"`
	BatchSize     int           `mapstructure:"batch_size"`
	Workers       int           `mapstructure:"workers"`
	PartitionDays int           `mapstructure:"partition_days"`
	Retry         RetryConfig   `mapstructure:"retry"`

	// Sync targets
	Exchanges []string `mapstructure:"exchanges"`

	LogLevel string `mapstructure:"log_level"`
}

// VendorSettings returns the settings map the vendor registry consumes.
func (c *Config) VendorSettings() map[string]string {
	return map[string]string{
		"token":    c.TushareToken,
		"base_url": c.TushareBaseURL,
	}
}

// StoreSettings returns the settings map the store registry consumes.
func (c *Config) StoreSettings() map[string]string {
	return map[string]string{
		"url":       c.SurrealURL,
		"namespace": c.SurrealNS,
		"database":  c.SurrealDB,
		"user":      c.SurrealUser,
		"pass":      c.SurrealPass,
	}
}

// Load reads configuration from environment variables and an optional
// config file. Environment variables take precedence over config file
// values.
//
// Expected environment variables:
//   - TUSHARE_TOKEN (required when vendor is tushare)
//   - TUSHARE_BASE_URL (optional, defaults to production)
//   - SURREAL_URL, SURREAL_NS, SURREAL_DB, SURREAL_USER, SURREAL_PASS
//     (used when store is surreal)
func Load() (*Config, error) {
	v := viper.New()

	v.AutomaticEnv()

	v.SetDefault("vendor", "tushare")
	v.SetDefault("store", "memory")
	v.SetDefault("surreal_url", "ws://localhost:8000/rpc")
	v.SetDefault("surreal_ns", "marketsync")
	v.SetDefault("surreal_db", "marketsync")
	v.SetDefault("rate_limit", 5)
	v.SetDefault("rate_window", time.Second)
	v.SetDefault("concurrency", 4)
	v.SetDefault("batch_size", 500)
	v.SetDefault("workers", 4)
	v.SetDefault("partition_days", 90)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.jitter", 100*time.Millisecond)
	v.SetDefault("exchanges", []string{"SHFE", "DCE", "CZCE", "CFFEX", "INE", "GFEX"})
	v.SetDefault("log_level", "info")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.marketsync")

	// Read config file (ignore if not found)
	_ = v.ReadInConfig()

	v.BindEnv("tushare_token", "TUSHARE_TOKEN")
	v.BindEnv("tushare_base_url", "TUSHARE_BASE_URL")
	v.BindEnv("surreal_url", "SURREAL_URL")
	v.BindEnv("surreal_ns", "SURREAL_NS")
	v.BindEnv("surreal_db", "SURREAL_DB")
	v.BindEnv("surreal_user", "SURREAL_USER")
	v.BindEnv("surreal_pass", "SURREAL_PASS")

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var missing []string
	if config.Vendor == "tushare" && config.TushareToken == "" {
		missing = append(missing, "TUSHARE_TOKEN")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return config, nil
}
