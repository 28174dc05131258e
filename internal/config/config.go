package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the worker process configuration, sourced from environment
// variables (optionally seeded from a config file).
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	LogLevel    string `mapstructure:"log_level"`

	PollIntervalMs          int `mapstructure:"poll_interval_ms"`
	BatchSize               int `mapstructure:"batch_size"`
	MaxConcurrentExecutions int `mapstructure:"max_concurrent_executions"`
	RetryAttempts           int `mapstructure:"retry_attempts"`
	RetryDelayMs            int `mapstructure:"retry_delay_ms"`

	MaxNodeVisits      int `mapstructure:"max_node_visits"`
	NodeTimeoutSeconds int `mapstructure:"node_timeout_seconds"`
}

// PollInterval returns the worker poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// RetryDelay returns the node retry backoff base as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// Load reads configuration from the environment, with an optional config
// file layered underneath. Missing keys fall back to defaults; only
// DATABASE_URL is required.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("poll_interval_ms", 60000)
	v.SetDefault("batch_size", 25)
	v.SetDefault("max_concurrent_executions", 5)
	v.SetDefault("retry_attempts", 3)
	v.SetDefault("retry_delay_ms", 5000)
	v.SetDefault("max_node_visits", 50)
	v.SetDefault("node_timeout_seconds", 300)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys it has seen; bind the lot explicitly.
	for _, key := range []string{
		"database_url", "log_level", "poll_interval_ms", "batch_size",
		"max_concurrent_executions", "retry_attempts", "retry_delay_ms",
		"max_node_visits", "node_timeout_seconds",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return &cfg, nil
}
