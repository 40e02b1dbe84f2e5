// internal/config/config.go
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all process-level configuration. Credentials are optional:
// a missing GITHUB_TOKEN disables sync and discovery, a missing
// ANTHROPIC_API_KEY disables analysis, and a missing
// GITHUB_WEBHOOK_SECRET disables webhook intake. Each feature degrades on
// its own; none of them is a startup failure.
type Config struct {
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	HTTPAddr          string        `mapstructure:"HTTP_ADDR"`
	DBURL             string        `mapstructure:"DB_URL"`
	GithubToken       string        `mapstructure:"GITHUB_TOKEN"`
	AnthropicAPIKey   string        `mapstructure:"ANTHROPIC_API_KEY"`
	WebhookSecret     string        `mapstructure:"GITHUB_WEBHOOK_SECRET"`
	RegistryPath      string        `mapstructure:"REGISTRY_PATH"`
	AnalysisModel     string        `mapstructure:"ANALYSIS_MODEL"`
	SyncMaxRetries    int           `mapstructure:"SYNC_MAX_RETRIES"`
	SyncBaseDelay     time.Duration `mapstructure:"SYNC_BASE_DELAY"`
	SyncConcurrency   int           `mapstructure:"SYNC_CONCURRENCY"`
	SyncCallTimeout   time.Duration `mapstructure:"SYNC_CALL_TIMEOUT"`
	DispatchWorkers   int           `mapstructure:"DISPATCH_WORKERS"`
	DispatchQueueSize int           `mapstructure:"DISPATCH_QUEUE_SIZE"`
}

// LoadConfig reads configuration from an optional .env file and the
// environment.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("REGISTRY_PATH", "kova_repos.json")
	v.SetDefault("ANALYSIS_MODEL", "claude-3-sonnet-20240229")
	v.SetDefault("SYNC_MAX_RETRIES", 4)
	v.SetDefault("SYNC_BASE_DELAY", "2s")
	v.SetDefault("SYNC_CONCURRENCY", 1)
	v.SetDefault("SYNC_CALL_TIMEOUT", "60s")
	v.SetDefault("DISPATCH_WORKERS", 4)
	v.SetDefault("DISPATCH_QUEUE_SIZE", 256)

	// Load from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // Ignore error if file not found

	// Bind environment variables. AutomaticEnv does not surface env-only
	// keys to Unmarshal; keys without a default must be bound explicitly or
	// a secret exported in the environment is never read.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"DB_URL", "GITHUB_TOKEN", "ANTHROPIC_API_KEY", "GITHUB_WEBHOOK_SECRET"} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.SyncConcurrency < 1 {
		cfg.SyncConcurrency = 1
	}
	if cfg.DispatchWorkers < 1 {
		cfg.DispatchWorkers = 1
	}

	return &cfg, nil
}

// SyncAvailable reports whether outbound hosting-API features (sync,
// discovery, status) are configured.
func (c *Config) SyncAvailable() bool { return c.GithubToken != "" }

// AnalysisAvailable reports whether the analysis adapter is configured.
func (c *Config) AnalysisAvailable() bool { return c.AnthropicAPIKey != "" }

// WebhooksAvailable reports whether inbound webhook verification is
// configured.
func (c *Config) WebhooksAvailable() bool { return c.WebhookSecret != "" }
