package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the orchestration core.
type Config struct {
	Log         LogConfig                `mapstructure:"log"`
	Database    DatabaseConfig           `mapstructure:"database"`
	Interaction InteractionConfig        `mapstructure:"interaction"`
	Providers   ProvidersConfig          `mapstructure:"providers"`
	Router      RouterConfig             `mapstructure:"router"`
	Executor    ExecutorConfig           `mapstructure:"executor"`
	Queue       QueueConfig              `mapstructure:"queue"`
	Pricing     map[string]PricingConfig `mapstructure:"pricing"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// DatabaseConfig configures the swarm-task + message-bus store (gorm).
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite | postgres
	DSN  string `mapstructure:"dsn"`
}

// InteractionConfig configures the append-only call-log store (C1).
type InteractionConfig struct {
	Path          string `mapstructure:"path"`           // sqlite file for the interaction log
	QueueCapacity int    `mapstructure:"queue_capacity"` // bounded writer queue depth
}

// ProvidersConfig configures the two provider adapters.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
}

// AnthropicConfig configures the Anthropic adapter. APIKey, if set, bypasses
// the OAuth auth-file flow entirely — this mirrors the env-var alternative
// named in the external interfaces section.
type AnthropicConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	AuthFile    string        `mapstructure:"auth_file"`
	OAuthURL    string        `mapstructure:"oauth_url"`
	ClientID    string        `mapstructure:"client_id"`
	SkipSmoke   bool          `mapstructure:"skip_smoke_test"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// OpenAIConfig configures the OpenAI-style adapter.
type OpenAIConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	AuthFile    string        `mapstructure:"auth_file"`
	OAuthURL    string        `mapstructure:"oauth_url"`
	ClientID    string        `mapstructure:"client_id"`
	SkipSmoke   bool          `mapstructure:"skip_smoke_test"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// RouterConfig holds the overridable strategy-resolution defaults exposed
// through configureRouter().
type RouterConfig struct {
	MinSuccessRate         float64           `mapstructure:"min_success_rate"`
	BalancedMinSuccessRate float64           `mapstructure:"balanced_min_success_rate"`
	MinSampleSize          int               `mapstructure:"min_sample_size"`
	StatsHoursBack         int               `mapstructure:"stats_hours_back"`
	Fallbacks              map[string]string `mapstructure:"fallbacks"`

	// CircuitFailureThreshold and CircuitRecoveryTimeoutSeconds size every
	// provider's circuit breaker. Zero/unset falls back to the router's
	// built-in defaults (5 failures, 30s).
	CircuitFailureThreshold       int `mapstructure:"circuit_failure_threshold"`
	CircuitRecoveryTimeoutSeconds int `mapstructure:"circuit_recovery_timeout_seconds"`
}

// ExecutorConfig holds executor settings read from configuration. The App
// does not pass them to the Executor: each ExecuteDecomposed call takes its
// settings from its ExecuteOpts, and MaxParallel is not read anywhere.
type ExecutorConfig struct {
	MaxParallel     int    `mapstructure:"max_parallel"`
	MaxRetries      int    `mapstructure:"max_retries"`
	MaxContextChars int    `mapstructure:"max_context_chars"`
	DefaultStrategy string `mapstructure:"default_strategy"`
}

// QueueConfig tunes the swarm queue's maintenance sweeps: how long a claim
// may sit before it's considered abandoned, and how long a fully-completed
// swarm's rows are kept before CleanCompletedSwarms reclaims them.
type QueueConfig struct {
	StaleMinutes  int `mapstructure:"stale_minutes"`
	RetentionDays int `mapstructure:"retention_days"`
}

// PricingConfig overrides a model descriptor's USD-per-million-token pricing.
// Exposed as configuration per the open question on gpt-5.3-codex pricing.
type PricingConfig struct {
	InputPerMillion  float64 `mapstructure:"input_per_million"`
	OutputPerMillion float64 `mapstructure:"output_per_million"`
}

// Load reads layered configuration: defaults → global ~/.orchestrator-core/
// → project-local ./config.yaml → environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	globalDir := filepath.Join(os.Getenv("HOME"), "."+AppName)
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "orchestrator-core.db")

	v.SetDefault("interaction.path", "interactions.db")
	v.SetDefault("interaction.queue_capacity", 1000)

	v.SetDefault("providers.anthropic.base_url", "https://api.anthropic.com")
	v.SetDefault("providers.anthropic.auth_file", filepath.Join(os.Getenv("HOME"), "."+AppName, "auth-anthropic.json"))
	v.SetDefault("providers.anthropic.http_timeout", "2m")

	v.SetDefault("providers.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.openai.auth_file", filepath.Join(os.Getenv("HOME"), "."+AppName, "auth-openai.json"))
	v.SetDefault("providers.openai.http_timeout", "2m")

	v.SetDefault("router.min_success_rate", 0.8)
	v.SetDefault("router.balanced_min_success_rate", 0.9)
	v.SetDefault("router.min_sample_size", 3)
	v.SetDefault("router.stats_hours_back", 24)
	v.SetDefault("router.circuit_failure_threshold", 5)
	v.SetDefault("router.circuit_recovery_timeout_seconds", 30)

	v.SetDefault("executor.max_parallel", 4)
	v.SetDefault("executor.max_retries", 2)
	v.SetDefault("executor.max_context_chars", 4000)
	v.SetDefault("executor.default_strategy", "balanced")

	v.SetDefault("queue.stale_minutes", 15)
	v.SetDefault("queue.retention_days", 7)
}
