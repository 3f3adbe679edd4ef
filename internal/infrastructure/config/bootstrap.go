package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name used for the home directory.
const AppName = "orchestrator-core"

// HomeDir returns the core's configuration home: ~/.orchestrator-core
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures the ~/.orchestrator-core directory exists with a default
// config file. Called once at startup; safe to call multiple times — only
// creates missing items, never overwrites user edits.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create dir %s: %w", root, err)
	}

	configPath := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		logger.Debug("config home OK", zap.String("home", root))
		return nil
	}

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0644); err != nil {
		logger.Warn("failed to write default config", zap.String("path", configPath), zap.Error(err))
		return nil
	}

	logger.Info("bootstrap complete", zap.String("home", root), zap.String("config", configPath))
	return nil
}

const defaultConfig = `# orchestrator-core configuration
# Auto-generated on first launch.

log:
  level: info
  format: json

database:
  type: sqlite
  dsn: orchestrator-core.db

interaction:
  path: interactions.db
  queue_capacity: 1000

providers:
  anthropic:
    base_url: "https://api.anthropic.com"
    auth_file: "~/.orchestrator-core/auth-anthropic.json"
  openai:
    base_url: "https://api.openai.com/v1"
    auth_file: "~/.orchestrator-core/auth-openai.json"

router:
  min_success_rate: 0.8
  balanced_min_success_rate: 0.9
  min_sample_size: 3
  stats_hours_back: 24
  circuit_failure_threshold: 5
  circuit_recovery_timeout_seconds: 30
  fallbacks:
    cheapest: claude-haiku-4-5
    fastest: claude-haiku-4-5
    best: claude-opus-4-5
    balanced: claude-sonnet-4-5

executor:
  max_parallel: 4
  max_retries: 2
  max_context_chars: 4000
  default_strategy: balanced

queue:
  stale_minutes: 15
  retention_days: 7
`
