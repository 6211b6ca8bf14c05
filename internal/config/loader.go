package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDir         = ".tablesync"
	configFileName = "tablesync.json"
	envPrefix      = "TABLESYNC"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file when present, then environment overrides
// (TABLESYNC_GATEWAY_PORT and so on), over the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.resolvePath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Set data directory if not specified
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, appDir)
	}

	if cfg.Storage.Driver == "sqlite" && cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(cfg.DataDir, "tablesync.db")
	}

	return cfg, nil
}

// setDefaults registers every key so environment variables bind even when
// the file omits them.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.ws_path", cfg.Gateway.WSPath)
	v.SetDefault("gateway.send_buffer", cfg.Gateway.SendBuffer)
	v.SetDefault("gateway.read_limit_bytes", cfg.Gateway.ReadLimitBytes)
	v.SetDefault("gateway.write_timeout_ms", cfg.Gateway.WriteTimeoutMs)

	v.SetDefault("storage.driver", cfg.Storage.Driver)
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.dsn", cfg.Storage.DSN)

	v.SetDefault("persistence.max_attempts", cfg.Persistence.MaxAttempts)
	v.SetDefault("persistence.retry_backoff_ms", cfg.Persistence.RetryBackoffMs)
	v.SetDefault("persistence.dead_letter_capacity", cfg.Persistence.DeadLetterCapacity)
	v.SetDefault("persistence.checkpoint_schedule", cfg.Persistence.CheckpointSchedule)

	v.SetDefault("transfer.max_chunks", cfg.Transfer.MaxChunks)
	v.SetDefault("transfer.max_chunk_bytes", cfg.Transfer.MaxChunkBytes)
	v.SetDefault("transfer.max_image_bytes", cfg.Transfer.MaxImageBytes)
	v.SetDefault("transfer.timeout_seconds", cfg.Transfer.TimeoutSeconds)

	v.SetDefault("dice.history_limit", cfg.Dice.HistoryLimit)
	v.SetDefault("synchronizer.inbox_size", cfg.Synchronizer.InboxSize)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)

	v.SetDefault("data_dir", cfg.DataDir)
}

func (l *Loader) resolvePath() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, appDir, configFileName), nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	path, err := l.resolvePath()
	if err != nil {
		return ""
	}
	return path
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
