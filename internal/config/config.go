package config

import (
	"encoding/json"
	"errors"
	"time"
)

// Config represents the main tablesync configuration
type Config struct {
	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Storage backend
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Persistence writer
	Persistence PersistenceConfig `json:"persistence" mapstructure:"persistence"`

	// Background image transfers
	Transfer TransferConfig `json:"transfer" mapstructure:"transfer"`

	Dice DiceConfig `json:"dice" mapstructure:"dice"`

	Synchronizer SynchronizerConfig `json:"synchronizer" mapstructure:"synchronizer"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// GatewayConfig holds websocket server configuration
type GatewayConfig struct {
	Host           string `json:"host" mapstructure:"host"`
	Port           int    `json:"port" mapstructure:"port"`
	WSPath         string `json:"ws_path" mapstructure:"ws_path"`
	SendBuffer     int    `json:"send_buffer" mapstructure:"send_buffer"`
	ReadLimitBytes int64  `json:"read_limit_bytes" mapstructure:"read_limit_bytes"`
	WriteTimeoutMs int    `json:"write_timeout_ms" mapstructure:"write_timeout_ms"`
}

// StorageConfig selects the snapshot store.
type StorageConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // sqlite, postgres
	Path   string `json:"path" mapstructure:"path"`
	DSN    string `json:"dsn" mapstructure:"dsn"`
}

// PersistenceConfig holds write retry and checkpoint settings
type PersistenceConfig struct {
	MaxAttempts        int    `json:"max_attempts" mapstructure:"max_attempts"`
	RetryBackoffMs     int    `json:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	DeadLetterCapacity int    `json:"dead_letter_capacity" mapstructure:"dead_letter_capacity"`
	CheckpointSchedule string `json:"checkpoint_schedule" mapstructure:"checkpoint_schedule"` // cron expression, empty disables
}

// TransferConfig bounds chunked background uploads
type TransferConfig struct {
	MaxChunks      int `json:"max_chunks" mapstructure:"max_chunks"`
	MaxChunkBytes  int `json:"max_chunk_bytes" mapstructure:"max_chunk_bytes"`
	MaxImageBytes  int `json:"max_image_bytes" mapstructure:"max_image_bytes"`
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

type DiceConfig struct {
	HistoryLimit int `json:"history_limit" mapstructure:"history_limit"`
}

type SynchronizerConfig struct {
	InboxSize int `json:"inbox_size" mapstructure:"inbox_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"` // scrub credentials and inline images
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:       "0.0.0.0",
			Port:       3001,
			WSPath:     "/ws",
			SendBuffer: 256,
			// one maximal chunk plus envelope overhead
			ReadLimitBytes: 1 << 20,
			WriteTimeoutMs: 10000,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Persistence: PersistenceConfig{
			MaxAttempts:        1,
			RetryBackoffMs:     200,
			DeadLetterCapacity: 256,
			CheckpointSchedule: "",
		},
		Transfer: TransferConfig{
			MaxChunks:      100,
			MaxChunkBytes:  600 * 1024,
			MaxImageBytes:  10 * 1024 * 1024,
			TimeoutSeconds: 60,
		},
		Dice: DiceConfig{
			HistoryLimit: 50,
		},
		Synchronizer: SynchronizerConfig{
			InboxSize: 1024,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Redaction: true,
		},
		DataDir: "",
	}
}

// WriteTimeout returns the gateway write deadline.
func (g GatewayConfig) WriteTimeout() time.Duration {
	return time.Duration(g.WriteTimeoutMs) * time.Millisecond
}

// RetryBackoff returns the delay between write attempts.
func (p PersistenceConfig) RetryBackoff() time.Duration {
	return time.Duration(p.RetryBackoffMs) * time.Millisecond
}

// Timeout returns the transfer inactivity timeout.
func (t TransferConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
