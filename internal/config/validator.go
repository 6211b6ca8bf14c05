package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePort validates a listen port. Zero picks a free port.
func (v *Validator) ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}

// ValidateStorage validates the storage driver and its location.
func (v *Validator) ValidateStorage(storage StorageConfig) error {
	switch storage.Driver {
	case "sqlite":
		if strings.TrimSpace(storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid storage driver: %s (must be one of: sqlite, postgres)", storage.Driver)
	}
	return nil
}

// ValidateCronSchedule validates a standard five field cron expression.
// An empty schedule is allowed and disables the job.
func (v *Validator) ValidateCronSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid checkpoint schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

func positive(name string, value int) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, value)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	// Gateway
	add(v.ValidatePort(cfg.Gateway.Port))
	if !strings.HasPrefix(cfg.Gateway.WSPath, "/") {
		add(fmt.Errorf("gateway.ws_path must start with /, got %q", cfg.Gateway.WSPath))
	}
	add(positive("gateway.send_buffer", cfg.Gateway.SendBuffer))
	add(positive("gateway.write_timeout_ms", cfg.Gateway.WriteTimeoutMs))
	if cfg.Gateway.ReadLimitBytes < int64(cfg.Transfer.MaxChunkBytes) {
		add(fmt.Errorf("gateway.read_limit_bytes (%d) must fit a chunk of transfer.max_chunk_bytes (%d)",
			cfg.Gateway.ReadLimitBytes, cfg.Transfer.MaxChunkBytes))
	}

	// Storage and persistence
	add(v.ValidateStorage(cfg.Storage))
	add(positive("persistence.max_attempts", cfg.Persistence.MaxAttempts))
	if cfg.Persistence.RetryBackoffMs < 0 {
		add(fmt.Errorf("persistence.retry_backoff_ms must be >= 0"))
	}
	add(positive("persistence.dead_letter_capacity", cfg.Persistence.DeadLetterCapacity))
	add(v.ValidateCronSchedule(cfg.Persistence.CheckpointSchedule))

	// Transfers
	add(positive("transfer.max_chunks", cfg.Transfer.MaxChunks))
	add(positive("transfer.max_chunk_bytes", cfg.Transfer.MaxChunkBytes))
	add(positive("transfer.max_image_bytes", cfg.Transfer.MaxImageBytes))
	add(positive("transfer.timeout_seconds", cfg.Transfer.TimeoutSeconds))

	add(positive("dice.history_limit", cfg.Dice.HistoryLimit))
	add(positive("synchronizer.inbox_size", cfg.Synchronizer.InboxSize))

	// Validate logging
	add(v.ValidateLogLevel(cfg.Logging.Level))

	return errs
}
