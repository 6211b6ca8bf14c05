package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/tablesync"
	cfg.Storage.Path = "/var/lib/tablesync/tablesync.db"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, 3001, cfg.Gateway.Port)
	assert.Equal(t, "/ws", cfg.Gateway.WSPath)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 1, cfg.Persistence.MaxAttempts)
	assert.Empty(t, cfg.Persistence.CheckpointSchedule)
	assert.Equal(t, 100, cfg.Transfer.MaxChunks)
	assert.Equal(t, 600*1024, cfg.Transfer.MaxChunkBytes)
	assert.Equal(t, 10*1024*1024, cfg.Transfer.MaxImageBytes)
	assert.Equal(t, 50, cfg.Dice.HistoryLimit)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10*time.Second, cfg.Gateway.WriteTimeout())
	assert.Equal(t, 200*time.Millisecond, cfg.Persistence.RetryBackoff())
	assert.Equal(t, time.Minute, cfg.Transfer.Timeout())
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("defaults need a storage path", func(t *testing.T) {
		err := DefaultConfig().Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "storage.path")
	})

	t.Run("postgres needs a dsn", func(t *testing.T) {
		cfg := validConfig()
		cfg.Storage.Driver = "postgres"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "storage.dsn")
	})

	t.Run("collects every problem", func(t *testing.T) {
		cfg := validConfig()
		cfg.Gateway.Port = 70000
		cfg.Transfer.MaxChunks = 0
		cfg.Logging.Level = "loud"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "port")
		assert.Contains(t, err.Error(), "transfer.max_chunks")
		assert.Contains(t, err.Error(), "invalid log level")
	})
}

func TestConfigString(t *testing.T) {
	s := validConfig().String()
	assert.Contains(t, s, `"gateway"`)
	assert.Contains(t, s, `"checkpoint_schedule"`)
}
