package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/tablesync/pkg/session"
)

// Record is one stored session snapshot.
type Record struct {
	SessionID string
	Data      []byte
	UpdatedAt time.Time
}

// Store is a durable key-value store of session snapshots, one table per kind.
type Store interface {
	LoadAll(ctx context.Context, kind session.Kind) ([]Record, error)
	Upsert(ctx context.Context, kind session.Kind, sessionID string, data []byte) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StoreConfig selects and configures a Store implementation.
type StoreConfig struct {
	Driver string
	// Path is the SQLite database file.
	Path string
	// DSN is the Postgres connection string.
	DSN string
}

// Open creates the store selected by cfg.Driver and ensures its schema.
func Open(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return NewSQLiteStore(cfg.Path)
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func tableName(kind session.Kind) (string, error) {
	switch kind {
	case session.KindCombat:
		return "combat_sessions", nil
	case session.KindDice:
		return "dice_sessions", nil
	case session.KindBattlefield:
		return "battlefield_sessions", nil
	default:
		return "", fmt.Errorf("unknown session kind: %s", kind)
	}
}
