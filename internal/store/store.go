// Package store provides storage backends for Lockstep.
//
// The core engine only sees the per-concern repository interfaces below. Three
// backends implement all of them: PostgreSQL, SQLite and an in-memory store
// used by tests and local runs.
package store

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrDuplicate is returned when an insert collides with a unique constraint
// that is not treated as an idempotent no-op (for example a magic token).
var ErrDuplicate = errors.New("duplicate record")

// Store is the full persistence surface used by the Lockstep service.
type Store interface {
	EventRepo
	GuestDirectory
	ScheduleStore
	CheckpointStore
	NudgeRepo
	UsageRepo
	Close() error
}

// Compile-time checks that every backend implements Store.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

// Open creates the backend selected by the options. An empty DSN yields an
// in-memory store.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Debug("store.Open: no DSN provided, using in-memory store")
		return NewInMemoryStore(), nil
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DetectDSNType(cfg.DSN)
	}
	switch driver {
	case "postgres":
		return NewPostgresStore(WithPostgresDSN(cfg.DSN))
	case "sqlite3":
		return NewSQLiteStore(WithSQLiteDSN(cfg.DSN))
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
