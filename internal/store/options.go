package store

import "strings"

// Opts holds configuration options for store backends.
type Opts struct {
	DSN    string // database connection string or SQLite file path
	Driver string // "postgres" or "sqlite3"; detected from the DSN when empty
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithPostgresDSN configures a PostgreSQL backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "postgres"
	}
}

// WithSQLiteDSN configures an SQLite backend. The DSN is a file path,
// optionally prefixed with "file:" and followed by query parameters.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "sqlite3"
	}
}

// WithDSN sets the DSN and lets the backend be detected from it.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or keyword DSNs and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}
