// Package storage provides the SQLite metadata store for Agentum.
//
// It manages a single-file database holding users, sessions, and the
// canonical event log. The connection pool is capped at one open
// connection: SQLite is a single-writer engine, and serializing all
// statements through one connection preserves per-session event ordering
// without table-level lock contention.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"

	_ "modernc.org/sqlite"

	"go.opentelemetry.io/otel/metric"

	"github.com/agentum-dev/agentum/internal/telemetry"
)

// DB wraps the SQLite handle with query methods for all tables.
type DB struct {
	sql    *sql.DB
	path   string
	logger *slog.Logger
}

// New opens (creating if needed) the SQLite database at path and verifies
// connectivity. WAL journaling and a busy timeout are set via DSN pragmas
// so readers never block the writer.
func New(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve path: %w", err)
	}

	dsn := "file:" + abs + "?" + url.Values{
		"_pragma": []string{
			"journal_mode(WAL)",
			"busy_timeout(5000)",
			"foreign_keys(ON)",
			"synchronous(NORMAL)",
		},
		"_time_format": []string{"sqlite"},
	}.Encode()

	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	handle.SetMaxOpenConns(1)

	if err := handle.PingContext(ctx); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("storage: ping database: %w", err)
	}

	return &DB{sql: handle, path: abs, logger: logger}, nil
}

// SQL returns the underlying handle for use in tests.
func (db *DB) SQL() *sql.DB { return db.sql }

// Path returns the absolute database file path.
func (db *DB) Path() string { return db.path }

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// Close shuts down the database handle.
func (db *DB) Close() {
	if err := db.sql.Close(); err != nil {
		db.logger.Warn("storage: close database", "error", err)
	}
}

// RegisterMetrics registers observable OTEL gauges for connection health.
// Call after telemetry.Init.
func (db *DB) RegisterMetrics() {
	meter := telemetry.Meter("agentum/storage")

	_, _ = meter.Int64ObservableGauge("agentum.db.open_connections",
		metric.WithDescription("Open connections to the SQLite database"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.sql.Stats().OpenConnections))
			return nil
		}),
	)
}
