// This file implements an SQLite-backed store for lead conversations.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// sqliteDSNParams enables WAL and waits on a locked database instead of failing.
	sqliteDSNParams = "_busy_timeout=5000&_journal_mode=WAL"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists every repository in a single SQLite file.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	path := dsn
	if i := strings.Index(dsn, "?"); i >= 0 {
		path = dsn[:i]
	} else {
		dsn += "?" + sqliteDSNParams
	}

	dir := filepath.Dir(strings.TrimPrefix(path, "file:"))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer connection keeps "database is locked" errors out of the dispatch path.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{sqlStore{db: db, name: "SQLiteStore", rebind: rebindNone}}, nil
}
