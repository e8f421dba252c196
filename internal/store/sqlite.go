package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions is used when creating the database directory.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Backend.
var _ Backend = (*SQLiteStore)(nil)

// SQLiteStore is a file-backed store for single-instance deployments.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (creating if needed) the SQLite database at the
// configured path and applies migrations.
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

	if dsn != ":memory:" {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows one writer; a single connection keeps transactions from
	// tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dsn", dsn)

	return &SQLiteStore{sqlStore: &sqlStore{db: db, dialect: dialectSQLite, name: "SQLiteStore"}}, nil
}
