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

// DefaultDirPermissions is used when creating the directory of an SQLite file.
const DefaultDirPermissions = 0755

// sqliteParams enables foreign keys and waits on a locked file instead of failing.
const sqliteParams = "_foreign_keys=on&_busy_timeout=5000"

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore keeps FormPipe data in a single SQLite file.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens the SQLite file named by WithSQLiteDSN, creating its directory when missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlite store: database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	sep := "?"
	if strings.Contains(cfg.DSN, "?") {
		sep = "&"
	}
	inner, err := openSQL("sqlite3", cfg.DSN+sep+sqliteParams, "SQLiteStore", sqliteMigrations, func(db *sql.DB) {
		// One connection serializes writers; turn commits are short.
		db.SetMaxOpenConns(1)
	})
	if err != nil {
		slog.Error("NewSQLiteStore: open failed", "dir", dir, "error", err)
		return nil, err
	}
	return &SQLiteStore{sqlStore: inner}, nil
}
