package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Connection pool defaults for Postgres.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore keeps FormPipe data in PostgreSQL. It is safe to share across replicas.
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore connects to the database named by WithPostgresDSN and applies migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store: database DSN not set")
	}

	inner, err := openSQL("postgres", cfg.DSN, "PostgresStore", postgresMigrations, func(db *sql.DB) {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	})
	if err != nil {
		slog.Error("NewPostgresStore: open failed", "error", err)
		return nil, err
	}
	inner.bind = rebindDollar
	return &PostgresStore{sqlStore: inner}, nil
}
