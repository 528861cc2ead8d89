package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Store kinds accepted by New.
const (
	KindMemory   = "memory"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
	KindDynamoDB = "dynamodb"
)

// Opts holds configuration for the persistent stores.
type Opts struct {
	DSN   string // connection string or file path
	Table string // DynamoDB table name
}

// Option defines a functional option for configuring a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithDynamoTable sets the DynamoDB table name.
func WithDynamoTable(table string) Option {
	return func(o *Opts) {
		o.Table = table
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key/value DSNs and "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return KindPostgres
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return KindPostgres
	}
	return KindSQLite
}

// New opens the store of the given kind. An empty kind is inferred from the DSN,
// and falls back to the in-memory store when no DSN is set.
func New(ctx context.Context, kind string, opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if kind == "" {
		if cfg.DSN == "" {
			kind = KindMemory
		} else {
			kind = DetectDSNType(cfg.DSN)
		}
	}
	slog.Debug("store.New: opening store", "kind", kind, "DSN_set", cfg.DSN != "")
	switch kind {
	case KindMemory:
		return NewInMemoryStore(), nil
	case KindSQLite:
		return NewSQLiteStore(opts...)
	case KindPostgres:
		return NewPostgresStore(opts...)
	case KindDynamoDB:
		return NewDynamoStoreFromConfig(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}
