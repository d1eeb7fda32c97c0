package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the PostgreSQL-backed storage layer. It is safe for concurrent
// use; every multi-step write (event snapshot replacement, alert resolution)
// runs inside a single pgx transaction.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New opens a pgxpool connection to connStr and pings the database.
func New(ctx context.Context, connStr string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the connection pool. The Store must not be used afterwards.
func (s *Store) Close() {
	s.pool.Close()
}

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// nullableStr converts an empty string to a nil pointer, which pgx stores as
// SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullableID converts a zero id to a nil pointer (SQL NULL).
func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
