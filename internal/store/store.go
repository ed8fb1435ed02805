// Package store provides the SQLite persistence layer for specmem: pooled
// connections, transactions, schema bootstrap, the lexical full-text backends,
// and the in-process ANN index that mirrors memory embeddings.
package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
)

// Options configures the database connection.
type Options struct {
	// Path is the database file. Empty or ":memory:" opens an in-memory
	// database (used by tests).
	Path string
	// CacheSizeMB is the SQLite page cache size (default 64).
	CacheSizeMB int
	// BusyTimeout is the lock-contention timeout (default 5s).
	BusyTimeout time.Duration
}

// DB wraps the SQLite handle with specmem's transaction and dimension helpers.
type DB struct {
	sql  *sql.DB
	path string
}

// Open opens (or creates) the database and applies the standard pragmas.
// SQLite is a single-writer store, so the pool is capped at one connection;
// WAL mode plus a busy timeout handles contention between processes.
func Open(opts Options) (*DB, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 64
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	inMemory := opts.Path == "" || opts.Path == ":memory:"
	dsn := ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, specerrors.Wrap(specerrors.KindStoreConnection, "create database directory", err)
		}
		dsn = opts.Path
	}

	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, specerrors.Wrap(specerrors.KindStoreConnection, "open database", err)
	}

	// Single writer prevents lock contention; don't expire connections.
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)
	handle.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA busy_timeout = " + strconv.Itoa(int(opts.BusyTimeout.Milliseconds())),
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -" + strconv.Itoa(opts.CacheSizeMB*1024),
		"PRAGMA temp_store = MEMORY",
	}
	if !inMemory {
		// WAL must be set via PRAGMA for modernc.org/sqlite.
		pragmas = append([]string{"PRAGMA journal_mode = WAL"}, pragmas...)
	}
	for _, pragma := range pragmas {
		if _, err := handle.Exec(pragma); err != nil {
			_ = handle.Close()
			return nil, specerrors.Wrap(specerrors.KindStoreConnection, "set pragma", err)
		}
	}

	return &DB{sql: handle, path: opts.Path}, nil
}

// Handle exposes the raw connection pool for query composition by the
// component stores.
func (d *DB) Handle() *sql.DB {
	return d.sql
}

// Transaction runs fn inside BEGIN/COMMIT. Any error (or panic) rolls the
// transaction back, so batch ingests commit all rows or none.
func (d *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return MapError(err)
	}

	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				slog.Warn("transaction_rollback_failed", slog.String("error", rbErr.Error()))
			}
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return MapError(err)
	}
	committed = true
	return nil
}

// Close checkpoints the WAL and closes the pool.
func (d *DB) Close() error {
	if d.sql == nil {
		return nil
	}
	_, _ = d.sql.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return d.sql.Close()
}

// GetTableDimension returns the declared embedding dimension for a table,
// or 0 when no dimension has been recorded yet.
func (d *DB) GetTableDimension(ctx context.Context, table string) (int, error) {
	var dim int
	err := d.sql.QueryRowContext(ctx,
		`SELECT dimension FROM vector_dimensions WHERE table_name = ?`, table).Scan(&dim)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, MapError(err)
	}
	return dim, nil
}

// SetTableDimension records the declared embedding dimension for a table.
func (d *DB) SetTableDimension(ctx context.Context, table string, dim int) error {
	if dim <= 0 {
		return specerrors.Newf(specerrors.KindValidation, "dimension must be positive, got %d", dim)
	}
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO vector_dimensions (table_name, dimension, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET dimension = excluded.dimension, updated_at = excluded.updated_at`,
		table, dim, time.Now().UTC())
	return MapError(err)
}

// MapError classifies driver errors into the store error kinds.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return specerrors.Wrap(specerrors.KindStoreTimeout, "query timed out", err)
	case stderrors.Is(err, context.Canceled):
		return specerrors.Wrap(specerrors.KindCancelled, "query cancelled", err)
	case stderrors.Is(err, sql.ErrConnDone):
		return specerrors.Wrap(specerrors.KindStoreConnection, "connection lost", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "constraint"):
		return specerrors.Wrap(specerrors.KindStoreConstraint, "constraint violation", err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "busy"):
		return specerrors.Wrap(specerrors.KindStoreTimeout, "database busy", err)
	case strings.Contains(msg, "no such table"), strings.Contains(msg, "no such module"):
		return specerrors.Wrap(specerrors.KindStoreOther, "schema missing", err).
			WithSuggestion("run schema bootstrap")
	default:
		return specerrors.Wrap(specerrors.KindStoreOther, "query failed", err)
	}
}

