// Package runstore provides the embedded, per-run relational store. Each
// workflow run owns exactly one Store; nothing outside the owning
// Coordinator instance ever opens it concurrently.
package runstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the per-run SQLite-class database handle. It is a thin
// execution surface: table-specific read/write logic lives in tokenstore,
// runcontext, and branch, which all share one Store per run.
type Store struct {
	db *sql.DB
}

// Open creates (or reopens) the embedded store at path. Use ":memory:" for
// ephemeral runs (tests, dry runs). WAL + a busy timeout keep the single
// writer from contending with itself across goroutines that merely read.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("runstore: open %s: %w", path, err)
	}
	if path == ":memory:" {
		// A single connection keeps the in-memory database from vanishing
		// between pooled connections.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("runstore: enable foreign keys: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers that need it directly (e.g. schema
// DDL application at run initialization).
func (s *Store) DB() *sql.DB {
	return s.db
}

// ApplyDDL executes a set of CREATE TABLE statements inside one transaction.
func (s *Store) ApplyDDL(ctx context.Context, stmts []string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("runstore: apply ddl: %w", err)
			}
		}
		return nil
	})
}

// WithTx runs fn inside a BEGIN/COMMIT transaction, rolling back on error or
// panic. tokenstore, runcontext, and branch use it for their own
// multi-statement writes; a dispatch Decision[] batch is not wrapped in one
// transaction, so each decision commits on its own.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("runstore: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}

// Exec runs a statement directly against the store outside any caller-owned
// transaction (used for single-statement operations that don't need batch
// atomicity, e.g. read-only queries wrapped for convenience).
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// Query runs a read query against the store.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a single-row read query against the store.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}
