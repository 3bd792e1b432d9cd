// Package sqlutil provides the small set of SQL helpers every storage
// backend in this repository is built on: a Writer that serializes
// mutations where the driver requires it, a Migrator for ordered schema
// deltas, and StatementList for bulk-preparing a table's statements.
package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Writer abstracts how a backend serializes writes. Postgres can let its
// driver interleave transactions; SQLite only tolerates one writer at a
// time, so ExclusiveWriter below takes a process-wide lock.
type Writer interface {
	Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error
}

// DummyWriter passes the call straight through, starting a transaction of
// its own when the caller didn't already have one open.
type DummyWriter struct{}

func NewDummyWriter() Writer { return &DummyWriter{} }

func (w *DummyWriter) Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error {
	if txn != nil {
		return fn(txn)
	}
	return WithTransaction(db, fn)
}

// ExclusiveWriter serializes every write through a single mutex, the
// pattern SQLite's single-writer model requires.
type ExclusiveWriter struct {
	mu sync.Mutex
}

func NewExclusiveWriter() Writer { return &ExclusiveWriter{} }

func (w *ExclusiveWriter) Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if txn != nil {
		return fn(txn)
	}
	return WithTransaction(db, fn)
}

// WithTransaction runs fn inside a fresh transaction, committing on success
// and rolling back (logging any rollback failure) otherwise.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	return EndTransactionWithCheck(txn, &err, fn(txn))
}

// EndTransactionWithCheck commits txn if cause is nil, else rolls back,
// always returning the most meaningful error to the caller.
func EndTransactionWithCheck(txn *sql.Tx, outerErr *error, cause error) error {
	if cause != nil {
		if rbErr := txn.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, cause)
		}
		return cause
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	if outerErr != nil {
		return *outerErr
	}
	return nil
}

// TxStmt returns stmt bound to txn when one is open, or stmt itself
// otherwise, so callers can write one code path for both transactional and
// standalone execution.
func TxStmt(txn *sql.Tx, stmt *sql.Stmt) *sql.Stmt {
	if txn != nil {
		return txn.Stmt(stmt)
	}
	return stmt
}

// StatementList is a batch of (destination, SQL) pairs prepared together so
// a single failure reports which statement caused it.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

func (s StatementList) Prepare(db *sql.DB) error {
	for _, entry := range s {
		stmt, err := db.Prepare(entry.SQL)
		if err != nil {
			return fmt.Errorf("sqlutil: prepare %q: %w", entry.SQL, err)
		}
		*entry.Statement = stmt
	}
	return nil
}

// Migration is one named, forward-only schema delta.
type Migration struct {
	Version string
	Up      func(ctx context.Context, tx *sql.Tx) error
}

const migrationsSchema = `
CREATE TABLE IF NOT EXISTS palpo_migrations (
	version TEXT PRIMARY KEY,
	applied_at BIGINT NOT NULL DEFAULT 0
);
`

// Migrator applies pending Migrations once each, tracked in
// palpo_migrations, as a forward-only sequence of deltas.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

func (m *Migrator) AddMigrations(migrations ...Migration) {
	m.migrations = append(m.migrations, migrations...)
}

func (m *Migrator) Up(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, migrationsSchema); err != nil {
		return err
	}
	for _, mg := range m.migrations {
		var applied int
		err := m.db.QueryRowContext(ctx, "SELECT 1 FROM palpo_migrations WHERE version = $1", mg.Version).Scan(&applied)
		if err == nil {
			continue // already applied
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("sqlutil: checking migration %q: %w", mg.Version, err)
		}
		err = WithTransaction(m.db, func(txn *sql.Tx) error {
			if err := mg.Up(ctx, txn); err != nil {
				return err
			}
			_, err := txn.Exec("INSERT INTO palpo_migrations (version) VALUES ($1)", mg.Version)
			return err
		})
		if err != nil {
			return fmt.Errorf("sqlutil: applying migration %q: %w", mg.Version, err)
		}
	}
	return nil
}

// CloseAndLogIfError closes rows and logs msg if that close fails, for use
// in a defer right after a query succeeds.
func CloseAndLogIfError(ctx context.Context, rows *sql.Rows, msg string) {
	if rows == nil {
		return
	}
	if err := rows.Close(); err != nil {
		logrus.WithContext(ctx).WithError(err).Error(msg)
	}
}
