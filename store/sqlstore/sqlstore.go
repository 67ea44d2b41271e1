/*
Package sqlstore provides a SQL-backed implementation of engine.TxStore.

PURPOSE:
  Persists loans, installments, payments and proposals in SQLite or
  PostgreSQL. The same queries serve both; sqlx rebinds the ? placeholders
  to $n for PostgreSQL.

KEY TABLES:
  loans:        loan aggregate with optimistic version column
  installments: materialized schedule, UNIQUE(loan_id, sequence)
  payments:     append-only, idempotency_key UNIQUE
  proposals:    renegotiated-rate offers

REPRESENTATION:
  - Money is BIGINT (smallest whole currency unit)
  - Rates are TEXT holding the exact decimal string
  - Timestamps are TEXT, UTC, fixed-width RFC 3339 with nanoseconds so
    string comparison orders them correctly

CONCURRENCY:
  UpdateLoan only succeeds when the version column still holds the
  version that was read; otherwise ErrConcurrentModification. The engine's
  per-loan lock serializes writers within a process; the version column
  catches writers in other processes.

WAL MODE:
  SQLite is opened with WAL and a busy timeout. ":memory:" is limited to a
  single connection so every caller sees the same database.

USAGE:
  store, err := sqlstore.OpenSQLite("./loans.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  coordinator := engine.NewCoordinator(store, logger)

MIGRATION:
  Schema is auto-migrated on open.

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/loan-engine/engine"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Store implements engine.TxStore over a *sqlx.DB.
type Store struct {
	conn
	db *sqlx.DB
}

var _ engine.TxStore = (*Store)(nil)

// OpenSQLite opens (and migrates) a SQLite database at path.
// Use ":memory:" for an in-memory database.
func OpenSQLite(path string) (*Store, error) {
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	}
	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return open(db)
}

// OpenPostgres opens (and migrates) a PostgreSQL database.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := sqlx.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return open(db)
}

// Open opens a database for the given driver name.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, "sqlite":
		return OpenSQLite(dsn)
	case DriverPostgres:
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewWithDB wraps an existing connection, e.g. one from sqlmock.
func NewWithDB(db *sql.DB, driver string) (*Store, error) {
	return open(sqlx.NewDb(db, driver))
}

func open(db *sqlx.DB) (*Store, error) {
	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS loans (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	client_email TEXT NOT NULL DEFAULT '',
	lender_id TEXT NOT NULL DEFAULT '',
	purpose TEXT NOT NULL DEFAULT '',
	principal BIGINT NOT NULL,
	annual_rate TEXT NOT NULL,
	term_months INTEGER NOT NULL,
	installment_amount BIGINT NOT NULL,
	total_amount BIGINT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	approved_at TEXT,
	start_date TEXT,
	completed_at TEXT,
	version BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_loans_client ON loans(client_id);
CREATE INDEX IF NOT EXISTS idx_loans_status ON loans(status);

CREATE TABLE IF NOT EXISTS installments (
	id TEXT PRIMARY KEY,
	loan_id TEXT NOT NULL REFERENCES loans(id),
	sequence INTEGER NOT NULL,
	due_date TEXT NOT NULL,
	amount BIGINT NOT NULL,
	remaining BIGINT NOT NULL,
	status TEXT NOT NULL,
	paid_at TEXT,
	UNIQUE(loan_id, sequence)
);

-- Reminder and overdue scans
CREATE INDEX IF NOT EXISTS idx_installments_status_due
	ON installments(status, due_date);

CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	loan_id TEXT NOT NULL REFERENCES loans(id),
	position INTEGER NOT NULL,
	amount BIGINT NOT NULL,
	paid_at TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT UNIQUE,
	UNIQUE(loan_id, position)
);

CREATE TABLE IF NOT EXISTS proposals (
	id TEXT PRIMARY KEY,
	loan_id TEXT NOT NULL REFERENCES loans(id),
	lender_id TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	original_rate TEXT NOT NULL,
	proposed_rate TEXT NOT NULL,
	original_installment BIGINT NOT NULL,
	proposed_installment BIGINT NOT NULL,
	original_total BIGINT NOT NULL,
	proposed_total BIGINT NOT NULL,
	start_date TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	responded_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_proposals_loan ON proposals(loan_id);
`

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Reads inside fn go
// through the same transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store engine.Store) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AppendInstallments runs in its own transaction when called outside WithTx.
func (s *Store) AppendInstallments(ctx context.Context, installments []engine.Installment) error {
	return s.WithTx(ctx, func(tx engine.Store) error {
		return tx.AppendInstallments(ctx, installments)
	})
}

// UpdateInstallments runs in its own transaction when called outside WithTx.
func (s *Store) UpdateInstallments(ctx context.Context, installments []engine.Installment) error {
	return s.WithTx(ctx, func(tx engine.Store) error {
		return tx.UpdateInstallments(ctx, installments)
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key")
}

func isIdempotencyKeyError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.Contains(pqErr.Constraint, "idempotency_key")
	}
	return strings.Contains(err.Error(), "idempotency_key")
}
