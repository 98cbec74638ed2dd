/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements billing.TxStore (catalog, sessions, ledger, settlement runs)
  using SQLite through database/sql. The same SQL works on PostgreSQL with
  minor dialect changes (placeholders, RETURNING is already portable).

INTERFACES IMPLEMENTED:
  billing.Catalog:  projects, worker rates, workers, tasks
  billing.Sessions: session rows and flag updates
  billing.Ledger:   transaction sequence, transactions, payment logs
  billing.Runs:     settlement run audit records
  billing.TxStore:  all of the above plus WithTx

APPEND-ONLY ENFORCEMENT:
  - No DELETE statements anywhere; sessions and ledger rows are permanent
  - ledger_transactions only ever has its status column updated
  - payment_logs(serial_id) is UNIQUE: a session is paid at most once

KEY TABLES:
  sessions:              Recorded work intervals with price and flag
  ledger_transactions:   One row per paid worker-day
  payment_logs:          Session -> transaction links
  transaction_sequences: Per-tenant counter behind transaction numbers
  settlement_runs:       Batch audit trail

CONCURRENCY:
  The pool is capped at one connection, so every statement and every
  transaction is serialized by database/sql itself. WithTx additionally
  holds a mutex. Code running inside WithTx must use the Store it is
  handed, never the outer one, or it will wait forever for the connection.

WAL MODE:
  File databases are opened with WAL and a busy timeout so that a second
  process (the CLI next to the server) waits instead of failing.

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is versioned with golang-migrate (see migrations/) and applied on
  New().

SEE ALSO:
  - billing/store.go: Interface definitions
  - migrations/files: Schema
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/store/sqlite/migrations"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement. Store runs them on the pool, txStore on
// an open transaction.
type queries struct {
	db  dbtx
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{
		queries: &queries{db: db, now: func() time.Time { return time.Now().UTC() }},
		db:      db,
	}, nil
}

func dsn(path string) string {
	params := "_foreign_keys=on&_busy_timeout=5000"
	if path != ":memory:" {
		params += "&_journal_mode=WAL"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for migration status checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: &queries{db: sqlTx, now: s.now}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	*queries
}

var (
	_ billing.TxStore = (*Store)(nil)
	_ billing.Store   = (*txStore)(nil)
)

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad decimal %q: %w", s, err)
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}
