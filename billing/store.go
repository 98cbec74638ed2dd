/*
store.go - Persistence interfaces for sessions, catalog and ledger

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never opens connections itself; a Store handle is constructed by the
  process bootstrap and injected into every component.

KEY INTERFACES:
  Catalog:   projects, worker rates, workers, tasks and task counters
  Sessions:  session rows, range queries, flag updates, open-session checks
  Ledger:    transaction sequence, transactions, payment logs
  Runs:      settlement run records
  TxStore:   Store + WithTx for all-or-nothing multi-table writes

FLAG UPDATES:
  SetSessionFlag only touches rows that are closed, UNSETTLED and owned by
  the given worker. The returned count lets callers detect rows that were
  already settled by someone else.

IMPLEMENTATIONS:
  - store/sqlite: SQLite via database/sql

SEE ALSO:
  - ledger.go: LedgerTransaction, PaymentLog
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FILTERS
// =============================================================================

// SessionFilter selects sessions. Zero-valued fields are ignored.
type SessionFilter struct {
	TenantID   TenantID
	WorkerID   WorkerID
	ProjectID  ProjectID
	TaskIDs    []TaskID
	SerialIDs  []SerialID
	From       Date // inclusive work date
	To         Date // inclusive work date
	Flag       *Flag
	ClosedOnly bool
	OpenOnly   bool
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

type Catalog interface {
	RateSource

	Worker(ctx context.Context, id WorkerID) (*Worker, error)
	Task(ctx context.Context, id TaskID) (*Task, error)

	// SetTaskSeconds overwrites the task's running counter.
	SetTaskSeconds(ctx context.Context, id TaskID, seconds int64) error

	// Tenants lists every tenant that has at least one worker.
	Tenants(ctx context.Context) ([]TenantID, error)
}

type Sessions interface {
	// InsertSession stores s and assigns its SerialID.
	InsertSession(ctx context.Context, s *Session) error

	GetSession(ctx context.Context, id SerialID) (*Session, error)
	FindSessions(ctx context.Context, f SessionFilter) ([]Session, error)

	// UpdateSessionWindow persists a corrected or closed window with its price.
	UpdateSessionWindow(ctx context.Context, id SerialID, start time.Time, end *time.Time, seconds int64, amount decimal.Decimal) error

	// SetSessionFlag moves closed UNSETTLED sessions owned by worker to flag
	// and returns how many rows changed.
	SetSessionFlag(ctx context.Context, ids []SerialID, flag Flag, worker WorkerID) (int64, error)
}

type Ledger interface {
	// NextSequence atomically advances and returns the tenant's counter.
	NextSequence(ctx context.Context, tenantID TenantID) (int64, error)

	InsertTransaction(ctx context.Context, tx *LedgerTransaction) error
	InsertPaymentLogs(ctx context.Context, logs []PaymentLog) error

	// LastTransactionNumber returns "" when the worker has none.
	LastTransactionNumber(ctx context.Context, worker WorkerID, tenantID TenantID) (string, error)

	GetTransaction(ctx context.Context, number string) (*LedgerTransaction, error)
	ListTransactions(ctx context.Context, worker WorkerID) ([]LedgerTransaction, error)
	PaymentLogs(ctx context.Context, number string) ([]PaymentLog, error)

	// UpdateTransactionStatus moves number from -> to; false if it was not in from.
	UpdateTransactionStatus(ctx context.Context, number string, from, to TransactionStatus) (bool, error)
}

type Runs interface {
	SaveRun(ctx context.Context, run SettlementRun) error
	ListRuns(ctx context.Context, tenantID TenantID, limit int) ([]SettlementRun, error)
}

type Store interface {
	Catalog
	Sessions
	Ledger
	Runs
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. A non-nil error from fn
	// rolls everything back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// SETTLEMENT RUN RECORD
// =============================================================================

// SettlementRun is the audit record of one settlement batch.
type SettlementRun struct {
	ID             string
	TenantID       TenantID
	Month          string
	State          string
	Transactions   int
	WorkersPaid    int
	WorkersSkipped int
	WorkersFailed  int
	Error          string
	StartedAt      time.Time
	CompletedAt    *time.Time
}
