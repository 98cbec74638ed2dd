/*
Package billing provides the core types of the time-tracking settlement engine.

PURPOSE:
  This package holds the domain vocabulary shared by recording, correction
  and settlement: sessions, projects, workers, tasks, the payment-status
  flag, money helpers, calendar buckets and the ledger records. It also
  defines the Rate Resolver and Session Pricer, which are pure and safe to
  call concurrently.

KEY CONCEPTS IN THIS FILE (types.go):
  - Typed identifiers: TenantID, WorkerID, ProjectID, TaskID, SerialID
  - Flag: session payment status (0 unsettled, 1 settled, 2 rejected)
  - Session: one recorded work interval, priced at creation or correction
  - Project / Worker / Task: the catalog rows pricing and settlement read

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, rounded to 2 places by the pricer
  2. Type Safety: distinct ID types prevent mixing worker and project ids
  3. One-way flags: UNSETTLED -> SETTLED and UNSETTLED -> REJECTED only
  4. Derived amounts: a session's amount is never edited independently

SEE ALSO:
  - pricer.go: Duration and price computation
  - rate.go: Rate resolution per project/worker
  - calendar.go: Dates, months and pay buckets
  - ledger.go: Ledger transactions and payment logs
  - store.go: Persistence interfaces
*/
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID int64
type WorkerID int64
type ProjectID int64
type TaskID int64

// SerialID is the unique, monotonically increasing identity of a session row.
type SerialID int64

// =============================================================================
// FLAG - Session payment status
// =============================================================================

// Flag is the session's payment-status marker. The integer values are persisted
// and exchanged with clients as-is.
type Flag int

const (
	FlagUnsettled Flag = 0
	FlagSettled   Flag = 1
	FlagRejected  Flag = 2
)

// Valid reports whether f is one of the three known flag values.
func (f Flag) Valid() bool {
	return f == FlagUnsettled || f == FlagSettled || f == FlagRejected
}

// Payable reports whether a session carrying this flag may still be paid.
func (f Flag) Payable() bool { return f == FlagUnsettled }

func (f Flag) String() string {
	switch f {
	case FlagUnsettled:
		return "unsettled"
	case FlagSettled:
		return "settled"
	case FlagRejected:
		return "rejected"
	default:
		return fmt.Sprintf("flag(%d)", int(f))
	}
}

// =============================================================================
// CATALOG - Projects, workers, tasks
// =============================================================================

// BillingMode selects which rate table applies to a project.
type BillingMode string

const (
	// BillingHourly bills every worker at the project's flat hourly rate.
	BillingHourly BillingMode = "hourly"
	// BillingPerWorker bills each worker at the rate bound to them on the project.
	BillingPerWorker BillingMode = "per_worker"
)

func (m BillingMode) Valid() bool {
	return m == BillingHourly || m == BillingPerWorker
}

type Project struct {
	ID          ProjectID
	TenantID    TenantID
	Name        string
	BillingMode BillingMode
	HourlyRate  decimal.Decimal
}

// Worker is a person whose sessions are paid. Role decides whether the batch
// settlement path may pay them at all.
type Worker struct {
	ID       WorkerID
	TenantID TenantID
	Name     string
	Role     string
}

// Task carries the running total of seconds logged against it. LoggedSeconds
// is only written by the manual-entry append path and by delta propagation
// after corrections; it never goes below zero.
type Task struct {
	ID            TaskID
	TenantID      TenantID
	ProjectID     ProjectID
	Title         string
	LoggedSeconds int64
}

// =============================================================================
// SESSION - One recorded work interval
// =============================================================================

type Session struct {
	SerialID        SerialID
	TaskID          TaskID
	ProjectID       ProjectID
	WorkerID        WorkerID
	TenantID        TenantID
	WorkDate        Date
	TaskStart       time.Time
	TaskEnd         *time.Time // nil while the session is still being recorded
	DurationSeconds int64
	Amount          decimal.Decimal
	Flag            Flag
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsOpen reports whether the session has no end time yet.
func (s Session) IsOpen() bool { return s.TaskEnd == nil }
