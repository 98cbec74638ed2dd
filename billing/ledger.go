/*
ledger.go - Ledger transactions and payment logs

PURPOSE:
  The ledger is the durable record of money paid. Each LedgerTransaction is
  one payment event for one worker-day; its PaymentLogs name every session
  it paid for. Together they are the proof that a session was settled.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: transactions and logs are never deleted or re-priced.
  2. STATUS ONLY: the single permitted mutation is pending -> processed or
     pending -> rejected, performed by a reviewer.
  3. NUMBERING: "<prefix>_<tenantId>_<sequence>", sequence strictly
     increasing per tenant and issued from an atomic counter.
  4. NO ORPHANS: a transaction is committed together with its logs and the
     SETTLED flag flip of its sessions, or not at all.

SEE ALSO:
  - settlement/submit.go: Submit-One-Payment protocol
  - store/sqlite/ledger.go: persistence and the sequence table
*/
package billing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSACTION STATUS
// =============================================================================

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusProcessed TransactionStatus = "processed"
	StatusRejected  TransactionStatus = "rejected"
)

func (s TransactionStatus) Valid() bool {
	return s == StatusPending || s == StatusProcessed || s == StatusRejected
}

// CanTransition reports whether a reviewer may move a transaction from s to next.
func (s TransactionStatus) CanTransition(next TransactionStatus) bool {
	return s == StatusPending && (next == StatusProcessed || next == StatusRejected)
}

// =============================================================================
// LEDGER RECORDS
// =============================================================================

type LedgerTransaction struct {
	Number    string
	Sequence  int64
	TenantID  TenantID
	WorkerID  WorkerID
	WorkDate  Date
	Bucket    BucketLabel
	Seconds   int64
	Hours     decimal.Decimal
	Amount    decimal.Decimal
	Status    TransactionStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentLog links one settled session to the transaction that paid it.
type PaymentLog struct {
	ID                int64
	TransactionNumber string
	SerialID          SerialID
	WorkDate          Date
	Seconds           int64
	Amount            decimal.Decimal
	CreatedAt         time.Time
}

// =============================================================================
// TRANSACTION NUMBERS
// =============================================================================

// FormatTransactionNumber renders "<prefix>_<tenantId>_<sequence>".
func FormatTransactionNumber(prefix string, tenantID TenantID, seq int64) string {
	return fmt.Sprintf("%s_%d_%d", prefix, tenantID, seq)
}

// ParseTransactionNumber splits a transaction number into its parts.
func ParseTransactionNumber(number string) (prefix string, tenantID TenantID, seq int64, err error) {
	parts := strings.Split(number, "_")
	if len(parts) != 3 || parts[0] == "" {
		return "", 0, 0, Invalid("transaction number %q", number)
	}
	t, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, 0, Invalid("transaction number %q: tenant", number)
	}
	seq, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil || seq < 1 {
		return "", 0, 0, Invalid("transaction number %q: sequence", number)
	}
	return parts[0], TenantID(t), seq, nil
}

// NextTransactionNumber increments the numeric suffix of last. An empty last
// starts the tenant's sequence at 1.
func NextTransactionNumber(last, prefix string, tenantID TenantID) (string, error) {
	if last == "" {
		return FormatTransactionNumber(prefix, tenantID, 1), nil
	}
	p, t, seq, err := ParseTransactionNumber(last)
	if err != nil {
		return "", err
	}
	return FormatTransactionNumber(p, t, seq+1), nil
}
