/*
submit.go - Submit-One-Payment protocol

PURPOSE:
  Commits one worker-day as a ledger transaction. Used by the batch
  Orchestrator and by the interactive approve action.

PROTOCOL (one database transaction):
  1. Sanitize the DayPayment: ids present and positive, date set, bucket
     derived from the date. Nothing malformed reaches the ledger.
  2. Read the worker's last transaction number (audit only) and advance
     the tenant's atomic sequence for the new number.
  3. Re-read the named sessions. Every one must belong to the worker and
     tenant, be closed, be UNSETTLED and be dated on the payment's day.
     Hours and amount are derived from these rows, not from the caller.
  4. Insert the transaction (pending) and one payment log per session.
  5. Flag the sessions SETTLED, scoped to the worker. Fewer flipped rows
     than sessions means someone else settled them: roll back.

  A failure anywhere rolls everything back, so flags stay UNSETTLED and no
  transaction exists without its logs. Retrying the same day is safe.

NUMBERING:
  "<prefix>_<tenantId>_<sequence>" with the sequence issued by
  transaction_sequences. Two concurrent submits can never share a number.

SEE ALSO:
  - billing/ledger.go: number format, statuses
  - store/sqlite/ledger.go: NextSequence
*/
package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/billing"
)

// Receipt is the committed transaction with its payment logs.
type Receipt struct {
	Transaction billing.LedgerTransaction
	Logs        []billing.PaymentLog
}

// Submitter runs the Submit-One-Payment protocol.
type Submitter struct {
	store  billing.TxStore
	prefix string
	logger *slog.Logger
}

func NewSubmitter(store billing.TxStore, prefix string, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{store: store, prefix: prefix, logger: logger}
}

// Submit pays one worker-day.
func (s *Submitter) Submit(ctx context.Context, p DayPayment) (*Receipt, error) {
	p, err := sanitize(p)
	if err != nil {
		return nil, err
	}

	var receipt *Receipt
	err = s.store.WithTx(ctx, func(st billing.Store) error {
		last, err := st.LastTransactionNumber(ctx, p.WorkerID, p.TenantID)
		if err != nil {
			return billing.Upstream("read last transaction number", err)
		}

		sessions, err := st.FindSessions(ctx, billing.SessionFilter{TenantID: p.TenantID, SerialIDs: p.SerialIDs})
		if err != nil {
			return billing.Upstream("load sessions", err)
		}
		seconds, amount, err := checkPayable(p, sessions)
		if err != nil {
			return err
		}

		seq, err := st.NextSequence(ctx, p.TenantID)
		if err != nil {
			return billing.Upstream("advance transaction sequence", err)
		}
		number := billing.FormatTransactionNumber(s.prefix, p.TenantID, seq)
		if err := checkAfter(last, seq); err != nil {
			return err
		}

		tx := billing.LedgerTransaction{
			Number:   number,
			Sequence: seq,
			TenantID: p.TenantID,
			WorkerID: p.WorkerID,
			WorkDate: p.Date,
			Bucket:   p.Bucket,
			Seconds:  seconds,
			Hours:    billing.Hours(seconds),
			Amount:   amount,
			Status:   billing.StatusPending,
		}
		if err := st.InsertTransaction(ctx, &tx); err != nil {
			return billing.Upstream("create transaction", err)
		}

		logs := make([]billing.PaymentLog, 0, len(sessions))
		for _, sess := range sessions {
			logs = append(logs, billing.PaymentLog{
				TransactionNumber: number,
				SerialID:          sess.SerialID,
				WorkDate:          sess.WorkDate,
				Seconds:           sess.DurationSeconds,
				Amount:            sess.Amount,
			})
		}
		if err := st.InsertPaymentLogs(ctx, logs); err != nil {
			return billing.Upstream("create payment logs", err)
		}

		flipped, err := st.SetSessionFlag(ctx, p.SerialIDs, billing.FlagSettled, p.WorkerID)
		if err != nil {
			return billing.Upstream("flag sessions settled", err)
		}
		if flipped != int64(len(p.SerialIDs)) {
			return fmt.Errorf("flagged %d of %d sessions: %w", flipped, len(p.SerialIDs), billing.ErrConflict)
		}

		receipt = &Receipt{Transaction: tx, Logs: logs}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment submitted",
		"txn", receipt.Transaction.Number,
		"tenant_id", p.TenantID,
		"worker_id", p.WorkerID,
		"date", p.Date.String(),
		"sessions", len(receipt.Logs),
		"amount", receipt.Transaction.Amount.StringFixed(2))
	return receipt, nil
}

// ApproveDay pays every closed UNSETTLED session of worker on date. It is the
// interactive path, so it does not consult the excluded-role list.
func (s *Submitter) ApproveDay(ctx context.Context, tenantID billing.TenantID, workerID billing.WorkerID, date billing.Date) (*Receipt, error) {
	if tenantID <= 0 || workerID <= 0 || date.IsZero() {
		return nil, billing.Invalid("tenant_id, worker_id and date are required")
	}
	unsettled := billing.FlagUnsettled
	sessions, err := s.store.FindSessions(ctx, billing.SessionFilter{
		TenantID:   tenantID,
		WorkerID:   workerID,
		From:       date,
		To:         date,
		Flag:       &unsettled,
		ClosedOnly: true,
	})
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("no unsettled sessions for worker %d on %s: %w", workerID, date, billing.ErrNotFound)
	}

	p := DayPayment{WorkerID: workerID, TenantID: tenantID, Date: date, Bucket: date.Bucket()}
	for _, sess := range sessions {
		p.SerialIDs = append(p.SerialIDs, sess.SerialID)
	}
	return s.Submit(ctx, p)
}

func sanitize(p DayPayment) (DayPayment, error) {
	switch {
	case p.TenantID <= 0:
		return p, billing.Invalid("payment: tenant_id is required")
	case p.WorkerID <= 0:
		return p, billing.Invalid("payment: worker_id is required")
	case p.Date.IsZero():
		return p, billing.Invalid("payment: date is required")
	}
	ids := make([]billing.SerialID, 0, len(p.SerialIDs))
	seen := make(map[billing.SerialID]bool, len(p.SerialIDs))
	for _, id := range p.SerialIDs {
		if id <= 0 {
			return p, billing.Invalid("payment: serial id %d", id)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return p, billing.Invalid("payment: no sessions")
	}
	p.SerialIDs = ids
	p.Bucket = p.Date.Bucket()
	return p, nil
}

// checkPayable verifies the re-read sessions and returns their totals.
func checkPayable(p DayPayment, sessions []billing.Session) (int64, decimal.Decimal, error) {
	if len(sessions) != len(p.SerialIDs) {
		return 0, decimal.Zero, fmt.Errorf("payment names %d sessions, %d found in tenant %d: %w",
			len(p.SerialIDs), len(sessions), p.TenantID, billing.ErrNotFound)
	}
	var (
		seconds int64
		amount  = decimal.Zero
	)
	for _, sess := range sessions {
		switch {
		case sess.WorkerID != p.WorkerID:
			return 0, decimal.Zero, fmt.Errorf("session %d belongs to worker %d: %w", sess.SerialID, sess.WorkerID, billing.ErrConflict)
		case sess.IsOpen():
			return 0, decimal.Zero, fmt.Errorf("session %d: %w", sess.SerialID, billing.ErrBusy)
		case !sess.Flag.Payable():
			return 0, decimal.Zero, fmt.Errorf("session %d is %s: %w", sess.SerialID, sess.Flag, billing.ErrConflict)
		case sess.WorkDate != p.Date:
			return 0, decimal.Zero, fmt.Errorf("session %d is dated %s, not %s: %w", sess.SerialID, sess.WorkDate, p.Date, billing.ErrConflict)
		}
		seconds += sess.DurationSeconds
		amount = amount.Add(sess.Amount)
	}
	amount = billing.RoundMoney(amount)
	if seconds <= 0 || !amount.IsPositive() {
		return 0, decimal.Zero, billing.Invalid("payment for worker %d on %s has nothing to pay", p.WorkerID, p.Date)
	}
	return seconds, amount, nil
}

// checkAfter guards against a sequence that went backwards, e.g. after a
// restore of the sequence table without the ledger.
func checkAfter(last string, seq int64) error {
	if last == "" {
		return nil
	}
	_, _, lastSeq, err := billing.ParseTransactionNumber(last)
	if err != nil {
		return &billing.UpstreamError{Op: "parse last transaction number", Err: err}
	}
	if seq <= lastSeq {
		return billing.Upstream("advance transaction sequence",
			fmt.Errorf("issued %d but worker already holds %s", seq, last))
	}
	return nil
}
