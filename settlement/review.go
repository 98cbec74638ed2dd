package settlement

import (
	"context"
	"fmt"

	"github.com/warp/settlement-engine/billing"
)

// ReviewTransaction moves a pending transaction to processed or rejected.
// Rejecting a transaction does not reopen its sessions: they stay SETTLED and
// the payment logs remain as the record of what was submitted.
func (s *Submitter) ReviewTransaction(ctx context.Context, number string, to billing.TransactionStatus) (*billing.LedgerTransaction, error) {
	if number == "" {
		return nil, billing.Invalid("transaction number is required")
	}
	if to != billing.StatusProcessed && to != billing.StatusRejected {
		return nil, billing.Invalid("status must be %q or %q", billing.StatusProcessed, billing.StatusRejected)
	}

	var reviewed *billing.LedgerTransaction
	err := s.store.WithTx(ctx, func(st billing.Store) error {
		tx, err := st.GetTransaction(ctx, number)
		if err != nil {
			return err
		}
		if tx == nil {
			return fmt.Errorf("transaction %s: %w", number, billing.ErrNotFound)
		}
		if !tx.Status.CanTransition(to) {
			return fmt.Errorf("transaction %s is %s: %w", number, tx.Status, billing.ErrConflict)
		}
		ok, err := st.UpdateTransactionStatus(ctx, number, tx.Status, to)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("transaction %s changed concurrently: %w", number, billing.ErrConflict)
		}
		if reviewed, err = st.GetTransaction(ctx, number); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("transaction reviewed", "txn", number, "status", string(to))
	return reviewed, nil
}
