package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/settlement-engine/billing"
)

// =============================================================================
// LEDGER (billing.Ledger interface)
// =============================================================================

const transactionColumns = `
	number, sequence, tenant_id, worker_id, work_date, bucket,
	seconds, hours, amount, status, created_at, updated_at`

// NextSequence advances the tenant's counter in a single statement, so two
// callers can never observe the same value.
func (q *queries) NextSequence(ctx context.Context, tenantID billing.TenantID) (int64, error) {
	var seq int64
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO transaction_sequences (tenant_id, last_value) VALUES (?, 1)
		ON CONFLICT(tenant_id) DO UPDATE SET last_value = last_value + 1
		RETURNING last_value
	`, tenantID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to advance transaction sequence: %w", err)
	}
	return seq, nil
}

func (q *queries) InsertTransaction(ctx context.Context, tx *billing.LedgerTransaction) error {
	if tx.Status == "" {
		tx.Status = billing.StatusPending
	}
	if !tx.Status.Valid() {
		return billing.Invalid("transaction status %q", tx.Status)
	}
	now := q.now()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO ledger_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.Number, tx.Sequence, tx.TenantID, tx.WorkerID, tx.WorkDate.String(), string(tx.Bucket),
		tx.Seconds, tx.Hours.StringFixed(2), tx.Amount.StringFixed(2), string(tx.Status),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("transaction %s already exists: %w", tx.Number, billing.ErrConflict)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	tx.CreatedAt = now
	tx.UpdatedAt = now
	return nil
}

func (q *queries) InsertPaymentLogs(ctx context.Context, logs []billing.PaymentLog) error {
	now := q.now()
	for i := range logs {
		l := &logs[i]
		res, err := q.db.ExecContext(ctx, `
			INSERT INTO payment_logs (transaction_number, serial_id, work_date, seconds, amount, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, l.TransactionNumber, l.SerialID, l.WorkDate.String(), l.Seconds, l.Amount.StringFixed(2), formatTime(now))
		if err != nil {
			switch {
			case isUniqueConstraintError(err):
				return fmt.Errorf("session %d already paid: %w", l.SerialID, billing.ErrConflict)
			case isForeignKeyError(err):
				return fmt.Errorf("payment log for session %d: %w", l.SerialID, billing.ErrNotFound)
			}
			return fmt.Errorf("failed to insert payment log: %w", err)
		}
		if l.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read payment log id: %w", err)
		}
		l.CreatedAt = now
	}
	return nil
}

func (q *queries) LastTransactionNumber(ctx context.Context, worker billing.WorkerID, tenantID billing.TenantID) (string, error) {
	var number string
	err := q.db.QueryRowContext(ctx, `
		SELECT number FROM ledger_transactions
		WHERE worker_id = ? AND tenant_id = ?
		ORDER BY sequence DESC
		LIMIT 1
	`, worker, tenantID).Scan(&number)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last transaction number: %w", err)
	}
	return number, nil
}

// GetTransaction returns nil, nil when number is unknown.
func (q *queries) GetTransaction(ctx context.Context, number string) (*billing.LedgerTransaction, error) {
	txs, err := q.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions WHERE number = ?`, number)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func (q *queries) ListTransactions(ctx context.Context, worker billing.WorkerID) ([]billing.LedgerTransaction, error) {
	return q.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM ledger_transactions
		WHERE worker_id = ?
		ORDER BY tenant_id ASC, sequence ASC
	`, worker)
}

func (q *queries) PaymentLogs(ctx context.Context, number string) ([]billing.PaymentLog, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, transaction_number, serial_id, work_date, seconds, amount, created_at
		FROM payment_logs
		WHERE transaction_number = ?
		ORDER BY serial_id ASC
	`, number)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment logs: %w", err)
	}
	defer rows.Close()

	var logs []billing.PaymentLog
	for rows.Next() {
		var (
			l         billing.PaymentLog
			workDate  string
			amount    string
			createdAt string
		)
		if err := rows.Scan(&l.ID, &l.TransactionNumber, &l.SerialID, &workDate, &l.Seconds, &amount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment log: %w", err)
		}
		if l.WorkDate, err = billing.ParseDate(workDate); err != nil {
			return nil, err
		}
		if l.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// UpdateTransactionStatus is the only UPDATE the ledger accepts.
func (q *queries) UpdateTransactionStatus(ctx context.Context, number string, from, to billing.TransactionStatus) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE ledger_transactions SET status = ?, updated_at = ?
		WHERE number = ? AND status = ?
	`, string(to), formatTime(q.now()), number, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update transaction status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *queries) queryTransactions(ctx context.Context, query string, args ...any) ([]billing.LedgerTransaction, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []billing.LedgerTransaction
	for rows.Next() {
		var (
			tx        billing.LedgerTransaction
			workDate  string
			bucket    string
			hours     string
			amount    string
			status    string
			createdAt string
			updatedAt string
		)
		err := rows.Scan(
			&tx.Number, &tx.Sequence, &tx.TenantID, &tx.WorkerID, &workDate, &bucket,
			&tx.Seconds, &hours, &amount, &status, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if tx.WorkDate, err = billing.ParseDate(workDate); err != nil {
			return nil, err
		}
		if tx.Hours, err = parseDecimal(hours); err != nil {
			return nil, err
		}
		if tx.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if tx.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if tx.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		tx.Bucket = billing.BucketLabel(bucket)
		tx.Status = billing.TransactionStatus(status)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
