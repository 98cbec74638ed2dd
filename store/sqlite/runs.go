package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/settlement-engine/billing"
)

// =============================================================================
// SETTLEMENT RUNS (billing.Runs interface)
// =============================================================================

// SaveRun inserts or updates a run record. The orchestrator saves a run once
// when it starts and again when it finishes.
func (q *queries) SaveRun(ctx context.Context, run billing.SettlementRun) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO settlement_runs
		(id, tenant_id, month, state, transactions, workers_paid, workers_skipped, workers_failed,
		 error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			transactions = excluded.transactions,
			workers_paid = excluded.workers_paid,
			workers_skipped = excluded.workers_skipped,
			workers_failed = excluded.workers_failed,
			error = excluded.error,
			completed_at = excluded.completed_at
	`,
		run.ID, run.TenantID, run.Month, run.State, run.Transactions,
		run.WorkersPaid, run.WorkersSkipped, run.WorkersFailed,
		nullString(run.Error), formatTime(run.StartedAt), nullTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save settlement run: %w", err)
	}
	return nil
}

// ListRuns returns the tenant's most recent runs first.
func (q *queries) ListRuns(ctx context.Context, tenantID billing.TenantID, limit int) ([]billing.SettlementRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, tenant_id, month, state, transactions, workers_paid, workers_skipped,
		       workers_failed, error, started_at, completed_at
		FROM settlement_runs
		WHERE tenant_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement runs: %w", err)
	}
	defer rows.Close()

	var runs []billing.SettlementRun
	for rows.Next() {
		var (
			run         billing.SettlementRun
			runErr      sql.NullString
			startedAt   string
			completedAt sql.NullString
		)
		err := rows.Scan(
			&run.ID, &run.TenantID, &run.Month, &run.State, &run.Transactions,
			&run.WorkersPaid, &run.WorkersSkipped, &run.WorkersFailed,
			&runErr, &startedAt, &completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement run: %w", err)
		}
		run.Error = runErr.String
		if run.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if run.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
