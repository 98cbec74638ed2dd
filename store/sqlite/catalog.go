package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/billing"
)

// =============================================================================
// CATALOG (billing.Catalog interface)
// =============================================================================

// Project returns nil, nil when the project does not exist.
func (q *queries) Project(ctx context.Context, id billing.ProjectID) (*billing.Project, error) {
	var (
		p    billing.Project
		mode string
		rate string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, billing_mode, hourly_rate
		FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.TenantID, &p.Name, &mode, &rate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	p.BillingMode = billing.BillingMode(mode)
	if p.HourlyRate, err = parseDecimal(rate); err != nil {
		return nil, err
	}
	return &p, nil
}

func (q *queries) WorkerRate(ctx context.Context, projectID billing.ProjectID, workerID billing.WorkerID) (decimal.Decimal, bool, error) {
	var rate string
	err := q.db.QueryRowContext(ctx, `
		SELECT rate FROM worker_rates WHERE project_id = ? AND worker_id = ?
	`, projectID, workerID).Scan(&rate)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to get worker rate: %w", err)
	}
	d, err := parseDecimal(rate)
	if err != nil {
		return decimal.Zero, false, err
	}
	return d, true, nil
}

// Worker returns nil, nil when the worker does not exist.
func (q *queries) Worker(ctx context.Context, id billing.WorkerID) (*billing.Worker, error) {
	var w billing.Worker
	err := q.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, role FROM workers WHERE id = ?
	`, id).Scan(&w.ID, &w.TenantID, &w.Name, &w.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return &w, nil
}

// Task returns nil, nil when the task does not exist.
func (q *queries) Task(ctx context.Context, id billing.TaskID) (*billing.Task, error) {
	var t billing.Task
	err := q.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, project_id, title, logged_seconds FROM tasks WHERE id = ?
	`, id).Scan(&t.ID, &t.TenantID, &t.ProjectID, &t.Title, &t.LoggedSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &t, nil
}

func (q *queries) SetTaskSeconds(ctx context.Context, id billing.TaskID, seconds int64) error {
	if seconds < 0 {
		return billing.Invalid("task %d: negative logged seconds %d", id, seconds)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET logged_seconds = ?, updated_at = ? WHERE id = ?
	`, seconds, formatTime(q.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update task seconds: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d: %w", id, billing.ErrNotFound)
	}
	return nil
}

func (q *queries) Tenants(ctx context.Context) ([]billing.TenantID, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM workers ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []billing.TenantID
	for rows.Next() {
		var id billing.TenantID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// =============================================================================
// CATALOG ADMINISTRATION
// =============================================================================
// Catalog rows are owned by the surrounding product; these upserts exist for
// seeding, the CLI and tests.

func (s *Store) SaveProject(ctx context.Context, p billing.Project) error {
	if !p.BillingMode.Valid() {
		return billing.Invalid("project %d: billing mode %q", p.ID, p.BillingMode)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, tenant_id, name, billing_mode, hourly_rate, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			billing_mode = excluded.billing_mode,
			hourly_rate = excluded.hourly_rate
	`, p.ID, p.TenantID, p.Name, string(p.BillingMode), p.HourlyRate.String(), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

func (s *Store) SaveWorker(ctx context.Context, w billing.Worker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, tenant_id, name, role, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role
	`, w.ID, w.TenantID, w.Name, w.Role, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to save worker: %w", err)
	}
	return nil
}

func (s *Store) SaveWorkerRate(ctx context.Context, projectID billing.ProjectID, workerID billing.WorkerID, rate decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_rates (project_id, worker_id, rate)
		VALUES (?, ?, ?)
		ON CONFLICT(project_id, worker_id) DO UPDATE SET rate = excluded.rate
	`, projectID, workerID, rate.String())
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("worker rate %d/%d: %w", projectID, workerID, billing.ErrNotFound)
		}
		return fmt.Errorf("failed to save worker rate: %w", err)
	}
	return nil
}

func (s *Store) SaveTask(ctx context.Context, t billing.Task) error {
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, tenant_id, project_id, title, logged_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			logged_seconds = excluded.logged_seconds,
			updated_at = excluded.updated_at
	`, t.ID, t.TenantID, t.ProjectID, t.Title, t.LoggedSeconds, now, now)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("task %d: project %d: %w", t.ID, t.ProjectID, billing.ErrNotFound)
		}
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}
