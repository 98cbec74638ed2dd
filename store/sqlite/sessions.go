package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/billing"
)

// =============================================================================
// SESSIONS (billing.Sessions interface)
// =============================================================================

const sessionColumns = `
	serial_id, task_id, project_id, worker_id, tenant_id, work_date,
	task_start, task_end, duration_seconds, amount, flag, created_at, updated_at`

// InsertSession stores s and assigns SerialID and timestamps.
func (q *queries) InsertSession(ctx context.Context, s *billing.Session) error {
	if !s.Flag.Valid() {
		return billing.Invalid("session flag %d", s.Flag)
	}
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO sessions
		(task_id, project_id, worker_id, tenant_id, work_date,
		 task_start, task_end, duration_seconds, amount, flag, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.TaskID, s.ProjectID, s.WorkerID, s.TenantID, s.WorkDate.String(),
		formatTime(s.TaskStart), nullTime(s.TaskEnd), s.DurationSeconds,
		s.Amount.StringFixed(2), int(s.Flag), formatTime(now), formatTime(now),
	)
	if err != nil {
		switch {
		case isUniqueConstraintError(err):
			return fmt.Errorf("worker %d already has an open session: %w", s.WorkerID, billing.ErrConflict)
		case isForeignKeyError(err):
			return fmt.Errorf("session references unknown task, project or worker: %w", billing.ErrNotFound)
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read session id: %w", err)
	}
	s.SerialID = billing.SerialID(id)
	s.CreatedAt = now
	s.UpdatedAt = now
	return nil
}

// GetSession returns nil, nil when the session does not exist.
func (q *queries) GetSession(ctx context.Context, id billing.SerialID) (*billing.Session, error) {
	sessions, err := q.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE serial_id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// FindSessions returns matching sessions ordered by work date, start, serial id.
func (q *queries) FindSessions(ctx context.Context, f billing.SessionFilter) ([]billing.Session, error) {
	var (
		where []string
		args  []any
	)
	if f.TenantID != 0 {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.WorkerID != 0 {
		where = append(where, "worker_id = ?")
		args = append(args, f.WorkerID)
	}
	if f.ProjectID != 0 {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if len(f.TaskIDs) > 0 {
		where = append(where, "task_id IN ("+placeholders(len(f.TaskIDs))+")")
		for _, id := range f.TaskIDs {
			args = append(args, id)
		}
	}
	if len(f.SerialIDs) > 0 {
		where = append(where, "serial_id IN ("+placeholders(len(f.SerialIDs))+")")
		for _, id := range f.SerialIDs {
			args = append(args, id)
		}
	}
	if !f.From.IsZero() {
		where = append(where, "work_date >= ?")
		args = append(args, f.From.String())
	}
	if !f.To.IsZero() {
		where = append(where, "work_date <= ?")
		args = append(args, f.To.String())
	}
	if f.Flag != nil {
		where = append(where, "flag = ?")
		args = append(args, int(*f.Flag))
	}
	if f.ClosedOnly {
		where = append(where, "task_end IS NOT NULL")
	}
	if f.OpenOnly {
		where = append(where, "task_end IS NULL")
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY work_date ASC, task_start ASC, serial_id ASC"

	return q.querySessions(ctx, query, args...)
}

// UpdateSessionWindow rewrites the window and price of an UNSETTLED session.
func (q *queries) UpdateSessionWindow(ctx context.Context, id billing.SerialID, start time.Time, end *time.Time, seconds int64, amount decimal.Decimal) error {
	if seconds < 0 {
		return billing.Invalid("session %d: negative duration", id)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE sessions
		SET task_start = ?, task_end = ?, duration_seconds = ?, amount = ?, updated_at = ?
		WHERE serial_id = ? AND flag = 0
	`, formatTime(start), nullTime(end), seconds, amount.StringFixed(2), formatTime(q.now()), id)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("session %d: worker already has an open session: %w", id, billing.ErrConflict)
		}
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.explainMissingSession(ctx, id)
	}
	return nil
}

// explainMissingSession tells apart an unknown session from one that can no
// longer be edited.
func (q *queries) explainMissingSession(ctx context.Context, id billing.SerialID) error {
	var flag int
	err := q.db.QueryRowContext(ctx, `SELECT flag FROM sessions WHERE serial_id = ?`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %d: %w", id, billing.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read session flag: %w", err)
	}
	return fmt.Errorf("session %d is %s: %w", id, billing.Flag(flag), billing.ErrConflict)
}

// SetSessionFlag moves closed UNSETTLED sessions owned by worker to flag.
// Rows owned by someone else, still open, or already flagged are left alone
// and are not counted.
func (q *queries) SetSessionFlag(ctx context.Context, ids []billing.SerialID, flag billing.Flag, worker billing.WorkerID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if flag != billing.FlagSettled && flag != billing.FlagRejected {
		return 0, billing.Invalid("flag %d", flag)
	}

	args := []any{int(flag), formatTime(q.now())}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, worker)

	res, err := q.db.ExecContext(ctx, `
		UPDATE sessions SET flag = ?, updated_at = ?
		WHERE serial_id IN (`+placeholders(len(ids))+`)
		  AND worker_id = ?
		  AND flag = 0
		  AND task_end IS NOT NULL
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to set session flag: %w", err)
	}
	return res.RowsAffected()
}

func (q *queries) querySessions(ctx context.Context, query string, args ...any) ([]billing.Session, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []billing.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanSession(rows *sql.Rows) (billing.Session, error) {
	var (
		s         billing.Session
		workDate  string
		taskStart string
		taskEnd   sql.NullString
		amount    string
		flag      int
		createdAt string
		updatedAt string
	)
	err := rows.Scan(
		&s.SerialID, &s.TaskID, &s.ProjectID, &s.WorkerID, &s.TenantID, &workDate,
		&taskStart, &taskEnd, &s.DurationSeconds, &amount, &flag, &createdAt, &updatedAt,
	)
	if err != nil {
		return s, fmt.Errorf("failed to scan session: %w", err)
	}

	if s.WorkDate, err = billing.ParseDate(workDate); err != nil {
		return s, err
	}
	if s.TaskStart, err = parseTime(taskStart); err != nil {
		return s, err
	}
	if s.TaskEnd, err = parseNullTime(taskEnd); err != nil {
		return s, err
	}
	if s.Amount, err = parseDecimal(amount); err != nil {
		return s, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return s, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return s, err
	}
	s.Flag = billing.Flag(flag)
	return s, nil
}
