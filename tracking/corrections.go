/*
corrections.go - Edit & Recompute Engine

PURPOSE:
  Applies a batch of time-window corrections to UNSETTLED sessions,
  repricing each one and propagating the net duration change of every
  touched task to that task's running counter.

FLOW:
  1. Validate the batch shape (ids present, windows well formed, no
     session named twice).
  2. Busy Guard over the batch's tasks before opening the transaction.
  3. Inside one transaction:
     a. Re-check busy state: closes the gap between step 2 and the writes.
     b. Load and check every row before writing any of them:
        NotFound  - session or task missing, or outside the tenant
        Conflict  - claimed task differs, session SETTLED or REJECTED
        ErrBusy   - session still open
     c. Resolve rates for all (project, worker) pairs once, reprice,
        persist start/end/duration/amount.
     d. Sum deltas per task; counter = max(0, before + delta).
  Any error rolls back the whole batch.

DELTAS:
  A correction may carry its own Delta; otherwise the delta is the new
  duration minus the stored one.

EXAMPLE:
  session 3600s -> 5400s on a task whose counter is 7200s
  delta +1800, counter 7200 -> 9000
*/
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/warp/settlement-engine/billing"
)

// Correction replaces the window of one session.
type Correction struct {
	SerialID billing.SerialID
	TaskID   billing.TaskID
	Start    time.Time
	End      time.Time
	Delta    *int64 // optional caller-supplied counter delta
}

// TaskAdjustment records one task counter update.
type TaskAdjustment struct {
	TaskID billing.TaskID
	Before int64
	Delta  int64
	After  int64
}

type CorrectionResult struct {
	UpdatedRows     []billing.Session
	TaskAdjustments []TaskAdjustment
}

// Corrector is the Edit & Recompute Engine.
type Corrector struct {
	store  billing.TxStore
	guard  *Guard
	logger *slog.Logger
}

func NewCorrector(store billing.TxStore, logger *slog.Logger) *Corrector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Corrector{store: store, guard: NewGuard(store), logger: logger}
}

// Apply runs a correction batch for tenantID all-or-nothing.
func (c *Corrector) Apply(ctx context.Context, tenantID billing.TenantID, batch []Correction) (*CorrectionResult, error) {
	if err := validateBatch(tenantID, batch); err != nil {
		return nil, err
	}
	tasks := make([]billing.TaskID, 0, len(batch))
	for _, corr := range batch {
		tasks = append(tasks, corr.TaskID)
	}

	if err := c.checkIdle(ctx, c.guard, tenantID, tasks); err != nil {
		return nil, err
	}

	var result *CorrectionResult
	err := c.store.WithTx(ctx, func(st billing.Store) error {
		if err := c.checkIdle(ctx, NewGuard(st), tenantID, tasks); err != nil {
			return err
		}

		current, err := loadForCorrection(ctx, st, tenantID, batch)
		if err != nil {
			return err
		}

		pairs := make([]billing.RatePair, 0, len(current))
		for _, s := range current {
			pairs = append(pairs, billing.RatePair{ProjectID: s.ProjectID, WorkerID: s.WorkerID})
		}
		rates, err := billing.NewResolver(st).ResolveAll(ctx, pairs)
		if err != nil {
			return err
		}

		result = &CorrectionResult{UpdatedRows: make([]billing.Session, 0, len(batch))}
		deltas := make(map[billing.TaskID]int64)
		for i, corr := range batch {
			sess := current[i]
			end := corr.End
			seconds := billing.Duration(corr.Start, &end)
			amount, err := billing.PriceWith(rates, sess.ProjectID, sess.WorkerID, seconds)
			if err != nil {
				return &billing.CorrectionError{SerialID: sess.SerialID, Reason: "pricing", Err: err}
			}

			delta := seconds - sess.DurationSeconds
			if corr.Delta != nil {
				delta = *corr.Delta
			}

			if err := st.UpdateSessionWindow(ctx, sess.SerialID, corr.Start, &end, seconds, amount); err != nil {
				return &billing.CorrectionError{SerialID: sess.SerialID, Reason: "update", Err: err}
			}
			deltas[sess.TaskID] += delta

			sess.TaskStart = corr.Start
			sess.TaskEnd = &end
			sess.DurationSeconds = seconds
			sess.Amount = amount
			result.UpdatedRows = append(result.UpdatedRows, sess)
		}

		result.TaskAdjustments, err = applyTaskDeltas(ctx, st, deltas)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, adj := range result.TaskAdjustments {
		c.logger.Info("task counter adjusted",
			"tenant_id", tenantID,
			"task_id", adj.TaskID,
			"before", adj.Before,
			"delta", adj.Delta,
			"after", adj.After)
	}
	return result, nil
}

func (c *Corrector) checkIdle(ctx context.Context, g *Guard, tenantID billing.TenantID, tasks []billing.TaskID) error {
	report, err := g.IsAnyTaskBusy(ctx, BusyQuery{TenantID: tenantID, TaskIDs: tasks})
	if err != nil {
		return err
	}
	if report.AnyBusy {
		return fmt.Errorf("tasks have open sessions %v: %w", report.BusySerials, billing.ErrBusy)
	}
	return nil
}

func validateBatch(tenantID billing.TenantID, batch []Correction) error {
	if tenantID <= 0 {
		return billing.Invalid("tenant_id is required")
	}
	if len(batch) == 0 {
		return billing.Invalid("empty correction batch")
	}
	seen := make(map[billing.SerialID]bool, len(batch))
	for i, corr := range batch {
		switch {
		case corr.SerialID <= 0:
			return billing.Invalid("corrections[%d]: serial_id is required", i)
		case corr.TaskID <= 0:
			return billing.Invalid("corrections[%d]: task_id is required", i)
		case corr.Start.IsZero() || corr.End.IsZero():
			return billing.Invalid("corrections[%d]: task_start and task_end are required", i)
		case corr.End.Before(corr.Start):
			return billing.Invalid("corrections[%d]: task_end is before task_start", i)
		case seen[corr.SerialID]:
			return billing.Invalid("corrections[%d]: session %d appears twice", i, corr.SerialID)
		}
		seen[corr.SerialID] = true
	}
	return nil
}

// loadForCorrection checks every row of the batch before any write happens.
func loadForCorrection(ctx context.Context, st billing.Store, tenantID billing.TenantID, batch []Correction) ([]billing.Session, error) {
	lookup := newCatalogLookup(st)
	out := make([]billing.Session, 0, len(batch))
	for _, corr := range batch {
		sess, err := st.GetSession(ctx, corr.SerialID)
		if err != nil {
			return nil, err
		}
		if sess == nil || sess.TenantID != tenantID {
			return nil, &billing.CorrectionError{SerialID: corr.SerialID, Reason: "session not in tenant", Err: billing.ErrNotFound}
		}
		if _, err := lookup.task(ctx, tenantID, sess.TaskID); err != nil {
			return nil, &billing.CorrectionError{SerialID: corr.SerialID, Reason: "task not in tenant", Err: err}
		}
		if sess.TaskID != corr.TaskID {
			return nil, &billing.CorrectionError{
				SerialID: corr.SerialID,
				Reason:   fmt.Sprintf("belongs to task %d, not %d", sess.TaskID, corr.TaskID),
				Err:      billing.ErrConflict,
			}
		}
		if !sess.Flag.Payable() {
			return nil, &billing.CorrectionError{SerialID: corr.SerialID, Reason: "session is " + sess.Flag.String(), Err: billing.ErrConflict}
		}
		if sess.IsOpen() {
			return nil, &billing.CorrectionError{SerialID: corr.SerialID, Reason: "session is open", Err: billing.ErrBusy}
		}
		out = append(out, *sess)
	}
	return out, nil
}

// adjustTaskSeconds adds delta to the task counter, flooring at zero.
func adjustTaskSeconds(ctx context.Context, st billing.Store, taskID billing.TaskID, delta int64) (TaskAdjustment, error) {
	task, err := st.Task(ctx, taskID)
	if err != nil {
		return TaskAdjustment{}, err
	}
	if task == nil {
		return TaskAdjustment{}, fmt.Errorf("task %d: %w", taskID, billing.ErrNotFound)
	}
	adj := TaskAdjustment{
		TaskID: taskID,
		Before: task.LoggedSeconds,
		Delta:  delta,
		After:  max(0, task.LoggedSeconds+delta),
	}
	if err := st.SetTaskSeconds(ctx, taskID, adj.After); err != nil {
		return TaskAdjustment{}, err
	}
	return adj, nil
}

// applyTaskDeltas applies net deltas in task id order.
func applyTaskDeltas(ctx context.Context, st billing.Store, deltas map[billing.TaskID]int64) ([]TaskAdjustment, error) {
	ids := make([]billing.TaskID, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	adjustments := make([]TaskAdjustment, 0, len(ids))
	for _, id := range ids {
		adj, err := adjustTaskSeconds(ctx, st, id, deltas[id])
		if err != nil {
			return nil, err
		}
		adjustments = append(adjustments, adj)
	}
	return adjustments, nil
}
