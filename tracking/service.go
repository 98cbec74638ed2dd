/*
Package tracking records work sessions and keeps them correct.

PURPOSE:
  The Time-Tracking Store front door: live recording (start/stop), manual
  entries (single and bulk), range queries and flag updates. It also hosts
  the Busy Guard and the Edit & Recompute Engine, the two components that
  mutate or protect sessions before settlement sees them.

PRICING:
  Every session is priced when its window becomes known: at manual entry,
  at stop, and again on every correction. Single writes resolve the rate
  through billing.Pricer; bulk writes resolve every distinct
  (project, worker) pair once with Resolver.ResolveAll before pricing.

TASK COUNTERS:
  Manual entries and stops add the session's seconds to its task's
  LoggedSeconds in the same transaction as the insert. Corrections apply
  net deltas (corrections.go). Counters never go below zero.

FLAGS:
  SetFlag only moves closed UNSETTLED rows owned by the named worker. An
  empty or fully invalid id set is a no-op, not an error.

SEE ALSO:
  - busy.go: Busy Guard
  - corrections.go: Edit & Recompute Engine
  - billing/pricer.go: Session Pricer
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

// Service records and queries sessions.
type Service struct {
	store  billing.TxStore
	guard  *Guard
	clock  billing.Clock
	loc    *time.Location
	logger *slog.Logger
}

func NewService(store billing.TxStore, clock billing.Clock, loc *time.Location, logger *slog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		guard:  NewGuard(store),
		clock:  clock,
		loc:    loc,
		logger: logger,
	}
}

// Guard returns the service's Busy Guard.
func (s *Service) Guard() *Guard { return s.guard }

// =============================================================================
// INPUTS
// =============================================================================

// SessionInput is a manual entry: a closed interval on one task.
type SessionInput struct {
	TenantID billing.TenantID
	TaskID   billing.TaskID
	WorkerID billing.WorkerID
	WorkDate billing.Date // zero: the date of Start in the service's time zone
	Start    time.Time
	End      time.Time
}

func (in SessionInput) validate() error {
	switch {
	case in.TenantID <= 0:
		return billing.Invalid("tenant_id is required")
	case in.TaskID <= 0:
		return billing.Invalid("task_id is required")
	case in.WorkerID <= 0:
		return billing.Invalid("worker_id is required")
	case in.Start.IsZero():
		return billing.Invalid("task_start is required")
	case in.End.IsZero():
		return billing.Invalid("task_end is required for manual entries")
	}
	return nil
}

// RangeFilter selects sessions for FindByRange. Exactly one of WorkerID or
// ProjectID is expected; both narrow the result when given.
type RangeFilter struct {
	TenantID  billing.TenantID
	WorkerID  billing.WorkerID
	ProjectID billing.ProjectID
	From      billing.Date
	To        billing.Date
}

// FlagResult reports how many of the requested rows changed.
type FlagResult struct {
	Requested int
	Affected  int64
}

// =============================================================================
// RECORDING
// =============================================================================

// RecordSession stores one manual entry, priced with the current rate.
func (s *Service) RecordSession(ctx context.Context, in SessionInput) (*billing.Session, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := s.ensureIdle(ctx, in.TenantID, in.WorkerID, []billing.TaskID{in.TaskID}); err != nil {
		return nil, err
	}

	var recorded *billing.Session
	err := s.store.WithTx(ctx, func(st billing.Store) error {
		sess, err := newCatalogLookup(st).session(ctx, in, s.loc)
		if err != nil {
			return err
		}
		pricer := billing.NewPricer(billing.NewResolver(st))
		if sess.Amount, err = pricer.Price(ctx, sess.ProjectID, sess.WorkerID, sess.DurationSeconds); err != nil {
			return err
		}
		if err := st.InsertSession(ctx, sess); err != nil {
			return err
		}
		if _, err := adjustTaskSeconds(ctx, st, sess.TaskID, sess.DurationSeconds); err != nil {
			return err
		}
		recorded = sess
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("session recorded",
		"serial_id", recorded.SerialID,
		"tenant_id", recorded.TenantID,
		"worker_id", recorded.WorkerID,
		"seconds", recorded.DurationSeconds,
		"amount", recorded.Amount.StringFixed(2))
	return recorded, nil
}

// RecordSessions stores a batch of manual entries all-or-nothing. Rates for
// every distinct (project, worker) pair are resolved once up front.
func (s *Service) RecordSessions(ctx context.Context, inputs []SessionInput) ([]billing.Session, error) {
	if len(inputs) == 0 {
		return nil, billing.Invalid("no sessions to record")
	}
	for i, in := range inputs {
		if err := in.validate(); err != nil {
			return nil, fmt.Errorf("sessions[%d]: %w", i, err)
		}
	}
	for key, tasks := range tasksByWorker(inputs) {
		if err := s.ensureIdle(ctx, key.tenant, key.worker, tasks); err != nil {
			return nil, err
		}
	}

	var recorded []billing.Session
	err := s.store.WithTx(ctx, func(st billing.Store) error {
		lookup := newCatalogLookup(st)
		sessions := make([]*billing.Session, 0, len(inputs))
		var pairs []billing.RatePair
		for i, in := range inputs {
			sess, err := lookup.session(ctx, in, s.loc)
			if err != nil {
				return fmt.Errorf("sessions[%d]: %w", i, err)
			}
			sessions = append(sessions, sess)
			if sess.DurationSeconds > 0 {
				pairs = append(pairs, billing.RatePair{ProjectID: sess.ProjectID, WorkerID: sess.WorkerID})
			}
		}

		rates, err := billing.NewResolver(st).ResolveAll(ctx, pairs)
		if err != nil {
			return err
		}

		deltas := make(map[billing.TaskID]int64)
		for _, sess := range sessions {
			if sess.Amount, err = billing.PriceWith(rates, sess.ProjectID, sess.WorkerID, sess.DurationSeconds); err != nil {
				return err
			}
			if err := st.InsertSession(ctx, sess); err != nil {
				return err
			}
			deltas[sess.TaskID] += sess.DurationSeconds
			recorded = append(recorded, *sess)
		}
		_, err = applyTaskDeltas(ctx, st, deltas)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("sessions recorded", "count", len(recorded))
	return recorded, nil
}

// StartSession opens a live session for worker on task. A worker can have
// only one open session at a time.
func (s *Service) StartSession(ctx context.Context, tenantID billing.TenantID, taskID billing.TaskID, workerID billing.WorkerID) (*billing.Session, error) {
	if tenantID <= 0 || taskID <= 0 || workerID <= 0 {
		return nil, billing.Invalid("tenant_id, task_id and worker_id are required")
	}
	now := s.clock.Now()

	var started *billing.Session
	err := s.store.WithTx(ctx, func(st billing.Store) error {
		lookup := newCatalogLookup(st)
		task, err := lookup.task(ctx, tenantID, taskID)
		if err != nil {
			return err
		}
		if _, err := lookup.worker(ctx, tenantID, workerID); err != nil {
			return err
		}

		open, err := st.FindSessions(ctx, billing.SessionFilter{WorkerID: workerID, OpenOnly: true})
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return fmt.Errorf("worker %d is already recording session %d: %w", workerID, open[0].SerialID, billing.ErrConflict)
		}

		sess := &billing.Session{
			TaskID:    task.ID,
			ProjectID: task.ProjectID,
			WorkerID:  workerID,
			TenantID:  tenantID,
			WorkDate:  billing.DateOf(now, s.loc),
			TaskStart: now,
			Flag:      billing.FlagUnsettled,
		}
		if err := st.InsertSession(ctx, sess); err != nil {
			return err
		}
		started = sess
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("session started", "serial_id", started.SerialID, "worker_id", workerID, "task_id", taskID)
	return started, nil
}

// StopSession closes an open session at the current time, prices it and adds
// its seconds to the task counter.
func (s *Service) StopSession(ctx context.Context, tenantID billing.TenantID, serialID billing.SerialID) (*billing.Session, error) {
	if tenantID <= 0 || serialID <= 0 {
		return nil, billing.Invalid("tenant_id and serial_id are required")
	}
	end := s.clock.Now()

	var stopped *billing.Session
	err := s.store.WithTx(ctx, func(st billing.Store) error {
		sess, err := st.GetSession(ctx, serialID)
		if err != nil {
			return err
		}
		if sess == nil || sess.TenantID != tenantID {
			return fmt.Errorf("session %d: %w", serialID, billing.ErrNotFound)
		}
		if !sess.IsOpen() {
			return fmt.Errorf("session %d is already stopped: %w", serialID, billing.ErrConflict)
		}

		sess.TaskEnd = &end
		sess.DurationSeconds = billing.Duration(sess.TaskStart, sess.TaskEnd)
		pricer := billing.NewPricer(billing.NewResolver(st))
		if sess.Amount, err = pricer.Price(ctx, sess.ProjectID, sess.WorkerID, sess.DurationSeconds); err != nil {
			return err
		}
		if err := st.UpdateSessionWindow(ctx, sess.SerialID, sess.TaskStart, sess.TaskEnd, sess.DurationSeconds, sess.Amount); err != nil {
			return err
		}
		if _, err := adjustTaskSeconds(ctx, st, sess.TaskID, sess.DurationSeconds); err != nil {
			return err
		}
		stopped = sess
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("session stopped",
		"serial_id", stopped.SerialID,
		"worker_id", stopped.WorkerID,
		"seconds", stopped.DurationSeconds,
		"amount", stopped.Amount.StringFixed(2))
	return stopped, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// FindByRange returns a worker's or a project's sessions with work dates in
// [From, To].
func (s *Service) FindByRange(ctx context.Context, f RangeFilter) ([]billing.Session, error) {
	switch {
	case f.TenantID <= 0:
		return nil, billing.Invalid("tenant_id is required")
	case f.WorkerID <= 0 && f.ProjectID <= 0:
		return nil, billing.Invalid("worker_id or project_id is required")
	case f.From.IsZero() || f.To.IsZero():
		return nil, billing.Invalid("start and end dates are required")
	case f.To.Before(f.From):
		return nil, billing.Invalid("end date %s is before start date %s", f.To, f.From)
	}
	return s.store.FindSessions(ctx, billing.SessionFilter{
		TenantID:  f.TenantID,
		WorkerID:  f.WorkerID,
		ProjectID: f.ProjectID,
		From:      f.From,
		To:        f.To,
	})
}

// FindUnsettledForWorker returns every UNSETTLED session of the worker,
// including one that is still open.
func (s *Service) FindUnsettledForWorker(ctx context.Context, workerID billing.WorkerID) ([]billing.Session, error) {
	if workerID <= 0 {
		return nil, billing.Invalid("worker_id is required")
	}
	unsettled := billing.FlagUnsettled
	return s.store.FindSessions(ctx, billing.SessionFilter{WorkerID: workerID, Flag: &unsettled})
}

// =============================================================================
// FLAGS
// =============================================================================

// SetFlag moves the worker's closed UNSETTLED sessions among ids to flag.
func (s *Service) SetFlag(ctx context.Context, ids []billing.SerialID, flag billing.Flag, workerID billing.WorkerID) (FlagResult, error) {
	if flag != billing.FlagSettled && flag != billing.FlagRejected {
		return FlagResult{}, billing.Invalid("flag must be %d or %d, got %d", billing.FlagSettled, billing.FlagRejected, flag)
	}
	ids = dedupSerials(ids)
	if len(ids) == 0 || workerID <= 0 {
		return FlagResult{}, nil
	}

	n, err := s.store.SetSessionFlag(ctx, ids, flag, workerID)
	if err != nil {
		return FlagResult{}, err
	}

	s.logger.Info("session flags updated",
		"worker_id", workerID,
		"flag", flag.String(),
		"requested", len(ids),
		"affected", n)
	return FlagResult{Requested: len(ids), Affected: n}, nil
}

// RejectSessions is the explicit rejection action: UNSETTLED -> REJECTED.
func (s *Service) RejectSessions(ctx context.Context, workerID billing.WorkerID, ids []billing.SerialID) (FlagResult, error) {
	return s.SetFlag(ctx, ids, billing.FlagRejected, workerID)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) ensureIdle(ctx context.Context, tenantID billing.TenantID, workerID billing.WorkerID, tasks []billing.TaskID) error {
	report, err := s.guard.IsAnyTaskBusy(ctx, BusyQuery{TenantID: tenantID, TaskIDs: tasks, WorkerID: workerID})
	if err != nil {
		return err
	}
	if report.AnyBusy {
		return fmt.Errorf("worker %d has open sessions %v: %w", workerID, report.BusySerials, billing.ErrBusy)
	}
	return nil
}

type workerKey struct {
	tenant billing.TenantID
	worker billing.WorkerID
}

func tasksByWorker(inputs []SessionInput) map[workerKey][]billing.TaskID {
	out := make(map[workerKey][]billing.TaskID)
	for _, in := range inputs {
		k := workerKey{tenant: in.TenantID, worker: in.WorkerID}
		out[k] = append(out[k], in.TaskID)
	}
	return out
}

func dedupSerials(ids []billing.SerialID) []billing.SerialID {
	seen := make(map[billing.SerialID]bool, len(ids))
	out := make([]billing.SerialID, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// catalogLookup caches task and worker rows for the span of one transaction
// and enforces tenant scoping on them.
type catalogLookup struct {
	st      billing.Store
	tasks   map[billing.TaskID]*billing.Task
	workers map[billing.WorkerID]*billing.Worker
}

func newCatalogLookup(st billing.Store) *catalogLookup {
	return &catalogLookup{
		st:      st,
		tasks:   make(map[billing.TaskID]*billing.Task),
		workers: make(map[billing.WorkerID]*billing.Worker),
	}
}

func (l *catalogLookup) task(ctx context.Context, tenantID billing.TenantID, id billing.TaskID) (*billing.Task, error) {
	t, ok := l.tasks[id]
	if !ok {
		var err error
		if t, err = l.st.Task(ctx, id); err != nil {
			return nil, err
		}
		l.tasks[id] = t
	}
	if t == nil || t.TenantID != tenantID {
		return nil, fmt.Errorf("task %d: %w", id, billing.ErrNotFound)
	}
	return t, nil
}

func (l *catalogLookup) worker(ctx context.Context, tenantID billing.TenantID, id billing.WorkerID) (*billing.Worker, error) {
	w, ok := l.workers[id]
	if !ok {
		var err error
		if w, err = l.st.Worker(ctx, id); err != nil {
			return nil, err
		}
		l.workers[id] = w
	}
	if w == nil || w.TenantID != tenantID {
		return nil, fmt.Errorf("worker %d: %w", id, billing.ErrNotFound)
	}
	return w, nil
}

// session builds an unpriced closed session from a manual entry.
func (l *catalogLookup) session(ctx context.Context, in SessionInput, loc *time.Location) (*billing.Session, error) {
	task, err := l.task(ctx, in.TenantID, in.TaskID)
	if err != nil {
		return nil, err
	}
	if _, err := l.worker(ctx, in.TenantID, in.WorkerID); err != nil {
		return nil, err
	}

	end := in.End
	workDate := in.WorkDate
	if workDate.IsZero() {
		workDate = billing.DateOf(in.Start, loc)
	}
	return &billing.Session{
		TaskID:          task.ID,
		ProjectID:       task.ProjectID,
		WorkerID:        in.WorkerID,
		TenantID:        in.TenantID,
		WorkDate:        workDate,
		TaskStart:       in.Start,
		TaskEnd:         &end,
		DurationSeconds: billing.Duration(in.Start, &end),
		Flag:            billing.FlagUnsettled,
	}, nil
}
