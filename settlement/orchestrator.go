/*
orchestrator.go - Settlement Orchestrator

PURPOSE:
  One settlement run for one tenant: load the month's unsettled sessions,
  group them into pay buckets, and pay each eligible worker day by day.

STATE MACHINE:
  idle -> loading -> grouping -> paying -> done
                 \          \           \
                  +----------+-----------+-> failed

  failed is reserved for run-level problems (the load failed, the context
  was cancelled). A worker whose payment fails does not fail the run.

ELIGIBILITY:
  - Workers whose role is in ExcludedRoles are skipped entirely; they are
    paid through ApproveDay by a reviewer.
  - Unknown workers and workers of another tenant are skipped.

FAILURE ISOLATION:
  Days of one worker are submitted strictly in order. The first failing
  day stops that worker for this run; committed days stay committed and
  other workers are unaffected. The failed day's sessions are still
  UNSETTLED, so the next run retries them.

SERIALIZATION:
  Runs are keyed by tenant in a singleflight.Group: a second caller for
  the same tenant waits for and shares the in-flight run instead of
  starting another. Different tenants run in parallel.

SEE ALSO:
  - grouper.go: Group, PayableDays
  - submit.go: Submit-One-Payment protocol
  - scheduler.go: periodic trigger
*/
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/warp/settlement-engine/billing"
)

// State is the orchestrator's position in a run.
type State string

const (
	StateIdle     State = "idle"
	StateLoading  State = "loading"
	StateGrouping State = "grouping"
	StatePaying   State = "paying"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// Options configures an Orchestrator.
type Options struct {
	Location      *time.Location
	ExcludedRoles []string
}

// WorkerOutcome is what happened to one worker in a run.
type WorkerOutcome struct {
	WorkerID     billing.WorkerID
	Transactions []string
	Paid         decimal.Decimal
	Skipped      string // reason, empty when not skipped
	Err          error
}

// RunReport summarizes a run.
type RunReport struct {
	RunID          string
	TenantID       billing.TenantID
	Month          billing.Month
	State          State
	Transactions   []string
	WorkersPaid    int
	WorkersSkipped int
	WorkersFailed  int
	Workers        []WorkerOutcome
	StartedAt      time.Time
	CompletedAt    time.Time
}

// Orchestrator drives settlement runs.
type Orchestrator struct {
	store     billing.TxStore
	submitter *Submitter
	clock     billing.Clock
	ids       billing.IDGenerator
	loc       *time.Location
	excluded  map[string]bool
	logger    *slog.Logger

	flight singleflight.Group
	mu     sync.Mutex
	states map[billing.TenantID]State
}

func NewOrchestrator(store billing.TxStore, submitter *Submitter, clock billing.Clock, ids billing.IDGenerator, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	excluded := make(map[string]bool, len(opts.ExcludedRoles))
	for _, role := range opts.ExcludedRoles {
		excluded[role] = true
	}
	return &Orchestrator{
		store:     store,
		submitter: submitter,
		clock:     clock,
		ids:       ids,
		loc:       opts.Location,
		excluded:  excluded,
		logger:    logger,
		states:    make(map[billing.TenantID]State),
	}
}

// State returns the tenant's current state; idle when no run has started.
func (o *Orchestrator) State(tenantID billing.TenantID) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.states[tenantID]; ok {
		return s
	}
	return StateIdle
}

func (o *Orchestrator) setState(tenantID billing.TenantID, s State) {
	o.mu.Lock()
	o.states[tenantID] = s
	o.mu.Unlock()
}

// IsExcluded reports whether role is settled outside the batch path.
func (o *Orchestrator) IsExcluded(role string) bool {
	return o.excluded[role]
}

// =============================================================================
// RUN
// =============================================================================

// Run settles the tenant's current month. Concurrent calls for the same
// tenant share one run.
func (o *Orchestrator) Run(ctx context.Context, tenantID billing.TenantID) (*RunReport, error) {
	if tenantID <= 0 {
		return nil, billing.Invalid("tenant_id is required")
	}
	v, err, shared := o.flight.Do(strconv.FormatInt(int64(tenantID), 10), func() (any, error) {
		return o.run(ctx, tenantID)
	})
	if shared {
		o.logger.Debug("joined in-flight settlement run", "tenant_id", tenantID)
	}
	report, _ := v.(*RunReport)
	return report, err
}

func (o *Orchestrator) run(ctx context.Context, tenantID billing.TenantID) (*RunReport, error) {
	now := o.clock.Now()
	report := &RunReport{
		RunID:     o.ids.New(),
		TenantID:  tenantID,
		Month:     billing.MonthOf(now, o.loc),
		StartedAt: now,
	}
	logger := o.logger.With("run_id", report.RunID, "tenant_id", tenantID)

	o.transition(report, StateLoading)
	o.saveRun(ctx, report, nil, logger)

	sessions, err := o.load(ctx, tenantID, report.Month)
	if err != nil {
		return o.fail(ctx, report, fmt.Errorf("loading sessions: %w", err), logger)
	}

	o.transition(report, StateGrouping)
	buckets := Group(RowsFromSessions(sessions, o.loc), now, o.loc)

	o.transition(report, StatePaying)
	for _, workerID := range buckets.WorkerIDs() {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, report, err, logger)
		}
		outcome := o.payWorker(ctx, tenantID, workerID, buckets, logger)
		report.Workers = append(report.Workers, outcome)
		report.Transactions = append(report.Transactions, outcome.Transactions...)
		switch {
		case outcome.Err != nil:
			report.WorkersFailed++
		case outcome.Skipped != "":
			report.WorkersSkipped++
		case len(outcome.Transactions) > 0:
			report.WorkersPaid++
		}
	}

	report.CompletedAt = o.clock.Now()
	o.transition(report, StateDone)
	o.saveRun(ctx, report, nil, logger)

	logger.Info("settlement run completed",
		"month", report.Month.String(),
		"transactions", len(report.Transactions),
		"workers_paid", report.WorkersPaid,
		"workers_skipped", report.WorkersSkipped,
		"workers_failed", report.WorkersFailed)
	return report, nil
}

// load reads every closed session of the month; the grouper drops the ones
// that are not payable.
func (o *Orchestrator) load(ctx context.Context, tenantID billing.TenantID, month billing.Month) ([]billing.Session, error) {
	return o.store.FindSessions(ctx, billing.SessionFilter{
		TenantID:   tenantID,
		From:       month.FirstDay(),
		To:         month.LastDay(),
		ClosedOnly: true,
	})
}

// payWorker submits the worker's payable days in order, stopping at the
// first failure.
func (o *Orchestrator) payWorker(ctx context.Context, tenantID billing.TenantID, workerID billing.WorkerID, buckets *MonthBuckets, logger *slog.Logger) WorkerOutcome {
	outcome := WorkerOutcome{WorkerID: workerID, Paid: decimal.Zero}
	logger = logger.With("worker_id", workerID)

	worker, err := o.store.Worker(ctx, workerID)
	switch {
	case err != nil:
		outcome.Err = err
		logger.Warn("worker lookup failed", "error", err)
		return outcome
	case worker == nil || worker.TenantID != tenantID:
		outcome.Skipped = "unknown worker"
		logger.Warn("skipping unknown worker")
		return outcome
	case o.excluded[worker.Role]:
		outcome.Skipped = "excluded role " + worker.Role
		logger.Info("skipping worker with excluded role", "role", worker.Role)
		return outcome
	}

	for _, day := range buckets.PayableDays(workerID) {
		receipt, err := o.submitter.Submit(ctx, day)
		if err != nil {
			outcome.Err = err
			logger.Warn("payment failed, stopping worker for this run",
				"date", day.Date.String(),
				"retryable", billing.IsRetryable(err),
				"error", err)
			return outcome
		}
		outcome.Transactions = append(outcome.Transactions, receipt.Transaction.Number)
		outcome.Paid = outcome.Paid.Add(receipt.Transaction.Amount)
	}
	return outcome
}

// Preview returns the current month's buckets for the tenant without paying.
func (o *Orchestrator) Preview(ctx context.Context, tenantID billing.TenantID) (*MonthBuckets, error) {
	if tenantID <= 0 {
		return nil, billing.Invalid("tenant_id is required")
	}
	now := o.clock.Now()
	sessions, err := o.load(ctx, tenantID, billing.MonthOf(now, o.loc))
	if err != nil {
		return nil, err
	}
	return Group(RowsFromSessions(sessions, o.loc), now, o.loc), nil
}

// =============================================================================
// RUN BOOKKEEPING
// =============================================================================

func (o *Orchestrator) transition(report *RunReport, s State) {
	report.State = s
	o.setState(report.TenantID, s)
}

func (o *Orchestrator) fail(ctx context.Context, report *RunReport, err error, logger *slog.Logger) (*RunReport, error) {
	report.CompletedAt = o.clock.Now()
	o.transition(report, StateFailed)
	o.saveRun(context.WithoutCancel(ctx), report, err, logger)
	logger.Error("settlement run failed", "state", report.State, "error", err)
	return report, err
}

// saveRun records the run; a failure to record is logged, not returned.
func (o *Orchestrator) saveRun(ctx context.Context, report *RunReport, runErr error, logger *slog.Logger) {
	run := billing.SettlementRun{
		ID:             report.RunID,
		TenantID:       report.TenantID,
		Month:          report.Month.String(),
		State:          string(report.State),
		Transactions:   len(report.Transactions),
		WorkersPaid:    report.WorkersPaid,
		WorkersSkipped: report.WorkersSkipped,
		WorkersFailed:  report.WorkersFailed,
		StartedAt:      report.StartedAt,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if !report.CompletedAt.IsZero() {
		completed := report.CompletedAt
		run.CompletedAt = &completed
	}
	if err := o.store.SaveRun(ctx, run); err != nil {
		logger.Error("failed to record settlement run", "error", err)
	}
}
