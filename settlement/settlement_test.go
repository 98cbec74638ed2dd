package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/sqlite/sqlitetest"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	tenant     billing.TenantID  = 1
	employee   billing.WorkerID  = 10
	contractor billing.WorkerID  = 11
	freelancer billing.WorkerID  = 12
	project    billing.ProjectID = 1
	task       billing.TaskID    = 100
)

// now is the last hour of March; every seeded session falls in March.
var now = time.Date(2024, time.March, 31, 23, 0, 0, 0, time.UTC)

func march(day, hour int) time.Time {
	return time.Date(2024, time.March, day, hour, 0, 0, 0, time.UTC)
}

type sequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequentialIDs) New() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n)
}

type env struct {
	*sqlitetest.Fixture
	submitter    *settlement.Submitter
	orchestrator *settlement.Orchestrator
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t *testing.T) *env {
	f := sqlitetest.NewFixture(t)
	f.HourlyProject(project, tenant, "10")
	f.Worker(employee, tenant, "employee")
	f.Worker(contractor, tenant, "contractor")
	f.Worker(freelancer, tenant, "freelancer")
	f.Task(task, tenant, project, 0)
	return wire(t, f, f.Store)
}

func wire(t *testing.T, f *sqlitetest.Fixture, store billing.TxStore) *env {
	t.Helper()
	submitter := settlement.NewSubmitter(store, "TXN", discardLogger())
	orch := settlement.NewOrchestrator(store, submitter, billing.NewStubClock(now), &sequentialIDs{}, settlement.Options{
		Location:      time.UTC,
		ExcludedRoles: []string{"freelancer"},
	}, discardLogger())
	return &env{Fixture: f, submitter: submitter, orchestrator: orch}
}

func (e *env) day(worker billing.WorkerID, date billing.Date, ids ...billing.SerialID) settlement.DayPayment {
	return settlement.DayPayment{WorkerID: worker, TenantID: tenant, Date: date, Bucket: date.Bucket(), SerialIDs: ids}
}

// failingStore makes InsertTransaction fail for one worker.
type failingStore struct {
	billing.TxStore
	failWorker billing.WorkerID
}

func (s *failingStore) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	return s.TxStore.WithTx(ctx, func(st billing.Store) error {
		return fn(&failingTx{Store: st, failWorker: s.failWorker})
	})
}

type failingTx struct {
	billing.Store
	failWorker billing.WorkerID
}

func (t *failingTx) InsertTransaction(ctx context.Context, tx *billing.LedgerTransaction) error {
	if tx.WorkerID == t.failWorker {
		return errors.New("disk I/O error")
	}
	return t.Store.InsertTransaction(ctx, tx)
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmit_WritesTransactionLogsAndFlags(t *testing.T) {
	// GIVEN: Two sessions of one worker on March 10
	e := newEnv(t)
	ctx := context.Background()
	a := e.Session(task, employee, march(10, 9), 1800)
	b := e.Session(task, employee, march(10, 13), 5400)

	// WHEN: The day is submitted
	receipt, err := e.submitter.Submit(ctx, e.day(employee, a.WorkDate, a.SerialID, b.SerialID))

	// THEN: One pending transaction, two logs, both sessions settled
	require.NoError(t, err)
	tx := receipt.Transaction
	assert.Equal(t, "TXN_1_1", tx.Number)
	assert.Equal(t, billing.StatusPending, tx.Status)
	assert.Equal(t, billing.Bucket8to15, tx.Bucket)
	assert.Equal(t, int64(7200), tx.Seconds)
	assert.Equal(t, "2.00", tx.Hours.StringFixed(2))
	assert.Equal(t, "20.00", tx.Amount.StringFixed(2))
	require.Len(t, receipt.Logs, 2)

	assert.Equal(t, billing.FlagSettled, e.Get(a.SerialID).Flag)
	assert.Equal(t, billing.FlagSettled, e.Get(b.SerialID).Flag)

	logs, err := e.Store.PaymentLogs(ctx, tx.Number)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestSubmit_NumbersIncreasePerTenant(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.Session(task, employee, march(1, 9), 3600)
	b := e.Session(task, contractor, march(1, 9), 3600)
	c := e.Session(task, employee, march(2, 9), 3600)

	var numbers []string
	for _, p := range []settlement.DayPayment{
		e.day(employee, a.WorkDate, a.SerialID),
		e.day(contractor, b.WorkDate, b.SerialID),
		e.day(employee, c.WorkDate, c.SerialID),
	} {
		receipt, err := e.submitter.Submit(ctx, p)
		require.NoError(t, err)
		numbers = append(numbers, receipt.Transaction.Number)
	}
	assert.Equal(t, []string{"TXN_1_1", "TXN_1_2", "TXN_1_3"}, numbers)

	last, err := e.Store.LastTransactionNumber(ctx, employee, tenant)
	require.NoError(t, err)
	assert.Equal(t, "TXN_1_3", last)
}

func TestSubmit_DoublePayIsConflict(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := e.Session(task, employee, march(10, 9), 3600)
	p := e.day(employee, s.WorkDate, s.SerialID)

	_, err := e.submitter.Submit(ctx, p)
	require.NoError(t, err)

	// WHEN: The same day is submitted again
	_, err = e.submitter.Submit(ctx, p)

	// THEN: Refused, and no second transaction exists
	assert.ErrorIs(t, err, billing.ErrConflict)
	txs, err := e.Store.ListTransactions(ctx, employee)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestSubmit_Rejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	mine := e.Session(task, employee, march(10, 9), 3600)
	other := e.Session(task, contractor, march(10, 9), 3600)
	otherDay := e.Session(task, employee, march(11, 9), 3600)
	free := e.Session(task, employee, march(12, 9), 0)
	open := e.OpenSession(task, contractor, march(12, 9))

	_, err := e.submitter.Submit(ctx, e.day(employee, mine.WorkDate, mine.SerialID, other.SerialID))
	assert.ErrorIs(t, err, billing.ErrConflict, "session of another worker")

	_, err = e.submitter.Submit(ctx, e.day(employee, mine.WorkDate, mine.SerialID, otherDay.SerialID))
	assert.ErrorIs(t, err, billing.ErrConflict, "session of another day")

	_, err = e.submitter.Submit(ctx, e.day(employee, mine.WorkDate, mine.SerialID, 9999))
	assert.ErrorIs(t, err, billing.ErrNotFound, "unknown session")

	_, err = e.submitter.Submit(ctx, e.day(contractor, open.WorkDate, open.SerialID))
	assert.ErrorIs(t, err, billing.ErrBusy, "open session")

	_, err = e.submitter.Submit(ctx, e.day(employee, free.WorkDate, free.SerialID))
	assert.ErrorIs(t, err, billing.ErrInvalidInput, "nothing to pay")

	_, err = e.submitter.Submit(ctx, e.day(employee, mine.WorkDate))
	assert.ErrorIs(t, err, billing.ErrInvalidInput, "no sessions")

	// None of the above left a trace
	assert.Equal(t, billing.FlagUnsettled, e.Get(mine.SerialID).Flag)
	last, err := e.Store.LastTransactionNumber(ctx, employee, tenant)
	require.NoError(t, err)
	assert.Empty(t, last)
}

func TestSubmit_UpstreamFailureRollsBack(t *testing.T) {
	f := sqlitetest.NewFixture(t)
	f.HourlyProject(project, tenant, "10")
	f.Worker(employee, tenant, "employee")
	f.Task(task, tenant, project, 0)
	e := wire(t, f, &failingStore{TxStore: f.Store, failWorker: employee})
	s := e.Session(task, employee, march(10, 9), 3600)

	_, err := e.submitter.Submit(context.Background(), e.day(employee, s.WorkDate, s.SerialID))

	assert.ErrorIs(t, err, billing.ErrUpstreamFailure)
	assert.True(t, billing.IsRetryable(err))
	assert.Equal(t, billing.FlagUnsettled, e.Get(s.SerialID).Flag)

	// The sequence advance was rolled back with the rest
	seq, err := f.Store.NextSequence(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

// =============================================================================
// APPROVE & REVIEW
// =============================================================================

func TestApproveDay_PaysExcludedWorker(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.Session(task, freelancer, march(4, 9), 3600)
	b := e.Session(task, freelancer, march(4, 14), 1800)
	e.Session(task, freelancer, march(5, 9), 3600)

	receipt, err := e.submitter.ApproveDay(ctx, tenant, freelancer, billing.NewDate(2024, time.March, 4))

	require.NoError(t, err)
	assert.Equal(t, "15.00", receipt.Transaction.Amount.StringFixed(2))
	assert.Len(t, receipt.Logs, 2)
	assert.Equal(t, billing.FlagSettled, e.Get(a.SerialID).Flag)
	assert.Equal(t, billing.FlagSettled, e.Get(b.SerialID).Flag)

	_, err = e.submitter.ApproveDay(ctx, tenant, freelancer, billing.NewDate(2024, time.March, 4))
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestReviewTransaction(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := e.Session(task, employee, march(10, 9), 3600)
	receipt, err := e.submitter.Submit(ctx, e.day(employee, s.WorkDate, s.SerialID))
	require.NoError(t, err)
	number := receipt.Transaction.Number

	_, err = e.submitter.ReviewTransaction(ctx, number, billing.StatusPending)
	assert.ErrorIs(t, err, billing.ErrInvalidInput)

	reviewed, err := e.submitter.ReviewTransaction(ctx, number, billing.StatusRejected)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusRejected, reviewed.Status)

	// Terminal, and the session stays settled
	_, err = e.submitter.ReviewTransaction(ctx, number, billing.StatusProcessed)
	assert.ErrorIs(t, err, billing.ErrConflict)
	assert.Equal(t, billing.FlagSettled, e.Get(s.SerialID).Flag)

	_, err = e.submitter.ReviewTransaction(ctx, "TXN_1_99", billing.StatusProcessed)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

func TestRun_PaysEligibleWorkersDayByDay(t *testing.T) {
	// GIVEN: An employee with three days of work, one of them rejected
	e := newEnv(t)
	ctx := context.Background()
	e.Session(task, employee, march(3, 9), 3600)
	e.Session(task, employee, march(3, 14), 1800)
	e.Session(task, employee, march(20, 9), 3600)
	e.FlaggedSession(task, employee, march(21, 9), 3600, billing.FlagRejected)
	e.OpenSession(task, contractor, march(31, 22))

	// WHEN: The tenant is settled
	report, err := e.orchestrator.Run(ctx, tenant)

	// THEN: One transaction per payable day
	require.NoError(t, err)
	assert.Equal(t, settlement.StateDone, report.State)
	assert.Equal(t, "2024-03", report.Month.String())
	assert.Equal(t, []string{"TXN_1_1", "TXN_1_2"}, report.Transactions)
	assert.Equal(t, 1, report.WorkersPaid)
	require.Len(t, report.Workers, 1)
	assert.Equal(t, "25.00", report.Workers[0].Paid.StringFixed(2))
	assert.Equal(t, settlement.StateDone, e.orchestrator.State(tenant))

	first, err := e.Store.GetTransaction(ctx, "TXN_1_1")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-03", first.WorkDate.String())
	assert.Equal(t, "15.00", first.Amount.StringFixed(2))

	runs, err := e.Store.ListRuns(ctx, tenant, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "done", runs[0].State)
	assert.Equal(t, 2, runs[0].Transactions)
}

func TestRun_IsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.Session(task, employee, march(3, 9), 3600)
	e.Session(task, contractor, march(4, 9), 3600)

	first, err := e.orchestrator.Run(ctx, tenant)
	require.NoError(t, err)
	assert.Len(t, first.Transactions, 2)

	second, err := e.orchestrator.Run(ctx, tenant)
	require.NoError(t, err)
	assert.Empty(t, second.Transactions)
	assert.Equal(t, 0, second.WorkersFailed)
}

func TestRun_NeverPaysExcludedRoles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := e.Session(task, freelancer, march(3, 9), 3600)
	e.Session(task, employee, march(3, 9), 3600)

	report, err := e.orchestrator.Run(ctx, tenant)

	require.NoError(t, err)
	assert.Len(t, report.Transactions, 1)
	assert.Equal(t, 1, report.WorkersSkipped)
	assert.Equal(t, billing.FlagUnsettled, e.Get(s.SerialID).Flag)

	txs, err := e.Store.ListTransactions(ctx, freelancer)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestRun_WorkerFailureIsIsolated(t *testing.T) {
	// GIVEN: Ledger writes fail for the employee only
	f := sqlitetest.NewFixture(t)
	f.HourlyProject(project, tenant, "10")
	f.Worker(employee, tenant, "employee")
	f.Worker(contractor, tenant, "contractor")
	f.Task(task, tenant, project, 0)
	e := wire(t, f, &failingStore{TxStore: f.Store, failWorker: employee})
	ctx := context.Background()

	failed := e.Session(task, employee, march(3, 9), 3600)
	e.Session(task, employee, march(4, 9), 3600)
	paid := e.Session(task, contractor, march(3, 9), 3600)

	// WHEN: Settling
	report, err := e.orchestrator.Run(ctx, tenant)

	// THEN: The run completes; the contractor is paid, the employee retries later
	require.NoError(t, err)
	assert.Equal(t, settlement.StateDone, report.State)
	assert.Equal(t, 1, report.WorkersFailed)
	assert.Equal(t, 1, report.WorkersPaid)
	assert.Len(t, report.Transactions, 1)

	var employeeOutcome settlement.WorkerOutcome
	for _, w := range report.Workers {
		if w.WorkerID == employee {
			employeeOutcome = w
		}
	}
	assert.ErrorIs(t, employeeOutcome.Err, billing.ErrUpstreamFailure)
	assert.Empty(t, employeeOutcome.Transactions)

	assert.Equal(t, billing.FlagUnsettled, e.Get(failed.SerialID).Flag)
	assert.Equal(t, billing.FlagSettled, e.Get(paid.SerialID).Flag)
}

func TestRun_ConcurrentCallsNeverDoublePay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for day := 1; day <= 5; day++ {
		e.Session(task, employee, march(day, 9), 3600)
		e.Session(task, contractor, march(day, 9), 3600)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.orchestrator.Run(ctx, tenant)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, w := range []billing.WorkerID{employee, contractor} {
		txs, err := e.Store.ListTransactions(ctx, w)
		require.NoError(t, err)
		assert.Len(t, txs, 5, "worker %d", w)
	}
}

func TestRun_InvalidTenant(t *testing.T) {
	e := newEnv(t)
	_, err := e.orchestrator.Run(context.Background(), 0)
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
}

func TestRun_CancelledContextFails(t *testing.T) {
	e := newEnv(t)
	e.Session(task, employee, march(3, 9), 3600)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := e.orchestrator.Run(ctx, tenant)

	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, settlement.StateFailed, report.State)

	runs, err := e.Store.ListRuns(context.Background(), tenant, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "failed", runs[0].State)
}

func TestPreview_DoesNotPay(t *testing.T) {
	e := newEnv(t)
	s := e.Session(task, employee, march(9, 9), 3600)

	buckets, err := e.orchestrator.Preview(context.Background(), tenant)

	require.NoError(t, err)
	days := buckets.Workers[employee].Buckets[billing.Bucket8to15]
	require.Len(t, days, 1)
	assert.Equal(t, "10.00", days[0].Amount.StringFixed(2))
	assert.Equal(t, billing.FlagUnsettled, e.Get(s.SerialID).Flag)
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestScheduler_RunNowSettlesEveryTenant(t *testing.T) {
	e := newEnv(t)
	e.HourlyProject(2, 2, "10")
	e.Worker(20, 2, "employee")
	e.Task(200, 2, 2, 0)
	e.Session(task, employee, march(3, 9), 3600)
	e.Session(200, 20, march(3, 9), 3600)

	s := settlement.NewScheduler(e.Store, e.orchestrator, discardLogger())
	reports := s.RunNow(context.Background())

	require.Len(t, reports, 2)
	total := 0
	for _, r := range reports {
		total += len(r.Transactions)
	}
	assert.Equal(t, 2, total)
}

func TestScheduler_StartStop(t *testing.T) {
	e := newEnv(t)
	e.Session(task, employee, march(3, 9), 3600)

	s := settlement.NewScheduler(e.Store, e.orchestrator, discardLogger())
	s.Interval = time.Hour
	s.Start()
	s.Start() // no-op

	require.Eventually(t, func() bool {
		last, err := e.Store.LastTransactionNumber(context.Background(), employee, tenant)
		return err == nil && last != ""
	}, 5*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop() // no-op
}

func TestScheduler_Disabled(t *testing.T) {
	e := newEnv(t)
	e.Session(task, employee, march(3, 9), 3600)

	s := settlement.NewScheduler(e.Store, e.orchestrator, discardLogger())
	s.Enabled = false
	s.Start()
	s.Stop()

	last, err := e.Store.LastTransactionNumber(context.Background(), employee, tenant)
	require.NoError(t, err)
	assert.Empty(t, last)
}
