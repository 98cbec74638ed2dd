package tracking_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/store/sqlite/sqlitetest"
	"github.com/warp/settlement-engine/tracking"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	tenant      billing.TenantID  = 1
	otherTenant billing.TenantID  = 2
	alice       billing.WorkerID  = 10
	bob         billing.WorkerID  = 11
	mallory     billing.WorkerID  = 20 // tenant 2
	hourly      billing.ProjectID = 1
	perWorker   billing.ProjectID = 2
	taskA       billing.TaskID    = 100
	taskB       billing.TaskID    = 101
	foreignTask billing.TaskID    = 200 // tenant 2
)

var morning = time.Date(2024, time.March, 5, 9, 0, 0, 0, time.UTC)

type env struct {
	*sqlitetest.Fixture
	clock   *billing.StubClock
	service *tracking.Service
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newEnv seeds two tenants: an hourly project at 10/h and a per-worker
// project where alice earns 20/h and bob has no binding.
func newEnv(t *testing.T) *env {
	f := sqlitetest.NewFixture(t)
	f.HourlyProject(hourly, tenant, "10")
	f.PerWorkerProject(perWorker, tenant)
	f.Worker(alice, tenant, "employee")
	f.Worker(bob, tenant, "employee")
	f.Rate(perWorker, alice, "20")
	f.Task(taskA, tenant, hourly, 0)
	f.Task(taskB, tenant, perWorker, 0)

	f.HourlyProject(3, otherTenant, "99")
	f.Worker(mallory, otherTenant, "employee")
	f.Task(foreignTask, otherTenant, 3, 0)

	clock := billing.NewStubClock(morning)
	return &env{
		Fixture: f,
		clock:   clock,
		service: tracking.NewService(f.Store, clock, time.UTC, discardLogger()),
	}
}

func entry(task billing.TaskID, worker billing.WorkerID, start time.Time, seconds int) tracking.SessionInput {
	return tracking.SessionInput{
		TenantID: tenant,
		TaskID:   task,
		WorkerID: worker,
		Start:    start,
		End:      start.Add(time.Duration(seconds) * time.Second),
	}
}

// =============================================================================
// RECORDING
// =============================================================================

func TestRecordSession_PricesAndCountsSeconds(t *testing.T) {
	e := newEnv(t)

	// WHEN: Alice logs 30 minutes on the hourly project
	sess, err := e.service.RecordSession(context.Background(), entry(taskA, alice, morning, 1800))

	// THEN: Priced at 10/h and added to the task counter
	require.NoError(t, err)
	assert.NotZero(t, sess.SerialID)
	assert.Equal(t, int64(1800), sess.DurationSeconds)
	assert.Equal(t, "5.00", sess.Amount.StringFixed(2))
	assert.Equal(t, billing.FlagUnsettled, sess.Flag)
	assert.Equal(t, "2024-03-05", sess.WorkDate.String())
	assert.Equal(t, int64(1800), e.LoggedSeconds(taskA))
}

func TestRecordSession_PerWorkerRates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	withRate, err := e.service.RecordSession(ctx, entry(taskB, alice, morning, 3600))
	require.NoError(t, err)
	assert.Equal(t, "20.00", withRate.Amount.StringFixed(2))

	// Bob has no binding on the per-worker project
	noRate, err := e.service.RecordSession(ctx, entry(taskB, bob, morning, 3600))
	require.NoError(t, err)
	assert.Equal(t, "0.00", noRate.Amount.StringFixed(2))
}

func TestRecordSession_ZeroLengthIsFree(t *testing.T) {
	e := newEnv(t)

	sess, err := e.service.RecordSession(context.Background(), entry(taskA, alice, morning, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(0), sess.DurationSeconds)
	assert.Equal(t, "0.00", sess.Amount.StringFixed(2))
}

func TestRecordSession_ExplicitWorkDate(t *testing.T) {
	e := newEnv(t)
	in := entry(taskA, alice, morning, 60)
	in.WorkDate = billing.NewDate(2024, time.March, 4)

	sess, err := e.service.RecordSession(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-04", sess.WorkDate.String())
}

func TestRecordSession_Rejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	missingEnd := entry(taskA, alice, morning, 60)
	missingEnd.End = time.Time{}
	_, err := e.service.RecordSession(ctx, missingEnd)
	assert.ErrorIs(t, err, billing.ErrInvalidInput)

	// Task of another tenant looks like it does not exist
	_, err = e.service.RecordSession(ctx, entry(foreignTask, alice, morning, 60))
	assert.ErrorIs(t, err, billing.ErrNotFound)

	// Worker of another tenant
	_, err = e.service.RecordSession(ctx, entry(taskA, mallory, morning, 60))
	assert.ErrorIs(t, err, billing.ErrNotFound)

	// Nothing was written
	assert.Equal(t, int64(0), e.LoggedSeconds(taskA))
}

func TestRecordSession_BusyTask(t *testing.T) {
	// GIVEN: Alice is recording on task A
	e := newEnv(t)
	e.OpenSession(taskA, alice, morning)

	// WHEN: A manual entry for the same worker and task arrives
	_, err := e.service.RecordSession(context.Background(), entry(taskA, alice, morning.Add(-time.Hour), 600))

	// THEN: Refused as busy
	assert.ErrorIs(t, err, billing.ErrBusy)
	assert.ErrorIs(t, err, billing.ErrConflict)
}

func TestRecordSessions_AllOrNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// GIVEN: A batch whose last entry references another tenant's task
	batch := []tracking.SessionInput{
		entry(taskA, alice, morning, 600),
		entry(taskB, alice, morning.Add(time.Hour), 600),
		entry(foreignTask, alice, morning.Add(2*time.Hour), 600),
	}

	// WHEN: Recording it
	_, err := e.service.RecordSessions(ctx, batch)

	// THEN: Nothing is stored
	assert.ErrorIs(t, err, billing.ErrNotFound)
	sessions, err := e.service.FindUnsettledForWorker(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Equal(t, int64(0), e.LoggedSeconds(taskA))
}

func TestRecordSessions_Batch(t *testing.T) {
	e := newEnv(t)

	recorded, err := e.service.RecordSessions(context.Background(), []tracking.SessionInput{
		entry(taskA, alice, morning, 1800),
		entry(taskA, bob, morning, 3600),
		entry(taskB, alice, morning.Add(time.Hour), 900),
	})

	require.NoError(t, err)
	require.Len(t, recorded, 3)
	assert.Equal(t, "5.00", recorded[0].Amount.StringFixed(2))
	assert.Equal(t, "10.00", recorded[1].Amount.StringFixed(2))
	assert.Equal(t, "5.00", recorded[2].Amount.StringFixed(2))
	assert.Equal(t, int64(5400), e.LoggedSeconds(taskA))
	assert.Equal(t, int64(900), e.LoggedSeconds(taskB))
}

func TestRecordSessions_Empty(t *testing.T) {
	e := newEnv(t)
	_, err := e.service.RecordSessions(context.Background(), nil)
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
}

// =============================================================================
// LIVE SESSIONS
// =============================================================================

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// WHEN: Alice starts, then stops 45 minutes later
	started, err := e.service.StartSession(ctx, tenant, taskA, alice)
	require.NoError(t, err)
	assert.True(t, started.IsOpen())
	assert.True(t, started.Amount.IsZero())

	e.clock.Set(morning.Add(45 * time.Minute))
	stopped, err := e.service.StopSession(ctx, tenant, started.SerialID)

	// THEN: Priced on stop, counted on the task
	require.NoError(t, err)
	assert.False(t, stopped.IsOpen())
	assert.Equal(t, int64(2700), stopped.DurationSeconds)
	assert.Equal(t, "7.50", stopped.Amount.StringFixed(2))
	assert.Equal(t, int64(2700), e.LoggedSeconds(taskA))

	stored := e.Get(started.SerialID)
	assert.Equal(t, "7.50", stored.Amount.StringFixed(2))

	// Stopping again is a conflict
	_, err = e.service.StopSession(ctx, tenant, started.SerialID)
	assert.ErrorIs(t, err, billing.ErrConflict)
}

func TestStartSession_OnePerWorker(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.service.StartSession(ctx, tenant, taskA, alice)
	require.NoError(t, err)

	_, err = e.service.StartSession(ctx, tenant, taskB, alice)
	assert.ErrorIs(t, err, billing.ErrConflict)

	_, err = e.service.StartSession(ctx, tenant, taskA, bob)
	assert.NoError(t, err)
}

func TestStopSession_OtherTenant(t *testing.T) {
	e := newEnv(t)
	open := e.OpenSession(taskA, alice, morning)

	_, err := e.service.StopSession(context.Background(), otherTenant, open.SerialID)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestFindByRange(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.Session(taskA, alice, morning, 600)
	e.Session(taskB, alice, morning.AddDate(0, 0, 2), 600)
	e.Session(taskA, bob, morning, 600)

	byWorker, err := e.service.FindByRange(ctx, tracking.RangeFilter{
		TenantID: tenant,
		WorkerID: alice,
		From:     billing.NewDate(2024, time.March, 1),
		To:       billing.NewDate(2024, time.March, 5),
	})
	require.NoError(t, err)
	assert.Len(t, byWorker, 1)

	byProject, err := e.service.FindByRange(ctx, tracking.RangeFilter{
		TenantID:  tenant,
		ProjectID: hourly,
		From:      billing.NewDate(2024, time.March, 1),
		To:        billing.NewDate(2024, time.March, 31),
	})
	require.NoError(t, err)
	assert.Len(t, byProject, 2)

	_, err = e.service.FindByRange(ctx, tracking.RangeFilter{
		TenantID: tenant,
		WorkerID: alice,
		From:     billing.NewDate(2024, time.March, 5),
		To:       billing.NewDate(2024, time.March, 1),
	})
	assert.ErrorIs(t, err, billing.ErrInvalidInput)

	_, err = e.service.FindByRange(ctx, tracking.RangeFilter{TenantID: tenant, From: billing.NewDate(2024, time.March, 1), To: billing.NewDate(2024, time.March, 5)})
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
}

func TestFindUnsettledForWorker_IncludesOpen(t *testing.T) {
	e := newEnv(t)
	e.Session(taskA, alice, morning, 600)
	e.FlaggedSession(taskA, alice, morning.Add(time.Hour), 600, billing.FlagSettled)
	e.FlaggedSession(taskA, alice, morning.Add(2*time.Hour), 600, billing.FlagRejected)
	e.OpenSession(taskA, alice, morning.Add(3*time.Hour))

	sessions, err := e.service.FindUnsettledForWorker(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.True(t, sessions[1].IsOpen())
}

// =============================================================================
// FLAGS
// =============================================================================

func TestSetFlag(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.Session(taskA, alice, morning, 600)
	b := e.Session(taskA, alice, morning.Add(time.Hour), 600)
	bobs := e.Session(taskA, bob, morning, 600)

	// Duplicates are counted once; bob's row is untouched
	res, err := e.service.SetFlag(ctx, []billing.SerialID{a.SerialID, a.SerialID, bobs.SerialID}, billing.FlagSettled, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Requested)
	assert.Equal(t, int64(1), res.Affected)
	assert.Equal(t, billing.FlagUnsettled, e.Get(bobs.SerialID).Flag)

	// Settled rows cannot be rejected afterwards
	res, err = e.service.RejectSessions(ctx, alice, []billing.SerialID{a.SerialID, b.SerialID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)
	assert.Equal(t, billing.FlagSettled, e.Get(a.SerialID).Flag)
	assert.Equal(t, billing.FlagRejected, e.Get(b.SerialID).Flag)
}

func TestSetFlag_NoOps(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.Session(taskA, alice, morning, 600)

	res, err := e.service.SetFlag(ctx, nil, billing.FlagSettled, alice)
	require.NoError(t, err)
	assert.Equal(t, tracking.FlagResult{}, res)

	res, err = e.service.SetFlag(ctx, []billing.SerialID{a.SerialID}, billing.FlagSettled, 0)
	require.NoError(t, err)
	assert.Equal(t, tracking.FlagResult{}, res)
	assert.Equal(t, billing.FlagUnsettled, e.Get(a.SerialID).Flag)

	_, err = e.service.SetFlag(ctx, []billing.SerialID{a.SerialID}, billing.FlagUnsettled, alice)
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
}

// =============================================================================
// BUSY GUARD
// =============================================================================

func TestIsAnyTaskBusy(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	guard := e.service.Guard()
	e.Session(taskA, alice, morning, 600)

	report, err := guard.IsAnyTaskBusy(ctx, tracking.BusyQuery{TenantID: tenant, TaskIDs: []billing.TaskID{taskA, taskB}})
	require.NoError(t, err)
	assert.False(t, report.AnyBusy)
	assert.Empty(t, report.BusySerials)

	open := e.OpenSession(taskB, bob, morning)

	report, err = guard.IsAnyTaskBusy(ctx, tracking.BusyQuery{TenantID: tenant, TaskIDs: []billing.TaskID{taskA, taskB, taskB}})
	require.NoError(t, err)
	assert.True(t, report.AnyBusy)
	assert.Equal(t, []billing.SerialID{open.SerialID}, report.BusySerials)

	// Narrowed to another worker
	report, err = guard.IsAnyTaskBusy(ctx, tracking.BusyQuery{TenantID: tenant, TaskIDs: []billing.TaskID{taskB}, WorkerID: alice})
	require.NoError(t, err)
	assert.False(t, report.AnyBusy)

	// Tenant-wide
	report, err = guard.IsAnyTaskBusy(ctx, tracking.BusyQuery{TenantID: tenant})
	require.NoError(t, err)
	assert.True(t, report.AnyBusy)

	// The other tenant sees nothing
	report, err = guard.IsAnyTaskBusy(ctx, tracking.BusyQuery{TenantID: otherTenant, TaskIDs: []billing.TaskID{taskB}})
	require.NoError(t, err)
	assert.False(t, report.AnyBusy)

	_, err = guard.IsAnyTaskBusy(ctx, tracking.BusyQuery{TaskIDs: []billing.TaskID{0, -1}})
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
}
