// Package sqlitetest seeds in-memory stores for tests of the packages built
// on store/sqlite.
package sqlitetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/store/sqlite"
)

// New opens an in-memory store closed at the end of the test.
func New(t testing.TB) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// Fixture builds catalog rows and sessions with short calls.
type Fixture struct {
	t     testing.TB
	Store *sqlite.Store
	ctx   context.Context
	tasks map[billing.TaskID]billing.Task
}

func NewFixture(t testing.TB) *Fixture {
	return &Fixture{t: t, Store: New(t), ctx: context.Background(), tasks: make(map[billing.TaskID]billing.Task)}
}

// HourlyProject creates a project billed at rate for every worker.
func (f *Fixture) HourlyProject(id billing.ProjectID, tenant billing.TenantID, rate string) billing.Project {
	f.t.Helper()
	p := billing.Project{
		ID:          id,
		TenantID:    tenant,
		Name:        "project",
		BillingMode: billing.BillingHourly,
		HourlyRate:  decimal.RequireFromString(rate),
	}
	require.NoError(f.t, f.Store.SaveProject(f.ctx, p))
	return p
}

// PerWorkerProject creates a project billed at each worker's bound rate.
func (f *Fixture) PerWorkerProject(id billing.ProjectID, tenant billing.TenantID) billing.Project {
	f.t.Helper()
	p := billing.Project{ID: id, TenantID: tenant, Name: "project", BillingMode: billing.BillingPerWorker, HourlyRate: decimal.Zero}
	require.NoError(f.t, f.Store.SaveProject(f.ctx, p))
	return p
}

func (f *Fixture) Rate(project billing.ProjectID, worker billing.WorkerID, rate string) {
	f.t.Helper()
	require.NoError(f.t, f.Store.SaveWorkerRate(f.ctx, project, worker, decimal.RequireFromString(rate)))
}

func (f *Fixture) Worker(id billing.WorkerID, tenant billing.TenantID, role string) billing.Worker {
	f.t.Helper()
	w := billing.Worker{ID: id, TenantID: tenant, Name: "worker", Role: role}
	require.NoError(f.t, f.Store.SaveWorker(f.ctx, w))
	return w
}

func (f *Fixture) Task(id billing.TaskID, tenant billing.TenantID, project billing.ProjectID, logged int64) billing.Task {
	f.t.Helper()
	task := billing.Task{ID: id, TenantID: tenant, ProjectID: project, Title: "task", LoggedSeconds: logged}
	require.NoError(f.t, f.Store.SaveTask(f.ctx, task))
	f.tasks[id] = task
	return task
}

// Session inserts a closed session of the given length starting at start,
// priced with the project's current rate. The work date is start's UTC date.
func (f *Fixture) Session(task billing.TaskID, worker billing.WorkerID, start time.Time, seconds int64) billing.Session {
	f.t.Helper()
	end := start.Add(time.Duration(seconds) * time.Second)
	return f.insert(task, worker, start, &end, billing.FlagUnsettled)
}

// FlaggedSession is Session with a flag other than UNSETTLED.
func (f *Fixture) FlaggedSession(task billing.TaskID, worker billing.WorkerID, start time.Time, seconds int64, flag billing.Flag) billing.Session {
	f.t.Helper()
	end := start.Add(time.Duration(seconds) * time.Second)
	return f.insert(task, worker, start, &end, flag)
}

// OpenSession inserts a session that is still being recorded.
func (f *Fixture) OpenSession(task billing.TaskID, worker billing.WorkerID, start time.Time) billing.Session {
	f.t.Helper()
	return f.insert(task, worker, start, nil, billing.FlagUnsettled)
}

func (f *Fixture) insert(taskID billing.TaskID, worker billing.WorkerID, start time.Time, end *time.Time, flag billing.Flag) billing.Session {
	f.t.Helper()
	task, ok := f.tasks[taskID]
	require.True(f.t, ok, "task %d not seeded", taskID)

	s := billing.Session{
		TaskID:          task.ID,
		ProjectID:       task.ProjectID,
		WorkerID:        worker,
		TenantID:        task.TenantID,
		WorkDate:        billing.DateOf(start, time.UTC),
		TaskStart:       start,
		TaskEnd:         end,
		DurationSeconds: billing.Duration(start, end),
		Flag:            flag,
	}
	amount, err := billing.NewPricer(billing.NewResolver(f.Store)).Price(f.ctx, s.ProjectID, s.WorkerID, s.DurationSeconds)
	require.NoError(f.t, err)
	s.Amount = amount
	require.NoError(f.t, f.Store.InsertSession(f.ctx, &s))
	return s
}

// Get reloads a session.
func (f *Fixture) Get(id billing.SerialID) billing.Session {
	f.t.Helper()
	s, err := f.Store.GetSession(f.ctx, id)
	require.NoError(f.t, err)
	require.NotNil(f.t, s, "session %d", id)
	return *s
}

// LoggedSeconds reads a task's counter.
func (f *Fixture) LoggedSeconds(id billing.TaskID) int64 {
	f.t.Helper()
	task, err := f.Store.Task(f.ctx, id)
	require.NoError(f.t, err)
	require.NotNil(f.t, task, "task %d", id)
	return task.LoggedSeconds
}
