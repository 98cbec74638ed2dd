package tracking_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/tracking"
)

func newCorrector(e *env) *tracking.Corrector {
	return tracking.NewCorrector(e.Store, discardLogger())
}

func window(sess billing.Session, start time.Time, seconds int) tracking.Correction {
	return tracking.Correction{
		SerialID: sess.SerialID,
		TaskID:   sess.TaskID,
		Start:    start,
		End:      start.Add(time.Duration(seconds) * time.Second),
	}
}

func TestCorrection_RepricesAndPropagatesDelta(t *testing.T) {
	// GIVEN: A one-hour session on a task whose counter reads 7200
	e := newEnv(t)
	e.Task(taskA, tenant, hourly, 7200)
	sess := e.Session(taskA, alice, morning, 3600)

	// WHEN: The window is corrected to 90 minutes
	result, err := newCorrector(e).Apply(context.Background(), tenant, []tracking.Correction{
		window(sess, morning, 5400),
	})

	// THEN: Duration and amount are recomputed, the counter moves by +1800
	require.NoError(t, err)
	require.Len(t, result.UpdatedRows, 1)
	row := result.UpdatedRows[0]
	assert.Equal(t, int64(5400), row.DurationSeconds)
	assert.Equal(t, "15.00", row.Amount.StringFixed(2))

	require.Len(t, result.TaskAdjustments, 1)
	assert.Equal(t, tracking.TaskAdjustment{TaskID: taskA, Before: 7200, Delta: 1800, After: 9000}, result.TaskAdjustments[0])
	assert.Equal(t, int64(9000), e.LoggedSeconds(taskA))

	stored := e.Get(sess.SerialID)
	assert.Equal(t, int64(5400), stored.DurationSeconds)
	assert.Equal(t, "15.00", stored.Amount.StringFixed(2))
}

func TestCorrection_CounterFloorsAtZero(t *testing.T) {
	e := newEnv(t)
	e.Task(taskA, tenant, hourly, 100)
	sess := e.Session(taskA, alice, morning, 3600)

	result, err := newCorrector(e).Apply(context.Background(), tenant, []tracking.Correction{
		window(sess, morning, 0),
	})

	require.NoError(t, err)
	assert.Equal(t, "0.00", result.UpdatedRows[0].Amount.StringFixed(2))
	assert.Equal(t, int64(-3600), result.TaskAdjustments[0].Delta)
	assert.Equal(t, int64(0), e.LoggedSeconds(taskA))
}

func TestCorrection_CallerDelta(t *testing.T) {
	e := newEnv(t)
	e.Task(taskA, tenant, hourly, 1000)
	sess := e.Session(taskA, alice, morning, 3600)

	corr := window(sess, morning, 5400)
	delta := int64(60)
	corr.Delta = &delta

	_, err := newCorrector(e).Apply(context.Background(), tenant, []tracking.Correction{corr})
	require.NoError(t, err)
	assert.Equal(t, int64(1060), e.LoggedSeconds(taskA))
}

func TestCorrection_NetDeltaPerTask(t *testing.T) {
	// GIVEN: Two sessions on one task, one grows and one shrinks
	e := newEnv(t)
	e.Task(taskA, tenant, hourly, 5000)
	grow := e.Session(taskA, alice, morning, 600)
	shrink := e.Session(taskA, bob, morning, 1200)

	// WHEN: Both are corrected in one batch
	result, err := newCorrector(e).Apply(context.Background(), tenant, []tracking.Correction{
		window(grow, morning, 1200),
		window(shrink, morning, 300),
	})

	// THEN: One adjustment carrying the net delta
	require.NoError(t, err)
	require.Len(t, result.TaskAdjustments, 1)
	assert.Equal(t, int64(600-900), result.TaskAdjustments[0].Delta)
	assert.Equal(t, int64(4700), e.LoggedSeconds(taskA))
}

func TestCorrection_SettledSessionIsConflict(t *testing.T) {
	e := newEnv(t)
	settled := e.FlaggedSession(taskA, alice, morning, 3600, billing.FlagSettled)

	_, err := newCorrector(e).Apply(context.Background(), tenant, []tracking.Correction{
		window(settled, morning, 60),
	})

	assert.ErrorIs(t, err, billing.ErrConflict)
	var ce *billing.CorrectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, settled.SerialID, ce.SerialID)
	assert.Equal(t, int64(3600), e.Get(settled.SerialID).DurationSeconds)
}

func TestCorrection_OtherTenantIsNotFound(t *testing.T) {
	e := newEnv(t)
	foreign := e.Session(foreignTask, mallory, morning, 3600)

	_, err := newCorrector(e).Apply(context.Background(), tenant, []tracking.Correction{
		window(foreign, morning, 60),
	})

	assert.ErrorIs(t, err, billing.ErrNotFound)
	assert.Equal(t, int64(3600), e.Get(foreign.SerialID).DurationSeconds)
}

func TestCorrection_TaskMismatchIsConflict(t *testing.T) {
	e := newEnv(t)
	sess := e.Session(taskA, alice, morning, 3600)

	corr := window(sess, morning, 60)
	corr.TaskID = taskB
	_, err := newCorrector(e).Apply(context.Background(), tenant, []tracking.Correction{corr})

	assert.ErrorIs(t, err, billing.ErrConflict)
}

func TestCorrection_AllOrNothing(t *testing.T) {
	// GIVEN: A valid row followed by a settled one
	e := newEnv(t)
	e.Task(taskA, tenant, hourly, 7200)
	ok := e.Session(taskA, alice, morning, 3600)
	settled := e.FlaggedSession(taskA, alice, morning.Add(2*time.Hour), 3600, billing.FlagSettled)

	// WHEN: Applying both
	_, err := newCorrector(e).Apply(context.Background(), tenant, []tracking.Correction{
		window(ok, morning, 5400),
		window(settled, morning.Add(2*time.Hour), 60),
	})

	// THEN: The valid row and the counter are unchanged
	require.Error(t, err)
	assert.Equal(t, int64(3600), e.Get(ok.SerialID).DurationSeconds)
	assert.Equal(t, "10.00", e.Get(ok.SerialID).Amount.StringFixed(2))
	assert.Equal(t, int64(7200), e.LoggedSeconds(taskA))
}

func TestCorrection_BusyTaskIsRefused(t *testing.T) {
	e := newEnv(t)
	sess := e.Session(taskA, alice, morning, 3600)
	e.OpenSession(taskA, bob, morning)

	_, err := newCorrector(e).Apply(context.Background(), tenant, []tracking.Correction{
		window(sess, morning, 60),
	})

	assert.ErrorIs(t, err, billing.ErrBusy)
	assert.Equal(t, int64(3600), e.Get(sess.SerialID).DurationSeconds)
}

func TestCorrection_InvalidBatches(t *testing.T) {
	e := newEnv(t)
	sess := e.Session(taskA, alice, morning, 3600)
	c := newCorrector(e)
	ctx := context.Background()

	_, err := c.Apply(ctx, tenant, nil)
	assert.ErrorIs(t, err, billing.ErrInvalidInput)

	backwards := window(sess, morning, 60)
	backwards.End = morning.Add(-time.Minute)
	_, err = c.Apply(ctx, tenant, []tracking.Correction{backwards})
	assert.ErrorIs(t, err, billing.ErrInvalidInput)

	_, err = c.Apply(ctx, tenant, []tracking.Correction{window(sess, morning, 60), window(sess, morning, 120)})
	assert.ErrorIs(t, err, billing.ErrInvalidInput)

	_, err = c.Apply(ctx, 0, []tracking.Correction{window(sess, morning, 60)})
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
}
