package scheduler

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarterdeck-io/quarterdeck/internal/atomicio"
	"github.com/quarterdeck-io/quarterdeck/internal/metrics"
	"github.com/quarterdeck-io/quarterdeck/internal/scope"
)

type schedHarness struct {
	s      *Scheduler
	layout scope.Layout
	now    time.Time
}

func newSchedHarness(t *testing.T) *schedHarness {
	t.Helper()
	sc := scope.MustNew(scope.EnvPaper, "stub", "us_equities", "us")
	layout := scope.NewLayout(t.TempDir(), sc)
	require.NoError(t, layout.EnsureDirs())

	h := &schedHarness{
		layout: layout,
		now:    time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	s, err := New(sc, layout, nil, WithClock(func() time.Time { return h.now }))
	require.NoError(t, err)
	h.s = s
	return h
}

func noopTask(name string) Task {
	return Task{
		Name:     name,
		Interval: time.Minute,
		Fn:       func(ctx context.Context) error { return nil },
	}
}

func TestRegisterValidates(t *testing.T) {
	h := newSchedHarness(t)

	assert.Error(t, h.s.Register(Task{Interval: time.Minute, Fn: func(ctx context.Context) error { return nil }}))
	assert.Error(t, h.s.Register(Task{Name: "reconcile", Interval: time.Minute}))
	assert.Error(t, h.s.Register(Task{Name: "reconcile", Fn: func(ctx context.Context) error { return nil }}))

	require.NoError(t, h.s.Register(noopTask("reconcile")))
	assert.Error(t, h.s.Register(noopTask("reconcile")), "duplicate name must be rejected")
}

func TestRegisterAppliesDefaults(t *testing.T) {
	h := newSchedHarness(t)
	require.NoError(t, h.s.Register(noopTask("regime")))

	report := h.s.Staleness()
	require.Len(t, report, 1)
	assert.Equal(t, int(DefaultMaxAge/time.Second), report[0].MaxAgeSeconds)
}

func TestRunOnceSuccessAdvancesRegistry(t *testing.T) {
	h := newSchedHarness(t)
	task := noopTask("reconcile")
	require.NoError(t, h.s.Register(task))

	outcome := h.s.runOnce(context.Background(), h.s.tasks[0])
	assert.Equal(t, metrics.OutcomeSuccess, outcome)

	st := h.s.States()["reconcile"]
	assert.True(t, st.LastOK)
	assert.Equal(t, "2026-03-10T12:00:00Z", st.LastSuccessAt)
	assert.Equal(t, 1, st.Runs)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Empty(t, st.LastError)

	var doc runsDoc
	require.NoError(t, atomicio.ReadJSON(h.layout.SchedulerRunsFile(), &doc))
	assert.Equal(t, "1.0.0", doc.SchemaVersion)
	assert.Equal(t, "2026-03-10T12:00:00Z", doc.Tasks["reconcile"].LastSuccessAt)
}

func TestRunOnceFailureCountsWithoutAdvancingSuccess(t *testing.T) {
	h := newSchedHarness(t)
	task := Task{
		Name:     "universe",
		Interval: time.Minute,
		Fn:       func(ctx context.Context) error { return errors.New("scoring input missing") },
	}
	require.NoError(t, h.s.Register(task))

	outcome := h.s.runOnce(context.Background(), h.s.tasks[0])
	assert.Equal(t, metrics.OutcomeFailure, outcome)
	outcome = h.s.runOnce(context.Background(), h.s.tasks[0])
	assert.Equal(t, metrics.OutcomeFailure, outcome)

	st := h.s.States()["universe"]
	assert.False(t, st.LastOK)
	assert.Contains(t, st.LastError, "scoring input missing")
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.Equal(t, 2, st.Runs)
	assert.Empty(t, st.LastSuccessAt, "failure must not advance the success stamp")
}

func TestRunOnceSuccessResetsFailureStreak(t *testing.T) {
	h := newSchedHarness(t)
	fail := true
	task := Task{
		Name:     "regime",
		Interval: time.Minute,
		Fn: func(ctx context.Context) error {
			if fail {
				return errors.New("benchmark bars unavailable")
			}
			return nil
		},
	}
	require.NoError(t, h.s.Register(task))

	h.s.runOnce(context.Background(), h.s.tasks[0])
	fail = false
	h.s.runOnce(context.Background(), h.s.tasks[0])

	st := h.s.States()["regime"]
	assert.True(t, st.LastOK)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 2, st.Runs)
}

func TestRunOnceTimeoutIsCancellation(t *testing.T) {
	h := newSchedHarness(t)
	task := Task{
		Name:     "regime",
		Interval: time.Minute,
		Timeout:  20 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	require.NoError(t, h.s.Register(task))

	outcome := h.s.runOnce(context.Background(), h.s.tasks[0])
	assert.Equal(t, metrics.OutcomeTimeout, outcome)

	st := h.s.States()["regime"]
	assert.False(t, st.LastOK)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Empty(t, st.LastSuccessAt, "timed-out run must not advance the success stamp")
}

func TestRunOncePanicIsRecovered(t *testing.T) {
	h := newSchedHarness(t)
	task := Task{
		Name:     "governance",
		Interval: time.Minute,
		Fn:       func(ctx context.Context) error { panic("nil map write") },
	}
	require.NoError(t, h.s.Register(task))

	var outcome string
	assert.NotPanics(t, func() {
		outcome = h.s.runOnce(context.Background(), h.s.tasks[0])
	})
	assert.Equal(t, metrics.OutcomePanic, outcome)

	st := h.s.States()["governance"]
	assert.False(t, st.LastOK)
	assert.Contains(t, st.LastError, "nil map write")
}

func TestRunOnceShutdownLeavesRegistryUntouched(t *testing.T) {
	h := newSchedHarness(t)
	task := Task{
		Name:     "reconcile",
		Interval: time.Minute,
		Fn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	require.NoError(t, h.s.Register(task))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome := h.s.runOnce(ctx, h.s.tasks[0])
	assert.Equal(t, metrics.OutcomeCancelled, outcome)

	assert.Empty(t, h.s.States())
	err := atomicio.ReadJSON(h.layout.SchedulerRunsFile(), &runsDoc{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStaleness(t *testing.T) {
	h := newSchedHarness(t)
	require.NoError(t, h.s.Register(Task{
		Name:     "reconcile",
		Interval: time.Minute,
		MaxAge:   time.Hour,
		Fn:       func(ctx context.Context) error { return nil },
	}))
	require.NoError(t, h.s.Register(noopTask("regime")))

	h.s.runOnce(context.Background(), h.s.tasks[0])

	report := h.s.Staleness()
	require.Len(t, report, 2)
	assert.Equal(t, "reconcile", report[0].Task)
	assert.False(t, report[0].Stale)
	assert.Equal(t, "regime", report[1].Task)
	assert.True(t, report[1].Stale, "never-succeeded task is stale")

	h.now = h.now.Add(2 * time.Hour)
	report = h.s.Staleness()
	assert.True(t, report[0].Stale)
	assert.Equal(t, int64(7200), report[0].AgeSeconds)
}

func TestNewLoadsPersistedRegistry(t *testing.T) {
	sc := scope.MustNew(scope.EnvPaper, "stub", "us_equities", "us")
	layout := scope.NewLayout(t.TempDir(), sc)
	require.NoError(t, layout.EnsureDirs())

	doc := runsDoc{
		SchemaVersion: "1.0.0",
		Tasks: map[string]TaskState{
			"reconcile": {Task: "reconcile", LastOK: true, LastSuccessAt: "2026-03-09T18:00:00Z", Runs: 40},
		},
		UpdatedAt: "2026-03-09T18:00:00Z",
	}
	require.NoError(t, atomicio.WriteJSON(layout.SchedulerRunsFile(), doc))

	s, err := New(sc, layout, nil)
	require.NoError(t, err)
	assert.Equal(t, 40, s.States()["reconcile"].Runs)

	loaded, err := LoadRegistry(layout)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-09T18:00:00Z", loaded["reconcile"].LastSuccessAt)
}

func TestLoadRegistryMissingFileIsEmpty(t *testing.T) {
	sc := scope.MustNew(scope.EnvPaper, "stub", "us_equities", "us")
	layout := scope.NewLayout(t.TempDir(), sc)

	loaded, err := LoadRegistry(layout)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestRunRequiresTasks(t *testing.T) {
	h := newSchedHarness(t)
	assert.Error(t, h.s.Run(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newSchedHarness(t)

	var runs atomic.Int32
	require.NoError(t, h.s.Register(Task{
		Name:       "reconcile",
		Interval:   5 * time.Millisecond,
		RunAtStart: true,
		Fn: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}

func TestTaskRunsNeverOverlap(t *testing.T) {
	h := newSchedHarness(t)

	var active, overlapped atomic.Int32
	require.NoError(t, h.s.Register(Task{
		Name:     "universe",
		Interval: 5 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			if active.Add(1) > 1 {
				overlapped.Add(1)
			}
			defer active.Add(-1)
			time.Sleep(15 * time.Millisecond)
			return nil
		},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = h.s.Run(ctx)

	assert.Zero(t, overlapped.Load(), "runs of the same task must be serialized")
}

func TestTaskFailureDoesNotStopSiblings(t *testing.T) {
	h := newSchedHarness(t)

	var healthyRuns atomic.Int32
	require.NoError(t, h.s.Register(Task{
		Name:     "governance",
		Interval: 5 * time.Millisecond,
		Fn:       func(ctx context.Context) error { panic("boom") },
	}))
	require.NoError(t, h.s.Register(Task{
		Name:     "reconcile",
		Interval: 5 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			healthyRuns.Add(1)
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx) }()

	require.Eventually(t, func() bool { return healthyRuns.Load() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	st := h.s.States()
	assert.GreaterOrEqual(t, st["governance"].ConsecutiveFailures, 1)
	assert.True(t, st["reconcile"].LastOK)
}
