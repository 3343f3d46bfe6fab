package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/internal/repo"
	"github.com/filegate/filegate/pkg/fgerr"
)

// countingHandler records how many times it ran.
type countingHandler struct {
	mu   sync.Mutex
	runs int
	fail bool
}

func (h *countingHandler) ID() string                            { return "counting" }
func (h *countingHandler) Name() string                          { return "counting" }
func (h *countingHandler) Category() string                      { return CategoryMaintenance }
func (h *countingHandler) ValidateConfig(json.RawMessage) error  { return nil }
func (h *countingHandler) Run(context.Context, *HandlerContext) (*RunResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs++
	if h.fail {
		return nil, fgerr.New(fgerr.KindUpstream, "handler exploded")
	}
	return &RunResult{Summary: fmt.Sprintf("run %d", h.runs)}, nil
}

func newTestDispatcher(t *testing.T, handler Handler) (*Dispatcher, *repo.Store) {
	t.Helper()
	store := repo.NewMemoryStore()
	registry := NewRegistry()
	require.NoError(t, registry.Register(handler))
	d := NewDispatcher(store, registry, nil, nil, time.Second, 5*time.Minute, nil)
	return d, store
}

func seedJob(t *testing.T, store *repo.Store, taskID string, due time.Time) {
	t.Helper()
	require.NoError(t, store.ScheduledJobs.Create(context.Background(), &model.ScheduledJob{
		TaskID:       taskID,
		HandlerID:    "counting",
		Enabled:      true,
		ScheduleType: model.ScheduleInterval,
		IntervalSec:  60,
		NextRunAfter: &due,
	}))
}

func TestTick_RunsDueJob(t *testing.T) {
	handler := &countingHandler{}
	d, store := newTestDispatcher(t, handler)
	ctx := context.Background()

	seedJob(t, store, "t1", time.Now().Add(-time.Second))
	d.Tick(ctx)

	assert.Equal(t, 1, handler.runs)

	j, err := store.ScheduledJobs.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, j.RunCount)
	assert.Equal(t, 0, j.FailureCount)
	assert.Equal(t, "success", j.LastRunStatus)
	assert.Nil(t, j.LockUntil)
	require.NotNil(t, j.NextRunAfter)
	assert.True(t, j.NextRunAfter.After(time.Now()))

	runs, err := store.ScheduledRuns.ListByTask(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "success", runs[0].Status)
	assert.Equal(t, model.TriggerScheduled, runs[0].Trigger)
	assert.Equal(t, "run 1", runs[0].Summary)
}

func TestTick_NotDueNotRun(t *testing.T) {
	handler := &countingHandler{}
	d, store := newTestDispatcher(t, handler)

	seedJob(t, store, "t1", time.Now().Add(time.Hour))
	d.Tick(context.Background())
	assert.Zero(t, handler.runs)
}

func TestConcurrentTicks_SingleRun(t *testing.T) {
	// Two dispatcher processes tick simultaneously over the same store;
	// exactly one run record appears and run_count increments once.
	handler := &countingHandler{}
	store := repo.NewMemoryStore()
	registry := NewRegistry()
	require.NoError(t, registry.Register(handler))

	d1 := NewDispatcher(store, registry, nil, nil, time.Second, 5*time.Minute, nil)
	d2 := NewDispatcher(store, registry, nil, nil, time.Second, 5*time.Minute, nil)

	seedJob(t, store, "t1", time.Now().Add(-time.Second))

	var wg sync.WaitGroup
	for _, d := range []*Dispatcher{d1, d2} {
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			d.Tick(context.Background())
		}(d)
	}
	wg.Wait()

	assert.Equal(t, 1, handler.runs)
	j, err := store.ScheduledJobs.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, j.RunCount)

	runs, err := store.ScheduledRuns.ListByTask(context.Background(), "t1", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestFailureRecorded(t *testing.T) {
	handler := &countingHandler{fail: true}
	d, store := newTestDispatcher(t, handler)
	ctx := context.Background()

	seedJob(t, store, "t1", time.Now().Add(-time.Second))
	d.Tick(ctx)

	j, err := store.ScheduledJobs.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, j.RunCount)
	assert.Equal(t, 1, j.FailureCount)
	assert.Equal(t, "failure", j.LastRunStatus)

	runs, _ := store.ScheduledRuns.ListByTask(ctx, "t1", 10)
	require.Len(t, runs, 1)
	assert.Equal(t, "failure", runs[0].Status)
	assert.Contains(t, runs[0].ErrorMessage, "handler exploded")
}

func TestTriggerManual(t *testing.T) {
	handler := &countingHandler{}
	d, store := newTestDispatcher(t, handler)
	ctx := context.Background()

	// Not due for an hour, but manual triggering runs it anyway.
	seedJob(t, store, "t1", time.Now().Add(time.Hour))
	require.NoError(t, d.TriggerManual(ctx, "t1"))
	assert.Equal(t, 1, handler.runs)

	runs, _ := store.ScheduledRuns.ListByTask(ctx, "t1", 10)
	require.Len(t, runs, 1)
	assert.Equal(t, model.TriggerManual, runs[0].Trigger)
}

func TestTriggerManual_ConflictsWithHeldLease(t *testing.T) {
	handler := &countingHandler{}
	d, store := newTestDispatcher(t, handler)
	ctx := context.Background()

	seedJob(t, store, "t1", time.Now().Add(time.Hour))
	until := time.Now().Add(time.Minute)
	won, err := store.ScheduledJobs.AcquireLease(ctx, "t1", nil, until)
	require.NoError(t, err)
	require.True(t, won)

	err = d.TriggerManual(ctx, "t1")
	assert.Equal(t, fgerr.KindConflict, fgerr.KindOf(err))
	assert.Zero(t, handler.runs)
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule(&model.ScheduledJob{
		ScheduleType: model.ScheduleInterval, IntervalSec: 30,
	}))
	assert.Error(t, ValidateSchedule(&model.ScheduledJob{
		ScheduleType: model.ScheduleInterval, IntervalSec: 0,
	}))
	assert.NoError(t, ValidateSchedule(&model.ScheduledJob{
		ScheduleType: model.ScheduleCron, CronExpression: "*/5 * * * *",
	}))
	assert.Error(t, ValidateSchedule(&model.ScheduledJob{
		ScheduleType: model.ScheduleCron, CronExpression: "not a cron",
	}))
}

func TestNextFire(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)

	next, err := NextFire(&model.ScheduledJob{
		ScheduleType: model.ScheduleInterval, IntervalSec: 90,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(90*time.Second), *next)

	next, err = NextFire(&model.ScheduledJob{
		ScheduleType: model.ScheduleCron, CronExpression: "0 * * * *",
	}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC), *next)
}

func TestPreview(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	fires, err := Preview(&model.ScheduledJob{
		ScheduleType: model.ScheduleInterval, IntervalSec: 60,
	}, now, 3)
	require.NoError(t, err)
	require.Len(t, fires, 3)
	assert.Equal(t, now.Add(time.Minute), fires[0])
	assert.Equal(t, now.Add(3*time.Minute), fires[2])
}

// The handler is fine, but the job was stored with an invalid cron
// expression.
func TestInvalidCron_DisablesJob(t *testing.T) {
	handler := &countingHandler{}
	d, store := newTestDispatcher(t, handler)
	ctx := context.Background()

	due := time.Now().Add(-time.Second)
	require.NoError(t, store.ScheduledJobs.Create(ctx, &model.ScheduledJob{
		TaskID:         "bad-cron",
		HandlerID:      "counting",
		Enabled:        true,
		ScheduleType:   model.ScheduleCron,
		CronExpression: "mangled",
		NextRunAfter:   &due,
	}))

	d.Tick(ctx)

	j, err := store.ScheduledJobs.Get(ctx, "bad-cron")
	require.NoError(t, err)
	assert.False(t, j.Enabled, "invalid cron must disable the job")
	assert.Nil(t, j.NextRunAfter)
	assert.NotEmpty(t, j.LastError)
}

func TestRuntimeState(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		job  model.ScheduledJob
		want model.RuntimeState
	}{
		{"disabled", model.ScheduledJob{Enabled: false}, model.StateDisabled},
		{"running", model.ScheduledJob{Enabled: true, LockUntil: &future}, model.StateRunning},
		{"idle", model.ScheduledJob{Enabled: true}, model.StateIdle},
		{"scheduled", model.ScheduledJob{Enabled: true, NextRunAfter: &future}, model.StateScheduled},
		{"pending", model.ScheduledJob{Enabled: true, NextRunAfter: &past}, model.StatePending},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.job.RuntimeStateOf(now), tt.name)
	}
}

func TestComputeAnalytics(t *testing.T) {
	handler := &countingHandler{}
	d, store := newTestDispatcher(t, handler)
	ctx := context.Background()

	seedJob(t, store, "t1", time.Now().Add(-time.Second))
	d.Tick(ctx)
	require.NoError(t, d.TriggerManual(ctx, "t1"))

	analytics, err := d.ComputeAnalytics(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 2, analytics.TotalRuns)
	assert.Equal(t, 2, analytics.SuccessRuns)
	assert.Equal(t, 1.0, analytics.SuccessRate)
	require.Len(t, analytics.PerTask, 1)
	assert.Equal(t, 2, analytics.PerTask[0].Runs)
}
