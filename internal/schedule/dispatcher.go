package schedule

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/filegate/filegate/internal/job"
	"github.com/filegate/filegate/internal/metrics"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/internal/repo"
	"github.com/filegate/filegate/pkg/fgerr"
)

// maxErrorLength truncates stored run error messages.
const maxErrorLength = 500

// Dispatcher ticks over due jobs, leases them, runs their handlers, and
// records run history. A single process per database is assumed, but the
// lease still uses compare-and-swap so two accidental dispatchers stay
// mutually exclusive.
type Dispatcher struct {
	store    *repo.Store
	registry *Registry
	jobs     *job.Engine
	metrics  *metrics.Collector
	logger   *slog.Logger

	tick     time.Duration
	leaseTTL time.Duration
	env      map[string]string

	now func() time.Time
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(store *repo.Store, registry *Registry, jobs *job.Engine, mc *metrics.Collector, tick, leaseTTL time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		registry: registry,
		jobs:     jobs,
		metrics:  mc,
		logger:   logger.With("component", "scheduler"),
		tick:     tick,
		leaseTTL: leaseTTL,
		env:      map[string]string{},
		now:      time.Now,
	}
}

// Run loops until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick processes every due job once. Exported for manual drive in tests.
func (d *Dispatcher) Tick(ctx context.Context) {
	now := d.now()
	due, err := d.store.ScheduledJobs.ListDue(ctx, now)
	if err != nil {
		d.logger.Error("listing due jobs failed", "error", err)
		return
	}
	for i := range due {
		d.tryRun(ctx, &due[i], model.TriggerScheduled, now)
	}
}

// tryRun takes the lease and, on win, executes the handler. A losing CAS
// means another dispatcher got there first; the job is treated as already
// running.
func (d *Dispatcher) tryRun(ctx context.Context, j *model.ScheduledJob, trigger model.RunTrigger, now time.Time) {
	until := now.Add(d.leaseTTL)
	won, err := d.store.ScheduledJobs.AcquireLease(ctx, j.TaskID, j.LockUntil, until)
	if err != nil {
		d.logger.Error("lease acquisition failed", "task", j.TaskID, "error", err)
		return
	}
	if !won {
		return
	}
	d.execute(ctx, j, trigger, now)
}

func (d *Dispatcher) execute(ctx context.Context, j *model.ScheduledJob, trigger model.RunTrigger, now time.Time) {
	started := d.now()
	run := &model.ScheduledJobRun{
		TaskID:    j.TaskID,
		StartedAt: started,
		Trigger:   trigger,
	}

	var summary string
	var details json.RawMessage
	var runErr error

	handler, ok := d.registry.Get(j.HandlerID)
	if !ok {
		runErr = fgerr.Newf(fgerr.KindValidation, "no handler registered for %s", j.HandlerID)
	} else {
		result, err := handler.Run(ctx, &HandlerContext{
			Store:  d.store,
			Jobs:   d.jobs,
			Now:    now,
			Config: j.Config,
			Logger: d.logger.With("task", j.TaskID),
			Env:    d.env,
		})
		runErr = err
		if result != nil {
			summary = result.Summary
			details = result.Details
		}
	}

	finished := d.now()
	run.FinishedAt = finished
	run.DurationMs = finished.Sub(started).Milliseconds()
	run.Summary = summary
	run.Details = details
	if runErr != nil {
		run.Status = "failure"
		run.ErrorMessage = truncate(runErr.Error(), maxErrorLength)
	} else {
		run.Status = "success"
	}

	if err := d.store.ScheduledRuns.Append(ctx, run); err != nil {
		d.logger.Error("run record append failed", "task", j.TaskID, "error", err)
	}
	if d.metrics != nil {
		d.metrics.RecordSchedulerRun(j.HandlerID, run.Status)
	}

	next, nextErr := NextFire(j, now)
	if err := d.store.ScheduledJobs.Finish(ctx, j.TaskID, func(stored *model.ScheduledJob) {
		stored.RunCount++
		if runErr != nil {
			stored.FailureCount++
		}
		stored.LastRunStatus = run.Status
		stored.LastRunStartedAt = &started
		stored.LastRunFinishedAt = &finished
		switch {
		case nextErr != nil:
			// An invalid schedule disables the job instead of spinning.
			stored.Enabled = false
			stored.NextRunAfter = nil
			stored.LastError = truncate(nextErr.Error(), maxErrorLength)
		case next != nil:
			stored.NextRunAfter = next
		default:
			stored.NextRunAfter = nil
		}
	}); err != nil {
		d.logger.Error("job bookkeeping failed", "task", j.TaskID, "error", err)
	}

	if runErr != nil {
		d.logger.Warn("scheduled run failed", "task", j.TaskID, "error", runErr)
	} else {
		d.logger.Info("scheduled run finished", "task", j.TaskID, "summary", summary,
			"duration_ms", run.DurationMs)
	}
}

// TriggerManual runs a job immediately under the lease, bypassing its
// schedule.
func (d *Dispatcher) TriggerManual(ctx context.Context, taskID string) error {
	j, err := d.store.ScheduledJobs.Get(ctx, taskID)
	if err != nil {
		return err
	}
	now := d.now()
	if j.LockUntil != nil && j.LockUntil.After(now) {
		return fgerr.New(fgerr.KindConflict, "job is already running")
	}
	until := now.Add(d.leaseTTL)
	won, err := d.store.ScheduledJobs.AcquireLease(ctx, taskID, j.LockUntil, until)
	if err != nil {
		return err
	}
	if !won {
		return fgerr.New(fgerr.KindConflict, "job is already running")
	}
	d.execute(ctx, j, model.TriggerManual, now)
	return nil
}

// ValidateSchedule checks a job's schedule fields, rejecting invalid cron
// expressions before they are stored.
func ValidateSchedule(j *model.ScheduledJob) error {
	switch j.ScheduleType {
	case model.ScheduleInterval:
		if j.IntervalSec <= 0 {
			return fgerr.New(fgerr.KindValidation, "interval_sec must be positive")
		}
	case model.ScheduleCron:
		if _, err := cron.ParseStandard(j.CronExpression); err != nil {
			return fgerr.Wrap(fgerr.KindValidation, "invalid cron expression", err)
		}
	default:
		return fgerr.Newf(fgerr.KindValidation, "unknown schedule type %q", j.ScheduleType)
	}
	return nil
}

// NextFire computes the next run time after now.
func NextFire(j *model.ScheduledJob, now time.Time) (*time.Time, error) {
	switch j.ScheduleType {
	case model.ScheduleInterval:
		if j.IntervalSec <= 0 {
			return nil, fgerr.New(fgerr.KindValidation, "interval_sec must be positive")
		}
		t := now.Add(time.Duration(j.IntervalSec) * time.Second)
		return &t, nil
	case model.ScheduleCron:
		schedule, err := cron.ParseStandard(j.CronExpression)
		if err != nil {
			return nil, fgerr.Wrap(fgerr.KindValidation, "invalid cron expression", err)
		}
		t := schedule.Next(now)
		return &t, nil
	default:
		return nil, fgerr.Newf(fgerr.KindValidation, "unknown schedule type %q", j.ScheduleType)
	}
}

// Preview computes up to n future fire times the same way the dispatcher
// does.
func Preview(j *model.ScheduledJob, from time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]time.Time, 0, n)
	cursor := from
	for i := 0; i < n; i++ {
		next, err := NextFire(j, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, *next)
		cursor = *next
	}
	return out, nil
}

// Analytics aggregates run history over a window.
type Analytics struct {
	WindowHours   int             `json:"windowHours"`
	TotalRuns     int             `json:"totalRuns"`
	SuccessRuns   int             `json:"successRuns"`
	FailureRuns   int             `json:"failureRuns"`
	SuccessRate   float64         `json:"successRate"`
	AvgDurationMs int64           `json:"avgDurationMs"`
	PerTask       []TaskAnalytics `json:"perTask"`
}

// TaskAnalytics is the per-task rollup.
type TaskAnalytics struct {
	TaskID        string `json:"taskId"`
	Runs          int    `json:"runs"`
	Failures      int    `json:"failures"`
	AvgDurationMs int64  `json:"avgDurationMs"`
}

// ComputeAnalytics rolls up run history for the admin API.
func (d *Dispatcher) ComputeAnalytics(ctx context.Context, windowHours int) (*Analytics, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	since := d.now().Add(-time.Duration(windowHours) * time.Hour)
	runs, err := d.store.ScheduledRuns.ListSince(ctx, since)
	if err != nil {
		return nil, err
	}

	out := &Analytics{WindowHours: windowHours, TotalRuns: len(runs)}
	perTask := make(map[string]*TaskAnalytics)
	var totalDuration int64
	for _, run := range runs {
		totalDuration += run.DurationMs
		if run.Status == "success" {
			out.SuccessRuns++
		} else {
			out.FailureRuns++
		}
		t, ok := perTask[run.TaskID]
		if !ok {
			t = &TaskAnalytics{TaskID: run.TaskID}
			perTask[run.TaskID] = t
		}
		t.Runs++
		t.AvgDurationMs += run.DurationMs
		if run.Status != "success" {
			t.Failures++
		}
	}
	if out.TotalRuns > 0 {
		out.SuccessRate = float64(out.SuccessRuns) / float64(out.TotalRuns)
		out.AvgDurationMs = totalDuration / int64(out.TotalRuns)
	}
	for _, t := range perTask {
		if t.Runs > 0 {
			t.AvgDurationMs /= int64(t.Runs)
		}
		out.PerTask = append(out.PerTask, *t)
	}
	return out, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
