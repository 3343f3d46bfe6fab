// Package job runs long-lived background jobs: descriptor persistence,
// bounded worker fan-out, progress stats, and cancellation.
package job

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/filegate/filegate/internal/metrics"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/internal/repo"
	"github.com/filegate/filegate/pkg/fgerr"
)

const (
	// DefaultConcurrency bounds item fan-out when the payload does not
	// ask for a specific width; MaxConcurrency caps what it may ask for.
	DefaultConcurrency = 10
	MaxConcurrency     = 32
)

// Handler executes one task type. CountItems sizes the payload up front
// so stats.total is fixed at enqueue time; Run processes the payload,
// reporting per-item outcomes through the JobContext. A Run error marks
// the whole job failed.
type Handler interface {
	TaskType() string
	CountItems(payload json.RawMessage) (int, error)
	Run(ctx context.Context, jc *JobContext) error
}

// JobContext is the handler's view of its job. Principal is the full
// caller identity captured at enqueue time; the descriptor persists only
// its id.
type JobContext struct {
	Descriptor model.JobDescriptor
	Principal  model.Principal

	engine *Engine
}

// RecordItem folds one item outcome into the job's stats as the item
// completes; counters only grow. The outcome's path and error are not
// stored on the descriptor.
func (jc *JobContext) RecordItem(ctx context.Context, outcome model.JobItemOutcome) {
	jc.engine.recordItem(ctx, jc.Descriptor.ID, jc.Descriptor.TaskType, outcome)
}

// Engine owns job descriptors and the workers that drive them.
type Engine struct {
	store   repo.Jobs
	metrics *metrics.Collector
	logger  *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	cancels  map[string]context.CancelFunc

	wg sync.WaitGroup
}

// NewEngine creates the engine. Handlers register before serving traffic.
func NewEngine(store repo.Jobs, mc *metrics.Collector, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		metrics:  mc,
		logger:   logger.With("component", "jobs"),
		handlers: make(map[string]Handler),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Register adds a handler for its task type.
func (e *Engine) Register(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[h.TaskType()] = h
}

// TaskTypes lists registered task types.
func (e *Engine) TaskTypes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		out = append(out, t)
	}
	return out
}

// Create persists a pending descriptor and wakes a worker for it.
func (e *Engine) Create(ctx context.Context, taskType string, payload json.RawMessage, principal model.Principal) (*model.JobDescriptor, error) {
	e.mu.Lock()
	handler, ok := e.handlers[taskType]
	e.mu.Unlock()
	if !ok {
		return nil, fgerr.Newf(fgerr.KindValidation, "unknown task type %q", taskType)
	}

	total, err := handler.CountItems(payload)
	if err != nil {
		return nil, err
	}

	descriptor := &model.JobDescriptor{
		TaskType:  taskType,
		Status:    model.JobPending,
		Payload:   payload,
		Principal: principal.ID,
		Stats:     model.JobStats{Total: total},
		Resumable: true,
	}
	if err := e.store.Create(ctx, descriptor); err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[descriptor.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(jobCtx, handler, *descriptor, principal)

	return descriptor, nil
}

func (e *Engine) run(ctx context.Context, handler Handler, descriptor model.JobDescriptor, principal model.Principal) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		if cancel, ok := e.cancels[descriptor.ID]; ok {
			cancel()
			delete(e.cancels, descriptor.ID)
		}
		e.mu.Unlock()
	}()

	if e.metrics != nil {
		e.metrics.JobStarted()
		defer e.metrics.JobFinished()
	}

	if _, err := e.store.Update(ctx, descriptor.ID, func(j *model.JobDescriptor) {
		if j.Status == model.JobPending {
			j.Status = model.JobRunning
		}
	}); err != nil {
		e.logger.Error("job start update failed", "job", descriptor.ID, "error", err)
		return
	}

	runErr := handler.Run(ctx, &JobContext{Descriptor: descriptor, Principal: principal, engine: e})

	_, err := e.store.Update(context.Background(), descriptor.ID, func(j *model.JobDescriptor) {
		if j.Status == model.JobCancelled {
			return // cancellation wins over any late outcome
		}
		switch {
		case ctx.Err() != nil:
			j.Status = model.JobCancelled
		case runErr != nil:
			j.Status = model.JobFailed
			j.Error = fgerr.AsError(runErr).ClientMessage()
		case j.Stats.Failed > 0:
			j.Status = model.JobFailed
			j.Error = "one or more items failed"
		default:
			j.Status = model.JobSucceeded
		}
	})
	if err != nil {
		e.logger.Error("job finish update failed", "job", descriptor.ID, "error", err)
	}
}

func (e *Engine) recordItem(ctx context.Context, jobID, taskType string, outcome model.JobItemOutcome) {
	if e.metrics != nil {
		e.metrics.RecordJobItem(taskType, string(outcome.Kind))
	}
	_, err := e.store.Update(ctx, jobID, func(j *model.JobDescriptor) {
		switch outcome.Kind {
		case model.ItemSucceeded:
			j.Stats.Success++
		case model.ItemSkipped:
			j.Stats.Skipped++
		case model.ItemFailed:
			j.Stats.Failed++
		}
		j.Stats.BytesCopied += outcome.Bytes
	})
	if err != nil {
		e.logger.Error("job stat update failed", "job", jobID, "error", err)
	}
}

// Get returns the live descriptor; non-admins see only their own jobs.
func (e *Engine) Get(ctx context.Context, principal model.Principal, id string) (*model.JobDescriptor, error) {
	j, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !principal.IsAdmin && j.Principal != principal.ID {
		return nil, fgerr.Newf(fgerr.KindNotFound, "job %s not found", id)
	}
	return j, nil
}

// List filters jobs by task type and status; non-admins see only their own.
func (e *Engine) List(ctx context.Context, principal model.Principal, filter repo.JobFilter) ([]model.JobDescriptor, error) {
	if !principal.IsAdmin {
		filter.Principal = principal.ID
	}
	return e.store.List(ctx, filter)
}

// Cancel flips the descriptor to cancelled and signals the worker, which
// propagates the cancellation into in-flight streams.
func (e *Engine) Cancel(ctx context.Context, principal model.Principal, id string) error {
	j, err := e.Get(ctx, principal, id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return fgerr.Newf(fgerr.KindConflict, "job is already %s", j.Status)
	}
	if _, err := e.store.Update(ctx, id, func(j *model.JobDescriptor) {
		if !j.Status.Terminal() {
			j.Status = model.JobCancelled
		}
	}); err != nil {
		return err
	}
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Delete removes a terminal job's descriptor.
func (e *Engine) Delete(ctx context.Context, principal model.Principal, id string) error {
	j, err := e.Get(ctx, principal, id)
	if err != nil {
		return err
	}
	if !j.Status.Terminal() {
		return fgerr.New(fgerr.KindConflict, "cancel the job before deleting it")
	}
	return e.store.Delete(ctx, id)
}

// Wait blocks until every in-flight worker has returned. Used on shutdown
// and by tests.
func (e *Engine) Wait() { e.wg.Wait() }
