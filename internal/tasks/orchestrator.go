// Package tasks runs asynchronous work through a bounded worker pool
// backed by the tasks table. Submitters get a task id immediately;
// state is always readable and only ever moves forward.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signline/internal/domain"
	"signline/internal/events"
	"signline/internal/repo"
	"signline/internal/resilience"
)

// ErrStopped is returned by Submit after Close.
var ErrStopped = errors.New("orchestrator stopped")

// ErrQueueFull is returned when the submission queue is saturated.
// Submit never blocks the caller.
var ErrQueueFull = errors.New("task queue full")

// Error kinds recorded on failed tasks. A dead-lettered downstream
// failure is recoverable by replay; a computation error is not.
const (
	ErrKindComputation = "computation"
	ErrKindDeadLetter  = "dispatch_dead_lettered"
)

const queueDepth = 256

// Job is the unit of work a task executes. It must honor ctx
// cancellation and may report progress in [0,1].
type Job func(ctx context.Context, report func(progress float64)) (resultJSON string, err error)

type work struct {
	taskID string
	job    Job
}

// Orchestrator owns the worker pool and the task table.
type Orchestrator struct {
	repo   repo.Repo
	events events.Writer
	log    zerolog.Logger
	now    func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	queue   chan work
	wg      sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	cancels map[string]context.CancelFunc
}

// New starts an orchestrator with the given number of workers.
func New(r repo.Repo, w events.Writer, workers int, log zerolog.Logger) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		repo:    r,
		events:  w,
		log:     log,
		now:     time.Now,
		baseCtx: ctx,
		stop:    cancel,
		queue:   make(chan work, queueDepth),
		cancels: make(map[string]context.CancelFunc),
	}
	for i := 0; i < workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	return o
}

// Submit records a pending task and hands it to the pool. It returns
// the task id without waiting for execution to start.
func (o *Orchestrator) Submit(ctx context.Context, kind, projectID string, job Job) (string, error) {
	taskID := uuid.NewString()
	now := o.now().UTC().Format(time.RFC3339)
	rec := domain.TaskRecord{
		TaskID:    taskID,
		Kind:      kind,
		ProjectID: projectID,
		State:     domain.TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return "", ErrStopped
	}
	if err := o.repo.InsertTask(ctx, rec); err != nil {
		return "", err
	}
	select {
	case o.queue <- work{taskID: taskID, job: job}:
	default:
		return "", ErrQueueFull
	}
	o.audit("task.enqueued", projectID, taskID, events.EventPayload{"kind": kind})
	return taskID, nil
}

// GetStatus returns the task record. Readable in every state.
func (o *Orchestrator) GetStatus(ctx context.Context, taskID string) (domain.TaskRecord, error) {
	return o.repo.GetTask(ctx, taskID)
}

// Cancel requests cancellation and returns the state the task ended up
// in. Cancelling a terminal task is a no-op that reports the true
// terminal state, so retried cancels are safe.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (string, error) {
	t, err := o.repo.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if domain.TerminalTask(t.State) {
		return t.State, nil
	}

	now := o.now().UTC().Format(time.RFC3339)
	advanced, err := o.repo.AdvanceTask(ctx, taskID, domain.TaskCancelled,
		[]string{domain.TaskPending, domain.TaskProcessing}, nil, nil, nil, nil, now)
	if err != nil {
		return "", err
	}
	if !advanced {
		// raced against completion; report what actually happened
		t, err = o.repo.GetTask(ctx, taskID)
		if err != nil {
			return "", err
		}
		return t.State, nil
	}
	o.mu.Lock()
	if cancel, ok := o.cancels[taskID]; ok {
		cancel()
	}
	o.mu.Unlock()
	o.audit("task.cancelled", t.ProjectID, taskID, nil)
	return domain.TaskCancelled, nil
}

// Close stops accepting work, drains the queue, and waits for running
// jobs to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	close(o.queue)
	o.mu.Unlock()
	o.wg.Wait()
	o.stop()
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for w := range o.queue {
		o.run(w)
	}
}

func (o *Orchestrator) run(w work) {
	taskCtx, cancel := context.WithCancel(o.baseCtx)
	defer cancel()
	o.mu.Lock()
	o.cancels[w.taskID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, w.taskID)
		o.mu.Unlock()
	}()

	ctx := context.Background()
	zero := 0.0
	started, err := o.repo.AdvanceTask(ctx, w.taskID, domain.TaskProcessing,
		[]string{domain.TaskPending}, &zero, nil, nil, nil, o.stamp())
	if err != nil {
		o.log.Error().Str("task_id", w.taskID).Err(err).Msg("task start failed")
		return
	}
	if !started {
		// cancelled while pending
		return
	}
	o.audit("task.started", "", w.taskID, nil)

	report := func(p float64) {
		if err := o.repo.SetTaskProgress(ctx, w.taskID, p, o.stamp()); err != nil {
			o.log.Warn().Str("task_id", w.taskID).Err(err).Msg("progress update failed")
		}
	}
	result, jobErr := w.job(taskCtx, report)

	switch {
	case jobErr == nil:
		one := 1.0
		_, err = o.repo.AdvanceTask(ctx, w.taskID, domain.TaskCompleted,
			[]string{domain.TaskProcessing}, &one, &result, nil, nil, o.stamp())
		if err == nil {
			o.audit("task.completed", "", w.taskID, nil)
		}
	case taskCtx.Err() != nil || errors.Is(jobErr, context.Canceled):
		// Cancel already moved the row; nothing to record here.
	default:
		kind := ErrKindComputation
		if errors.Is(jobErr, resilience.ErrDeadLettered) {
			kind = ErrKindDeadLetter
		}
		msg := jobErr.Error()
		_, err = o.repo.AdvanceTask(ctx, w.taskID, domain.TaskFailed,
			[]string{domain.TaskProcessing}, nil, nil, &msg, &kind, o.stamp())
		if err == nil {
			o.audit("task.failed", "", w.taskID, events.EventPayload{"error_kind": kind})
		}
		o.log.Warn().Str("task_id", w.taskID).Str("error_kind", kind).Err(jobErr).Msg("task failed")
	}
	if err != nil {
		o.log.Error().Str("task_id", w.taskID).Err(err).Msg("task finalize failed")
	}
}

func (o *Orchestrator) stamp() string {
	return o.now().UTC().Format(time.RFC3339)
}

func (o *Orchestrator) audit(evtType, projectID, taskID string, payload events.EventPayload) {
	if err := o.events.AppendDirect(context.Background(), evtType, projectID, "task", taskID, "system", payload); err != nil {
		o.log.Error().Str("task_id", taskID).Err(err).Msg("task audit event failed")
	}
}
