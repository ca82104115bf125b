// Package scheduler bounds how many JobRunners execute at once, tracks
// per-task cancellation, and drains an admission queue in FIFO order.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/juniormartinxo/transcription/internal/taskstore"
)

// ErrQueueFull is returned by Enqueue when the admission queue has no room.
var ErrQueueFull = errors.New("scheduler: admission queue is full")

// TaskRunner executes one task to completion. It is expected to observe
// ctx cancellation at its suspension points and to leave the TaskRecord in a
// terminal state before returning.
type TaskRunner interface {
	Run(ctx context.Context, taskID string)
}

// Scheduler owns a bounded worker pool and a FIFO admission queue.
type Scheduler struct {
	store  taskstore.Store
	runner TaskRunner
	logger *slog.Logger

	queue chan string
	sem   chan struct{}

	cancels sync.Map // task_id -> context.CancelFunc

	taskTimeout time.Duration

	wg sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTaskTimeout bounds each task's wall-clock duration; when it elapses
// the task's context is cancelled, the same as an explicit Cancel call. Zero
// (the default) means no orchestrator-imposed limit.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.taskTimeout = d
	}
}

// WithQueueDepth overrides the default queue capacity
// (max_concurrent_tasks x 16).
func WithQueueDepth(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queue = make(chan string, n)
		}
	}
}

// WithLogger sets the logger used for recovery and worker diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Scheduler bounding concurrent task execution to
// maxConcurrentTasks slots, with a default queue depth of
// maxConcurrentTasks x 16.
func New(store taskstore.Store, runner TaskRunner, maxConcurrentTasks int, opts ...Option) *Scheduler {
	if maxConcurrentTasks <= 0 {
		maxConcurrentTasks = 3
	}

	s := &Scheduler{
		store:  store,
		runner: runner,
		logger: slog.Default(),
		queue:  make(chan string, maxConcurrentTasks*16),
		sem:    make(chan struct{}, maxConcurrentTasks),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the worker loop. It returns immediately; call Wait to block
// until the loop and all in-flight tasks have exited after ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.workerLoop(ctx)
}

// Wait blocks until the worker loop and all dispatched tasks have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Enqueue admits a task for processing. It never blocks: if the queue is
// saturated it returns ErrQueueFull immediately.
func (s *Scheduler) Enqueue(taskID string) error {
	select {
	case s.queue <- taskID:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		// Take a worker slot before dequeuing, so a task waiting for a slot
		// keeps its place in the admission queue and counts against its depth.
		select {
		case <-ctx.Done():
			return
		case s.sem <- struct{}{}:
		}
		select {
		case <-ctx.Done():
			<-s.sem
			return
		case taskID := <-s.queue:
			s.wg.Add(1)
			go func(id string) {
				defer s.wg.Done()
				defer func() { <-s.sem }()
				s.runTask(ctx, id)
			}(taskID)
		}
	}
}

func (s *Scheduler) runTask(parentCtx context.Context, taskID string) {
	var taskCtx context.Context
	var cancel context.CancelFunc
	if s.taskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(parentCtx, s.taskTimeout)
	} else {
		taskCtx, cancel = context.WithCancel(parentCtx)
	}
	s.cancels.Store(taskID, cancel)
	defer func() {
		s.cancels.Delete(taskID)
		cancel()
	}()

	s.runner.Run(taskCtx, taskID)
}

// Cancel requests cancellation of taskID. A pending task transitions
// directly to failed("canceled") and never reaches processing. A processing
// task has its cancellation handle fired and returns immediately; the
// terminal transition happens when the runner unwinds. A task already in a
// terminal state is a no-op. Cancel is idempotent in both effect and
// response, as required by the scheduler's cancellation contract.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (*taskstore.TaskRecord, error) {
	rec, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch rec.GetStatus() {
	case taskstore.StatusPending:
		updated, err := s.store.Update(ctx, taskID, func(r *taskstore.TaskRecord) error {
			if r.GetStatus() != taskstore.StatusPending {
				return nil
			}
			r.SetError("canceled")
			return r.TransitionTo(taskstore.StatusFailed)
		})
		if err != nil {
			return nil, err
		}
		return updated, nil

	case taskstore.StatusProcessing:
		if cancelFn, ok := s.cancels.Load(taskID); ok {
			cancelFn.(context.CancelFunc)()
		}
		return rec, nil

	default:
		return rec, nil
	}
}

// Recover runs the startup reconciliation pass: records left in processing
// by an unclean shutdown are transitioned to failed("interrupted"); records
// left in pending are re-enqueued in created_at order.
func (s *Scheduler) Recover(ctx context.Context) error {
	records, err := s.store.List(ctx)
	if err != nil {
		return err
	}

	var pending []*taskstore.TaskRecord
	for _, r := range records {
		switch r.GetStatus() {
		case taskstore.StatusProcessing:
			if _, err := s.store.Update(ctx, r.TaskID, func(rec *taskstore.TaskRecord) error {
				if rec.GetStatus() != taskstore.StatusProcessing {
					return nil
				}
				rec.SetError("interrupted")
				return rec.TransitionTo(taskstore.StatusFailed)
			}); err != nil {
				s.logger.Error("failed to mark interrupted task as failed",
					slog.String("task_id", r.TaskID),
					slog.String("error", err.Error()),
				)
			}
		case taskstore.StatusPending:
			pending = append(pending, r)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for _, r := range pending {
		if err := s.Enqueue(r.TaskID); err != nil {
			s.logger.Error("failed to re-enqueue pending task",
				slog.String("task_id", r.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}
