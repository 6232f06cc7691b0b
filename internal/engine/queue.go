package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"stackvm/internal/logging"
	"stackvm/internal/store"
	"stackvm/internal/verrors"
)

// Queue runs tasks on a bounded worker pool. Tasks are independent; per-task
// exclusion is the store lock's job, and a lock conflict re-queues the task
// instead of failing it.
type Queue struct {
	engine       *Engine
	logger       logging.Logger
	tasks        chan string
	group        *errgroup.Group
	workers      int
	requeueDelay time.Duration

	mu     sync.Mutex
	closed bool
}

// NewQueue builds a queue with the given worker count and buffer capacity.
func NewQueue(e *Engine, workers, buffer int, logger logging.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if buffer < 1 {
		buffer = 64
	}
	return &Queue{
		engine:       e,
		logger:       logging.OrNop(logger),
		tasks:        make(chan string, buffer),
		group:        &errgroup.Group{},
		workers:      workers,
		requeueDelay: 250 * time.Millisecond,
	}
}

// Start launches the workers. They exit when ctx is cancelled or the queue
// is shut down.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.group.Go(func() error {
			q.worker(ctx)
			return nil
		})
	}
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case taskID, ok := <-q.tasks:
			if !ok {
				return
			}
			q.runOne(ctx, taskID)
		}
	}
}

func (q *Queue) runOne(ctx context.Context, taskID string) {
	result, err := q.engine.Run(ctx, taskID)
	switch {
	case err == nil:
		if result.Completed {
			q.logger.Info("task %s completed on branch %s", taskID, result.Branch)
		} else if result.LastError != nil {
			q.logger.Warn("task %s ended errored: %s", taskID, result.LastError.Error())
		}
	case store.IsLocked(err):
		q.logger.Debug("task %s is locked, re-queueing", taskID)
		time.AfterFunc(q.requeueDelay, func() {
			if enqueueErr := q.Enqueue(taskID); enqueueErr != nil {
				q.logger.Warn("re-queue of task %s dropped: %v", taskID, enqueueErr)
			}
		})
	default:
		q.logger.Error("task %s run failed: %v", taskID, err)
	}
}

// Enqueue submits a task for execution without blocking.
func (q *Queue) Enqueue(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return verrors.New(verrors.KindValidation, "queue is shut down")
	}
	select {
	case q.tasks <- taskID:
		return nil
	default:
		return verrors.New(verrors.KindValidation, "queue is full")
	}
}

// Shutdown stops accepting tasks, drains the workers, and waits for them.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	_ = q.group.Wait()
}
