package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultTaskTimeout = 15 * time.Second

// TaskError reports a failed background task.
type TaskError struct {
	Task           string
	TenantID       string
	ConversationID string
	Err            error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("usecase: background %s for %s/%s: %v", e.Task, e.TenantID, e.ConversationID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

type task struct {
	ctx            context.Context
	name           string
	tenantID       string
	conversationID string
	fn             func(ctx context.Context) error
}

// Worker runs fire-and-forget side effects (window sync, directory touch) on
// a fixed set of goroutines. Failures are logged and published on Errors,
// never returned to the submitter.
type Worker struct {
	tasks   chan task
	errs    chan error
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	pending sync.WaitGroup
}

// NewWorker starts count goroutines draining a queue of the given size.
func NewWorker(count, queue int, logger zerolog.Logger) *Worker {
	if count <= 0 {
		count = 1
	}
	if queue <= 0 {
		queue = 1
	}
	w := &Worker{
		tasks:   make(chan task, queue),
		errs:    make(chan error, queue),
		logger:  logger,
		timeout: defaultTaskTimeout,
	}
	for i := 0; i < count; i++ {
		w.wg.Add(1)
		go w.run()
	}
	return w
}

func (w *Worker) run() {
	defer w.wg.Done()
	for t := range w.tasks {
		w.execute(t)
	}
}

func (w *Worker) execute(t task) {
	defer w.pending.Done()

	ctx, cancel := context.WithTimeout(t.ctx, w.timeout)
	defer cancel()

	if err := t.fn(ctx); err != nil {
		w.logger.Warn().
			Err(err).
			Str("op", t.name).
			Str("tenant_id", t.tenantID).
			Str("conversation_id", t.conversationID).
			Msg("background task failed")
		select {
		case w.errs <- &TaskError{Task: t.name, TenantID: t.tenantID, ConversationID: t.conversationID, Err: err}:
		default:
		}
	}
}

// Submit queues fn without blocking. The task inherits ctx's values but not
// its cancellation. It returns false when the queue is full or the worker is
// closed; the task is dropped in that case.
func (w *Worker) Submit(ctx context.Context, name, tenantID, conversationID string, fn func(ctx context.Context) error) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn().Str("op", name).Str("conversation_id", conversationID).Msg("worker closed, task dropped")
		return false
	}

	w.pending.Add(1)
	select {
	case w.tasks <- task{
		ctx:            context.WithoutCancel(ctx),
		name:           name,
		tenantID:       tenantID,
		conversationID: conversationID,
		fn:             fn,
	}:
		return true
	default:
		w.pending.Done()
		w.logger.Warn().
			Str("op", name).
			Str("tenant_id", tenantID).
			Str("conversation_id", conversationID).
			Msg("worker queue full, task dropped")
		return false
	}
}

// Errors publishes failed tasks. Unread errors beyond the buffer are dropped.
func (w *Worker) Errors() <-chan error {
	return w.errs
}

// Wait blocks until every accepted task has finished.
func (w *Worker) Wait() {
	w.pending.Wait()
}

// Close stops accepting tasks, drains the queue and stops the goroutines.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.tasks)
	w.mu.Unlock()
	w.wg.Wait()
}
