// Package taskqueue provides the deferred-task facility the engine hands
// post-commit work to: change-set commits and local-rule creation retries.
package taskqueue

import (
	"context"
	"errors"
	"sync"
)

// Queue names.
const (
	QueueDefault      = "default"
	QueueCommitChange = "commit-change"
	QueueLocalAllow   = "local-allow"
)

// ErrPermanent is the permanent-failure sentinel. A task handler that
// returns (or wraps) it tells the dispatcher to drop the task instead of
// retrying.
var ErrPermanent = errors.New("taskqueue: permanent task failure")

// Task is one deferred unit of work.
type Task struct {
	Queue   string
	Key     string // per-key ordering / concurrency hint
	Payload []byte
}

// Deferrer enqueues tasks for later execution. Implementations retry failed
// tasks with exponential backoff and drop tasks whose handler reports
// ErrPermanent.
type Deferrer interface {
	Defer(ctx context.Context, task Task) error
}

// Handler executes a task.
type Handler func(ctx context.Context, task Task) error

// InlineDeferrer records tasks and, when a handler is attached, can drain
// them synchronously. Used in tests and local development.
type InlineDeferrer struct {
	mu      sync.Mutex
	tasks   []Task
	handler Handler
}

func NewInlineDeferrer() *InlineDeferrer {
	return &InlineDeferrer{}
}

// SetHandler attaches the function Drain will execute tasks with.
func (d *InlineDeferrer) SetHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

func (d *InlineDeferrer) Defer(ctx context.Context, task Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return nil
}

// Pending returns a snapshot of the queued tasks.
func (d *InlineDeferrer) Pending() []Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Task(nil), d.tasks...)
}

// Drain runs queued tasks until the queue is empty, including tasks enqueued
// by the tasks themselves (tail defers). Permanent failures are dropped;
// any other error aborts the drain so tests can observe it.
func (d *InlineDeferrer) Drain(ctx context.Context) error {
	for {
		d.mu.Lock()
		if len(d.tasks) == 0 {
			d.mu.Unlock()
			return nil
		}
		task := d.tasks[0]
		d.tasks = d.tasks[1:]
		h := d.handler
		d.mu.Unlock()

		if h == nil {
			return errors.New("taskqueue: no handler attached")
		}
		if err := h(ctx, task); err != nil {
			if errors.Is(err, ErrPermanent) {
				continue
			}
			return err
		}
	}
}

var _ Deferrer = (*InlineDeferrer)(nil)
