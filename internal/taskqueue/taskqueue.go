package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskRunInstance runs a single step instance once it is due.
	TaskRunInstance TaskType = "run-instance"
	// TaskRunDue runs every due instance.
	TaskRunDue TaskType = "run-due"
	// TaskExpireSweep expires scheduled instances past their deadline.
	TaskExpireSweep TaskType = "expire-sweep"
	// TaskDiscover runs record discovery for a configuration, or for every
	// periodic configuration when ConfigurationID is empty.
	TaskDiscover TaskType = "discover"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	// For run-instance tasks
	InstanceID string

	// For discover tasks
	ConfigurationID string

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time

	// Attempts counts failed deliveries.
	Attempts int
}

// ErrNotLeased is returned by Ack or Nack when the task is not leased by
// the given owner.
var ErrNotLeased = errors.New("task not leased by owner")

// Queue is an at-least-once task queue. A dequeued task stays invisible to
// other consumers until its lease expires, it is acked, or it is nacked.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue leases the next eligible task, blocking until one is available
	// or the context is cancelled.
	Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error)

	// Ack removes a leased task.
	Ack(ctx context.Context, taskID, owner string) error

	// Nack returns a leased task to the queue, eligible again at notBefore.
	Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error

	// Len returns the approximate number of tasks queued or leased.
	Len() int
}

// prepare fills in the ID and timestamps of a task about to be enqueued.
func prepare(t Task, now time.Time) Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	return t
}

// pollInterval bounds how long polling backends sleep when idle.
const pollInterval = 50 * time.Millisecond

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		tmr.Stop()
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// newStoppedTimer returns a timer ready for Reset. Timers created this way
// never deliver stale values after Stop or Reset.
func newStoppedTimer() *time.Timer {
	tmr := time.NewTimer(time.Hour)
	tmr.Stop()
	return tmr
}
