package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

// Config controls how a Worker leases and retries tasks.
type Config struct {
	// WorkerID identifies the lease owner. Defaults to a random id.
	WorkerID string

	// MaxAttempts is the number of deliveries before a failing task is
	// dropped. Values below 1 mean a single attempt.
	MaxAttempts int

	// Backoff is the delay before the first redelivery; it grows linearly
	// with the attempt count.
	Backoff time.Duration

	// LeaseTTL is how long a dequeued task stays invisible to other workers.
	LeaseTTL time.Duration

	// Clock decides whether a run-instance task is due. It should be the
	// engine's clock.
	Clock api.Clock

	Logger *slog.Logger
}

const defaultLeaseTTL = 2 * time.Minute

// Worker pulls tasks from a Queue and executes them using an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
}

// New creates a Worker with a single attempt per task.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker with explicit settings.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = api.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{engine: engine, queue: queue, cfg: cfg}
}

// EnqueueRunInstance asks for the instance to be run no earlier than at.
func (w *Worker) EnqueueRunInstance(ctx context.Context, instanceID string, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskRunInstance,
		InstanceID: instanceID,
		NotBefore:  at,
	})
}

// EnqueueRunDue asks for a sweep over every due instance.
func (w *Worker) EnqueueRunDue(ctx context.Context) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskRunDue})
}

// EnqueueExpireSweep asks for a sweep over expired instances.
func (w *Worker) EnqueueExpireSweep(ctx context.Context) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskExpireSweep})
}

// EnqueueDiscover asks for discovery on one configuration, or on every
// periodic configuration when configurationID is empty.
func (w *Worker) EnqueueDiscover(ctx context.Context, configurationID string) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:            taskqueue.TaskDiscover,
		ConfigurationID: configurationID,
	})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained, err carries the reason
//     (typically context cancellation).
//   - processed == true: a task was handled. A failing task is redelivered
//     with backoff until MaxAttempts is reached; err is only returned for
//     the final failed attempt.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx, w.cfg.WorkerID, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	handleErr := w.handle(ctx, task)
	if handleErr == nil {
		return true, w.queue.Ack(ctx, task.ID, w.cfg.WorkerID)
	}

	attempts := task.Attempts + 1
	log := w.cfg.Logger.With(
		slog.String("task_id", task.ID),
		slog.String("task_type", string(task.Type)),
		slog.Int("attempt", attempts),
		slog.Any("error", handleErr),
	)
	if attempts < w.cfg.MaxAttempts {
		notBefore := time.Now().Add(w.cfg.Backoff * time.Duration(attempts))
		log.WarnContext(ctx, "task_retry_scheduled", slog.Time("not_before", notBefore))
		return true, w.queue.Nack(ctx, task.ID, w.cfg.WorkerID, notBefore, attempts)
	}

	log.ErrorContext(ctx, "task_failed")
	if err := w.queue.Ack(ctx, task.ID, w.cfg.WorkerID); err != nil {
		return true, errors.Join(handleErr, err)
	}
	return true, handleErr
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskRunInstance:
		return w.runInstance(ctx, task)

	case taskqueue.TaskRunDue:
		n, err := w.engine.RunDue(ctx)
		if n > 0 {
			w.cfg.Logger.DebugContext(ctx, "due_sweep_done", slog.Int("instances", n))
		}
		return err

	case taskqueue.TaskExpireSweep:
		// Due instances first, so one due at its expiry time still runs.
		if _, err := w.engine.RunDue(ctx); err != nil {
			return err
		}
		n, err := w.engine.ExpireDue(ctx)
		if n > 0 {
			w.cfg.Logger.InfoContext(ctx, "expire_sweep_done", slog.Int("instances", n))
		}
		return err

	case taskqueue.TaskDiscover:
		if task.ConfigurationID == "" {
			return w.engine.CronTick(ctx)
		}
		_, err := w.engine.RunOnce(ctx, task.ConfigurationID)
		return err

	default:
		// Unknown task type; mark as processed but return an error so this isn't silently ignored.
		return fmt.Errorf("unknown task type: %s", task.Type)
	}
}

// runInstance runs the task's instance when it is due. Early deliveries are
// re-enqueued for the instance's scheduled time; instances that are gone,
// inert or already finished are dropped.
func (w *Worker) runInstance(ctx context.Context, task *taskqueue.Task) error {
	inst, err := w.engine.GetInstance(ctx, task.InstanceID)
	if errors.Is(err, persistence.ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if inst.State != api.InstanceScheduled || inst.Inert() {
		return nil
	}
	if !inst.Due(w.cfg.Clock.Now()) {
		return w.EnqueueRunInstance(ctx, inst.ID, inst.ScheduledAt)
	}
	_, err = w.engine.Run(ctx, inst.ID)
	return err
}
