package stepflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/worker"
)

// LocalRunner runs an engine, its task queue and a worker pool inside one
// process. Nothing outlives the process, which makes it suited to
// development and tests.
//
//	runner := stepflow.NewLocalRunner(stepflow.Options{Records: recs})
//	// define configurations and steps on runner.Engine
//	_ = runner.StartWorkers(ctx, 2)
//	_ = runner.StartScheduler(worker.DefaultSchedule())
//	defer runner.Stop()
type LocalRunner struct {
	Engine Engine
	Queue  taskqueue.Queue
	Worker *worker.Worker

	logger *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	scheduler *worker.Scheduler
}

// NewLocalRunner wires an in-memory engine to an in-memory queue. Wake-ups
// registered by the engine become run-instance tasks on that queue.
func NewLocalRunner(opts Options) *LocalRunner {
	q := taskqueue.NewInMemoryQueue()
	opts.Waker = worker.NewBridge(q)
	eng := NewInMemoryEngine(opts)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := worker.NewWithConfig(eng, q, worker.Config{Clock: opts.Clock, Logger: logger})

	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: w,
		logger: logger,
	}
}

// StartWorkers launches n goroutines processing tasks until Stop or until
// ctx is cancelled. Calling it twice without Stop is an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("stepflow: LocalRunner already started")
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.running = true

	for range max(n, 1) {
		r.wg.Add(1)
		go r.loop(ctx)
	}
	return nil
}

func (r *LocalRunner) loop(ctx context.Context) {
	defer r.wg.Done()
	for ctx.Err() == nil {
		if _, err := r.Worker.ProcessOne(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("local_runner_task_error", slog.Any("error", err))
		}
	}
}

// StartScheduler runs the periodic discovery and sweep jobs of s until Stop.
func (r *LocalRunner) StartScheduler(s worker.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scheduler != nil {
		return errors.New("stepflow: scheduler already started")
	}
	sc, err := worker.NewScheduler(r.Worker, s)
	if err != nil {
		return err
	}
	sc.Start()
	r.scheduler = sc
	return nil
}

// Stop halts the scheduler, cancels all worker goroutines started by
// StartWorkers and waits for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	sc := r.scheduler
	r.scheduler = nil
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	if sc != nil {
		_ = sc.Stop(context.Background())
	}
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// DiscoverAsync enqueues a discovery task. An empty configurationID runs the
// periodic tick over every active periodic configuration.
func (r *LocalRunner) DiscoverAsync(ctx context.Context, configurationID string) error {
	return r.Worker.EnqueueDiscover(ctx, configurationID)
}
