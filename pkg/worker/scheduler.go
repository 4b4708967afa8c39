package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule holds the cron specs of the periodic sweeps. Empty specs disable
// the corresponding job. Specs use the standard five fields or descriptors
// such as "@every 5m".
type Schedule struct {
	Discovery string
	Due       string
	Expiry    string
}

// DefaultSchedule runs discovery hourly and sweeps every minute.
func DefaultSchedule() Schedule {
	return Schedule{
		Discovery: "@every 1h",
		Due:       "@every 1m",
		Expiry:    "@every 1m",
	}
}

// Scheduler periodically enqueues discovery and sweep tasks so that wake-ups
// lost by the queue are recovered by the next sweep.
type Scheduler struct {
	cron   *cron.Cron
	worker *Worker
	logger *slog.Logger
}

// NewScheduler registers the jobs of s on a cron runner. It fails when a
// spec does not parse.
func NewScheduler(w *Worker, s Schedule) (*Scheduler, error) {
	logger := w.cfg.Logger
	cl := cronLogger{logger: logger}
	sc := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		worker: w,
		logger: logger,
	}

	jobs := []struct {
		name    string
		spec    string
		enqueue func(ctx context.Context) error
	}{
		{"discovery", s.Discovery, func(ctx context.Context) error { return w.EnqueueDiscover(ctx, "") }},
		{"due", s.Due, w.EnqueueRunDue},
		{"expiry", s.Expiry, w.EnqueueExpireSweep},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := sc.cron.AddFunc(j.spec, sc.job(j.name, j.enqueue)); err != nil {
			return nil, fmt.Errorf("schedule %s job %q: %w", j.name, j.spec, err)
		}
	}
	return sc, nil
}

func (s *Scheduler) job(name string, enqueue func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := enqueue(ctx); err != nil {
			s.logger.ErrorContext(ctx, "scheduled_enqueue_failed",
				slog.String("job", name),
				slog.Any("error", err),
			)
		}
	}
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop and waits for running jobs, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron_"+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron_"+msg, append(keysAndValues, "error", err)...)
}
