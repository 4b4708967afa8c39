package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay step execution.
type Observer interface {
	// OnTrackerCreated is called once per tracker created by discovery or a
	// dry run, after its root instances have been stored.
	OnTrackerCreated(ctx context.Context, tr RecordTracker)

	// OnInstanceActivated is called when an inert instance receives its
	// scheduled time from an event.
	OnInstanceActivated(ctx context.Context, inst *StepInstance)

	// OnInstanceStart is called before a step's action is executed.
	OnInstanceStart(ctx context.Context, inst *StepInstance)

	// OnInstanceFinished is called when an instance reaches a terminal
	// state. err is the action failure for InstanceError, nil otherwise.
	OnInstanceFinished(ctx context.Context, inst *StepInstance, err error, duration time.Duration)

	// OnEvent is called for every external event applied to an instance.
	OnEvent(ctx context.Context, inst *StepInstance, ev EventType)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnTrackerCreated(ctx context.Context, tr RecordTracker)        {}
func (NoopObserver) OnInstanceActivated(ctx context.Context, inst *StepInstance)   {}
func (NoopObserver) OnInstanceStart(ctx context.Context, inst *StepInstance)       {}
func (NoopObserver) OnEvent(ctx context.Context, inst *StepInstance, ev EventType) {}
func (NoopObserver) OnInstanceFinished(ctx context.Context, inst *StepInstance, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnTrackerCreated(ctx context.Context, tr RecordTracker) {
	for _, o := range c.observers {
		o.OnTrackerCreated(ctx, tr)
	}
}

func (c *CompositeObserver) OnInstanceActivated(ctx context.Context, inst *StepInstance) {
	for _, o := range c.observers {
		o.OnInstanceActivated(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceStart(ctx context.Context, inst *StepInstance) {
	for _, o := range c.observers {
		o.OnInstanceStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceFinished(ctx context.Context, inst *StepInstance, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnInstanceFinished(ctx, inst, err, d)
	}
}

func (c *CompositeObserver) OnEvent(ctx context.Context, inst *StepInstance, ev EventType) {
	for _, o := range c.observers {
		o.OnEvent(ctx, inst, ev)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs tracker and instance
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnTrackerCreated(ctx context.Context, tr RecordTracker) {
	o.Logger.InfoContext(ctx, "tracker_created",
		slog.String("configuration_id", tr.ConfigurationID),
		slog.String("tracker_id", tr.ID),
		slog.String("model", tr.Target.Model),
		slog.Int64("res_id", tr.Target.ID),
		slog.Bool("test", tr.IsTest),
	)
}

func (o *LoggingObserver) OnInstanceActivated(ctx context.Context, inst *StepInstance) {
	o.Logger.DebugContext(ctx, "instance_activated",
		slog.String("instance_id", inst.ID),
		slog.String("trigger", string(inst.Trigger)),
		slog.Time("scheduled_at", inst.ScheduledAt),
	)
}

func (o *LoggingObserver) OnInstanceStart(ctx context.Context, inst *StepInstance) {
	o.Logger.DebugContext(ctx, "instance_start",
		slog.String("configuration_id", inst.ConfigurationID),
		slog.String("instance_id", inst.ID),
		slog.String("step_type", string(inst.StepType)),
	)
}

func (o *LoggingObserver) OnInstanceFinished(ctx context.Context, inst *StepInstance, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "instance_finished",
		slog.String("configuration_id", inst.ConfigurationID),
		slog.String("instance_id", inst.ID),
		slog.String("state", string(inst.State)),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnEvent(ctx context.Context, inst *StepInstance, ev EventType) {
	o.Logger.InfoContext(ctx, "instance_event",
		slog.String("instance_id", inst.ID),
		slog.String("event", string(ev)),
		slog.String("mail_status", string(inst.MailStatus)),
	)
}

// BasicMetrics collects simple counters and aggregate action durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	trackersCreated   atomic.Int64
	instancesDone     atomic.Int64
	instancesRejected atomic.Int64
	instancesFailed   atomic.Int64
	instancesExpired  atomic.Int64
	eventsReceived    atomic.Int64
	totalActionTime   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	TrackersCreated   int64
	InstancesDone     int64
	InstancesRejected int64
	InstancesFailed   int64
	InstancesExpired  int64
	EventsReceived    int64

	AvgActionDuration time.Duration
}

func (m *BasicMetrics) OnTrackerCreated(ctx context.Context, tr RecordTracker) {
	m.trackersCreated.Add(1)
}

func (m *BasicMetrics) OnInstanceFinished(ctx context.Context, inst *StepInstance, err error, d time.Duration) {
	switch inst.State {
	case InstanceDone:
		m.instancesDone.Add(1)
		m.totalActionTime.Add(d.Nanoseconds())
	case InstanceRejected:
		m.instancesRejected.Add(1)
	case InstanceError:
		m.instancesFailed.Add(1)
	case InstanceExpired:
		m.instancesExpired.Add(1)
	}
}

func (m *BasicMetrics) OnEvent(ctx context.Context, inst *StepInstance, ev EventType) {
	m.eventsReceived.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	done := m.instancesDone.Load()
	totalNs := m.totalActionTime.Load()

	var avg time.Duration
	if done > 0 {
		avg = time.Duration(totalNs / done)
	}

	return BasicMetricsSnapshot{
		TrackersCreated:   m.trackersCreated.Load(),
		InstancesDone:     done,
		InstancesRejected: m.instancesRejected.Load(),
		InstancesFailed:   m.instancesFailed.Load(),
		InstancesExpired:  m.instancesExpired.Load(),
		EventsReceived:    m.eventsReceived.Load(),
		AvgActionDuration: avg,
	}
}
