// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/stepflow/pkg/api"
)

const namespace = "stepflow"

// Observer implements api.Observer on top of Prometheus collectors.
type Observer struct {
	trackers    *prometheus.CounterVec
	activations *prometheus.CounterVec
	started     *prometheus.CounterVec
	finished    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	events      *prometheus.CounterVec
}

var _ api.Observer = (*Observer)(nil)

// NewObserver creates the collectors and registers them on reg.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		trackers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trackers_created_total",
			Help:      "Record trackers created by discovery or dry runs.",
		}, []string{"model", "test"}),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_activated_total",
			Help:      "Inert step instances scheduled by an event.",
		}, []string{"trigger"}),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_started_total",
			Help:      "Step instances whose action started.",
		}, []string{"step_type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_finished_total",
			Help:      "Step instances that reached a terminal state.",
		}, []string{"step_type", "state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Time spent running step actions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step_type"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "External events applied to step instances.",
		}, []string{"event"}),
	}

	for _, c := range []prometheus.Collector{o.trackers, o.activations, o.started, o.finished, o.duration, o.events} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) OnTrackerCreated(ctx context.Context, tr api.RecordTracker) {
	test := "false"
	if tr.IsTest {
		test = "true"
	}
	o.trackers.WithLabelValues(tr.Target.Model, test).Inc()
}

func (o *Observer) OnInstanceActivated(ctx context.Context, inst *api.StepInstance) {
	o.activations.WithLabelValues(string(inst.Trigger)).Inc()
}

func (o *Observer) OnInstanceStart(ctx context.Context, inst *api.StepInstance) {
	o.started.WithLabelValues(string(inst.StepType)).Inc()
}

func (o *Observer) OnInstanceFinished(ctx context.Context, inst *api.StepInstance, err error, d time.Duration) {
	o.finished.WithLabelValues(string(inst.StepType), string(inst.State)).Inc()
	if d > 0 {
		o.duration.WithLabelValues(string(inst.StepType)).Observe(d.Seconds())
	}
}

func (o *Observer) OnEvent(ctx context.Context, inst *api.StepInstance, ev api.EventType) {
	o.events.WithLabelValues(string(ev)).Inc()
}

// Handler serves the metrics gathered by g in the text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
