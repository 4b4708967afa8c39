package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/pkg/api"
)

func TestObserver_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewObserver(reg)
	require.NoError(t, err)

	ctx := context.Background()
	o.OnTrackerCreated(ctx, api.RecordTracker{Target: api.RecordRef{Model: "res.partner", ID: 1}})
	o.OnTrackerCreated(ctx, api.RecordTracker{Target: api.RecordRef{Model: "res.partner", ID: 2}, IsTest: true})

	mail := &api.StepInstance{StepType: api.StepMail, Trigger: api.TriggerMailOpen, State: api.InstanceDone}
	o.OnInstanceActivated(ctx, mail)
	o.OnInstanceStart(ctx, mail)
	o.OnInstanceFinished(ctx, mail, nil, 150*time.Millisecond)

	failed := &api.StepInstance{StepType: api.StepAction, State: api.InstanceError}
	o.OnInstanceFinished(ctx, failed, errors.New("boom"), time.Millisecond)
	o.OnEvent(ctx, mail, api.EventMailOpened)
	o.OnEvent(ctx, mail, api.EventMailOpened)

	assert.Equal(t, 1.0, promtest.ToFloat64(o.trackers.WithLabelValues("res.partner", "false")))
	assert.Equal(t, 1.0, promtest.ToFloat64(o.trackers.WithLabelValues("res.partner", "true")))
	assert.Equal(t, 1.0, promtest.ToFloat64(o.activations.WithLabelValues("mail_open")))
	assert.Equal(t, 1.0, promtest.ToFloat64(o.started.WithLabelValues("mail")))
	assert.Equal(t, 1.0, promtest.ToFloat64(o.finished.WithLabelValues("mail", "done")))
	assert.Equal(t, 1.0, promtest.ToFloat64(o.finished.WithLabelValues("action", "error")))
	assert.Equal(t, 2.0, promtest.ToFloat64(o.events.WithLabelValues("mail.opened")))
	assert.Equal(t, 2, promtest.CollectAndCount(o.duration))
}

func TestNewObserver_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewObserver(reg)
	require.NoError(t, err)
	_, err = NewObserver(reg)
	assert.Error(t, err)
}

func TestHandler_Exposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewObserver(reg)
	require.NoError(t, err)
	o.OnEvent(context.Background(), &api.StepInstance{}, api.EventActivityDone)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `stepflow_events_total{event="activity.done"} 1`)
}
