package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/pkg/api"
)

func TestCounters(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{"name": "Ann", "email": "ann@example.com", "active": true})
	h.partner(2, api.Record{"name": "Bob", "email": "bob@example.com", "active": true})
	h.partner(3, api.Record{"name": "Cid", "email": "cid@example.com", "active": false})

	c := h.running(api.Configuration{Name: "counted", Domain: `active == true`})
	root := h.step(mailStep(c.ID, "", api.TriggerStart))
	later := h.step(api.StepDefinition{
		ConfigurationID: c.ID, ParentID: root.ID, Name: "later", StepType: api.StepAction, Trigger: api.TriggerAfterStep,
		Interval: api.Interval{Value: 1, Unit: api.UnitDays}, Action: &api.ActionPayload{ActionID: "tag"},
	})
	trs := h.runOnce(c.ID)
	require.Len(t, trs, 2)
	h.runDue()

	_, err := h.eng.DryRun(h.ctx, c.ID, 3)
	require.NoError(t, err)
	h.runDue()

	// Finish the action for one tracker only.
	first := h.instanceOf(trs[0].ID, later.ID)
	_, err = h.eng.Cancel(h.ctx, h.instanceOf(trs[1].ID, later.ID).ID)
	require.NoError(t, err)
	h.clock.Advance(24 * time.Hour)
	h.runDue()
	require.Equal(t, api.InstanceDone, h.instance(first.ID).State)

	rootInst := h.instanceOf(trs[0].ID, root.ID)
	_, err = h.eng.RecordClick(h.ctx, rootInst.ID, "promo", "203.0.113.7")
	require.NoError(t, err)

	got, err := h.eng.Counters(h.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, api.Counters{
		Records:          2,
		Tracked:          2,
		Done:             2,
		Running:          0,
		Tests:            1,
		MailActivities:   2,
		ActionActivities: 1,
		Clicks:           1,
	}, got)
}

func TestCounters_Running(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{"name": "Ann", "email": "ann@example.com"})
	c := h.running(api.Configuration{Name: "pending"})
	root := h.step(mailStep(c.ID, "", api.TriggerStart))
	h.step(mailStep(c.ID, root.ID, api.TriggerMailOpen))
	h.runOnce(c.ID)
	h.runDue()

	// The inert open child keeps the tracker running.
	got, err := h.eng.Counters(h.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Running)
	assert.Equal(t, 0, got.Done)
}

func TestStepStats(t *testing.T) {
	h := newHarness(t)
	for id := int64(1); id <= 4; id++ {
		h.partner(id, api.Record{"ok": id%2 == 1})
	}
	c := h.running(api.Configuration{Name: "stats"})
	root := h.step(api.StepDefinition{
		ConfigurationID: c.ID, Name: "odd only", StepType: api.StepAction, Trigger: api.TriggerStart,
		Domain: `ok == true`, Action: &api.ActionPayload{ActionID: "tag"},
	})

	// Day 0: two done, two rejected. Outside the window by day 20.
	h.runOnce(c.ID)
	h.runDue()

	h.clock.Advance(18 * 24 * time.Hour)
	h.partner(5, api.Record{"ok": true})
	h.runOnce(c.ID)
	h.runDue()

	h.clock.Advance(2 * 24 * time.Hour)
	h.partner(6, api.Record{"ok": false})
	h.runOnce(c.ID)
	h.runDue()

	stats, err := h.eng.StepStats(h.ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, stats.Days, 14)

	today := time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, today.AddDate(0, 0, -13), stats.Days[0].Day)
	assert.Equal(t, api.DayBucket{Day: today.AddDate(0, 0, -2), Done: 1}, stats.Days[11])
	assert.Equal(t, api.DayBucket{Day: today, Error: 1}, stats.Days[13])
	assert.Equal(t, 1, stats.Done)
	assert.Equal(t, 1, stats.Error)

	_, err = h.eng.StepStats(h.ctx, "missing")
	require.Error(t, err)
}

func TestTrackerTreeAndState(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{})
	c := h.running(api.Configuration{Name: "tree"})
	a := h.step(actionStep(c.ID, "", api.TriggerStart, "a"))
	b := h.step(actionStep(c.ID, "", api.TriggerStart, "b"))
	a1 := h.step(actionStep(c.ID, a.ID, api.TriggerAfterStep, "a1"))
	h.step(actionStep(c.ID, a1.ID, api.TriggerAfterStep, "a2"))

	tr := h.runOnce(c.ID)[0]
	state, err := h.eng.TrackerState(h.ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, api.TrackerRunning, state)

	for h.runDue() > 0 {
	}

	tree, err := h.eng.TrackerTree(h.ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, tree, 2)
	roots := map[string]*api.InstanceNode{}
	for _, n := range tree {
		roots[n.Instance.DefinitionID] = n
	}
	require.Len(t, roots[a.ID].Children, 1)
	require.Len(t, roots[a.ID].Children[0].Children, 1)
	assert.Empty(t, roots[b.ID].Children)

	state, err = h.eng.TrackerState(h.ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, api.TrackerDone, state)
}

func TestAccessControl(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Access = idAccess{allowed: map[int64]bool{1: true}}
	})
	h.partner(1, api.Record{})
	h.partner(2, api.Record{})
	c := h.running(api.Configuration{Name: "acl"})
	root := h.step(actionStep(c.ID, "", api.TriggerStart, "tag"))
	h.runOnce(c.ID)

	user := api.WithPrincipal(h.ctx, api.Principal{ID: "u7", Name: "sales"})

	trs, err := h.eng.ListTrackers(user, c.ID)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, int64(1), trs[0].Target.ID)

	all, err := h.eng.ListTrackers(h.ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2, "system principal sees everything")

	var hidden *api.StepInstance
	for _, tr := range all {
		if tr.Target.ID == 2 {
			hidden = h.instanceOf(tr.ID, root.ID)
		}
	}
	_, err = h.eng.GetInstance(user, hidden.ID)
	require.True(t, api.IsSecurityError(err), "expected security error, got %v", err)

	_, err = h.eng.Cancel(user, hidden.ID)
	require.True(t, api.IsSecurityError(err))
	_, err = h.eng.Retry(user, hidden.ID)
	require.True(t, api.IsSecurityError(err))
	_, err = h.eng.DryRun(user, c.ID, 2)
	require.True(t, api.IsSecurityError(err))

	insts, err := h.eng.ListInstances(user, api.InstanceQuery{ConfigurationID: c.ID})
	require.NoError(t, err)
	require.Len(t, insts, 1)

	_, err = h.eng.TrackerState(user, hidden.TrackerID)
	require.True(t, api.IsSecurityError(err), "expected security error, got %v", err)
	visibleTracker := trs[0]
	state, err := h.eng.TrackerState(user, visibleTracker.ID)
	require.NoError(t, err)
	assert.Equal(t, api.TrackerRunning, state)

	// Aggregates only count rows the caller may read.
	counters, err := h.eng.Counters(user, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Records)
	assert.Equal(t, 1, counters.Tracked)
	assert.Equal(t, 1, counters.Running)
	everything, err := h.eng.Counters(h.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, everything.Tracked)
	assert.Equal(t, 2, everything.Records)

	// No rows at all is not a security error.
	other := h.running(api.Configuration{Name: "empty"})
	empty, err := h.eng.ListTrackers(user, other.ID)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAccessControl_MissingTargetDropped(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Access = idAccess{allowed: map[int64]bool{1: true, 2: true}}
	})
	h.partner(1, api.Record{})
	h.partner(2, api.Record{})
	c := h.running(api.Configuration{Name: "gone"})
	h.step(actionStep(c.ID, "", api.TriggerStart, "tag"))
	h.runOnce(c.ID)
	h.records.Delete(partnerModel, 2)

	user := api.WithPrincipal(h.ctx, api.Principal{ID: "u7"})
	trs, err := h.eng.ListTrackers(user, c.ID)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, int64(1), trs[0].Target.ID)
}
