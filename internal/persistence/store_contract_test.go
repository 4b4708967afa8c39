package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/pkg/api"
)

// testStoreContract exercises behaviour every Store backend must share.
// newStore must return an empty store for each call.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("configuration round trip", func(t *testing.T) { testConfigurationRoundTrip(t, newStore(t)) })
	t.Run("definitions ordered", func(t *testing.T) { testDefinitionsOrdered(t, newStore(t)) })
	t.Run("tracker uniqueness", func(t *testing.T) { testTrackerUniqueness(t, newStore(t)) })
	t.Run("instance version conflict", func(t *testing.T) { testInstanceVersionConflict(t, newStore(t)) })
	t.Run("instance filters", func(t *testing.T) { testInstanceFilters(t, newStore(t)) })
	t.Run("due and expired", func(t *testing.T) { testDueAndExpired(t, newStore(t)) })
	t.Run("click dedupe", func(t *testing.T) { testClickDedupe(t, newStore(t)) })
	t.Run("lease acquire renew release", func(t *testing.T) { testLeaseAcquireRenewRelease(t, newStore(t)) })
	t.Run("lease concurrent acquire", func(t *testing.T) { testLeaseConcurrentAcquire(t, newStore(t)) })
	t.Run("lease expires", func(t *testing.T) { testLeaseExpires(t, newStore(t)) })
}

var contractNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func testConfigurationRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.GetConfiguration(ctx, "missing")
	require.ErrorIs(t, err, ErrConfigurationNotFound)

	c := api.Configuration{
		ID: "c1", Name: "Welcome", Model: "res.partner", Domain: `country == "FI"`,
		Mode: api.ModePeriodic, State: api.StateDraft, UniqueField: "email",
		Active: true, CreatedAt: contractNow, UpdatedAt: contractNow,
	}
	require.NoError(t, s.SaveConfiguration(ctx, c))

	c.State = api.StatePeriodic
	require.NoError(t, s.SaveConfiguration(ctx, c))

	got, err := s.GetConfiguration(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, api.StatePeriodic, got.State)
	assert.Equal(t, "email", got.UniqueField)
	assert.True(t, got.CreatedAt.Equal(contractNow))

	running, err := s.ListConfigurations(ctx, ConfigurationFilter{State: api.StatePeriodic, ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, running, 1)

	require.NoError(t, s.SaveFilter(ctx, api.NamedFilter{ID: "f1", Name: "Finns", Model: "res.partner", Domain: `country == "FI"`}))
	f, err := s.GetFilter(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "Finns", f.Name)
	_, err = s.GetFilter(ctx, "nope")
	require.ErrorIs(t, err, ErrFilterNotFound)

	require.NoError(t, s.DeleteConfiguration(ctx, "c1"))
	require.ErrorIs(t, s.DeleteConfiguration(ctx, "c1"), ErrConfigurationNotFound)
}

func testDefinitionsOrdered(t *testing.T, s Store) {
	ctx := context.Background()

	defs := []api.StepDefinition{
		{ID: "d3", ConfigurationID: "c1", Name: "late", Sequence: 20, StepType: api.StepAction, Trigger: api.TriggerStart,
			Action: &api.ActionPayload{ActionID: "archive"}},
		{ID: "d1", ConfigurationID: "c1", Name: "mail", Sequence: 10, StepType: api.StepMail, Trigger: api.TriggerStart,
			Interval: api.Interval{Value: 1, Unit: api.UnitDays},
			Mail:     &api.MailPayload{TemplateID: "t1", Subject: "Hi"}},
		{ID: "d2", ConfigurationID: "c1", ParentID: "d1", Name: "opened", Sequence: 10, StepType: api.StepActivity,
			Trigger: api.TriggerMailOpen, Expiry: api.Expiry{Enabled: true, Interval: api.Interval{Value: 2, Unit: api.UnitWeeks}},
			Activity: &api.ActivityPayload{Type: "call", Summary: "Call"}},
		{ID: "x1", ConfigurationID: "other", Name: "other", Sequence: 1, StepType: api.StepAction, Trigger: api.TriggerStart},
	}
	for _, d := range defs {
		require.NoError(t, s.SaveDefinition(ctx, d))
	}

	got, err := s.ListDefinitions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"d1", "d2", "d3"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, "t1", got[0].Mail.TemplateID)
	assert.True(t, got[1].Expiry.Enabled)
	assert.Equal(t, api.UnitWeeks, got[1].Expiry.Interval.Unit)
	assert.Equal(t, "archive", got[2].Action.ActionID)

	_, err = s.GetDefinition(ctx, "zzz")
	require.ErrorIs(t, err, ErrDefinitionNotFound)
}

func newContractInstance(id, trackerID string, target api.RecordRef, test bool) *api.StepInstance {
	return &api.StepInstance{
		ID: id, TrackerID: trackerID, ConfigurationID: "c1", DefinitionID: "d1",
		StepType: api.StepMail, Trigger: api.TriggerStart, Target: target, IsTest: test,
		State: api.InstanceScheduled, ScheduledAt: contractNow, CreatedAt: contractNow,
	}
}

func testTrackerUniqueness(t *testing.T, s Store) {
	ctx := context.Background()
	target := api.RecordRef{Model: "res.partner", ID: 7}

	tr := api.RecordTracker{ID: "t1", ConfigurationID: "c1", Target: target, CreatedAt: contractNow}
	require.NoError(t, s.CreateTracker(ctx, tr, []*api.StepInstance{newContractInstance("i1", "t1", target, false)}))

	dup := api.RecordTracker{ID: "t2", ConfigurationID: "c1", Target: target, CreatedAt: contractNow}
	err := s.CreateTracker(ctx, dup, []*api.StepInstance{newContractInstance("i2", "t2", target, false)})
	require.ErrorIs(t, err, ErrTrackerExists)
	_, err = s.GetInstance(ctx, "i2")
	require.ErrorIs(t, err, ErrInstanceNotFound, "instances of a rejected tracker must not be stored")

	// Test runs may target an already tracked record.
	test := api.RecordTracker{ID: "t3", ConfigurationID: "c1", Target: target, IsTest: true, CreatedAt: contractNow.Add(time.Second)}
	require.NoError(t, s.CreateTracker(ctx, test, []*api.StepInstance{newContractInstance("i3", "t3", target, true)}))

	ids, err := s.TrackedRecordIDs(ctx, "c1", "res.partner")
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, ids)

	n, err := s.CountTrackers(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	live, err := s.ListTrackers(ctx, TrackerFilter{ConfigurationID: "c1"})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "t1", live[0].ID)

	tests, err := s.ListTrackers(ctx, TrackerFilter{ConfigurationID: "c1", TestsOnly: true})
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, "t3", tests[0].ID)
}

func testInstanceVersionConflict(t *testing.T, s Store) {
	ctx := context.Background()
	target := api.RecordRef{Model: "res.partner", ID: 1}
	require.NoError(t, s.SaveInstances(ctx, []*api.StepInstance{newContractInstance("i1", "t1", target, false)}))

	a, err := s.GetInstance(ctx, "i1")
	require.NoError(t, err)
	b, err := s.GetInstance(ctx, "i1")
	require.NoError(t, err)

	a.State = api.InstanceDone
	a.ProcessedAt = contractNow
	a.MessageID = "<m1@example.com>"
	require.NoError(t, s.UpdateInstance(ctx, a))
	assert.Equal(t, int64(1), a.Version)

	b.State = api.InstanceCancel
	require.ErrorIs(t, s.UpdateInstance(ctx, b), ErrVersionConflict)

	missing := newContractInstance("nope", "t1", target, false)
	require.ErrorIs(t, s.UpdateInstance(ctx, missing), ErrInstanceNotFound)

	got, err := s.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, api.InstanceDone, got.State)
	assert.Equal(t, "<m1@example.com>", got.MessageID)
	assert.True(t, got.ProcessedAt.Equal(contractNow))
	assert.True(t, got.OpenedAt.IsZero())
}

func testInstanceFilters(t *testing.T, s Store) {
	ctx := context.Background()
	target := api.RecordRef{Model: "res.partner", ID: 1}

	root := newContractInstance("i1", "t1", target, false)
	root.MessageID = "<m1@example.com>"
	child := newContractInstance("i2", "t1", target, false)
	child.ParentID = "i1"
	child.Trigger = api.TriggerMailOpen
	child.ScheduledAt = time.Time{}
	child.CreatedAt = contractNow.Add(time.Second)
	test := newContractInstance("i3", "t9", target, true)
	require.NoError(t, s.SaveInstances(ctx, []*api.StepInstance{root, child, test}))

	byParent, err := s.ListInstances(ctx, InstanceFilter{ParentID: "i1"})
	require.NoError(t, err)
	require.Len(t, byParent, 1)
	assert.True(t, byParent[0].Inert())

	byMessage, err := s.ListInstances(ctx, InstanceFilter{MessageID: "<m1@example.com>"})
	require.NoError(t, err)
	require.Len(t, byMessage, 1)
	assert.Equal(t, "i1", byMessage[0].ID)

	byTrigger, err := s.ListInstances(ctx, InstanceFilter{Triggers: []api.TriggerType{api.TriggerMailOpen, api.TriggerMailReply}})
	require.NoError(t, err)
	require.Len(t, byTrigger, 1)

	all, err := s.ListInstances(ctx, InstanceFilter{ConfigurationID: "c1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	withTests, err := s.ListInstances(ctx, InstanceFilter{ConfigurationID: "c1", IncludeTests: true})
	require.NoError(t, err)
	assert.Len(t, withTests, 3)
}

func testDueAndExpired(t *testing.T, s Store) {
	ctx := context.Background()
	target := api.RecordRef{Model: "res.partner", ID: 1}

	early := newContractInstance("a", "t1", target, false)
	early.ScheduledAt = contractNow.Add(-time.Hour)
	late := newContractInstance("b", "t1", target, false)
	late.ScheduledAt = contractNow.Add(time.Hour)
	inert := newContractInstance("c", "t1", target, false)
	inert.ScheduledAt = time.Time{}
	inert.ExpiresAt = contractNow.Add(-time.Minute)
	done := newContractInstance("d", "t1", target, false)
	done.State = api.InstanceDone
	done.ExpiresAt = contractNow.Add(-time.Minute)
	onTime := newContractInstance("e", "t1", target, false)
	require.NoError(t, s.SaveInstances(ctx, []*api.StepInstance{early, late, inert, done, onTime}))

	due, err := s.ListDue(ctx, contractNow, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].ID)
	assert.Equal(t, "e", due[1].ID)

	limited, err := s.ListDue(ctx, contractNow, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	expired, err := s.ListExpired(ctx, contractNow, 0)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "c", expired[0].ID)
}

func testClickDedupe(t *testing.T, s Store) {
	ctx := context.Background()

	c := api.Click{ID: "k1", InstanceID: "i1", ConfigurationID: "c1", DefinitionID: "d1", LinkCode: "abc", Source: "mail", At: contractNow}
	require.NoError(t, s.AddClick(ctx, c))

	c.ID = "k2"
	require.ErrorIs(t, s.AddClick(ctx, c), ErrDuplicateClick)

	c.ID, c.LinkCode = "k3", "def"
	require.NoError(t, s.AddClick(ctx, c))

	c.ID, c.LinkCode, c.IsTest = "k4", "ghi", true
	require.NoError(t, s.AddClick(ctx, c))

	c.ID, c.InstanceID, c.IsTest = "k5", "i2", false
	require.NoError(t, s.AddClick(ctx, c))

	n, err := s.CountClicks(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	byInstance, err := s.ClickCounts(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"i1": 2, "i2": 1}, byInstance)

	none, err := s.ClickCounts(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testLeaseAcquireRenewRelease(t *testing.T, s Leaser) {
	ctx := context.Background()

	acq, err := s.TryAcquireLease(ctx, "i1", "owner1", time.Second)
	require.NoError(t, err)
	require.True(t, acq, "expected owner1 to acquire")

	acq, err = s.TryAcquireLease(ctx, "i1", "owner1", time.Second)
	require.NoError(t, err)
	require.True(t, acq, "expected re-entrant acquire")

	acq2, err := s.TryAcquireLease(ctx, "i1", "owner2", time.Second)
	require.NoError(t, err)
	require.False(t, acq2, "expected owner2 not to acquire while active")

	require.NoError(t, s.RenewLease(ctx, "i1", "owner1", time.Second))
	require.True(t, errors.Is(s.RenewLease(ctx, "i1", "owner2", time.Second), ErrLeaseNotHeld))

	require.NoError(t, s.ReleaseLease(ctx, "i1", "owner2"), "release by non-owner is a no-op")
	require.NoError(t, s.ReleaseLease(ctx, "i1", "owner1"))
	require.NoError(t, s.ReleaseLease(ctx, "i1", "owner1"))

	acq3, err := s.TryAcquireLease(ctx, "i1", "owner2", time.Second)
	require.NoError(t, err)
	require.True(t, acq3, "expected owner2 to acquire after release")
}

func testLeaseConcurrentAcquire(t *testing.T, s Leaser) {
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired []string
	)
	for _, owner := range []string{"owner1", "owner2", "owner3", "owner4"} {
		wg.Add(1)
		go func(o string) {
			defer wg.Done()
			ok, err := s.TryAcquireLease(ctx, "i1", o, time.Second)
			if err != nil || !ok {
				return
			}
			mu.Lock()
			acquired = append(acquired, o)
			mu.Unlock()
		}(owner)
	}
	wg.Wait()

	require.Len(t, acquired, 1, "expected exactly one acquirer, got %v", acquired)
}

func testLeaseExpires(t *testing.T, s Leaser) {
	ctx := context.Background()

	acq, err := s.TryAcquireLease(ctx, "i1", "owner1", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acq)

	time.Sleep(40 * time.Millisecond)

	acq2, err := s.TryAcquireLease(ctx, "i1", "owner2", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acq2, "expected owner2 to acquire after expiry")
}
