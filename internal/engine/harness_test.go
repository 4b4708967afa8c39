package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/records"
	"github.com/petrijr/stepflow/pkg/api"
)

const partnerModel = "res.partner"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeMail struct {
	mu   sync.Mutex
	sent []api.OutgoingMail
	fail error
}

func (m *fakeMail) Send(ctx context.Context, msg api.OutgoingMail) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	m.sent = append(m.sent, msg)
	return fmt.Sprintf("<%d.%s@mail.test>", len(m.sent), msg.InstanceID), nil
}

func (m *fakeMail) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fakeActivities struct {
	mu   sync.Mutex
	reqs []api.ActivityRequest
}

func (a *fakeActivities) Schedule(ctx context.Context, req api.ActivityRequest) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqs = append(a.reqs, req)
	return fmt.Sprintf("act-%d", len(a.reqs)), nil
}

type fakeActions struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	panic map[string]string
}

func (a *fakeActions) Run(ctx context.Context, actionID string, target api.RecordRef, rec api.Record) error {
	a.mu.Lock()
	a.calls = append(a.calls, fmt.Sprintf("%s:%d", actionID, target.ID))
	failErr, msg := a.fail[actionID], a.panic[actionID]
	a.mu.Unlock()
	if msg != "" {
		panic(msg)
	}
	return failErr
}

type fakeWaker struct {
	mu    sync.Mutex
	wakes map[string]time.Time
}

func (w *fakeWaker) RegisterWake(ctx context.Context, instanceID string, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wakes == nil {
		w.wakes = make(map[string]time.Time)
	}
	w.wakes[instanceID] = at
	return nil
}

func (w *fakeWaker) at(id string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.wakes[id]
	return t, ok
}

// idAccess lets principals see only the listed record ids.
type idAccess struct {
	allowed map[int64]bool
}

func (a idAccess) Allowed(ctx context.Context, p api.Principal, model string, ids []int64, op api.Operation) ([]int64, error) {
	var out []int64
	for _, id := range ids {
		if a.allowed[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

type harness struct {
	t          *testing.T
	ctx        context.Context
	clock      *fakeClock
	records    *records.MemoryStore
	mail       *fakeMail
	activities *fakeActivities
	actions    *fakeActions
	waker      *fakeWaker
	store      *persistence.InMemoryStore
	events     *persistence.InMemoryEventStore
	eng        *engineImpl
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		ctx:        context.Background(),
		clock:      newFakeClock(),
		records:    records.NewMemoryStore(),
		mail:       &fakeMail{},
		activities: &fakeActivities{},
		actions:    &fakeActions{fail: map[string]error{}, panic: map[string]string{}},
		waker:      &fakeWaker{},
		store:      persistence.NewInMemoryStore(),
		events:     persistence.NewInMemoryEventStore(),
	}
	p := persistence.FromStore(h.store)
	p.Events = h.events

	cfg := Config{
		Persistence: p,
		Clock:       h.clock,
		Records:     h.records,
		Mail:        h.mail,
		Activities:  h.activities,
		Actions:     h.actions,
		Waker:       h.waker,
		Owner:       "test-engine",
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.eng = newEngine(cfg)
	return h
}

func (h *harness) partner(id int64, fields api.Record) {
	h.records.Put(partnerModel, id, fields)
}

// running creates and starts a configuration over partners.
func (h *harness) running(c api.Configuration) api.Configuration {
	h.t.Helper()
	c.Model = partnerModel
	created, err := h.eng.CreateConfiguration(h.ctx, c)
	if err != nil {
		h.t.Fatalf("CreateConfiguration failed: %v", err)
	}
	if err := h.eng.Start(h.ctx, created.ID); err != nil {
		h.t.Fatalf("Start failed: %v", err)
	}
	got, err := h.eng.GetConfiguration(h.ctx, created.ID)
	if err != nil {
		h.t.Fatalf("GetConfiguration failed: %v", err)
	}
	return got
}

func (h *harness) step(def api.StepDefinition) api.StepDefinition {
	h.t.Helper()
	saved, err := h.eng.AddStep(h.ctx, def)
	if err != nil {
		h.t.Fatalf("AddStep(%s) failed: %v", def.Name, err)
	}
	return saved
}

func mailStep(configID, parentID string, trigger api.TriggerType) api.StepDefinition {
	return api.StepDefinition{
		ConfigurationID: configID,
		ParentID:        parentID,
		Name:            "mail " + string(trigger),
		StepType:        api.StepMail,
		Trigger:         trigger,
		Mail:            &api.MailPayload{Subject: "Hi {{.name}}", Body: "<p>Hello {{.name}}</p>"},
	}
}

func actionStep(configID, parentID string, trigger api.TriggerType, actionID string) api.StepDefinition {
	return api.StepDefinition{
		ConfigurationID: configID,
		ParentID:        parentID,
		Name:            "action " + actionID,
		StepType:        api.StepAction,
		Trigger:         trigger,
		Action:          &api.ActionPayload{ActionID: actionID},
	}
}

func (h *harness) runOnce(configID string) []api.RecordTracker {
	h.t.Helper()
	trs, err := h.eng.RunOnce(h.ctx, configID)
	if err != nil {
		h.t.Fatalf("RunOnce failed: %v", err)
	}
	return trs
}

func (h *harness) runDue() int {
	h.t.Helper()
	n, err := h.eng.RunDue(h.ctx)
	if err != nil {
		h.t.Fatalf("RunDue failed: %v", err)
	}
	return n
}

func (h *harness) instance(id string) *api.StepInstance {
	h.t.Helper()
	inst, err := h.eng.GetInstance(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetInstance(%s) failed: %v", id, err)
	}
	return inst
}

// instanceOf returns the single instance of def in tracker trackerID.
func (h *harness) instanceOf(trackerID, definitionID string) *api.StepInstance {
	h.t.Helper()
	insts, err := h.store.ListInstances(h.ctx, persistence.InstanceFilter{
		TrackerID:    trackerID,
		DefinitionID: definitionID,
		IncludeTests: true,
	})
	if err != nil {
		h.t.Fatalf("ListInstances failed: %v", err)
	}
	if len(insts) != 1 {
		h.t.Fatalf("expected 1 instance of %s in tracker %s, got %d", definitionID, trackerID, len(insts))
	}
	return insts[0]
}

func (h *harness) eventTypes(trackerID string) []api.EventType {
	h.t.Helper()
	evs, err := h.events.ListEvents(h.ctx, trackerID)
	if err != nil {
		h.t.Fatalf("ListEvents failed: %v", err)
	}
	out := make([]api.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

var errTransport = errors.New("smtp: connection refused")
