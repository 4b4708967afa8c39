package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

func TestRun_MailStepSpawnsChildren(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{"name": "Ann", "email": "ann@example.com"})

	c := h.running(api.Configuration{Name: "welcome"})
	root := h.step(mailStep(c.ID, "", api.TriggerStart))
	onOpen := h.step(mailStep(c.ID, root.ID, api.TriggerMailOpen))
	followUp := h.step(api.StepDefinition{
		ConfigurationID: c.ID,
		ParentID:        root.ID,
		Name:            "follow up",
		StepType:        api.StepAction,
		Trigger:         api.TriggerAfterStep,
		Interval:        api.Interval{Value: 3, Unit: api.UnitDays},
		Action:          &api.ActionPayload{ActionID: "tag"},
	})

	tr := h.runOnce(c.ID)[0]
	rootInst := h.instanceOf(tr.ID, root.ID)

	children, err := h.eng.Run(h.ctx, rootInst.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}

	done := h.instance(rootInst.ID)
	if done.State != api.InstanceDone {
		t.Fatalf("expected done, got %s", done.State)
	}
	if !done.MailSent || done.MessageID == "" || done.MailStatus != api.MailSent {
		t.Fatalf("expected sent mail with message id, got %+v", done)
	}
	if !done.ProcessedAt.Equal(h.clock.Now()) {
		t.Fatalf("expected processed at %v, got %v", h.clock.Now(), done.ProcessedAt)
	}
	if h.mail.count() != 1 {
		t.Fatalf("expected 1 mail sent, got %d", h.mail.count())
	}
	if got := h.mail.sent[0].Subject; got != "Hi Ann" {
		t.Fatalf("expected rendered subject, got %q", got)
	}

	open := h.instanceOf(tr.ID, onOpen.ID)
	if !open.Inert() {
		t.Fatalf("expected mail_open child to wait for an event, got scheduled at %v", open.ScheduledAt)
	}
	if open.ParentID != rootInst.ID {
		t.Fatalf("expected parent %s, got %s", rootInst.ID, open.ParentID)
	}

	after := h.instanceOf(tr.ID, followUp.ID)
	want := h.clock.Now().AddDate(0, 0, 3)
	if !after.ScheduledAt.Equal(want) {
		t.Fatalf("expected after_step child at %v, got %v", want, after.ScheduledAt)
	}
	if at, ok := h.waker.at(after.ID); !ok || !at.Equal(want) {
		t.Fatalf("expected wake-up at %v, got %v (%v)", want, at, ok)
	}
	if _, ok := h.waker.at(open.ID); ok {
		t.Fatalf("inert children must not be registered for wake-up")
	}
}

func TestRun_TerminalInstanceIsNoop(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{"email": "a@example.com"})
	c := h.running(api.Configuration{Name: "once"})
	root := h.step(actionStep(c.ID, "", api.TriggerStart, "tag"))
	tr := h.runOnce(c.ID)[0]
	inst := h.instanceOf(tr.ID, root.ID)

	if _, err := h.eng.Run(h.ctx, inst.ID); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	children, err := h.eng.Run(h.ctx, inst.ID)
	if err != nil || children != nil {
		t.Fatalf("expected no-op on done instance, got %v, %v", children, err)
	}
	if len(h.actions.calls) != 1 {
		t.Fatalf("expected action to run once, got %v", h.actions.calls)
	}
}

func TestRun_RecordNoLongerMatches(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{"active": true})
	h.partner(2, api.Record{"active": true})

	c := h.running(api.Configuration{Name: "actives", Domain: `active == true`})
	root := h.step(actionStep(c.ID, "", api.TriggerStart, "tag"))
	h.step(actionStep(c.ID, root.ID, api.TriggerAfterStep, "next"))
	trs := h.runOnce(c.ID)

	if err := h.records.Set(partnerModel, 1, "active", false); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	h.records.Delete(partnerModel, 2)

	if n := h.runDue(); n != 2 {
		t.Fatalf("expected 2 instances run, got %d", n)
	}
	for _, tr := range trs {
		inst := h.instanceOf(tr.ID, root.ID)
		if inst.State != api.InstanceRejected {
			t.Fatalf("record %d: expected rejected, got %s", tr.Target.ID, inst.State)
		}
		tree, err := h.eng.TrackerTree(h.ctx, tr.ID)
		if err != nil {
			t.Fatalf("TrackerTree failed: %v", err)
		}
		if len(tree[0].Children) != 0 {
			t.Fatalf("rejected instances must not spawn children")
		}
	}
	if len(h.actions.calls) != 0 {
		t.Fatalf("expected no actions, got %v", h.actions.calls)
	}
}

func TestRun_StepDomain(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{"vip": true})
	h.partner(2, api.Record{"vip": false})

	c := h.running(api.Configuration{Name: "vips"})
	root := h.step(api.StepDefinition{
		ConfigurationID: c.ID, Name: "vip gift", StepType: api.StepAction, Trigger: api.TriggerStart,
		Domain: `vip == true`, Action: &api.ActionPayload{ActionID: "gift"},
	})
	trs := h.runOnce(c.ID)
	if len(trs) != 2 {
		t.Fatalf("configuration domain matches everyone, got %d trackers", len(trs))
	}
	h.runDue()

	for _, tr := range trs {
		inst := h.instanceOf(tr.ID, root.ID)
		want := api.InstanceDone
		if tr.Target.ID == 2 {
			want = api.InstanceRejected
		}
		if inst.State != want {
			t.Fatalf("record %d: expected %s, got %s", tr.Target.ID, want, inst.State)
		}
	}
}

func TestRun_TransportFailure(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{"name": "Ann", "email": "ann@example.com"})
	h.mail.fail = errTransport

	c := h.running(api.Configuration{Name: "broken smtp"})
	root := h.step(mailStep(c.ID, "", api.TriggerStart))
	h.step(actionStep(c.ID, root.ID, api.TriggerAfterStep, "next"))
	tr := h.runOnce(c.ID)[0]

	if n := h.runDue(); n != 1 {
		t.Fatalf("expected 1 instance run, got %d", n)
	}
	inst := h.instanceOf(tr.ID, root.ID)
	if inst.State != api.InstanceError {
		t.Fatalf("expected error state, got %s", inst.State)
	}
	if !strings.Contains(inst.ErrorDetail, "mail transport failed") {
		t.Fatalf("expected failure message in detail, got %q", inst.ErrorDetail)
	}
	if !strings.Contains(inst.ErrorDetail, "internal/engine/actions.go") {
		t.Fatalf("expected the stack of the failing send in detail, got %q", inst.ErrorDetail)
	}
	if strings.Contains(inst.ErrorDetail, "goroutine") {
		t.Fatalf("expected the error's own stack, not the boundary's, got %q", inst.ErrorDetail)
	}
	if inst.MailSent || inst.MessageID != "" {
		t.Fatalf("failed mail must not be marked sent: %+v", inst)
	}

	tree, _ := h.eng.TrackerTree(h.ctx, tr.ID)
	if len(tree[0].Children) != 0 {
		t.Fatalf("failed instances must not spawn children")
	}
}

func TestRun_PanicIsolatedPerInstance(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{})
	h.actions.panic["explode"] = "nil map write"

	bad := h.running(api.Configuration{Name: "bad"})
	badRoot := h.step(actionStep(bad.ID, "", api.TriggerStart, "explode"))
	good := h.running(api.Configuration{Name: "good"})
	goodRoot := h.step(actionStep(good.ID, "", api.TriggerStart, "tag"))

	badTr := h.runOnce(bad.ID)[0]
	goodTr := h.runOnce(good.ID)[0]

	n, err := h.eng.RunDue(h.ctx)
	if err != nil {
		t.Fatalf("action failures must not fail the sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 instances run, got %d", n)
	}

	failed := h.instanceOf(badTr.ID, badRoot.ID)
	if failed.State != api.InstanceError || !strings.Contains(failed.ErrorDetail, "nil map write") {
		t.Fatalf("expected panic recorded as error, got %s %q", failed.State, failed.ErrorDetail)
	}
	if ok := h.instanceOf(goodTr.ID, goodRoot.ID); ok.State != api.InstanceDone {
		t.Fatalf("expected sibling instance done, got %s", ok.State)
	}
}

func TestRun_PredicateConfigurationError(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{"country": "BE"})

	f, err := h.eng.SaveFilter(h.ctx, api.NamedFilter{Name: "be", Model: partnerModel, Domain: `country == "BE"`})
	if err != nil {
		t.Fatalf("SaveFilter failed: %v", err)
	}
	c := h.running(api.Configuration{Name: "filtered", FilterID: f.ID})
	root := h.step(actionStep(c.ID, "", api.TriggerStart, "tag"))
	tr := h.runOnce(c.ID)[0]

	// The filter is repointed at another model behind the configuration's back.
	f.Model = "crm.lead"
	if _, err := h.eng.SaveFilter(h.ctx, f); err != nil {
		t.Fatalf("SaveFilter failed: %v", err)
	}

	h.runDue()
	inst := h.instanceOf(tr.ID, root.ID)
	if inst.State != api.InstanceError {
		t.Fatalf("expected error state, got %s", inst.State)
	}
	if inst.ErrorDetail == "" {
		t.Fatalf("expected error detail")
	}
}

func TestRunDue_OnlyDueInstances(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{})

	c := h.running(api.Configuration{Name: "later"})
	root := h.step(api.StepDefinition{
		ConfigurationID: c.ID, Name: "tomorrow", StepType: api.StepAction, Trigger: api.TriggerStart,
		Interval: api.Interval{Value: 1, Unit: api.UnitDays}, Action: &api.ActionPayload{ActionID: "tag"},
	})
	tr := h.runOnce(c.ID)[0]

	if n := h.runDue(); n != 0 {
		t.Fatalf("expected nothing due yet, got %d", n)
	}
	h.clock.Advance(24 * time.Hour)
	if n := h.runDue(); n != 1 {
		t.Fatalf("expected 1 due instance, got %d", n)
	}
	if inst := h.instanceOf(tr.ID, root.ID); inst.State != api.InstanceDone {
		t.Fatalf("expected done, got %s", inst.State)
	}
}

func TestRun_NegativeTriggers(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{"name": "Opens", "email": "o@example.com"})
	h.partner(2, api.Record{"name": "Ignores", "email": "i@example.com"})

	c := h.running(api.Configuration{Name: "reminder"})
	root := h.step(mailStep(c.ID, "", api.TriggerStart))
	reminder := h.step(api.StepDefinition{
		ConfigurationID: c.ID, ParentID: root.ID, Name: "reminder", StepType: api.StepMail,
		Trigger: api.TriggerMailNotOpen, Interval: api.Interval{Value: 2, Unit: api.UnitDays},
		Mail: &api.MailPayload{Body: "<p>Did you see our mail?</p>"},
	})

	trs := h.runOnce(c.ID)
	h.runDue()

	var opener, ignorer api.RecordTracker
	for _, tr := range trs {
		if tr.Target.ID == 1 {
			opener = tr
		} else {
			ignorer = tr
		}
	}
	sent := h.instanceOf(opener.ID, root.ID)
	if err := h.eng.MailOpened(h.ctx, sent.MessageID); err != nil {
		t.Fatalf("MailOpened failed: %v", err)
	}

	h.clock.Advance(48 * time.Hour)
	if n := h.runDue(); n != 2 {
		t.Fatalf("expected both reminders due, got %d", n)
	}
	if got := h.instanceOf(opener.ID, reminder.ID).State; got != api.InstanceRejected {
		t.Fatalf("opened mail: expected reminder rejected, got %s", got)
	}
	if got := h.instanceOf(ignorer.ID, reminder.ID).State; got != api.InstanceDone {
		t.Fatalf("unopened mail: expected reminder done, got %s", got)
	}
	if h.mail.count() != 3 {
		t.Fatalf("expected 2 initial mails and 1 reminder, got %d", h.mail.count())
	}
}

func TestExpireDue(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{"name": "Ann", "email": "ann@example.com"})

	c := h.running(api.Configuration{Name: "expiring"})
	root := h.step(mailStep(c.ID, "", api.TriggerStart))
	child := mailStep(c.ID, root.ID, api.TriggerMailOpen)
	child.Expiry = api.Expiry{Enabled: true, Interval: api.Interval{Value: 1, Unit: api.UnitDays}}
	child = h.step(child)

	tr := h.runOnce(c.ID)[0]
	h.runDue()
	inst := h.instanceOf(tr.ID, child.ID)
	if inst.ExpiresAt.IsZero() {
		t.Fatalf("expected expiry to be set at creation")
	}

	if n, err := h.eng.ExpireDue(h.ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing expired yet, got %d, %v", n, err)
	}
	h.clock.Advance(25 * time.Hour)
	n, err := h.eng.ExpireDue(h.ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired instance, got %d, %v", n, err)
	}
	if got := h.instance(inst.ID).State; got != api.InstanceExpired {
		t.Fatalf("expected expired, got %s", got)
	}

	// A late open no longer wakes the expired child.
	if err := h.eng.MailOpened(h.ctx, h.instanceOf(tr.ID, root.ID).MessageID); err != nil {
		t.Fatalf("MailOpened failed: %v", err)
	}
	if got := h.instance(inst.ID); got.State != api.InstanceExpired || !got.ScheduledAt.IsZero() {
		t.Fatalf("expired instance must stay untouched, got %+v", got)
	}
}

func TestRetryAndCancel(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{})
	h.actions.fail["sync"] = errors.New("crm unavailable")

	c := h.running(api.Configuration{Name: "sync"})
	root := h.step(actionStep(c.ID, "", api.TriggerStart, "sync"))
	later := h.step(api.StepDefinition{
		ConfigurationID: c.ID, ParentID: root.ID, Name: "later", StepType: api.StepAction, Trigger: api.TriggerAfterStep,
		Interval: api.Interval{Value: 1, Unit: api.UnitWeeks}, Action: &api.ActionPayload{ActionID: "later"},
	})
	tr := h.runOnce(c.ID)[0]
	h.runDue()

	inst := h.instanceOf(tr.ID, root.ID)
	if inst.State != api.InstanceError {
		t.Fatalf("expected error, got %s", inst.State)
	}

	delete(h.actions.fail, "sync")
	n, err := h.eng.Retry(h.ctx, inst.ID)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 retried, got %d, %v", n, err)
	}
	retried := h.instance(inst.ID)
	if retried.State != api.InstanceScheduled || !retried.ScheduledAt.Equal(h.clock.Now()) || retried.ErrorDetail != "" {
		t.Fatalf("expected rescheduled instance, got %+v", retried)
	}
	if _, ok := h.waker.at(inst.ID); !ok {
		t.Fatalf("expected retried instance registered for wake-up")
	}

	h.runDue()
	if got := h.instance(inst.ID).State; got != api.InstanceDone {
		t.Fatalf("expected done after retry, got %s", got)
	}
	if n, _ := h.eng.Retry(h.ctx, inst.ID); n != 0 {
		t.Fatalf("only failed instances can be retried")
	}

	pending := h.instanceOf(tr.ID, later.ID)
	n, err = h.eng.Cancel(h.ctx, pending.ID, inst.ID)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 cancelled, got %d, %v", n, err)
	}
	if got := h.instance(pending.ID).State; got != api.InstanceCancel {
		t.Fatalf("expected cancel, got %s", got)
	}
	h.clock.Advance(8 * 24 * time.Hour)
	if n := h.runDue(); n != 0 {
		t.Fatalf("cancelled instances must not run, got %d", n)
	}
	state, err := h.eng.TrackerState(h.ctx, tr.ID)
	if err != nil || state != api.TrackerDone {
		t.Fatalf("expected tracker done, got %s, %v", state, err)
	}
}

func TestRun_ForeignLease(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{})
	c := h.running(api.Configuration{Name: "leased"})
	root := h.step(actionStep(c.ID, "", api.TriggerStart, "tag"))
	tr := h.runOnce(c.ID)[0]
	inst := h.instanceOf(tr.ID, root.ID)

	ok, err := h.store.TryAcquireLease(h.ctx, "instance:"+inst.ID, "other-worker", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquireLease failed: %v, %v", ok, err)
	}

	if _, err := h.eng.Run(h.ctx, inst.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if n := h.runDue(); n != 0 {
		t.Fatalf("leased instances must be skipped, got %d", n)
	}
	if got := h.instance(inst.ID).State; got != api.InstanceScheduled {
		t.Fatalf("expected instance untouched, got %s", got)
	}

	if err := h.store.ReleaseLease(h.ctx, "instance:"+inst.ID, "other-worker"); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	if n := h.runDue(); n != 1 {
		t.Fatalf("expected instance to run once the lease is free, got %d", n)
	}
}

func TestRun_ActivityStep(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{"user_id": int64(42)})

	c := h.running(api.Configuration{Name: "calls"})
	root := h.step(api.StepDefinition{
		ConfigurationID: c.ID, Name: "call", StepType: api.StepActivity, Trigger: api.TriggerStart,
		Activity: &api.ActivityPayload{
			Type: "call", Summary: "Call the customer",
			DueIn:    api.Interval{Value: 3, Unit: api.UnitDays},
			UserMode: api.AssignGeneric, UserField: "user_id",
		},
	})
	tr := h.runOnce(c.ID)[0]
	h.runDue()

	inst := h.instanceOf(tr.ID, root.ID)
	if inst.State != api.InstanceDone || inst.ActivityID != "act-1" {
		t.Fatalf("expected done with activity id, got %s %q", inst.State, inst.ActivityID)
	}
	req := h.activities.reqs[0]
	if req.Assignee != "42" {
		t.Fatalf("expected assignee from record field, got %q", req.Assignee)
	}
	wantDue := time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)
	if !req.Due.Equal(wantDue) {
		t.Fatalf("expected due %v, got %v", wantDue, req.Due)
	}
	if req.Target != tr.Target || req.InstanceID != inst.ID {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestRunDue_ContextCancelled(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{})
	c := h.running(api.Configuration{Name: "c"})
	h.step(actionStep(c.ID, "", api.TriggerStart, "tag"))
	h.runOnce(c.ID)

	ctx, cancel := context.WithCancel(h.ctx)
	cancel()
	if _, err := h.eng.RunDue(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// gatedMail blocks every Send until release is closed.
type gatedMail struct {
	fakeMail
	entered chan struct{}
	release chan struct{}
}

func (m *gatedMail) Send(ctx context.Context, msg api.OutgoingMail) (string, error) {
	m.entered <- struct{}{}
	<-m.release
	return m.fakeMail.Send(ctx, msg)
}

func TestRun_ConcurrentCallersSendOnce(t *testing.T) {
	mail := &gatedMail{entered: make(chan struct{}, 4), release: make(chan struct{})}
	h := newHarness(t, func(c *Config) { c.Mail = mail })
	h.partner(1, api.Record{"name": "Ann"})
	c := h.running(api.Configuration{Name: "once"})
	root := h.step(mailStep(c.ID, "", api.TriggerStart))
	tr := h.runOnce(c.ID)[0]
	inst := h.instanceOf(tr.ID, root.ID)

	firstDone := make(chan error, 1)
	go func() {
		_, err := h.eng.Run(h.ctx, inst.ID)
		firstDone <- err
	}()

	select {
	case <-mail.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first Run never reached the transport")
	}

	// Same engine, same owner: both a direct run and a due sweep must back off.
	if _, err := h.eng.Run(h.ctx, inst.ID); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if n := h.runDue(); n != 0 {
		t.Fatalf("due sweep ran a leased instance: %d", n)
	}

	close(mail.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if n := mail.count(); n != 1 {
		t.Fatalf("expected exactly one mail, got %d", n)
	}
	if got := h.instance(inst.ID).State; got != api.InstanceDone {
		t.Fatalf("expected done, got %s", got)
	}

	// Once released, a later run sees the terminal state and does nothing.
	if _, err := h.eng.Run(h.ctx, inst.ID); err != nil {
		t.Fatalf("Run after completion failed: %v", err)
	}
	if n := mail.count(); n != 1 {
		t.Fatalf("expected still one mail, got %d", n)
	}
}

func TestRun_MailTemplateWithoutSourceFails(t *testing.T) {
	h := newHarness(t)
	h.partner(1, api.Record{"name": "Ann", "email": "ann@example.com"})

	c := h.running(api.Configuration{Name: "stored template"})
	def := mailStep(c.ID, "", api.TriggerStart)
	def.Mail = &api.MailPayload{TemplateID: "welcome"}
	root := h.step(def)
	tr := h.runOnce(c.ID)[0]

	h.runDue()
	inst := h.instanceOf(tr.ID, root.ID)
	if inst.State != api.InstanceError {
		t.Fatalf("expected error state, got %s", inst.State)
	}
	if !strings.Contains(inst.ErrorDetail, "template") {
		t.Fatalf("expected template failure in detail, got %q", inst.ErrorDetail)
	}
	if h.mail.count() != 0 {
		t.Fatalf("expected no mail sent, got %d", h.mail.count())
	}
}
