package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

func (e *engineImpl) Run(ctx context.Context, instanceID string) ([]*api.StepInstance, error) {
	var children []*api.StepInstance
	_, err := e.withLease(ctx, instanceID, func() error {
		var err error
		children, err = e.run(ctx, instanceID)
		return err
	})
	return children, err
}

// run executes one instance. The caller holds the instance lease.
func (e *engineImpl) run(ctx context.Context, instanceID string) ([]*api.StepInstance, error) {
	inst, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.State != api.InstanceScheduled {
		return nil, nil
	}

	started := time.Now()
	e.observer.OnInstanceStart(ctx, inst)

	def, err := e.defs.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	c, err := e.configs.GetConfiguration(ctx, inst.ConfigurationID)
	if err != nil {
		return nil, err
	}

	rec, eligible, err := e.eligible(ctx, c, def, inst)
	switch {
	case err != nil && api.IsConfigurationError(err):
		_, err = e.finish(ctx, inst, api.InstanceError, err, started)
		return nil, err
	case err != nil:
		return nil, err
	case !eligible:
		_, err = e.finish(ctx, inst, api.InstanceRejected, nil, started)
		return nil, err
	}

	if actErr := e.boundary(func() error { return e.execute(ctx, def, inst, rec) }); actErr != nil {
		_, err = e.finish(ctx, inst, api.InstanceError, actErr, started)
		return nil, err
	}
	written, err := e.finish(ctx, inst, api.InstanceDone, nil, started)
	if err != nil || !written {
		return nil, err
	}
	return e.spawnChildren(ctx, inst)
}

// eligible reports whether the target record still exists and satisfies the
// effective predicate, and whether the parent's outcome still allows the
// instance to fire.
func (e *engineImpl) eligible(ctx context.Context, c api.Configuration, def api.StepDefinition, inst *api.StepInstance) (api.Record, bool, error) {
	if e.records == nil {
		return nil, false, api.ConfigurationError("no record store configured", nil, nil)
	}
	rec, err := e.records.Read(ctx, inst.Target)
	if errors.Is(err, api.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	pred, err := e.effectivePredicate(ctx, c, def)
	if err != nil {
		return nil, false, err
	}
	ok, err := pred.Match(rec, e.env(ctx))
	if err != nil || !ok {
		return nil, false, err
	}

	if inst.ParentID == "" {
		return rec, true, nil
	}
	parent, err := e.instances.GetInstance(ctx, inst.ParentID)
	if err != nil {
		return nil, false, err
	}
	return rec, !parentForbids(inst.Trigger, parent), nil
}

// parentForbids holds the negative conditions of the "not" triggers.
func parentForbids(trigger api.TriggerType, parent *api.StepInstance) bool {
	switch trigger {
	case api.TriggerMailNotOpen:
		return parent.MailStatus == api.MailOpen || parent.MailStatus == api.MailReply
	case api.TriggerMailNotReply:
		return parent.MailStatus == api.MailReply
	case api.TriggerMailNotClicked:
		return !parent.ClickedAt.IsZero()
	case api.TriggerActivityNotDone:
		return !parent.DoneAt.IsZero()
	}
	return false
}

// boundary runs fn, turning panics into action errors. The returned error
// keeps the stack captured where the action error was raised, or the
// boundary's own stack when it carries none.
func (e *engineImpl) boundary(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &failure{err: api.ActionExecutionError(fmt.Sprintf("panic: %v", r), nil, nil), stack: string(debug.Stack())}
		}
	}()
	if err := fn(); err != nil {
		if !api.IsActionExecutionError(err) && !api.IsConfigurationError(err) {
			err = api.ActionExecutionError(err.Error(), err, nil)
		}
		stack := api.ErrorStack(err)
		if stack == "" {
			stack = string(debug.Stack())
		}
		return &failure{err: err, stack: stack}
	}
	return nil
}

type failure struct {
	err   error
	stack string
}

func (f *failure) Error() string { return f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func errorDetail(err error) string {
	var f *failure
	if errors.As(err, &f) {
		return f.err.Error() + "\n\n" + f.stack
	}
	return err.Error()
}

// finish moves inst to a terminal state. When another writer touched the
// instance meanwhile (an activation, typically) its scheduling fields are
// kept and the outcome is written again; if the instance already left the
// scheduled state the outcome is dropped and finish reports false.
func (e *engineImpl) finish(ctx context.Context, inst *api.StepInstance, state api.InstanceState, cause error, started time.Time) (bool, error) {
	inst.State = state
	inst.ProcessedAt = e.now()
	if cause != nil {
		inst.ErrorDetail = errorDetail(cause)
	}

	for attempt := 0; ; attempt++ {
		err := e.instances.UpdateInstance(ctx, inst)
		if err == nil {
			break
		}
		if !errors.Is(err, persistence.ErrVersionConflict) || attempt >= maxCASAttempts {
			return false, err
		}
		cur, gerr := e.instances.GetInstance(ctx, inst.ID)
		if gerr != nil {
			return false, gerr
		}
		if cur.State != api.InstanceScheduled {
			e.logger.WarnContext(ctx, "instance_finished_elsewhere",
				slog.String("instance_id", inst.ID),
				slog.String("state", string(cur.State)),
			)
			*inst = *cur
			return false, nil
		}
		inst.Version = cur.Version
		inst.ScheduledAt = cur.ScheduledAt
		inst.ExpiresAt = cur.ExpiresAt
	}

	e.observer.OnInstanceFinished(ctx, inst, cause, time.Since(started))
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	e.emit(ctx, inst, api.FinishEvent(state), detail)
	return true, nil
}

// spawnChildren creates one instance per child definition of a completed
// instance and registers the scheduled ones for wake-up.
func (e *engineImpl) spawnChildren(ctx context.Context, parent *api.StepInstance) ([]*api.StepInstance, error) {
	defs, err := e.defs.ListDefinitions(ctx, parent.ConfigurationID)
	if err != nil {
		return nil, err
	}
	tr := api.RecordTracker{
		ID:              parent.TrackerID,
		ConfigurationID: parent.ConfigurationID,
		Target:          parent.Target,
		IsTest:          parent.IsTest,
	}
	now := e.now()

	var children []*api.StepInstance
	for _, d := range defs {
		if d.ParentID == parent.DefinitionID {
			children = append(children, newInstance(tr, d, parent.ID, now))
		}
	}
	if len(children) == 0 {
		return nil, nil
	}
	if err := e.instances.SaveInstances(ctx, children); err != nil {
		return nil, err
	}
	e.wake(ctx, children)
	return children, nil
}

func (e *engineImpl) RunDue(ctx context.Context) (int, error) {
	due, err := e.instances.ListDue(ctx, e.now(), 0)
	if err != nil {
		return 0, err
	}

	n := 0
	var errs []error
	for _, inst := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ran, err := e.withLease(ctx, inst.ID, func() error {
			_, err := e.run(ctx, inst.ID)
			return err
		})
		if err != nil {
			e.logger.ErrorContext(ctx, "run_instance_failed",
				slog.String("instance_id", inst.ID),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("instance %s: %w", inst.ID, err))
			continue
		}
		if ran {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (e *engineImpl) ExpireDue(ctx context.Context) (int, error) {
	now := e.now()
	expired, err := e.instances.ListExpired(ctx, now, 0)
	if err != nil {
		return 0, err
	}

	n := 0
	var errs []error
	for _, cand := range expired {
		var changed bool
		_, err := e.withLease(ctx, cand.ID, func() error {
			inst, ok, err := e.mutate(ctx, cand.ID, func(inst *api.StepInstance) bool {
				if inst.State != api.InstanceScheduled || inst.ExpiresAt.IsZero() || inst.ExpiresAt.After(now) {
					return false
				}
				inst.State = api.InstanceExpired
				inst.ProcessedAt = now
				return true
			})
			if err != nil || !ok {
				return err
			}
			changed = true
			e.observer.OnInstanceFinished(ctx, inst, nil, 0)
			e.emit(ctx, inst, api.EventInstanceExpired, "")
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", cand.ID, err))
			continue
		}
		if changed {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (e *engineImpl) Cancel(ctx context.Context, instanceIDs ...string) (int, error) {
	insts, err := e.loadForWrite(ctx, instanceIDs)
	if err != nil {
		return 0, err
	}
	now := e.now()

	n := 0
	for _, cand := range insts {
		inst, ok, err := e.mutate(ctx, cand.ID, func(inst *api.StepInstance) bool {
			if inst.State != api.InstanceScheduled {
				return false
			}
			inst.State = api.InstanceCancel
			inst.ProcessedAt = now
			return true
		})
		if err != nil {
			return n, err
		}
		if ok {
			n++
			e.observer.OnInstanceFinished(ctx, inst, nil, 0)
			e.emit(ctx, inst, api.EventInstanceCancelled, "")
		}
	}
	return n, nil
}

func (e *engineImpl) Retry(ctx context.Context, instanceIDs ...string) (int, error) {
	insts, err := e.loadForWrite(ctx, instanceIDs)
	if err != nil {
		return 0, err
	}
	now := e.now()

	n := 0
	for _, cand := range insts {
		inst, ok, err := e.mutate(ctx, cand.ID, func(inst *api.StepInstance) bool {
			if inst.State != api.InstanceError {
				return false
			}
			inst.State = api.InstanceScheduled
			inst.ScheduledAt = now
			inst.ProcessedAt = time.Time{}
			inst.ErrorDetail = ""
			return true
		})
		if err != nil {
			return n, err
		}
		if ok {
			n++
			e.emit(ctx, inst, api.EventInstanceRetried, "")
			e.wake(ctx, []*api.StepInstance{inst})
		}
	}
	return n, nil
}

// loadForWrite reads the given instances and checks that the caller may
// write their target records.
func (e *engineImpl) loadForWrite(ctx context.Context, ids []string) ([]*api.StepInstance, error) {
	insts := make([]*api.StepInstance, 0, len(ids))
	refs := make([]api.RecordRef, 0, len(ids))
	for _, id := range ids {
		inst, err := e.instances.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		insts = append(insts, inst)
		refs = append(refs, inst.Target)
	}
	if err := e.requireAccess(ctx, refs, api.OpWrite); err != nil {
		return nil, err
	}
	return insts, nil
}
