package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// byMessage resolves a transport message id to its instances. Test
// instances are included so dry runs can be driven by events too.
func (e *engineImpl) byMessage(ctx context.Context, messageID string) ([]*api.StepInstance, error) {
	if messageID == "" {
		return nil, nil
	}
	return e.instances.ListInstances(ctx, persistence.InstanceFilter{MessageID: messageID, IncludeTests: true})
}

func (e *engineImpl) forMessages(ctx context.Context, messageIDs []string, fn func(ctx context.Context, inst *api.StepInstance) error) error {
	var errs []error
	for _, mid := range messageIDs {
		insts, err := e.byMessage(ctx, mid)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, inst := range insts {
			if err := fn(ctx, inst); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (e *engineImpl) MailOpened(ctx context.Context, messageIDs ...string) error {
	return e.forMessages(ctx, messageIDs, e.open)
}

func (e *engineImpl) MailReplied(ctx context.Context, messageIDs ...string) error {
	return e.forMessages(ctx, messageIDs, e.reply)
}

func (e *engineImpl) MailBounced(ctx context.Context, messageIDs ...string) error {
	return e.forMessages(ctx, messageIDs, e.bounce)
}

func (e *engineImpl) InstanceOpened(ctx context.Context, instanceID string) error {
	inst, err := e.mailInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	return e.open(ctx, inst)
}

// mailInstance loads an instance addressed by a tracking callback. Only
// mail steps send tracked links and pixels.
func (e *engineImpl) mailInstance(ctx context.Context, instanceID string) (*api.StepInstance, error) {
	inst, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.StepType != api.StepMail {
		return nil, api.ConfigurationError("tracking event for a non-mail step", nil, map[string]any{
			"instance_id": inst.ID,
			"step_type":   inst.StepType,
		})
	}
	return inst, nil
}

// open marks the mail opened unless it already is, then wakes the children
// waiting for an open.
func (e *engineImpl) open(ctx context.Context, inst *api.StepInstance) error {
	now := e.now()
	updated, changed, err := e.mutate(ctx, inst.ID, func(i *api.StepInstance) bool {
		if i.MailStatus == api.MailOpen || i.MailStatus == api.MailReply {
			return false
		}
		i.MailStatus = api.MailOpen
		i.OpenedAt = now
		return true
	})
	if err != nil {
		return err
	}
	if changed {
		e.emit(ctx, updated, api.EventMailOpened, "")
	}
	return e.activateChildren(ctx, updated, api.OpenActivates)
}

// reply marks the mail replied. A reply also counts as an open.
func (e *engineImpl) reply(ctx context.Context, inst *api.StepInstance) error {
	now := e.now()
	var wasOpened bool
	updated, changed, err := e.mutate(ctx, inst.ID, func(i *api.StepInstance) bool {
		if i.MailStatus == api.MailReply {
			return false
		}
		wasOpened = i.MailStatus == api.MailOpen
		i.MailStatus = api.MailReply
		i.RepliedAt = now
		if i.OpenedAt.IsZero() {
			i.OpenedAt = now
		}
		return true
	})
	if err != nil {
		return err
	}
	if changed {
		e.emit(ctx, updated, api.EventMailReplied, "")
		if !wasOpened {
			if err := e.activateChildren(ctx, updated, api.OpenActivates); err != nil {
				return err
			}
		}
	}
	return e.activateChildren(ctx, updated, api.ReplyActivates)
}

func (e *engineImpl) bounce(ctx context.Context, inst *api.StepInstance) error {
	now := e.now()
	updated, changed, err := e.mutate(ctx, inst.ID, func(i *api.StepInstance) bool {
		if i.MailStatus == api.MailBounce {
			return false
		}
		i.MailStatus = api.MailBounce
		i.BouncedAt = now
		return true
	})
	if err != nil {
		return err
	}
	if changed {
		e.emit(ctx, updated, api.EventMailBounced, "")
	}
	return e.activateChildren(ctx, updated, api.BounceActivates)
}

func (e *engineImpl) RecordClick(ctx context.Context, instanceID, linkCode, source string) (*api.Click, error) {
	inst, err := e.mailInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	click := api.Click{
		ID:              uuid.NewString(),
		InstanceID:      inst.ID,
		ConfigurationID: inst.ConfigurationID,
		DefinitionID:    inst.DefinitionID,
		LinkCode:        linkCode,
		Source:          source,
		IsTest:          inst.IsTest,
		At:              e.now(),
	}
	err = e.clicks.AddClick(ctx, click)
	if errors.Is(err, persistence.ErrDuplicateClick) {
		e.emit(ctx, inst, api.EventClickDuplicate, linkCode)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// A click proves the mail was opened.
	if err := e.open(ctx, inst); err != nil {
		return nil, err
	}

	updated, changed, err := e.mutate(ctx, inst.ID, func(i *api.StepInstance) bool {
		if !i.ClickedAt.IsZero() {
			return false
		}
		i.ClickedAt = click.At
		return true
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.emit(ctx, updated, api.EventMailClicked, linkCode)
	}
	if err := e.activateChildren(ctx, updated, api.ClickActivates); err != nil {
		return nil, err
	}
	return &click, nil
}

func (e *engineImpl) ActivityDone(ctx context.Context, activityID string) error {
	if activityID == "" {
		return nil
	}
	insts, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{ActivityID: activityID, IncludeTests: true})
	if err != nil {
		return err
	}

	now := e.now()
	for _, inst := range insts {
		updated, changed, err := e.mutate(ctx, inst.ID, func(i *api.StepInstance) bool {
			if !i.DoneAt.IsZero() {
				return false
			}
			i.DoneAt = now
			return true
		})
		if err != nil {
			return err
		}
		if changed {
			e.emit(ctx, updated, api.EventActivityDone, "")
		}
		if err := e.activateChildren(ctx, updated, api.ActivityActivates); err != nil {
			return err
		}
	}
	return nil
}

// activateChildren schedules the still inert children of parent whose
// trigger is one of triggers. Already scheduled children are left alone.
func (e *engineImpl) activateChildren(ctx context.Context, parent *api.StepInstance, triggers []api.TriggerType) error {
	children, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{
		ParentID:     parent.ID,
		State:        api.InstanceScheduled,
		Triggers:     triggers,
		IncludeTests: true,
	})
	if err != nil {
		return err
	}

	var activated []*api.StepInstance
	for _, child := range children {
		if !child.Inert() {
			continue
		}
		def, err := e.defs.GetDefinition(ctx, child.DefinitionID)
		if err != nil {
			return err
		}
		now := e.now()
		updated, ok, err := e.mutate(ctx, child.ID, func(i *api.StepInstance) bool {
			if !i.Inert() {
				return false
			}
			i.ScheduledAt = def.Interval.After(now)
			if def.Expiry.Enabled && i.ExpiresAt.IsZero() {
				i.ExpiresAt = def.Expiry.Interval.After(now)
			}
			return true
		})
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		e.observer.OnInstanceActivated(ctx, updated)
		e.emit(ctx, updated, api.EventInstanceActivated, string(updated.Trigger))
		activated = append(activated, updated)
	}
	if len(activated) > 0 {
		e.logger.DebugContext(ctx, "children_activated",
			slog.String("parent_id", parent.ID),
			slog.Int("count", len(activated)),
		)
	}
	e.wake(ctx, activated)
	return nil
}
