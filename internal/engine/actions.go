package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// execute performs the step's type-specific action and records its
// correlation identifiers on inst.
func (e *engineImpl) execute(ctx context.Context, def api.StepDefinition, inst *api.StepInstance, rec api.Record) error {
	switch def.StepType {
	case api.StepMail:
		return e.sendMail(ctx, def, inst, rec)
	case api.StepActivity:
		return e.scheduleActivity(ctx, def, inst)
	case api.StepAction:
		return e.runAction(ctx, def, inst, rec)
	}
	return api.ConfigurationError("unknown step type", nil, map[string]any{"step_type": def.StepType})
}

func (e *engineImpl) sendMail(ctx context.Context, def api.StepDefinition, inst *api.StepInstance, rec api.Record) error {
	if def.Mail == nil {
		return api.ConfigurationError("mail step without template", nil, map[string]any{"step_id": def.ID})
	}
	msg, err := e.composer.Compose(ctx, inst.ID, inst.Target, *def.Mail, rec)
	if err != nil {
		return api.ActionExecutionError("mail composition failed", err, map[string]any{"template_id": def.Mail.TemplateID})
	}

	// Test trackers compose the message but never hand it to the transport.
	if !inst.IsTest {
		if e.mail == nil {
			return api.ActionExecutionError("no mail transport configured", nil, nil)
		}
		id, err := e.mail.Send(ctx, msg)
		if err != nil {
			return api.ActionExecutionError("mail transport failed", err, map[string]any{"recipient": msg.Recipient})
		}
		inst.MessageID = id
		inst.MailSent = true
	}
	inst.MailStatus = api.MailSent
	return nil
}

func (e *engineImpl) scheduleActivity(ctx context.Context, def api.StepDefinition, inst *api.StepInstance) error {
	a := def.Activity
	if a == nil {
		return api.ConfigurationError("activity step without descriptor", nil, map[string]any{"step_id": def.ID})
	}
	if e.activities == nil {
		return api.ActionExecutionError("no activity service configured", nil, nil)
	}

	req := api.ActivityRequest{
		InstanceID: inst.ID,
		Target:     inst.Target,
		Type:       a.Type,
		Summary:    a.Summary,
		Note:       a.Note,
	}
	if a.DueIn.Value > 0 {
		now := e.now()
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		req.Due = a.DueIn.After(today)
	}

	switch a.UserMode {
	case api.AssignSpecific:
		req.Assignee = a.UserID
	case api.AssignGeneric:
		v, err := e.records.FieldValue(ctx, inst.Target, a.UserField)
		if err != nil {
			return api.ActionExecutionError("cannot resolve activity assignee", err, map[string]any{"field": a.UserField})
		}
		if v != nil {
			req.Assignee = fmt.Sprint(v)
		}
	}

	id, err := e.activities.Schedule(ctx, req)
	if err != nil {
		return api.ActionExecutionError("activity scheduling failed", err, map[string]any{"activity_type": a.Type})
	}
	inst.ActivityID = id
	return nil
}

func (e *engineImpl) runAction(ctx context.Context, def api.StepDefinition, inst *api.StepInstance, rec api.Record) error {
	if def.Action == nil {
		return api.ConfigurationError("action step without action", nil, map[string]any{"step_id": def.ID})
	}
	if e.actions == nil {
		return api.ActionExecutionError("no action runner configured", nil, nil)
	}
	if err := e.actions.Run(ctx, def.Action.ActionID, inst.Target, rec); err != nil {
		return api.ActionExecutionError("custom action failed", err, map[string]any{"action_id": def.Action.ActionID})
	}
	return nil
}
