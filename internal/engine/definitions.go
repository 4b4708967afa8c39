package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/filter"
)

func (e *engineImpl) AddStep(ctx context.Context, def api.StepDefinition) (api.StepDefinition, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	defs, err := e.defs.ListDefinitions(ctx, def.ConfigurationID)
	if err != nil {
		return api.StepDefinition{}, err
	}
	if def.Sequence == 0 {
		def.Sequence = len(defs) + 1
	}
	if err := e.validateStep(ctx, def, defs); err != nil {
		return api.StepDefinition{}, err
	}
	if err := e.defs.SaveDefinition(ctx, def); err != nil {
		return api.StepDefinition{}, err
	}
	return def, nil
}

func (e *engineImpl) UpdateStep(ctx context.Context, def api.StepDefinition) (api.StepDefinition, error) {
	cur, err := e.defs.GetDefinition(ctx, def.ID)
	if err != nil {
		return api.StepDefinition{}, err
	}
	if def.ConfigurationID == "" {
		def.ConfigurationID = cur.ConfigurationID
	}
	if def.ConfigurationID != cur.ConfigurationID {
		return api.StepDefinition{}, api.ConfigurationError("a step cannot move to another configuration", nil,
			map[string]any{"step_id": def.ID})
	}

	defs, err := e.defs.ListDefinitions(ctx, def.ConfigurationID)
	if err != nil {
		return api.StepDefinition{}, err
	}
	if err := e.validateStep(ctx, def, defs); err != nil {
		return api.StepDefinition{}, err
	}

	// Children must still accept the (possibly new) step type.
	for _, child := range defs {
		if child.ParentID != def.ID {
			continue
		}
		rule, _ := api.LookupTrigger(child.Trigger)
		if !rule.AcceptsParent(def.StepType) {
			return api.StepDefinition{}, api.ConfigurationError("a child step does not accept the new step type", nil,
				map[string]any{"step_id": def.ID, "child_id": child.ID, "trigger": child.Trigger, "step_type": def.StepType})
		}
	}

	if err := e.defs.SaveDefinition(ctx, def); err != nil {
		return api.StepDefinition{}, err
	}
	return def, nil
}

func (e *engineImpl) Steps(ctx context.Context, configurationID string) ([]api.StepDefinition, error) {
	if _, err := e.configs.GetConfiguration(ctx, configurationID); err != nil {
		return nil, err
	}
	return e.defs.ListDefinitions(ctx, configurationID)
}

// validateStep checks def against the trigger table and the existing tree
// of its configuration. defs are the configuration's stored definitions.
func (e *engineImpl) validateStep(ctx context.Context, def api.StepDefinition, defs []api.StepDefinition) error {
	meta := map[string]any{"step_id": def.ID, "trigger": def.Trigger, "step_type": def.StepType}

	if _, err := e.configs.GetConfiguration(ctx, def.ConfigurationID); err != nil {
		if errors.Is(err, persistence.ErrConfigurationNotFound) {
			return api.ConfigurationError("unknown configuration", err, map[string]any{"configuration_id": def.ConfigurationID})
		}
		return err
	}

	switch def.StepType {
	case api.StepMail, api.StepActivity, api.StepAction:
	default:
		return api.ConfigurationError("unknown step type", nil, meta)
	}

	rule, ok := api.LookupTrigger(def.Trigger)
	if !ok {
		return api.ConfigurationError("unknown trigger type", nil, meta)
	}

	byID := make(map[string]api.StepDefinition, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}

	if def.ParentID == "" {
		if !rule.AllowRoot {
			return api.ConfigurationError("trigger type requires a parent step", nil, meta)
		}
	} else {
		parent, ok := byID[def.ParentID]
		if !ok {
			return api.ConfigurationError("parent step not found in the configuration", nil,
				map[string]any{"step_id": def.ID, "parent_id": def.ParentID})
		}
		if !rule.AcceptsParent(parent.StepType) {
			meta["parent_step_type"] = parent.StepType
			return api.ConfigurationError("trigger type is not allowed under the parent step type", nil, meta)
		}
		if err := checkAcyclic(def, byID); err != nil {
			return err
		}
	}

	if def.Expiry.Enabled && !rule.AllowExpiry {
		return api.ConfigurationError("trigger type does not support expiry", nil, meta)
	}
	if def.Interval.Value < 0 || (def.Expiry.Enabled && def.Expiry.Interval.Value < 0) {
		return api.ConfigurationError("intervals must not be negative", nil, meta)
	}
	if err := validatePayload(def); err != nil {
		return err
	}
	if _, err := filter.Compile(def.Domain); err != nil {
		return err
	}
	return nil
}

// checkAcyclic walks the parent chain of def and fails if it returns to def.
func checkAcyclic(def api.StepDefinition, byID map[string]api.StepDefinition) error {
	visited := map[string]bool{def.ID: true}
	for id := def.ParentID; id != ""; {
		if visited[id] {
			return api.ConfigurationError("step parents form a cycle", nil,
				map[string]any{"step_id": def.ID, "parent_id": def.ParentID})
		}
		visited[id] = true
		id = byID[id].ParentID
	}
	return nil
}

func validatePayload(def api.StepDefinition) error {
	meta := map[string]any{"step_id": def.ID, "step_type": def.StepType}
	switch def.StepType {
	case api.StepMail:
		if def.Mail == nil || (def.Mail.TemplateID == "" && strings.TrimSpace(def.Mail.Body) == "") {
			return api.ConfigurationError("mail steps need a template", nil, meta)
		}
	case api.StepActivity:
		a := def.Activity
		if a == nil || a.Type == "" {
			return api.ConfigurationError("activity steps need an activity type", nil, meta)
		}
		switch a.UserMode {
		case api.AssignSpecific:
			if a.UserID == "" {
				return api.ConfigurationError("activity steps with a specific user need a user id", nil, meta)
			}
		case api.AssignGeneric:
			if a.UserField == "" {
				return api.ConfigurationError("activity steps with a generic user need a user field", nil, meta)
			}
		default:
			return api.ConfigurationError("unknown activity user mode", nil, meta)
		}
		if a.DueIn.Value < 0 {
			return api.ConfigurationError("activity due range must not be negative", nil, meta)
		}
	case api.StepAction:
		if def.Action == nil || def.Action.ActionID == "" {
			return api.ConfigurationError("action steps need an action id", nil, meta)
		}
	}
	return nil
}

// effectivePredicate is the step's own predicate ANDed with its ancestors'
// and the configuration's.
func (e *engineImpl) effectivePredicate(ctx context.Context, c api.Configuration, def api.StepDefinition) (*filter.Predicate, error) {
	defs, err := e.defs.ListDefinitions(ctx, def.ConfigurationID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]api.StepDefinition, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}

	var parts []*filter.Predicate
	for cur, depth := def, 0; ; depth++ {
		p, err := filter.Compile(cur.Domain)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
		next, ok := byID[cur.ParentID]
		if cur.ParentID == "" || !ok || depth > len(defs) {
			break
		}
		cur = next
	}

	cp, err := e.configPredicate(ctx, c)
	if err != nil {
		return nil, err
	}
	parts = append(parts, cp)
	return filter.And(parts...), nil
}
