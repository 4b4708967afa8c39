package engine

import (
	"context"
	"log/slog"

	"github.com/petrijr/stepflow/pkg/api"
)

// allowedTargets returns the subset of refs the caller may access with op,
// or nil when the caller is unrestricted. Permissions are derived on every
// call. Refs whose record no longer exists are dropped with a warning.
func (e *engineImpl) allowedTargets(ctx context.Context, refs []api.RecordRef, op api.Operation) (map[api.RecordRef]bool, error) {
	p := api.PrincipalFrom(ctx)
	if p.Superuser {
		return nil, nil
	}

	byModel := make(map[string][]int64)
	seen := make(map[api.RecordRef]bool, len(refs))
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true

		if e.records != nil {
			ok, err := e.records.Exists(ctx, ref)
			if err != nil {
				return nil, err
			}
			if !ok {
				e.logger.WarnContext(ctx, "target_record_missing",
					slog.String("model", ref.Model),
					slog.Int64("res_id", ref.ID),
				)
				continue
			}
		}
		byModel[ref.Model] = append(byModel[ref.Model], ref.ID)
	}

	allowed := make(map[api.RecordRef]bool)
	for model, ids := range byModel {
		targetOp := e.createOps.TargetOperation(model, op)
		ok, err := e.access.Allowed(ctx, p, model, ids, targetOp)
		if err != nil {
			return nil, err
		}
		for _, id := range ok {
			allowed[api.RecordRef{Model: model, ID: id}] = true
		}
	}
	return allowed, nil
}

// visible keeps the items whose target the caller may read. Rows that exist
// but are all hidden yield a SecurityError, unlike an empty input.
func visible[T any](ctx context.Context, e *engineImpl, items []T, target func(T) api.RecordRef) ([]T, error) {
	if len(items) == 0 {
		return items, nil
	}
	refs := make([]api.RecordRef, len(items))
	for i, it := range items {
		refs[i] = target(it)
	}
	allowed, err := e.allowedTargets(ctx, refs, api.OpRead)
	if err != nil || allowed == nil {
		return items, err
	}

	out := make([]T, 0, len(items))
	for _, it := range items {
		if allowed[target(it)] {
			out = append(out, it)
		}
	}
	if len(out) == 0 {
		return nil, api.SecurityError("all matching rows are hidden by access rules",
			map[string]any{"hidden": len(items), "user": api.PrincipalFrom(ctx).ID})
	}
	return out, nil
}

// requireAccess fails unless the caller may perform op on every ref.
func (e *engineImpl) requireAccess(ctx context.Context, refs []api.RecordRef, op api.Operation) error {
	allowed, err := e.allowedTargets(ctx, refs, op)
	if err != nil || allowed == nil {
		return err
	}
	for _, ref := range refs {
		if !allowed[ref] {
			return api.SecurityError("operation not allowed on target record", map[string]any{
				"model":  ref.Model,
				"res_id": ref.ID,
				"op":     op,
				"user":   api.PrincipalFrom(ctx).ID,
			})
		}
	}
	return nil
}
