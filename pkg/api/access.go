package api

import "context"

// Principal is the user on whose behalf an operation runs.
type Principal struct {
	ID        string
	Name      string
	CompanyID string
	// Superuser bypasses access checks.
	Superuser bool
}

// Operation is an access-checked operation on target records.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpCreate Operation = "create"
	OpUnlink Operation = "unlink"
)

// AccessChecker filters target record ids down to those a principal may
// access. Implementations must not cache results across calls.
type AccessChecker interface {
	Allowed(ctx context.Context, p Principal, model string, ids []int64, op Operation) ([]int64, error)
}

// AllowAll grants every operation.
type AllowAll struct{}

func (AllowAll) Allowed(ctx context.Context, p Principal, model string, ids []int64, op Operation) ([]int64, error) {
	return ids, nil
}

// CreateOperations maps models to the operation checked when a tracker is
// created for one of their records. Models not listed use OpWrite.
type CreateOperations map[string]Operation

// TargetOperation maps an operation on trackers or instances to the
// operation checked on their target records.
func (m CreateOperations) TargetOperation(model string, op Operation) Operation {
	switch op {
	case OpWrite, OpUnlink:
		return OpWrite
	case OpCreate:
		if o, ok := m[model]; ok && o != "" {
			return o
		}
		return OpWrite
	default:
		return op
	}
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal carried by ctx. Contexts without one
// act as the system user.
func PrincipalFrom(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok {
		return p
	}
	return Principal{ID: "system", Name: "system", Superuser: true}
}
