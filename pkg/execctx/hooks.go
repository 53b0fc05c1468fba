package execctx

import (
	"context"

	"github.com/Mindburn-Labs/capkernel/pkg/capability"
)

// View is what a policy hook sees of a context under construction.
type View struct {
	CallID    string
	Owner     string
	Rights    capability.Rights
	Operation capability.Rights
	Class     SchedulingClass
	Limits    Limits
}

// Restriction narrows a context. Nil fields leave the value unchanged.
type Restriction struct {
	MaxClass *SchedulingClass
	Limits   *Limits
	Deny     bool
	Reason   string
}

// PolicyHook is an external security-policy collaborator. The builder intersects every
// restriction with the current view, so a hook can only narrow.
type PolicyHook interface {
	Restrict(ctx context.Context, v View) (Restriction, error)
}

// HookFunc adapts a function to PolicyHook.
type HookFunc func(ctx context.Context, v View) (Restriction, error)

func (f HookFunc) Restrict(ctx context.Context, v View) (Restriction, error) { return f(ctx, v) }

func (r Restriction) apply(v View) View {
	if r.MaxClass != nil && *r.MaxClass < v.Class {
		v.Class = *r.MaxClass
	}
	if r.Limits != nil {
		v.Limits = v.Limits.Intersect(*r.Limits)
	}
	return v
}
