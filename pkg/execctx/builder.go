package execctx

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/capkernel/pkg/audit"
	"github.com/Mindburn-Labs/capkernel/pkg/capability"
	"github.com/Mindburn-Labs/capkernel/pkg/clock"
	"github.com/Mindburn-Labs/capkernel/pkg/errorir"
)

const opBuild = "context.build"

// Error details for build failures.
const (
	ReasonPolicyDenied     = "policy_denied"
	ReasonPolicyError      = "policy_error"
	ReasonAuditUnavailable = "audit_unavailable"
)

// Grant is the validated authority a context is built from. Descriptor is the one
// returned by the validator; the builder never looks the token up again.
type Grant struct {
	Token      capability.Token
	Descriptor capability.Descriptor
	Operation  capability.Rights
	CallID     string
}

// Context is the per-call execution context. It is owned by exactly one call.
type Context struct {
	Token     capability.Token
	CallID    string
	Owner     string
	Rights    capability.Rights
	Domain    DomainHandle
	SizeClass SizeClass
	Class     SchedulingClass
	Limits    Limits
	Trail     *audit.Trail

	releaseOnce sync.Once
	releaseErr  error
	release     func() error
}

// Release returns the memory domain and closes the trail. Only the first call acts.
func (c *Context) Release() error {
	c.releaseOnce.Do(func() {
		if c.release != nil {
			c.releaseErr = c.release()
		}
	})
	return c.releaseErr
}

// Builder assembles contexts.
type Builder struct {
	policy Policy
	alloc  Allocator
	hooks  []PolicyHook
	sink   audit.Sink
	clock  clock.Clock
	logger *slog.Logger
}

type BuilderOption func(*Builder)

func WithHooks(h ...PolicyHook) BuilderOption {
	return func(b *Builder) { b.hooks = append(b.hooks, h...) }
}

func WithClock(c clock.Clock) BuilderOption {
	return func(b *Builder) { b.clock = clock.OrWall(c) }
}

func WithLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) {
		if l != nil {
			b.logger = l.With("component", "execctx")
		}
	}
}

func NewBuilder(policy Policy, alloc Allocator, sink audit.Sink, opts ...BuilderOption) *Builder {
	b := &Builder{
		policy: policy,
		alloc:  alloc,
		sink:   sink,
		clock:  clock.Wall{},
		logger: slog.Default().With("component", "execctx"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build materializes a context for g. Either the domain and the context both exist on
// return, or neither does.
func (b *Builder) Build(ctx context.Context, g Grant) (*Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, errorir.Wrap(errorir.CodeTimeout, opBuild, err)
	}
	if g.CallID == "" {
		g.CallID = uuid.New().String()
	}
	fp := g.Token.Fingerprint()

	class, limits := b.policy.Entitlement(g.Descriptor.OwnerID, g.Descriptor.Rights)
	view := View{
		CallID:    g.CallID,
		Owner:     g.Descriptor.OwnerID,
		Rights:    g.Descriptor.Rights,
		Operation: g.Operation,
		Class:     class,
		Limits:    limits,
	}

	for _, h := range b.hooks {
		r, err := h.Restrict(ctx, view)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, errorir.Wrap(errorir.CodeTimeout, opBuild, ctxErr)
			}
			b.deny(ctx, g, fp, ReasonPolicyError)
			return nil, &errorir.Error{Code: errorir.CodeSecurityViolation, Op: opBuild, Detail: ReasonPolicyError, Err: err}
		}
		if r.Deny {
			b.deny(ctx, g, fp, ReasonPolicyDenied)
			return nil, errorir.New(errorir.CodeSecurityViolation, opBuild, ReasonPolicyDenied+":"+r.Reason)
		}
		view = r.apply(view)
	}
	// Hooks only narrow, whatever they return.
	view.Limits = view.Limits.Intersect(limits)
	view.Class = min(view.Class, class)

	size := SizeClassFor(view.Limits.MemoryBytes)
	handle, err := b.alloc.Allocate(ctx, size)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errorir.Wrap(errorir.CodeTimeout, opBuild, ctxErr)
		}
		b.logger.WarnContext(ctx, "domain allocation failed", "token", fp, "size_class", size.String(), "error", err)
		return nil, errorir.Wrap(errorir.CodeAllocation, opBuild, err)
	}

	trail := audit.NewTrail(b.sink, b.clock, g.CallID, fp)
	c := &Context{
		Token:     g.Token,
		CallID:    g.CallID,
		Owner:     g.Descriptor.OwnerID,
		Rights:    g.Descriptor.Rights,
		Domain:    handle,
		SizeClass: size,
		Class:     view.Class,
		Limits:    view.Limits,
		Trail:     trail,
	}
	c.release = func() error {
		trail.Close()
		return b.alloc.Release(handle)
	}

	if err := ctx.Err(); err != nil {
		b.abort(ctx, c)
		return nil, errorir.Wrap(errorir.CodeTimeout, opBuild, err)
	}

	err = trail.Append(ctx, audit.Record{
		Kind:      audit.KindContext,
		Operation: g.Operation.String(),
		Outcome:   audit.OutcomeOK,
		Metadata: map[string]string{
			"class":      view.Class.String(),
			"size_class": size.String(),
			"domain":     strconv.FormatUint(handle.ID, 10),
		},
	})
	if err != nil {
		b.abort(ctx, c)
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, errorir.Wrap(errorir.CodeTimeout, opBuild, ctxErr)
		}
		return nil, &errorir.Error{Code: errorir.CodeSecurityViolation, Op: opBuild, Detail: ReasonAuditUnavailable, Err: err}
	}
	return c, nil
}

func (b *Builder) abort(ctx context.Context, c *Context) {
	if err := c.Release(); err != nil {
		b.logger.ErrorContext(ctx, "domain release failed on aborted build", "call_id", c.CallID, "error", err)
	}
}

func (b *Builder) deny(ctx context.Context, g Grant, fp, reason string) {
	if b.sink == nil {
		return
	}
	err := b.sink.Append(ctx, audit.Record{
		Kind:      audit.KindContext,
		Token:     fp,
		Operation: g.Operation.String(),
		Outcome:   audit.OutcomeDeny,
		Reason:    reason,
		CallID:    g.CallID,
		Timestamp: b.clock.Now(),
	})
	if err != nil {
		b.logger.ErrorContext(ctx, "audit append failed", "call_id", g.CallID, "error", err)
	}
}
