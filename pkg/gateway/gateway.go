package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/capkernel/pkg/audit"
	"github.com/Mindburn-Labs/capkernel/pkg/capability"
	"github.com/Mindburn-Labs/capkernel/pkg/clock"
	"github.com/Mindburn-Labs/capkernel/pkg/errorir"
	"github.com/Mindburn-Labs/capkernel/pkg/execctx"
	"github.com/Mindburn-Labs/capkernel/pkg/observability"
)

const opHandle = "gateway.handle"

// Gateway failure details.
const (
	ReasonUnknownCall        = "unknown_call"
	ReasonThrottled          = "throttled"
	ReasonLimiterUnavailable = "limiter_unavailable"
	ReasonTimeout            = "timeout"
	ReasonHandlerError       = "handler_error"
	ReasonHandlerPanic       = "handler_panic"
	ReasonAuditUnavailable   = "audit_unavailable"
)

// Call is one system call request.
type Call struct {
	Number   CallNumber
	Params   any
	Token    capability.Token
	Location *capability.Location
	CallID   string // generated when empty
}

// Gateway dispatches calls. It holds no per-call or scheduling state.
type Gateway struct {
	registry  *Registry
	validator *capability.Validator
	builder   *execctx.Builder
	sink      audit.Sink
	sanitizer Sanitizer
	limiter   Limiter
	clk       clock.Clock
	logger    *slog.Logger
	obs       *observability.Provider
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLimiter enables admission control keyed by token fingerprint.
func WithLimiter(l Limiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

func WithSanitizer(s Sanitizer) Option {
	return func(g *Gateway) { g.sanitizer = s }
}

func WithClock(c clock.Clock) Option {
	return func(g *Gateway) { g.clk = clock.OrWall(c) }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l.With("component", "gateway")
		}
	}
}

func WithObservability(p *observability.Provider) Option {
	return func(g *Gateway) {
		if p != nil {
			g.obs = p
		}
	}
}

// New creates a gateway. sink receives the gateway's own records (unknown calls,
// admission and sanitize denials); the validator and builder write through their own.
func New(registry *Registry, validator *capability.Validator, builder *execctx.Builder, sink audit.Sink, opts ...Option) (*Gateway, error) {
	switch {
	case registry == nil:
		return nil, errors.New("gateway: registry is required")
	case validator == nil:
		return nil, errors.New("gateway: validator is required")
	case builder == nil:
		return nil, errors.New("gateway: context builder is required")
	case sink == nil:
		return nil, audit.ErrNoSink
	}
	g := &Gateway{
		registry:  registry,
		validator: validator,
		builder:   builder,
		sink:      sink,
		clk:       clock.Wall{},
		logger:    slog.Default().With("component", "gateway"),
		obs:       observability.Noop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Handle runs call through lookup, admission, capability check, sanitization, context
// build and dispatch, in that order. Every failure is an *errorir.Error and every
// outcome is audited.
func (g *Gateway) Handle(ctx context.Context, call Call) (any, error) {
	if call.CallID == "" {
		call.CallID = uuid.New().String()
	}
	fp := call.Token.Fingerprint()
	entry, known := g.registry.lookup(call.Number)
	name := ""
	if known {
		name = entry.spec.Name
	}

	ctx, done := g.obs.TrackOperation(ctx, observability.OpGatewayHandle, observability.CallOperation(int(call.Number), name, fp)...)
	res, err := g.handle(ctx, call, fp, entry)
	done(err)
	return res, err
}

func (g *Gateway) handle(ctx context.Context, call Call, fp string, entry *registered) (any, error) {
	if entry == nil {
		g.audit(ctx, audit.Record{
			Kind:      audit.KindUnknownCall,
			Token:     fp,
			Operation: strconv.FormatUint(uint64(call.Number), 10),
			Outcome:   audit.OutcomeDeny,
			Reason:    ReasonUnknownCall,
			CallID:    call.CallID,
		})
		return nil, errorir.New(errorir.CodeUnknownCall, opHandle, fmt.Sprintf("call %d", call.Number))
	}
	spec := entry.spec

	if err := g.admit(ctx, call, fp, spec); err != nil {
		return nil, err
	}

	desc, err := g.validator.Check(ctx, capability.Request{
		Token:     call.Token,
		Operation: spec.Operation,
		Location:  call.Location,
	})
	if err != nil {
		return nil, err
	}

	params, err := g.sanitizer.Sanitize(call.Params, entry.schema)
	if err != nil {
		var se *SanitizeError
		reason := ReasonSchema
		if errors.As(err, &se) {
			reason = se.Reason
		}
		g.audit(ctx, audit.Record{
			Kind:      audit.KindSanitize,
			Token:     fp,
			Operation: spec.Name,
			Outcome:   audit.OutcomeDeny,
			Reason:    reason,
			CallID:    call.CallID,
		})
		return nil, &errorir.Error{Code: errorir.CodeInvalidParameters, Op: opHandle, Detail: reason, Err: err}
	}

	ec, err := g.builder.Build(ctx, execctx.Grant{
		Token:      call.Token,
		Descriptor: desc,
		Operation:  spec.Operation,
		CallID:     call.CallID,
	})
	if err != nil {
		return nil, err
	}
	return g.dispatch(ctx, spec, params, ec)
}

func (g *Gateway) admit(ctx context.Context, call Call, fp string, spec CallSpec) error {
	if g.limiter == nil {
		return nil
	}
	allowed, err := g.limiter.Allow(ctx, fp)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errorir.Wrap(errorir.CodeTimeout, opHandle, ctxErr)
		}
		g.logger.ErrorContext(ctx, "admission limiter failed, rejecting", "token", fp, "error", err)
	}
	if allowed && err == nil {
		return nil
	}
	reason := ReasonThrottled
	if err != nil {
		reason = ReasonLimiterUnavailable
	}
	g.audit(ctx, audit.Record{
		Kind:      audit.KindAdmission,
		Token:     fp,
		Operation: spec.Name,
		Outcome:   audit.OutcomeDeny,
		Reason:    reason,
		CallID:    call.CallID,
	})
	return &errorir.Error{Code: errorir.CodeThrottled, Op: opHandle, Detail: reason, Err: err}
}

type dispatchResult struct {
	value any
	err   error
}

// dispatch runs the handler in its own goroutine bounded by the caller's ctx and the
// context's MaxDuration. The execution context is released on every path; on timeout
// it is released while the handler may still be unwinding.
func (g *Gateway) dispatch(ctx context.Context, spec CallSpec, params map[string]any, ec *execctx.Context) (any, error) {
	dctx := ctx
	if ec.Limits.MaxDuration > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, ec.Limits.MaxDuration)
		defer cancel()
	}
	defer func() {
		if err := ec.Release(); err != nil {
			g.logger.ErrorContext(ctx, "context release failed", "call_id", ec.CallID, "error", err)
		}
	}()

	start := g.clk.Now()
	done := make(chan dispatchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- dispatchResult{err: &errorir.Error{
					Code: errorir.CodeInternal, Op: "gateway.dispatch", Detail: ReasonHandlerPanic,
					Err: fmt.Errorf("%v", r),
				}}
			}
		}()
		v, err := spec.Handler.Handle(dctx, params, ec)
		done <- dispatchResult{value: v, err: err}
	}()

	var res dispatchResult
	select {
	case res = <-done:
	case <-dctx.Done():
		res = dispatchResult{err: errorir.Wrap(errorir.CodeTimeout, "gateway.dispatch", dctx.Err())}
	}

	rec := audit.Record{
		Kind:      audit.KindDispatch,
		Operation: spec.Name,
		Outcome:   audit.OutcomeOK,
		Metadata: map[string]string{
			"call":     strconv.FormatUint(uint64(spec.Number), 10),
			"duration": g.clk.Now().Sub(start).Round(time.Microsecond).String(),
		},
	}
	if res.err != nil {
		rec.Outcome = audit.OutcomeError
		rec.Reason = reasonFor(res.err)
		if errorir.CodeOf(res.err) == "" {
			res.err = &errorir.Error{Code: errorir.CodeInternal, Op: "gateway.dispatch", Detail: ReasonHandlerError, Err: res.err}
		}
	}
	// Recorded even when the caller ctx is done.
	if err := ec.Trail.Append(context.WithoutCancel(ctx), rec); err != nil {
		g.logger.ErrorContext(ctx, "dispatch audit failed", "call_id", ec.CallID, "error", err)
		return nil, &errorir.Error{Code: errorir.CodeSecurityViolation, Op: "gateway.dispatch", Detail: ReasonAuditUnavailable, Err: err}
	}
	if res.err != nil {
		g.logger.WarnContext(ctx, "call failed", "call", spec.Name, "call_id", ec.CallID, "reason", rec.Reason)
		return nil, res.err
	}
	return res.value, nil
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, errorir.ErrTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ReasonTimeout
	case errorir.DetailOf(err) == ReasonHandlerPanic:
		return ReasonHandlerPanic
	default:
		return ReasonHandlerError
	}
}

func (g *Gateway) audit(ctx context.Context, rec audit.Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = g.clk.Now()
	}
	if err := g.sink.Append(context.WithoutCancel(ctx), rec); err != nil {
		g.logger.ErrorContext(ctx, "audit append failed", "kind", rec.Kind, "call_id", rec.CallID, "error", err)
	}
}
