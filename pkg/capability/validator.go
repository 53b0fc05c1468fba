package capability

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/audit"
	"github.com/Mindburn-Labs/capkernel/pkg/clock"
	"github.com/Mindburn-Labs/capkernel/pkg/errorir"
)

// Denial reasons recorded in audit records and error details.
const (
	ReasonTokenUnknown     = "token_unknown"
	ReasonNotYetValid      = "not_yet_valid"
	ReasonExpired          = "expired"
	ReasonOperationDenied  = "operation_denied"
	ReasonOutOfBounds      = "out_of_bounds"
	ReasonEmptyOperation   = "empty_operation"
	ReasonAuditUnavailable = "audit_unavailable"
)

const opValidate = "capability.validate"

// Request is one authorization attempt.
type Request struct {
	Token     Token
	Operation Rights
	Location  *Location
}

// Validator is the reference monitor over a Table.
type Validator struct {
	table  *Table
	sink   audit.Sink
	clock  clock.Clock
	logger *slog.Logger
}

type ValidatorOption func(*Validator)

func WithClock(c clock.Clock) ValidatorOption {
	return func(v *Validator) { v.clock = clock.OrWall(c) }
}

func WithLogger(l *slog.Logger) ValidatorOption {
	return func(v *Validator) {
		if l != nil {
			v.logger = l.With("component", "capability")
		}
	}
}

func NewValidator(table *Table, sink audit.Sink, opts ...ValidatorOption) *Validator {
	v := &Validator{
		table:  table,
		sink:   sink,
		clock:  clock.Wall{},
		logger: slog.Default().With("component", "capability"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate reports whether req is authorized.
func (v *Validator) Validate(ctx context.Context, req Request) bool {
	_, err := v.Check(ctx, req)
	return err == nil
}

// Check authorizes req and returns the descriptor that granted it. Presence, temporal
// validity, operation bits and spatial bounds are checked in that order and the first
// failure denies. Exactly one audit record is appended before returning; if that
// append fails the attempt is denied.
func (v *Validator) Check(ctx context.Context, req Request) (Descriptor, error) {
	now := v.clock.Now()
	desc, reason := v.evaluate(req, now)

	rec := audit.Record{
		Kind:      audit.KindValidation,
		Token:     req.Token.Fingerprint(),
		Operation: req.Operation.String(),
		Outcome:   audit.OutcomeAllow,
		Reason:    reason,
		Timestamp: now,
	}
	if req.Location != nil {
		rec.Metadata = map[string]string{"domain": req.Location.Domain}
	}
	if reason != "" {
		rec.Outcome = audit.OutcomeDeny
	}

	if err := v.appendAudit(ctx, rec); err != nil {
		v.logger.ErrorContext(ctx, "audit append failed, denying",
			"token", rec.Token, "operation", rec.Operation, "error", err)
		return Descriptor{}, &errorir.Error{
			Code:   errorir.CodeSecurityViolation,
			Op:     opValidate,
			Detail: ReasonAuditUnavailable,
			Err:    err,
		}
	}

	if reason != "" {
		v.logger.DebugContext(ctx, "capability denied",
			"token", rec.Token, "operation", rec.Operation, "reason", reason)
		return Descriptor{}, errorir.New(errorir.CodeSecurityViolation, opValidate, reason)
	}
	return desc, nil
}

// Revoke removes token from the table and audits the revocation.
func (v *Validator) Revoke(ctx context.Context, token Token) (bool, error) {
	removed := v.table.Revoke(token)
	rec := audit.Record{
		Kind:      audit.KindRevocation,
		Token:     token.Fingerprint(),
		Outcome:   audit.OutcomeOK,
		Timestamp: v.clock.Now(),
	}
	if !removed {
		rec.Outcome = audit.OutcomeError
		rec.Reason = ReasonTokenUnknown
	}
	return removed, v.appendAudit(ctx, rec)
}

func (v *Validator) evaluate(req Request, now time.Time) (Descriptor, string) {
	if req.Operation == 0 {
		return Descriptor{}, ReasonEmptyOperation
	}
	desc, found := v.table.lookup(req.Token, now)
	switch found {
	case lookupMissing:
		return Descriptor{}, ReasonTokenUnknown
	case lookupExpired:
		return Descriptor{}, ReasonExpired
	}
	switch {
	case now.Before(desc.ValidFrom):
		return Descriptor{}, ReasonNotYetValid
	case !desc.Rights.Has(req.Operation):
		return Descriptor{}, ReasonOperationDenied
	case !desc.Bounds.Permits(req.Location):
		return Descriptor{}, ReasonOutOfBounds
	}
	return desc, ""
}

func (v *Validator) appendAudit(ctx context.Context, rec audit.Record) error {
	if v.sink == nil {
		return audit.ErrNoSink
	}
	return v.sink.Append(ctx, rec)
}
