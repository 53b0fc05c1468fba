// Package audit records every authorization decision and call outcome. Sinks are
// append-only: the core writes records and never reads them back.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind categorizes a record.
type Kind string

const (
	KindValidation  Kind = "capability.validate"
	KindUnknownCall Kind = "gateway.unknown_call"
	KindAdmission   Kind = "gateway.admission"
	KindSanitize    Kind = "gateway.sanitize"
	KindContext     Kind = "context.build"
	KindDispatch    Kind = "context.dispatch"
	KindRevocation  Kind = "capability.revoke"
)

// Outcome is the result recorded for an attempt.
type Outcome string

const (
	OutcomeAllow Outcome = "ALLOW"
	OutcomeDeny  Outcome = "DENY"
	OutcomeOK    Outcome = "OK"
	OutcomeError Outcome = "ERROR"
)

// Record is one audit entry. Token holds the token fingerprint, never the raw token.
type Record struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Token     string            `json:"token"`
	Operation string            `json:"operation"`
	Outcome   Outcome           `json:"outcome"`
	Reason    string            `json:"reason,omitempty"`
	CallID    string            `json:"call_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink is the append-only audit collaborator.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// ErrNoSink is returned when an audit sink is required but not configured.
var ErrNoSink = errors.New("audit: sink not configured (fail-closed)")

// prepare fills the id and timestamp when the caller left them empty.
func prepare(rec Record) Record {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return rec
}

type tee []Sink

// Tee fans a record out to every sink. All sinks are attempted; failures are joined.
func Tee(sinks ...Sink) Sink {
	out := make(tee, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (t tee) Append(ctx context.Context, rec Record) error {
	if len(t) == 0 {
		return ErrNoSink
	}
	rec = prepare(rec)
	var errs []error
	for _, s := range t {
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
