// Package errorir defines the canonical error taxonomy returned at the gateway and
// scheduler boundaries. Every error carries a stable code and a retry classification so
// callers can apply their own retry policy; nothing inside the core retries.
package errorir

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies an error class. Codes follow CAPK/<NAMESPACE>/<AREA>/<NAME>.
type Code string

// Classification constants
const (
	ClassificationRetryable    = "RETRYABLE"
	ClassificationNonRetryable = "NON_RETRYABLE"
)

// Standard Error Codes
const (
	CodeSecurityViolation    Code = "CAPK/CORE/SECURITY/VIOLATION"
	CodeUnknownCall          Code = "CAPK/CORE/GATEWAY/UNKNOWN_CALL"
	CodeInvalidParameters    Code = "CAPK/CORE/GATEWAY/INVALID_PARAMETERS"
	CodeThrottled            Code = "CAPK/CORE/GATEWAY/THROTTLED"
	CodeAllocation           Code = "CAPK/CORE/CONTEXT/ALLOCATION"
	CodeSchedulingInfeasible Code = "CAPK/CORE/SCHED/INFEASIBLE"
	CodeCommitFailure        Code = "CAPK/CORE/SCHED/COMMIT_FAILURE"
	CodeTimeout              Code = "CAPK/CORE/TIMEOUT"
	CodeInternal             Code = "CAPK/CORE/INTERNAL"
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrSecurityViolation    = &Error{Code: CodeSecurityViolation}
	ErrUnknownCall          = &Error{Code: CodeUnknownCall}
	ErrInvalidParameters    = &Error{Code: CodeInvalidParameters}
	ErrThrottled            = &Error{Code: CodeThrottled}
	ErrAllocation           = &Error{Code: CodeAllocation}
	ErrSchedulingInfeasible = &Error{Code: CodeSchedulingInfeasible}
	ErrCommitFailure        = &Error{Code: CodeCommitFailure}
	ErrTimeout              = &Error{Code: CodeTimeout}
	ErrInternal             = &Error{Code: CodeInternal}
)

// Error is the typed error surfaced to callers.
type Error struct {
	Code   Code
	Op     string // component operation, e.g. "gateway.handle"
	Detail string // machine-friendly reason, e.g. "operation_denied"
	Err    error  // underlying cause, if any
}

// New creates an error without an underlying cause.
func New(code Code, op, detail string) *Error {
	return &Error{Code: code, Op: op, Detail: detail}
}

// Wrap creates an error around cause.
func Wrap(code Code, op string, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Code.Title())
	if e.Detail != "" {
		b.WriteString(" (")
		b.WriteString(e.Detail)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Classification returns the retry classification for the error's code.
func (e *Error) Classification() string { return Classify(e.Code) }

// Title returns a short human-readable name for the code.
func (c Code) Title() string {
	switch c {
	case CodeSecurityViolation:
		return "security violation"
	case CodeUnknownCall:
		return "unknown call"
	case CodeInvalidParameters:
		return "invalid parameters"
	case CodeThrottled:
		return "throttled"
	case CodeAllocation:
		return "allocation failed"
	case CodeSchedulingInfeasible:
		return "scheduling infeasible"
	case CodeCommitFailure:
		return "commit failed"
	case CodeTimeout:
		return "timeout"
	case CodeInternal:
		return "internal error"
	default:
		return fmt.Sprintf("error %s", string(c))
	}
}

// Classify maps a code to RETRYABLE or NON_RETRYABLE.
func Classify(code Code) string {
	switch code {
	case CodeThrottled, CodeAllocation, CodeSchedulingInfeasible, CodeCommitFailure, CodeTimeout:
		return ClassificationRetryable
	default:
		return ClassificationNonRetryable
	}
}

// CodeOf extracts the code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// DetailOf extracts the detail string from err, or "" when err carries none.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return ""
}
