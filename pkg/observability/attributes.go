package observability

import (
	"context"

	"github.com/Mindburn-Labs/capkernel/pkg/errorir"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// capkernel semantic convention attributes.
var (
	AttrOperation = attribute.Key("capk.operation")
	AttrErrorCode = attribute.Key("capk.error.code")

	AttrCallNumber = attribute.Key("capk.call.number")
	AttrCallName   = attribute.Key("capk.call.name")
	AttrToken      = attribute.Key("capk.token.fingerprint")

	AttrTaskID        = attribute.Key("capk.task.id")
	AttrCoreID        = attribute.Key("capk.core.id")
	AttrDecisionLocal = attribute.Key("capk.decision.local")
	AttrCandidates    = attribute.Key("capk.decision.candidates")
)

// CallOperation creates attributes for a gateway call.
func CallOperation(number int, name, token string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCallNumber.Int(number),
		AttrCallName.String(name),
		AttrToken.String(token),
	}
}

// DecisionOutcome annotates the current span with a placement result.
func DecisionOutcome(ctx context.Context, core int, local bool, candidates int) {
	trace.SpanFromContext(ctx).SetAttributes(
		AttrCoreID.Int(core),
		AttrDecisionLocal.Bool(local),
		AttrCandidates.Int(candidates),
	)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

func errorCode(err error) string {
	if code := errorir.CodeOf(err); code != "" {
		return string(code)
	}
	return "unknown"
}
