// Package gateway is the single entry point for system calls. Every call is resolved
// against the registry, admitted, checked against its capability, sanitized, given an
// execution context and dispatched under the caller's deadline.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/capkernel/pkg/capability"
	"github.com/Mindburn-Labs/capkernel/pkg/execctx"
)

// CallNumber identifies a registered call.
type CallNumber uint32

// Handler executes a call inside its execution context. It must honor ctx.
type Handler interface {
	Handle(ctx context.Context, params map[string]any, ec *execctx.Context) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, params map[string]any, ec *execctx.Context) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, params map[string]any, ec *execctx.Context) (any, error) {
	return f(ctx, params, ec)
}

// CallSpec describes one call. Operation is the rights mask a capability needs to make
// it. Schema, when set, is a JSON Schema (draft 2020-12) for the parameters.
type CallSpec struct {
	Number    CallNumber
	Name      string
	Operation capability.Rights
	Schema    string
	Handler   Handler
}

var (
	ErrDuplicateCall = errors.New("gateway: call number already registered")
	ErrInvalidSpec   = errors.New("gateway: invalid call spec")
)

type registered struct {
	spec   CallSpec
	schema *jsonschema.Schema
}

// Registry maps call numbers to specs.
type Registry struct {
	mu    sync.RWMutex
	calls map[CallNumber]*registered
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[CallNumber]*registered)}
}

// Register adds spec, compiling its schema.
func (r *Registry) Register(spec CallSpec) error {
	switch {
	case spec.Name == "":
		return fmt.Errorf("%w: call %d has no name", ErrInvalidSpec, spec.Number)
	case spec.Operation == 0:
		return fmt.Errorf("%w: call %q requires no rights", ErrInvalidSpec, spec.Name)
	case spec.Handler == nil:
		return fmt.Errorf("%w: call %q has no handler", ErrInvalidSpec, spec.Name)
	}
	entry := &registered{spec: spec}
	if spec.Schema != "" {
		compiled, err := compileSchema(spec.Name, spec.Schema)
		if err != nil {
			return err
		}
		entry.schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calls[spec.Number]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateCall, spec.Number)
	}
	r.calls[spec.Number] = entry
	return nil
}

// Lookup returns the spec registered for n.
func (r *Registry) Lookup(n CallNumber) (CallSpec, bool) {
	e, ok := r.lookup(n)
	if !ok {
		return CallSpec{}, false
	}
	return e.spec, true
}

func (r *Registry) lookup(n CallNumber) (*registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.calls[n]
	return e, ok
}

// Numbers returns the registered call numbers in ascending order.
func (r *Registry) Numbers() []CallNumber {
	r.mu.RLock()
	out := make([]CallNumber, 0, len(r.calls))
	for n := range r.calls {
		out = append(out, n)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}
