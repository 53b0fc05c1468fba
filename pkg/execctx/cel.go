package execctx

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/cel-go/cel"
)

// CELRule restricts contexts whose view satisfies When. Zero-valued caps are ignored.
//
// When is a CEL boolean expression over: owner (string), rights and operation (list of
// right names), class (string), memory_bytes, max_threads, ipc_quota (int).
type CELRule struct {
	Name        string        `yaml:"name"`
	When        string        `yaml:"when"`
	Deny        bool          `yaml:"deny"`
	MaxClass    string        `yaml:"max_class"`
	MaxMemory   uint64        `yaml:"max_memory_bytes"`
	MaxCPUShare float64       `yaml:"max_cpu_share"`
	MaxThreads  int           `yaml:"max_threads"`
	MaxIPC      int           `yaml:"max_ipc_quota"`
	MaxDuration time.Duration `yaml:"max_duration"`
}

type compiledRule struct {
	rule     CELRule
	prg      cel.Program
	maxClass *SchedulingClass
}

// CELPolicy is a PolicyHook driven by CEL rules. All matching rules apply.
type CELPolicy struct {
	rules []compiledRule
}

// NewCELPolicy compiles rules. Every When must type-check to bool.
func NewCELPolicy(rules []CELRule) (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("owner", cel.StringType),
		cel.Variable("rights", cel.ListType(cel.StringType)),
		cel.Variable("operation", cel.ListType(cel.StringType)),
		cel.Variable("class", cel.StringType),
		cel.Variable("memory_bytes", cel.IntType),
		cel.Variable("max_threads", cel.IntType),
		cel.Variable("ipc_quota", cel.IntType),
	)
	if err != nil {
		return nil, err
	}

	p := &CELPolicy{}
	for _, r := range rules {
		ast, issues := env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("execctx: rule %q: %w", r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("execctx: rule %q: when must be bool, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("execctx: rule %q: %w", r.Name, err)
		}
		cr := compiledRule{rule: r, prg: prg}
		if r.MaxClass != "" {
			c, err := ParseSchedulingClass(r.MaxClass)
			if err != nil {
				return nil, fmt.Errorf("execctx: rule %q: %w", r.Name, err)
			}
			cr.maxClass = &c
		}
		p.rules = append(p.rules, cr)
	}
	return p, nil
}

// Restrict implements PolicyHook. An evaluation error fails the build.
func (p *CELPolicy) Restrict(ctx context.Context, v View) (Restriction, error) {
	input := map[string]any{
		"owner":        v.Owner,
		"rights":       v.Rights.Names(),
		"operation":    v.Operation.Names(),
		"class":        v.Class.String(),
		"memory_bytes": int64(min(v.Limits.MemoryBytes, math.MaxInt64)),
		"max_threads":  int64(v.Limits.MaxThreads),
		"ipc_quota":    int64(v.Limits.IPCQuota),
	}

	var out Restriction
	for _, cr := range p.rules {
		if err := ctx.Err(); err != nil {
			return Restriction{}, err
		}
		val, _, err := cr.prg.Eval(input)
		if err != nil {
			return Restriction{}, fmt.Errorf("execctx: rule %q: %w", cr.rule.Name, err)
		}
		matched, ok := val.Value().(bool)
		if !ok {
			return Restriction{}, fmt.Errorf("execctx: rule %q returned %T", cr.rule.Name, val.Value())
		}
		if !matched {
			continue
		}
		if cr.rule.Deny {
			return Restriction{Deny: true, Reason: cr.rule.Name}, nil
		}
		if cr.maxClass != nil && (out.MaxClass == nil || *cr.maxClass < *out.MaxClass) {
			c := *cr.maxClass
			out.MaxClass = &c
		}
		if caps, ok := cr.rule.caps(v.Limits); ok {
			if out.Limits != nil {
				caps = caps.Intersect(*out.Limits)
			}
			out.Limits = &caps
		}
	}
	return out, nil
}

// caps turns the rule's non-zero caps into a Limits bound, leaving other fields at cur.
func (r CELRule) caps(cur Limits) (Limits, bool) {
	l, set := cur, false
	if r.MaxMemory > 0 {
		l.MemoryBytes, set = r.MaxMemory, true
	}
	if r.MaxCPUShare > 0 {
		l.CPUShare, set = r.MaxCPUShare, true
	}
	if r.MaxThreads > 0 {
		l.MaxThreads, set = r.MaxThreads, true
	}
	if r.MaxIPC > 0 {
		l.IPCQuota, set = r.MaxIPC, true
	}
	if r.MaxDuration > 0 {
		l.MaxDuration, set = r.MaxDuration, true
	}
	return l, set
}
