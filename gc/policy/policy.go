// Package policy implements optional CEL-expression GC candidate filters
// layered on top of the mandatory grace-period rule (spec §4.H step 3).
//
// Grounded directly on the teacher's cel.Evaluator (cel/cel.go): same
// compile-once/eval-many shape, same "expression can't be empty" guard
// style, generalized from a two-map comparator to a
// single-record predicate over a registry entry's fields.
package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/yggdrasil-sh/core/registry"
)

// Policy holds a compiled CEL expression evaluated once per GC candidate.
// The expression must evaluate to a bool: true keeps the candidate eligible
// for sweep, false exempts it even though the mandatory grace-period and
// reachability checks passed.
type Policy struct {
	Expression string
	program    cel.Program
}

// Compile builds a Policy from a CEL expression over the variables
// system_id, branch, snapshot_id, message, metadata (map[string]string),
// and age_ms (candidate age in milliseconds at evaluation time).
func Compile(expression string) (*Policy, error) {
	if expression == "" {
		return nil, fmt.Errorf("policy: expression can't be empty")
	}

	env, err := cel.NewEnv(
		cel.Variable("system_id", cel.StringType),
		cel.Variable("branch", cel.StringType),
		cel.Variable("snapshot_id", cel.StringType),
		cel.Variable("message", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("age_ms", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: error creating CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: error compiling CEL expression: %w", issues.Err())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: error creating Program: %w", err)
	}
	return &Policy{Expression: expression, program: p}, nil
}

// Allows evaluates the policy against entry, with nowMS the evaluation
// instant used to compute age_ms.
func (p *Policy) Allows(entry registry.Entry, nowMS int64) (bool, error) {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	out, _, err := p.program.Eval(map[string]any{
		"system_id":   string(entry.SystemID),
		"branch":      string(entry.Branch),
		"snapshot_id": string(entry.SnapshotID),
		"message":     entry.Message,
		"metadata":    metadata,
		"age_ms":      nowMS - entry.HLC.Physical,
	})
	if err != nil {
		return false, fmt.Errorf("policy: error evaluating CEL expression: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: expression must evaluate to bool, got %T", out.Value())
	}
	return allowed, nil
}
