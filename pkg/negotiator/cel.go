package negotiator

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// TypeCELPolicy is the config type of CELPolicy.
const TypeCELPolicy = "cel-policy"

// CELPolicy rejects offers for which a boolean CEL expression is false. The
// expression sees the flattened properties of both sides as the maps
// `demand` and `offer`, keyed by dotted property name, and the constraint
// strings as `demand_constraints` and `offer_constraints`.
type CELPolicy struct {
	Base
	name    string
	expr    string
	message string
	final   bool
	prg     cel.Program
}

// NewCELPolicy compiles expr. A false result rejects with message.
func NewCELPolicy(name, expr, message string, final bool) (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("demand", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("offer", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("demand_constraints", cel.StringType),
		cel.Variable("offer_constraints", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression %q yields %s, want bool", expr, out)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	if message == "" {
		message = "policy not satisfied: " + expr
	}
	return &CELPolicy{name: name, expr: expr, message: message, final: final, prg: prg}, nil
}

func newCELPolicyFromParams(name string, params map[string]any) (Component, error) {
	expr, err := paramString(params, "expression", "")
	if err != nil {
		return nil, err
	}
	if expr == "" {
		return nil, fmt.Errorf("param expression is required")
	}
	message, err := paramString(params, "message", "")
	if err != nil {
		return nil, err
	}
	final, err := paramBool(params, "final")
	if err != nil {
		return nil, err
	}
	return NewCELPolicy(name, expr, message, final)
}

func (p *CELPolicy) Name() string { return p.name }

func (p *CELPolicy) NegotiateStep(ctx context.Context, demand, offer View) (Step, error) {
	out, _, err := p.prg.ContextEval(ctx, map[string]any{
		"demand":             nonNil(demand.Properties),
		"offer":              nonNil(offer.Properties),
		"demand_constraints": demand.Constraints,
		"offer_constraints":  offer.Constraints,
	})
	if err != nil {
		// A missing key is a policy miss, not a failure of the component.
		return Reject(p.name, fmt.Sprintf("%s (%v)", p.message, err), p.final), nil
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return Step{}, fmt.Errorf("expression %q yielded %T, want bool", p.expr, out.Value())
	}
	if !ok {
		return Reject(p.name, p.message, p.final), nil
	}
	return Ready(offer), nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
