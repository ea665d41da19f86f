// Package resolver evaluates constraint expressions against a property set
// with three-valued logic.
//
// Missing properties do not fail an evaluation: they make it Undefined, and
// the result carries the references that were missing together with the
// residual part of the expression that still needs them. Evaluating that
// residual once the properties are known gives the same outcome as
// re-evaluating the whole expression.
//
// Within And a definite False dominates Undefined; within Or a definite True
// does. All operands are always evaluated so that every missing reference is
// reported.
package resolver

import (
	"fmt"

	"github.com/Mindburn-Labs/helm-market/pkg/expression"
	"github.com/Mindburn-Labs/helm-market/pkg/properties"
)

// Outcome is a three-valued truth value.
type Outcome int

// Outcomes.
const (
	True Outcome = iota
	False
	Undefined
)

func (o Outcome) String() string {
	switch o {
	case True:
		return "true"
	case False:
		return "false"
	case Undefined:
		return "undefined"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the outcome of one evaluation.
//
// For Undefined, Refs are the references missing from the property set; for
// False, the references whose comparisons failed. Residual is the part of the
// expression responsible for the outcome. A True result has neither.
type Result struct {
	Outcome  Outcome
	Refs     []properties.Ref
	Residual expression.Expression
}

// RefNames returns the property names of r.Refs.
func (r Result) RefNames() []string {
	names := make([]string, 0, len(r.Refs))
	seen := make(map[string]bool)
	for _, ref := range r.Refs {
		if !seen[ref.Name] {
			seen[ref.Name] = true
			names = append(names, ref.Name)
		}
	}
	return names
}

var trueResult = Result{Outcome: True, Residual: expression.Empty()}

// Resolve evaluates e against set. Errors only signal malformed expressions.
func Resolve(e expression.Expression, set *properties.PropertySet) (Result, error) {
	switch e.Kind {
	case expression.KindEmpty:
		return trueResult, nil
	case expression.KindPresent:
		v, ok := set.Lookup(e.Ref)
		if !ok {
			return undefined(e), nil
		}
		if _, fits := v.As(e.Ref.Type); !fits {
			return falseResult(e), nil
		}
		return trueResult, nil
	case expression.KindEquals, expression.KindGreater, expression.KindGreaterEqual,
		expression.KindLess, expression.KindLessEqual:
		return compare(e, set), nil
	case expression.KindNot:
		if len(e.Operands) != 1 {
			return Result{}, fmt.Errorf("resolver: not expects one operand, got %d", len(e.Operands))
		}
		inner, err := Resolve(e.Operands[0], set)
		if err != nil {
			return Result{}, err
		}
		switch inner.Outcome {
		case True:
			return Result{Outcome: False, Refs: e.Refs(), Residual: e}, nil
		case False:
			return trueResult, nil
		}
		return Result{Outcome: Undefined, Refs: inner.Refs, Residual: expression.Not(inner.Residual)}, nil
	case expression.KindAnd:
		return combine(e, set, False)
	case expression.KindOr:
		return combine(e, set, True)
	}
	return Result{}, fmt.Errorf("resolver: unsupported expression kind %s", e.Kind)
}

func compare(e expression.Expression, set *properties.PropertySet) Result {
	v, ok := set.Lookup(e.Ref)
	if !ok {
		return undefined(e)
	}
	v, ok = v.As(e.Ref.Type)
	if !ok {
		return falseResult(e)
	}
	var holds bool
	switch e.Kind {
	case expression.KindEquals:
		holds = v.Equals(e.Value)
	case expression.KindGreater:
		holds = v.Greater(e.Value)
	case expression.KindGreaterEqual:
		holds = v.GreaterEqual(e.Value)
	case expression.KindLess:
		holds = v.Less(e.Value)
	case expression.KindLessEqual:
		holds = v.LessEqual(e.Value)
	}
	if holds {
		return trueResult
	}
	return falseResult(e)
}

// combine evaluates And (dominant False) and Or (dominant True).
func combine(e expression.Expression, set *properties.PropertySet, dominant Outcome) (Result, error) {
	byOutcome := make(map[Outcome][]Result, 3)
	for _, op := range e.Operands {
		r, err := Resolve(op, set)
		if err != nil {
			return Result{}, err
		}
		byOutcome[r.Outcome] = append(byOutcome[r.Outcome], r)
	}

	switch {
	case len(byOutcome[dominant]) > 0:
		if dominant == True {
			return trueResult, nil
		}
		return merge(False, e.Kind, byOutcome[False]), nil
	case len(byOutcome[Undefined]) > 0:
		return merge(Undefined, e.Kind, byOutcome[Undefined]), nil
	case dominant == False:
		return trueResult, nil
	case len(byOutcome[False]) == 0:
		// Or over no operands.
		return Result{Outcome: False, Residual: e}, nil
	}
	return merge(False, e.Kind, byOutcome[False]), nil
}

func merge(outcome Outcome, kind expression.Kind, parts []Result) Result {
	residuals := make([]expression.Expression, len(parts))
	var refs []properties.Ref
	for i, p := range parts {
		residuals[i] = p.Residual
		refs = union(refs, p.Refs)
	}
	if kind == expression.KindAnd {
		return Result{Outcome: outcome, Refs: refs, Residual: expression.And(residuals...)}
	}
	return Result{Outcome: outcome, Refs: refs, Residual: expression.Or(residuals...)}
}

func undefined(e expression.Expression) Result {
	return Result{Outcome: Undefined, Refs: []properties.Ref{e.Ref}, Residual: e}
}

func falseResult(e expression.Expression) Result {
	return Result{Outcome: False, Refs: []properties.Ref{e.Ref}, Residual: e}
}

func union(dst, src []properties.Ref) []properties.Ref {
	for _, r := range src {
		dup := false
		for _, d := range dst {
			if d == r {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, r)
		}
	}
	return dst
}
