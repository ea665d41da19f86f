package expression

import (
	"fmt"

	"github.com/Mindburn-Labs/helm-market/pkg/constraints"
	"github.com/Mindburn-Labs/helm-market/pkg/properties"
)

// Error reports a filter node that cannot be turned into an Expression.
type Error struct {
	Filter string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("expression %s: %s: %v", e.Filter, e.Msg, e.Err)
	}
	return fmt.Sprintf("expression %s: %s", e.Filter, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Parse parses a constraint string and builds its expression. Syntax errors
// are returned as *constraints.ParseError, conversion errors as *Error.
func Parse(constraint string) (Expression, error) {
	f, err := constraints.Parse(constraint)
	if err != nil {
		return Expression{}, err
	}
	return Build(f)
}

// MustParse is Parse for static constraints; it panics on error.
func MustParse(constraint string) Expression {
	e, err := Parse(constraint)
	if err != nil {
		panic(err)
	}
	return e
}

// Build converts a parsed filter into an Expression. Approximate matches
// become wildcard-aware equality.
func Build(f constraints.Filter) (Expression, error) {
	switch f.Op {
	case constraints.OpEmpty:
		return Empty(), nil
	case constraints.OpNot:
		if len(f.Children) != 1 {
			return Expression{}, &Error{Filter: f.String(), Msg: fmt.Sprintf("not requires exactly one operand, got %d", len(f.Children))}
		}
		inner, err := Build(f.Children[0])
		if err != nil {
			return Expression{}, err
		}
		return Not(inner), nil
	case constraints.OpAnd, constraints.OpOr:
		if len(f.Children) == 0 {
			return Expression{}, &Error{Filter: f.String(), Msg: f.Op.String() + " requires at least one operand"}
		}
		operands := make([]Expression, 0, len(f.Children))
		for _, c := range f.Children {
			e, err := Build(c)
			if err != nil {
				return Expression{}, err
			}
			operands = append(operands, e)
		}
		if f.Op == constraints.OpAnd {
			return And(operands...), nil
		}
		return Or(operands...), nil
	}

	ref, err := properties.ParseRef(f.Attr)
	if err != nil {
		return Expression{}, &Error{Filter: f.String(), Msg: "bad property reference", Err: err}
	}
	if f.Op == constraints.OpPresent {
		return Present(ref), nil
	}
	lit, err := properties.ParseLiteral(f.Value)
	if err != nil {
		return Expression{}, &Error{Filter: f.String(), Msg: "bad literal", Err: err}
	}

	switch f.Op {
	case constraints.OpEqual, constraints.OpApprox:
		return Equals(ref, lit), nil
	case constraints.OpGreater:
		return Greater(ref, lit), nil
	case constraints.OpGreaterOrEqual:
		return GreaterEqual(ref, lit), nil
	case constraints.OpLess:
		return Less(ref, lit), nil
	case constraints.OpLessOrEqual:
		return LessEqual(ref, lit), nil
	}
	return Expression{}, &Error{Filter: f.String(), Msg: "unsupported operator " + f.Op.String()}
}
