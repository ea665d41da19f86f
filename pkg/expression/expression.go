// Package expression holds the boolean constraint AST evaluated by the
// resolver, and the builder that derives it from a parsed filter.
package expression

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/helm-market/pkg/properties"
)

// Kind identifies an Expression variant.
type Kind int

// Expression kinds.
const (
	KindEmpty Kind = iota
	KindPresent
	KindEquals
	KindGreater
	KindGreaterEqual
	KindLess
	KindLessEqual
	KindNot
	KindAnd
	KindOr
)

var kindNames = [...]string{"Empty", "Present", "Equals", "Greater", "GreaterEqual", "Less", "LessEqual", "Not", "And", "Or"}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Expression is an immutable constraint AST node. Ref is set on Present and
// comparison nodes, Value on comparisons, Operands on Not (exactly one),
// And and Or.
type Expression struct {
	Kind     Kind
	Ref      properties.Ref
	Value    properties.Value
	Operands []Expression
}

// Empty returns the expression that always holds.
func Empty() Expression { return Expression{Kind: KindEmpty} }

// Present holds when ref resolves.
func Present(ref properties.Ref) Expression { return Expression{Kind: KindPresent, Ref: ref} }

// Equals compares ref with a literal.
func Equals(ref properties.Ref, v properties.Value) Expression {
	return Expression{Kind: KindEquals, Ref: ref, Value: v}
}

// Greater compares ref > v.
func Greater(ref properties.Ref, v properties.Value) Expression {
	return Expression{Kind: KindGreater, Ref: ref, Value: v}
}

// GreaterEqual compares ref >= v.
func GreaterEqual(ref properties.Ref, v properties.Value) Expression {
	return Expression{Kind: KindGreaterEqual, Ref: ref, Value: v}
}

// Less compares ref < v.
func Less(ref properties.Ref, v properties.Value) Expression {
	return Expression{Kind: KindLess, Ref: ref, Value: v}
}

// LessEqual compares ref <= v.
func LessEqual(ref properties.Ref, v properties.Value) Expression {
	return Expression{Kind: KindLessEqual, Ref: ref, Value: v}
}

// Not negates e.
func Not(e Expression) Expression { return Expression{Kind: KindNot, Operands: []Expression{e}} }

// And is the conjunction of operands.
func And(operands ...Expression) Expression {
	return Expression{Kind: KindAnd, Operands: append([]Expression(nil), operands...)}
}

// Or is the disjunction of operands.
func Or(operands ...Expression) Expression {
	return Expression{Kind: KindOr, Operands: append([]Expression(nil), operands...)}
}

// IsComparison reports whether e compares a reference with a literal.
func (e Expression) IsComparison() bool {
	switch e.Kind {
	case KindEquals, KindGreater, KindGreaterEqual, KindLess, KindLessEqual:
		return true
	}
	return false
}

// Refs returns the distinct property references used by e in first-use
// order.
func (e Expression) Refs() []properties.Ref {
	var out []properties.Ref
	seen := make(map[properties.Ref]bool)
	e.walk(func(n Expression) {
		if n.Kind == KindPresent || n.IsComparison() {
			if !seen[n.Ref] {
				seen[n.Ref] = true
				out = append(out, n.Ref)
			}
		}
	})
	return out
}

func (e Expression) walk(fn func(Expression)) {
	fn(e)
	for _, op := range e.Operands {
		op.walk(fn)
	}
}

var comparisonSymbols = map[Kind]string{
	KindEquals:       "=",
	KindGreater:      ">",
	KindGreaterEqual: ">=",
	KindLess:         "<",
	KindLessEqual:    "<=",
}

// String serializes e in constraint filter syntax. Parsing the result yields
// an expression that evaluates identically.
func (e Expression) String() string {
	var b strings.Builder
	e.write(&b)
	return b.String()
}

func (e Expression) write(b *strings.Builder) {
	switch e.Kind {
	case KindEmpty:
		b.WriteString("()")
	case KindPresent:
		b.WriteString("(" + e.Ref.String() + "=*)")
	case KindNot:
		b.WriteString("(!")
		e.Operands[0].write(b)
		b.WriteString(")")
	case KindAnd, KindOr:
		if len(e.Operands) == 0 {
			// Identity elements: And() holds, Or() never does.
			if e.Kind == KindAnd {
				b.WriteString("()")
			} else {
				b.WriteString("(!())")
			}
			return
		}
		if e.Kind == KindAnd {
			b.WriteString("(&")
		} else {
			b.WriteString("(|")
		}
		for _, op := range e.Operands {
			op.write(b)
		}
		b.WriteString(")")
	default:
		b.WriteString("(" + e.Ref.String() + comparisonSymbols[e.Kind] + e.Value.String() + ")")
	}
}
