// Package constraints parses LDAP-style constraint filters (an RFC 4515
// subset) attached to Demands and Offers.
//
// Grammar:
//
//	filter  = "(" [ body ] ")"
//	body    = "&" filters | "|" filters | "!" filter | item
//	item    = attr op value
//	op      = "=" | "~=" | ">=" | "<=" | ">" | "<"
//
// An empty input and "()" both denote a filter that always holds. Values are
// kept raw; literal classification happens in the expression package.
package constraints

import (
	"fmt"
	"strings"
)

// Op identifies the kind of a filter node.
type Op int

// Filter operators.
const (
	OpEmpty Op = iota
	OpPresent
	OpEqual
	OpApprox
	OpGreater
	OpGreaterOrEqual
	OpLess
	OpLessOrEqual
	OpAnd
	OpOr
	OpNot
)

var opNames = map[Op]string{
	OpEmpty:          "empty",
	OpPresent:        "present",
	OpEqual:          "equal",
	OpApprox:         "approx",
	OpGreater:        "greater",
	OpGreaterOrEqual: "greater_or_equal",
	OpLess:           "less",
	OpLessOrEqual:    "less_or_equal",
	OpAnd:            "and",
	OpOr:             "or",
	OpNot:            "not",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", int(o))
}

var opSymbols = map[Op]string{
	OpEqual:          "=",
	OpApprox:         "~=",
	OpGreater:        ">",
	OpGreaterOrEqual: ">=",
	OpLess:           "<",
	OpLessOrEqual:    "<=",
}

// Filter is one node of a parsed constraint. Attr and Value are set on item
// nodes, Children on And/Or/Not.
type Filter struct {
	Op       Op
	Attr     string
	Value    string
	Children []Filter
}

// IsComposite reports whether f combines other filters.
func (f Filter) IsComposite() bool {
	return f.Op == OpAnd || f.Op == OpOr || f.Op == OpNot
}

// String renders f in filter syntax. Parse(f.String()) yields f again.
func (f Filter) String() string {
	var b strings.Builder
	f.write(&b)
	return b.String()
}

func (f Filter) write(b *strings.Builder) {
	b.WriteByte('(')
	switch f.Op {
	case OpEmpty:
	case OpPresent:
		b.WriteString(f.Attr)
		b.WriteString("=*")
	case OpAnd, OpOr, OpNot:
		switch f.Op {
		case OpAnd:
			b.WriteByte('&')
		case OpOr:
			b.WriteByte('|')
		default:
			b.WriteByte('!')
		}
		for _, c := range f.Children {
			c.write(b)
		}
	default:
		b.WriteString(f.Attr)
		b.WriteString(opSymbols[f.Op])
		b.WriteString(f.Value)
	}
	b.WriteByte(')')
}
