// Package properties implements the flat property model shared by Demands and
// Offers: nested JSON property bags are flattened into dotted keys mapped to
// typed values, and constraint literals are parsed into the same value type so
// that comparisons never have to inspect untyped JSON.
package properties

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Type tags the variant held by a Value. TypeAny is only meaningful on
// property references, where it means "no expectation".
type Type int

// Type constants.
const (
	TypeAny Type = iota
	TypeString
	TypeNumber
	TypeBool
	TypeDateTime
	TypeVersion
	TypeList
)

var typeNames = map[Type]string{
	TypeAny:      "Any",
	TypeString:   "String",
	TypeNumber:   "Number",
	TypeBool:     "Boolean",
	TypeDateTime: "DateTime",
	TypeVersion:  "Version",
	TypeList:     "List",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType parses a type suffix name such as "Number" (case-insensitive).
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if strings.EqualFold(n, name) {
			return t, nil
		}
	}
	switch strings.ToLower(name) {
	case "str":
		return TypeString, nil
	case "bool":
		return TypeBool, nil
	}
	return TypeAny, fmt.Errorf("unknown property type %q", name)
}

// Value is an immutable typed property or literal value.
type Value struct {
	typ  Type
	str  string
	num  float64
	b    bool
	t    time.Time
	ver  *semver.Version
	list []Value
	// glob holds the literal segments around unescaped '*' wildcards. It is
	// only set on string literals parsed from constraint filters.
	glob []string
}

// String returns a string value.
func String(s string) Value { return Value{typ: TypeString, str: s} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{typ: TypeNumber, num: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{typ: TypeBool, b: b} }

// DateTime returns a timestamp value normalized to UTC.
func DateTime(t time.Time) Value { return Value{typ: TypeDateTime, t: t.UTC()} }

// Version returns a semantic version value.
func Version(v *semver.Version) Value { return Value{typ: TypeVersion, ver: v} }

// List returns a list value. The slice is copied.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{typ: TypeList, list: cp}
}

// Type reports the variant of v.
func (v Value) Type() Type { return v.typ }

// Str returns the string payload of a String value.
func (v Value) Str() string { return v.str }

// Num returns the numeric payload of a Number value.
func (v Value) Num() float64 { return v.num }

// Boolean returns the payload of a Bool value.
func (v Value) Boolean() bool { return v.b }

// Time returns the payload of a DateTime value.
func (v Value) Time() time.Time { return v.t }

// Semver returns the payload of a Version value.
func (v Value) Semver() *semver.Version { return v.ver }

// Items returns a copy of the elements of a List value.
func (v Value) Items() []Value {
	cp := make([]Value, len(v.list))
	copy(cp, v.list)
	return cp
}

// IsPattern reports whether v is a string literal containing wildcards.
func (v Value) IsPattern() bool { return v.glob != nil }

// Equals reports whether the property value v equals the literal lit.
//
// A List equals a list literal of the same length whose elements are equal
// pairwise, and also equals any literal that equals one of its elements.
// Values of different types are never equal.
func (v Value) Equals(lit Value) bool {
	if v.typ == TypeList {
		if lit.typ == TypeList {
			if len(v.list) == len(lit.list) {
				all := true
				for i := range v.list {
					if !v.list[i].Equals(lit.list[i]) {
						all = false
						break
					}
				}
				if all {
					return true
				}
			}
		}
		for _, item := range v.list {
			if item.Equals(lit) {
				return true
			}
		}
		return false
	}

	lit, ok := v.coerceLiteral(lit)
	if !ok {
		return false
	}
	switch v.typ {
	case TypeString:
		if lit.glob != nil {
			return globMatch(lit.glob, v.str)
		}
		return v.str == lit.str
	case TypeNumber:
		return v.num == lit.num
	case TypeBool:
		return v.b == lit.b
	case TypeDateTime:
		return v.t.Equal(lit.t)
	case TypeVersion:
		return v.ver.Equal(lit.ver)
	}
	return false
}

// Greater reports v > lit.
func (v Value) Greater(lit Value) bool {
	c, ok := v.compare(lit)
	return ok && c > 0
}

// GreaterEqual reports v >= lit.
func (v Value) GreaterEqual(lit Value) bool {
	c, ok := v.compare(lit)
	return ok && c >= 0
}

// Less reports v < lit.
func (v Value) Less(lit Value) bool {
	c, ok := v.compare(lit)
	return ok && c < 0
}

// LessEqual reports v <= lit.
func (v Value) LessEqual(lit Value) bool {
	c, ok := v.compare(lit)
	return ok && c <= 0
}

// compare orders v against lit. Lists, booleans, wildcard patterns and
// mismatched types are unordered.
func (v Value) compare(lit Value) (int, bool) {
	lit, ok := v.coerceLiteral(lit)
	if !ok {
		return 0, false
	}
	switch v.typ {
	case TypeNumber:
		switch {
		case v.num < lit.num:
			return -1, true
		case v.num > lit.num:
			return 1, true
		}
		return 0, true
	case TypeString:
		if lit.glob != nil {
			return 0, false
		}
		return strings.Compare(v.str, lit.str), true
	case TypeDateTime:
		return v.t.Compare(lit.t), true
	case TypeVersion:
		return v.ver.Compare(lit.ver), true
	}
	return 0, false
}

// coerceLiteral brings lit to the type of v. Only string literals are
// reinterpreted, and only for the string-encoded DateTime and Version types.
func (v Value) coerceLiteral(lit Value) (Value, bool) {
	if lit.typ == v.typ {
		return lit, true
	}
	if lit.typ != TypeString || lit.glob != nil {
		return Value{}, false
	}
	switch v.typ {
	case TypeDateTime, TypeVersion:
		return String(lit.str).As(v.typ)
	}
	return Value{}, false
}

// As converts v to type t. Values already of type t (or t == TypeAny) are
// returned unchanged; String values are parsed into scalar types. Any other
// conversion fails.
func (v Value) As(t Type) (Value, bool) {
	if t == TypeAny || t == v.typ {
		return v, true
	}
	if v.typ != TypeString {
		return Value{}, false
	}
	s := strings.TrimSpace(v.str)
	switch t {
	case TypeNumber:
		if f, ok := parseNumber(s); ok {
			return Number(f), true
		}
	case TypeBool:
		switch s {
		case "true":
			return Bool(true), true
		case "false":
			return Bool(false), true
		}
	case TypeDateTime:
		if ts, err := parseTime(s); err == nil {
			return DateTime(ts), true
		}
	case TypeVersion:
		if ver, err := semver.NewVersion(s); err == nil {
			return Version(ver), true
		}
	case TypeList:
		return List(v), true
	}
	return Value{}, false
}

// String renders v in literal syntax; ParseLiteral(v.String()) yields an
// equal value.
func (v Value) String() string {
	switch v.typ {
	case TypeString:
		if v.glob != nil {
			parts := make([]string, len(v.glob))
			for i, seg := range v.glob {
				parts[i] = escapeBare(seg)
			}
			return strings.Join(parts, "*")
		}
		return quote(v.str)
	case TypeNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.b)
	case TypeDateTime:
		return `t"` + v.t.Format(time.RFC3339Nano) + `"`
	case TypeVersion:
		return `v"` + v.ver.Original() + `"`
	case TypeList:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return ""
}

// Raw returns the JSON-compatible Go representation of v.
func (v Value) Raw() any {
	switch v.typ {
	case TypeString:
		return v.str
	case TypeNumber:
		return v.num
	case TypeBool:
		return v.b
	case TypeDateTime:
		return `t"` + v.t.Format(time.RFC3339Nano) + `"`
	case TypeVersion:
		return `v"` + v.ver.Original() + `"`
	case TypeList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Raw()
		}
		return out
	}
	return nil
}

func parseNumber(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	switch c := s[0]; {
	case c >= '0' && c <= '9', c == '-', c == '+', c == '.':
	default:
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", s)
}

func globMatch(segments []string, s string) bool {
	if len(segments) == 1 {
		return s == segments[0]
	}
	if !strings.HasPrefix(s, segments[0]) {
		return false
	}
	s = s[len(segments[0]):]
	last := segments[len(segments)-1]
	for _, seg := range segments[1 : len(segments)-1] {
		idx := strings.Index(s, seg)
		if idx < 0 {
			return false
		}
		s = s[idx+len(seg):]
	}
	return len(s) >= len(last) && strings.HasSuffix(s, last)
}
