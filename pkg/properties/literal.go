package properties

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrInvalidLiteral is returned for literal text that cannot be classified.
var ErrInvalidLiteral = errors.New("invalid literal")

// ParseLiteral classifies literal text:
//
//	"..."        string (never a wildcard pattern)
//	t"..."       datetime (RFC 3339)
//	v"..."       semantic version
//	true, false  boolean
//	1, -2.5e3    number
//	[a,b,...]    list of literals
//	anything     bare string; unescaped '*' makes it a wildcard pattern
//
// Backslash escapes the following character in quoted and bare strings.
func ParseLiteral(text string) (Value, error) {
	s := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(s, `"`):
		str, err := unquote(s)
		if err != nil {
			return Value{}, err
		}
		return String(str), nil
	case strings.HasPrefix(s, `t"`):
		str, err := unquote(s[1:])
		if err != nil {
			return Value{}, err
		}
		ts, err := parseTime(str)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidLiteral, err)
		}
		return DateTime(ts), nil
	case strings.HasPrefix(s, `v"`):
		str, err := unquote(s[1:])
		if err != nil {
			return Value{}, err
		}
		ver, err := semver.NewVersion(str)
		if err != nil {
			return Value{}, fmt.Errorf("%w: version %q: %v", ErrInvalidLiteral, str, err)
		}
		return Version(ver), nil
	case strings.HasPrefix(s, "["):
		return parseList(s)
	case s == "true":
		return Bool(true), nil
	case s == "false":
		return Bool(false), nil
	}
	if f, ok := parseNumber(s); ok {
		return Number(f), nil
	}
	return parseBare(s)
}

// MustParseLiteral is ParseLiteral for static input; it panics on error.
func MustParseLiteral(text string) Value {
	v, err := ParseLiteral(text)
	if err != nil {
		panic(err)
	}
	return v
}

func parseList(s string) (Value, error) {
	if !strings.HasSuffix(s, "]") {
		return Value{}, fmt.Errorf("%w: unterminated list %q", ErrInvalidLiteral, s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return List(), nil
	}
	elems, err := splitTopLevel(body)
	if err != nil {
		return Value{}, err
	}
	items := make([]Value, 0, len(elems))
	for _, elem := range elems {
		v, err := ParseLiteral(elem)
		if err != nil {
			return Value{}, err
		}
		items = append(items, v)
	}
	return List(items...), nil
}

// splitTopLevel splits a list body on commas that are not nested inside
// quotes or brackets.
func splitTopLevel(body string) ([]string, error) {
	var (
		parts   []string
		depth   int
		inQuote bool
		start   int
	)
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\':
			i++
		case c == '"':
			inQuote = !inQuote
		case inQuote:
		case c == '[':
			depth++
		case c == ']':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced ']' in list", ErrInvalidLiteral)
			}
		case c == ',' && depth == 0:
			parts = append(parts, body[start:i])
			start = i + 1
		}
	}
	if inQuote {
		return nil, fmt.Errorf("%w: unterminated quote in list", ErrInvalidLiteral)
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: unbalanced '[' in list", ErrInvalidLiteral)
	}
	return append(parts, body[start:]), nil
}

func parseBare(s string) (Value, error) {
	var (
		segments []string
		cur      strings.Builder
		wildcard bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			if i+1 >= len(s) {
				return Value{}, fmt.Errorf("%w: dangling escape in %q", ErrInvalidLiteral, s)
			}
			i++
			cur.WriteByte(s[i])
		case '*':
			wildcard = true
			segments = append(segments, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if !wildcard {
		return String(cur.String()), nil
	}
	segments = append(segments, cur.String())
	return Value{typ: TypeString, str: strings.Join(segments, "*"), glob: segments}, nil
}

func unquote(s string) (string, error) {
	if len(s) < 2 || s[0] != '"' {
		return "", fmt.Errorf("%w: expected quoted string, got %q", ErrInvalidLiteral, s)
	}
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			if i+1 >= len(s) {
				return "", fmt.Errorf("%w: dangling escape in %q", ErrInvalidLiteral, s)
			}
			i++
			b.WriteByte(s[i])
		case '"':
			if i != len(s)-1 {
				return "", fmt.Errorf("%w: trailing characters after quoted string %q", ErrInvalidLiteral, s)
			}
			return b.String(), nil
		default:
			b.WriteByte(c)
		}
	}
	return "", fmt.Errorf("%w: unterminated quoted string %q", ErrInvalidLiteral, s)
}

func quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

func escapeBare(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '*', '(', ')', '[', ']', ',', '"':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
