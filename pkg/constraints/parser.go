package constraints

import (
	"fmt"
	"strings"
)

// ParseError reports malformed filter syntax. Pos is a byte offset into the
// input.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("constraints: %s at offset %d", e.Msg, e.Pos)
}

// Parse parses a constraint filter.
func Parse(input string) (Filter, error) {
	p := &parser{src: input}
	p.skipSpace()
	if p.eof() {
		return Filter{Op: OpEmpty}, nil
	}
	f, err := p.filter()
	if err != nil {
		return Filter{}, err
	}
	p.skipSpace()
	if !p.eof() {
		return Filter{}, p.errorf("unexpected trailing input %q", p.src[p.pos:])
	}
	return f, nil
}

// MustParse is Parse for static filters; it panics on error.
func MustParse(input string) Filter {
	f, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return f
}

type parser struct {
	src string
	pos int
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) skipSpace() {
	for !p.eof() {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) errorf(format string, args ...any) error {
	return &ParseError{Pos: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(c byte) error {
	p.skipSpace()
	if p.peek() != c {
		if p.eof() {
			return p.errorf("expected %q, got end of input", c)
		}
		return p.errorf("expected %q, got %q", c, p.peek())
	}
	p.pos++
	return nil
}

func (p *parser) filter() (Filter, error) {
	if err := p.expect('('); err != nil {
		return Filter{}, err
	}
	p.skipSpace()

	var f Filter
	switch p.peek() {
	case ')':
		f = Filter{Op: OpEmpty}
	case '&', '|', '!':
		op := map[byte]Op{'&': OpAnd, '|': OpOr, '!': OpNot}[p.peek()]
		start := p.pos
		p.pos++
		children, err := p.children()
		if err != nil {
			return Filter{}, err
		}
		switch {
		case op == OpNot && len(children) != 1:
			return Filter{}, &ParseError{Pos: start, Msg: fmt.Sprintf("'!' must wrap exactly one filter, got %d", len(children))}
		case len(children) == 0:
			return Filter{}, &ParseError{Pos: start, Msg: fmt.Sprintf("'%c' requires at least one filter", p.src[start])}
		}
		f = Filter{Op: op, Children: children}
	default:
		item, err := p.item()
		if err != nil {
			return Filter{}, err
		}
		f = item
	}

	if err := p.expect(')'); err != nil {
		return Filter{}, err
	}
	return f, nil
}

func (p *parser) children() ([]Filter, error) {
	var out []Filter
	for {
		p.skipSpace()
		if p.peek() != '(' {
			return out, nil
		}
		child, err := p.filter()
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
}

func (p *parser) item() (Filter, error) {
	start := p.pos
	for !p.eof() && !strings.ContainsRune("=<>~()", rune(p.peek())) {
		p.pos++
	}
	attr := strings.TrimSpace(p.src[start:p.pos])
	if attr == "" {
		return Filter{}, &ParseError{Pos: start, Msg: "empty attribute name"}
	}

	var op Op
	switch {
	case strings.HasPrefix(p.src[p.pos:], ">="):
		op, p.pos = OpGreaterOrEqual, p.pos+2
	case strings.HasPrefix(p.src[p.pos:], "<="):
		op, p.pos = OpLessOrEqual, p.pos+2
	case strings.HasPrefix(p.src[p.pos:], "~="):
		op, p.pos = OpApprox, p.pos+2
	case p.peek() == '>':
		op, p.pos = OpGreater, p.pos+1
	case p.peek() == '<':
		op, p.pos = OpLess, p.pos+1
	case p.peek() == '=':
		op, p.pos = OpEqual, p.pos+1
	default:
		return Filter{}, p.errorf("missing operator after attribute %q", attr)
	}

	value, err := p.value()
	if err != nil {
		return Filter{}, err
	}
	if op == OpEqual && value == "*" {
		return Filter{Op: OpPresent, Attr: attr}, nil
	}
	return Filter{Op: op, Attr: attr, Value: value}, nil
}

// value scans up to the closing parenthesis of the item. Backslash escapes
// are kept for the literal parser; parentheses are allowed inside quotes.
func (p *parser) value() (string, error) {
	start := p.pos
	inQuote := false
	for !p.eof() {
		c := p.peek()
		switch {
		case c == '\\':
			if p.pos+1 >= len(p.src) {
				return "", p.errorf("dangling escape")
			}
			p.pos += 2
			continue
		case c == '"':
			inQuote = !inQuote
		case inQuote:
		case c == ')':
			return strings.TrimSpace(p.src[start:p.pos]), nil
		case c == '(':
			return "", p.errorf("unescaped '(' in value")
		}
		p.pos++
	}
	if inQuote {
		return "", p.errorf("unterminated quoted value")
	}
	return "", p.errorf("expected ')', got end of input")
}
