package properties

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidRef is returned for malformed property reference syntax.
var ErrInvalidRef = errors.New("invalid property reference")

// Ref names a property, optionally one of its aspects, and the type the
// referencing constraint expects. Its textual form is
// name[aspect]:Type, where both suffixes are optional.
type Ref struct {
	Name   string
	Aspect string
	Type   Type
}

// ParseRef parses an attribute name from a constraint filter.
func ParseRef(attr string) (Ref, error) {
	s := strings.TrimSpace(attr)
	var ref Ref

	if idx := strings.LastIndexByte(s, ':'); idx >= 0 && !strings.ContainsRune(s[idx:], ']') {
		t, err := ParseType(strings.TrimSpace(s[idx+1:]))
		if err != nil {
			return Ref{}, fmt.Errorf("%w %q: %v", ErrInvalidRef, attr, err)
		}
		ref.Type = t
		s = strings.TrimSpace(s[:idx])
	}

	name, aspect, err := splitAspect(s)
	if err != nil {
		return Ref{}, fmt.Errorf("%w %q: %v", ErrInvalidRef, attr, err)
	}
	if name == "" {
		return Ref{}, fmt.Errorf("%w %q: empty property name", ErrInvalidRef, attr)
	}
	ref.Name = normalizeKey(name)
	ref.Aspect = aspect
	return ref, nil
}

// String renders the reference in filter attribute syntax.
func (r Ref) String() string {
	s := r.Name
	if r.Aspect != "" {
		s += "[" + r.Aspect + "]"
	}
	if r.Type != TypeAny {
		s += ":" + r.Type.String()
	}
	return s
}

// splitAspect splits "name[aspect]" into its parts. A key without brackets
// has no aspect.
func splitAspect(key string) (name, aspect string, err error) {
	open := strings.IndexByte(key, '[')
	if open < 0 {
		if strings.ContainsRune(key, ']') {
			return "", "", errors.New("unbalanced ']'")
		}
		return key, "", nil
	}
	if !strings.HasSuffix(key, "]") {
		return "", "", errors.New("aspect must close the key")
	}
	aspect = key[open+1 : len(key)-1]
	if aspect == "" || strings.ContainsAny(aspect, "[]") {
		return "", "", fmt.Errorf("malformed aspect %q", aspect)
	}
	return key[:open], aspect, nil
}

func normalizeKey(key string) string {
	return norm.NFC.String(key)
}
