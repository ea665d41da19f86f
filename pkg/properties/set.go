package properties

import (
	"fmt"
	"sort"
	"strings"
)

// CountAspect is the implicit aspect exposing the length of a List property.
const CountAspect = "count"

// Property is one flattened key with its typed value.
type Property struct {
	Key   string
	Value Value
}

// PropertySet is the read-only flat view of one side's properties, ordered by
// key and indexed for lookup.
type PropertySet struct {
	props   []Property
	index   map[string]int
	aspects map[string]map[string]Value
}

// PropertySetFromJSON flattens JSON object text into a PropertySet.
func PropertySetFromJSON(data []byte) (*PropertySet, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	return PropertySetFromMap(obj)
}

// PropertySetFromMap flattens a decoded JSON object into a PropertySet.
func PropertySetFromMap(obj map[string]any) (*PropertySet, error) {
	flat, err := FlattenMap(obj)
	if err != nil {
		return nil, err
	}
	b := newBuilder()
	for _, key := range sortedKeys(flat) {
		v, err := valueFromJSON(flat[key])
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", key, err)
		}
		if err := b.add(key, v); err != nil {
			return nil, err
		}
	}
	return b.build(), nil
}

// NewPropertySet parses "key=value" lines as produced by Flatten.
func NewPropertySet(lines []string) (*PropertySet, error) {
	b := newBuilder()
	for _, line := range lines {
		key, text, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed property line %q: missing '='", line)
		}
		v, err := ParseLiteral(text)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", key, err)
		}
		if err := b.add(normalizeKey(strings.TrimSpace(key)), v); err != nil {
			return nil, err
		}
	}
	return b.build(), nil
}

// Get returns the value of a plain property key.
func (s *PropertySet) Get(key string) (Value, bool) {
	i, ok := s.index[key]
	if !ok {
		return Value{}, false
	}
	return s.props[i].Value, true
}

// Lookup resolves a reference, including aspects. Type expectations on the
// reference are not applied here.
func (s *PropertySet) Lookup(ref Ref) (Value, bool) {
	if ref.Aspect == "" {
		return s.Get(ref.Name)
	}
	if v, ok := s.aspects[ref.Name][ref.Aspect]; ok {
		return v, true
	}
	if ref.Aspect == CountAspect {
		if v, ok := s.Get(ref.Name); ok && v.Type() == TypeList {
			return Number(float64(len(v.list))), true
		}
	}
	return Value{}, false
}

// Len returns the number of properties, not counting aspects.
func (s *PropertySet) Len() int { return len(s.props) }

// Properties returns the properties ordered by key.
func (s *PropertySet) Properties() []Property {
	cp := make([]Property, len(s.props))
	copy(cp, s.props)
	return cp
}

// Lines renders the set, aspects included, as sorted "key=value" lines.
func (s *PropertySet) Lines() []string {
	lines := make([]string, 0, len(s.props))
	for _, p := range s.props {
		lines = append(lines, p.Key+"="+p.Value.String())
	}
	for name, aspects := range s.aspects {
		for aspect, v := range aspects {
			lines = append(lines, name+"["+aspect+"]="+v.String())
		}
	}
	sort.Strings(lines)
	return lines
}

type builder struct {
	set *PropertySet
}

func newBuilder() *builder {
	return &builder{set: &PropertySet{
		index:   make(map[string]int),
		aspects: make(map[string]map[string]Value),
	}}
}

func (b *builder) add(key string, v Value) error {
	name, aspect, err := splitAspect(key)
	if err != nil {
		return fmt.Errorf("property key %q: %w", key, err)
	}
	if aspect != "" {
		if _, dup := b.set.aspects[name][aspect]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
		}
		if b.set.aspects[name] == nil {
			b.set.aspects[name] = make(map[string]Value)
		}
		b.set.aspects[name][aspect] = v
		return nil
	}
	if _, dup := b.set.index[name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	b.set.index[name] = len(b.set.props)
	b.set.props = append(b.set.props, Property{Key: name, Value: v})
	return nil
}

func (b *builder) build() *PropertySet {
	sort.Slice(b.set.props, func(i, j int) bool { return b.set.props[i].Key < b.set.props[j].Key })
	for i, p := range b.set.props {
		b.set.index[p.Key] = i
	}
	return b.set
}
