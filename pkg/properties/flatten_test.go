package properties

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenJSON(t *testing.T) {
	lines, err := FlattenJSON([]byte(`{
		"golem": {
			"inf": {"mem": {"gib": 4.5}, "cpu": {"threads": 8}},
			"runtime": {"name": "vm", "capabilities": ["vpn", "gpu"]},
			"srv": {"caps": {"multi-activity": true}},
			"node": {"debug": null}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"golem.inf.cpu.threads=8",
		"golem.inf.mem.gib=4.5",
		`golem.runtime.capabilities=["vpn","gpu"]`,
		`golem.runtime.name="vm"`,
		"golem.srv.caps.multi-activity=true",
	}, lines)
}

func TestFlattenJSON_AlreadyFlat(t *testing.T) {
	nested, err := FlattenJSON([]byte(`{"a":{"b":1}}`))
	require.NoError(t, err)
	flat, err := FlattenJSON([]byte(`{"a.b":1}`))
	require.NoError(t, err)
	assert.Equal(t, nested, flat)
}

func TestFlattenJSON_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"array", `[1,2]`, ErrJSONObjectExpected},
		{"scalar", `"x"`, ErrJSONObjectExpected},
		{"empty", ``, ErrJSONObjectExpected},
		{"duplicate via nesting", `{"a.b":1,"a":{"b":2}}`, ErrDuplicateKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FlattenJSON([]byte(tt.in))
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := FlattenJSON([]byte(`{not json}`))
	require.Error(t, err)
}

func TestFlattenJSON_TypedStrings(t *testing.T) {
	set, err := PropertySetFromJSON([]byte(`{
		"expires": "t\"2030-01-01T00:00:00Z\"",
		"runtime.version": "v\"0.3.0\"",
		"plain": "t\"broken"
	}`))
	require.NoError(t, err)

	exp, ok := set.Get("expires")
	require.True(t, ok)
	assert.Equal(t, TypeDateTime, exp.Type())

	ver, ok := set.Get("runtime.version")
	require.True(t, ok)
	assert.Equal(t, TypeVersion, ver.Type())

	plain, ok := set.Get("plain")
	require.True(t, ok)
	assert.Equal(t, TypeString, plain.Type())
}

func TestFlattenMap(t *testing.T) {
	flat, err := FlattenMapJSON([]byte(`{"golem":{"com":{"pricing":{"model":{"linear":{"coeffs":[0.1,0.2,1.0]}}}}},"x":null}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"golem.com.pricing.model.linear.coeffs": []any{0.1, 0.2, 1.0},
	}, flat)
}

func TestPropertySetLookup(t *testing.T) {
	set, err := NewPropertySet([]string{
		`golem.runtime.capabilities=["vpn","gpu"]`,
		"golem.inf.mem.gib=8",
		"golem.inf.mem.gib[unit]=GiB",
		"note=a=b",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, set.Len())

	count, ok := set.Lookup(Ref{Name: "golem.runtime.capabilities", Aspect: CountAspect})
	require.True(t, ok)
	assert.Equal(t, 2.0, count.Num())

	unit, ok := set.Lookup(Ref{Name: "golem.inf.mem.gib", Aspect: "unit"})
	require.True(t, ok)
	assert.Equal(t, "GiB", unit.Str())

	_, ok = set.Lookup(Ref{Name: "golem.inf.mem.gib", Aspect: "scale"})
	assert.False(t, ok)

	note, ok := set.Get("note")
	require.True(t, ok)
	assert.Equal(t, "a=b", note.Str())

	_, err = NewPropertySet([]string{"a=1", "a=2"})
	require.ErrorIs(t, err, ErrDuplicateKey)

	_, err = NewPropertySet([]string{"novalue"})
	require.Error(t, err)
}

func TestPropertySetLinesRoundTrip(t *testing.T) {
	set, err := PropertySetFromJSON([]byte(`{"a":{"b":"x*y","c":[1,[2,3]]},"d":false}`))
	require.NoError(t, err)

	again, err := NewPropertySet(set.Lines())
	require.NoError(t, err)
	assert.Equal(t, set.Lines(), again.Lines())

	v, ok := again.Get("a.b")
	require.True(t, ok)
	assert.False(t, v.IsPattern(), "quoted property strings are never patterns")
}

func TestSchemaValidator(t *testing.T) {
	v, err := NewSchemaValidator("offer", `{
		"type": "object",
		"required": ["golem"],
		"properties": {"golem": {"type": "object"}}
	}`)
	require.NoError(t, err)

	require.NoError(t, v.ValidateJSON([]byte(`{"golem":{"inf":{"mem":{"gib":4}}}}`)))
	require.Error(t, v.ValidateJSON([]byte(`{"other":1}`)))
	require.ErrorIs(t, v.ValidateJSON([]byte(`[]`)), ErrJSONObjectExpected)

	_, err = NewSchemaValidator("broken", `{"type": 12}`)
	require.Error(t, err)
}
