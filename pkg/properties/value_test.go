package properties

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLiteral(t *testing.T) {
	tests := []struct {
		name string
		in   string
		typ  Type
	}{
		{"bare string", "linux", TypeString},
		{"quoted string", `"42"`, TypeString},
		{"number", "42", TypeNumber},
		{"negative float", "-2.5e3", TypeNumber},
		{"boolean", "true", TypeBool},
		{"datetime", `t"2024-01-02T03:04:05Z"`, TypeDateTime},
		{"date only", `t"2024-01-02"`, TypeDateTime},
		{"version", `v"1.2.3"`, TypeVersion},
		{"list", `[a,"b",3]`, TypeList},
		{"empty list", "[]", TypeList},
		{"nested list", "[[1,2],[3]]", TypeList},
		{"empty", "", TypeString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseLiteral(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, v.Type())
		})
	}
}

func TestParseLiteral_Errors(t *testing.T) {
	for _, in := range []string{`"unterminated`, `t"not a date"`, `v"x.y"`, `[a,b`, `["a,b]`, `abc\`} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseLiteral(in)
			require.ErrorIs(t, err, ErrInvalidLiteral)
		})
	}
}

func TestLiteralRoundTrip(t *testing.T) {
	for _, in := range []string{`"a \"quoted\" \\ string"`, "12.5", "false", `t"2024-01-02T03:04:05.5Z"`, `v"2.0.0-rc.1"`, `["x",1,[true]]`, `img\*name*.wasm`} {
		t.Run(in, func(t *testing.T) {
			v := MustParseLiteral(in)
			again, err := ParseLiteral(v.String())
			require.NoError(t, err)
			assert.Equal(t, v.String(), again.String())
			assert.Equal(t, v.IsPattern(), again.IsPattern())
		})
	}
}

func TestValueEquals(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name string
		prop Value
		lit  string
		want bool
	}{
		{"string equal", String("vm"), "vm", true},
		{"string differs", String("vm"), "wasm", false},
		{"wildcard prefix", String("golem/runtime-1"), "golem/*", true},
		{"wildcard infix", String("golem/runtime-1"), "go*run*1", true},
		{"wildcard miss", String("golem/runtime-1"), "*wasm*", false},
		{"escaped star is literal", String("a*b"), `a\*b`, true},
		{"number equal", Number(4), "4", true},
		{"number vs string", Number(4), `"4"`, false},
		{"string vs number", String("4"), "4", false},
		{"bool", Bool(true), "true", true},
		{"datetime", DateTime(ts), `t"2024-01-02T03:04:05Z"`, true},
		{"datetime from bare string", DateTime(ts), "2024-01-02T03:04:05Z", true},
		{"version", MustParseLiteral(`v"1.2.3"`), `v"1.2.3"`, true},
		{"version from bare string", MustParseLiteral(`v"1.2.3"`), "1.2.3", true},
		{"version differs", MustParseLiteral(`v"1.2.3"`), `v"1.2.4"`, false},
		{"version from quoted string", MustParseLiteral(`v"1.2.3"`), `"1.2.3"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.prop.Equals(MustParseLiteral(tt.lit)))
		})
	}
}

func TestListEqualsIsOrderSensitiveButMembershipTolerant(t *testing.T) {
	list := List(String("a"), String("b"))

	assert.True(t, list.Equals(MustParseLiteral("[a,b]")))
	assert.False(t, list.Equals(MustParseLiteral("[b,a]")))
	assert.True(t, list.Equals(MustParseLiteral("a")))
	assert.True(t, list.Equals(MustParseLiteral("b")))
	assert.False(t, list.Equals(MustParseLiteral("c")))
	assert.False(t, list.Equals(MustParseLiteral("[a]")))
}

func TestListIsUnordered(t *testing.T) {
	list := List(Number(1), Number(2))
	for _, lit := range []string{"0", "5", "[1,2]"} {
		v := MustParseLiteral(lit)
		assert.False(t, list.Greater(v), lit)
		assert.False(t, list.GreaterEqual(v), lit)
		assert.False(t, list.Less(v), lit)
		assert.False(t, list.LessEqual(v), lit)
	}
}

func TestValueOrdering(t *testing.T) {
	assert.True(t, Number(8).Greater(Number(4)))
	assert.True(t, Number(4).GreaterEqual(Number(4)))
	assert.False(t, Number(4).Less(Number(4)))
	assert.True(t, Number(4).LessEqual(Number(4)))
	assert.False(t, Number(4).Greater(String("1")))

	v1 := MustParseLiteral(`v"1.10.0"`)
	assert.True(t, v1.Greater(MustParseLiteral(`v"1.9.0"`)))

	early := DateTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.True(t, early.Less(MustParseLiteral(`t"2024-06-01T00:00:00Z"`)))

	assert.False(t, Bool(true).Greater(Bool(false)))
	assert.False(t, String("abc").Greater(MustParseLiteral("a*")))
}

func TestValueAs(t *testing.T) {
	n, ok := String(" 12 ").As(TypeNumber)
	require.True(t, ok)
	assert.Equal(t, 12.0, n.Num())

	_, ok = String("twelve").As(TypeNumber)
	assert.False(t, ok)

	_, ok = Number(1).As(TypeString)
	assert.False(t, ok)

	ver, ok := String("1.2.3").As(TypeVersion)
	require.True(t, ok)
	assert.Equal(t, "1.2.3", ver.Semver().String())

	same, ok := Number(3).As(TypeAny)
	require.True(t, ok)
	assert.Equal(t, 3.0, same.Num())
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		in   string
		want Ref
	}{
		{"golem.inf.mem.gib", Ref{Name: "golem.inf.mem.gib"}},
		{"golem.inf.mem.gib:Number", Ref{Name: "golem.inf.mem.gib", Type: TypeNumber}},
		{"golem.runtime.capabilities[count]", Ref{Name: "golem.runtime.capabilities", Aspect: "count"}},
		{"x[unit]:string", Ref{Name: "x", Aspect: "unit", Type: TypeString}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRef(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			again, err := ParseRef(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}

	for _, bad := range []string{"", "[aspect]", "x:Matrix", "x[a", "x]", "x[]"} {
		_, err := ParseRef(bad)
		assert.ErrorIs(t, err, ErrInvalidRef, bad)
	}
}
