package expression

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-market/pkg/constraints"
	"github.com/Mindburn-Labs/helm-market/pkg/properties"
)

func ref(name string) properties.Ref { return properties.Ref{Name: name} }

func TestBuild(t *testing.T) {
	tests := []struct {
		in   string
		want Expression
	}{
		{"", Empty()},
		{"()", Empty()},
		{"(a=*)", Present(ref("a"))},
		{"(a=b)", Equals(ref("a"), properties.String("b"))},
		{"(a~=b*)", Equals(ref("a"), properties.MustParseLiteral("b*"))},
		{"(mem>=4)", GreaterEqual(ref("mem"), properties.Number(4))},
		{"(mem>4)", Greater(ref("mem"), properties.Number(4))},
		{"(mem<=4)", LessEqual(ref("mem"), properties.Number(4))},
		{"(mem<4)", Less(ref("mem"), properties.Number(4))},
		{"(!(a=true))", Not(Equals(ref("a"), properties.Bool(true)))},
		{
			"(&(a=1)(|(b=2)(c=*)))",
			And(
				Equals(ref("a"), properties.Number(1)),
				Or(Equals(ref("b"), properties.Number(2)), Present(ref("c"))),
			),
		},
		{
			"(caps[count]:Number>=2)",
			GreaterEqual(properties.Ref{Name: "caps", Aspect: "count", Type: properties.TypeNumber}, properties.Number(2)),
		},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuild_Errors(t *testing.T) {
	t.Run("syntax errors stay parse errors", func(t *testing.T) {
		_, err := Parse("(a=b")
		var perr *constraints.ParseError
		require.True(t, errors.As(err, &perr))
	})

	for _, in := range []string{`(a=t"nope")`, `(a=v"x")`, "(a:Matrix=1)", `(a="x)`, "(a[=1)"} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			require.Error(t, err)
			var eerr *Error
			var perr *constraints.ParseError
			assert.True(t, errors.As(err, &eerr) || errors.As(err, &perr), "got %T", err)
		})
	}

	t.Run("malformed not", func(t *testing.T) {
		_, err := Build(constraints.Filter{Op: constraints.OpNot})
		var eerr *Error
		require.True(t, errors.As(err, &eerr))
		assert.Contains(t, eerr.Msg, "exactly one")
	})

	t.Run("empty and", func(t *testing.T) {
		_, err := Build(constraints.Filter{Op: constraints.OpAnd})
		var eerr *Error
		require.True(t, errors.As(err, &eerr))
	})

	t.Run("literal error unwraps", func(t *testing.T) {
		_, err := Parse(`(a=v"x")`)
		require.ErrorIs(t, err, properties.ErrInvalidLiteral)
	})
}

func TestString_RoundTrip(t *testing.T) {
	for _, in := range []string{
		"()",
		"(a=b)",
		`(a="with (parens) and \"quotes\"")`,
		"(a=pre*suf)",
		`(a=x\*y)`,
		"(&(golem.inf.mem.gib>=0.5)(golem.inf.storage.gib<1e+06))",
		`(|(ts<t"2030-01-01T00:00:00Z")(ver>=v"1.2.3-beta"))`,
		"(!(caps=[vpn,gpu,3]))",
		"(caps[count]:Number>2)",
		"(!(flag=*))",
	} {
		t.Run(in, func(t *testing.T) {
			e := MustParse(in)
			again, err := Parse(e.String())
			require.NoError(t, err, e.String())
			assert.Equal(t, e, again)
			assert.Equal(t, e.String(), again.String())
		})
	}
}

func TestString_EmptyCombinators(t *testing.T) {
	assert.Equal(t, "()", And().String())
	assert.Equal(t, "(!())", Or().String())
}

func TestRefs(t *testing.T) {
	e := MustParse("(&(a=1)(|(b=2)(a=3))(!(c=*)))")
	assert.Equal(t, []properties.Ref{ref("a"), ref("b"), ref("c")}, e.Refs())
	assert.Empty(t, Empty().Refs())
}
