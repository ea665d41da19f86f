package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-market/pkg/expression"
	"github.com/Mindburn-Labs/helm-market/pkg/properties"
)

func mustSet(t *testing.T, doc string) *properties.PropertySet {
	t.Helper()
	set, err := properties.PropertySetFromJSON([]byte(doc))
	require.NoError(t, err)
	return set
}

func resolve(t *testing.T, constraint string, set *properties.PropertySet) Result {
	t.Helper()
	r, err := Resolve(expression.MustParse(constraint), set)
	require.NoError(t, err)
	return r
}

const offerProps = `{
	"golem": {
		"inf": {"mem": {"gib": 8}, "cpu": {"threads": 4}},
		"runtime": {"name": "vm", "version": "v\"0.3.1\"", "capabilities": ["vpn", "gpu"]},
		"srv": {"comp": {"expiration": "t\"2030-01-01T00:00:00Z\""}}
	},
	"label": "12"
}`

func TestResolve_Leaves(t *testing.T) {
	set := mustSet(t, offerProps)
	tests := []struct {
		constraint string
		want       Outcome
	}{
		{"()", True},
		{"(golem.inf.mem.gib=*)", True},
		{"(golem.inf.gpu=*)", Undefined},
		{"(golem.inf.mem.gib>=4)", True},
		{"(golem.inf.mem.gib>8)", False},
		{"(golem.inf.mem.gib<=8)", True},
		{"(golem.inf.mem.gib<8)", False},
		{"(golem.inf.mem.gib=8)", True},
		{"(golem.runtime.name=vm)", True},
		{"(golem.runtime.name=v*)", True},
		{"(golem.runtime.name=wasm)", False},
		{`(golem.runtime.version>=v"0.3.0")`, True},
		{`(golem.runtime.version<v"0.3.0")`, False},
		{`(golem.srv.comp.expiration>t"2029-12-31T23:59:59Z")`, True},
		{"(golem.runtime.capabilities=gpu)", True},
		{"(golem.runtime.capabilities=[vpn,gpu])", True},
		{"(golem.runtime.capabilities=[gpu,vpn])", False},
		{"(golem.runtime.capabilities>1)", False},
		{"(golem.runtime.capabilities[count]=2)", True},
		{"(golem.runtime.capabilities[count]>=3)", False},
		{"(golem.inf.mem.gib=eight)", False},
		{"(label=12)", False},
		{"(label:Number=12)", True},
		{"(label:Number>11)", True},
		{"(golem.runtime.name:Number=1)", False},
		{"(golem.runtime.name:Number=*)", False},
	}
	for _, tt := range tests {
		t.Run(tt.constraint, func(t *testing.T) {
			assert.Equal(t, tt.want, resolve(t, tt.constraint, set).Outcome)
		})
	}
}

func TestResolve_UndefinedCarriesRefsAndResidual(t *testing.T) {
	set := mustSet(t, offerProps)

	r := resolve(t, "(&(golem.inf.mem.gib>=4)(golem.com.pricing.model=linear)(golem.inf.gpu.count>=1))", set)
	require.Equal(t, Undefined, r.Outcome)
	assert.Equal(t, []string{"golem.com.pricing.model", "golem.inf.gpu.count"}, r.RefNames())
	assert.Equal(t, "(&(golem.com.pricing.model=\"linear\")(golem.inf.gpu.count>=1))", r.Residual.String())
}

func TestResolve_FalseCarriesMismatches(t *testing.T) {
	set := mustSet(t, offerProps)

	r := resolve(t, "(&(golem.inf.mem.gib>=16)(golem.runtime.name=vm)(golem.inf.cpu.threads>=8))", set)
	require.Equal(t, False, r.Outcome)
	assert.Equal(t, []string{"golem.inf.mem.gib", "golem.inf.cpu.threads"}, r.RefNames())
}

func TestResolve_Dominance(t *testing.T) {
	set := mustSet(t, offerProps)

	and := resolve(t, "(&(golem.inf.mem.gib>=16)(missing=1))", set)
	assert.Equal(t, False, and.Outcome, "false dominates undefined in and")

	or := resolve(t, "(|(golem.inf.mem.gib>=4)(missing=1))", set)
	assert.Equal(t, True, or.Outcome, "true dominates undefined in or")
	assert.Empty(t, or.Refs)

	orUndef := resolve(t, "(|(golem.inf.mem.gib>=16)(missing=1)(other=*))", set)
	require.Equal(t, Undefined, orUndef.Outcome)
	assert.Equal(t, "(|(missing=1)(other=*))", orUndef.Residual.String())

	orFalse := resolve(t, "(|(golem.inf.mem.gib>=16)(golem.runtime.name=wasm))", set)
	assert.Equal(t, False, orFalse.Outcome)
	assert.Equal(t, []string{"golem.inf.mem.gib", "golem.runtime.name"}, orFalse.RefNames())
}

func TestResolve_Not(t *testing.T) {
	set := mustSet(t, offerProps)

	assert.Equal(t, False, resolve(t, "(!(golem.runtime.name=vm))", set).Outcome)
	assert.Equal(t, True, resolve(t, "(!(golem.runtime.name=wasm))", set).Outcome)

	r := resolve(t, "(!(&(golem.runtime.name=vm)(missing=1)))", set)
	require.Equal(t, Undefined, r.Outcome)
	assert.Equal(t, "(!(&(missing=1)))", r.Residual.String())
	assert.Equal(t, []string{"missing"}, r.RefNames())
}

func TestResolve_MultiRound(t *testing.T) {
	e := expression.MustParse("(&(golem.inf.mem.gib>=4)(|(golem.com.scheme=payu)(golem.com.scheme=payd))(!(golem.node.debug=*)))")

	first := mustSet(t, `{"golem":{"inf":{"mem":{"gib":8}}}}`)
	r1, err := Resolve(e, first)
	require.NoError(t, err)
	require.Equal(t, Undefined, r1.Outcome)

	for _, second := range []string{
		`{"golem":{"inf":{"mem":{"gib":8}},"com":{"scheme":"payu"}}}`,
		`{"golem":{"inf":{"mem":{"gib":8}},"com":{"scheme":"other"}}}`,
		`{"golem":{"inf":{"mem":{"gib":8}},"com":{"scheme":"payd"},"node":{"debug":true}}}`,
	} {
		t.Run(second, func(t *testing.T) {
			set := mustSet(t, second)
			full, err := Resolve(e, set)
			require.NoError(t, err)
			partial, err := Resolve(r1.Residual, set)
			require.NoError(t, err)
			assert.Equal(t, full.Outcome, partial.Outcome)
		})
	}
}

func TestResolve_Deterministic(t *testing.T) {
	set := mustSet(t, offerProps)
	e := expression.MustParse("(&(golem.inf.mem.gib>=4)(a=1)(|(b=*)(golem.runtime.name=wasm)))")
	r1, err := Resolve(e, set)
	require.NoError(t, err)
	r2, err := Resolve(e, set)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
}

func TestResolve_MalformedExpression(t *testing.T) {
	set := mustSet(t, `{}`)
	_, err := Resolve(expression.Expression{Kind: expression.KindNot}, set)
	require.Error(t, err)
	_, err = Resolve(expression.Expression{Kind: expression.Kind(99)}, set)
	require.Error(t, err)
}

func TestResolve_EmptyCombinators(t *testing.T) {
	set := mustSet(t, `{}`)
	r, err := Resolve(expression.And(), set)
	require.NoError(t, err)
	assert.Equal(t, True, r.Outcome)
	r, err = Resolve(expression.Or(), set)
	require.NoError(t, err)
	assert.Equal(t, False, r.Outcome)
}
