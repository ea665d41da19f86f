package matcher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-market/pkg/constraints"
	"github.com/Mindburn-Labs/helm-market/pkg/properties"
	"github.com/Mindburn-Labs/helm-market/pkg/resolver"
)

func TestMatchDemandOffer_EmptyAlwaysMatches(t *testing.T) {
	m, err := MatchDemandOffer("{}", "()", "{}", "()")
	require.NoError(t, err)
	assert.Equal(t, Yes, m.Kind)

	m, err = MatchDemandOffer("{}", "", "{}", "  ")
	require.NoError(t, err)
	assert.Equal(t, Yes, m.Kind)
}

func TestMatchDemandOffer_MissingPropertyIsUndefined(t *testing.T) {
	m, err := MatchDemandOffer(`{"foo1":"bar"}`, "(qux=baz)", `{"qux":"baz"}`, "(foo=bar)")
	require.NoError(t, err)
	assert.Equal(t, Match{Kind: Undefined, DemandMismatch: []string{"foo"}, OfferMismatch: []string{}}, m)
}

func TestMatchDemandOffer_Scenarios(t *testing.T) {
	const offer = `{"golem":{"inf":{"mem":{"gib":8},"cpu":{"threads":4}},"runtime":{"name":"vm"},"com":{"scheme":"payu"}}}`
	const offerConstraints = "(&(golem.srv.comp.expiration>0)(golem.node.debug.subnet=public))"
	const demand = `{"golem":{"srv":{"comp":{"expiration":1700000000000}},"node":{"debug":{"subnet":"public"}}}}`

	tests := []struct {
		name              string
		demand            string
		demandConstraints string
		want              Match
	}{
		{
			name:              "both sides satisfied",
			demand:            demand,
			demandConstraints: "(&(golem.inf.mem.gib>=4)(golem.runtime.name=vm))",
			want:              Match{Kind: Yes, DemandMismatch: []string{}, OfferMismatch: []string{}},
		},
		{
			name:              "offer fails demand constraint",
			demand:            demand,
			demandConstraints: "(golem.inf.mem.gib>=16)",
			want:              Match{Kind: No, DemandMismatch: []string{}, OfferMismatch: []string{"golem.inf.mem.gib"}},
		},
		{
			name:              "demand lacks subnet",
			demand:            `{"golem":{"srv":{"comp":{"expiration":1}}}}`,
			demandConstraints: "(golem.inf.mem.gib>=4)",
			want:              Match{Kind: Undefined, DemandMismatch: []string{"golem.node.debug.subnet"}, OfferMismatch: []string{}},
		},
		{
			name:              "undefined dominates false across directions",
			demand:            `{"golem":{"srv":{"comp":{"expiration":1}}}}`,
			demandConstraints: "(golem.inf.mem.gib>=16)",
			want:              Match{Kind: Undefined, DemandMismatch: []string{"golem.node.debug.subnet"}, OfferMismatch: []string{}},
		},
		{
			name:              "own properties are not checked against own constraints",
			demand:            `{"golem":{"srv":{"comp":{"expiration":1}},"node":{"debug":{"subnet":"public"}},"inf":{"mem":{"gib":1}}}}`,
			demandConstraints: "(golem.inf.mem.gib>=4)",
			want:              Match{Kind: Yes, DemandMismatch: []string{}, OfferMismatch: []string{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := MatchDemandOffer(tt.demand, tt.demandConstraints, offer, offerConstraints)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m)
		})
	}
}

func TestMatchDemandOffer_Errors(t *testing.T) {
	tests := []struct {
		name  string
		args  [4]string
		stage Stage
		side  Side
	}{
		{"demand not an object", [4]string{"[]", "()", "{}", "()"}, StageFlatten, SideDemand},
		{"offer bad json", [4]string{"{}", "()", "{", "()"}, StageFlatten, SideOffer},
		{"demand bad filter", [4]string{"{}", "(a=b", "{}", "()"}, StagePrepare, SideDemand},
		{"offer bad literal", [4]string{"{}", "()", "{}", `(a=t"x")`}, StagePrepare, SideOffer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MatchDemandOffer(tt.args[0], tt.args[1], tt.args[2], tt.args[3])
			var merr *Error
			require.True(t, errors.As(err, &merr), "got %v", err)
			assert.Equal(t, tt.stage, merr.Stage)
			assert.Equal(t, tt.side, merr.Side)
		})
	}

	_, err := MatchDemandOffer("{}", "(a=b", "{}", "()")
	var perr *constraints.ParseError
	assert.True(t, errors.As(err, &perr))

	_, err = MatchDemandOffer("[]", "()", "{}", "()")
	assert.ErrorIs(t, err, properties.ErrJSONObjectExpected)
}

func TestMatchWeak_CarriesResiduals(t *testing.T) {
	demand, err := PrepareDemand([]byte(`{"a":1}`), "(&(x=1)(y=*))")
	require.NoError(t, err)
	offer, err := PrepareOffer([]byte(`{"x":1}`), "(b=2)")
	require.NoError(t, err)

	res, err := MatchWeak(demand, offer)
	require.NoError(t, err)
	assert.Equal(t, resolver.Undefined, res.Outcome)
	assert.Equal(t, resolver.Undefined, res.Demand.Outcome)
	assert.Equal(t, "(b=2)", res.Demand.Residual.String())
	assert.Equal(t, resolver.Undefined, res.Offer.Outcome)
	assert.Equal(t, "(&(y=*))", res.Offer.Residual.String())

	m := res.Simplify()
	assert.Equal(t, []string{"b"}, m.DemandMismatch)
	assert.Equal(t, []string{"y"}, m.OfferMismatch)
}
