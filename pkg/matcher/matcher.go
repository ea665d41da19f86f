// Package matcher implements the weak match between a Demand and an Offer:
// each side's constraints are resolved against the other side's properties,
// never against its own.
package matcher

import (
	"fmt"

	"github.com/Mindburn-Labs/helm-market/pkg/expression"
	"github.com/Mindburn-Labs/helm-market/pkg/properties"
	"github.com/Mindburn-Labs/helm-market/pkg/resolver"
)

// Side names the Demand or the Offer.
type Side string

// Sides.
const (
	SideDemand Side = "demand"
	SideOffer  Side = "offer"
)

// Stage names the step that failed.
type Stage string

// Stages.
const (
	StageFlatten Stage = "flatten"
	StagePrepare Stage = "prepare"
	StageMatch   Stage = "match"
)

// Error wraps a failure preparing or matching one side.
type Error struct {
	Stage Stage
	Side  Side
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Side, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Prepared is one side ready for matching: flattened properties and built
// constraints.
type Prepared struct {
	Properties  *properties.PropertySet
	Constraints expression.Expression
}

// Prepare flattens propsJSON and builds constraints for one side.
func Prepare(side Side, propsJSON []byte, constraints string) (*Prepared, error) {
	set, err := properties.PropertySetFromJSON(propsJSON)
	if err != nil {
		return nil, &Error{Stage: StageFlatten, Side: side, Err: err}
	}
	expr, err := expression.Parse(constraints)
	if err != nil {
		return nil, &Error{Stage: StagePrepare, Side: side, Err: err}
	}
	return &Prepared{Properties: set, Constraints: expr}, nil
}

// PrepareDemand prepares the Demand side.
func PrepareDemand(propsJSON []byte, constraints string) (*Prepared, error) {
	return Prepare(SideDemand, propsJSON, constraints)
}

// PrepareOffer prepares the Offer side.
func PrepareOffer(propsJSON []byte, constraints string) (*Prepared, error) {
	return Prepare(SideOffer, propsJSON, constraints)
}

// Result is the weak-match verdict with both directions.
//
// Demand holds the Offer's constraints resolved against the Demand's
// properties, Offer the Demand's constraints against the Offer's properties.
type Result struct {
	Outcome resolver.Outcome
	Demand  resolver.Result
	Offer   resolver.Result
}

// MatchWeak resolves both directions. Undefined in either direction makes the
// whole match Undefined; otherwise any False makes it False.
func MatchWeak(demand, offer *Prepared) (Result, error) {
	offerSide, err := resolver.Resolve(demand.Constraints, offer.Properties)
	if err != nil {
		return Result{}, &Error{Stage: StageMatch, Side: SideDemand, Err: err}
	}
	demandSide, err := resolver.Resolve(offer.Constraints, demand.Properties)
	if err != nil {
		return Result{}, &Error{Stage: StageMatch, Side: SideOffer, Err: err}
	}

	res := Result{Demand: demandSide, Offer: offerSide}
	switch {
	case demandSide.Outcome == resolver.True && offerSide.Outcome == resolver.True:
		res.Outcome = resolver.True
	case demandSide.Outcome == resolver.Undefined || offerSide.Outcome == resolver.Undefined:
		res.Outcome = resolver.Undefined
	default:
		res.Outcome = resolver.False
	}
	return res, nil
}

// Kind is the simplified verdict for external callers.
type Kind int

// Match kinds.
const (
	Yes Kind = iota
	No
	Undefined
)

func (k Kind) String() string {
	switch k {
	case Yes:
		return "yes"
	case No:
		return "no"
	case Undefined:
		return "undefined"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Match is the simplified verdict. DemandMismatch names properties the
// Offer's constraints needed from the Demand; OfferMismatch the converse.
type Match struct {
	Kind           Kind
	DemandMismatch []string
	OfferMismatch  []string
}

// Simplify converts a Result into a Match. For Undefined verdicts only the
// Undefined directions report names.
func (r Result) Simplify() Match {
	switch r.Outcome {
	case resolver.True:
		return Match{Kind: Yes, DemandMismatch: []string{}, OfferMismatch: []string{}}
	case resolver.Undefined:
		return Match{
			Kind:           Undefined,
			DemandMismatch: namesIf(r.Demand, resolver.Undefined),
			OfferMismatch:  namesIf(r.Offer, resolver.Undefined),
		}
	}
	return Match{
		Kind:           No,
		DemandMismatch: namesIf(r.Demand, resolver.False),
		OfferMismatch:  namesIf(r.Offer, resolver.False),
	}
}

func namesIf(r resolver.Result, o resolver.Outcome) []string {
	if r.Outcome != o {
		return []string{}
	}
	return r.RefNames()
}

// MatchDemandOffer prepares both sides and returns the simplified verdict.
func MatchDemandOffer(demandProps, demandConstraints, offerProps, offerConstraints string) (Match, error) {
	demand, err := PrepareDemand([]byte(demandProps), demandConstraints)
	if err != nil {
		return Match{}, err
	}
	offer, err := PrepareOffer([]byte(offerProps), offerConstraints)
	if err != nil {
		return Match{}, err
	}
	res, err := MatchWeak(demand, offer)
	if err != nil {
		return Match{}, err
	}
	return res.Simplify(), nil
}
