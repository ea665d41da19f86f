package negotiation

import (
	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
	"github.com/Mindburn-Labs/helm-market/pkg/expression"
	"github.com/Mindburn-Labs/helm-market/pkg/matcher"
)

func parseConstraints(s string) (expression.Expression, error) {
	return expression.Parse(s)
}

// matchContent runs the weak match of a demand against an offer.
func matchContent(demand, offer contracts.ProposalContent) (matcher.Match, error) {
	d, err := matcher.PrepareDemand(orEmpty(demand.Properties), demand.Constraints)
	if err != nil {
		return matcher.Match{}, err
	}
	o, err := matcher.PrepareOffer(orEmpty(offer.Properties), offer.Constraints)
	if err != nil {
		return matcher.Match{}, err
	}
	res, err := matcher.MatchWeak(d, o)
	if err != nil {
		return matcher.Match{}, err
	}
	return res.Simplify(), nil
}

func orEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func subscriptionContent(s *contracts.Subscription) contracts.ProposalContent {
	return contracts.ProposalContent{Properties: s.Properties, Constraints: s.Constraints}
}
