// Package store persists market state: subscriptions, negotiations,
// proposals and agreements. Implementations give read-your-writes
// consistency within a process and return clones, never shared pointers.
package store

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
)

// ErrNotFound is returned by Load methods for unknown ids.
var ErrNotFound = contracts.ErrNotFound

// ProposalFilter selects proposals. Zero fields match everything.
type ProposalFilter struct {
	NegotiationID string
	States        []contracts.ProposalState
}

// AgreementFilter selects agreements. Zero fields match everything.
type AgreementFilter struct {
	States []contracts.AgreementState
}

// Repository is the persistence contract of the negotiation engine.
type Repository interface {
	SaveSubscription(ctx context.Context, s *contracts.Subscription) error
	LoadSubscription(ctx context.Context, id string) (*contracts.Subscription, error)
	// ListActiveSubscriptions returns subscriptions of kind that are neither
	// unsubscribed nor expired at now. An empty nodeID matches any owner.
	ListActiveSubscriptions(ctx context.Context, nodeID string, kind contracts.SubscriptionKind, now time.Time) ([]*contracts.Subscription, error)

	SaveNegotiation(ctx context.Context, n *contracts.Negotiation) error
	LoadNegotiation(ctx context.Context, id string) (*contracts.Negotiation, error)
	// FindNegotiation returns the negotiation for an offer/demand pair under
	// a local subscription.
	FindNegotiation(ctx context.Context, subscriptionID, offerID, demandID string) (*contracts.Negotiation, error)

	SaveProposal(ctx context.Context, p *contracts.Proposal) error
	LoadProposal(ctx context.Context, id contracts.ProposalID) (*contracts.Proposal, error)
	ListProposals(ctx context.Context, f ProposalFilter) ([]*contracts.Proposal, error)

	SaveAgreement(ctx context.Context, a *contracts.Agreement) error
	LoadAgreement(ctx context.Context, id contracts.AgreementID) (*contracts.Agreement, error)
	ListAgreements(ctx context.Context, f AgreementFilter) ([]*contracts.Agreement, error)

	// SaveAgreementChain stores a new agreement together with the proposal
	// it accepted and the negotiation that now points at it. Either all
	// three are written or none is.
	SaveAgreementChain(ctx context.Context, a *contracts.Agreement, p *contracts.Proposal, n *contracts.Negotiation) error
}

func proposalMatches(p *contracts.Proposal, f ProposalFilter) bool {
	if f.NegotiationID != "" && p.NegotiationID != f.NegotiationID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if p.State == s {
			return true
		}
	}
	return false
}

func agreementMatches(a *contracts.Agreement, f AgreementFilter) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if a.State == s {
			return true
		}
	}
	return false
}
