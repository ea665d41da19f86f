package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Negotiation is one Offer/Demand pair as seen by one side. It owns the
// proposal chain exchanged for that pair.
type Negotiation struct {
	ID             string `json:"id"`
	Owner          Owner  `json:"owner"`
	SubscriptionID string `json:"subscription_id"`
	OfferID        string `json:"offer_id"`
	DemandID       string `json:"demand_id"`
	ProviderID     string `json:"provider_id"`
	RequestorID    string `json:"requestor_id"`

	AgreementID *AgreementID `json:"agreement_id,omitempty"`

	// FinalRejection is set once a negotiator rejected the pair for good; no
	// further proposals are accepted on this chain.
	FinalRejection *Reason `json:"final_rejection,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// PeerID returns the node on the other side of the negotiation.
func (n *Negotiation) PeerID() string {
	if n.Owner == OwnerProvider {
		return n.RequestorID
	}
	return n.ProviderID
}

// Clone returns a deep copy.
func (n *Negotiation) Clone() *Negotiation {
	cp := *n
	if n.AgreementID != nil {
		id := *n.AgreementID
		cp.AgreementID = &id
	}
	if n.FinalRejection != nil {
		r := *n.FinalRejection
		cp.FinalRejection = &r
	}
	return &cp
}

// Issuer tells whether a proposal was produced locally or by the peer.
type Issuer string

// Issuers.
const (
	IssuerUs   Issuer = "US"
	IssuerThem Issuer = "THEM"
)

// ProposalState is the lifecycle of a single proposal.
type ProposalState string

// Proposal states.
const (
	ProposalInitial  ProposalState = "INITIAL"
	ProposalDraft    ProposalState = "DRAFT"
	ProposalRejected ProposalState = "REJECTED"
	ProposalAccepted ProposalState = "ACCEPTED"
	ProposalExpired  ProposalState = "EXPIRED"
)

// IsOpen reports whether a proposal in state s can still be countered,
// rejected or accepted.
func (s ProposalState) IsOpen() bool { return s == ProposalInitial || s == ProposalDraft }

// ProposalContent is the properties/constraints snapshot of one step.
type ProposalContent struct {
	Properties  json.RawMessage `json:"properties" cbor:"properties"`
	Constraints string          `json:"constraints" cbor:"constraints"`
}

// Proposal is one step in a negotiation chain.
type Proposal struct {
	ID            ProposalID  `json:"id"`
	PrevID        *ProposalID `json:"prev_id,omitempty"`
	NegotiationID string      `json:"negotiation_id"`
	Issuer        Issuer      `json:"issuer"`

	ProposalContent

	State     ProposalState `json:"state"`
	Countered bool          `json:"countered,omitempty"`
	Reason    *Reason       `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpectState fails with a StateError unless p is in one of states.
func (p *Proposal) ExpectState(states ...ProposalState) error {
	for _, s := range states {
		if p.State == s {
			return nil
		}
	}
	expected := make([]string, len(states))
	for i, s := range states {
		expected[i] = string(s)
	}
	return &StateError{Entity: "proposal", ID: p.ID.String(), Expected: expected, Actual: string(p.State)}
}

// CheckCounterable validates that p can be countered by us at now.
func (p *Proposal) CheckCounterable(now time.Time) error {
	if p.Issuer != IssuerThem {
		return fmt.Errorf("proposal %s was issued by us: %w", p.ID, &StateError{
			Entity: "proposal", ID: p.ID.String(), Expected: []string{string(IssuerThem)}, Actual: string(p.Issuer),
		})
	}
	if err := p.ExpectState(ProposalInitial, ProposalDraft); err != nil {
		return err
	}
	if p.Countered {
		return fmt.Errorf("proposal %s: %w", p.ID, ErrAlreadyCountered)
	}
	if p.IsExpired(now) {
		return fmt.Errorf("proposal %s: %w", p.ID, ErrExpired)
	}
	return nil
}

// IsExpired reports whether p's deadline has passed.
func (p *Proposal) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// Clone returns a deep copy.
func (p *Proposal) Clone() *Proposal {
	cp := *p
	if p.PrevID != nil {
		prev := *p.PrevID
		cp.PrevID = &prev
	}
	cp.Properties = append(json.RawMessage(nil), p.Properties...)
	if p.Reason != nil {
		r := *p.Reason
		cp.Reason = &r
	}
	return &cp
}
