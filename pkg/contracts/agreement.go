package contracts

import (
	"sort"
	"time"

	"github.com/Mindburn-Labs/helm-market/pkg/canonicalize"
)

// AgreementState is the lifecycle of an agreement.
type AgreementState string

// Agreement states.
const (
	AgreementProposal   AgreementState = "PROPOSAL"
	AgreementPending    AgreementState = "PENDING"
	AgreementApproved   AgreementState = "APPROVED"
	AgreementRejected   AgreementState = "REJECTED"
	AgreementCancelled  AgreementState = "CANCELLED"
	AgreementExpired    AgreementState = "EXPIRED"
	AgreementTerminated AgreementState = "TERMINATED"
)

// agreementTransitions lists the forward moves allowed from each state.
var agreementTransitions = map[AgreementState][]AgreementState{
	AgreementProposal: {AgreementPending, AgreementCancelled, AgreementExpired},
	AgreementPending:  {AgreementApproved, AgreementRejected, AgreementCancelled, AgreementExpired},
	AgreementApproved: {AgreementTerminated, AgreementExpired},
}

// CanTransition reports whether s may move to next.
func (s AgreementState) CanTransition(next AgreementState) bool {
	for _, allowed := range agreementTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s AgreementState) IsTerminal() bool { return len(agreementTransitions[s]) == 0 }

// Snapshot is the properties/constraints of one side frozen into an
// agreement.
type Snapshot = ProposalContent

// Agreement binds one provider and one requestor to the final pair of
// proposals.
type Agreement struct {
	// Identity
	ID               AgreementID `json:"id"`
	OfferProposalID  ProposalID  `json:"offer_proposal_id"`
	DemandProposalID ProposalID  `json:"demand_proposal_id"`
	OfferID          string      `json:"offer_id"`
	DemandID         string      `json:"demand_id"`
	ProviderID       string      `json:"provider_id"`
	RequestorID      string      `json:"requestor_id"`

	// Snapshots
	Offer  Snapshot `json:"offer"`
	Demand Snapshot `json:"demand"`

	// Timing
	ValidTo    time.Time  `json:"valid_to"`
	CreatedAt  time.Time  `json:"created_at"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`

	State AgreementState `json:"state"`

	// Signatures (hex, over SigningPayload)
	ProposedSignature  string `json:"proposed_signature,omitempty"`
	ApprovedSignature  string `json:"approved_signature,omitempty"`
	CommittedSignature string `json:"committed_signature,omitempty"`

	Reason *Reason `json:"reason,omitempty"`
}

// Transition moves a to next, failing with a StateError when the lifecycle
// does not allow it.
func (a *Agreement) Transition(next AgreementState) error {
	if !a.State.CanTransition(next) {
		var expected []string
		for from, tos := range agreementTransitions {
			for _, to := range tos {
				if to == next {
					expected = append(expected, string(from))
				}
			}
		}
		sort.Strings(expected)
		return &StateError{Entity: "agreement", ID: a.ID.String(), Expected: expected, Actual: string(a.State)}
	}
	a.State = next
	return nil
}

// ExpectState fails with a StateError unless a is in one of states.
func (a *Agreement) ExpectState(states ...AgreementState) error {
	for _, s := range states {
		if a.State == s {
			return nil
		}
	}
	expected := make([]string, len(states))
	for i, s := range states {
		expected[i] = string(s)
	}
	return &StateError{Entity: "agreement", ID: a.ID.String(), Expected: expected, Actual: string(a.State)}
}

// IsExpired reports whether valid_to has passed.
func (a *Agreement) IsExpired(now time.Time) bool { return !now.Before(a.ValidTo) }

// SigningPayload is the canonical content both parties sign. It uses
// owner-independent hashes so that both sides sign identical bytes.
func (a *Agreement) SigningPayload() ([]byte, error) {
	//nolint:wrapcheck // caller provides context
	return canonicalize.JCS(struct {
		ID          string   `json:"agreement"`
		OfferProp   string   `json:"offer_proposal"`
		DemandProp  string   `json:"demand_proposal"`
		OfferID     string   `json:"offer_id"`
		DemandID    string   `json:"demand_id"`
		ProviderID  string   `json:"provider_id"`
		RequestorID string   `json:"requestor_id"`
		Offer       Snapshot `json:"offer"`
		Demand      Snapshot `json:"demand"`
		ValidTo     int64    `json:"valid_to"`
		CreatedAt   int64    `json:"created_at"`
	}{
		a.ID.Hash, a.OfferProposalID.Hash, a.DemandProposalID.Hash,
		a.OfferID, a.DemandID, a.ProviderID, a.RequestorID,
		a.Offer, a.Demand,
		a.ValidTo.UnixMilli(), a.CreatedAt.UnixMilli(),
	})
}

// Translate returns a copy of a addressed from owner's perspective.
func (a *Agreement) Translate(owner Owner) *Agreement {
	cp := a.Clone()
	cp.ID = a.ID.Translate(owner)
	cp.OfferProposalID = a.OfferProposalID.Translate(owner)
	cp.DemandProposalID = a.DemandProposalID.Translate(owner)
	return cp
}

// Clone returns a deep copy.
func (a *Agreement) Clone() *Agreement {
	cp := *a
	cp.Offer.Properties = append([]byte(nil), a.Offer.Properties...)
	cp.Demand.Properties = append([]byte(nil), a.Demand.Properties...)
	if a.ApprovedAt != nil {
		t := *a.ApprovedAt
		cp.ApprovedAt = &t
	}
	if a.Reason != nil {
		r := *a.Reason
		cp.Reason = &r
	}
	return &cp
}
