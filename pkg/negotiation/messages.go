package negotiation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
	"github.com/Mindburn-Labs/helm-market/pkg/observability"
	"github.com/Mindburn-Labs/helm-market/pkg/transport"
)

// Message bodies. Ids are written from the sender's perspective; receivers
// translate them to their own owner tag.

type offerPublished struct {
	Offer *contracts.Subscription `json:"offer"`
}

type offerUnsubscribed struct {
	SubscriptionID string `json:"subscription_id"`
}

type pair struct {
	OfferID     string `json:"offer_id"`
	DemandID    string `json:"demand_id"`
	ProviderID  string `json:"provider_id"`
	RequestorID string `json:"requestor_id"`
}

type proposalSent struct {
	pair
	ID        contracts.ProposalID      `json:"id"`
	PrevID    contracts.ProposalID      `json:"prev_id"`
	Content   contracts.ProposalContent `json:"content"`
	CreatedAt time.Time                 `json:"created_at"`
	ExpiresAt time.Time                 `json:"expires_at"`
}

type proposalRejected struct {
	pair
	ProposalID contracts.ProposalID `json:"proposal_id"`
	Reason     *contracts.Reason    `json:"reason,omitempty"`
	Final      bool                 `json:"final,omitempty"`
}

type agreementProposed struct {
	Agreement *contracts.Agreement `json:"agreement"`
}

type agreementUpdate struct {
	AgreementID contracts.AgreementID `json:"agreement_id"`
	Signature   string                `json:"signature,omitempty"`
	At          time.Time             `json:"at"`
	Reason      *contracts.Reason     `json:"reason,omitempty"`
}

// HandleMessage processes an inbound protocol message. Errors are reported
// to the sender as contracts.RemoteError by the transport.
func (e *Engine) HandleMessage(ctx context.Context, msg transport.Message) (err error) {
	ctx, done := e.track(ctx, "handle_message", observability.MessageOperation(e.roleName(), string(msg.Type), msg.From)...)
	defer func() { done(err) }()

	switch msg.Type {
	case transport.MsgOfferPublished:
		var body offerPublished
		if err := decode(msg, &body); err != nil {
			return err
		}
		return e.handleOfferPublished(ctx, msg.From, body)
	case transport.MsgOfferUnsubscribed:
		var body offerUnsubscribed
		if err := decode(msg, &body); err != nil {
			return err
		}
		return e.handleOfferUnsubscribed(ctx, msg.From, body)
	case transport.MsgProposal:
		var body proposalSent
		if err := decode(msg, &body); err != nil {
			return err
		}
		return e.handleProposal(ctx, msg.From, body)
	case transport.MsgProposalRejected:
		var body proposalRejected
		if err := decode(msg, &body); err != nil {
			return err
		}
		return e.handleProposalRejected(ctx, msg.From, body)
	case transport.MsgAgreementProposed:
		var body agreementProposed
		if err := decode(msg, &body); err != nil {
			return err
		}
		return e.handleAgreementProposed(ctx, msg.From, body)
	case transport.MsgAgreementApproved, transport.MsgAgreementRejected,
		transport.MsgAgreementCancelled, transport.MsgAgreementTerminated:
		var body agreementUpdate
		if err := decode(msg, &body); err != nil {
			return err
		}
		return e.handleAgreementUpdate(ctx, msg.From, msg.Type, body)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func decode(msg transport.Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	return nil
}

// expectRole rejects messages that only the other role may receive.
func (e *Engine) expectRole(role contracts.Owner, typ transport.MessageType) error {
	if e.role != role {
		return fmt.Errorf("%s is not accepted by a %s: %w", typ, e.role, &contracts.StateError{
			Entity: "node", ID: shortID(e.NodeID()), Expected: []string{role.String()}, Actual: e.role.String(),
		})
	}
	return nil
}

// checkSender verifies that from is the peer named by p.
func (e *Engine) checkSender(from string, p pair) error {
	peer := p.ProviderID
	if e.role == contracts.OwnerProvider {
		peer = p.RequestorID
	}
	if from != peer {
		return fmt.Errorf("message from %s claims to come from %s: %w", shortID(from), shortID(peer), contracts.ErrInvalidSignature)
	}
	return nil
}

// localSubID is the subscription of the pair that this node owns.
func (e *Engine) localSubID(p pair) string {
	if e.role == contracts.OwnerProvider {
		return p.OfferID
	}
	return p.DemandID
}
