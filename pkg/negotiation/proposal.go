package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
	"github.com/Mindburn-Labs/helm-market/pkg/negotiator"
	"github.com/Mindburn-Labs/helm-market/pkg/observability"
	"github.com/Mindburn-Labs/helm-market/pkg/store"
	"github.com/Mindburn-Labs/helm-market/pkg/transport"
)

// GetProposal loads a proposal by id. Ids tagged for the other side are
// translated first.
func (e *Engine) GetProposal(ctx context.Context, id contracts.ProposalID) (*contracts.Proposal, error) {
	p, err := e.repo.LoadProposal(ctx, id.Translate(e.role))
	if err != nil {
		return nil, opErr("get_proposal", id.String(), err)
	}
	return p, nil
}

// ListProposals returns the proposal chain of a negotiation, oldest first.
func (e *Engine) ListProposals(ctx context.Context, negotiationID string, states ...contracts.ProposalState) ([]*contracts.Proposal, error) {
	ps, err := e.repo.ListProposals(ctx, store.ProposalFilter{NegotiationID: negotiationID, States: states})
	if err != nil {
		return nil, opErr("list_proposals", negotiationID, err)
	}
	return ps, nil
}

// GetNegotiation loads the negotiation a proposal belongs to.
func (e *Engine) GetNegotiation(ctx context.Context, proposalID contracts.ProposalID) (*contracts.Negotiation, error) {
	p, err := e.repo.LoadProposal(ctx, proposalID.Translate(e.role))
	if err != nil {
		return nil, opErr("get_negotiation", proposalID.String(), err)
	}
	neg, err := e.repo.LoadNegotiation(ctx, p.NegotiationID)
	if err != nil {
		return nil, opErr("get_negotiation", proposalID.String(), err)
	}
	return neg, nil
}

// loadChain loads a proposal together with its negotiation and checks that
// the negotiation belongs to subID.
func (e *Engine) loadChain(ctx context.Context, subID string, id contracts.ProposalID) (*contracts.Proposal, *contracts.Negotiation, error) {
	p, err := e.repo.LoadProposal(ctx, id.Translate(e.role))
	if err != nil {
		return nil, nil, err
	}
	neg, err := e.repo.LoadNegotiation(ctx, p.NegotiationID)
	if err != nil {
		return nil, nil, err
	}
	if neg.SubscriptionID != subID {
		return nil, nil, fmt.Errorf("proposal %s in subscription %s: %w", id, shortID(subID), contracts.ErrNotFound)
	}
	return p, neg, nil
}

func pairOf(neg *contracts.Negotiation) pair {
	return pair{OfferID: neg.OfferID, DemandID: neg.DemandID, ProviderID: neg.ProviderID, RequestorID: neg.RequestorID}
}

// CounterProposal answers the peer's proposal prevID with new content. On a
// provider the negotiator chain decides first: Ready and Negotiating send
// the (possibly adjusted) content, Reject rejects prevID and returns a
// *negotiator.RejectError. Nothing is persisted when delivery fails.
func (e *Engine) CounterProposal(ctx context.Context, subID string, prevID contracts.ProposalID, content contracts.ProposalContent) (_ *contracts.Proposal, err error) {
	const op = "counter_proposal"
	ctx, done := e.track(ctx, op, observability.ProposalOperation(e.roleName(), subID, prevID.String())...)
	defer func() { done(err) }()

	prev, neg, err := e.loadChain(ctx, subID, prevID)
	if err != nil {
		return nil, opErr(op, prevID.String(), err)
	}
	unlock, err := e.lock(ctx, chainKey(neg.OfferID, neg.DemandID))
	if err != nil {
		return nil, opErr(op, prevID.String(), err)
	}
	defer unlock()
	// Reload under the lock.
	if prev, neg, err = e.loadChain(ctx, subID, prevID); err != nil {
		return nil, opErr(op, prevID.String(), err)
	}

	sub, err := e.localSubscription(ctx, subID)
	if err != nil {
		return nil, opErr(op, prevID.String(), err)
	}
	now := e.now()
	if err := sub.Validate(now); err != nil {
		return nil, opErr(op, prevID.String(), err)
	}
	if neg.FinalRejection != nil {
		return nil, opErr(op, prevID.String(), fmt.Errorf("%s: %w", neg.FinalRejection.Message, contracts.ErrFinallyRejected))
	}
	if err := prev.CheckCounterable(now); err != nil {
		return nil, opErr(op, prevID.String(), err)
	}
	content.Properties = orEmpty(content.Properties)
	if err := validateContent(content); err != nil {
		return nil, opErr(op, prevID.String(), err)
	}

	if e.role == contracts.OwnerProvider {
		if content, err = e.negotiate(ctx, prev, neg, content); err != nil {
			return nil, opErr(op, prevID.String(), err)
		}
	}

	next := &contracts.Proposal{
		ID:              contracts.NewProposalID(e.role, neg.OfferID, neg.DemandID, prev.ID.Hash, now),
		PrevID:          &prev.ID,
		NegotiationID:   neg.ID,
		Issuer:          contracts.IssuerUs,
		ProposalContent: content,
		State:           contracts.ProposalDraft,
		CreatedAt:       now,
		ExpiresAt:       minTime(now.Add(e.proposalTTL), sub.ExpiresAt),
	}
	if err := e.send(ctx, neg.PeerID(), transport.MsgProposal, proposalSent{
		pair:      pairOf(neg),
		ID:        next.ID,
		PrevID:    prev.ID,
		Content:   content,
		CreatedAt: next.CreatedAt,
		ExpiresAt: next.ExpiresAt,
	}); err != nil {
		return nil, opErr(op, prevID.String(), err)
	}

	prev.Countered = true
	if err := e.repo.SaveProposal(ctx, prev); err != nil {
		return nil, opErr(op, prevID.String(), err)
	}
	if err := e.repo.SaveProposal(ctx, next); err != nil {
		return nil, opErr(op, prevID.String(), err)
	}
	e.logger.InfoContext(ctx, "counter proposal sent", "proposal_id", next.ID.String(), "prev_id", prev.ID.String(), "state", next.State)
	return next, nil
}

// negotiate runs the chain with the peer's demand and our offer content.
// A rejection is applied to prev before it is returned.
func (e *Engine) negotiate(ctx context.Context, prev *contracts.Proposal, neg *contracts.Negotiation, offer contracts.ProposalContent) (contracts.ProposalContent, error) {
	demandView, err := negotiator.ViewFromContent(prev.ProposalContent)
	if err != nil {
		return offer, err
	}
	offerView, err := negotiator.ViewFromContent(offer)
	if err != nil {
		return offer, err
	}
	step, err := e.chain.NegotiateStep(ctx, demandView, offerView)
	if err != nil {
		return offer, fmt.Errorf("negotiator chain: %w", err)
	}
	if step.Kind != negotiator.StepReject {
		e.logger.DebugContext(ctx, "negotiator chain", "proposal_id", prev.ID.String(), "step", step.Kind.String())
		return step.Offer.Content()
	}

	reason := step.Reject.Reason()
	prev.State = contracts.ProposalRejected
	prev.Reason = reason
	if err := e.repo.SaveProposal(ctx, prev); err != nil {
		return offer, err
	}
	if step.Reject.Final {
		neg.FinalRejection = reason
		if err := e.repo.SaveNegotiation(ctx, neg); err != nil {
			return offer, err
		}
	}
	e.logger.WarnContext(ctx, "proposal rejected by negotiator", "proposal_id", prev.ID.String(),
		"component", step.Reject.Component, "message", step.Reject.Message, "final", step.Reject.Final)
	e.notify(ctx, neg.PeerID(), transport.MsgProposalRejected, proposalRejected{
		pair: pairOf(neg), ProposalID: prev.ID, Reason: reason, Final: step.Reject.Final,
	})
	return offer, step.Reject
}

// RejectProposal rejects the peer's proposal id. The peer is notified on a
// best-effort basis; the local rejection stands either way.
func (e *Engine) RejectProposal(ctx context.Context, subID string, id contracts.ProposalID, reason *contracts.Reason) (err error) {
	const op = "reject_proposal"
	ctx, done := e.track(ctx, op, observability.ProposalOperation(e.roleName(), subID, id.String())...)
	defer func() { done(err) }()

	_, neg, err := e.loadChain(ctx, subID, id)
	if err != nil {
		return opErr(op, id.String(), err)
	}
	unlock, err := e.lock(ctx, chainKey(neg.OfferID, neg.DemandID))
	if err != nil {
		return opErr(op, id.String(), err)
	}
	defer unlock()
	p, neg, err := e.loadChain(ctx, subID, id)
	if err != nil {
		return opErr(op, id.String(), err)
	}
	if p.Issuer != contracts.IssuerThem {
		return opErr(op, id.String(), &contracts.StateError{
			Entity: "proposal", ID: p.ID.String(), Expected: []string{string(contracts.IssuerThem)}, Actual: string(p.Issuer),
		})
	}
	if err := p.ExpectState(contracts.ProposalInitial, contracts.ProposalDraft); err != nil {
		return opErr(op, id.String(), err)
	}
	if p.Countered {
		return opErr(op, id.String(), contracts.ErrAlreadyCountered)
	}
	if reason == nil {
		reason = contracts.NewReason("rejected")
	}
	p.State = contracts.ProposalRejected
	p.Reason = reason
	if err := e.repo.SaveProposal(ctx, p); err != nil {
		return opErr(op, id.String(), err)
	}
	e.logger.InfoContext(ctx, "proposal rejected", "proposal_id", p.ID.String(), "reason", reason.Message)
	// The peer never saw an initial proposal derived from a broadcast offer.
	if p.PrevID != nil {
		e.notify(ctx, neg.PeerID(), transport.MsgProposalRejected, proposalRejected{
			pair: pairOf(neg), ProposalID: p.ID, Reason: reason,
		})
	}
	return nil
}

func (e *Engine) handleProposal(ctx context.Context, from string, body proposalSent) error {
	if err := e.checkSender(from, body.pair); err != nil {
		return err
	}
	sub, err := e.localSubscription(ctx, e.localSubID(body.pair))
	if err != nil {
		return err
	}
	now := e.now()
	if err := sub.Validate(now); err != nil {
		return err
	}
	if err := validateContent(body.Content); err != nil {
		return err
	}

	unlock, err := e.lock(ctx, chainKey(body.OfferID, body.DemandID))
	if err != nil {
		return err
	}
	defer unlock()

	neg, err := e.repo.FindNegotiation(ctx, sub.ID, body.OfferID, body.DemandID)
	if errors.Is(err, contracts.ErrNotFound) && e.role == contracts.OwnerProvider {
		neg, err = e.openProviderNegotiation(ctx, sub, body)
	}
	if err != nil {
		return err
	}
	if neg.FinalRejection != nil {
		return fmt.Errorf("%s: %w", neg.FinalRejection.Message, contracts.ErrFinallyRejected)
	}

	prevID := body.PrevID.Translate(e.role)
	prev, err := e.repo.LoadProposal(ctx, prevID)
	if err != nil {
		return err
	}
	if prev.NegotiationID != neg.ID {
		return fmt.Errorf("proposal %s: %w", prevID, contracts.ErrNotFound)
	}
	if prev.Issuer != contracts.IssuerUs {
		return &contracts.StateError{Entity: "proposal", ID: prevID.String(), Expected: []string{string(contracts.IssuerUs)}, Actual: string(prev.Issuer)}
	}
	if err := prev.ExpectState(contracts.ProposalInitial, contracts.ProposalDraft); err != nil {
		return err
	}
	if prev.Countered {
		return fmt.Errorf("proposal %s: %w", prevID, contracts.ErrAlreadyCountered)
	}
	if prev.IsExpired(now) {
		return fmt.Errorf("proposal %s: %w", prevID, contracts.ErrExpired)
	}

	p := &contracts.Proposal{
		ID:              body.ID.Translate(e.role),
		PrevID:          &prevID,
		NegotiationID:   neg.ID,
		Issuer:          contracts.IssuerThem,
		ProposalContent: body.Content,
		State:           contracts.ProposalDraft,
		CreatedAt:       body.CreatedAt,
		ExpiresAt:       minTime(body.ExpiresAt, sub.ExpiresAt),
	}
	prev.Countered = true
	if err := e.repo.SaveProposal(ctx, prev); err != nil {
		return err
	}
	if err := e.repo.SaveProposal(ctx, p); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "proposal received", "proposal_id", p.ID.String(), "prev_id", prevID.String(), "from", shortID(from))
	id := p.ID
	e.emit(sub.ID, EventProposal, &id, nil, nil)
	return nil
}

// openProviderNegotiation records the first counter-proposal of a requestor
// to one of our offers. The offer itself becomes our initial proposal.
func (e *Engine) openProviderNegotiation(ctx context.Context, offer *contracts.Subscription, body proposalSent) (*contracts.Negotiation, error) {
	initialID := contracts.NewProposalID(e.role, offer.ID, body.DemandID, "", offer.CreatedAt)
	if body.PrevID.Hash != initialID.Hash {
		return nil, fmt.Errorf("proposal %s: %w", body.PrevID, contracts.ErrNotFound)
	}
	neg := &contracts.Negotiation{
		ID:             uuid.New().String(),
		Owner:          e.role,
		SubscriptionID: offer.ID,
		OfferID:        offer.ID,
		DemandID:       body.DemandID,
		ProviderID:     e.NodeID(),
		RequestorID:    body.RequestorID,
		CreatedAt:      e.now(),
	}
	initial := &contracts.Proposal{
		ID:              initialID,
		NegotiationID:   neg.ID,
		Issuer:          contracts.IssuerUs,
		ProposalContent: subscriptionContent(offer),
		State:           contracts.ProposalInitial,
		CreatedAt:       offer.CreatedAt,
		ExpiresAt:       offer.ExpiresAt,
	}
	if err := e.repo.SaveNegotiation(ctx, neg); err != nil {
		return nil, err
	}
	if err := e.repo.SaveProposal(ctx, initial); err != nil {
		return nil, err
	}
	return neg, nil
}

func (e *Engine) handleProposalRejected(ctx context.Context, from string, body proposalRejected) error {
	if err := e.checkSender(from, body.pair); err != nil {
		return err
	}
	subID := e.localSubID(body.pair)
	unlock, err := e.lock(ctx, chainKey(body.OfferID, body.DemandID))
	if err != nil {
		return err
	}
	defer unlock()

	neg, err := e.repo.FindNegotiation(ctx, subID, body.OfferID, body.DemandID)
	if err != nil {
		return err
	}
	id := body.ProposalID.Translate(e.role)
	p, err := e.repo.LoadProposal(ctx, id)
	if err != nil {
		return err
	}
	if p.NegotiationID != neg.ID || p.Issuer != contracts.IssuerUs {
		return fmt.Errorf("proposal %s: %w", id, contracts.ErrNotFound)
	}
	if err := p.ExpectState(contracts.ProposalInitial, contracts.ProposalDraft); err != nil {
		return err
	}
	reason := body.Reason
	if reason == nil {
		reason = contracts.NewReason("rejected by peer")
	}
	p.State = contracts.ProposalRejected
	p.Reason = reason
	if err := e.repo.SaveProposal(ctx, p); err != nil {
		return err
	}
	if body.Final {
		neg.FinalRejection = reason
		if err := e.repo.SaveNegotiation(ctx, neg); err != nil {
			return err
		}
	}
	e.logger.WarnContext(ctx, "proposal rejected by peer", "proposal_id", id.String(), "reason", reason.Message, "final", body.Final)
	e.emit(subID, EventProposalRejected, &id, nil, reason)
	return nil
}
