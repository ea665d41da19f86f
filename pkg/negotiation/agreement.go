package negotiation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-market/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
	"github.com/Mindburn-Labs/helm-market/pkg/crypto"
	"github.com/Mindburn-Labs/helm-market/pkg/matcher"
	"github.com/Mindburn-Labs/helm-market/pkg/negotiator"
	"github.com/Mindburn-Labs/helm-market/pkg/observability"
	"github.com/Mindburn-Labs/helm-market/pkg/store"
	"github.com/Mindburn-Labs/helm-market/pkg/transport"
)

// requireRole fails operations reserved for the other role.
func (e *Engine) requireRole(role contracts.Owner, op string) error {
	if e.role != role {
		return fmt.Errorf("%s is a %s operation: %w", op, role, &contracts.StateError{
			Entity: "node", ID: shortID(e.NodeID()), Expected: []string{role.String()}, Actual: e.role.String(),
		})
	}
	return nil
}

// GetAgreement loads an agreement by id, translating foreign-tagged ids.
func (e *Engine) GetAgreement(ctx context.Context, id contracts.AgreementID) (*contracts.Agreement, error) {
	a, err := e.repo.LoadAgreement(ctx, id.Translate(e.role))
	if err != nil {
		return nil, opErr("get_agreement", id.String(), err)
	}
	return a, nil
}

// ListAgreements returns stored agreements in the given states (all when
// none are given).
func (e *Engine) ListAgreements(ctx context.Context, states ...contracts.AgreementState) ([]*contracts.Agreement, error) {
	as, err := e.repo.ListAgreements(ctx, store.AgreementFilter{States: states})
	if err != nil {
		return nil, opErr("list_agreements", "", err)
	}
	return as, nil
}

// localSubOf is the subscription an agreement belongs to on this node.
func (e *Engine) localSubOf(a *contracts.Agreement) string {
	if e.role == contracts.OwnerProvider {
		return a.OfferID
	}
	return a.DemandID
}

func (e *Engine) peerOf(a *contracts.Agreement) string {
	if e.role == contracts.OwnerProvider {
		return a.RequestorID
	}
	return a.ProviderID
}

// releaseTerms tells the negotiator chain that an approved agreement
// ended. Only providers run the chain.
func (e *Engine) releaseTerms(ctx context.Context, a *contracts.Agreement, reason *contracts.Reason) {
	if e.role != contracts.OwnerProvider {
		return
	}
	unlock, err := e.lock(ctx, negotiatorsKey)
	if err != nil {
		e.logger.ErrorContext(ctx, "negotiator termination hook skipped", "agreement_id", a.ID.String(), "error", err)
		return
	}
	defer unlock()
	e.revokeTerms(ctx, a, reason)
}

// revokeTerms runs the termination hooks. The caller holds negotiatorsKey.
func (e *Engine) revokeTerms(ctx context.Context, a *contracts.Agreement, reason *contracts.Reason) {
	if err := e.chain.OnAgreementTerminated(ctx, a, reason); err != nil {
		e.logger.WarnContext(ctx, "negotiator termination hook failed", "agreement_id", a.ID.String(), "error", err)
	}
}

// expireAgreement moves a to Expired and records why. Approved agreements
// release their negotiator resources.
func (e *Engine) expireAgreement(ctx context.Context, a *contracts.Agreement) error {
	wasApproved := a.State == contracts.AgreementApproved
	if err := a.Transition(contracts.AgreementExpired); err != nil {
		return err
	}
	a.Reason = contracts.BreakReason{Kind: contracts.BreakExpired, Deadline: a.ValidTo}.Reason()
	if err := e.repo.SaveAgreement(ctx, a); err != nil {
		return err
	}
	if wasApproved {
		e.releaseTerms(ctx, a, a.Reason)
	}
	e.logger.InfoContext(ctx, "agreement expired", "agreement_id", a.ID.String(), "valid_to", a.ValidTo)
	id := a.ID
	e.emit(e.localSubOf(a), EventAgreementExpired, nil, &id, a.Reason)
	e.waiters.notify(agreementKey(a.ID))
	return nil
}

// CreateAgreement turns the provider's latest proposal into an agreement in
// state Proposal. The proposal must answer one of our own proposals and its
// content must match our demand; the agreement is valid until validTo.
func (e *Engine) CreateAgreement(ctx context.Context, proposalID contracts.ProposalID, validTo time.Time) (_ *contracts.Agreement, err error) {
	const op = "create_agreement"
	ctx, done := e.track(ctx, op, observability.AttrProposalID.String(proposalID.String()))
	defer func() { done(err) }()

	if err := e.requireRole(contracts.OwnerRequestor, op); err != nil {
		return nil, opErr(op, proposalID.String(), err)
	}
	p, err := e.repo.LoadProposal(ctx, proposalID.Translate(e.role))
	if err != nil {
		return nil, opErr(op, proposalID.String(), err)
	}
	neg, err := e.repo.LoadNegotiation(ctx, p.NegotiationID)
	if err != nil {
		return nil, opErr(op, proposalID.String(), err)
	}
	unlock, err := e.lock(ctx, chainKey(neg.OfferID, neg.DemandID))
	if err != nil {
		return nil, opErr(op, proposalID.String(), err)
	}
	defer unlock()
	if p, neg, err = e.loadChain(ctx, neg.SubscriptionID, proposalID); err != nil {
		return nil, opErr(op, proposalID.String(), err)
	}

	now := e.now()
	if err := p.CheckCounterable(now); err != nil {
		return nil, opErr(op, proposalID.String(), err)
	}
	if err := p.ExpectState(contracts.ProposalDraft); err != nil {
		return nil, opErr(op, proposalID.String(), fmt.Errorf("agreement needs a negotiated proposal: %w", err))
	}
	if !now.Before(validTo) {
		return nil, opErr(op, proposalID.String(), fmt.Errorf("valid_to %s: %w", validTo.Format(time.RFC3339), contracts.ErrExpired))
	}
	demandSub, err := e.localSubscription(ctx, neg.DemandID)
	if err != nil {
		return nil, opErr(op, proposalID.String(), err)
	}
	if err := demandSub.Validate(now); err != nil {
		return nil, opErr(op, proposalID.String(), err)
	}
	offerSub, err := e.repo.LoadSubscription(ctx, neg.OfferID)
	if err != nil {
		return nil, opErr(op, proposalID.String(), err)
	}
	if err := offerSub.Validate(now); err != nil {
		return nil, opErr(op, proposalID.String(), err)
	}
	demand, err := e.repo.LoadProposal(ctx, *p.PrevID)
	if err != nil {
		return nil, opErr(op, proposalID.String(), err)
	}

	m, err := matchContent(demand.ProposalContent, p.ProposalContent)
	if err != nil {
		return nil, opErr(op, proposalID.String(), err)
	}
	if m.Kind != matcher.Yes {
		return nil, opErr(op, proposalID.String(), fmt.Errorf("match %s (demand: %s; offer: %s): %w", m.Kind,
			strings.Join(m.DemandMismatch, ","), strings.Join(m.OfferMismatch, ","), contracts.ErrNotCompatible))
	}

	a := &contracts.Agreement{
		ID:               contracts.NewAgreementID(e.role, p.ID.Hash, now),
		OfferProposalID:  p.ID,
		DemandProposalID: demand.ID,
		OfferID:          neg.OfferID,
		DemandID:         neg.DemandID,
		ProviderID:       neg.ProviderID,
		RequestorID:      neg.RequestorID,
		Offer:            p.ProposalContent,
		Demand:           demand.ProposalContent,
		ValidTo:          validTo.UTC(),
		CreatedAt:        now,
		State:            contracts.AgreementProposal,
	}
	p.State = contracts.ProposalAccepted
	neg.AgreementID = &a.ID
	if err := e.repo.SaveAgreementChain(ctx, a, p, neg); err != nil {
		return nil, opErr(op, proposalID.String(), err)
	}
	e.logger.InfoContext(ctx, "agreement created", "agreement_id", a.ID.String(), "proposal_id", p.ID.String(), "state", a.State)
	return a, nil
}

// ConfirmAgreement signs the agreement and sends it to the provider for
// approval. Nothing changes locally when delivery fails.
func (e *Engine) ConfirmAgreement(ctx context.Context, id contracts.AgreementID) (err error) {
	const op = "confirm_agreement"
	ctx, done := e.track(ctx, op, observability.AgreementOperation(e.roleName(), id.String())...)
	defer func() { done(err) }()

	if err := e.requireRole(contracts.OwnerRequestor, op); err != nil {
		return opErr(op, id.String(), err)
	}
	unlock, err := e.lock(ctx, agreementKey(id))
	if err != nil {
		return opErr(op, id.String(), err)
	}
	defer unlock()

	a, err := e.repo.LoadAgreement(ctx, id.Translate(e.role))
	if err != nil {
		return opErr(op, id.String(), err)
	}
	if err := a.ExpectState(contracts.AgreementProposal); err != nil {
		return opErr(op, id.String(), err)
	}
	if a.IsExpired(e.now()) {
		if err := e.expireAgreement(ctx, a); err != nil {
			return opErr(op, id.String(), err)
		}
		return opErr(op, id.String(), contracts.ErrExpired)
	}

	sig, err := e.sign(a)
	if err != nil {
		return opErr(op, id.String(), err)
	}
	next := a.Clone()
	next.ProposedSignature = sig
	if err := next.Transition(contracts.AgreementPending); err != nil {
		return opErr(op, id.String(), err)
	}
	if err := e.send(ctx, a.ProviderID, transport.MsgAgreementProposed, agreementProposed{
		Agreement: next.Translate(contracts.OwnerProvider),
	}); err != nil {
		return opErr(op, id.String(), err)
	}
	if err := e.repo.SaveAgreement(ctx, next); err != nil {
		return opErr(op, id.String(), err)
	}
	e.logger.InfoContext(ctx, "agreement confirmed", "agreement_id", next.ID.String(), "state", next.State)
	return nil
}

// WaitForApproval blocks until the agreement leaves Proposal/Pending or the
// timeout passes (ErrTimeout). It returns the agreement as last stored.
func (e *Engine) WaitForApproval(ctx context.Context, id contracts.AgreementID, timeout time.Duration) (_ *contracts.Agreement, err error) {
	const op = "wait_for_approval"
	ctx, done := e.track(ctx, op, observability.AgreementOperation(e.roleName(), id.String())...)
	defer func() { done(err) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	key := agreementKey(id)
	for {
		wake := e.waiters.wait(key)
		a, err := e.repo.LoadAgreement(ctx, id.Translate(e.role))
		if err != nil {
			return nil, opErr(op, id.String(), err)
		}
		if a.State != contracts.AgreementProposal && a.State != contracts.AgreementPending {
			return a, nil
		}
		select {
		case <-ctx.Done():
			return nil, opErr(op, id.String(), ctx.Err())
		case <-timer.C:
			return nil, opErr(op, id.String(), ErrTimeout)
		case <-wake:
		}
	}
}

// CancelAgreement withdraws an agreement that the provider has not approved
// yet.
func (e *Engine) CancelAgreement(ctx context.Context, id contracts.AgreementID, reason *contracts.Reason) (err error) {
	const op = "cancel_agreement"
	ctx, done := e.track(ctx, op, observability.AgreementOperation(e.roleName(), id.String())...)
	defer func() { done(err) }()

	if err := e.requireRole(contracts.OwnerRequestor, op); err != nil {
		return opErr(op, id.String(), err)
	}
	return opErr(op, id.String(), e.closeAgreement(ctx, id, contracts.AgreementCancelled, transport.MsgAgreementCancelled, reason))
}

// ApproveAgreement signs a pending agreement after the negotiator chain
// accepted its terms again. A rejection leaves the agreement Pending. The
// approval is stored before the requestor is told; if that message cannot
// be delivered the agreement goes back to Pending and its terms are released.
func (e *Engine) ApproveAgreement(ctx context.Context, id contracts.AgreementID) (err error) {
	const op = "approve_agreement"
	ctx, done := e.track(ctx, op, observability.AgreementOperation(e.roleName(), id.String())...)
	defer func() { done(err) }()

	if err := e.requireRole(contracts.OwnerProvider, op); err != nil {
		return opErr(op, id.String(), err)
	}
	unlock, err := e.lock(ctx, agreementKey(id))
	if err != nil {
		return opErr(op, id.String(), err)
	}
	defer unlock()

	a, err := e.repo.LoadAgreement(ctx, id.Translate(e.role))
	if err != nil {
		return opErr(op, id.String(), err)
	}
	if err := a.ExpectState(contracts.AgreementPending); err != nil {
		return opErr(op, id.String(), err)
	}
	now := e.now()
	if a.IsExpired(now) {
		if err := e.expireAgreement(ctx, a); err != nil {
			return opErr(op, id.String(), err)
		}
		return opErr(op, id.String(), contracts.ErrExpired)
	}
	unlockTerms, err := e.lock(ctx, negotiatorsKey)
	if err != nil {
		return opErr(op, id.String(), err)
	}
	defer unlockTerms()
	if err := e.recheckTerms(ctx, a); err != nil {
		e.logger.WarnContext(ctx, "agreement not approved", "agreement_id", a.ID.String(), "error", err)
		return opErr(op, id.String(), err)
	}

	next := a.Clone()
	sig, err := e.sign(next)
	if err != nil {
		return opErr(op, id.String(), err)
	}
	next.ApprovedSignature = sig
	next.ApprovedAt = &now
	if err := next.Transition(contracts.AgreementApproved); err != nil {
		return opErr(op, id.String(), err)
	}
	if err := e.chain.OnAgreementApproved(ctx, next); err != nil {
		return opErr(op, id.String(), err)
	}
	if err := e.repo.SaveAgreement(ctx, next); err != nil {
		e.revokeTerms(ctx, next, contracts.NewReason("approval not stored"))
		return opErr(op, id.String(), err)
	}
	if err := e.send(ctx, a.RequestorID, transport.MsgAgreementApproved, agreementUpdate{
		AgreementID: next.ID, Signature: sig, At: now,
	}); err != nil {
		e.revokeTerms(ctx, next, contracts.BreakReason{Kind: contracts.BreakRequestorUnreachable}.Reason())
		if restoreErr := e.repo.SaveAgreement(ctx, a); restoreErr != nil {
			e.logger.ErrorContext(ctx, "agreement not restored to pending", "agreement_id", a.ID.String(), "error", restoreErr)
		}
		return opErr(op, id.String(), err)
	}
	e.logger.InfoContext(ctx, "agreement approved", "agreement_id", next.ID.String(), "state", next.State)
	return nil
}

// recheckTerms runs the negotiator chain on the agreement snapshots. Any
// outcome but Ready blocks approval.
func (e *Engine) recheckTerms(ctx context.Context, a *contracts.Agreement) error {
	demand, err := negotiator.ViewFromContent(a.Demand)
	if err != nil {
		return err
	}
	offer, err := negotiator.ViewFromContent(a.Offer)
	if err != nil {
		return err
	}
	step, err := e.chain.NegotiateStep(ctx, demand, offer)
	if err != nil {
		return fmt.Errorf("negotiator chain: %w", err)
	}
	switch step.Kind {
	case negotiator.StepReject:
		return step.Reject
	case negotiator.StepNegotiating:
		return &negotiator.RejectError{Component: "chain", Message: "agreement terms need another negotiation round"}
	}
	return nil
}

// RejectAgreement refuses a pending agreement.
func (e *Engine) RejectAgreement(ctx context.Context, id contracts.AgreementID, reason *contracts.Reason) (err error) {
	const op = "reject_agreement"
	ctx, done := e.track(ctx, op, observability.AgreementOperation(e.roleName(), id.String())...)
	defer func() { done(err) }()

	if err := e.requireRole(contracts.OwnerProvider, op); err != nil {
		return opErr(op, id.String(), err)
	}
	return opErr(op, id.String(), e.closeAgreement(ctx, id, contracts.AgreementRejected, transport.MsgAgreementRejected, reason))
}

// TerminateAgreement ends an approved agreement with reason.
func (e *Engine) TerminateAgreement(ctx context.Context, id contracts.AgreementID, reason *contracts.Reason) (err error) {
	const op = "terminate_agreement"
	ctx, done := e.track(ctx, op, observability.AgreementOperation(e.roleName(), id.String())...)
	defer func() { done(err) }()

	return opErr(op, id.String(), e.closeAgreement(ctx, id, contracts.AgreementTerminated, transport.MsgAgreementTerminated, reason))
}

// closeAgreement moves an agreement to a terminal state, persists it and
// tells the peer. The local transition stands even if the peer is
// unreachable.
func (e *Engine) closeAgreement(ctx context.Context, id contracts.AgreementID, to contracts.AgreementState, typ transport.MessageType, reason *contracts.Reason) error {
	unlock, err := e.lock(ctx, agreementKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	a, err := e.repo.LoadAgreement(ctx, id.Translate(e.role))
	if err != nil {
		return err
	}
	from := a.State
	if err := a.Transition(to); err != nil {
		return err
	}
	if reason == nil {
		reason = contracts.NewReason(strings.ToLower(string(to)))
	}
	a.Reason = reason
	if err := e.repo.SaveAgreement(ctx, a); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "agreement closed", "agreement_id", a.ID.String(), "state", a.State, "reason", reason.Message)
	if to == contracts.AgreementTerminated {
		e.releaseTerms(ctx, a, reason)
	}
	e.waiters.notify(agreementKey(a.ID))
	// A requestor's unconfirmed agreement is unknown to the provider.
	if from != contracts.AgreementProposal {
		e.notify(ctx, e.peerOf(a), typ, agreementUpdate{AgreementID: a.ID, At: e.now(), Reason: reason})
	}
	return nil
}

// Attest issues a JWT certifying that an approved agreement binds both
// parties. Only Ed25519 identities can issue attestations.
func (e *Engine) Attest(ctx context.Context, id contracts.AgreementID, ttl time.Duration) (string, error) {
	const op = "attest"
	a, err := e.repo.LoadAgreement(ctx, id.Translate(e.role))
	if err != nil {
		return "", opErr(op, id.String(), err)
	}
	if err := a.ExpectState(contracts.AgreementApproved); err != nil {
		return "", opErr(op, id.String(), err)
	}
	signer, ok := e.identity.(*crypto.Ed25519Identity)
	if !ok {
		return "", opErr(op, id.String(), fmt.Errorf("identity %T cannot issue attestations", e.identity))
	}
	token, err := crypto.IssueAttestation(signer, a, ttl, e.now())
	if err != nil {
		return "", opErr(op, id.String(), err)
	}
	return token, nil
}

func (e *Engine) handleAgreementProposed(ctx context.Context, from string, body agreementProposed) error {
	if err := e.expectRole(contracts.OwnerProvider, transport.MsgAgreementProposed); err != nil {
		return err
	}
	if body.Agreement == nil {
		return fmt.Errorf("agreement missing: %w", contracts.ErrNotFound)
	}
	a := body.Agreement.Translate(e.role)
	if a.ProviderID != e.NodeID() || a.RequestorID != from {
		return fmt.Errorf("agreement %s names other parties: %w", a.ID, contracts.ErrInvalidSignature)
	}
	if err := a.ExpectState(contracts.AgreementPending); err != nil {
		return err
	}
	if err := e.verify(a, from, a.ProposedSignature); err != nil {
		return err
	}
	now := e.now()
	if a.IsExpired(now) {
		return fmt.Errorf("agreement %s: %w", a.ID, contracts.ErrExpired)
	}

	unlock, err := e.lock(ctx, agreementKey(a.ID))
	if err != nil {
		return err
	}
	defer unlock()
	if existing, err := e.repo.LoadAgreement(ctx, a.ID); err == nil {
		return existing.ExpectState(contracts.AgreementPending)
	}

	offer, err := e.localSubscription(ctx, a.OfferID)
	if err != nil {
		return err
	}
	if err := offer.Validate(now); err != nil {
		return err
	}

	unlockChain, err := e.lock(ctx, chainKey(a.OfferID, a.DemandID))
	if err != nil {
		return err
	}
	defer unlockChain()
	neg, err := e.repo.FindNegotiation(ctx, offer.ID, a.OfferID, a.DemandID)
	if err != nil {
		return err
	}
	ours, err := e.repo.LoadProposal(ctx, a.OfferProposalID)
	if err != nil {
		return err
	}
	theirs, err := e.repo.LoadProposal(ctx, a.DemandProposalID)
	if err != nil {
		return err
	}
	if ours.NegotiationID != neg.ID || ours.Issuer != contracts.IssuerUs || ours.PrevID == nil || *ours.PrevID != theirs.ID {
		return fmt.Errorf("agreement %s does not close our proposal chain: %w", a.ID, contracts.ErrNotFound)
	}
	if err := ours.ExpectState(contracts.ProposalDraft); err != nil {
		return err
	}
	if ours.Countered {
		return fmt.Errorf("proposal %s: %w", ours.ID, contracts.ErrAlreadyCountered)
	}
	if err := sameContent(ours.ProposalContent, a.Offer); err != nil {
		return err
	}
	if err := sameContent(theirs.ProposalContent, a.Demand); err != nil {
		return err
	}

	ours.State = contracts.ProposalAccepted
	neg.AgreementID = &a.ID
	if err := e.repo.SaveAgreementChain(ctx, a, ours, neg); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "agreement proposed", "agreement_id", a.ID.String(), "from", shortID(from), "state", a.State)
	id := a.ID
	e.emit(offer.ID, EventAgreementProposed, nil, &id, nil)
	return nil
}

func sameContent(want, got contracts.ProposalContent) error {
	w, err := canonicalize.CanonicalHash(contracts.ProposalContent{Properties: orEmpty(want.Properties), Constraints: want.Constraints})
	if err != nil {
		return err
	}
	g, err := canonicalize.CanonicalHash(contracts.ProposalContent{Properties: orEmpty(got.Properties), Constraints: got.Constraints})
	if err != nil {
		return err
	}
	if w != g {
		return fmt.Errorf("agreement terms differ from the negotiated proposal: %w", contracts.ErrNotCompatible)
	}
	return nil
}

func (e *Engine) handleAgreementUpdate(ctx context.Context, from string, typ transport.MessageType, body agreementUpdate) error {
	id := body.AgreementID.Translate(e.role)
	unlock, err := e.lock(ctx, agreementKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	a, err := e.repo.LoadAgreement(ctx, id)
	if err != nil {
		return err
	}
	if from != e.peerOf(a) {
		return fmt.Errorf("agreement %s update from %s: %w", id, shortID(from), contracts.ErrInvalidSignature)
	}

	var kind EventKind
	switch typ {
	case transport.MsgAgreementApproved:
		if err := e.expectRole(contracts.OwnerRequestor, typ); err != nil {
			return err
		}
		if err := a.ExpectState(contracts.AgreementPending); err != nil {
			return err
		}
		if err := e.verify(a, from, body.Signature); err != nil {
			return err
		}
		at := body.At.UTC()
		a.ApprovedSignature = body.Signature
		a.ApprovedAt = &at
		kind = EventAgreementApproved
		err = a.Transition(contracts.AgreementApproved)
	case transport.MsgAgreementRejected:
		if err := e.expectRole(contracts.OwnerRequestor, typ); err != nil {
			return err
		}
		kind = EventAgreementRejected
		err = a.Transition(contracts.AgreementRejected)
	case transport.MsgAgreementCancelled:
		if err := e.expectRole(contracts.OwnerProvider, typ); err != nil {
			return err
		}
		kind = EventAgreementCancelled
		err = a.Transition(contracts.AgreementCancelled)
	case transport.MsgAgreementTerminated:
		kind = EventAgreementTerminated
		err = a.Transition(contracts.AgreementTerminated)
	default:
		return fmt.Errorf("unexpected agreement message %q", typ)
	}
	if err != nil {
		return err
	}
	if body.Reason != nil {
		a.Reason = body.Reason
	}
	if err := e.repo.SaveAgreement(ctx, a); err != nil {
		return err
	}
	if kind == EventAgreementTerminated {
		e.releaseTerms(ctx, a, a.Reason)
	}
	e.logger.InfoContext(ctx, "agreement updated by peer", "agreement_id", a.ID.String(), "state", a.State, "from", shortID(from))
	aid := a.ID
	e.emit(e.localSubOf(a), kind, nil, &aid, a.Reason)
	e.waiters.notify(agreementKey(a.ID))
	return nil
}
