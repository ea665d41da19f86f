package negotiation

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
	"github.com/Mindburn-Labs/helm-market/pkg/store"
)

// ExpireStale moves open proposals and live agreements whose deadlines
// passed to Expired. Countered proposals are skipped. It returns how many
// entities changed. Event queues of dead subscriptions are dropped too.
func (e *Engine) ExpireStale(ctx context.Context) (n int, err error) {
	ctx, done := e.track(ctx, "expire_stale")
	defer func() { done(err) }()

	now := e.now()
	proposals, err := e.repo.ListProposals(ctx, store.ProposalFilter{
		States: []contracts.ProposalState{contracts.ProposalInitial, contracts.ProposalDraft},
	})
	if err != nil {
		return 0, opErr("expire_stale", "", err)
	}
	var errs []error
	for _, p := range proposals {
		if p.Countered || !p.IsExpired(now) {
			continue
		}
		changed, err := e.expireProposal(ctx, p.ID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			n++
		}
	}

	agreements, err := e.repo.ListAgreements(ctx, store.AgreementFilter{
		States: []contracts.AgreementState{contracts.AgreementProposal, contracts.AgreementPending, contracts.AgreementApproved},
	})
	if err != nil {
		return n, opErr("expire_stale", "", err)
	}
	for _, a := range agreements {
		if !a.IsExpired(now) {
			continue
		}
		changed, err := e.expireAgreementByID(ctx, a.ID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			n++
		}
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "expired stale entities", "count", n)
	}
	if dropped := e.sweepEvents(ctx, now); dropped > 0 {
		e.logger.DebugContext(ctx, "dropped event queues", "count", dropped)
	}
	return n, opErr("expire_stale", "", errors.Join(errs...))
}

func (e *Engine) expireProposal(ctx context.Context, id contracts.ProposalID, now time.Time) (bool, error) {
	p, err := e.repo.LoadProposal(ctx, id)
	if err != nil {
		return false, err
	}
	neg, err := e.repo.LoadNegotiation(ctx, p.NegotiationID)
	if err != nil {
		return false, err
	}
	unlock, err := e.lock(ctx, chainKey(neg.OfferID, neg.DemandID))
	if err != nil {
		return false, err
	}
	defer unlock()
	if p, err = e.repo.LoadProposal(ctx, id); err != nil {
		return false, err
	}
	if !p.State.IsOpen() || p.Countered || !p.IsExpired(now) {
		return false, nil
	}
	p.State = contracts.ProposalExpired
	if err := e.repo.SaveProposal(ctx, p); err != nil {
		return false, err
	}
	e.logger.DebugContext(ctx, "proposal expired", "proposal_id", p.ID.String())
	return true, nil
}

func (e *Engine) expireAgreementByID(ctx context.Context, id contracts.AgreementID, now time.Time) (bool, error) {
	unlock, err := e.lock(ctx, agreementKey(id))
	if err != nil {
		return false, err
	}
	defer unlock()
	a, err := e.repo.LoadAgreement(ctx, id)
	if err != nil {
		return false, err
	}
	if a.State.IsTerminal() || !a.IsExpired(now) {
		return false, nil
	}
	return true, e.expireAgreement(ctx, a)
}
