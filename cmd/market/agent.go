package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
	"github.com/Mindburn-Labs/helm-market/pkg/negotiation"
)

// agent answers the events of one subscription automatically. A provider
// agent counters with its offer and approves every proposed agreement; a
// requestor agent counters with its demand and turns compatible answers into
// confirmed agreements.
type agent struct {
	engine       *negotiation.Engine
	sub          *contracts.Subscription
	agreementTTL time.Duration
	approvals    chan<- *contracts.Agreement
	logger       *slog.Logger

	waiting sync.WaitGroup // WaitForApproval calls in flight
}

func newAgent(e *negotiation.Engine, sub *contracts.Subscription, agreementTTL time.Duration, approvals chan<- *contracts.Agreement) *agent {
	return &agent{
		engine:       e,
		sub:          sub,
		agreementTTL: agreementTTL,
		approvals:    approvals,
		logger:       slog.Default().With("component", "agent", "subscription_id", sub.ID[:12]),
	}
}

func (a *agent) content() contracts.ProposalContent {
	return contracts.ProposalContent{Properties: a.sub.Properties, Constraints: a.sub.Constraints}
}

// run processes events until ctx is done or the subscription ends. It
// returns once every approval wait it started has finished.
func (a *agent) run(ctx context.Context) error {
	defer a.waiting.Wait()
	for {
		events, err := a.engine.QueryEvents(ctx, a.sub.ID, 5*time.Second, 16)
		switch {
		case errors.Is(err, contracts.ErrUnsubscribed), errors.Is(err, contracts.ErrExpired):
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return err
		}
		for _, ev := range events {
			a.handle(ctx, ev)
		}
	}
}

func (a *agent) handle(ctx context.Context, ev negotiation.Event) {
	switch ev.Kind {
	case negotiation.EventProposal:
		if a.engine.Role() == contracts.OwnerProvider {
			a.counter(ctx, *ev.ProposalID)
			return
		}
		a.answer(ctx, *ev.ProposalID)
	case negotiation.EventAgreementProposed:
		if err := a.engine.ApproveAgreement(ctx, *ev.AgreementID); err != nil {
			a.logger.WarnContext(ctx, "approval failed", "agreement_id", ev.AgreementID.String(), "error", err)
		}
	default:
		a.logger.InfoContext(ctx, "event", "kind", ev.Kind, "reason", ev.Reason)
	}
}

func (a *agent) counter(ctx context.Context, id contracts.ProposalID) {
	if _, err := a.engine.CounterProposal(ctx, a.sub.ID, id, a.content()); err != nil {
		a.logger.WarnContext(ctx, "counter proposal failed", "proposal_id", id.String(), "error", err)
	}
}

// answer reacts to a provider proposal on the requestor side.
func (a *agent) answer(ctx context.Context, id contracts.ProposalID) {
	p, err := a.engine.GetProposal(ctx, id)
	if err != nil {
		a.logger.WarnContext(ctx, "proposal lookup failed", "proposal_id", id.String(), "error", err)
		return
	}
	if p.PrevID == nil {
		a.counter(ctx, id)
		return
	}
	agreement, err := a.engine.CreateAgreement(ctx, id, time.Now().Add(a.agreementTTL))
	if errors.Is(err, contracts.ErrNotCompatible) {
		a.counter(ctx, id)
		return
	}
	if err != nil {
		a.logger.WarnContext(ctx, "agreement creation failed", "proposal_id", id.String(), "error", err)
		return
	}
	if err := a.engine.ConfirmAgreement(ctx, agreement.ID); err != nil {
		a.logger.WarnContext(ctx, "confirmation failed", "agreement_id", agreement.ID.String(), "error", err)
		return
	}
	a.waiting.Add(1)
	go func() {
		defer a.waiting.Done()
		a.await(ctx, agreement.ID)
	}()
}

// await blocks until the provider settles the agreement, off the event loop
// so that other proposals keep being answered meanwhile.
func (a *agent) await(ctx context.Context, id contracts.AgreementID) {
	final, err := a.engine.WaitForApproval(ctx, id, a.agreementTTL)
	if err != nil {
		a.logger.WarnContext(ctx, "no approval", "agreement_id", id.String(), "error", err)
		return
	}
	a.logger.InfoContext(ctx, "agreement settled", "agreement_id", final.ID.String(), "state", final.State)
	if final.State == contracts.AgreementApproved && a.approvals != nil {
		select {
		case a.approvals <- final:
		case <-ctx.Done():
		}
	}
}
