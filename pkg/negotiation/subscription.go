package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
	"github.com/Mindburn-Labs/helm-market/pkg/matcher"
	"github.com/Mindburn-Labs/helm-market/pkg/negotiator"
	"github.com/Mindburn-Labs/helm-market/pkg/observability"
	"github.com/Mindburn-Labs/helm-market/pkg/transport"
)

// DefaultSubscriptionTTL is used when a SubscribeRequest sets no deadline.
const DefaultSubscriptionTTL = time.Hour

// SubscribeRequest describes an Offer (provider) or Demand (requestor).
type SubscribeRequest struct {
	Properties  []byte
	Constraints string
	// ExpiresAt wins over TTL when both are set.
	ExpiresAt time.Time
	TTL       time.Duration
}

// Subscribe publishes an Offer or Demand, depending on the engine's role.
// The id is derived from the content, so subscribing twice with the same
// request at the same instant returns the existing subscription, unless it
// was unsubscribed in between.
func (e *Engine) Subscribe(ctx context.Context, req SubscribeRequest) (sub *contracts.Subscription, err error) {
	ctx, done := e.track(ctx, "subscribe")
	defer func() { done(err) }()

	content := contracts.ProposalContent{Properties: orEmpty(req.Properties), Constraints: req.Constraints}
	if err := validateContent(content); err != nil {
		return nil, opErr("subscribe", "", err)
	}
	if e.schema != nil {
		if err := e.schema.ValidateJSON(content.Properties); err != nil {
			return nil, opErr("subscribe", "", err)
		}
	}

	kind := contracts.KindDemand
	if e.role == contracts.OwnerProvider {
		kind = contracts.KindOffer
		view, err := negotiator.ViewFromContent(content)
		if err != nil {
			return nil, opErr("subscribe", "", err)
		}
		if view, err = e.chain.FillTemplate(ctx, view); err != nil {
			return nil, opErr("subscribe", "", fmt.Errorf("fill template: %w", err))
		}
		if content, err = view.Content(); err != nil {
			return nil, opErr("subscribe", "", err)
		}
	}

	now := e.now()
	expires := req.ExpiresAt
	if expires.IsZero() {
		ttl := req.TTL
		if ttl <= 0 {
			ttl = DefaultSubscriptionTTL
		}
		expires = now.Add(ttl)
	}
	if !now.Before(expires) {
		return nil, opErr("subscribe", "", fmt.Errorf("deadline %s already passed: %w", expires.Format(time.RFC3339), contracts.ErrExpired))
	}

	sub, err = contracts.NewSubscription(kind, e.NodeID(), content.Properties, content.Constraints, now, expires)
	if err != nil {
		return nil, opErr("subscribe", "", err)
	}
	existing, err := e.repo.LoadSubscription(ctx, sub.ID)
	switch {
	case err == nil && existing.Unsubscribed:
		return nil, opErr("subscribe", sub.ID, fmt.Errorf("subscription %s was ended: %w", sub.ID, contracts.ErrUnsubscribed))
	case err == nil:
		return existing, nil
	case !errors.Is(err, contracts.ErrNotFound):
		return nil, opErr("subscribe", sub.ID, err)
	}
	if err := e.repo.SaveSubscription(ctx, sub); err != nil {
		return nil, opErr("subscribe", sub.ID, err)
	}
	e.events.queue(sub.ID)
	e.logger.InfoContext(ctx, "subscribed", "subscription_id", shortID(sub.ID), "kind", sub.Kind, "expires_at", sub.ExpiresAt)

	if kind == contracts.KindOffer {
		// Requestors that miss the broadcast never see the offer; the offer
		// itself is stored either way.
		_ = e.broadcast(ctx, transport.MsgOfferPublished, offerPublished{Offer: sub})
		return sub, nil
	}
	if err := e.matchDemand(ctx, sub); err != nil {
		e.logger.WarnContext(ctx, "matching stored offers failed", "subscription_id", shortID(sub.ID), "error", err)
	}
	return sub, nil
}

// Unsubscribe ends a local subscription. Pending QueryEvents calls return
// contracts.ErrUnsubscribed.
func (e *Engine) Unsubscribe(ctx context.Context, subID string) (err error) {
	ctx, done := e.track(ctx, "unsubscribe", observability.AttrSubscriptionID.String(subID))
	defer func() { done(err) }()

	sub, err := e.localSubscription(ctx, subID)
	if err != nil {
		return opErr("unsubscribe", subID, err)
	}
	if sub.Unsubscribed {
		return opErr("unsubscribe", subID, contracts.ErrUnsubscribed)
	}
	sub.Unsubscribed = true
	if err := e.repo.SaveSubscription(ctx, sub); err != nil {
		return opErr("unsubscribe", subID, err)
	}
	e.events.close(subID)
	e.logger.InfoContext(ctx, "unsubscribed", "subscription_id", shortID(subID))

	if sub.Kind == contracts.KindOffer {
		_ = e.broadcast(ctx, transport.MsgOfferUnsubscribed, offerUnsubscribed{SubscriptionID: subID})
	}
	return nil
}

// GetSubscription returns a stored subscription, local or foreign.
func (e *Engine) GetSubscription(ctx context.Context, subID string) (*contracts.Subscription, error) {
	sub, err := e.repo.LoadSubscription(ctx, subID)
	if err != nil {
		return nil, opErr("get_subscription", subID, err)
	}
	return sub, nil
}

func (e *Engine) handleOfferPublished(ctx context.Context, from string, body offerPublished) error {
	if err := e.expectRole(contracts.OwnerRequestor, transport.MsgOfferPublished); err != nil {
		return err
	}
	offer := body.Offer
	if offer == nil {
		return fmt.Errorf("offer missing: %w", contracts.ErrNotFound)
	}
	if offer.NodeID != from || offer.Kind != contracts.KindOffer {
		return fmt.Errorf("offer %s not published by its owner: %w", shortID(offer.ID), contracts.ErrInvalidSignature)
	}
	hash, err := offer.ContentHash()
	if err != nil {
		return err
	}
	if hash != offer.ID {
		return fmt.Errorf("offer %s does not match its content: %w", shortID(offer.ID), contracts.ErrInvalidSignature)
	}
	if err := offer.Validate(e.now()); err != nil {
		return err
	}
	if err := e.repo.SaveSubscription(ctx, offer); err != nil {
		return err
	}

	demands, err := e.repo.ListActiveSubscriptions(ctx, e.NodeID(), contracts.KindDemand, e.now())
	if err != nil {
		return err
	}
	for _, demand := range demands {
		if err := e.pairOffer(ctx, demand, offer); err != nil {
			e.logger.WarnContext(ctx, "pairing offer failed", "offer_id", shortID(offer.ID), "demand_id", shortID(demand.ID), "error", err)
		}
	}
	return nil
}

func (e *Engine) handleOfferUnsubscribed(ctx context.Context, from string, body offerUnsubscribed) error {
	if err := e.expectRole(contracts.OwnerRequestor, transport.MsgOfferUnsubscribed); err != nil {
		return err
	}
	offer, err := e.repo.LoadSubscription(ctx, body.SubscriptionID)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if offer.NodeID != from {
		return fmt.Errorf("offer %s not owned by sender: %w", shortID(offer.ID), contracts.ErrInvalidSignature)
	}
	if offer.Unsubscribed {
		return nil
	}
	offer.Unsubscribed = true
	e.logger.InfoContext(ctx, "offer withdrawn", "offer_id", shortID(offer.ID))
	return e.repo.SaveSubscription(ctx, offer)
}

// matchDemand pairs a new demand with every stored foreign offer.
func (e *Engine) matchDemand(ctx context.Context, demand *contracts.Subscription) error {
	offers, err := e.repo.ListActiveSubscriptions(ctx, "", contracts.KindOffer, e.now())
	if err != nil {
		return err
	}
	var errs []error
	for _, offer := range offers {
		if offer.NodeID == e.NodeID() {
			continue
		}
		if err := e.pairOffer(ctx, demand, offer); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// pairOffer opens a negotiation for a demand/offer pair whose weak match is
// Yes or Undefined, presenting the offer as the peer's initial proposal.
func (e *Engine) pairOffer(ctx context.Context, demand, offer *contracts.Subscription) error {
	unlock, err := e.lock(ctx, chainKey(offer.ID, demand.ID))
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := e.repo.FindNegotiation(ctx, demand.ID, offer.ID, demand.ID); err == nil {
		return nil
	} else if !errors.Is(err, contracts.ErrNotFound) {
		return err
	}

	m, err := matchContent(subscriptionContent(demand), subscriptionContent(offer))
	if err != nil {
		return err
	}
	if m.Kind == matcher.No {
		e.logger.DebugContext(ctx, "offer does not match", "offer_id", shortID(offer.ID), "demand_id", shortID(demand.ID),
			"demand_mismatch", m.DemandMismatch, "offer_mismatch", m.OfferMismatch)
		return nil
	}

	now := e.now()
	neg := &contracts.Negotiation{
		ID:             uuid.New().String(),
		Owner:          e.role,
		SubscriptionID: demand.ID,
		OfferID:        offer.ID,
		DemandID:       demand.ID,
		ProviderID:     offer.NodeID,
		RequestorID:    e.NodeID(),
		CreatedAt:      now,
	}
	initial := &contracts.Proposal{
		ID:              contracts.NewProposalID(e.role, offer.ID, demand.ID, "", offer.CreatedAt),
		NegotiationID:   neg.ID,
		Issuer:          contracts.IssuerThem,
		ProposalContent: subscriptionContent(offer),
		State:           contracts.ProposalInitial,
		CreatedAt:       offer.CreatedAt,
		ExpiresAt:       minTime(offer.ExpiresAt, demand.ExpiresAt),
	}
	if err := e.repo.SaveNegotiation(ctx, neg); err != nil {
		return err
	}
	if err := e.repo.SaveProposal(ctx, initial); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "offer matched", "offer_id", shortID(offer.ID), "demand_id", shortID(demand.ID),
		"match", m.Kind.String(), "proposal_id", initial.ID.String())
	observability.AddSpanEvent(ctx, "offer.matched", observability.AttrMatch.String(m.Kind.String()))
	id := initial.ID
	e.emit(demand.ID, EventProposal, &id, nil, nil)
	return nil
}
