package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
	"github.com/Mindburn-Labs/helm-market/pkg/crypto"
	"github.com/Mindburn-Labs/helm-market/pkg/negotiation"
	"github.com/Mindburn-Labs/helm-market/pkg/store"
	"github.com/Mindburn-Labs/helm-market/pkg/transport"
)

func waitEvent(t *testing.T, e *negotiation.Engine, subID string, kind negotiation.EventKind) negotiation.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := e.QueryEvents(context.Background(), subID, 100*time.Millisecond, 1)
		require.NoError(t, err)
		if len(events) == 1 {
			require.Equal(t, kind, events[0].Kind)
			return events[0]
		}
	}
	t.Fatalf("no %s event for %s", kind, subID)
	return negotiation.Event{}
}

func subscribe(t *testing.T, e *negotiation.Engine, props, constraints string) *contracts.Subscription {
	t.Helper()
	sub, err := e.Subscribe(context.Background(), negotiation.SubscribeRequest{
		Properties: []byte(props), Constraints: constraints, TTL: time.Hour,
	})
	require.NoError(t, err)
	return sub
}

func TestAgent_KeepsAnsweringWhileAwaitingApproval(t *testing.T) {
	provID, err := crypto.NewEd25519Identity()
	require.NoError(t, err)
	reqID, err := crypto.NewEd25519Identity()
	require.NoError(t, err)
	net := transport.NewMemoryNetwork()
	provider, err := negotiation.New(contracts.OwnerProvider, provID, store.NewMemoryStore(), net.Endpoint(provID.NodeID()))
	require.NoError(t, err)
	requestor, err := negotiation.New(contracts.OwnerRequestor, reqID, store.NewMemoryStore(), net.Endpoint(reqID.NodeID()))
	require.NoError(t, err)
	net.Join(provID.NodeID(), provider)
	net.Join(reqID.NodeID(), requestor, transport.TopicOffers)

	ctx, cancel := context.WithCancel(context.Background())
	demand := subscribe(t, requestor, demoDemand, "(golem.inf.mem.gib>=4)")
	approvals := make(chan *contracts.Agreement, 1)
	done := make(chan error, 1)
	go func() { done <- newAgent(requestor, demand, time.Hour, approvals).run(ctx) }()

	const offerCons = "(golem.srv.comp.task_package=*)"
	first := subscribe(t, provider, demoOffer, offerCons)
	inbound := waitEvent(t, provider, first.ID, negotiation.EventProposal)
	_, err = provider.CounterProposal(ctx, first.ID, *inbound.ProposalID,
		contracts.ProposalContent{Properties: first.Properties, Constraints: first.Constraints})
	require.NoError(t, err)
	proposed := waitEvent(t, provider, first.ID, negotiation.EventAgreementProposed)

	second := subscribe(t, provider, `{"golem":{"inf":{"mem":{"gib":16}}}}`, offerCons)
	waitEvent(t, provider, second.ID, negotiation.EventProposal)

	require.NoError(t, provider.ApproveAgreement(ctx, *proposed.AgreementID))
	select {
	case a := <-approvals:
		assert.Equal(t, proposed.AgreementID.Hash, a.ID.Hash)
		assert.Equal(t, contracts.AgreementApproved, a.State)
	case <-time.After(2 * time.Second):
		t.Fatal("approval not reported")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("agent did not stop")
	}
}
