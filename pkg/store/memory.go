package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
)

// MemoryStore is an in-process Repository.
type MemoryStore struct {
	mu            sync.RWMutex
	subscriptions map[string]*contracts.Subscription
	negotiations  map[string]*contracts.Negotiation
	proposals     map[string]*contracts.Proposal
	agreements    map[string]*contracts.Agreement
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]*contracts.Subscription),
		negotiations:  make(map[string]*contracts.Negotiation),
		proposals:     make(map[string]*contracts.Proposal),
		agreements:    make(map[string]*contracts.Agreement),
	}
}

func (m *MemoryStore) SaveSubscription(_ context.Context, s *contracts.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) LoadSubscription(_ context.Context, id string) (*contracts.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) ListActiveSubscriptions(_ context.Context, nodeID string, kind contracts.SubscriptionKind, now time.Time) ([]*contracts.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*contracts.Subscription
	for _, s := range m.subscriptions {
		if s.Kind != kind || (nodeID != "" && s.NodeID != nodeID) || !s.IsActive(now) {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) SaveNegotiation(_ context.Context, n *contracts.Negotiation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.negotiations[n.ID] = n.Clone()
	return nil
}

func (m *MemoryStore) LoadNegotiation(_ context.Context, id string) (*contracts.Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.negotiations[id]
	if !ok {
		return nil, fmt.Errorf("negotiation %s: %w", id, ErrNotFound)
	}
	return n.Clone(), nil
}

func (m *MemoryStore) FindNegotiation(_ context.Context, subscriptionID, offerID, demandID string) (*contracts.Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.negotiations {
		if n.SubscriptionID == subscriptionID && n.OfferID == offerID && n.DemandID == demandID {
			return n.Clone(), nil
		}
	}
	return nil, fmt.Errorf("negotiation for offer %s and demand %s: %w", offerID, demandID, ErrNotFound)
}

func (m *MemoryStore) SaveProposal(_ context.Context, p *contracts.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[p.ID.String()] = p.Clone()
	return nil
}

func (m *MemoryStore) LoadProposal(_ context.Context, id contracts.ProposalID) (*contracts.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id.String()]
	if !ok {
		return nil, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (m *MemoryStore) ListProposals(_ context.Context, f ProposalFilter) ([]*contracts.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*contracts.Proposal
	for _, p := range m.proposals {
		if proposalMatches(p, f) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *MemoryStore) SaveAgreement(_ context.Context, a *contracts.Agreement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agreements[a.ID.String()] = a.Clone()
	return nil
}

func (m *MemoryStore) SaveAgreementChain(_ context.Context, a *contracts.Agreement, p *contracts.Proposal, n *contracts.Negotiation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agreements[a.ID.String()] = a.Clone()
	m.proposals[p.ID.String()] = p.Clone()
	m.negotiations[n.ID] = n.Clone()
	return nil
}

func (m *MemoryStore) LoadAgreement(_ context.Context, id contracts.AgreementID) (*contracts.Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agreements[id.String()]
	if !ok {
		return nil, fmt.Errorf("agreement %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

func (m *MemoryStore) ListAgreements(_ context.Context, f AgreementFilter) ([]*contracts.Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*contracts.Agreement
	for _, a := range m.agreements {
		if agreementMatches(a, f) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}
