package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-market/pkg/canonicalize"
)

// SubscriptionKind tells Offers from Demands.
type SubscriptionKind string

// Subscription kinds.
const (
	KindOffer  SubscriptionKind = "OFFER"
	KindDemand SubscriptionKind = "DEMAND"
)

// Subscription is a published Offer or Demand.
type Subscription struct {
	// Identity
	ID     string           `json:"id" cbor:"id"`
	Kind   SubscriptionKind `json:"kind" cbor:"kind"`
	NodeID string           `json:"node_id" cbor:"node_id"`

	// Content (raw, unflattened)
	Properties  json.RawMessage `json:"properties" cbor:"properties"`
	Constraints string          `json:"constraints" cbor:"constraints"`

	// Timing
	CreatedAt time.Time `json:"created_at" cbor:"created_at"`
	ExpiresAt time.Time `json:"expires_at" cbor:"expires_at"`

	Unsubscribed bool `json:"unsubscribed,omitempty" cbor:"unsubscribed,omitempty"`
}

// NewSubscription builds a subscription whose id is derived from its content,
// owner and validity window.
func NewSubscription(kind SubscriptionKind, nodeID string, props json.RawMessage, constraints string, createdAt, expiresAt time.Time) (*Subscription, error) {
	s := &Subscription{
		Kind:        kind,
		NodeID:      nodeID,
		Properties:  props,
		Constraints: constraints,
		CreatedAt:   createdAt.UTC(),
		ExpiresAt:   expiresAt.UTC(),
	}
	id, err := s.ContentHash()
	if err != nil {
		return nil, err
	}
	s.ID = id
	return s, nil
}

// ContentHash returns the content-derived identifier of s.
func (s *Subscription) ContentHash() (string, error) {
	props := s.Properties
	if len(props) == 0 {
		props = json.RawMessage("{}")
	}
	h, err := canonicalize.CanonicalHash(struct {
		Kind        SubscriptionKind `json:"kind"`
		NodeID      string           `json:"node_id"`
		Properties  json.RawMessage  `json:"properties"`
		Constraints string           `json:"constraints"`
		CreatedAt   int64            `json:"created_at"`
		ExpiresAt   int64            `json:"expires_at"`
	}{s.Kind, s.NodeID, props, s.Constraints, s.CreatedAt.UnixMilli(), s.ExpiresAt.UnixMilli()})
	if err != nil {
		return "", fmt.Errorf("subscription id: %w", err)
	}
	return h, nil
}

// Validate fails for unsubscribed or expired subscriptions.
func (s *Subscription) Validate(now time.Time) error {
	if s.Unsubscribed {
		return fmt.Errorf("subscription %s: %w", s.ID, ErrUnsubscribed)
	}
	if !now.Before(s.ExpiresAt) {
		return fmt.Errorf("subscription %s expired at %s: %w", s.ID, s.ExpiresAt.Format(time.RFC3339), ErrExpired)
	}
	return nil
}

// IsActive reports whether s may still produce proposals.
func (s *Subscription) IsActive(now time.Time) bool { return s.Validate(now) == nil }

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	cp := *s
	cp.Properties = append(json.RawMessage(nil), s.Properties...)
	return &cp
}
