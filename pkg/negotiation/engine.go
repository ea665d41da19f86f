// Package negotiation is the market's negotiation engine.
//
// One Engine serves one node in one role. A provider publishes Offers and
// answers counter-proposals through its negotiator chain; a requestor
// publishes Demands, matches incoming Offers against them and drives
// agreements from creation to approval. Every mutation of a proposal chain
// or an agreement runs under a per-key lock, so concurrent calls on the same
// entity are serialized while distinct entities proceed in parallel.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
	"github.com/Mindburn-Labs/helm-market/pkg/crypto"
	"github.com/Mindburn-Labs/helm-market/pkg/keylock"
	"github.com/Mindburn-Labs/helm-market/pkg/negotiator"
	"github.com/Mindburn-Labs/helm-market/pkg/observability"
	"github.com/Mindburn-Labs/helm-market/pkg/properties"
	"github.com/Mindburn-Labs/helm-market/pkg/store"
	"github.com/Mindburn-Labs/helm-market/pkg/transport"
)

// ErrTimeout is returned when a wait ends before the awaited change.
var ErrTimeout = errors.New("timed out waiting")

// Defaults.
const (
	DefaultProposalTTL = 5 * time.Minute
)

// Engine runs negotiations for one node.
type Engine struct {
	role     contracts.Owner
	identity crypto.Identity
	repo     store.Repository
	delivery transport.Delivery
	chain    *negotiator.Chain
	locks    *keylock.Locker
	events   *eventHub
	waiters  *notifier
	schema   *properties.SchemaValidator
	obs      *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time

	proposalTTL time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithChain sets the negotiator chain. Without one every offer is accepted
// as is.
func WithChain(c *negotiator.Chain) Option {
	return func(e *Engine) {
		if c != nil {
			e.chain = c
		}
	}
}

// WithObservability records spans and RED metrics through p.
func WithObservability(p *observability.Provider) Option { return func(e *Engine) { e.obs = p } }

// WithProposalTTL bounds how long a proposal stays open.
func WithProposalTTL(d time.Duration) Option { return func(e *Engine) { e.proposalTTL = d } }

// WithLockTimeout bounds how long an operation waits for a busy entity.
func WithLockTimeout(d time.Duration) Option { return func(e *Engine) { e.locks = keylock.New(d) } }

// WithSchema validates the properties of every local subscription.
func WithSchema(v *properties.SchemaValidator) Option { return func(e *Engine) { e.schema = v } }

// New creates an engine for role, signing as identity.
func New(role contracts.Owner, identity crypto.Identity, repo store.Repository, delivery transport.Delivery, opts ...Option) (*Engine, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	e := &Engine{
		role:        role,
		identity:    identity,
		repo:        repo,
		delivery:    delivery,
		chain:       negotiator.NewChain(),
		locks:       keylock.New(keylock.DefaultTimeout),
		events:      newEventHub(),
		waiters:     newNotifier(),
		clock:       time.Now,
		proposalTTL: DefaultProposalTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default().With("component", "negotiation", "role", e.roleName(), "node", shortID(identity.NodeID()))
	}
	if e.obs == nil {
		p, err := observability.New(context.Background(), &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
		e.obs = p
	}
	return e, nil
}

// Role returns the side this engine plays.
func (e *Engine) Role() contracts.Owner { return e.role }

// NodeID returns the local node id.
func (e *Engine) NodeID() string { return e.identity.NodeID() }

func (e *Engine) roleName() string {
	if e.role == contracts.OwnerProvider {
		return "provider"
	}
	return "requestor"
}

func (e *Engine) now() time.Time { return e.clock().UTC() }

func (e *Engine) track(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs, observability.AttrRole.String(e.roleName()))
	return e.obs.TrackOperation(ctx, "market."+op, attrs...)
}

// opErr wraps a failed public operation.
func opErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &contracts.OpError{Op: op, ID: id, Err: err}
}

func chainKey(offerID, demandID string) string { return "chain:" + offerID + "/" + demandID }

func agreementKey(id contracts.AgreementID) string { return "agreement:" + id.Hash }

// negotiatorsKey serializes every approval and release on the negotiator
// chain, so a capacity check and the hook that consumes it cannot
// interleave across agreements. Lock order: agreement, chain, negotiators.
const negotiatorsKey = "negotiators"

func (e *Engine) lock(ctx context.Context, key string) (func(), error) {
	return e.locks.Lock(ctx, key)
}

// localSubscription loads a subscription owned by this node.
func (e *Engine) localSubscription(ctx context.Context, id string) (*contracts.Subscription, error) {
	sub, err := e.repo.LoadSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.NodeID != e.NodeID() {
		return nil, fmt.Errorf("subscription %s is not ours: %w", id, store.ErrNotFound)
	}
	return sub, nil
}

// send delivers a JSON body to one node.
func (e *Engine) send(ctx context.Context, to string, typ transport.MessageType, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	if err := e.delivery.SendTo(ctx, to, transport.NewMessage(typ, payload, e.now())); err != nil {
		var remote *contracts.RemoteError
		if errors.As(err, &remote) {
			e.logger.WarnContext(ctx, "peer refused message", "type", typ, "to", shortID(to), "code", remote.Code, "message", remote.Message)
		} else {
			e.logger.ErrorContext(ctx, "message delivery failed", "type", typ, "to", shortID(to), "error", err)
		}
		return err
	}
	return nil
}

// notify sends a message whose loss does not undo the local transition. The
// peer learns of the change later through expiry.
func (e *Engine) notify(ctx context.Context, to string, typ transport.MessageType, body any) {
	_ = e.send(ctx, to, typ, body)
}

func (e *Engine) broadcast(ctx context.Context, typ transport.MessageType, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	if err := e.delivery.Broadcast(ctx, transport.TopicOffers, transport.NewMessage(typ, payload, e.now())); err != nil {
		e.logger.ErrorContext(ctx, "broadcast failed", "type", typ, "error", err)
		return err
	}
	return nil
}

func (e *Engine) sign(a *contracts.Agreement) (string, error) {
	payload, err := a.SigningPayload()
	if err != nil {
		return "", fmt.Errorf("signing payload: %w", err)
	}
	return e.identity.Sign(payload)
}

func (e *Engine) verify(a *contracts.Agreement, signer, sig string) error {
	payload, err := a.SigningPayload()
	if err != nil {
		return fmt.Errorf("signing payload: %w", err)
	}
	ok, err := e.identity.Verify(signer, payload, sig)
	if err != nil || !ok {
		return fmt.Errorf("agreement %s signed by %s: %w", a.ID, shortID(signer), contracts.ErrInvalidSignature)
	}
	return nil
}

// validateContent checks that properties flatten and constraints build.
func validateContent(c contracts.ProposalContent) error {
	raw := c.Properties
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if _, err := properties.PropertySetFromJSON(raw); err != nil {
		return fmt.Errorf("properties: %w", err)
	}
	if _, err := parseConstraints(c.Constraints); err != nil {
		return fmt.Errorf("constraints: %w", err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
