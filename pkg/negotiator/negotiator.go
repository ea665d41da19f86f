// Package negotiator runs provider-side policy over proposals.
//
// A Component inspects the demand and offer of one negotiation round and
// answers Ready (offer acceptable as is), Negotiating (offer changed, another
// round needed) or Reject. Components are composed into a Chain, run in
// order; the first Reject stops the chain.
package negotiator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
	"github.com/Mindburn-Labs/helm-market/pkg/properties"
)

// View is one side of a round: flattened properties and constraints.
type View struct {
	Properties  map[string]any
	Constraints string
}

// ViewFromContent flattens proposal content into a View.
func ViewFromContent(c contracts.ProposalContent) (View, error) {
	raw := c.Properties
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	flat, err := properties.FlattenMapJSON(raw)
	if err != nil {
		return View{}, fmt.Errorf("view: %w", err)
	}
	return View{Properties: flat, Constraints: c.Constraints}, nil
}

// Content encodes v back into proposal content.
func (v View) Content() (contracts.ProposalContent, error) {
	props := v.Properties
	if props == nil {
		props = map[string]any{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return contracts.ProposalContent{}, fmt.Errorf("encode view: %w", err)
	}
	return contracts.ProposalContent{Properties: raw, Constraints: v.Constraints}, nil
}

// Get returns the property at a dotted key.
func (v View) Get(key string) (any, bool) {
	val, ok := v.Properties[key]
	return val, ok
}

// Clone returns a copy whose property map may be changed freely.
func (v View) Clone() View {
	cp := View{Properties: make(map[string]any, len(v.Properties)), Constraints: v.Constraints}
	for k, val := range v.Properties {
		if list, ok := val.([]any); ok {
			val = append([]any(nil), list...)
		}
		cp.Properties[k] = val
	}
	return cp
}

// With returns a copy of v with key set to val.
func (v View) With(key string, val any) View {
	cp := v.Clone()
	cp.Properties[key] = val
	return cp
}

// StepKind is the verdict of one negotiation step.
type StepKind int

const (
	StepReady StepKind = iota
	StepNegotiating
	StepReject
)

func (k StepKind) String() string {
	switch k {
	case StepReady:
		return "ready"
	case StepNegotiating:
		return "negotiating"
	default:
		return "reject"
	}
}

// Step is a component's answer. Offer is the (possibly changed) offer for
// Ready and Negotiating; Reject is set for StepReject.
type Step struct {
	Kind   StepKind
	Offer  View
	Reject *RejectError
}

// Ready accepts offer unchanged.
func Ready(offer View) Step { return Step{Kind: StepReady, Offer: offer} }

// Negotiating asks for another round with offer.
func Negotiating(offer View) Step { return Step{Kind: StepNegotiating, Offer: offer} }

// Reject ends negotiation. A final rejection means the pair must not be
// retried.
func Reject(component, message string, final bool) Step {
	return Step{Kind: StepReject, Reject: &RejectError{Component: component, Message: message, Final: final}}
}

// RejectError is a component's refusal.
type RejectError struct {
	Component string
	Message   string
	Final     bool
}

func (e *RejectError) Error() string {
	if e.Final {
		return fmt.Sprintf("rejected by %s (final): %s", e.Component, e.Message)
	}
	return fmt.Sprintf("rejected by %s: %s", e.Component, e.Message)
}

// Is matches contracts.ErrRejected, and contracts.ErrFinallyRejected for
// final rejections.
func (e *RejectError) Is(target error) bool {
	return target == contracts.ErrRejected || (e.Final && target == contracts.ErrFinallyRejected)
}

// Reason converts e into an agreement/proposal reason.
func (e *RejectError) Reason() *contracts.Reason {
	r := contracts.NewReason(e.Message)
	r.Code = "Rejected"
	r.Extra = map[string]any{"component": e.Component, "final": e.Final}
	return r
}

// Component is a negotiation policy.
type Component interface {
	Name() string
	NegotiateStep(ctx context.Context, demand, offer View) (Step, error)
	// FillTemplate adjusts an offer before it is first published.
	FillTemplate(ctx context.Context, offer View) (View, error)
	OnAgreementApproved(ctx context.Context, a *contracts.Agreement) error
	OnAgreementTerminated(ctx context.Context, a *contracts.Agreement, reason *contracts.Reason) error
}

// Base provides no-op hooks for embedding.
type Base struct{}

func (Base) FillTemplate(_ context.Context, offer View) (View, error) { return offer, nil }

func (Base) OnAgreementApproved(context.Context, *contracts.Agreement) error { return nil }

func (Base) OnAgreementTerminated(context.Context, *contracts.Agreement, *contracts.Reason) error {
	return nil
}

// Chain runs components in order.
type Chain struct {
	components []Component
	logger     *slog.Logger
}

// NewChain creates a chain of components.
func NewChain(components ...Component) *Chain {
	return &Chain{
		components: components,
		logger:     slog.Default().With("component", "negotiator"),
	}
}

// Names lists the components in order.
func (c *Chain) Names() []string {
	out := make([]string, len(c.components))
	for i, comp := range c.components {
		out[i] = comp.Name()
	}
	return out
}

// NegotiateStep threads offer through every component. The first Reject
// wins; otherwise the result is Negotiating if any component asked for
// another round, Ready if none did.
func (c *Chain) NegotiateStep(ctx context.Context, demand, offer View) (Step, error) {
	kind := StepReady
	for _, comp := range c.components {
		step, err := comp.NegotiateStep(ctx, demand, offer)
		if err != nil {
			return Step{}, fmt.Errorf("%s: %w", comp.Name(), err)
		}
		switch step.Kind {
		case StepReject:
			c.logger.InfoContext(ctx, "offer rejected", "by", comp.Name(), "final", step.Reject.Final, "reason", step.Reject.Message)
			return step, nil
		case StepNegotiating:
			kind = StepNegotiating
		}
		offer = step.Offer
	}
	return Step{Kind: kind, Offer: offer}, nil
}

// FillTemplate threads offer through every component's template hook.
func (c *Chain) FillTemplate(ctx context.Context, offer View) (View, error) {
	for _, comp := range c.components {
		var err error
		if offer, err = comp.FillTemplate(ctx, offer); err != nil {
			return View{}, fmt.Errorf("%s: %w", comp.Name(), err)
		}
	}
	return offer, nil
}

// OnAgreementApproved notifies components in order and stops at the first
// failure. Components already notified are then told, in reverse order,
// that the agreement terminated, so a failed approval holds no resources.
func (c *Chain) OnAgreementApproved(ctx context.Context, a *contracts.Agreement) error {
	for i, comp := range c.components {
		err := comp.OnAgreementApproved(ctx, a)
		if err == nil {
			continue
		}
		err = fmt.Errorf("%s: %w", comp.Name(), err)
		reason := contracts.NewReason("approval rolled back: " + err.Error())
		for j := i - 1; j >= 0; j-- {
			if undoErr := c.components[j].OnAgreementTerminated(ctx, a, reason); undoErr != nil {
				c.logger.ErrorContext(ctx, "approval rollback failed", "component", c.components[j].Name(),
					"agreement_id", a.ID.String(), "error", undoErr)
			}
		}
		return err
	}
	return nil
}

// OnAgreementTerminated notifies every component; all are called even if
// one fails.
func (c *Chain) OnAgreementTerminated(ctx context.Context, a *contracts.Agreement, reason *contracts.Reason) error {
	var errs []error
	for _, comp := range c.components {
		if err := comp.OnAgreementTerminated(ctx, a, reason); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", comp.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Factory builds a component from its parameters.
type Factory func(name string, params map[string]any) (Component, error)

// Config describes one component in a chain file.
type Config struct {
	Name   string         `json:"name" yaml:"name"`
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

var factories = map[string]Factory{
	TypeLinearPricing:  newLinearPricingFromParams,
	TypeAgreementLimit: newAgreementLimitFromParams,
	TypeCELPolicy:      newCELPolicyFromParams,
}

// Types lists the component types Build understands.
func Types() []string {
	out := make([]string, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Build creates a chain from configs, in order.
func Build(configs []Config) (*Chain, error) {
	components := make([]Component, 0, len(configs))
	seen := make(map[string]bool)
	for i, cfg := range configs {
		f, ok := factories[cfg.Type]
		if !ok {
			return nil, fmt.Errorf("component %d: unknown type %q (known: %v)", i, cfg.Type, Types())
		}
		name := cfg.Name
		if name == "" {
			name = cfg.Type
		}
		if seen[name] {
			return nil, fmt.Errorf("component %d: duplicate name %q", i, name)
		}
		seen[name] = true
		comp, err := f(name, cfg.Params)
		if err != nil {
			return nil, fmt.Errorf("component %q: %w", name, err)
		}
		components = append(components, comp)
	}
	return NewChain(components...), nil
}

func paramString(params map[string]any, key, def string) (string, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %s: want string, got %T", key, v)
	}
	return s, nil
}

func paramBool(params map[string]any, key string) (bool, error) {
	v, ok := params[key]
	if !ok {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("param %s: want bool, got %T", key, v)
	}
	return b, nil
}

func paramInt(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("param %s: %v is not an integer", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("param %s: want integer, got %T", key, v)
	}
}
