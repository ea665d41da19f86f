package negotiator

import (
	"context"
	"fmt"
	"strconv"
)

// TypeLinearPricing is the config type of LinearPricing.
const TypeLinearPricing = "linear-pricing"

// DefaultCoeffsKey is where linear pricing coefficients live on both sides.
const DefaultCoeffsKey = "golem.com.pricing.model.linear.coeffs"

// LinearPricing keeps the offer's price coefficients at or below the
// demand's. A demand without coefficients expresses no price opinion.
type LinearPricing struct {
	Base
	name string
	key  string
}

// NewLinearPricing creates the component reading coefficients from key.
func NewLinearPricing(name, key string) *LinearPricing {
	if key == "" {
		key = DefaultCoeffsKey
	}
	return &LinearPricing{name: name, key: key}
}

func newLinearPricingFromParams(name string, params map[string]any) (Component, error) {
	key, err := paramString(params, "coeffs_key", DefaultCoeffsKey)
	if err != nil {
		return nil, err
	}
	return NewLinearPricing(name, key), nil
}

func (p *LinearPricing) Name() string { return p.name }

func (p *LinearPricing) NegotiateStep(_ context.Context, demand, offer View) (Step, error) {
	raw, ok := demand.Get(p.key)
	if !ok {
		return Ready(offer), nil
	}
	want, err := coefficients(raw)
	if err != nil {
		return Reject(p.name, "demand "+err.Error(), false), nil
	}
	raw, ok = offer.Get(p.key)
	if !ok {
		return Reject(p.name, "offer has no pricing coefficients", false), nil
	}
	have, err := coefficients(raw)
	if err != nil {
		return Reject(p.name, "offer "+err.Error(), false), nil
	}
	if len(want) != len(have) {
		return Reject(p.name, fmt.Sprintf("pricing models differ: %d vs %d coefficients", len(want), len(have)), false), nil
	}

	clamped := make([]any, len(have))
	changed := false
	for i := range have {
		c := have[i]
		if c > want[i] {
			c = want[i]
			changed = true
		}
		clamped[i] = c
	}
	if !changed {
		return Ready(offer), nil
	}
	return Negotiating(offer.With(p.key, clamped)), nil
}

func coefficients(raw any) ([]float64, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("coefficients are %T, not a list", raw)
	}
	out := make([]float64, len(list))
	for i, item := range list {
		switch v := item.(type) {
		case float64:
			out[i] = v
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("coefficient %d: %w", i, err)
			}
			out[i] = f
		default:
			return nil, fmt.Errorf("coefficient %d is %T", i, item)
		}
	}
	return out, nil
}
