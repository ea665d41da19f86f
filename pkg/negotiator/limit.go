package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
)

// TypeAgreementLimit is the config type of AgreementLimit.
const TypeAgreementLimit = "agreement-limit"

// ErrCapacityExceeded reports an approval beyond the configured maximum. It
// means approvals were not serialized.
var ErrCapacityExceeded = errors.New("agreement capacity exceeded")

// AgreementLimit caps the number of simultaneously approved agreements.
type AgreementLimit struct {
	Base
	name   string
	max    int
	mu     sync.Mutex
	active map[string]bool
}

// NewAgreementLimit creates the component allowing limit active agreements.
func NewAgreementLimit(name string, limit int) *AgreementLimit {
	return &AgreementLimit{name: name, max: limit, active: make(map[string]bool)}
}

func newAgreementLimitFromParams(name string, params map[string]any) (Component, error) {
	limit, err := paramInt(params, "max_agreements", 1)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		return nil, fmt.Errorf("max_agreements must be positive, got %d", limit)
	}
	return NewAgreementLimit(name, limit), nil
}

func (l *AgreementLimit) Name() string { return l.name }

// Active returns the number of approved, unterminated agreements.
func (l *AgreementLimit) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

func (l *AgreementLimit) NegotiateStep(_ context.Context, _, offer View) (Step, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.active) >= l.max {
		return Reject(l.name, fmt.Sprintf("at capacity: %d of %d agreements active", len(l.active), l.max), false), nil
	}
	return Ready(offer), nil
}

func (l *AgreementLimit) OnAgreementApproved(_ context.Context, a *contracts.Agreement) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[a.ID.Hash] {
		return nil
	}
	if len(l.active) >= l.max {
		return fmt.Errorf("agreement %s: %w (%d active)", a.ID, ErrCapacityExceeded, len(l.active))
	}
	l.active[a.ID.Hash] = true
	return nil
}

func (l *AgreementLimit) OnAgreementTerminated(_ context.Context, a *contracts.Agreement, _ *contracts.Reason) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, a.ID.Hash)
	return nil
}
