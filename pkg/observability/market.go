package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
)

// Market attributes.
var (
	AttrOperation = attribute.Key("market.operation")
	AttrRole      = attribute.Key("market.role")
	AttrNodeID    = attribute.Key("market.node_id")

	AttrSubscriptionID = attribute.Key("market.subscription.id")
	AttrProposalID     = attribute.Key("market.proposal.id")
	AttrAgreementID    = attribute.Key("market.agreement.id")
	AttrState          = attribute.Key("market.state")
	AttrMessageType    = attribute.Key("market.message.type")
	AttrMatch          = attribute.Key("market.match")
	AttrErrorKind      = attribute.Key("market.error.kind")
)

// ProposalOperation returns attributes for a proposal transition.
func ProposalOperation(role, subscriptionID, proposalID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRole.String(role),
		AttrSubscriptionID.String(subscriptionID),
		AttrProposalID.String(proposalID),
	}
}

// AgreementOperation returns attributes for an agreement transition.
func AgreementOperation(role, agreementID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRole.String(role),
		AttrAgreementID.String(agreementID),
	}
}

// MessageOperation returns attributes for inbound message handling.
func MessageOperation(role, msgType, from string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRole.String(role),
		AttrMessageType.String(msgType),
		AttrNodeID.String(from),
	}
}

// ErrorKind classifies err for the error counter.
func ErrorKind(err error) string {
	var remote *contracts.RemoteError
	var state *contracts.StateError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &remote):
		return "remote." + string(remote.Code)
	case errors.As(err, &state):
		return "invalid_state"
	case errors.Is(err, contracts.ErrTransport):
		return "transport"
	case errors.Is(err, contracts.ErrExpired):
		return "expired"
	case errors.Is(err, contracts.ErrUnsubscribed):
		return "unsubscribed"
	case errors.Is(err, contracts.ErrNotFound):
		return "not_found"
	case errors.Is(err, contracts.ErrRejected):
		return "rejected"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "context"
	default:
		return "internal"
	}
}

// AddSpanEvent adds an event to the span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
