// Package transport carries market protocol messages between nodes.
//
// Delivery has two shapes: SendTo is a request to one node whose handler
// outcome travels back to the caller, and Broadcast publishes to every node
// listening on a topic without waiting for replies. Transport failures wrap
// ErrDelivery; a handler failure on the peer comes back as a
// *contracts.RemoteError, so callers can tell the two apart.
package transport

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
)

// ErrDelivery marks a transport failure. It is retryable.
var ErrDelivery = contracts.ErrTransport

// MessageType names a protocol message.
type MessageType string

// Protocol messages.
const (
	MsgOfferPublished      MessageType = "offer.published"
	MsgOfferUnsubscribed   MessageType = "offer.unsubscribed"
	MsgProposal            MessageType = "proposal"
	MsgProposalRejected    MessageType = "proposal.rejected"
	MsgAgreementProposed   MessageType = "agreement.proposed"
	MsgAgreementApproved   MessageType = "agreement.approved"
	MsgAgreementRejected   MessageType = "agreement.rejected"
	MsgAgreementCancelled  MessageType = "agreement.cancelled"
	MsgAgreementTerminated MessageType = "agreement.terminated"
)

// TopicOffers is the broadcast topic for offer lifecycle notices.
const TopicOffers = "market.offers"

// Message is the envelope exchanged between nodes. Payload is the
// JSON-encoded body of the message type.
type Message struct {
	ID      string      `json:"id" cbor:"id"`
	Type    MessageType `json:"type" cbor:"type"`
	From    string      `json:"from" cbor:"from"`
	To      string      `json:"to,omitempty" cbor:"to,omitempty"`
	Topic   string      `json:"topic,omitempty" cbor:"topic,omitempty"`
	Payload []byte      `json:"payload" cbor:"payload"`
	SentAt  time.Time   `json:"sent_at" cbor:"sent_at"`
	ReplyTo string      `json:"reply_to,omitempty" cbor:"reply_to,omitempty"`
	// Signature is set by deliveries that cross a process boundary; see Seal.
	Signature string `json:"signature,omitempty" cbor:"signature,omitempty"`
}

// NewMessage creates a message with a fresh id.
func NewMessage(typ MessageType, payload []byte, now time.Time) Message {
	return Message{ID: uuid.New().String(), Type: typ, Payload: payload, SentAt: now.UTC()}
}

// Reply is the outcome of a SendTo, as returned by the receiving node.
type Reply struct {
	MessageID string                 `json:"message_id" cbor:"message_id"`
	From      string                 `json:"from,omitempty" cbor:"from,omitempty"`
	Error     *contracts.RemoteError `json:"error,omitempty" cbor:"error,omitempty"`
	Signature string                 `json:"signature,omitempty" cbor:"signature,omitempty"`
}

// Handler processes inbound messages.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Delivery sends messages on behalf of one node.
type Delivery interface {
	// SendTo delivers msg to nodeID and returns the remote handler outcome.
	SendTo(ctx context.Context, nodeID string, msg Message) error
	// Broadcast publishes msg to every other node listening on topic.
	Broadcast(ctx context.Context, topic string, msg Message) error
}
