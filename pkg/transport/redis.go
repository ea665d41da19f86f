package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
)

// DefaultReplyTimeout bounds how long SendTo waits for the peer's reply.
const DefaultReplyTimeout = 10 * time.Second

func nodeChannel(id string) string     { return "market:node:" + id }
func topicChannel(t string) string     { return "market:topic:" + t }
func replyChannel(msgID string) string { return "market:reply:" + msgID }

// RedisDelivery is a Delivery over Redis pub/sub. Envelopes are CBOR and
// signed by the sending node; anything that fails verification against its
// From field is dropped.
type RedisDelivery struct {
	client       redis.UniversalClient
	signer       Signer
	nodeID       string
	replyTimeout time.Duration
	logger       *slog.Logger
}

// NewRedisDelivery creates a delivery sending and signing as signer.
func NewRedisDelivery(client redis.UniversalClient, signer Signer) *RedisDelivery {
	nodeID := signer.NodeID()
	return &RedisDelivery{
		client:       client,
		signer:       signer,
		nodeID:       nodeID,
		replyTimeout: DefaultReplyTimeout,
		logger:       slog.Default().With("component", "transport.redis", "node", nodeID),
	}
}

// WithReplyTimeout overrides DefaultReplyTimeout.
func (d *RedisDelivery) WithReplyTimeout(t time.Duration) *RedisDelivery {
	d.replyTimeout = t
	return d
}

func (d *RedisDelivery) SendTo(ctx context.Context, nodeID string, msg Message) error {
	msg.To = nodeID
	msg.ReplyTo = replyChannel(msg.ID)
	msg, err := Seal(d.signer, msg)
	if err != nil {
		return err
	}

	sub := d.client.Subscribe(ctx, msg.ReplyTo)
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe reply channel: %w: %w", ErrDelivery, err)
	}

	data, err := Encode(msg)
	if err != nil {
		return err
	}
	receivers, err := d.client.Publish(ctx, nodeChannel(nodeID), data).Result()
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w: %w", msg.Type, nodeID, ErrDelivery, err)
	}
	if receivers == 0 {
		return fmt.Errorf("node %s is not listening: %w", nodeID, ErrDelivery)
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.replyTimeout)
	defer cancel()
	ch := sub.Channel()
	for {
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("await reply to %s: %w: %w", msg.ID, ErrDelivery, waitCtx.Err())
		case m, ok := <-ch:
			if !ok {
				return fmt.Errorf("reply channel closed: %w", ErrDelivery)
			}
			var r Reply
			if err := Decode([]byte(m.Payload), &r); err != nil {
				return fmt.Errorf("reply to %s: %w: %w", msg.ID, ErrDelivery, err)
			}
			if r.MessageID != msg.ID {
				continue
			}
			if err := verifyReply(r, nodeID); err != nil {
				d.logger.WarnContext(ctx, "dropping unverified reply", "message_id", msg.ID, "error", err)
				continue
			}
			if r.Error != nil {
				return r.Error
			}
			return nil
		}
	}
}

func (d *RedisDelivery) Broadcast(ctx context.Context, topic string, msg Message) error {
	msg.Topic = topic
	msg, err := Seal(d.signer, msg)
	if err != nil {
		return err
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := d.client.Publish(ctx, topicChannel(topic), data).Err(); err != nil {
		return fmt.Errorf("broadcast %s on %s: %w: %w", msg.Type, topic, ErrDelivery, err)
	}
	return nil
}

// Serve dispatches messages addressed to this node and to topics until ctx
// is done. Replies are published for every direct message.
func (d *RedisDelivery) Serve(ctx context.Context, h Handler, topics ...string) error {
	channels := []string{nodeChannel(d.nodeID)}
	for _, t := range topics {
		channels = append(channels, topicChannel(t))
	}
	sub := d.client.Subscribe(ctx, channels...)
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w: %w", ErrDelivery, err)
	}
	d.logger.InfoContext(ctx, "serving", "channels", channels)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription closed: %w", ErrDelivery)
			}
			d.dispatch(ctx, h, []byte(m.Payload))
		}
	}
}

func (d *RedisDelivery) dispatch(ctx context.Context, h Handler, data []byte) {
	var msg Message
	if err := Decode(data, &msg); err != nil {
		d.logger.WarnContext(ctx, "dropping undecodable message", "error", err)
		return
	}
	if msg.From == d.nodeID {
		return
	}
	if err := VerifyEnvelope(msg); err != nil {
		d.logger.WarnContext(ctx, "dropping unverified message", "type", msg.Type, "from", msg.From, "error", err)
		return
	}
	herr := h.HandleMessage(ctx, msg)
	if msg.ReplyTo == "" {
		if herr != nil {
			d.logger.WarnContext(ctx, "broadcast handler failed", "type", msg.Type, "from", msg.From, "error", herr)
		}
		return
	}
	reply, err := sealReply(d.signer, Reply{MessageID: msg.ID, Error: contracts.ToRemote(herr)})
	if err != nil {
		d.logger.ErrorContext(ctx, "sign reply", "error", err)
		return
	}
	out, err := Encode(reply)
	if err != nil {
		d.logger.ErrorContext(ctx, "encode reply", "error", err)
		return
	}
	if err := d.client.Publish(ctx, msg.ReplyTo, out).Err(); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.ErrorContext(ctx, "publish reply", "message_id", msg.ID, "error", err)
	}
}

var _ Delivery = (*RedisDelivery)(nil)
