package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
)

// MemoryNetwork connects nodes inside one process. Delivery is synchronous.
type MemoryNetwork struct {
	mu     sync.RWMutex
	nodes  map[string]Handler
	topics map[string]map[string]bool
	logger *slog.Logger
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		nodes:  make(map[string]Handler),
		topics: make(map[string]map[string]bool),
		logger: slog.Default().With("component", "transport.memory"),
	}
}

// Join registers nodeID with handler h, subscribed to topics, and returns
// its Delivery.
func (n *MemoryNetwork) Join(nodeID string, h Handler, topics ...string) *MemoryEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[nodeID] = h
	for _, t := range topics {
		if n.topics[t] == nil {
			n.topics[t] = make(map[string]bool)
		}
		n.topics[t][nodeID] = true
	}
	return n.Endpoint(nodeID)
}

// Endpoint returns the Delivery of nodeID without registering a handler, so
// that a handler needing its own Delivery can be built before Join.
func (n *MemoryNetwork) Endpoint(nodeID string) *MemoryEndpoint {
	return &MemoryEndpoint{net: n, nodeID: nodeID}
}

// Leave removes nodeID. Later sends to it fail with ErrDelivery.
func (n *MemoryNetwork) Leave(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, nodeID)
	for _, members := range n.topics {
		delete(members, nodeID)
	}
}

// MemoryEndpoint is one node's view of a MemoryNetwork.
type MemoryEndpoint struct {
	net    *MemoryNetwork
	nodeID string
}

// NodeID returns the node this endpoint sends as.
func (e *MemoryEndpoint) NodeID() string { return e.nodeID }

func (e *MemoryEndpoint) SendTo(ctx context.Context, nodeID string, msg Message) error {
	e.net.mu.RLock()
	h, ok := e.net.nodes[nodeID]
	e.net.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send %s to %s: %w", msg.Type, nodeID, ErrDelivery)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send %s to %s: %w: %w", msg.Type, nodeID, ErrDelivery, err)
	}
	msg.From = e.nodeID
	msg.To = nodeID
	if err := h.HandleMessage(ctx, msg); err != nil {
		return contracts.ToRemote(err)
	}
	return nil
}

func (e *MemoryEndpoint) Broadcast(ctx context.Context, topic string, msg Message) error {
	e.net.mu.RLock()
	var targets []string
	for id := range e.net.topics[topic] {
		if id != e.nodeID {
			targets = append(targets, id)
		}
	}
	handlers := make([]Handler, 0, len(targets))
	sort.Strings(targets)
	for _, id := range targets {
		handlers = append(handlers, e.net.nodes[id])
	}
	e.net.mu.RUnlock()

	msg.From = e.nodeID
	msg.Topic = topic
	for i, h := range handlers {
		if err := h.HandleMessage(ctx, msg); err != nil {
			e.net.logger.WarnContext(ctx, "broadcast handler failed",
				"topic", topic, "type", msg.Type, "node", targets[i], "error", err)
		}
	}
	return nil
}

var _ Delivery = (*MemoryEndpoint)(nil)
