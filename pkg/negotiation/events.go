package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
)

// EventKind names what happened on a subscription.
type EventKind string

// Event kinds.
const (
	EventProposal            EventKind = "PROPOSAL"
	EventProposalRejected    EventKind = "PROPOSAL_REJECTED"
	EventAgreementProposed   EventKind = "AGREEMENT_PROPOSED"
	EventAgreementApproved   EventKind = "AGREEMENT_APPROVED"
	EventAgreementRejected   EventKind = "AGREEMENT_REJECTED"
	EventAgreementCancelled  EventKind = "AGREEMENT_CANCELLED"
	EventAgreementTerminated EventKind = "AGREEMENT_TERMINATED"
	EventAgreementExpired    EventKind = "AGREEMENT_EXPIRED"
)

// Event is a notification queued on a local subscription.
type Event struct {
	ID             string                 `json:"id"`
	Kind           EventKind              `json:"kind"`
	SubscriptionID string                 `json:"subscription_id"`
	ProposalID     *contracts.ProposalID  `json:"proposal_id,omitempty"`
	AgreementID    *contracts.AgreementID `json:"agreement_id,omitempty"`
	Reason         *contracts.Reason      `json:"reason,omitempty"`
	At             time.Time              `json:"at"`
}

type eventQueue struct {
	mu     sync.Mutex
	events []Event
	signal chan struct{}
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{})}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.events = append(q.events, ev)
	close(q.signal)
	q.signal = make(chan struct{})
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// wait returns up to limit queued events, blocking until at least one is
// available, the timeout passes (empty result) or the queue is closed.
func (q *eventQueue) wait(ctx context.Context, timeout time.Duration, limit int) ([]Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, contracts.ErrUnsubscribed
		}
		if n := len(q.events); n > 0 {
			if limit <= 0 || limit > n {
				limit = n
			}
			out := append([]Event(nil), q.events[:limit]...)
			q.events = q.events[limit:]
			q.mu.Unlock()
			return out, nil
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return []Event{}, nil
		case <-signal:
		}
	}
}

// eventHub holds one queue per local subscription.
type eventHub struct {
	mu     sync.Mutex
	queues map[string]*eventQueue
}

func newEventHub() *eventHub {
	return &eventHub{queues: make(map[string]*eventQueue)}
}

func (h *eventHub) queue(subID string) *eventQueue {
	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.queues[subID]
	if !ok {
		q = newEventQueue()
		h.queues[subID] = q
	}
	return q
}

// close ends pending waits on subID and drops its queue.
func (h *eventHub) close(subID string) {
	h.mu.Lock()
	q, ok := h.queues[subID]
	delete(h.queues, subID)
	h.mu.Unlock()
	if ok {
		q.close()
	}
}

func (h *eventHub) ids() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.queues))
	for id := range h.queues {
		out = append(out, id)
	}
	return out
}

func (h *eventHub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queues)
}

// sweepEvents drops the queues of subscriptions that are gone, expired or
// unsubscribed. Events emitted to them after the fact recreate a queue that
// nobody reads, so this runs with every expiry pass.
func (e *Engine) sweepEvents(ctx context.Context, now time.Time) int {
	n := 0
	for _, id := range e.events.ids() {
		sub, err := e.repo.LoadSubscription(ctx, id)
		if err == nil && sub.IsActive(now) {
			continue
		}
		if err != nil && !errors.Is(err, contracts.ErrNotFound) {
			continue
		}
		e.events.close(id)
		n++
	}
	return n
}

func (e *Engine) emit(subID string, kind EventKind, pid *contracts.ProposalID, aid *contracts.AgreementID, reason *contracts.Reason) {
	e.events.queue(subID).push(Event{
		ID:             uuid.New().String(),
		Kind:           kind,
		SubscriptionID: subID,
		ProposalID:     pid,
		AgreementID:    aid,
		Reason:         reason,
		At:             e.now(),
	})
}

// QueryEvents returns up to limit pending events of a local subscription
// (all of them when limit <= 0). It waits at most timeout for the first event
// and returns an empty slice when none arrives. Unsubscribing ends a pending
// wait with contracts.ErrUnsubscribed.
func (e *Engine) QueryEvents(ctx context.Context, subID string, timeout time.Duration, limit int) (events []Event, err error) {
	ctx, done := e.track(ctx, "query_events")
	defer func() { done(err) }()

	sub, err := e.localSubscription(ctx, subID)
	if err != nil {
		return nil, opErr("query_events", subID, err)
	}
	if err := sub.Validate(e.now()); err != nil {
		return nil, opErr("query_events", subID, err)
	}
	events, err = e.events.queue(subID).wait(ctx, timeout, limit)
	if err != nil {
		return nil, opErr("query_events", subID, fmt.Errorf("subscription %s: %w", subID, err))
	}
	return events, nil
}

// notifier wakes goroutines waiting on a key.
type notifier struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func newNotifier() *notifier {
	return &notifier{chans: make(map[string]chan struct{})}
}

func (n *notifier) wait(key string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.chans[key]
	if !ok {
		ch = make(chan struct{})
		n.chans[key] = ch
	}
	return ch
}

func (n *notifier) notify(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.chans[key]; ok {
		close(ch)
		delete(n.chans, key)
	}
}
