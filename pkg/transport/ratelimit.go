package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
)

// SenderLimiter throttles inbound messages per sending node.
type SenderLimiter struct {
	next    Handler
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	senders map[string]*sender
}

type sender struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit wraps h so that each sender may deliver at most rps messages per
// second with the given burst. Excess messages fail with
// contracts.ErrRateLimited.
func RateLimit(h Handler, rps float64, burst int) *SenderLimiter {
	return &SenderLimiter{
		next:    h,
		limit:   rate.Limit(rps),
		burst:   burst,
		senders: make(map[string]*sender),
	}
}

func (l *SenderLimiter) HandleMessage(ctx context.Context, msg Message) error {
	if !l.get(msg.From).Allow() {
		return fmt.Errorf("sender %s: %w", msg.From, contracts.ErrRateLimited)
	}
	return l.next.HandleMessage(ctx, msg)
}

func (l *SenderLimiter) get(from string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.senders[from]
	if !ok {
		s = &sender{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.senders[from] = s
	}
	s.lastSeen = time.Now()
	return s.limiter
}

// Prune forgets senders idle for longer than idle.
func (l *SenderLimiter) Prune(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, s := range l.senders {
		if time.Since(s.lastSeen) > idle {
			delete(l.senders, id)
		}
	}
}
