// Package keylock provides per-key mutual exclusion with a bounded wait.
//
// Each key gets a weight-1 semaphore that exists only while someone holds or
// waits for it, so distinct keys never contend and idle keys cost nothing.
package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrTimeout is returned when a lock could not be acquired in time.
var ErrTimeout = errors.New("keylock: timed out waiting for lock")

// DefaultTimeout bounds lock acquisition when none is configured.
const DefaultTimeout = 10 * time.Second

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Locker hands out exclusive locks by key.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
}

// New creates a Locker whose acquisitions give up after timeout.
func New(timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Locker{entries: make(map[string]*entry), timeout: timeout}
}

// Lock acquires key, waiting at most the configured timeout. The returned
// function releases the lock and is safe to call more than once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	e := l.ref(key)

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := e.sem.Acquire(waitCtx, 1); err != nil {
		l.unref(key, e)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
		}
		return nil, fmt.Errorf("lock %s after %s: %w", key, l.timeout, ErrTimeout)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(key, e)
		})
	}, nil
}

// Len returns the number of keys currently held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locker) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
