package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_SerializesSameKey(t *testing.T) {
	l := New(time.Second)
	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "agreement:P-01")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
	assert.Equal(t, 0, l.Len())
}

func TestLock_DistinctKeysIndependent(t *testing.T) {
	l := New(50 * time.Millisecond)
	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := l.Lock(context.Background(), "b")
	require.NoError(t, err)
	unlockB()
	assert.Equal(t, 1, l.Len())
}

func TestLock_Timeout(t *testing.T) {
	l := New(20 * time.Millisecond)
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	_, err = l.Lock(context.Background(), "k")
	require.ErrorIs(t, err, ErrTimeout)

	unlock()
	unlock() // idempotent

	again, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	again()
	assert.Equal(t, 0, l.Len())
}

func TestLock_ContextCancelled(t *testing.T) {
	l := New(time.Second)
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Lock(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}
