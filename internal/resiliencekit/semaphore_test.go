package resiliencekit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	sem := NewSemaphore(2)
	var inFlight, maxObserved int64

	release := make(chan struct{})
	started := make(chan struct{}, 3)

	for i := 0; i < 3; i++ {
		go func() {
			require.NoError(t, sem.Acquire(context.Background()))
			defer sem.Release()
			n := atomic.AddInt64(&inFlight, 1)
			for {
				cur := atomic.LoadInt64(&maxObserved)
				if n <= cur || atomic.CompareAndSwapInt64(&maxObserved, cur, n) {
					break
				}
			}
			started <- struct{}{}
			<-release
			atomic.AddInt64(&inFlight, -1)
		}()
	}

	<-started
	<-started
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt64(&maxObserved), int64(2))
	close(release)
}

func TestSemaphoreUnboundedWhenZero(t *testing.T) {
	sem := NewSemaphore(0)
	assert.NoError(t, sem.Acquire(context.Background()))
	sem.Release()
}

func TestSemaphoreAcquireRespectsContext(t *testing.T) {
	sem := NewSemaphore(1)
	require.NoError(t, sem.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := sem.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
