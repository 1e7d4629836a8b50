package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(n int) *Pool[int] {
	return NewPool[int](n).WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })
}

func TestPoolRunsJobs(t *testing.T) {
	p := newTestPool(4)
	defer p.Stop()

	var sum int64
	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(Job[int]{
			Payload:     i,
			Fn:          func(_ context.Context, n int) error { atomic.AddInt64(&sum, int64(n)); return nil },
			CleanupFunc: wg.Done,
		}))
	}
	wg.Wait()
	assert.Equal(t, int64(55), atomic.LoadInt64(&sum))
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := newTestPool(2)
	defer p.Stop()

	var running, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(Job[int]{
			Fn: func(context.Context, int) error {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			},
			CleanupFunc: wg.Done,
		}))
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPoolRetries(t *testing.T) {
	p := newTestPool(1)
	defer p.Stop()

	var calls int32
	done := make(chan struct{})
	require.NoError(t, p.Submit(Job[int]{
		Fn: func(context.Context, int) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("transient")
		},
		CleanupFunc: func() { close(done) },
	}))
	<-done
	assert.Equal(t, int32(maxAttempts), atomic.LoadInt32(&calls))
}

func TestPoolStopsRetryingPermanentErrors(t *testing.T) {
	p := newTestPool(1)
	defer p.Stop()

	permanent := errors.New("bad credentials")
	var calls int32
	done := make(chan struct{})
	require.NoError(t, p.Submit(Job[int]{
		Fn: func(context.Context, int) error {
			atomic.AddInt32(&calls, 1)
			return permanent
		},
		Retry:       func(err error) bool { return !errors.Is(err, permanent) },
		CleanupFunc: func() { close(done) },
	}))
	<-done
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSubmitAfterStop(t *testing.T) {
	p := newTestPool(1)
	p.Stop()
	p.Stop()

	err := p.Submit(Job[int]{Fn: func(context.Context, int) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolStopped)
	assert.Equal(t, int32(0), p.ActiveWorkers())
}
