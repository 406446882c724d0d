package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesSubmittedWork(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(2, 4, 10, func(_ context.Context, n int) error {
		processed.Add(int64(n))
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))

	for i := 1; i <= 5; i++ {
		require.NoError(t, pool.Submit(i))
	}

	require.Eventually(t, func() bool {
		return processed.Load() == 15
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, pool.Stop(time.Second))
}

func TestSubmitBeforeStartFails(t *testing.T) {
	pool := NewPool(1, 1, 1, func(context.Context, int) error { return nil })

	err := pool.Submit(1)
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

func TestSubmitAfterStopFails(t *testing.T) {
	pool := NewPool(1, 1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))

	err := pool.Submit(1)
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestQueueFullRejectsWithAbortPolicy(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, 1, func(_ context.Context, _ int) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		close(release)
		_ = pool.Stop(time.Second)
	}()

	// First item occupies the single worker, second fills the queue
	require.NoError(t, pool.Submit(1))
	require.Eventually(t, func() bool {
		return pool.Stats().Active == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(2))

	err := pool.Submit(3)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)
}

func TestPoolGrowsUnderBacklog(t *testing.T) {
	var mu sync.Mutex
	inflight := 0
	peak := 0
	release := make(chan struct{})

	pool := NewPool(1, 4, 50, func(_ context.Context, _ int) error {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inflight--
		mu.Unlock()
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return peak >= 2
	}, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, pool.Stop(time.Second))

	assert.LessOrEqual(t, peak, 4)
}

func TestIdleWorkersReapedDownToMinimum(t *testing.T) {
	pool := NewPool(1, 4, 50, func(context.Context, int) error { return nil },
		WithIdleTimeout[int](20*time.Millisecond))
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(time.Second)

	for i := 0; i < 30; i++ {
		require.NoError(t, pool.Submit(i))
	}

	require.Eventually(t, func() bool {
		return pool.Stats().Processed == 30
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return pool.Stats().Workers == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStopDrainsQueuedWork(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(1, 1, 20, func(_ context.Context, _ int) error {
		time.Sleep(time.Millisecond)
		processed.Add(1)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(i))
	}

	require.NoError(t, pool.Stop(5*time.Second))
	assert.Equal(t, int64(10), processed.Load())
}

func TestStopForceCancelsStuckWork(t *testing.T) {
	started := make(chan struct{})
	pool := NewPool(1, 1, 5, func(ctx context.Context, _ int) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(1))
	<-started

	err := pool.Stop(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrStopTimeout)
}

func TestFailedWorkCounted(t *testing.T) {
	pool := NewPool(1, 1, 5, func(context.Context, int) error {
		return errors.New("boom")
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(1))
	require.Eventually(t, func() bool {
		return pool.Stats().Failed == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, pool.Stop(time.Second))
}

func TestNilProcessorPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewPool[int](1, 1, 1, nil)
	})
}

func TestDoubleStartFails(t *testing.T) {
	pool := NewPool(1, 1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(time.Second)

	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
}
