package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoolDefaults(t *testing.T) {
	noop := func(context.Context, int) error { return nil }

	pool := NewPool(0, 0, noop)
	assert.Equal(t, 10, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)

	assert.Panics(t, func() { NewPool[int](1, 1, nil) })
}

func TestPoolProcessesWork(t *testing.T) {
	var processed int64
	pool := NewPool(2, 10, func(_ context.Context, n int) error {
		atomic.AddInt64(&processed, 1)
		if n%2 == 0 {
			return errors.New("even")
		}
		return nil
	})

	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)

	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(i))
	}

	require.Eventually(t, func() bool { return atomic.LoadInt64(&processed) == 4 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(4), stats.Submitted)
	assert.Equal(t, int64(4), stats.Processed)
	assert.Equal(t, int64(2), stats.Failed)
	assert.ErrorIs(t, pool.Submit(5), ErrPoolStopped)
}

func TestPoolQueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(ctx context.Context, _ int) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(1))
	require.Eventually(t, func() bool { return pool.Stats().Active == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, pool.Submit(2))
	assert.ErrorIs(t, pool.Submit(3), ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	close(release)
}

func TestPoolShutdownDoesNotWait(t *testing.T) {
	started := make(chan struct{})
	var cancelled int32
	pool := NewPool(1, 1, func(ctx context.Context, _ int) error {
		close(started)
		<-ctx.Done()
		atomic.StoreInt32(&cancelled, 1)
		return ctx.Err()
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(1))
	<-started

	begin := time.Now()
	pool.Shutdown()
	assert.Less(t, time.Since(begin), 100*time.Millisecond)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&cancelled) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, pool.Submit(2), ErrPoolStopped)
}
