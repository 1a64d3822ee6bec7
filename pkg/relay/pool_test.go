// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()
	pool := NewWorkerPool(2, time.Second, zerolog.Nop())
	var running, peak atomic.Int32
	release := make(chan struct{})

	for range 5 {
		go func() {
			_ = pool.Submit(context.Background(), func(context.Context) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				running.Add(-1)
			})
		}()
	}
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Eventually(t, func() bool { return running.Load() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Shutdown(ctx))
	assert.EqualValues(t, 2, peak.Load())
}

func TestWorkerPoolDetachesCancellation(t *testing.T) {
	t.Parallel()
	pool := NewWorkerPool(1, time.Second, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	require.NoError(t, pool.Submit(ctx, func(taskCtx context.Context) {
		cancel()
		time.Sleep(20 * time.Millisecond)
		finished <- taskCtx.Err()
	}))
	assert.NoError(t, <-finished, "canceling the listener must not cancel running tasks")
}

func TestWorkerPoolShutdown(t *testing.T) {
	t.Parallel()
	pool := NewWorkerPool(1, time.Second, zerolog.Nop())
	var done atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) {
		time.Sleep(30 * time.Millisecond)
		done.Store(true)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	assert.True(t, done.Load(), "shutdown waits for in-flight tasks")

	assert.ErrorIs(t, pool.Submit(context.Background(), func(context.Context) {}), ErrPoolClosed)
	assert.ErrorIs(t, pool.Do(context.Background(), func(context.Context) error { return nil }), ErrPoolClosed)
}

func TestWorkerPoolShutdownTimeout(t *testing.T) {
	t.Parallel()
	pool := NewWorkerPool(1, time.Second, zerolog.Nop())
	block := make(chan struct{})
	defer close(block)
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Shutdown(ctx), context.DeadlineExceeded)
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	t.Parallel()
	pool := NewWorkerPool(1, time.Second, zerolog.Nop())
	err := pool.Do(context.Background(), func(context.Context) error {
		panic("boom")
	})
	assert.ErrorContains(t, err, "boom")
	assert.NoError(t, pool.Do(context.Background(), func(context.Context) error { return nil }))
}
