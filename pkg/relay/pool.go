// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/aiku/mattermost-matrix-relay/pkg/metrics"
)

// WorkerPool runs independent units of work with bounded concurrency. Tasks
// are detached from the caller's cancellation so a shutdown never interrupts
// a send halfway; each task gets its own timeout instead.
type WorkerPool struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewWorkerPool(size int, timeout time.Duration, log zerolog.Logger) *WorkerPool {
	if size <= 0 {
		size = 16
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &WorkerPool{
		sem:     semaphore.NewWeighted(int64(size)),
		timeout: timeout,
		log:     log.With().Str("component", "worker_pool").Logger(),
	}
}

// Submit runs fn in the background. It blocks while the pool is full and
// returns ErrPoolClosed after Shutdown.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	if !p.track() {
		return ErrPoolClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.wg.Done()
		return err
	}
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		_ = p.run(ctx, func(ctx context.Context) error {
			fn(ctx)
			return nil
		})
	}()
	return nil
}

// Do runs fn in the calling goroutine under the pool's concurrency limit and
// returns its error.
func (p *WorkerPool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !p.track() {
		return ErrPoolClosed
	}
	defer p.wg.Done()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return p.run(ctx, fn)
}

// Shutdown stops accepting work and waits for running tasks until ctx is done.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tasks still running at shutdown: %w", ctx.Err())
	}
}

func (p *WorkerPool) track() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	return true
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	metrics.TaskStarted()
	defer metrics.TaskFinished()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Any("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Task panicked")
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}
