// Copyright 2024-2026 Aiku AI

package feed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-relay/pkg/metrics"
)

// MemoryBus is an in-process change feed. Queued changes are lost when the
// process stops, so the bus acknowledges each change once the handler is done
// with it and the pump marks the outbox row published only then.
type MemoryBus struct {
	queue      chan *delivery
	closed     chan struct{}
	closeOnce  sync.Once
	maxDeliver int
	retryDelay time.Duration
	ack        func(ctx context.Context, change *Change)
	log        zerolog.Logger
}

type delivery struct {
	change  *Change
	attempt int
}

var (
	_ Bus          = (*MemoryBus)(nil)
	_ Acknowledger = (*MemoryBus)(nil)
)

// NewMemoryBus creates an in-process bus. A failed delivery is retried after
// retryDelay times the attempt number, up to maxDeliver attempts in total.
func NewMemoryBus(bufferSize, maxDeliver int, retryDelay time.Duration, log zerolog.Logger) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if maxDeliver <= 0 {
		maxDeliver = 5
	}
	return &MemoryBus{
		queue:      make(chan *delivery, bufferSize),
		closed:     make(chan struct{}),
		maxDeliver: maxDeliver,
		retryDelay: retryDelay,
		log:        log.With().Str("component", "memory_bus").Logger(),
	}
}

func (b *MemoryBus) OnAck(fn func(ctx context.Context, change *Change)) {
	b.ack = fn
}

func (b *MemoryBus) Publish(ctx context.Context, change *Change) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	select {
	case b.queue <- &delivery{change: change, attempt: 1}:
		return nil
	case <-b.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe calls handler concurrently for each delivered change and returns
// once ctx is canceled or the bus is closed and all running handlers returned.
func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.closed:
			return nil
		case d := <-b.queue:
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.deliver(ctx, d, handler)
			}()
		}
	}
}

func (b *MemoryBus) deliver(ctx context.Context, d *delivery, handler Handler) {
	err := handler(ctx, d.change)
	if err == nil {
		b.acknowledge(ctx, d.change)
		return
	}
	log := b.log.With().Int64("seq", d.change.Seq).Int("attempt", d.attempt).Logger()
	if d.attempt >= b.maxDeliver {
		log.Error().Err(err).Msg("Dropping change after max deliveries")
		b.acknowledge(ctx, d.change)
		return
	}
	log.Warn().Err(err).Msg("Change handler failed, scheduling redelivery")
	metrics.IncFeedRedelivery()
	next := &delivery{change: d.change, attempt: d.attempt + 1}
	time.AfterFunc(b.retryDelay*time.Duration(d.attempt), func() {
		select {
		case b.queue <- next:
		case <-b.closed:
		}
	})
}

func (b *MemoryBus) acknowledge(ctx context.Context, change *Change) {
	if b.ack != nil {
		b.ack(context.WithoutCancel(ctx), change)
	}
}

func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
	return nil
}
