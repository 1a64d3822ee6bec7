// Copyright 2024-2026 Aiku AI

package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
	"github.com/aiku/mattermost-matrix-relay/pkg/metrics"
)

// Outbox is the part of the change table the pump needs.
type Outbox interface {
	GetUnpublished(ctx context.Context, afterSeq int64, limit int) ([]*database.Change, error)
	MarkPublished(ctx context.Context, seq int64, at time.Time) error
}

// Pump moves outbox rows onto the bus in sequence order. With a broker the row
// is marked as published once the broker accepted it, so a crash between the
// two publishes it again. With an Acknowledger bus the row is marked once the
// change was handled, and the pump tracks what it already handed over in
// memory.
type Pump struct {
	outbox    Outbox
	bus       Bus
	interval  time.Duration
	batchSize int
	wake      chan struct{}
	log       zerolog.Logger

	deferred bool
	// cursor is the last seq handed to a deferred bus.
	cursor int64
}

func NewPump(outbox Outbox, bus Bus, interval time.Duration, batchSize int, log zerolog.Logger) *Pump {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	p := &Pump{
		outbox:    outbox,
		bus:       bus,
		interval:  interval,
		batchSize: batchSize,
		wake:      make(chan struct{}, 1),
		log:       log.With().Str("component", "outbox_pump").Logger(),
	}
	if acker, ok := bus.(Acknowledger); ok {
		p.deferred = true
		acker.OnAck(p.ack)
	}
	return p
}

// Notify wakes the pump before its next tick.
func (p *Pump) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run flushes the outbox on every tick or notification until ctx is canceled.
func (p *Pump) Run(ctx context.Context) error {
	p.log.Info().Dur("interval", p.interval).Bool("deferred_ack", p.deferred).Msg("Starting outbox pump")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Flush(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("Outbox flush failed")
		}
		select {
		case <-ctx.Done():
			p.log.Info().Msg("Outbox pump stopped")
			return nil
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// Flush publishes all pending outbox rows and returns how many were published.
// Flush must not be called concurrently.
func (p *Pump) Flush(ctx context.Context) (int, error) {
	published := 0
	for {
		changes, err := p.outbox.GetUnpublished(ctx, p.cursor, p.batchSize)
		if err != nil {
			return published, fmt.Errorf("failed to read outbox: %w", err)
		}
		for _, row := range changes {
			if err = p.bus.Publish(ctx, FromOutbox(row)); err != nil {
				metrics.IncFeedPublishError()
				return published, err
			}
			if p.deferred {
				p.cursor = row.Seq
			} else if err = p.outbox.MarkPublished(ctx, row.Seq, time.Now()); err != nil {
				return published, fmt.Errorf("failed to mark change %d as published: %w", row.Seq, err)
			}
			metrics.IncFeedPublished()
			published++
		}
		if len(changes) < p.batchSize {
			if published > 0 {
				p.log.Debug().Int("count", published).Msg("Published outbox changes")
			}
			return published, nil
		}
	}
}

func (p *Pump) ack(ctx context.Context, change *Change) {
	if err := p.outbox.MarkPublished(ctx, change.Seq, time.Now()); err != nil {
		// The row stays pending and is published again after a restart.
		p.log.Warn().Err(err).Int64("seq", change.Seq).Msg("Failed to mark handled change as published")
	}
}
