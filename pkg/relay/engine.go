// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
	"github.com/aiku/mattermost-matrix-relay/pkg/feed"
)

// Engine connects the platform listeners, the ingestion pipeline and the
// change feed consumer.
type Engine struct {
	ingestor   *Ingestor
	dispatcher *Dispatcher
	bus        feed.Bus
	pool       *WorkerPool
	log        zerolog.Logger
}

var _ EventSink = (*Engine)(nil)

func NewEngine(ingestor *Ingestor, dispatcher *Dispatcher, bus feed.Bus, pool *WorkerPool, log zerolog.Logger) *Engine {
	return &Engine{
		ingestor:   ingestor,
		dispatcher: dispatcher,
		bus:        bus,
		pool:       pool,
		log:        log.With().Str("component", "engine").Logger(),
	}
}

// Run consumes the change feed until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().Msg("Consuming change feed")
	err := e.bus.Subscribe(ctx, e.HandleChange)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HandleChange is the change feed handler. The returned error asks the feed
// for a redelivery and is only set for retryable failures.
func (e *Engine) HandleChange(ctx context.Context, change *feed.Change) error {
	evt, err := Adapt(change)
	if err != nil {
		var seq int64
		if change != nil {
			seq = change.Seq
		}
		e.log.Err(err).Int64("seq", seq).Msg("Dropping malformed change")
		return nil
	}
	// After shutdown ErrPoolClosed leaves the change unacknowledged.
	return e.pool.Do(ctx, func(ctx context.Context) error {
		return e.dispatcher.Handle(ctx, evt)
	})
}

func (e *Engine) HandleMessage(ctx context.Context, msg *NativeMessage) {
	e.submit(ctx, msg.Platform, msg.MessageID, "message", func(ctx context.Context) error {
		_, _, err := e.ingestor.Ingest(ctx, msg)
		return err
	})
}

func (e *Engine) HandleEdit(ctx context.Context, edit *NativeEdit) {
	e.submit(ctx, edit.Platform, edit.MessageID, "edit", func(ctx context.Context) error {
		_, err := e.ingestor.IngestEdit(ctx, edit)
		return err
	})
}

func (e *Engine) HandleDelete(ctx context.Context, del *NativeDelete) {
	e.submit(ctx, del.Platform, del.MessageID, "delete", func(ctx context.Context) error {
		_, err := e.ingestor.IngestDelete(ctx, del)
		return err
	})
}

// Shutdown stops accepting events and waits for in-flight work.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.pool.Shutdown(ctx)
}

func (e *Engine) submit(ctx context.Context, platform database.Platform, id, kind string, fn func(ctx context.Context) error) {
	log := e.log.With().
		Str("platform", string(platform)).
		Str("message_id", id).
		Str("event", kind).
		Logger()
	err := e.pool.Submit(log.WithContext(ctx), func(ctx context.Context) {
		logIngestError(log, fn(ctx))
	})
	if err != nil {
		log.Warn().Err(err).Msg("Dropping native event")
	}
}

func logIngestError(log zerolog.Logger, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrUntrackedChannel):
		log.Debug().Msg("Ignoring message in untracked chat")
	case errors.Is(err, ErrRelayEcho):
		log.Debug().Msg("Ignoring message authored by the relay")
	case errors.Is(err, ErrMalformedEvent):
		log.Warn().Err(err).Msg("Dropping malformed event")
	default:
		log.Err(err).Msg("Failed to ingest event")
	}
}
