// Copyright 2024-2026 Aiku AI

package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-relay/pkg/metrics"
)

// JetStreamBus is a change feed backed by a NATS JetStream stream and a
// durable pull consumer with explicit acks.
type JetStreamBus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream

	subject    string
	durable    string
	maxDeliver int
	retryDelay time.Duration
	log        zerolog.Logger
}

var _ Bus = (*JetStreamBus)(nil)

// NewJetStreamBus connects to NATS and creates or updates the stream.
func NewJetStreamBus(ctx context.Context, cfg Config, log zerolog.Logger) (*JetStreamBus, error) {
	log = log.With().Str("component", "jetstream_bus").Logger()
	log.Info().Str("url", cfg.URL).Str("stream", cfg.Stream).Msg("Connecting to NATS")

	nc, err := nats.Connect(cfg.URL, nats.Name("mattermost-matrix-relay"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject},
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Stream, err)
	}
	return &JetStreamBus{
		nc:         nc,
		js:         js,
		stream:     stream,
		subject:    cfg.Subject,
		durable:    cfg.Durable,
		maxDeliver: cfg.MaxDeliver,
		retryDelay: time.Duration(cfg.RetryDelayMS) * time.Millisecond,
		log:        log,
	}, nil
}

// Publish sends the change with its sequence as the message id, so the
// server drops duplicates published within the dedupe window.
func (b *JetStreamBus) Publish(ctx context.Context, change *Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	_, err = b.js.Publish(ctx, b.subject, data, jetstream.WithMsgID(change.MsgID()))
	if err != nil {
		return fmt.Errorf("failed to publish change %d: %w", change.Seq, err)
	}
	return nil
}

func (b *JetStreamBus) Subscribe(ctx context.Context, handler Handler) error {
	cons, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       b.durable,
		FilterSubject: b.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Minute,
		MaxDeliver:    b.maxDeliver,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", b.durable, err)
	}

	var wg sync.WaitGroup
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.handle(ctx, msg, handler)
		}()
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	b.log.Info().Str("durable", b.durable).Msg("Consuming change feed")

	<-ctx.Done()
	cc.Stop()
	wg.Wait()
	return nil
}

func (b *JetStreamBus) handle(ctx context.Context, msg jetstream.Msg, handler Handler) {
	var change Change
	if err := json.Unmarshal(msg.Data(), &change); err != nil {
		b.log.Error().Err(err).Msg("Terminating malformed change feed message")
		_ = msg.Term()
		return
	}
	if err := handler(ctx, &change); err != nil {
		log := b.log.Warn().Err(err).Int64("seq", change.Seq)
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			log = log.Uint64("delivered", meta.NumDelivered)
		}
		log.Msg("Change handler failed, requesting redelivery")
		metrics.IncFeedRedelivery()
		_ = msg.NakWithDelay(b.retryDelay)
		return
	}
	if err := msg.Ack(); err != nil {
		b.log.Warn().Err(err).Int64("seq", change.Seq).Msg("Failed to ack change")
	}
}

func (b *JetStreamBus) Close() error {
	return b.nc.Drain()
}
