// Copyright 2024-2026 Aiku AI

package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-relay/pkg/metrics"
)

// AMQPBus is a change feed backed by a durable topic exchange and a quorum
// queue. The queue delivery limit bounds redeliveries.
type AMQPBus struct {
	conn *amqp.Connection
	pub  *amqp.Channel

	exchange   string
	queue      string
	routingKey string
	prefetch   int
	retryDelay time.Duration
	log        zerolog.Logger
}

var _ Bus = (*AMQPBus)(nil)

// NewAMQPBus dials the broker and declares the exchange, queue and binding.
func NewAMQPBus(cfg Config, log zerolog.Logger) (*AMQPBus, error) {
	log = log.With().Str("component", "amqp_bus").Logger()
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err = ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	if err = ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}
	args := amqp.Table{"x-queue-type": "quorum"}
	if cfg.MaxDeliver > 0 {
		args["x-delivery-limit"] = cfg.MaxDeliver
	}
	if _, err = ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}
	if err = ch.QueueBind(cfg.Queue, cfg.Subject, cfg.Exchange, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to bind queue %s: %w", cfg.Queue, err)
	}
	prefetch := cfg.BufferSize
	if prefetch <= 0 {
		prefetch = 32
	}
	log.Info().Str("exchange", cfg.Exchange).Str("queue", cfg.Queue).Msg("Connected to broker")
	return &AMQPBus{
		conn:       conn,
		pub:        ch,
		exchange:   cfg.Exchange,
		queue:      cfg.Queue,
		routingKey: cfg.Subject,
		prefetch:   prefetch,
		retryDelay: time.Duration(cfg.RetryDelayMS) * time.Millisecond,
		log:        log,
	}, nil
}

// ErrPublishNacked is returned when the broker refused to take a change.
var ErrPublishNacked = errors.New("broker did not confirm the change")

// Publish returns once the broker confirmed the change, so the pump only marks
// rows the broker has taken responsibility for.
func (b *AMQPBus) Publish(ctx context.Context, change *Change) error {
	body, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	dc, err := b.pub.PublishWithDeferredConfirmWithContext(ctx, b.exchange, b.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    change.MsgID(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish change %d: %w", change.Seq, err)
	}
	if dc == nil {
		return fmt.Errorf("failed to publish change %d: channel is not in confirm mode", change.Seq)
	}
	return awaitConfirm(ctx, dc, change.Seq)
}

type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

func awaitConfirm(ctx context.Context, confirm confirmation, seq int64) error {
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for confirmation of change %d: %w", seq, err)
	} else if !acked {
		return fmt.Errorf("change %d: %w", seq, ErrPublishNacked)
	}
	return nil
}

func (b *AMQPBus) Subscribe(ctx context.Context, handler Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()
	if err = ch.Qos(b.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, b.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %s: %w", b.queue, err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("broker closed the delivery channel")
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.handle(ctx, d, handler)
			}()
		}
	}
}

func (b *AMQPBus) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	var change Change
	if err := json.Unmarshal(d.Body, &change); err != nil {
		b.log.Error().Err(err).Str("message_id", d.MessageId).Msg("Rejecting malformed change feed message")
		_ = d.Nack(false, false)
		return
	}
	if err := handler(ctx, &change); err != nil {
		b.log.Warn().Err(err).Int64("seq", change.Seq).Bool("redelivered", d.Redelivered).
			Msg("Change handler failed, requeueing")
		metrics.IncFeedRedelivery()
		if b.retryDelay > 0 {
			time.Sleep(b.retryDelay)
		}
		_ = d.Nack(false, true)
		return
	}
	if err := d.Ack(false); err != nil {
		b.log.Warn().Err(err).Int64("seq", change.Seq).Msg("Failed to ack change")
	}
}

func (b *AMQPBus) Close() error {
	_ = b.pub.Close()
	return b.conn.Close()
}
