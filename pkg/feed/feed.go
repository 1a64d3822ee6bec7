// Copyright 2024-2026 Aiku AI

// Package feed carries message changes from the outbox to the relay
// dispatcher. Delivery is at least once: a handler that returns an error gets
// the same change again later.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
)

// Change is the wire format of one change feed event.
type Change struct {
	Seq   int64             `json:"seq"`
	Op    database.ChangeOp `json:"op"`
	Table string            `json:"table"`
	New   json.RawMessage   `json:"new"`
	Old   json.RawMessage   `json:"old,omitempty"`
}

// FromOutbox converts an outbox row into a feed change.
func FromOutbox(row *database.Change) *Change {
	return &Change{
		Seq:   row.Seq,
		Op:    row.Op,
		Table: row.Table,
		New:   row.New,
		Old:   row.Old,
	}
}

// MsgID is the deduplication id of the change on brokers that support one.
func (c *Change) MsgID() string {
	return "change-" + strconv.FormatInt(c.Seq, 10)
}

// Handler processes one change. Returning an error requests redelivery.
type Handler func(ctx context.Context, change *Change) error

// Bus is a durable, replayable change feed.
type Bus interface {
	Publish(ctx context.Context, change *Change) error
	// Subscribe delivers changes to the handler until ctx is canceled.
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// Acknowledger is implemented by buses that hold changes in process memory
// only. The pump keeps the outbox rows of such a bus unpublished until the bus
// acknowledges the change, so a restart publishes them again.
type Acknowledger interface {
	// OnAck registers fn to be called once per change that was handled or
	// dropped after its last delivery attempt. It must be called before
	// Subscribe.
	OnAck(fn func(ctx context.Context, change *Change))
}

var ErrClosed = errors.New("change feed is closed")

// Config is the change feed section of the relay configuration.
type Config struct {
	// Type is one of memory, nats or amqp.
	Type string `yaml:"type"`
	URL  string `yaml:"url"`
	// Subject is the NATS subject or AMQP routing key.
	Subject  string `yaml:"subject"`
	Stream   string `yaml:"stream"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
	Durable  string `yaml:"durable"`

	MaxDeliver   int `yaml:"max_deliver"`
	RetryDelayMS int `yaml:"retry_delay_ms"`
	BufferSize   int `yaml:"buffer_size"`

	PumpIntervalMS int `yaml:"pump_interval_ms"`
	PumpBatchSize  int `yaml:"pump_batch_size"`
}

// Open creates the bus selected by cfg.Type.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (Bus, error) {
	retryDelay := time.Duration(cfg.RetryDelayMS) * time.Millisecond
	switch cfg.Type {
	case "", "memory":
		return NewMemoryBus(cfg.BufferSize, cfg.MaxDeliver, retryDelay, log), nil
	case "nats":
		bus, err := NewJetStreamBus(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case "amqp":
		bus, err := NewAMQPBus(cfg, log)
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("unknown change feed type %q", cfg.Type)
	}
}
