// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
	"github.com/aiku/mattermost-matrix-relay/pkg/metrics"
	"github.com/aiku/mattermost-matrix-relay/pkg/relayfmt"
)

// Dispatcher propagates canonical message lifecycle events to the platform
// that did not originate the message.
type Dispatcher struct {
	channels  *Resolver
	users     UserStore
	messages  MessageStore
	mappings  MappingStore
	clients   map[database.Platform]PlatformClient
	formatter *relayfmt.Formatter
	log       zerolog.Logger
}

func NewDispatcher(
	channels *Resolver,
	users UserStore,
	messages MessageStore,
	mappings MappingStore,
	formatter *relayfmt.Formatter,
	log zerolog.Logger,
	clients ...PlatformClient,
) *Dispatcher {
	d := &Dispatcher{
		channels:  channels,
		users:     users,
		messages:  messages,
		mappings:  mappings,
		clients:   make(map[database.Platform]PlatformClient, len(clients)),
		formatter: formatter,
		log:       log.With().Str("component", "dispatch").Logger(),
	}
	if d.formatter == nil {
		d.formatter, _ = relayfmt.New("")
	}
	for _, client := range clients {
		d.clients[client.Platform()] = client
	}
	return d
}

// Handle routes a lifecycle event to its propagator. Only errors worth a
// redelivery are returned; everything else is logged here.
func (d *Dispatcher) Handle(ctx context.Context, evt LifecycleEvent) error {
	msg := evt.Message()
	log := d.log.With().
		Str("event", evt.Kind()).
		Str("message_id", msg.ID).
		Str("origin", string(msg.Platform)).
		Logger()
	ctx = log.WithContext(ctx)

	var err error
	switch e := evt.(type) {
	case Created:
		err = d.HandleCreated(ctx, e)
	case Edited:
		err = d.HandleEdited(ctx, e)
	case Deleted:
		err = d.HandleDeleted(ctx, e)
	default:
		err = fmt.Errorf("%w: unknown lifecycle event %T", ErrMalformedEvent, evt)
	}
	metrics.ObserveRelay(string(msg.Platform.Other()), evt.Kind(), relayOutcome(err))

	switch {
	case err == nil:
		return nil
	case IsRetryable(err):
		log.Warn().Err(err).Msg("Relay failed, waiting for redelivery")
		return err
	case errors.Is(err, ErrUntrackedChannel), errors.Is(err, ErrMappingNotFound), errors.Is(err, ErrDirectionClosed):
		log.Debug().Err(err).Msg("Nothing to relay")
		return nil
	default:
		log.Err(err).Msg("Dropping change")
		return nil
	}
}

// HandleCreated sends a copy of a new message to the other platform and maps
// the copy to the canonical message. The copy carries the current state of the
// message, which may be newer than the snapshot in the event.
func (d *Dispatcher) HandleCreated(ctx context.Context, evt Created) error {
	log := zerolog.Ctx(ctx)
	msg, err := d.messages.GetByID(ctx, evt.Msg.ID)
	if err != nil {
		return fmt.Errorf("%w: failed to get message: %w", ErrTransientStore, err)
	} else if msg == nil {
		log.Warn().Msg("Created message is not stored, not relaying")
		return nil
	} else if msg.DeletedAt != nil {
		log.Debug().Msg("Message was deleted before it was relayed")
		return nil
	}
	ch, err := d.channels.Get(ctx, msg.ChannelID)
	if err != nil {
		return err
	}
	if !ch.Direction.Allows(msg.Platform) {
		log.Debug().Str("direction", string(ch.Direction)).Msg("Channel direction does not relay this origin")
		return nil
	}
	origin, dest := msg.Platform, msg.Platform.Other()
	chatID := ch.ChatID(dest)
	if chatID == "" {
		log.Debug().Msg("Channel has no chat on the destination platform")
		return nil
	}

	existing, err := d.mappings.GetByNativeID(ctx, origin, msg.ID)
	if err != nil {
		return fmt.Errorf("%w: failed to get mapping: %w", ErrTransientStore, err)
	} else if existing != nil && existing.ID(dest) != "" {
		log.Debug().Str("counterpart_id", existing.ID(dest)).Msg("Message already relayed")
		return nil
	}

	client, err := d.client(dest)
	if err != nil {
		return err
	}
	rendered, err := d.render(ctx, msg, ch)
	if err != nil {
		return err
	}
	sentID, err := client.SendMessage(ctx, chatID, rendered)
	if err != nil {
		return fmt.Errorf("%w: failed to send message: %w", ErrDestinationSend, err)
	}

	mapping := &database.MessageMapping{}
	mapping.SetID(origin, msg.ID)
	mapping.SetID(dest, sentID)
	stored, err := d.mappings.Upsert(ctx, origin, mapping)
	if err != nil {
		// An unmapped copy would be duplicated by the redelivery.
		d.deleteCopy(ctx, client, chatID, sentID)
		return fmt.Errorf("%w: failed to store mapping: %w", ErrTransientStore, err)
	}
	if stored.ID(dest) != sentID {
		log.Info().
			Str("counterpart_id", stored.ID(dest)).
			Str("surplus_id", sentID).
			Msg("Message was relayed concurrently, removing surplus copy")
		d.deleteCopy(ctx, client, chatID, sentID)
		return nil
	}
	log.Debug().Str("counterpart_id", sentID).Msg("Relayed message")
	d.catchUp(ctx, client, ch, chatID, sentID, msg)
	return nil
}

// catchUp applies an edit or deletion that was dispatched while the copy was
// being sent, when there was no mapping to find it yet.
func (d *Dispatcher) catchUp(ctx context.Context, client PlatformClient, ch *database.Channel, chatID, copyID string, sent *database.Message) {
	log := zerolog.Ctx(ctx).With().Str("counterpart_id", copyID).Logger()
	current, err := d.messages.GetByID(ctx, sent.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to re-read relayed message")
		return
	}
	switch {
	case current == nil:
	case current.DeletedAt != nil:
		log.Info().Msg("Message was deleted while relaying, removing copy")
		d.deleteCopy(ctx, client, chatID, copyID)
	case current.Content != sent.Content:
		rendered, err := d.render(ctx, current, ch)
		if err == nil {
			err = client.EditMessage(ctx, chatID, copyID, rendered)
		}
		if err != nil {
			log.Warn().Err(err).Msg("Failed to apply edit made while relaying")
			return
		}
		log.Info().Msg("Message was edited while relaying, updated copy")
	}
}

// HandleEdited replaces the text of the relayed copy. Without a mapping there
// is no copy and nothing happens.
func (d *Dispatcher) HandleEdited(ctx context.Context, evt Edited) error {
	msg := evt.New
	if msg.DeletedAt != nil || (evt.Old != nil && evt.Old.Content == msg.Content) {
		return nil
	}
	ch, client, chatID, counterpart, err := d.counterpart(ctx, msg)
	if err != nil {
		return err
	}
	rendered, err := d.render(ctx, msg, ch)
	if err != nil {
		return err
	}
	err = client.EditMessage(ctx, chatID, counterpart, rendered)
	if errors.Is(err, ErrMessageNotFound) {
		zerolog.Ctx(ctx).Debug().Str("counterpart_id", counterpart).Msg("Relayed copy is gone, not editing")
		return nil
	} else if err != nil {
		return fmt.Errorf("%w: failed to edit message: %w", ErrDestinationSend, err)
	}
	zerolog.Ctx(ctx).Debug().Str("counterpart_id", counterpart).Msg("Relayed edit")
	return nil
}

// HandleDeleted removes the relayed copy. The mapping is kept so that a
// redelivered deletion still finds the counterpart.
func (d *Dispatcher) HandleDeleted(ctx context.Context, evt Deleted) error {
	_, client, chatID, counterpart, err := d.counterpart(ctx, evt.Msg)
	if err != nil {
		return err
	}
	err = client.DeleteMessage(ctx, chatID, counterpart)
	if errors.Is(err, ErrMessageNotFound) {
		zerolog.Ctx(ctx).Debug().Str("counterpart_id", counterpart).Msg("Relayed copy already deleted")
		return nil
	} else if err != nil {
		return fmt.Errorf("%w: failed to delete message: %w", ErrDestinationSend, err)
	}
	zerolog.Ctx(ctx).Debug().Str("counterpart_id", counterpart).Msg("Relayed deletion")
	return nil
}

// counterpart resolves where the relayed copy of msg lives.
func (d *Dispatcher) counterpart(ctx context.Context, msg *database.Message) (
	ch *database.Channel, client PlatformClient, chatID, counterpartID string, err error,
) {
	dest := msg.Platform.Other()
	mapping, err := d.mappings.GetByNativeID(ctx, msg.Platform, msg.ID)
	if err != nil {
		return nil, nil, "", "", fmt.Errorf("%w: failed to get mapping: %w", ErrTransientStore, err)
	} else if mapping == nil || mapping.ID(dest) == "" {
		return nil, nil, "", "", ErrMappingNotFound
	}
	ch, err = d.channels.Get(ctx, msg.ChannelID)
	if err != nil {
		return nil, nil, "", "", err
	}
	if !ch.Direction.Allows(msg.Platform) {
		return nil, nil, "", "", ErrDirectionClosed
	}
	chatID = ch.ChatID(dest)
	if chatID == "" {
		return nil, nil, "", "", ErrUntrackedChannel
	}
	client, err = d.client(dest)
	if err != nil {
		return nil, nil, "", "", err
	}
	return ch, client, chatID, mapping.ID(dest), nil
}

func (d *Dispatcher) client(platform database.Platform) (PlatformClient, error) {
	client, ok := d.clients[platform]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownPlatform, platform)
	}
	return client, nil
}

// render formats msg with the identity of its author on the origin platform.
func (d *Dispatcher) render(ctx context.Context, msg *database.Message, ch *database.Channel) (*relayfmt.Rendered, error) {
	author, err := d.users.Get(ctx, msg.Platform, msg.AuthorID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get author: %w", ErrTransientStore, err)
	}
	name := msg.AuthorID
	if author != nil && author.Username != "" {
		name = author.Username
	}
	return d.formatter.Render(relayfmt.Message{
		AuthorID:   msg.AuthorID,
		AuthorName: name,
		Content:    msg.Content,
	}, msg.Platform, ch.Direction), nil
}

func (d *Dispatcher) deleteCopy(ctx context.Context, client PlatformClient, chatID, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := client.DeleteMessage(ctx, chatID, id); err != nil && !errors.Is(err, ErrMessageNotFound) {
		zerolog.Ctx(ctx).Err(err).Str("copy_id", id).Msg("Failed to remove unmapped copy")
	}
}

func relayOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	return errorOutcome(err)
}
