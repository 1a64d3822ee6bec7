// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
	"github.com/aiku/mattermost-matrix-relay/pkg/metrics"
)

// Ingestor turns native platform events into canonical message records. It
// never calls a platform: relaying is driven by the change feed only.
type Ingestor struct {
	channels   *Resolver
	identities *Reconciler
	messages   MessageStore
	profiles   map[database.Platform]ProfileResolver
	log        zerolog.Logger

	// OnChange is called after a write that added a change to the outbox.
	OnChange func()
}

func NewIngestor(channels *Resolver, identities *Reconciler, messages MessageStore, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		channels:   channels,
		identities: identities,
		messages:   messages,
		profiles:   make(map[database.Platform]ProfileResolver),
		log:        log.With().Str("component", "ingest").Logger(),
	}
}

// AddProfileResolvers registers the profile lookups used to complete message
// authors. It must be called before the first message is ingested.
func (i *Ingestor) AddProfileResolvers(resolvers ...ProfileResolver) {
	for _, r := range resolvers {
		i.profiles[r.Platform()] = r
	}
}

// Ingest stores a native message. Redelivery of an already stored message is
// a success that returns the stored record with inserted set to false.
func (i *Ingestor) Ingest(ctx context.Context, native *NativeMessage) (msg *database.Message, inserted bool, err error) {
	defer func() {
		metrics.ObserveIngest(string(native.Platform), "create", ingestOutcome(inserted, err))
	}()
	if native.FromRelay {
		return nil, false, ErrRelayEcho
	}
	if !native.Platform.Valid() || native.MessageID == "" || native.ChatID == "" {
		return nil, false, fmt.Errorf("%w: message without platform, chat or id", ErrMalformedEvent)
	}

	ch, err := i.channels.Resolve(ctx, native.Platform, native.ChatID)
	if err != nil {
		return nil, false, err
	}
	author, err := i.identities.Reconcile(ctx, i.resolveAuthor(ctx, native))
	if err != nil {
		return nil, false, err
	}

	ts := native.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg = &database.Message{
		ID:        native.MessageID,
		Platform:  native.Platform,
		ChannelID: ch.ID,
		AuthorID:  author.ID,
		Content:   native.Content,
		CreatedAt: ts,
	}
	inserted, err = i.messages.Insert(ctx, msg)
	if err != nil {
		return nil, false, fmt.Errorf("%w: failed to insert message: %w", ErrTransientStore, err)
	}
	if inserted {
		i.notify()
	}
	return msg, inserted, nil
}

// IngestEdit applies a content edit made on the message's native platform.
// Edits of unknown messages, and edits reported by the platform that only
// holds the relayed copy, are ignored.
func (i *Ingestor) IngestEdit(ctx context.Context, edit *NativeEdit) (updated *database.Message, err error) {
	defer func() {
		metrics.ObserveIngest(string(edit.Platform), "edit", ingestOutcome(updated != nil, err))
	}()
	if edit.FromRelay {
		return nil, ErrRelayEcho
	}
	existing, err := i.originMessage(ctx, edit.Platform, edit.MessageID)
	if existing == nil || err != nil {
		return nil, err
	}
	ts := edit.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	updated, err = i.messages.UpdateContent(ctx, existing.ID, edit.NewContent, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to update message: %w", ErrTransientStore, err)
	}
	if updated != nil {
		i.notify()
	}
	return updated, nil
}

// IngestDelete soft-deletes a message deleted on its native platform.
func (i *Ingestor) IngestDelete(ctx context.Context, del *NativeDelete) (deleted *database.Message, err error) {
	defer func() {
		metrics.ObserveIngest(string(del.Platform), "delete", ingestOutcome(deleted != nil, err))
	}()
	if del.FromRelay {
		return nil, ErrRelayEcho
	}
	existing, err := i.originMessage(ctx, del.Platform, del.MessageID)
	if existing == nil || err != nil {
		return nil, err
	}
	ts := del.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	deleted, err = i.messages.MarkDeleted(ctx, existing.ID, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to mark message deleted: %w", ErrTransientStore, err)
	}
	if deleted != nil {
		i.notify()
	}
	return deleted, nil
}

// originMessage returns the canonical message with the given id if it
// originated on platform. Lifecycle changes reported for relayed copies are
// dropped so they cannot bounce back.
func (i *Ingestor) originMessage(ctx context.Context, platform database.Platform, id string) (*database.Message, error) {
	if !platform.Valid() || id == "" {
		return nil, fmt.Errorf("%w: lifecycle event without platform or id", ErrMalformedEvent)
	}
	msg, err := i.messages.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get message: %w", ErrTransientStore, err)
	} else if msg == nil {
		i.log.Debug().Str("message_id", id).Msg("Ignoring lifecycle event for unknown message")
		return nil, nil
	} else if msg.Platform != platform {
		i.log.Debug().
			Str("message_id", id).
			Str("platform", string(platform)).
			Msg("Ignoring lifecycle event from non-origin platform")
		return nil, nil
	}
	return msg, nil
}

func (i *Ingestor) notify() {
	if i.OnChange != nil {
		i.OnChange()
	}
}

func ingestOutcome(changed bool, err error) string {
	switch {
	case err == nil && changed:
		return "stored"
	case err == nil:
		return "unchanged"
	default:
		return errorOutcome(err)
	}
}

// resolveAuthor completes the author reported by the listener with the
// profile known to the platform. A failed lookup keeps the listener's values.
func (i *Ingestor) resolveAuthor(ctx context.Context, native *NativeMessage) NativeUser {
	author := native.Author()
	resolver, ok := i.profiles[native.Platform]
	if !ok || author.ID == "" {
		return author
	}
	name, avatar, err := resolver.ResolveProfile(ctx, author.ID)
	if err != nil {
		i.log.Warn().Err(err).
			Str("platform", string(author.Platform)).
			Str("user_id", author.ID).
			Msg("Failed to resolve author profile, using listener values")
		return author
	}
	if name != "" {
		author.Username = name
	}
	author.AvatarRef = avatar
	return author
}
