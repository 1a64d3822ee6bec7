// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
)

// Resolver maps native chat ids to bridged channels.
type Resolver struct {
	channels ChannelStore
}

func NewResolver(channels ChannelStore) *Resolver {
	return &Resolver{channels: channels}
}

// Resolve returns the channel bound to chatID on platform, or
// ErrUntrackedChannel if the chat is not bridged.
func (r *Resolver) Resolve(ctx context.Context, platform database.Platform, chatID string) (*database.Channel, error) {
	if chatID == "" {
		return nil, ErrUntrackedChannel
	}
	ch, err := r.channels.GetByNativeChat(ctx, platform, chatID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get channel: %w", ErrTransientStore, err)
	} else if ch == nil {
		return nil, ErrUntrackedChannel
	}
	return ch, nil
}

// Get returns the channel with the given canonical id, or ErrUntrackedChannel
// if it was removed.
func (r *Resolver) Get(ctx context.Context, id string) (*database.Channel, error) {
	ch, err := r.channels.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get channel: %w", ErrTransientStore, err)
	} else if ch == nil {
		return nil, ErrUntrackedChannel
	}
	return ch, nil
}
