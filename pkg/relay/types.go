// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"time"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
	"github.com/aiku/mattermost-matrix-relay/pkg/relayfmt"
)

// NativeUser describes the author of a native event.
type NativeUser struct {
	Platform  database.Platform
	ID        string
	Username  string
	AvatarRef string
}

// NativeMessage is a message created event from one platform.
type NativeMessage struct {
	Platform     database.Platform
	ChatID       string
	MessageID    string
	AuthorID     string
	AuthorName   string
	AuthorAvatar string
	Content      string
	Timestamp    time.Time
	// FromRelay is set by the listener when the event was authored by the
	// relay itself, either directly or by carrying the relay marker.
	FromRelay bool
}

// Author returns the native identity of the message author.
func (m *NativeMessage) Author() NativeUser {
	return NativeUser{
		Platform:  m.Platform,
		ID:        m.AuthorID,
		Username:  m.AuthorName,
		AvatarRef: m.AuthorAvatar,
	}
}

// NativeEdit is a content edit of a message on its native platform.
type NativeEdit struct {
	Platform   database.Platform
	ChatID     string
	MessageID  string
	NewContent string
	Timestamp  time.Time
	FromRelay  bool
}

// NativeDelete is a deletion of a message on its native platform.
type NativeDelete struct {
	Platform  database.Platform
	ChatID    string
	MessageID string
	Timestamp time.Time
	FromRelay bool
}

// ChatInfo is the platform view of a bridged chat.
type ChatInfo struct {
	ID   string
	Name string
}

// PlatformClient sends relayed content to one platform.
type PlatformClient interface {
	Platform() database.Platform
	// SendMessage posts a new message and returns its native id.
	SendMessage(ctx context.Context, chatID string, content *relayfmt.Rendered) (string, error)
	EditMessage(ctx context.Context, chatID, messageID string, content *relayfmt.Rendered) error
	// DeleteMessage returns an error wrapping ErrMessageNotFound if the message
	// is already gone.
	DeleteMessage(ctx context.Context, chatID, messageID string) error
	FetchChannel(ctx context.Context, chatID string) (*ChatInfo, error)
}

// ProfileResolver looks up the display profile of a user on one platform.
// Lookups run on the worker pool, never on a listener goroutine.
type ProfileResolver interface {
	Platform() database.Platform
	ResolveProfile(ctx context.Context, userID string) (name, avatarRef string, err error)
}

// EventSink receives native events from the platform listeners.
type EventSink interface {
	HandleMessage(ctx context.Context, msg *NativeMessage)
	HandleEdit(ctx context.Context, edit *NativeEdit)
	HandleDelete(ctx context.Context, del *NativeDelete)
}

// UserStore is the user part of the store contract.
type UserStore interface {
	Get(ctx context.Context, platform database.Platform, id string) (*database.User, error)
	Insert(ctx context.Context, user *database.User) error
	Update(ctx context.Context, user *database.User) error
}

// ChannelStore is the read only channel part of the store contract.
type ChannelStore interface {
	GetByID(ctx context.Context, id string) (*database.Channel, error)
	GetByNativeChat(ctx context.Context, platform database.Platform, chatID string) (*database.Channel, error)
}

// MessageStore is the canonical message part of the store contract.
type MessageStore interface {
	GetByID(ctx context.Context, id string) (*database.Message, error)
	Insert(ctx context.Context, msg *database.Message) (bool, error)
	UpdateContent(ctx context.Context, id, content string, at time.Time) (*database.Message, error)
	MarkDeleted(ctx context.Context, id string, at time.Time) (*database.Message, error)
}

// MappingStore is the message mapping part of the store contract.
type MappingStore interface {
	GetByNativeID(ctx context.Context, platform database.Platform, id string) (*database.MessageMapping, error)
	Upsert(ctx context.Context, origin database.Platform, mapping *database.MessageMapping) (*database.MessageMapping, error)
}

var (
	_ UserStore    = (*database.UserQuery)(nil)
	_ ChannelStore = (*database.ChannelQuery)(nil)
	_ MessageStore = (*database.MessageQuery)(nil)
	_ MappingStore = (*database.MappingQuery)(nil)
)
