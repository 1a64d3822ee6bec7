// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
)

func newTestListener(t *testing.T) (*Listener, *recordingSink) {
	t.Helper()
	_, srv := newFakeHomeserver(t)
	sink := &recordingSink{}
	return NewListener(newTestClient(t, srv.URL), sink, zerolog.Nop()), sink
}

func messageEvent(sender id.UserID, eventID id.EventID, content *event.MessageEventContent, raw map[string]any) *event.Event {
	return &event.Event{
		Sender:    sender,
		Type:      event.EventMessage,
		ID:        eventID,
		RoomID:    room,
		Timestamp: 1700000000000,
		Content:   event.Content{Parsed: content, Raw: raw},
	}
}

func TestListenerMessage(t *testing.T) {
	t.Parallel()
	l, sink := newTestListener(t)
	l.handleMessage(context.Background(), messageEvent("@bob:example.org", "$m1",
		&event.MessageEventContent{MsgType: event.MsgText, Body: "hello"}, nil))

	require.Len(t, sink.messages, 1)
	msg := sink.messages[0]
	assert.Equal(t, database.PlatformMatrix, msg.Platform)
	assert.Equal(t, room, msg.ChatID)
	assert.Equal(t, "$m1", msg.MessageID)
	assert.Equal(t, "@bob:example.org", msg.AuthorID)
	assert.Equal(t, "bob", msg.AuthorName, "the profile is resolved during ingestion")
	assert.Empty(t, msg.AuthorAvatar)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, time.UnixMilli(1700000000000), msg.Timestamp)
	assert.False(t, msg.FromRelay)
}

func TestListenerUsesLocalpart(t *testing.T) {
	t.Parallel()
	l, sink := newTestListener(t)
	l.handleMessage(context.Background(), messageEvent("@ghost:example.org", "$m1",
		&event.MessageEventContent{MsgType: event.MsgText, Body: "boo"}, nil))

	require.Len(t, sink.messages, 1)
	assert.Equal(t, "ghost", sink.messages[0].AuthorName)
}

func TestListenerEchoes(t *testing.T) {
	t.Parallel()
	l, sink := newTestListener(t)
	ctx := context.Background()
	text := func() *event.MessageEventContent {
		return &event.MessageEventContent{MsgType: event.MsgText, Body: "copy"}
	}

	l.handleMessage(ctx, messageEvent(botUserID, "$own", text(), nil))
	l.handleMessage(ctx, messageEvent("@other-bot:example.org", "$marked", text(), map[string]any{RelayMarkerKey: "mattermost"}))

	require.Len(t, sink.messages, 2)
	for _, msg := range sink.messages {
		assert.True(t, msg.FromRelay, "%s should be flagged as relay output", msg.MessageID)
	}
}

func TestListenerIgnoresMedia(t *testing.T) {
	t.Parallel()
	l, sink := newTestListener(t)
	l.handleMessage(context.Background(), messageEvent("@bob:example.org", "$img",
		&event.MessageEventContent{MsgType: event.MsgImage, Body: "cat.png"}, nil))
	assert.Empty(t, sink.messages)
}

func TestListenerEdit(t *testing.T) {
	t.Parallel()
	l, sink := newTestListener(t)
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: "fixed"}
	content.SetEdit("$m1")
	l.handleMessage(context.Background(), messageEvent("@bob:example.org", "$e1", content, nil))

	assert.Empty(t, sink.messages)
	require.Len(t, sink.edits, 1)
	edit := sink.edits[0]
	assert.Equal(t, "$m1", edit.MessageID)
	assert.Equal(t, "fixed", edit.NewContent)
	assert.False(t, edit.FromRelay)
}

func TestEditBodyFallback(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      "* fixed",
		RelatesTo: (&event.RelatesTo{}).SetReplace("$m1"),
	}
	assert.Equal(t, "fixed", editBody(content))
}

func TestListenerRedaction(t *testing.T) {
	t.Parallel()
	l, sink := newTestListener(t)
	ctx := context.Background()

	l.handleRedaction(ctx, &event.Event{Sender: "@bob:example.org", Type: event.EventRedaction, RoomID: room, ID: "$r1", Redacts: "$m1"})
	l.handleRedaction(ctx, &event.Event{
		Sender: botUserID, Type: event.EventRedaction, RoomID: room, ID: "$r2",
		Content: event.Content{Parsed: &event.RedactionEventContent{Redacts: "$m2"}},
	})
	l.handleRedaction(ctx, &event.Event{Sender: "@bob:example.org", Type: event.EventRedaction, RoomID: room, ID: "$r3"})

	require.Len(t, sink.deletes, 2)
	assert.Equal(t, "$m1", sink.deletes[0].MessageID)
	assert.False(t, sink.deletes[0].FromRelay)
	assert.Equal(t, "$m2", sink.deletes[1].MessageID)
	assert.True(t, sink.deletes[1].FromRelay)
}

func TestListenerRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	l, _ := newTestListener(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, l.Run(ctx))
}
