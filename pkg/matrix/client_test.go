// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
	"github.com/aiku/mattermost-matrix-relay/pkg/relay"
	"github.com/aiku/mattermost-matrix-relay/pkg/relayfmt"
)

const room = "!room:example.org"

func TestConnect(t *testing.T) {
	t.Parallel()
	_, srv := newFakeHomeserver(t)
	client := newTestClient(t, srv.URL)
	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, id.UserID(botUserID), client.UserID())
	assert.Equal(t, database.PlatformMatrix, client.Platform())
}

func TestConnectWrongUser(t *testing.T) {
	t.Parallel()
	_, srv := newFakeHomeserver(t)
	client, err := NewClient(Config{HomeserverURL: srv.URL, UserID: "@other:example.org", AccessToken: "token"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Error(t, client.Connect(context.Background()))
}

func TestSendMessageMarksRelay(t *testing.T) {
	t.Parallel()
	hs, srv := newFakeHomeserver(t)
	client := newTestClient(t, srv.URL)
	ctx := context.Background()

	eventID, err := client.SendMessage(ctx, room, &relayfmt.Rendered{Text: "alice: hi", HTML: "<strong>alice</strong> hi"})
	require.NoError(t, err)
	require.NotEmpty(t, eventID)

	sent := hs.event(eventID)
	require.NotNil(t, sent)
	assert.Equal(t, "m.text", sent["msgtype"])
	assert.Equal(t, "alice: hi", sent["body"])
	assert.Equal(t, "org.matrix.custom.html", sent["format"])
	assert.Equal(t, "<strong>alice</strong> hi", sent["formatted_body"])
	assert.Equal(t, "mattermost", sent[RelayMarkerKey])
}

func TestSendMessagePlainText(t *testing.T) {
	t.Parallel()
	hs, srv := newFakeHomeserver(t)
	client := newTestClient(t, srv.URL)

	eventID, err := client.SendMessage(context.Background(), room, &relayfmt.Rendered{Text: "plain"})
	require.NoError(t, err)
	sent := hs.event(eventID)
	assert.NotContains(t, sent, "format")
	assert.NotContains(t, sent, "formatted_body")
}

func TestEditMessageReplacesOriginal(t *testing.T) {
	t.Parallel()
	hs, srv := newFakeHomeserver(t)
	client := newTestClient(t, srv.URL)
	ctx := context.Background()

	original, err := client.SendMessage(ctx, room, &relayfmt.Rendered{Text: "v1"})
	require.NoError(t, err)
	require.NoError(t, client.EditMessage(ctx, room, original, &relayfmt.Rendered{Text: "v2"}))

	edit := hs.event("$ev2")
	require.NotNil(t, edit)
	assert.Contains(t, edit["body"], "v2")
	newContent, ok := edit["m.new_content"].(map[string]any)
	require.True(t, ok, "edit must carry m.new_content")
	assert.Equal(t, "v2", newContent["body"])
	relatesTo, ok := edit["m.relates_to"].(map[string]any)
	require.True(t, ok, "edit must carry m.relates_to")
	assert.Equal(t, "m.replace", relatesTo["rel_type"])
	assert.Equal(t, original, relatesTo["event_id"])
	assert.Equal(t, "mattermost", edit[RelayMarkerKey])
}

func TestDeleteMessage(t *testing.T) {
	t.Parallel()
	hs, srv := newFakeHomeserver(t)
	client := newTestClient(t, srv.URL)
	ctx := context.Background()

	eventID, err := client.SendMessage(ctx, room, &relayfmt.Rendered{Text: "bye"})
	require.NoError(t, err)
	require.NoError(t, client.DeleteMessage(ctx, room, eventID))
	assert.True(t, hs.isRedacted(eventID))

	err = client.DeleteMessage(ctx, room, "$missing")
	assert.ErrorIs(t, err, relay.ErrMessageNotFound)
}

func TestSendMessageFailure(t *testing.T) {
	t.Parallel()
	hs, srv := newFakeHomeserver(t)
	hs.forbid = true
	client := newTestClient(t, srv.URL)

	_, err := client.SendMessage(context.Background(), room, &relayfmt.Rendered{Text: "x"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, relay.ErrMessageNotFound)
}

func TestFetchChannel(t *testing.T) {
	t.Parallel()
	_, srv := newFakeHomeserver(t)
	client := newTestClient(t, srv.URL)
	ctx := context.Background()

	info, err := client.FetchChannel(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, &relay.ChatInfo{ID: room, Name: "General"}, info)

	unnamed, err := client.FetchChannel(ctx, "!unnamed:example.org")
	require.NoError(t, err)
	assert.Empty(t, unnamed.Name)
}

func TestGetProfile(t *testing.T) {
	t.Parallel()
	_, srv := newFakeHomeserver(t)
	client := newTestClient(t, srv.URL)

	name, avatar, err := client.GetProfile(context.Background(), "@bob:example.org")
	require.NoError(t, err)
	assert.Equal(t, "Bob Builder", name)
	assert.Equal(t, "mxc://example.org/bob", avatar)

	_, _, err = client.GetProfile(context.Background(), "@ghost:example.org")
	assert.Error(t, err)

	name, avatar, err = client.ResolveProfile(context.Background(), "@bob:example.org")
	require.NoError(t, err)
	assert.Equal(t, "Bob Builder", name)
	assert.Equal(t, "mxc://example.org/bob", avatar)
	assert.Equal(t, database.PlatformMatrix, client.Platform())
}
