// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
)

// postEvent is a post carried by a WebSocket event together with what the
// echo prevention layers found out about it.
type postEvent struct {
	Post       *model.Post
	SenderName string
	// EchoReason is set when the post was authored by the relay.
	EchoReason string
}

// echoFilter recognises posts that the relay itself created.
type echoFilter struct {
	userID    string
	botPrefix string
}

// parsePostEvent extracts the post from a posted, edited or deleted event.
// Returns (nil, nil) to skip silently, (nil, err) to log an error, or
// (post, nil) to proceed.
func (f echoFilter) parsePostEvent(evt *model.WebSocketEvent) (*postEvent, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, errors.New("event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	if post.Id == "" || post.ChannelId == "" {
		return nil, errors.New("post without id or channel")
	}

	// System messages (joins, header changes) are never relayed.
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	return &postEvent{
		Post:       &post,
		SenderName: senderName,
		EchoReason: f.echoReason(&post, senderName),
	}, nil
}

func (f echoFilter) echoReason(post *model.Post, senderName string) string {
	switch {
	case f.userID != "" && post.UserId == f.userID:
		return "own_user"
	case post.GetProp(RelayProp) != nil:
		return "relay_marker"
	case senderName != "" && isBridgeUsername(senderName, f.botPrefix):
		return "bridge_username"
	default:
		return ""
	}
}

// isBridgeUsername returns true if the username belongs to a known bridge
// infrastructure bot that should never be relayed. It checks against
// hardcoded bridge usernames and an optional configurable prefix.
func isBridgeUsername(username, botPrefix string) bool {
	switch {
	case username == "mattermost-bridge":
		return true
	case strings.HasPrefix(username, "mattermost_"):
		// Ghost users of mautrix-style bridges (username_template: mattermost_{{.}})
		return true
	case botPrefix != "" && strings.HasPrefix(username, botPrefix):
		return true
	default:
		return false
	}
}
