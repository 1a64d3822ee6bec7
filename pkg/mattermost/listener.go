// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
	"github.com/aiku/mattermost-matrix-relay/pkg/metrics"
	"github.com/aiku/mattermost-matrix-relay/pkg/relay"
)

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = time.Minute
)

// Listener reads the Mattermost WebSocket and hands native events to the
// relay engine.
type Listener struct {
	client *Client
	sink   relay.EventSink
	filter echoFilter
	log    zerolog.Logger
}

func NewListener(client *Client, sink relay.EventSink, botPrefix string, log zerolog.Logger) *Listener {
	return &Listener{
		client: client,
		sink:   sink,
		filter: echoFilter{userID: client.UserID(), botPrefix: botPrefix},
		log:    log.With().Str("component", "mm_listener").Logger(),
	}
}

// Run keeps a WebSocket connection open until ctx is canceled, reconnecting
// with exponential backoff when it drops.
func (l *Listener) Run(ctx context.Context) error {
	if l.filter.userID == "" {
		l.filter.userID = l.client.UserID()
	}
	wsURL := httpToWS(l.client.serverURL)
	delay := minReconnectDelay
	for {
		ws, err := model.NewWebSocketClient4(wsURL, l.client.api.AuthToken)
		if err != nil {
			l.log.Error().Err(err).Str("ws_url", wsURL).Msg("WebSocket connection failed")
		} else {
			l.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
			delay = minReconnectDelay
			ws.Listen()
			l.consume(ctx, ws)
			ws.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		l.log.Warn().Dur("delay", delay).Msg("WebSocket disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (l *Listener) consume(ctx context.Context, ws *model.WebSocketClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ws.EventChannel:
			if !ok {
				if ws.ListenError != nil {
					l.log.Warn().Err(ws.ListenError).Msg("WebSocket event channel closed")
				}
				return
			}
			if evt == nil {
				continue
			}
			l.handleEvent(ctx, evt)
		}
	}
}

// handleEvent dispatches a Mattermost WebSocket event to the relay engine.
func (l *Listener) handleEvent(ctx context.Context, evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		l.handlePosted(ctx, evt)
	case model.WebsocketEventPostEdited:
		l.handlePostEdited(ctx, evt)
	case model.WebsocketEventPostDeleted:
		l.handlePostDeleted(ctx, evt)
	default:
		l.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

func (l *Listener) parse(evt *model.WebSocketEvent) *postEvent {
	parsed, err := l.filter.parsePostEvent(evt)
	if err != nil {
		l.log.Warn().Err(err).Str("event_type", string(evt.EventType())).Msg("Failed to parse post event")
		return nil
	}
	if parsed != nil && parsed.EchoReason != "" {
		metrics.ObserveEchoSkipped(string(database.PlatformMattermost), parsed.EchoReason)
		l.log.Debug().
			Str("post_id", parsed.Post.Id).
			Str("reason", parsed.EchoReason).
			Msg("Post authored by the relay (echo prevention)")
	}
	return parsed
}

func (l *Listener) handlePosted(ctx context.Context, evt *model.WebSocketEvent) {
	parsed := l.parse(evt)
	if parsed == nil {
		return
	}
	post := parsed.Post
	msg := &relay.NativeMessage{
		Platform:   database.PlatformMattermost,
		ChatID:     post.ChannelId,
		MessageID:  post.Id,
		AuthorID:   post.UserId,
		AuthorName: strings.TrimPrefix(parsed.SenderName, "@"),
		Content:    post.Message,
		Timestamp:  millis(post.CreateAt),
		FromRelay:  parsed.EchoReason != "",
	}
	l.log.Debug().
		Str("post_id", post.Id).
		Str("channel_id", post.ChannelId).
		Str("user_id", post.UserId).
		Msg("Received new message")
	l.sink.HandleMessage(ctx, msg)
}

func (l *Listener) handlePostEdited(ctx context.Context, evt *model.WebSocketEvent) {
	parsed := l.parse(evt)
	if parsed == nil {
		return
	}
	post := parsed.Post
	l.sink.HandleEdit(ctx, &relay.NativeEdit{
		Platform:   database.PlatformMattermost,
		ChatID:     post.ChannelId,
		MessageID:  post.Id,
		NewContent: post.Message,
		Timestamp:  millis(post.EditAt),
		FromRelay:  parsed.EchoReason != "",
	})
}

func (l *Listener) handlePostDeleted(ctx context.Context, evt *model.WebSocketEvent) {
	parsed := l.parse(evt)
	if parsed == nil {
		return
	}
	post := parsed.Post
	l.sink.HandleDelete(ctx, &relay.NativeDelete{
		Platform:  database.PlatformMattermost,
		ChatID:    post.ChannelId,
		MessageID: post.Id,
		Timestamp: millis(post.DeleteAt),
		FromRelay: parsed.EchoReason != "",
	})
}

// millis converts a Mattermost timestamp, leaving unset ones zero.
func millis(ts int64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ts)
}
