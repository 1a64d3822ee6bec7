// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
	"github.com/aiku/mattermost-matrix-relay/pkg/metrics"
	"github.com/aiku/mattermost-matrix-relay/pkg/relay"
)

const (
	minResyncDelay = time.Second
	maxResyncDelay = time.Minute
)

// Listener runs the /sync loop and hands room messages, edits and redactions
// to the relay engine.
type Listener struct {
	client *Client
	sink   relay.EventSink
	log    zerolog.Logger
}

func NewListener(client *Client, sink relay.EventSink, log zerolog.Logger) *Listener {
	l := &Listener{
		client: client,
		sink:   sink,
		log:    log.With().Str("component", "mx_listener").Logger(),
	}
	syncer := client.api.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnSync(client.api.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, l.handleMessage)
	syncer.OnEventType(event.EventRedaction, l.handleRedaction)
	return l
}

// Run syncs until ctx is canceled. Sync failures are retried with backoff.
func (l *Listener) Run(ctx context.Context) error {
	delay := minResyncDelay
	for {
		start := time.Now()
		err := l.client.api.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > maxResyncDelay {
			delay = minResyncDelay
		}
		l.log.Warn().Err(err).Dur("delay", delay).Msg("Sync stopped, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxResyncDelay)
	}
}

// echoReason reports why an event must not be relayed, or "" when it is a
// native event.
func (l *Listener) echoReason(evt *event.Event) string {
	if evt.Sender == l.client.UserID() {
		return "own_user"
	}
	if _, ok := evt.Content.Raw[RelayMarkerKey]; ok {
		return "relay_marker"
	}
	return ""
}

func (l *Listener) observeEcho(evt *event.Event, reason string) {
	if reason == "" {
		return
	}
	metrics.ObserveEchoSkipped(string(database.PlatformMatrix), reason)
	l.log.Debug().
		Stringer("event_id", evt.ID).
		Str("reason", reason).
		Msg("Event sent by the relay (echo prevention)")
}

func (l *Listener) handleMessage(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMessage()
	if content == nil {
		return
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
	default:
		l.log.Trace().Str("msgtype", string(content.MsgType)).Msg("Ignoring non-text message")
		return
	}
	reason := l.echoReason(evt)
	l.observeEcho(evt, reason)

	if target := content.RelatesTo.GetReplaceID(); target != "" {
		l.sink.HandleEdit(ctx, &relay.NativeEdit{
			Platform:   database.PlatformMatrix,
			ChatID:     evt.RoomID.String(),
			MessageID:  target.String(),
			NewContent: editBody(content),
			Timestamp:  millis(evt.Timestamp),
			FromRelay:  reason != "",
		})
		return
	}

	msg := &relay.NativeMessage{
		Platform:   database.PlatformMatrix,
		ChatID:     evt.RoomID.String(),
		MessageID:  evt.ID.String(),
		AuthorID:   evt.Sender.String(),
		AuthorName: evt.Sender.Localpart(),
		Content:    content.Body,
		Timestamp:  millis(evt.Timestamp),
		FromRelay:  reason != "",
	}
	l.log.Debug().
		Stringer("event_id", evt.ID).
		Stringer("room_id", evt.RoomID).
		Stringer("sender", evt.Sender).
		Msg("Received new message")
	l.sink.HandleMessage(ctx, msg)
}

func (l *Listener) handleRedaction(ctx context.Context, evt *event.Event) {
	target := evt.Redacts
	if target == "" {
		if content := evt.Content.AsRedaction(); content != nil {
			target = content.Redacts
		}
	}
	if target == "" {
		l.log.Warn().Stringer("event_id", evt.ID).Msg("Redaction without target")
		return
	}
	reason := ""
	if evt.Sender == l.client.UserID() {
		reason = "own_user"
	}
	l.observeEcho(evt, reason)
	l.sink.HandleDelete(ctx, &relay.NativeDelete{
		Platform:  database.PlatformMatrix,
		ChatID:    evt.RoomID.String(),
		MessageID: target.String(),
		Timestamp: millis(evt.Timestamp),
		FromRelay: reason != "",
	})
}

// editBody returns the replacement text of an edit. Clients without
// m.new_content prefix the fallback body with "* ".
func editBody(content *event.MessageEventContent) string {
	if content.NewContent != nil {
		return content.NewContent.Body
	}
	return strings.TrimPrefix(content.Body, "* ")
}

func millis(ts int64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ts)
}
